package orchestrator

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/nowzycc/lensagent/internal/collector"
	"github.com/nowzycc/lensagent/internal/config"
	"github.com/nowzycc/lensagent/internal/jobregistry"
	"github.com/nowzycc/lensagent/internal/model"
	"github.com/nowzycc/lensagent/internal/timerwheel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingCollector struct {
	mu       sync.Mutex
	collectN int
	deinitN  int
	initN    int
}

func (c *countingCollector) Init(any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initN++
	return nil
}

func (c *countingCollector) Collect(job model.Job) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.collectN++
	return len(job.PIDs), nil
}

func (c *countingCollector) Deinit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deinitN++
}

func (c *countingCollector) snapshot() (initN, collectN, deinitN int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initN, c.collectN, c.deinitN
}

func writeConfig(t *testing.T, body string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	path := dir + "/config.yaml"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	cfg, err := config.Load(path, nil)
	require.NoError(t, err)
	return cfg
}

func TestOrchestratorSamplesOnJobAdded(t *testing.T) {
	cfg := writeConfig(t, "proc:\n  freq: 50\n")

	fake := &countingCollector{}
	creg := collector.New()
	creg.Register("proc", func() collector.Instance { return fake })

	jreg := jobregistry.New(nil)
	wheel := timerwheel.New(2, nil)
	defer wheel.Shutdown()

	orch := New(cfg, jreg, creg, wheel, []model.CollectorDescriptor{
		{Name: "proc", Type: "proc", ConfigName: "proc"},
	}, nil)

	records := make(chan string, 16)
	orch.AddFinishCallback(func(name string, job model.Job, payload any, ts time.Time) {
		select {
		case records <- name:
		default:
		}
	})

	require.NoError(t, jreg.Add(model.Job{ID: 1, PIDs: []int{os.Getpid()}, CollectorNames: []string{"proc"}}))

	select {
	case name := <-records:
		assert.Equal(t, "proc", name)
	case <-time.After(time.Second):
		t.Fatal("orchestrator never produced a record")
	}

	initN, collectN, _ := fake.snapshot()
	assert.Equal(t, 1, initN)
	assert.GreaterOrEqual(t, collectN, 1)
}

func TestOrchestratorTearsDownOnEmptyJobList(t *testing.T) {
	cfg := writeConfig(t, "proc:\n  freq: 100\n")

	fake := &countingCollector{}
	creg := collector.New()
	creg.Register("proc", func() collector.Instance { return fake })

	jreg := jobregistry.New(nil)
	wheel := timerwheel.New(2, nil)
	defer wheel.Shutdown()

	orch := New(cfg, jreg, creg, wheel, []model.CollectorDescriptor{
		{Name: "proc", Type: "proc", ConfigName: "proc"},
	}, nil)

	require.NoError(t, jreg.Add(model.Job{ID: 1, PIDs: []int{os.Getpid()}, CollectorNames: []string{"proc"}}))
	time.Sleep(30 * time.Millisecond)
	jreg.Remove(1)

	require.Eventually(t, func() bool {
		_, _, deinitN := fake.snapshot()
		return deinitN == 1
	}, time.Second, 10*time.Millisecond)

	st := orch.stateFor("proc")
	st.mu.Lock()
	running := st.running
	st.mu.Unlock()
	assert.False(t, running)
}

func TestOrchestratorKeepsDistinctInstancesForSameTypeDifferentNames(t *testing.T) {
	cfg := writeConfig(t, "cpu_watcher:\n  freq: 50\nmem_watcher:\n  freq: 200\n")

	cpuInst := &countingCollector{}
	memInst := &countingCollector{}
	creg := collector.New()
	first := true
	creg.Register("proc", func() collector.Instance {
		if first {
			first = false
			return cpuInst
		}
		return memInst
	})

	jreg := jobregistry.New(nil)
	wheel := timerwheel.New(2, nil)
	defer wheel.Shutdown()

	orch := New(cfg, jreg, creg, wheel, []model.CollectorDescriptor{
		{Name: "cpu_watcher", Type: "proc", ConfigName: "cpu_watcher"},
		{Name: "mem_watcher", Type: "proc", ConfigName: "mem_watcher"},
	}, nil)

	require.NoError(t, jreg.Add(model.Job{ID: 1, PIDs: []int{os.Getpid()}, CollectorNames: []string{"cpu_watcher", "mem_watcher"}}))

	require.Eventually(t, func() bool {
		cpuInitN, _, _ := cpuInst.snapshot()
		memInitN, _, _ := memInst.snapshot()
		return cpuInitN == 1 && memInitN == 1
	}, time.Second, 10*time.Millisecond)

	// Tearing down one name must not deinit the other's instance.
	jreg.Remove(1)
	require.Eventually(t, func() bool {
		_, _, cpuDeinitN := cpuInst.snapshot()
		_, _, memDeinitN := memInst.snapshot()
		return cpuDeinitN == 1 && memDeinitN == 1
	}, time.Second, 10*time.Millisecond)

	assert.NotSame(t, cpuInst, memInst)
}

func TestOrchestratorIgnoresUnknownCollectorName(t *testing.T) {
	cfg := writeConfig(t, "proc:\n  freq: 10\n")
	creg := collector.New()
	jreg := jobregistry.New(nil)
	wheel := timerwheel.New(1, nil)
	defer wheel.Shutdown()

	orch := New(cfg, jreg, creg, wheel, nil, nil)
	require.NoError(t, jreg.Add(model.Job{ID: 1, PIDs: []int{os.Getpid()}, CollectorNames: []string{"does-not-exist"}}))
	_ = orch // must not panic on an unregistered collector name
}

package collector

import (
	"errors"
	"testing"

	"github.com/nowzycc/lensagent/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInstance struct {
	initErr  error
	initN    int
	deinitN  int
	collectN int
}

func (f *fakeInstance) Init(config any) error {
	f.initN++
	return f.initErr
}

func (f *fakeInstance) Collect(job model.Job) (any, error) {
	f.collectN++
	return job.ID, nil
}

func (f *fakeInstance) Deinit() {
	f.deinitN++
}

func TestCreateNotFound(t *testing.T) {
	r := New()
	_, err := r.Create("missing", "missing", nil)
	require.Error(t, err)
}

func TestCreateInitFailed(t *testing.T) {
	r := New()
	want := errors.New("boom")
	r.Register("broken", func() Instance { return &fakeInstance{initErr: want} })

	_, err := r.Create("broken", "broken", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, want)
}

func TestCreateSharesInstanceAndRefCounts(t *testing.T) {
	r := New()
	inst := &fakeInstance{}
	r.Register("proc", func() Instance { return inst })

	a, err := r.Create("proc", "proc", nil)
	require.NoError(t, err)
	b, err := r.Create("proc", "proc", nil)
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 1, inst.initN)

	r.Release("proc")
	assert.Equal(t, 0, inst.deinitN) // one ref remains

	r.Release("proc")
	assert.Equal(t, 1, inst.deinitN) // last ref gone
}

func TestCreateKeyedByNameNotType(t *testing.T) {
	r := New()
	r.Register("proc", func() Instance { return &fakeInstance{} })

	a, err := r.Create("cpu_watcher", "proc", nil)
	require.NoError(t, err)
	b, err := r.Create("mem_watcher", "proc", nil)
	require.NoError(t, err)
	assert.NotSame(t, a, b) // same type, different names: independent instances

	aInst := a.(*fakeInstance)
	bInst := b.(*fakeInstance)
	assert.Equal(t, 1, aInst.initN)
	assert.Equal(t, 1, bInst.initN)

	r.Release("cpu_watcher")
	assert.Equal(t, 1, aInst.deinitN)
	assert.Equal(t, 0, bInst.deinitN) // unaffected by the other name's release
}

func TestReleaseUnknownIsNoop(t *testing.T) {
	r := New()
	r.Release("nope") // must not panic
}

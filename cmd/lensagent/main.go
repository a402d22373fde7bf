// Command lensagent is the per-host job observability agent.
//
// It loads YAML configuration, wires the job registry, sampling
// orchestrator and sinks together, runs a failover node around the whole
// pipeline, and serves a small operator HTTP surface. In starter mode it
// instead launches a single child process and exits with its exit code.
//
// Grounded on the teacher's cmd/snmpcollector/main.go for the overall shape
// (flag parsing → logger → config → composition root → signal-driven
// shutdown), adapted to spec.md §6's own CLI surface and to §9's mandated
// initialization order: configuration first, sinks next, orchestrator
// last, failover node outermost.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/nowzycc/lensagent/internal/collector"
	"github.com/nowzycc/lensagent/internal/collector/proccollector"
	"github.com/nowzycc/lensagent/internal/config"
	"github.com/nowzycc/lensagent/internal/failover"
	"github.com/nowzycc/lensagent/internal/jobregistry"
	"github.com/nowzycc/lensagent/internal/jobstarter"
	"github.com/nowzycc/lensagent/internal/model"
	"github.com/nowzycc/lensagent/internal/orchestrator"
	"github.com/nowzycc/lensagent/internal/sink/filesink"
	"github.com/nowzycc/lensagent/internal/sink/httpsink"
	"github.com/nowzycc/lensagent/internal/statusapi"
	"github.com/nowzycc/lensagent/internal/streamwatcher"
	"github.com/nowzycc/lensagent/internal/timerwheel"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath string
		mode       string
		execPath   string
		execArgs   string
		logLevel   string
	)

	flag.StringVar(&configPath, "config", "", "path to a YAML config file or directory")
	flag.StringVar(&mode, "mode", "service", "run mode: service or starter")
	flag.StringVar(&execPath, "exec", "", "child executable to launch (starter mode)")
	flag.StringVar(&execArgs, "args", "", "comma-separated arguments passed to -exec")
	flag.StringVar(&logLevel, "log.level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	logger, err := buildLogger(logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lensagent: %v\n", err)
		return 1
	}

	switch mode {
	case "starter":
		return runStarter(execPath, execArgs, logger)
	case "service":
		return runService(configPath, logger)
	default:
		fmt.Fprintf(os.Stderr, "lensagent: unknown -mode %q (expected starter|service)\n", mode)
		return 1
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// starter mode
// ─────────────────────────────────────────────────────────────────────────────

func runStarter(execPath, execArgs string, logger *slog.Logger) int {
	if execPath == "" {
		fmt.Fprintln(os.Stderr, "lensagent: -exec is required in starter mode")
		return 1
	}

	var args []string
	if execArgs != "" {
		args = strings.Split(execArgs, ",")
	}

	starter := jobstarter.New(logger)
	exitCh := make(chan int, 1)
	starter.SetCallback(func(pid, code int) {
		logger.Info("lensagent: child exited", "pid", pid, "code", code)
		exitCh <- code
	})

	if !starter.Launch(jobstarter.Options{Exe: execPath, Args: args}) {
		logger.Error("lensagent: failed to launch child", "exe", execPath)
		return 1
	}

	return <-exitCh
}

// ─────────────────────────────────────────────────────────────────────────────
// service mode
// ─────────────────────────────────────────────────────────────────────────────

// collectorSpec mirrors one entry of collectors_config.collectors.
type collectorSpec struct {
	Name   string `yaml:"name"`
	Type   string `yaml:"type"`
	Config string `yaml:"config"`
}

// writerSpec mirrors one entry of writers_config.writers.
type writerSpec struct {
	Name   string `yaml:"name"`
	Type   string `yaml:"type"`
	Config string `yaml:"config"`
}

type fileWireConfig struct {
	Path           string `yaml:"path"`
	BufferCapacity int    `yaml:"batch_size"`
}

type indexWireEntry struct {
	Name  string `yaml:"name"`
	Index string `yaml:"index"`
}

type httpWireConfig struct {
	Host            string           `yaml:"host"`
	Port            int              `yaml:"port"`
	IndexPrefix     string           `yaml:"index_prefix"`
	WriteTimeoutSec float64          `yaml:"write_timeout"`
	BatchSize       int              `yaml:"batch_size"`
	Indexes         []indexWireEntry `yaml:"indexs"`
}

// sinkHandle is what every concrete sink is reduced to once wired: an
// OnFinish callback to register with the orchestrator and a Shutdown to
// call, in order, during the cooperative shutdown sequence.
type sinkHandle struct {
	onFinish model.FinishCallback
	shutdown func()
}

func runService(configPath string, logger *slog.Logger) int {
	if configPath == "" {
		logger.Error("lensagent: -config is required in service mode")
		return 1
	}

	// ── 1. Configuration ────────────────────────────────────────────────
	cfg, err := config.Load(configPath, logger)
	if err != nil {
		logger.Error("lensagent: load config failed", "error", err.Error())
		return 1
	}

	pidDir := cfg.GetStringDefault("lens_config", "pid_dir", "/var/run/lensagent")
	lockPath := cfg.GetStringDefault("lens_config", "lock_path", "/var/run/lensagent/lease.lock")
	fifoPath := cfg.GetStringDefault("collectors_config", "job_adder_fifo", "")

	// ── 2. Collector registry ────────────────────────────────────────────
	collectors := collector.New()
	collectors.Register("proc", proccollector.New())

	collectorSpecs, err := config.DecodeArray[collectorSpec](cfg, "collectors_config", "collectors")
	if err != nil {
		logger.Error("lensagent: decode collectors_config.collectors failed", "error", err.Error())
		return 1
	}
	descriptors := make([]model.CollectorDescriptor, 0, len(collectorSpecs))
	for _, c := range collectorSpecs {
		descriptors = append(descriptors, model.CollectorDescriptor{Name: c.Name, Type: c.Type, ConfigName: c.Config})
	}

	// ── 3. Sinks ──────────────────────────────────────────────────────────
	writerSpecs, err := config.DecodeArray[writerSpec](cfg, "writers_config", "writers")
	if err != nil {
		logger.Error("lensagent: decode writers_config.writers failed", "error", err.Error())
		return 1
	}

	var sinks []sinkHandle
	for _, w := range writerSpecs {
		handle, err := buildSink(cfg, w, logger)
		if err != nil {
			logger.Error("lensagent: build sink failed", "writer", w.Name, "error", err.Error())
			return 1
		}
		sinks = append(sinks, handle)
	}

	// ── 4. Job registry ───────────────────────────────────────────────────
	registry := jobregistry.New(logger)
	if fifoPath != "" {
		if err := registry.AttachCommandSource(streamwatcher.Config{Type: streamwatcher.FIFO, Path: fifoPath}); err != nil {
			logger.Error("lensagent: attach job command source failed", "error", err.Error())
			return 1
		}
	}

	// ── 5. Orchestrator (last of the pipeline proper) ────────────────────
	wheel := timerwheel.New(4, logger)
	orch := orchestrator.New(cfg, registry, collectors, wheel, descriptors, logger)
	for _, s := range sinks {
		orch.AddFinishCallback(s.onFinish)
	}

	// ── 6. Failover node, outermost ───────────────────────────────────────
	provider := &registryStateProvider{registry: registry, logger: logger}
	node, err := failover.New(failover.Config{PIDDir: pidDir, LockPath: lockPath}, provider, logger)
	if err != nil {
		logger.Error("lensagent: failover node init failed", "error", err.Error())
		return 1
	}

	// ── 7. Operator HTTP surface, reporting the node's role ──────────────
	var status *statusapi.Server
	if addr := cfg.GetStringDefault("status_api", "addr", ""); addr != "" {
		status = statusapi.New(statusapi.Config{Addr: addr}, registry, node, logger)
		orch.AddFinishCallback(status.PublishRecord)
		status.Start()
	}

	node.Start()

	logger.Info("lensagent: running", "collectors", len(descriptors), "writers", len(writerSpecs))

	<-node.Done()
	logger.Info("lensagent: shutting down")

	registry.Close()
	for _, s := range sinks {
		s.shutdown()
	}
	if status != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = status.Shutdown(ctx)
	}
	wheel.Shutdown()

	logger.Info("lensagent: shutdown complete")
	return 0
}

func buildSink(cfg *config.Config, w writerSpec, logger *slog.Logger) (sinkHandle, error) {
	switch w.Type {
	case "file":
		var raw fileWireConfig
		if err := cfg.DecodeSection(w.Config, &raw); err != nil {
			return sinkHandle{}, err
		}
		s, err := filesink.New(filesink.Config{Path: raw.Path, BufferCapacity: raw.BufferCapacity}, logger)
		if err != nil {
			return sinkHandle{}, err
		}
		return sinkHandle{onFinish: s.OnFinish, shutdown: s.Shutdown}, nil

	case "http":
		var raw httpWireConfig
		if err := cfg.DecodeSection(w.Config, &raw); err != nil {
			return sinkHandle{}, err
		}
		indexes := make([]httpsink.IndexMapping, 0, len(raw.Indexes))
		for _, e := range raw.Indexes {
			indexes = append(indexes, httpsink.IndexMapping{CollectorName: e.Name, IndexName: e.Index})
		}
		s, err := httpsink.New(httpsink.Config{
			BaseURL:      fmt.Sprintf("http://%s:%d", raw.Host, raw.Port),
			BatchSize:    raw.BatchSize,
			IndexPrefix:  raw.IndexPrefix,
			Indexes:      indexes,
			WriteTimeout: time.Duration(raw.WriteTimeoutSec * float64(time.Second)),
		}, logger)
		if err != nil {
			return sinkHandle{}, err
		}
		return sinkHandle{onFinish: s.OnFinish, shutdown: s.Shutdown}, nil

	default:
		return sinkHandle{}, fmt.Errorf("unknown writer type %q", w.Type)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// failover application state: the job registry's own membership
// ─────────────────────────────────────────────────────────────────────────────

// registryStateProvider implements failover.StateProvider over the job
// registry. There is no mutable business counter in this domain the way
// original_source's toy StateManager has one; the state worth carrying
// across a takeover is the registry's own job membership, so a freshly
// promoted node does not have to wait for job-command frames to replay
// before it can start sampling.
type registryStateProvider struct {
	registry *jobregistry.Registry
	logger   *slog.Logger
	mu       sync.Mutex
}

func (p *registryStateProvider) OnPromote() {
	p.logger.Info("lensagent: promoted to master")
}

func (p *registryStateProvider) OnDemote() {
	p.logger.Info("lensagent: demoted to follower")
}

func (p *registryStateProvider) Snapshot() (json.RawMessage, error) {
	jobs := p.registry.Snapshot()
	return json.Marshal(jobs)
}

func (p *registryStateProvider) LoadSnapshot(data json.RawMessage) error {
	var jobs []model.Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, j := range jobs {
		_ = p.registry.Add(j) // duplicates are expected and harmless here
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// logging
// ─────────────────────────────────────────────────────────────────────────────

func buildLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q (expected debug|info|warn|error)", level)
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}

// Package orchestrator runs the sampling loop: one repeating timer per
// collector (not per job), fed by job lifecycle events from the job
// registry and producing SamplingRecords fanned out to registered finish
// callbacks (sinks).
//
// Grounded on pkg/snmpcollector/scheduler's Scheduler (sort-by-next-run,
// timer-driven dispatch, reload-safe entry rebuilding) for the overall
// shape of a timer-driven dispatcher, generalized per original_source's
// JobInfoCollector (include/collector/job_info_collector.hpp, src/
// collector/job_info_collector.cpp): a per-collector-name state of
// {job_ids, timer_id, mutex, running_flag}, started lazily on the first
// job that names it and torn down once its job list empties.
package orchestrator

import (
	"log/slog"
	"sync"
	"time"

	"github.com/nowzycc/lensagent/internal/collector"
	"github.com/nowzycc/lensagent/internal/config"
	"github.com/nowzycc/lensagent/internal/jobregistry"
	"github.com/nowzycc/lensagent/internal/model"
	"github.com/nowzycc/lensagent/internal/timerwheel"
)

// collectorState is the per-collector-name bookkeeping: which jobs want
// this collector, whether its timer is currently running, and the shared
// instance it was started with.
type collectorState struct {
	mu       sync.Mutex
	jobIDs   []int
	timerID  uint64
	running  bool
	instance collector.Instance
}

// Orchestrator subscribes to a job registry and drives one collector
// instance per distinct collector name named by any live job.
type Orchestrator struct {
	logger     *slog.Logger
	cfg        *config.Config
	registry   *jobregistry.Registry
	collectors *collector.Registry
	wheel      *timerwheel.Wheel

	descriptors map[string]model.CollectorDescriptor

	statesMu sync.Mutex
	states   map[string]*collectorState

	finishMu  sync.Mutex
	finishCbs []model.FinishCallback
}

// New constructs an Orchestrator and subscribes it to registry. descriptors
// names every collector that may be referenced by a job's CollectorNames.
func New(
	cfg *config.Config,
	registry *jobregistry.Registry,
	collectors *collector.Registry,
	wheel *timerwheel.Wheel,
	descriptors []model.CollectorDescriptor,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	o := &Orchestrator{
		logger:      logger,
		cfg:         cfg,
		registry:    registry,
		collectors:  collectors,
		wheel:       wheel,
		descriptors: make(map[string]model.CollectorDescriptor, len(descriptors)),
		states:      make(map[string]*collectorState, len(descriptors)),
	}
	for _, d := range descriptors {
		o.descriptors[d.Name] = d
		o.states[d.Name] = &collectorState{}
	}
	registry.Subscribe(o.handleEvent)
	return o
}

// AddFinishCallback registers cb to be invoked once per produced
// SamplingRecord, for every collector this orchestrator drives.
func (o *Orchestrator) AddFinishCallback(cb model.FinishCallback) {
	o.finishMu.Lock()
	defer o.finishMu.Unlock()
	o.finishCbs = append(o.finishCbs, cb)
}

func (o *Orchestrator) finishCallbacks() []model.FinishCallback {
	o.finishMu.Lock()
	defer o.finishMu.Unlock()
	return append([]model.FinishCallback(nil), o.finishCbs...)
}

func (o *Orchestrator) handleEvent(event model.JobEvent, job model.Job) {
	switch event {
	case model.JobAdded:
		for _, name := range job.CollectorNames {
			st := o.stateFor(name)
			if st == nil {
				o.logger.Warn("orchestrator: job references unknown collector", "collector", name, "job_id", job.ID)
				continue
			}
			st.mu.Lock()
			st.jobIDs = append(st.jobIDs, job.ID)
			needsStart := !st.running
			st.mu.Unlock()
			if needsStart {
				o.startCollector(name)
			}
		}
	case model.JobRemoved:
		for _, name := range job.CollectorNames {
			st := o.stateFor(name)
			if st == nil {
				continue
			}
			st.mu.Lock()
			st.jobIDs = removeID(st.jobIDs, job.ID)
			st.mu.Unlock()
		}
	}
}

func (o *Orchestrator) stateFor(name string) *collectorState {
	o.statesMu.Lock()
	defer o.statesMu.Unlock()
	return o.states[name]
}

// startCollector resolves the instance and its configuration, calls
// Init, reads the sampling frequency, and schedules a repeating timer.
func (o *Orchestrator) startCollector(name string) {
	desc, ok := o.descriptors[name]
	if !ok {
		return
	}
	st := o.stateFor(name)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.running {
		return
	}

	inst, err := o.collectors.Create(desc.Name, desc.Type, collector.InitConfig{Cfg: o.cfg, Section: desc.ConfigName})
	if err != nil {
		o.logger.Error("orchestrator: start collector failed", "collector", name, "error", err.Error())
		return
	}

	freqHz, err := o.cfg.GetFloat(desc.ConfigName, "freq")
	if err != nil || freqHz <= 0 {
		freqHz = 1
	}
	period := time.Duration(1000.0 / freqHz * float64(time.Millisecond))

	st.instance = inst
	st.running = true
	st.timerID = o.wheel.ScheduleRepeating(period, func() { o.tick(name) })
	o.logger.Info("orchestrator: started collector", "collector", name, "period", period)
}

// tick runs one sampling pass for name: on an empty job list it tears
// down the collector, otherwise it samples every job and fans the
// resulting records out to every registered finish callback.
func (o *Orchestrator) tick(name string) {
	st := o.stateFor(name)
	if st == nil {
		return
	}

	st.mu.Lock()
	if !st.running {
		st.mu.Unlock()
		return
	}
	if len(st.jobIDs) == 0 {
		o.wheel.Cancel(st.timerID)
		st.running = false
		st.instance = nil
		st.mu.Unlock()

		o.collectors.Release(name)
		o.logger.Info("orchestrator: stopped idle collector", "collector", name)
		return
	}
	jobIDs := append([]int(nil), st.jobIDs...)
	inst := st.instance
	st.mu.Unlock()

	now := time.Now()
	callbacks := o.finishCallbacks()
	for _, id := range jobIDs {
		job, ok := o.registry.Find(id)
		if !ok {
			continue
		}
		payload, err := inst.Collect(job)
		if err != nil {
			o.logger.Warn("orchestrator: collect failed", "collector", name, "job_id", id, "error", err.Error())
			continue
		}
		for _, cb := range callbacks {
			cb(name, job, payload, now)
		}
	}
}

func removeID(ids []int, id int) []int {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// ─────────────────────────────────────────────────────────────────────────────
// no-op logger writer
// ─────────────────────────────────────────────────────────────────────────────

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }

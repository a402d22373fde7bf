// Package jobregistry tracks the set of live jobs (groups of pids sampled
// together) and fans out Added/Removed lifecycle events to subscribers.
//
// Grounded on original_source's JobRegistry (include/collector/
// job_registry.hpp, src/collector/job_registry.cpp): a map guarded by a
// shared mutex, add/remove/find/snapshot operations, and lifecycle
// callbacks always invoked with no lock held to avoid deadlocking a
// subscriber that re-enters the registry. find's liveness filtering is
// reimplemented here WITHOUT the original's const_cast-based reentrant
// self-removal — Find filters a copy taken under the shared lock, and a
// job with no live pids left is removed by Find through Remove only after
// that lock has been released, which is memory-safe in Go's stricter
// aliasing model.
package jobregistry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nowzycc/lensagent/internal/model"
	"github.com/nowzycc/lensagent/internal/streamwatcher"
)

// jobCreateTimeLayout is the wire format of the add-command frame's
// JobCreateTime field: "YYYY-MM-DD HH:MM:SS".
const jobCreateTimeLayout = "2006-01-02 15:04:05"

// Registry is safe for concurrent use. Callbacks registered with
// Subscribe are invoked with no internal lock held.
type Registry struct {
	logger *slog.Logger

	mu   sync.RWMutex
	jobs map[int]model.Job
	cbs  []model.JobLifecycleCallback

	watcher *streamwatcher.Watcher
}

// New returns an empty Registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	return &Registry{
		logger: logger,
		jobs:   make(map[int]model.Job),
	}
}

// Subscribe registers cb to be invoked on every future Added/Removed
// transition. It does not replay existing jobs.
func (r *Registry) Subscribe(cb model.JobLifecycleCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cbs = append(r.cbs, cb)
}

// Add admits job to the registry. Duplicate ids and empty pid lists are
// rejected (logged, not returned as a job event); otherwise every
// subscriber is invoked with JobAdded once the job is visible to Find and
// Snapshot but before Add returns.
func (r *Registry) Add(job model.Job) error {
	r.mu.Lock()
	if _, exists := r.jobs[job.ID]; exists {
		r.mu.Unlock()
		r.logger.Warn("jobregistry: duplicate job id, ignored", "job_id", job.ID)
		return fmt.Errorf("jobregistry: duplicate job id %d", job.ID)
	}
	if len(job.PIDs) == 0 {
		r.mu.Unlock()
		r.logger.Warn("jobregistry: empty pid list, ignored", "job_id", job.ID)
		return fmt.Errorf("jobregistry: empty pid list for job id %d", job.ID)
	}
	r.jobs[job.ID] = job
	cbs := append([]model.JobLifecycleCallback(nil), r.cbs...)
	r.mu.Unlock()

	for _, cb := range cbs {
		cb(model.JobAdded, job)
	}
	r.logger.Info("jobregistry: added job", "job_id", job.ID, "pids", job.PIDs)
	return nil
}

// Remove erases id if present and notifies subscribers with JobRemoved.
// The callback fan-out happens with no lock held.
func (r *Registry) Remove(id int) {
	r.mu.Lock()
	job, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.jobs, id)
	cbs := append([]model.JobLifecycleCallback(nil), r.cbs...)
	r.mu.Unlock()

	for _, cb := range cbs {
		cb(model.JobRemoved, job)
	}
	r.logger.Info("jobregistry: removed job", "job_id", id)
}

// Find returns a liveness-filtered copy of job id, or false if the job is
// absent. Any pid in the job that is no longer alive (a null-signal send
// fails with ESRCH) is elided from the returned copy and from the stored
// job's pid list, which therefore only shrinks. If elision empties the pid
// list, the job is removed from the registry — with the lock released
// first, never re-entering Remove while the lookup still holds it — and
// Find reports it absent.
func (r *Registry) Find(id int) (model.Job, bool) {
	r.mu.RLock()
	job, ok := r.jobs[id]
	r.mu.RUnlock()
	if !ok {
		return model.Job{}, false
	}

	copy := job.Clone()
	live := copy.PIDs[:0]
	for _, pid := range copy.PIDs {
		if isProcessRunning(pid) {
			live = append(live, pid)
		}
	}
	copy.PIDs = live

	if len(copy.PIDs) == 0 {
		r.logger.Info("jobregistry: job has no running process, removing", "job_id", id)
		r.Remove(id)
		return model.Job{}, false
	}
	if len(copy.PIDs) < len(job.PIDs) {
		r.mu.Lock()
		if cur, ok := r.jobs[id]; ok {
			cur.PIDs = append([]int(nil), copy.PIDs...)
			r.jobs[id] = cur
		}
		r.mu.Unlock()
	}
	return copy, true
}

// Snapshot returns a copy of every job currently registered.
func (r *Registry) Snapshot() []model.Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		out = append(out, job)
	}
	return out
}

// ─────────────────────────────────────────────────────────────────────────────
// External command framing
// ─────────────────────────────────────────────────────────────────────────────

// command is the wire shape of an external add/remove request delivered
// through the stream watcher.
type command struct {
	Opt           string   `json:"opt"`
	JobID         int      `json:"JobID"`
	JobPIDs       []int    `json:"JobPIDs"`
	JobCreateTime string   `json:"JobCreateTime"`
	Lens          []string `json:"Lens"`
}

// AttachCommandSource starts watching cfg and translates every decoded
// frame into an Add or Remove call. Each frame must be one complete JSON
// object; framing across reads is the stream watcher's contract, not this
// registry's.
func (r *Registry) AttachCommandSource(cfg streamwatcher.Config) error {
	r.watcher = streamwatcher.New(cfg, r.handleFrame, r.logger)
	return r.watcher.Start()
}

// Close stops the command source watcher, if one was attached.
func (r *Registry) Close() {
	if r.watcher != nil {
		r.watcher.Stop()
	}
}

func (r *Registry) handleFrame(data []byte) {
	var cmd command
	if err := json.Unmarshal(data, &cmd); err != nil {
		r.logger.Error("jobregistry: command parse error", "error", err.Error())
		return
	}

	traceID := uuid.NewString()
	switch cmd.Opt {
	case "add":
		createTime, err := time.Parse(jobCreateTimeLayout, cmd.JobCreateTime)
		if err != nil {
			r.logger.Warn("jobregistry: add command has unparseable JobCreateTime", "trace_id", traceID, "job_id", cmd.JobID, "value", cmd.JobCreateTime, "error", err.Error())
		}
		job := model.Job{
			ID:             cmd.JobID,
			PIDs:           cmd.JobPIDs,
			CreateTime:     createTime,
			CollectorNames: cmd.Lens,
		}
		if err := r.Add(job); err != nil {
			r.logger.Warn("jobregistry: add command rejected", "trace_id", traceID, "job_id", cmd.JobID, "error", err.Error())
		}
	case "remove":
		r.Remove(cmd.JobID)
	default:
		r.logger.Warn("jobregistry: unknown command opt", "trace_id", traceID, "opt", cmd.Opt)
	}
}

func isProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	// A null signal (0) performs no action but still validates the pid's
	// existence and permission to signal it.
	err := syscall.Kill(pid, 0)
	return err == nil
}

// ─────────────────────────────────────────────────────────────────────────────
// no-op logger writer
// ─────────────────────────────────────────────────────────────────────────────

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }

// Package sink implements the base writer pipeline shared by every sink:
// a double-buffered async drain with a condition-variable wakeup,
// exposing an OnFinish callback suitable for registration with the
// orchestrator.
//
// Grounded on original_source's base_writer (include/writer/base_writer.hpp,
// src/writer/base_writer.cpp): front/back buffers guarded by one mutex, a
// single flush goroutine parked on a condition variable, woken either by a
// full front buffer or an explicit nudge, swapping buffers under the lock
// and calling the flush implementation with the lock released.
package sink

import (
	"log/slog"
	"sync"
	"time"

	"github.com/nowzycc/lensagent/internal/model"
)

// FlushFunc persists one batch of records. It is called with no pipeline
// lock held, so it may block.
type FlushFunc func(batch []model.SamplingRecord)

// Pipeline is the double-buffered async writer shared by every sink
// implementation. Records from a single producer goroutine are flushed in
// the order they were written; no ordering is promised across producers.
type Pipeline struct {
	logger *slog.Logger
	flush  FlushFunc

	capacity int

	mu        sync.Mutex
	cond      *sync.Cond
	front     []model.SamplingRecord
	back      []model.SamplingRecord
	needFlush bool
	stop      bool

	done chan struct{}
}

// New constructs and starts a Pipeline. capacity is the front-buffer
// threshold that triggers an async flush without an explicit Nudge.
func New(capacity int, flush FlushFunc, logger *slog.Logger) *Pipeline {
	if capacity <= 0 {
		capacity = 4096
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	p := &Pipeline{
		logger:   logger,
		flush:    flush,
		capacity: capacity,
		front:    make([]model.SamplingRecord, 0, capacity),
		back:     make([]model.SamplingRecord, 0, capacity),
		done:     make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	go p.flushWorker()
	return p
}

// OnFinish is the callback registered with the orchestrator: it appends
// one record and immediately nudges the drainer, matching
// original_source's on_finish (write then trigger_async_flush).
func (p *Pipeline) OnFinish(collectorName string, job model.Job, payload any, ts time.Time) {
	p.Write(model.SamplingRecord{
		CollectorName: collectorName,
		Job:           job,
		Payload:       payload,
		Timestamp:     ts,
	})
	p.Nudge()
}

// Write appends rec to the front buffer and nudges the drainer once the
// buffer reaches capacity.
func (p *Pipeline) Write(rec model.SamplingRecord) {
	p.mu.Lock()
	p.front = append(p.front, rec)
	full := len(p.front) >= p.capacity
	p.mu.Unlock()

	if full {
		p.Nudge()
	}
}

// Nudge wakes the drainer without waiting for the front buffer to fill.
func (p *Pipeline) Nudge() {
	p.mu.Lock()
	p.needFlush = true
	p.mu.Unlock()
	p.cond.Signal()
}

// Shutdown stops the drainer, waits for it to exit, and flushes whatever
// remains in the front buffer once more.
func (p *Pipeline) Shutdown() {
	p.mu.Lock()
	p.stop = true
	p.mu.Unlock()
	p.cond.Signal()
	<-p.done

	p.mu.Lock()
	remaining := p.front
	p.front = nil
	p.mu.Unlock()
	if len(remaining) > 0 {
		p.flush(remaining)
	}
}

func (p *Pipeline) flushWorker() {
	defer close(p.done)
	for {
		p.mu.Lock()
		for !p.stop && !p.needFlush {
			p.cond.Wait()
		}
		if p.stop {
			p.mu.Unlock()
			return
		}
		p.front, p.back = p.back, p.front
		p.needFlush = false
		batch := p.back
		p.mu.Unlock()

		if len(batch) > 0 {
			p.flush(batch)
		}

		p.mu.Lock()
		p.back = batch[:0]
		p.mu.Unlock()
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// no-op logger writer
// ─────────────────────────────────────────────────────────────────────────────

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }

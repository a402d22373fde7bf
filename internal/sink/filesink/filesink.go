// Package filesink implements a sink that appends one framed JSON record
// per line to a file opened in append mode.
//
// Grounded on original_source's FileWriter (include/writer/file_writer.hpp,
// src/writer/file_writer.cpp: append-mode ofstream, flush_impl writes one
// line per record then flushes the handle) and on the teacher's
// transport/file/writer.go for the Go idiom of wrapping the destination in
// a mutex-guarded type with a noop-logger default.
package filesink

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/nowzycc/lensagent/internal/model"
	"github.com/nowzycc/lensagent/internal/sink"
)

const timeLayout = time.RFC3339

// Config controls Sink construction.
type Config struct {
	// Path is the destination file, opened in append mode (created if
	// absent).
	Path string

	// BufferCapacity is the base pipeline's front-buffer threshold.
	// Default 256.
	BufferCapacity int

	// MaxBytes enables size-based rotation when > 0: once the active file
	// would exceed this size, it is rotated to Path.1 (shifting existing
	// backups up) and a fresh file opened at Path. Zero disables rotation.
	MaxBytes int64

	// MaxBackups caps the number of rotated files kept when MaxBytes > 0.
	// Zero keeps all of them.
	MaxBackups int
}

// destination is the subset of *os.File / *rotatingFile this sink needs:
// plain append-mode writes plus an explicit fsync.
type destination interface {
	Write(p []byte) (int, error)
	Sync() error
	Close() error
}

// record is the on-disk line shape: one JSON object per SamplingRecord.
type record struct {
	Timestamp     string `json:"@timestamp"`
	CollectorName string `json:"collector_name"`
	JobID         int    `json:"job_id"`
	Data          any    `json:"data"`
}

// Sink appends one JSON record per line to an append-mode file.
type Sink struct {
	logger   *slog.Logger
	pipeline *sink.Pipeline

	mu   sync.Mutex
	file destination
}

// New opens cfg.Path in append mode and returns a ready-to-use Sink. When
// cfg.MaxBytes > 0 the destination is a size-rotating file instead of a
// plain append-mode one.
func New(cfg Config, logger *slog.Logger) (*Sink, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("filesink: Path is required")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	if cfg.BufferCapacity <= 0 {
		cfg.BufferCapacity = 256
	}

	var (
		dest destination
		err  error
	)
	if cfg.MaxBytes > 0 {
		dest, err = newRotatingFile(RotateConfig{FilePath: cfg.Path, MaxBytes: cfg.MaxBytes, MaxBackups: cfg.MaxBackups}, logger)
		if err != nil {
			return nil, err
		}
	} else {
		dest, err = os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("filesink: open %s: %w", cfg.Path, err)
		}
	}

	s := &Sink{logger: logger, file: dest}
	s.pipeline = sink.New(cfg.BufferCapacity, s.flush, logger)
	return s, nil
}

// OnFinish registers this sink with the orchestrator's finish callback.
func (s *Sink) OnFinish(collectorName string, job model.Job, payload any, ts time.Time) {
	s.pipeline.OnFinish(collectorName, job, payload, ts)
}

// Shutdown drains the pipeline and closes the underlying file.
func (s *Sink) Shutdown() {
	s.pipeline.Shutdown()
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.file.Close()
}

func (s *Sink) flush(batch []model.SamplingRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range batch {
		line := record{
			Timestamp:     rec.Timestamp.Format(timeLayout),
			CollectorName: rec.CollectorName,
			JobID:         rec.Job.ID,
			Data:          rec.Payload,
		}
		data, err := json.Marshal(line)
		if err != nil {
			s.logger.Error("filesink: marshal failed", "error", err.Error())
			continue
		}
		if _, err := s.file.Write(append(data, '\n')); err != nil {
			s.logger.Error("filesink: write failed", "error", err.Error())
		}
	}
	if err := s.file.Sync(); err != nil {
		s.logger.Warn("filesink: sync failed", "error", err.Error())
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// no-op logger writer
// ─────────────────────────────────────────────────────────────────────────────

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }

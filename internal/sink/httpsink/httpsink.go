// Package httpsink implements the bulk HTTP sink: a local batch buffer in
// front of the base writer pipeline, flushed as a newline-delimited bulk
// body to an Elasticsearch-style "/_bulk" endpoint.
//
// Grounded on original_source's ESWriter (include/writer/es_writer.hpp,
// src/writer/es_writer.cpp): a per-collector index-name lookup table with
// a prefix fallback, a readiness HEAD probe performed at construction, and
// best-effort delivery (a non-2xx response logs a warning and the batch is
// dropped — no retry). A single long-lived *http.Client with its default
// pooling transport stands in for the original's single curl handle; Go's
// http.Transport already recycles connections, so there is nothing left
// for a manual per-target connection pool (the kind poller/pool.go
// implements for gosnmp sessions) to add here.
package httpsink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/nowzycc/lensagent/internal/model"
	"github.com/nowzycc/lensagent/internal/sink"
)

// IndexMapping names the Elasticsearch index a given collector's records
// land in.
type IndexMapping struct {
	CollectorName string
	IndexName     string
}

// Config controls Sink construction.
type Config struct {
	BaseURL      string // e.g. "http://localhost:9200"
	BatchSize    int    // local buffer threshold; default 500
	IndexPrefix  string // fallback index is "<prefix>_<collector_name>"
	Indexes      []IndexMapping
	WriteTimeout time.Duration // per-request timeout; default 10s

	// BufferCapacity is the base pipeline's front-buffer threshold.
	// Default matches BatchSize.
	BufferCapacity int
}

func (c *Config) withDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.IndexPrefix == "" {
		c.IndexPrefix = "collector"
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.BufferCapacity <= 0 {
		c.BufferCapacity = c.BatchSize
	}
}

// Sink batches sampling records and bulk-POSTs them to an HTTP endpoint.
type Sink struct {
	logger *slog.Logger
	cfg    Config

	client   *http.Client
	hostname string

	pipeline *sink.Pipeline

	localMu  sync.Mutex
	localBuf []model.SamplingRecord

	indexMu       sync.Mutex
	lastCollector string
	lastIndexName string
}

// New validates connectivity with a readiness probe (HEAD "/") and returns
// a ready-to-use Sink. Construction fails if the probe does not return 2xx.
func New(cfg Config, logger *slog.Logger) (*Sink, error) {
	cfg.withDefaults()
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("httpsink: BaseURL is required")
	}

	hostname, _ := os.Hostname()

	s := &Sink{
		logger:   logger,
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.WriteTimeout},
		hostname: hostname,
		localBuf: make([]model.SamplingRecord, 0, cfg.BatchSize),
	}

	if err := s.probeReady(); err != nil {
		return nil, fmt.Errorf("httpsink: readiness probe failed: %w", err)
	}

	s.pipeline = sink.New(cfg.BufferCapacity, s.flush, logger)
	return s, nil
}

func (s *Sink) probeReady() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.cfg.BaseURL+"/", nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("server responded with status %d", resp.StatusCode)
	}
	return nil
}

// OnFinish appends a record to the local batch buffer, pushing the whole
// batch into the base pipeline once BatchSize is reached.
func (s *Sink) OnFinish(collectorName string, job model.Job, payload any, ts time.Time) {
	rec := model.SamplingRecord{CollectorName: collectorName, Job: job, Payload: payload, Timestamp: ts}

	s.localMu.Lock()
	s.localBuf = append(s.localBuf, rec)
	var batch []model.SamplingRecord
	if len(s.localBuf) >= s.cfg.BatchSize {
		batch = s.localBuf
		s.localBuf = make([]model.SamplingRecord, 0, s.cfg.BatchSize)
	}
	s.localMu.Unlock()

	if batch == nil {
		return
	}
	for _, r := range batch {
		s.pipeline.Write(r)
	}
	s.pipeline.Nudge()
}

// Shutdown flushes any partial local batch through the pipeline, then
// drains and stops it.
func (s *Sink) Shutdown() {
	s.localMu.Lock()
	remainder := s.localBuf
	s.localBuf = nil
	s.localMu.Unlock()

	for _, r := range remainder {
		s.pipeline.Write(r)
	}
	s.pipeline.Shutdown()
}

// flush builds a bulk-index NDJSON body for batch and POSTs it. A non-2xx
// response (or transport error) logs a warning and drops the batch —
// delivery here is best-effort, matching the no-retry contract.
func (s *Sink) flush(batch []model.SamplingRecord) {
	var body bytes.Buffer
	for _, rec := range batch {
		indexName := s.resolveIndexName(rec.CollectorName)

		action := map[string]any{"index": map[string]any{"_index": indexName}}
		if err := json.NewEncoder(&body).Encode(action); err != nil {
			s.logger.Error("httpsink: encode action failed", "error", err.Error())
			continue
		}

		doc := map[string]any{
			"@timestamp":     rec.Timestamp.Format(time.RFC3339),
			"collector_name": rec.CollectorName,
			"hostname":       s.hostname,
			"data":           rec.Payload,
		}
		if err := json.NewEncoder(&body).Encode(doc); err != nil {
			s.logger.Error("httpsink: encode document failed", "error", err.Error())
			continue
		}
	}

	if body.Len() == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+"/_bulk", &body)
	if err != nil {
		s.logger.Warn("httpsink: build request failed", "error", err.Error())
		return
	}
	req.Header.Set("Content-Type", "application/x-ndjson")

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("httpsink: flush failed", "error", err.Error(), "batch", len(batch))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.logger.Warn("httpsink: non-2xx response, dropping batch", "status", resp.StatusCode, "batch", len(batch))
		return
	}
	s.logger.Debug("httpsink: flushed batch", "size", len(batch))
}

// resolveIndexName looks collectorName up in the configured mapping table,
// falling back to "<index_prefix>_<collector_name>" on a miss. The last
// lookup is cached, mirroring original_source's single-slot cache (most
// sinks see a long run of records from the same collector in a row).
func (s *Sink) resolveIndexName(collectorName string) string {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	if collectorName == s.lastCollector {
		return s.lastIndexName
	}
	s.lastCollector = collectorName

	for _, m := range s.cfg.Indexes {
		if m.CollectorName == collectorName {
			s.lastIndexName = m.IndexName
			return m.IndexName
		}
	}
	s.lastIndexName = s.cfg.IndexPrefix + "_" + collectorName
	return s.lastIndexName
}

// ─────────────────────────────────────────────────────────────────────────────
// no-op logger writer
// ─────────────────────────────────────────────────────────────────────────────

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }

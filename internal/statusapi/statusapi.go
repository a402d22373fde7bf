// Package statusapi exposes a small operator HTTP surface over the running
// agent's job registry and failover role: a liveness probe, a job-list
// snapshot, and a websocket tail of sampled records.
//
// This has no counterpart in original_source — it is a domain-stack
// supplement, grounded on the teacher's own use of gorilla/mux for routing
// and gorilla/websocket wherever it exposes long-lived connections, applied
// here to give an operator the kind of read-only observability surface the
// teacher's own services expose over HTTP.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/nowzycc/lensagent/internal/failover"
	"github.com/nowzycc/lensagent/internal/jobregistry"
	"github.com/nowzycc/lensagent/internal/model"
)

// RoleReporter is the subset of *failover.Node the status API depends on.
// Satisfied by *failover.Node; accepting an interface keeps this package
// testable without starting a real lease election.
type RoleReporter interface {
	IsMaster() bool
}

var _ RoleReporter = (*failover.Node)(nil)

// Config controls Server construction.
type Config struct {
	// Addr is the listen address, e.g. ":8090".
	Addr string

	// StreamBufferSize is the per-client outbound queue depth for /stream.
	// A slow client that falls this far behind has its connection dropped.
	// Default 256.
	StreamBufferSize int
}

func (c *Config) withDefaults() {
	if c.StreamBufferSize <= 0 {
		c.StreamBufferSize = 256
	}
}

// Server serves the operator HTTP/WS surface.
type Server struct {
	logger *slog.Logger
	cfg    Config

	registry *jobregistry.Registry
	role     RoleReporter

	httpServer *http.Server
	upgrader   websocket.Upgrader

	clientsMu sync.Mutex
	clients   map[*streamClient]struct{}
}

// New builds a Server. role may be nil, in which case /healthz reports role
// "unknown".
func New(cfg Config, registry *jobregistry.Registry, role RoleReporter, logger *slog.Logger) *Server {
	cfg.withDefaults()
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}

	s := &Server{
		logger:   logger,
		cfg:      cfg,
		registry: registry,
		role:     role,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: map[*streamClient]struct{}{},
	}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	router.HandleFunc("/jobs", s.handleJobs).Methods(http.MethodGet)
	router.HandleFunc("/stream", s.handleStream).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:    cfg.Addr,
		Handler: router,
	}
	return s
}

// Start begins serving in a background goroutine. Bind errors are logged;
// use Shutdown to stop cleanly.
func (s *Server) Start() {
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("statusapi: serve failed", "error", err.Error())
		}
	}()
}

// Shutdown gracefully stops the HTTP server and disconnects stream clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.clientsMu.Lock()
	for c := range s.clients {
		close(c.send)
	}
	s.clients = map[*streamClient]struct{}{}
	s.clientsMu.Unlock()

	return s.httpServer.Shutdown(ctx)
}

// PublishRecord implements model.FinishCallback. Register it with the
// orchestrator (AddFinishCallback) to tail sampled records over /stream.
func (s *Server) PublishRecord(collectorName string, job model.Job, payload any, ts time.Time) {
	data, err := json.Marshal(struct {
		CollectorName string    `json:"collector_name"`
		JobID         int       `json:"job_id"`
		Timestamp     time.Time `json:"timestamp"`
		Data          any       `json:"data"`
	}{collectorName, job.ID, ts, payload})
	if err != nil {
		s.logger.Warn("statusapi: marshal record failed", "error", err.Error())
		return
	}

	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for c := range s.clients {
		select {
		case c.send <- data:
		default:
			s.logger.Warn("statusapi: stream client too slow, dropping")
			delete(s.clients, c)
			close(c.send)
		}
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	role := "unknown"
	if s.role != nil {
		if s.role.IsMaster() {
			role = "master"
		} else {
			role = "follower"
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "role": role})
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.registry.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// streamClient is one connected /stream websocket reader.
type streamClient struct {
	conn *websocket.Conn
	send chan []byte
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("statusapi: websocket upgrade failed", "error", err.Error())
		return
	}

	client := &streamClient{conn: conn, send: make(chan []byte, s.cfg.StreamBufferSize)}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	s.clientsMu.Unlock()

	go s.writePump(client)
	s.readPump(client)
}

// readPump discards incoming messages (this is a tail, not a command
// channel) and exits when the client disconnects, unregistering it.
func (s *Server) readPump(c *streamClient) {
	defer s.disconnect(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writePump(c *streamClient) {
	defer c.conn.Close()
	for data := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (s *Server) disconnect(c *streamClient) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ─────────────────────────────────────────────────────────────────────────────
// no-op logger writer
// ─────────────────────────────────────────────────────────────────────────────

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }

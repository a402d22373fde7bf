package httpsink

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nowzycc/lensagent/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFailsReadinessProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := New(Config{BaseURL: srv.URL}, nil)
	require.Error(t, err)
}

func TestFlushPostsBulkBody(t *testing.T) {
	var mu sync.Mutex
	var bodies []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(data))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s, err := New(Config{BaseURL: srv.URL, BatchSize: 2, WriteTimeout: 2 * time.Second}, nil)
	require.NoError(t, err)

	s.OnFinish("proc", model.Job{ID: 1}, map[string]any{"cpu": 1.5}, time.Now())
	s.OnFinish("proc", model.Job{ID: 2}, map[string]any{"cpu": 2.5}, time.Now())
	s.Shutdown()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(bodies) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, bodies[0], `"_index":"collector_proc"`)
	assert.Contains(t, bodies[0], `"collector_name":"proc"`)
	assert.Equal(t, 4, strings.Count(bodies[0], "\n"))
}

func TestResolveIndexNameUsesMappingThenPrefix(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s, err := New(Config{
		BaseURL:     srv.URL,
		IndexPrefix: "lens",
		Indexes:     []IndexMapping{{CollectorName: "proc", IndexName: "proc-metrics"}},
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, "proc-metrics", s.resolveIndexName("proc"))
	assert.Equal(t, "lens_other", s.resolveIndexName("other"))
}

func TestFlushDropsBatchOnNon2xx(t *testing.T) {
	var hits int
	var mu sync.Mutex

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		mu.Lock()
		hits++
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s, err := New(Config{BaseURL: srv.URL, BatchSize: 1}, nil)
	require.NoError(t, err)

	s.OnFinish("proc", model.Job{ID: 1}, nil, time.Now())
	s.Shutdown()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return hits == 1
	}, time.Second, 10*time.Millisecond)
	// no retry: exactly one attempt regardless of the 500
}

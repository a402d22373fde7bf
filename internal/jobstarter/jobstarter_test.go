package jobstarter

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type exitRecorder struct {
	mu    sync.Mutex
	calls []struct {
		pid  int
		code int
	}
}

func (r *exitRecorder) record(pid, code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, struct {
		pid  int
		code int
	}{pid, code})
}

func (r *exitRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *exitRecorder) last() (pid, code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.calls[len(r.calls)-1]
	return c.pid, c.code
}

func TestLaunchRequiresCallback(t *testing.T) {
	s := New(nil)
	ok := s.Launch(Options{Exe: "sh", Args: []string{"-c", "exit 0"}})
	assert.False(t, ok)
}

func TestLaunchRequiresExe(t *testing.T) {
	s := New(nil)
	s.SetCallback(func(int, int) {})
	assert.False(t, s.Launch(Options{}))
}

func TestLaunchReportsExitCode(t *testing.T) {
	s := New(nil)
	rec := &exitRecorder{}
	s.SetCallback(rec.record)

	ok := s.Launch(Options{Exe: "sh", Args: []string{"-c", "exit 3"}})
	require.True(t, ok)

	require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	_, code := rec.last()
	assert.Equal(t, 3, code)
}

func TestLaunchKillsOnTimeout(t *testing.T) {
	s := New(nil)
	rec := &exitRecorder{}
	s.SetCallback(rec.record)

	ok := s.Launch(Options{Exe: "sleep", Args: []string{"5"}, Timeout: 100 * time.Millisecond})
	require.True(t, ok)

	require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	_, code := rec.last()
	assert.Equal(t, -1, code)
}

func TestShutdownKillsLongRunningChild(t *testing.T) {
	s := New(nil)
	rec := &exitRecorder{}
	s.SetCallback(rec.record)

	ok := s.Launch(Options{Exe: "sleep", Args: []string{"30"}})
	require.True(t, ok)

	done := make(chan struct{})
	go func() {
		s.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not return in time")
	}

	require.Equal(t, 1, rec.count())
}

package timerwheel

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduleOnce(t *testing.T) {
	w := New(2, nil)
	defer w.Shutdown()

	var fired atomic.Bool
	done := make(chan struct{})
	w.ScheduleOnce(10*time.Millisecond, func() {
		fired.Store(true)
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not fire")
	}
	assert.True(t, fired.Load())
}

func TestScheduleRepeating(t *testing.T) {
	w := New(2, nil)
	defer w.Shutdown()

	var count atomic.Int32
	ticks := make(chan struct{}, 16)
	id := w.ScheduleRepeating(5*time.Millisecond, func() {
		count.Add(1)
		select {
		case ticks <- struct{}{}:
		default:
		}
	})

	for i := 0; i < 3; i++ {
		select {
		case <-ticks:
		case <-time.After(time.Second):
			t.Fatal("repeating task did not fire enough times")
		}
	}
	require.True(t, w.Cancel(id))
	assert.GreaterOrEqual(t, count.Load(), int32(3))
}

func TestCancelUnknownID(t *testing.T) {
	w := New(1, nil)
	defer w.Shutdown()
	assert.False(t, w.Cancel(9999))
}

func TestCancelBeforeFire(t *testing.T) {
	w := New(1, nil)
	defer w.Shutdown()

	var fired atomic.Bool
	id := w.ScheduleOnce(200*time.Millisecond, func() {
		fired.Store(true)
	})
	require.True(t, w.Cancel(id))
	time.Sleep(300 * time.Millisecond)
	assert.False(t, fired.Load())
}

func TestShutdownIdempotent(t *testing.T) {
	w := New(2, nil)
	w.Shutdown()
	w.Shutdown() // must not panic or block
}

func TestPanickingTaskDoesNotAbortScheduler(t *testing.T) {
	w := New(1, nil)
	defer w.Shutdown()

	done := make(chan struct{})
	w.ScheduleOnce(5*time.Millisecond, func() {
		panic("boom")
	})
	w.ScheduleOnce(20*time.Millisecond, func() {
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not survive a panicking task")
	}
}

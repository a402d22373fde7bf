package streamwatcher

import (
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileTail(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tail.log")
	require.NoError(t, os.WriteFile(path, []byte("seed\n"), 0o644))

	var mu sync.Mutex
	var got []byte
	w := New(Config{Type: File, Path: path, PollInterval: 20 * time.Millisecond}, func(data []byte) {
		mu.Lock()
		got = append(got, data...)
		mu.Unlock()
	}, nil)
	require.NoError(t, w.Start())
	defer w.Stop()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("appended\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Contains(t, string(got), "appended")
	mu.Unlock()
}

func TestTCPReadAndPeerClose(t *testing.T) {
	var mu sync.Mutex
	var got []byte
	w := New(Config{Type: TCP, Path: "127.0.0.1:18423"}, func(data []byte) {
		mu.Lock()
		got = append(got, data...)
		mu.Unlock()
	}, nil)

	require.NoError(t, w.Start())
	defer w.Stop()
	time.Sleep(20 * time.Millisecond)

	conn, err := net.Dial("tcp", "127.0.0.1:18423")
	require.NoError(t, err)
	_, err = conn.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return string(got) == "hello"
	}, time.Second, 10*time.Millisecond)
}

func TestStartStopIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tail2.log")
	require.NoError(t, os.WriteFile(path, []byte(""), 0o644))

	w := New(Config{Type: File, Path: path}, func([]byte) {}, nil)
	require.NoError(t, w.Start())
	require.NoError(t, w.Start()) // no-op
	w.Stop()
	w.Stop() // no-op, must not block or panic
}

func TestFIFOReopenOnEOF(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipe")

	var mu sync.Mutex
	var frames [][]byte
	w := New(Config{Type: FIFO, Path: path}, func(data []byte) {
		mu.Lock()
		frames = append(frames, append([]byte(nil), data...))
		mu.Unlock()
	}, nil)
	require.NoError(t, w.Start())
	defer w.Stop()

	for i := 0; i < 2; i++ {
		wf, err := os.OpenFile(path, os.O_WRONLY, 0)
		require.NoError(t, err)
		_, err = wf.WriteString("frame")
		require.NoError(t, err)
		require.NoError(t, wf.Close())

		// Wait for this frame before writing the next, so the two writes
		// cannot merge into one read and the second open needs a reopen.
		want := i + 1
		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(frames) >= want
		}, 2*time.Second, 20*time.Millisecond)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(frames) >= 2
	}, 2*time.Second, 20*time.Millisecond)
}

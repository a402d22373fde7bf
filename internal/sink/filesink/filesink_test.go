package filesink

import (
	"bufio"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nowzycc/lensagent/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequiresPath(t *testing.T) {
	_, err := New(Config{}, nil)
	require.Error(t, err)
}

func TestWriteAppendsOneLinePerRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.jsonl")
	s, err := New(Config{Path: path, BufferCapacity: 2}, nil)
	require.NoError(t, err)

	s.OnFinish("proc", model.Job{ID: 1}, map[string]any{"x": 1}, time.Now())
	s.OnFinish("proc", model.Job{ID: 2}, map[string]any{"x": 2}, time.Now())
	s.Shutdown()

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	assert.Len(t, lines, 2)
}

func TestAppendsToExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("seed\n"), 0o644))

	s, err := New(Config{Path: path}, nil)
	require.NoError(t, err)
	s.OnFinish("proc", model.Job{ID: 1}, nil, time.Now())
	s.Shutdown()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "seed")
}

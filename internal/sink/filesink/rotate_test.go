package filesink

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nowzycc/lensagent/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSinkRotatesWhenMaxBytesExceeded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.ndjson")
	s, err := New(Config{Path: path, BufferCapacity: 1, MaxBytes: 40, MaxBackups: 2}, nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		s.OnFinish("proc", model.Job{ID: i}, map[string]any{"i": i}, time.Now())
	}
	s.Shutdown()

	_, err = os.Stat(path)
	require.NoError(t, err)
	_, err = os.Stat(path + ".1")
	assert.NoError(t, err)

	_, err = os.Stat(path + ".3")
	assert.True(t, os.IsNotExist(err))
}

func TestRotatingFileWriteAccumulatesSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raw.log")
	rf, err := newRotatingFile(RotateConfig{FilePath: path, MaxBytes: 1024}, nil)
	require.NoError(t, err)
	defer rf.Close()

	n, err := rf.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.EqualValues(t, 5, rf.size)
}

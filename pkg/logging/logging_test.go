package logging

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/apex/log"
	"github.com/apex/log/handlers/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingWriter struct{ calls int }

func (f *failingWriter) Write(p []byte) (int, error) {
	f.calls++
	return 0, errors.New("disk full")
}

// TestSafeWriterNeverFails verifies write errors are reported once and swallowed
func TestSafeWriterNeverFails(t *testing.T) {
	handler := memory.New()
	logger := &log.Logger{Handler: handler, Level: log.DebugLevel}
	fw := &failingWriter{}
	sw := NewSafeWriter(fw, logger)

	n, err := sw.Write([]byte("iteration 1\n"))
	require.NoError(t, err)
	assert.Equal(t, 12, n)

	sw.Printf("iteration %d", 2)
	assert.True(t, sw.Failed())
	assert.Equal(t, 1, fw.calls)
	require.Len(t, handler.Entries, 1)
	assert.Equal(t, log.WarnLevel, handler.Entries[0].Level)
}

func TestOpenSafeFileUnwritableDirectory(t *testing.T) {
	handler := memory.New()
	logger := &log.Logger{Handler: handler, Level: log.DebugLevel}
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0644))

	sw, closer := OpenSafeFile(filepath.Join(blocker, "sub", "elastix.log"), logger)
	defer closer.Close()

	sw.Printf("ignored")
	assert.False(t, sw.Failed())
	assert.Len(t, handler.Entries, 1)
}

func TestNewWithFile(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "run.txt")

	logger, closer, err := NewWithFile(&buf, path, true)
	require.NoError(t, err)
	logger.WithField("case", "p1").Debug("converted")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "converted")
	assert.Contains(t, buf.String(), "converted")
}

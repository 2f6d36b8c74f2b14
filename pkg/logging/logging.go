// Package logging configures the apex/log loggers shared by the converter.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/apex/log/handlers/discard"
	"github.com/apex/log/handlers/multi"
	"github.com/apex/log/handlers/text"
)

// New returns a logger that writes human readable lines to w
func New(w io.Writer, verbose bool) *log.Logger {
	return &log.Logger{Handler: cli.New(w), Level: level(verbose)}
}

// Discard returns a logger that drops every entry
func Discard() *log.Logger {
	return &log.Logger{Handler: discard.New(), Level: log.InfoLevel}
}

// NewWithFile returns a logger writing to w and, when path is not empty, to a
// text log file. The returned closer closes the file.
func NewWithFile(w io.Writer, path string, verbose bool) (*log.Logger, io.Closer, error) {
	if path == "" {
		return New(w, verbose), io.NopCloser(nil), nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, nil, fmt.Errorf("error creating log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("error opening log file: %w", err)
	}
	logger := &log.Logger{
		Handler: multi.New(cli.New(w), text.New(f)),
		Level:   level(verbose),
	}
	return logger, f, nil
}

func level(verbose bool) log.Level {
	if verbose {
		return log.DebugLevel
	}
	return log.InfoLevel
}

// SafeWriter forwards writes to an underlying writer and never fails.
// The first write error is reported on the logger; later writes are dropped.
type SafeWriter struct {
	mu     sync.Mutex
	w      io.Writer
	logger log.Interface
	failed bool
}

// NewSafeWriter wraps w
func NewSafeWriter(w io.Writer, logger log.Interface) *SafeWriter {
	return &SafeWriter{w: w, logger: logger}
}

// OpenSafeFile opens path for appending and wraps it in a SafeWriter. An open
// failure is logged and yields a writer that discards everything.
func OpenSafeFile(path string, logger log.Interface) (*SafeWriter, io.Closer) {
	if path == "" {
		return NewSafeWriter(io.Discard, logger), io.NopCloser(nil)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		logger.WithError(err).WithField("path", path).Warn("registration log unavailable")
		return NewSafeWriter(io.Discard, logger), io.NopCloser(nil)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		logger.WithError(err).WithField("path", path).Warn("registration log unavailable")
		return NewSafeWriter(io.Discard, logger), io.NopCloser(nil)
	}
	return NewSafeWriter(f, logger), f
}

// Write implements io.Writer
func (s *SafeWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed {
		return len(p), nil
	}
	if _, err := s.w.Write(p); err != nil {
		s.failed = true
		s.logger.WithError(err).Warn("registration log write failed, further output dropped")
	}
	return len(p), nil
}

// Printf formats a line into the writer
func (s *SafeWriter) Printf(format string, args ...interface{}) {
	fmt.Fprintf(s, format+"\n", args...)
}

// Failed reports whether a write error has occurred
func (s *SafeWriter) Failed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

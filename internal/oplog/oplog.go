// Package oplog provides file-backed operational logging for the
// long-running aspen daemons.
package oplog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Logger writes timestamped operational messages to a file. A Logger
// without a file is a no-op, so call sites never need nil checks.
type Logger struct {
	mu   sync.Mutex
	file *os.File
}

// New creates a logger writing to the given path, creating parent
// directories as needed. An empty path returns a no-op logger.
func New(logPath string) (*Logger, error) {
	if logPath == "" {
		return &Logger{}, nil
	}

	dir := filepath.Dir(logPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	logger := &Logger{file: f}
	logger.Log("=== aspen log started at %s ===", time.Now().Format(time.RFC3339))
	return logger, nil
}

// Nop returns a no-op logger for tests or when logging is disabled.
func Nop() *Logger {
	return &Logger{}
}

// Log writes a timestamped message. No-op if the logger has no file.
func (l *Logger) Log(format string, args ...interface{}) {
	if l == nil || l.file == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	msg := fmt.Sprintf(format, args...)
	timestamp := time.Now().Format("15:04:05.000")
	fmt.Fprintf(l.file, "[%s] %s\n", timestamp, msg)
	l.file.Sync()
}

// Close closes the log file. Safe on a no-op logger.
func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	return l.file.Close()
}

package oplog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLogWritesTimestampedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "aspen.log")

	log, err := New(path)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	log.Log("task %d dispatched", 7)
	if err := log.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "task 7 dispatched") {
		t.Errorf("log missing message: %q", data)
	}
}

func TestNopLoggerIsSafe(t *testing.T) {
	log := Nop()
	log.Log("ignored")
	if err := log.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}

	var nilLogger *Logger
	nilLogger.Log("also ignored")
	if err := nilLogger.Close(); err != nil {
		t.Errorf("nil Close() error = %v", err)
	}
}

func TestEmptyPathIsNoOp(t *testing.T) {
	log, err := New("")
	if err != nil {
		t.Fatalf("New(\"\") error = %v", err)
	}
	log.Log("goes nowhere")
}

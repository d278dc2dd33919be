package logger

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewLoggerSinks(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "arena.log")
	errs := filepath.Join(dir, "arena.err")

	l, err := NewLogger(Config{Level: "info", Format: "json", OutputPath: out, ErrorPath: errs})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	l.zap.Info("hello")
	if err := l.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if data, err := os.ReadFile(out); err != nil || len(data) == 0 {
		t.Fatalf("expected entry in output file, got %q %v", data, err)
	}
	if _, err := os.Stat(errs); err != nil {
		t.Fatalf("expected error file to be opened: %v", err)
	}

	missing := filepath.Join(dir, "absent", "arena.err")
	if _, err := NewLogger(Config{ErrorPath: missing}); err == nil {
		t.Fatalf("expected failure for unwritable error path")
	}
	if _, err := NewLogger(Config{Level: "loud"}); err == nil {
		t.Fatalf("expected failure for invalid level")
	}
}

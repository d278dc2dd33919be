package transcript

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestTranscriptRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	w, err := Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	lines := []string{"> create_process sum", "< 1", "> start_process 1", "< 1"}
	for _, line := range lines {
		if _, err := fmt.Fprintln(w, line); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := w.Write([]byte("late\n")); err == nil {
		t.Fatalf("expected write after close to fail")
	}

	got, err := ReadLines(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if diff := cmp.Diff(lines, got); diff != "" {
		t.Fatalf("transcript mismatch (-want +got):\n%s", diff)
	}
}

func TestReadLinesMissing(t *testing.T) {
	if _, err := ReadLines(filepath.Join(t.TempDir(), "absent.zst")); err == nil {
		t.Fatalf("expected error for missing transcript")
	}
}

package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestRotatingWriterRotatesBySize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")

	writer, err := newRotatingWriter(path, 1, 2, 30)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	defer writer.Close()

	// Force a tiny threshold so two writes trigger a rotation.
	writer.maxSize = 32

	payload := bytes.Repeat([]byte("x"), 24)
	for i := 0; i < 3; i++ {
		if _, err := writer.Write(append(payload, '\n')); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("active log missing: %v", err)
	}
	if _, err := os.Stat(path + ".1"); err != nil {
		t.Fatalf("backup missing after rotation: %v", err)
	}
}

func TestRotatingWriterRequiresPath(t *testing.T) {
	if _, err := newRotatingWriter("", 1, 1, 1); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

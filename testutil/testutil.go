// Package testutil provides shared test helpers for deltavault tests.
package testutil

import (
	"bytes"
	"crypto/rand"
	"io"
	"os"
	"path/filepath"
	"testing"
)

// TempDir creates a temporary directory for testing and returns a cleanup function.
func TempDir(t *testing.T) (string, func()) {
	t.Helper()
	dir, err := os.MkdirTemp("", "deltavault-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	return dir, func() {
		_ = os.RemoveAll(dir)
	}
}

// TempFile creates a temporary file with the given content and returns its path.
func TempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	return WriteFile(t, dir, name, []byte(content))
}

// WriteFile writes data to dir/name, creating parent directories.
func WriteFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create parent dir: %v", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

// RandomBytes returns n bytes of random data.
func RandomBytes(t *testing.T, n int) []byte {
	t.Helper()
	data := make([]byte, n)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("failed to generate random data: %v", err)
	}
	return data
}

// RandomFile writes n random bytes to dir/name and returns the path and
// the written content.
func RandomFile(t *testing.T, dir, name string, n int) (string, []byte) {
	t.Helper()
	data := RandomBytes(t, n)
	return WriteFile(t, dir, name, data), data
}

// PatternFile writes n bytes of a repeating pattern, useful when tests need
// compressible content.
func PatternFile(t *testing.T, dir, name, pattern string, n int) (string, []byte) {
	t.Helper()
	data := bytes.Repeat([]byte(pattern), n/len(pattern)+1)[:n]
	return WriteFile(t, dir, name, data), data
}

// FailingReader returns Data and then Err on every subsequent read.
type FailingReader struct {
	Data []byte
	Err  error
}

func (r *FailingReader) Read(b []byte) (int, error) {
	if len(r.Data) == 0 {
		if r.Err == nil {
			return 0, io.EOF
		}
		return 0, r.Err
	}
	n := copy(b, r.Data)
	r.Data = r.Data[n:]
	return n, nil
}

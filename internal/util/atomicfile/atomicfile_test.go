package atomicfile_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"e2eed/internal/util/atomicfile"
)

func TestWriteReplaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.bin")
	if err := atomicfile.Write(path, strings.NewReader("one"), 0o600); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := atomicfile.Write(path, strings.NewReader("two"), 0o600); err != nil {
		t.Fatalf("second write: %v", err)
	}
	got, err := atomicfile.ReadOptional(path)
	if err != nil || string(got) != "two" {
		t.Fatalf("read = %q, %v", got, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("mode = %v", info.Mode().Perm())
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Fatalf("temp files left behind: %d entries", len(entries))
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("boom") }

func TestWriteFailureKeepsOriginal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.bin")
	if err := atomicfile.Write(path, strings.NewReader("keep"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := atomicfile.Write(path, failingReader{}, 0o600); err == nil {
		t.Fatal("expected error")
	}
	got, _ := atomicfile.ReadOptional(path)
	if string(got) != "keep" {
		t.Fatalf("original clobbered: %q", got)
	}
}

func TestReadOptionalMissing(t *testing.T) {
	b, err := atomicfile.ReadOptional(filepath.Join(t.TempDir(), "absent"))
	if b != nil || err != nil {
		t.Fatalf("got %v, %v", b, err)
	}
}

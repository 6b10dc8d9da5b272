package engine

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveCaseInsensitiveExactMatch(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "Data", "Sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	f := filepath.Join(root, "Data", "Sub", "File.bin")
	if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	got := resolveCaseInsensitive(root, "Data/Sub/File.bin")
	if got != f {
		t.Fatalf("expected exact match %q, got %q", f, got)
	}
}

func TestResolveCaseInsensitiveFoldsCase(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "Data", "Sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	f := filepath.Join(root, "Data", "Sub", "File.bin")
	if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	got := resolveCaseInsensitive(root, "data/sub/file.BIN")
	if got != f {
		t.Fatalf("expected case-insensitive match %q, got %q", f, got)
	}
}

func TestResolveCaseInsensitiveMissingSegmentFallsThrough(t *testing.T) {
	root := t.TempDir()
	got := resolveCaseInsensitive(root, "nope/still/nope.bin")
	want := filepath.Join(root, "nope", "still", "nope.bin")
	if got != want {
		t.Fatalf("expected literal fallback %q, got %q", want, got)
	}
}

func TestGalaxyPath(t *testing.T) {
	p := galaxyPath("aabbccdd")
	if filepath.Base(p) != "aabbccdd" {
		t.Fatalf("expected path to end in the hash, got %q", p)
	}
}

func TestRangeHeader(t *testing.T) {
	h := rangeHeader(10, 20)
	if h != "bytes=10-29" {
		t.Fatalf("unexpected range header: %q", h)
	}
}

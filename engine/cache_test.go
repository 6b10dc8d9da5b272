package engine

import (
	"os"
	"testing"
)

func TestChunkCacheHasAndRemove(t *testing.T) {
	root := t.TempDir()
	cache, err := NewChunkCache(root)
	if err != nil {
		t.Fatal(err)
	}

	if cache.Has("abc") {
		t.Fatal("expected a fresh cache to have no entries")
	}
	if err := os.WriteFile(cache.Path("abc"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if !cache.Has("abc") {
		t.Fatal("expected the cache to report the entry as present")
	}
	if err := cache.Remove("abc"); err != nil {
		t.Fatal(err)
	}
	if cache.Has("abc") {
		t.Fatal("expected the entry to be gone after Remove")
	}
}

func TestChunkCacheRemoveMissingIsNotAnError(t *testing.T) {
	cache, err := NewChunkCache(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := cache.Remove("never-written"); err != nil {
		t.Fatalf("removing a missing entry should be a no-op, got %v", err)
	}
}

package engine

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/kr/binarydist"
)

// TestApplyPatchRoundTrip builds a real bsdiff delta between two byte slices
// with binarydist.Diff and confirms ApplyPatch reconstructs the new content
// from the old content plus that delta.
func TestApplyPatchRoundTrip(t *testing.T) {
	oldContent := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 64)
	newContent := append(append([]byte{}, oldContent...), []byte("a trailing addition")...)

	var patch bytes.Buffer
	if err := binarydist.Diff(bytes.NewReader(oldContent), bytes.NewReader(newContent), &patch); err != nil {
		t.Fatalf("binarydist.Diff failed: %v", err)
	}

	dir := t.TempDir()
	sourcePath := filepath.Join(dir, "old.bin")
	deltaPath := filepath.Join(dir, "delta.bin")
	outputPath := filepath.Join(dir, "new.bin")

	if err := os.WriteFile(sourcePath, oldContent, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(deltaPath, patch.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := ApplyPatch(sourcePath, deltaPath, outputPath); err != nil {
		t.Fatalf("ApplyPatch failed: %v", err)
	}

	got, err := os.ReadFile(outputPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, newContent) {
		t.Fatal("patched output does not match the expected new content")
	}
}

func TestApplyPatchMissingSourceFails(t *testing.T) {
	dir := t.TempDir()
	if err := ApplyPatch(filepath.Join(dir, "missing.bin"), filepath.Join(dir, "delta.bin"), filepath.Join(dir, "out.bin")); err == nil {
		t.Fatal("expected an error when the patch source does not exist")
	}
}

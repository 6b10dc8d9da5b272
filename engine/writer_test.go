package engine

import (
	"archive/zip"
	"crypto/md5"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"gitlab.com/NebulousLabs/fastrand"
)

func writeZipFixture(t *testing.T, path string, content []byte) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	zw := zip.NewWriter(f)
	entry, err := zw.Create("payload")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := entry.Write(content); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
}

func newTestWriter(t *testing.T, hashMap map[string]string) (*Writer, string) {
	t.Helper()
	root := t.TempDir()
	cache, err := NewChunkCache(root)
	if err != nil {
		t.Fatal(err)
	}
	return NewWriter(root, root, cache, hashMap), root
}

func TestWriterCreateFileEmpty(t *testing.T) {
	w, root := newTestWriter(t, nil)
	res := w.Process(WriterTask{Path: "empty.bin", Flags: TaskCreateFile})
	if !res.Success {
		t.Fatalf("expected success, got %v", res.Err)
	}
	if _, err := os.Stat(filepath.Join(root, "empty.bin")); err != nil {
		t.Fatalf("expected empty.bin to exist: %v", err)
	}
}

func TestWriterOpenAppendCloseRoundTrip(t *testing.T) {
	payload := fastrand.Bytes(1024)
	w, root := newTestWriter(t, nil)

	scratch := filepath.Join(root, "scratch.tmp")
	if err := os.WriteFile(scratch, payload, 0o644); err != nil {
		t.Fatal(err)
	}

	res := w.Process(WriterTask{Path: "out.bin", Flags: TaskOpenFile})
	if !res.Success {
		t.Fatalf("open failed: %v", res.Err)
	}
	res = w.Process(WriterTask{TempFile: scratch, Size: int64(len(payload))})
	if !res.Success {
		t.Fatalf("append failed: %v", res.Err)
	}
	res = w.Process(WriterTask{Path: "out.bin", Flags: TaskCloseFile})
	if !res.Success {
		t.Fatalf("close failed: %v", res.Err)
	}
	if res.ClosedPath == "" {
		t.Fatal("expected ClosedPath to be set on a successful CLOSE_FILE")
	}

	got, err := os.ReadFile(filepath.Join(root, "out.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(payload) {
		t.Fatal("written bytes do not match the scratch payload")
	}
}

func TestWriterCloseFileVerifiesWholeFileHash(t *testing.T) {
	payload := fastrand.Bytes(512)
	sum := md5.Sum(payload)
	expected := hex.EncodeToString(sum[:])

	w, root := newTestWriter(t, map[string]string{"out.bin": expected})
	scratch := filepath.Join(root, "scratch.tmp")
	if err := os.WriteFile(scratch, payload, 0o644); err != nil {
		t.Fatal(err)
	}

	if res := w.Process(WriterTask{Path: "out.bin", Flags: TaskOpenFile}); !res.Success {
		t.Fatalf("open failed: %v", res.Err)
	}
	if res := w.Process(WriterTask{TempFile: scratch, Size: int64(len(payload))}); !res.Success {
		t.Fatalf("append failed: %v", res.Err)
	}
	if res := w.Process(WriterTask{Path: "out.bin", Flags: TaskCloseFile}); !res.Success {
		t.Fatalf("close should succeed when the hash matches: %v", res.Err)
	}
}

func TestWriterCloseFileRejectsHashMismatch(t *testing.T) {
	payload := fastrand.Bytes(256)
	w, root := newTestWriter(t, map[string]string{"out.bin": "deadbeefdeadbeefdeadbeefdeadbeef"})
	scratch := filepath.Join(root, "scratch.tmp")
	if err := os.WriteFile(scratch, payload, 0o644); err != nil {
		t.Fatal(err)
	}

	if res := w.Process(WriterTask{Path: "out.bin", Flags: TaskOpenFile}); !res.Success {
		t.Fatalf("open failed: %v", res.Err)
	}
	if res := w.Process(WriterTask{TempFile: scratch, Size: int64(len(payload))}); !res.Success {
		t.Fatalf("append failed: %v", res.Err)
	}
	res := w.Process(WriterTask{Path: "out.bin", Flags: TaskCloseFile})
	if res.Success {
		t.Fatal("expected CLOSE_FILE to fail on a whole-file hash mismatch")
	}
}

func TestWriterZipDecVerifiesDecompressedHash(t *testing.T) {
	content := fastrand.Bytes(300)
	sum := md5.Sum(content)
	expected := hex.EncodeToString(sum[:])

	w, root := newTestWriter(t, map[string]string{"final.bin": expected})
	writeZipFixture(t, filepath.Join(root, "final.bin.tmp"), content)

	res := w.Process(WriterTask{Path: "final.bin", Flags: TaskZipDec, OldFile: "final.bin.tmp"})
	if !res.Success {
		t.Fatalf("zip-dec should succeed when the decompressed hash matches: %v", res.Err)
	}
	got, err := os.ReadFile(filepath.Join(root, "final.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(content) {
		t.Fatal("decompressed bytes do not match the zip entry's content")
	}
}

func TestWriterZipDecRejectsHashMismatch(t *testing.T) {
	content := fastrand.Bytes(128)
	w, root := newTestWriter(t, map[string]string{"final.bin": "deadbeefdeadbeefdeadbeefdeadbeef"})
	writeZipFixture(t, filepath.Join(root, "final.bin.tmp"), content)

	res := w.Process(WriterTask{Path: "final.bin", Flags: TaskZipDec, OldFile: "final.bin.tmp"})
	if res.Success {
		t.Fatal("expected ZIP_DEC to fail on a whole-file hash mismatch")
	}
}

func TestWriterOpenFileSkipsHashForNoVerifyFlag(t *testing.T) {
	// Without TaskNoVerify a running hash would be computed against the
	// bytes written to the tmp path, which for a Linux-compressed file are
	// not the manifest's whole-file content and would never match.
	w, root := newTestWriter(t, map[string]string{"linux.bin": "deadbeefdeadbeefdeadbeefdeadbeef"})
	scratch := filepath.Join(root, "scratch.tmp")
	if err := os.WriteFile(scratch, []byte("compressed-bytes-not-the-real-file"), 0o644); err != nil {
		t.Fatal(err)
	}

	if res := w.Process(WriterTask{Path: "linux.bin.tmp", Flags: TaskOpenFile | TaskNoVerify}); !res.Success {
		t.Fatalf("open failed: %v", res.Err)
	}
	if res := w.Process(WriterTask{TempFile: scratch, Size: int64(len("compressed-bytes-not-the-real-file"))}); !res.Success {
		t.Fatalf("append failed: %v", res.Err)
	}
	if res := w.Process(WriterTask{Path: "linux.bin.tmp", Flags: TaskCloseFile | TaskNoVerify}); !res.Success {
		t.Fatalf("close should succeed since TaskNoVerify skips whole-file verification on the tmp path: %v", res.Err)
	}
}

func TestWriterCopyIfDifferentIsNoOpForSameFile(t *testing.T) {
	w, root := newTestWriter(t, nil)
	if err := os.WriteFile(filepath.Join(root, "shared.bin"), []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}
	res := w.Process(WriterTask{Path: "shared.bin", Flags: TaskCopyFile, OldFile: "shared.bin"})
	if !res.Success {
		t.Fatalf("expected a same-file copy to be a no-op success, got %v", res.Err)
	}
}

func TestWriterCloseFileWithNoOpenFileFails(t *testing.T) {
	w, _ := newTestWriter(t, nil)
	res := w.Process(WriterTask{Path: "never-opened.bin", Flags: TaskCloseFile})
	if res.Success {
		t.Fatal("expected CLOSE_FILE with no matching OPEN_FILE to fail")
	}
}

func TestWriterDeleteMissingFileIsNotAnError(t *testing.T) {
	w, _ := newTestWriter(t, nil)
	res := w.Process(WriterTask{Path: "never-existed.bin", Flags: TaskDeleteFile})
	if !res.Success {
		t.Fatalf("deleting a missing file should succeed, got %v", res.Err)
	}
}

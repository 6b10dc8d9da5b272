package engine

import (
	"archive/zip"
	"crypto/md5"
	"encoding/hex"
	"hash"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"gitlab.com/NebulousLabs/errors"

	"github.com/gog-galaxy/depotinstall/build"
)

// WriterTask is the orchestrator's translation of a planner Task into
// something the single writer goroutine can execute without reaching back
// into planner or download state (§4.3).
type WriterTask struct {
	Path      string
	Flags     TaskFlags
	OldFlags  TaskFlags
	OldFile   string
	PatchFile string

	// Chunk-bearing fields. TempFile is set when the payload lives in a
	// scratch buffer; otherwise, if OldFile is set and Size > 0, the bytes
	// are read from OldFile at OldOffset instead (cache reuse or in-place
	// diff reuse, §4.3).
	TempFile  string
	Size      int64
	OldOffset int64
	Hash      string // decompressed md5, used for OFFLOAD_TO_CACHE
}

// WriterResult is what the writer reports back per task (§4.3).
type WriterResult struct {
	Success      bool
	Task         WriterTask
	WrittenBytes int64
	ClosedPath   string // set on a successful CLOSE_FILE, for journaling
	Err          error
}

// Writer sequentially mutates the target tree. It is single-threaded by
// construction: callers must serialize calls to Process.
type Writer struct {
	root        string
	supportRoot string
	cache       *ChunkCache
	hashMap     map[string]string // lower(relative path) -> expected whole-file hash

	currentHandle *os.File
	currentPath   string
	currentRel    string
	currentHash   hash.Hash
}

// NewWriter constructs a Writer rooted at root, with support-tree files
// routed to supportRoot (§6, "Support"). hashMap supplies the expected
// whole-file hash for each manifest path so CLOSE_FILE can verify the
// bytes just written against it (§9, "a correct implementation should
// hash the output stream during OPEN_FILE..CLOSE_FILE").
func NewWriter(root, supportRoot string, cache *ChunkCache, hashMap map[string]string) *Writer {
	return &Writer{root: root, supportRoot: supportRoot, cache: cache, hashMap: hashMap}
}

func (w *Writer) destRoot(flags TaskFlags) string {
	if flags.Has(TaskSupport) {
		return w.supportRoot
	}
	return w.root
}

// resolvedTarget returns the case-insensitively resolved absolute path for
// a manifest-relative path under the appropriate root (§6).
func (w *Writer) resolvedTarget(flags TaskFlags, relPath string) string {
	return resolveCaseInsensitive(w.destRoot(flags), relPath)
}

func ensureParentDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.AddContext(err, "unable to create parent directory for "+path)
	}
	return nil
}

// Process executes one WriterTask and returns its result. Any unexpected
// failure is reported as Success=false; the orchestrator treats that as
// fatal (§4.3).
func (w *Writer) Process(t WriterTask) (res WriterResult) {
	res.Task = t
	defer func() {
		if r := recover(); r != nil {
			res.Success = false
			res.Err = errors.New("writer panic recovered")
		}
	}()

	target := w.resolvedTarget(t.Flags, t.Path)

	if t.Flags.Has(TaskCreateFile) {
		if err := ensureParentDir(target); err != nil {
			return w.fail(t, err)
		}
		f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			return w.fail(t, errors.AddContext(err, "unable to create empty file"))
		}
		f.Close()
		return w.ok(t, 0)
	}

	if t.Flags.Has(TaskOpenFile) {
		if err := w.closeCurrent(); err != nil {
			return w.fail(t, err)
		}
		if err := ensureParentDir(target); err != nil {
			return w.fail(t, err)
		}
		f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			return w.fail(t, errors.AddContext(err, "unable to open file for writing"))
		}
		w.currentHandle = f
		w.currentPath = target
		w.currentRel = strings.TrimSuffix(t.Path, ".tmp")
		if t.Flags.Has(TaskNoVerify) {
			// This OPEN_FILE writes a staging file whose bytes aren't the
			// manifest's whole-file content (e.g. a Linux-compressed
			// ".tmp"); skip the running hash entirely rather than compute
			// one that can never match hashMap (§9 open question).
			w.currentHash = nil
		} else {
			w.currentHash = md5.New()
		}
	}

	if t.TempFile != "" || (t.OldFile != "" && t.Size > 0 && !t.Flags.Has(TaskCopyFile) && !t.Flags.Has(TaskPatch)) {
		if err := w.appendChunk(t); err != nil {
			return w.fail(t, err)
		}
	}

	if t.Flags.Has(TaskCopyFile) {
		srcRoot := w.destRoot(t.OldFlags)
		src := resolveCaseInsensitive(srcRoot, t.OldFile)
		if err := copyIfDifferent(src, target); err != nil {
			return w.fail(t, err)
		}
	}

	if t.Flags.Has(TaskZipDec) {
		src := resolveCaseInsensitive(w.destRoot(t.Flags), t.OldFile)
		got, err := zipDecodeFile(src, target)
		if err != nil {
			return w.fail(t, err)
		}
		if err := w.verifyDecodedHash(t.Path, got); err != nil {
			return w.fail(t, err)
		}
	}

	if t.Flags.Has(TaskPatch) {
		source := resolveCaseInsensitive(w.destRoot(t.OldFlags), t.OldFile)
		delta := resolveCaseInsensitive(w.destRoot(t.Flags), t.PatchFile)
		if err := ApplyPatch(source, delta, target); err != nil {
			return w.fail(t, err)
		}
	}

	if t.Flags.Has(TaskRenameFile) && t.Flags.Has(TaskDeleteFile) {
		src := resolveCaseInsensitive(w.destRoot(t.OldFlags), t.OldFile)
		if err := ensureParentDir(target); err != nil {
			return w.fail(t, err)
		}
		if err := os.Rename(src, target); err != nil {
			return w.fail(t, errors.AddContext(err, "unable to rename into place"))
		}
	} else if t.Flags.Has(TaskDeleteFile) {
		delPath := target
		if filepath.IsAbs(t.Path) {
			// An absolute path is deleted as given. The planner's
			// cache-entry deletions use a root-relative path under the
			// cache directory and take the resolved branch above.
			delPath = t.Path
		}
		if err := os.Remove(delPath); err != nil && !os.IsNotExist(err) {
			return w.fail(t, errors.AddContext(err, "unable to delete file"))
		}
	}

	if t.Flags.Has(TaskCreateSymlink) {
		if err := ensureParentDir(target); err != nil {
			return w.fail(t, err)
		}
		os.Remove(target) // best effort; a stale link/file may already exist
		if err := os.Symlink(t.OldFile, target); err != nil {
			return w.fail(t, errors.AddContext(err, "unable to create symlink"))
		}
	}

	if t.Flags.Has(TaskMakeExe) {
		if err := makeExecutable(target); err != nil {
			return w.fail(t, err)
		}
	}

	if t.Flags.Has(TaskCloseFile) {
		if w.currentHandle == nil {
			// Invariant 1: every CLOSE_FILE is matched by a preceding
			// OPEN_FILE for the same path. Reaching this means the planner
			// emitted an unmatched close, a bug in this module, not a bad
			// manifest.
			build.Critical("CLOSE_FILE with no matching OPEN_FILE:", t.Path)
			return w.fail(t, errUnmatchedClose)
		}
		closedPath := w.currentPath
		if err := w.verifyCurrentHash(); err != nil {
			w.closeCurrent()
			return w.fail(t, err)
		}
		if err := w.closeCurrent(); err != nil {
			return w.fail(t, err)
		}
		res.ClosedPath = closedPath
	}

	closed := res.ClosedPath
	res = w.ok(t, t.Size)
	res.ClosedPath = closed
	return res
}

func (w *Writer) closeCurrent() error {
	if w.currentHandle == nil {
		return nil
	}
	err := w.currentHandle.Close()
	w.currentHandle = nil
	w.currentPath = ""
	w.currentRel = ""
	w.currentHash = nil
	if err != nil {
		return errors.AddContext(err, "unable to close current file handle")
	}
	return nil
}

// verifyCurrentHash checks the running hash of bytes written to the
// currently open file against the manifest's expected whole-file hash, if
// one is known (§9). A mismatch is a writer-fatal checksum error.
func (w *Writer) verifyCurrentHash() error {
	if w.currentHash == nil || w.hashMap == nil {
		return nil
	}
	expected, ok := w.hashMap[strings.ToLower(w.currentRel)]
	if !ok || expected == "" {
		return nil
	}
	got := hex.EncodeToString(w.currentHash.Sum(nil))
	if !strings.EqualFold(got, expected) {
		return NewTaskError(ErrChecksum, "whole-file hash mismatch for "+w.currentRel, errors.New("hash verification failed"))
	}
	return nil
}

// verifyDecodedHash checks a ZIP_DEC task's decompressed output hash against
// the manifest's expected whole-file hash for relPath (§9, same rule
// verifyCurrentHash applies to a plain write, but for the decompress-after-
// close path a Linux-compressed file takes instead).
func (w *Writer) verifyDecodedHash(relPath, got string) error {
	if w.hashMap == nil {
		return nil
	}
	expected, ok := w.hashMap[strings.ToLower(relPath)]
	if !ok || expected == "" {
		return nil
	}
	if !strings.EqualFold(got, expected) {
		return NewTaskError(ErrChecksum, "whole-file hash mismatch for "+relPath, errors.New("hash verification failed"))
	}
	return nil
}

// appendChunk appends Size bytes into the currently open handle, either
// from a scratch buffer (TempFile) or from an existing file region
// (OldFile at OldOffset) — the cache-reuse and in-place-diff-reuse paths
// (§4.3).
func (w *Writer) appendChunk(t WriterTask) error {
	if w.currentHandle == nil {
		// A chunk-bearing task reaching the writer with nothing open means
		// the planner violated invariant 1 (every chunk task lies strictly
		// between its file's OPEN_FILE and CLOSE_FILE) — a bug in this
		// module, not a bad manifest.
		build.Critical("writer received a chunk task with no file open:", t.Path)
		return errNoOpenFile
	}
	var src *os.File
	var err error
	if t.TempFile != "" {
		src, err = os.Open(t.TempFile)
	} else {
		srcRoot := w.destRoot(t.OldFlags)
		src, err = os.Open(resolveCaseInsensitive(srcRoot, t.OldFile))
	}
	if err != nil {
		return errors.AddContext(err, "unable to open chunk source")
	}
	defer src.Close()

	if t.TempFile == "" {
		if _, err := src.Seek(t.OldOffset, io.SeekStart); err != nil {
			return errors.AddContext(err, "unable to seek chunk source")
		}
	}

	dst := io.Writer(w.currentHandle)
	if w.currentHash != nil {
		dst = io.MultiWriter(w.currentHandle, w.currentHash)
	}
	n, err := io.Copy(dst, io.LimitReader(src, t.Size))
	if err != nil {
		return errors.AddContext(err, "unable to append chunk bytes")
	}
	if n != t.Size {
		return NewTaskError(ErrChecksum, "short chunk append", errors.New("unexpected byte count"))
	}

	if t.Flags.Has(TaskOffloadToCache) && t.Hash != "" {
		if err := offloadToCache(t.TempFile, w.cache, t.Hash); err != nil {
			return err
		}
	}
	return nil
}

func offloadToCache(tempFile string, cache *ChunkCache, hash string) error {
	src, err := os.Open(tempFile)
	if err != nil {
		return errors.AddContext(err, "unable to reopen chunk for cache offload")
	}
	defer src.Close()
	dst, err := os.Create(cache.Path(hash))
	if err != nil {
		return errors.AddContext(err, "unable to create cache entry")
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return errors.AddContext(err, "unable to write cache entry")
	}
	return nil
}

// copyIfDifferent byte-copies src to dst unless they are the same file on
// disk, in which case it is a no-op success (§4.3, "SameFile is a no-op").
func copyIfDifferent(src, dst string) error {
	srcInfo, srcErr := os.Stat(src)
	dstInfo, dstErr := os.Stat(dst)
	if srcErr == nil && dstErr == nil && os.SameFile(srcInfo, dstInfo) {
		return nil
	}
	if err := ensureParentDir(dst); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return errors.AddContext(err, "unable to open copy source")
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.AddContext(err, "unable to create copy destination")
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return errors.AddContext(err, "unable to copy file")
	}
	return nil
}

// zipDecodeFile extracts the single entry of a zip archive at src into
// dst, used for Linux depot files whose Compression marker is "zip"
// (§4.4 "Linux file"). It returns the hex md5 of the decompressed bytes so
// the caller can verify it against the manifest's whole-file hash.
func zipDecodeFile(src, dst string) (string, error) {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return "", errors.AddContext(err, "unable to open zip-compressed payload")
	}
	defer zr.Close()
	if len(zr.File) == 0 {
		return "", errors.New("zip-compressed payload has no entries")
	}
	rc, err := zr.File[0].Open()
	if err != nil {
		return "", errors.AddContext(err, "unable to open zip entry")
	}
	defer rc.Close()

	if err := ensureParentDir(dst); err != nil {
		return "", err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return "", errors.AddContext(err, "unable to create decompression target")
	}
	defer out.Close()
	hasher := md5.New()
	if _, err := io.Copy(io.MultiWriter(out, hasher), rc); err != nil {
		return "", errors.AddContext(err, "unable to decompress zip entry")
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

func makeExecutable(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return errors.AddContext(err, "unable to stat file for chmod")
	}
	mode := info.Mode() | 0o111
	if err := os.Chmod(path, mode); err != nil {
		return errors.AddContext(err, "unable to set executable bit")
	}
	return nil
}

func (w *Writer) ok(t WriterTask, written int64) WriterResult {
	return WriterResult{Success: true, Task: t, WrittenBytes: written}
}

func (w *Writer) fail(t WriterTask, err error) WriterResult {
	return WriterResult{Success: false, Task: t, Err: err}
}

package engine

import (
	"os"
	"path/filepath"
	"strings"

	"gitlab.com/NebulousLabs/errors"

	"github.com/gog-galaxy/depotinstall/build"
)

const (
	defaultV1SplitSize = 20 * 1024 * 1024 // 20 MiB, used when no V2 chunk size was observed
	minV1SplitSize     = 10 * 1024 * 1024 // 10 MiB floor (§4.4 step 3, §9 open question)
)

// PlanInput is everything BuildPlan needs: the diff, where the install
// lives on disk, and the previously-read resume journal.
type PlanInput struct {
	Diff           Diff
	Root           string
	SupportRoot    string
	JournalEntries []JournalEntry
}

// Plan is the planner's full output: the ordered task list, the two
// download queues it feeds, the pre-flight disk-space requirement, and the
// hash map the resume-journal writer consults (§3, §4.4).
type Plan struct {
	Tasks             []Task
	V1Queue           []DownloadTask
	V2Queue           []DownloadTask
	RequiredDiskDelta int64
	HashMap           map[string]string // lowercase relative path -> expected hash
}

// planState carries the planner's mutable working set through the two
// passes described in §4.4.
type planState struct {
	in PlanInput

	hashMap        map[string]string // lower(path) -> expected hash
	sharedCounter  map[string]int    // compressedMD5 -> remaining future uses
	cached         map[string]bool   // decompressed md5 -> currently offloaded
	plannedV1Hash  map[string]string // file hash -> path already planned/present, for V1 dedup
	completed      map[string]bool   // lower(path) -> journal says done and verified
	stale          map[string]bool   // lower(path) -> journal entry present but mismatched/missing
	biggestChunk   int64

	currentTmp int64
	peak       int64

	tasks   []Task
	v1Queue []DownloadTask
	v2Queue []DownloadTask
}

func (s *planState) charge(delta int64) {
	s.currentTmp += delta
	if s.currentTmp > s.peak {
		s.peak = s.currentTmp
	}
}

// BuildPlan walks in.Diff and produces an ordered Plan (§4.4).
func BuildPlan(in PlanInput) (*Plan, error) {
	s := &planState{
		in:            in,
		hashMap:       make(map[string]string),
		sharedCounter: make(map[string]int),
		cached:        make(map[string]bool),
		plannedV1Hash: make(map[string]string),
		completed:     make(map[string]bool),
		stale:         make(map[string]bool),
	}

	// Step 1: deletion tasks first, each charging -size to the transient
	// accounting (§4.4 step 1).
	for _, f := range in.Diff.Deleted {
		s.emitDelete(f.Path, f.Flags)
		s.charge(-f.Size)
	}
	for _, f := range in.Diff.RemovedRedist {
		s.emitDelete(f.Path, f.Flags|FlagSupport)
		s.charge(-f.Size)
	}

	// Step 3a: populate the hash map and the V1 split size up front, since
	// the journal partition below needs the expected hash for every path.
	for _, f := range in.Diff.V1New {
		s.hashMap[strings.ToLower(f.Path)] = f.MD5
	}
	for _, f := range in.Diff.V1Changed {
		s.hashMap[strings.ToLower(f.Path)] = f.MD5
	}
	for _, group := range [][]V2DepotFile{in.Diff.New, in.Diff.Changed, in.Diff.Redist} {
		for _, f := range group {
			s.hashMap[strings.ToLower(f.Path)] = expectedHash(f)
			for _, c := range f.Chunks {
				if c.Size > s.biggestChunk {
					s.biggestChunk = c.Size
				}
			}
		}
	}
	for _, p := range in.Diff.PatchDiffs {
		s.hashMap[strings.ToLower(p.Target)] = "" // patched files aren't whole-hash verified (§9 open question)
	}

	splitSize := int64(defaultV1SplitSize)
	if s.biggestChunk > 0 {
		splitSize = s.biggestChunk
		if splitSize < minV1SplitSize {
			splitSize = minV1SplitSize
		}
	}

	// Step 2: partition the journal into completed vs. not.
	for _, e := range in.JournalEntries {
		key := strings.ToLower(e.Path)
		expected, known := s.hashMap[key]
		if !known || expected == "" {
			continue
		}
		if !strings.EqualFold(expected, e.MD5) {
			s.stale[key] = true // mismatched: leave out of `completed`, forcing a re-plan
			continue
		}
		destRoot := in.Root
		if e.Support {
			destRoot = in.SupportRoot
		}
		if _, err := os.Stat(resolveCaseInsensitive(destRoot, e.Path)); err != nil {
			s.stale[key] = true // missing: same treatment as mismatched
			continue
		}
		s.completed[key] = true
	}

	// Step 3b: second half of the first pass — shared-chunk counters, now
	// that completed/stale are known. A completed file's chunks never reach
	// emitV2Chunk at all (emitV2File returns immediately), so they must not
	// be counted either; a chunk with OldOffset is additionally excluded
	// when its (not-yet-completed) file will be reused in place. A stale or
	// already-reused-and-rejected file diff falls back to a real download
	// for every chunk, same as a file with no OldOffset at all, so those
	// chunks must still be counted (invariant 3: counter equals remaining
	// download uses).
	for _, group := range [][]V2DepotFile{in.Diff.New, in.Diff.Changed, in.Diff.Redist} {
		for _, f := range group {
			key := strings.ToLower(f.Path)
			if s.completed[key] {
				continue
			}
			trustReuse := f.IsFileDiff() && !s.stale[key]
			for _, c := range f.Chunks {
				if c.OldOffset != nil && trustReuse {
					continue
				}
				s.sharedCounter[c.CompressedMD5]++
			}
		}
	}

	// Step 4: second pass, emit tasks per file.
	for _, f := range in.Diff.V1New {
		s.emitV1File(f, splitSize)
	}
	for _, f := range in.Diff.V1Changed {
		s.emitV1File(f, splitSize)
	}
	for _, f := range in.Diff.New {
		s.emitV2File(f)
	}
	for _, f := range in.Diff.Changed {
		s.emitV2File(f)
	}
	for _, f := range in.Diff.Redist {
		s.emitV2File(f)
	}
	for _, p := range in.Diff.PatchDiffs {
		s.emitPatchDiff(p)
	}

	// Step 5: symlinks.
	for _, l := range in.Diff.Links {
		s.tasks = append(s.tasks, Task{File: &FileTask{
			Path:    l.Path,
			Flags:   TaskCreateSymlink,
			OldFile: l.Target,
		}})
	}

	// Invariant 3: every compressedMD5's counter of remaining download uses
	// must land on exactly zero once every chunk task has been emitted.
	// build.Critical already catches it going negative mid-build (see
	// emitV2Chunk); this catches it being left positive, which means some
	// chunk the first pass counted never actually got emitted.
	for h, remaining := range s.sharedCounter {
		if remaining != 0 {
			return nil, errors.AddContext(errPlanInvalid, "sharedCounter did not reach zero for "+h)
		}
	}

	return &Plan{
		Tasks:             s.tasks,
		V1Queue:           s.v1Queue,
		V2Queue:           s.v2Queue,
		RequiredDiskDelta: s.peak,
		HashMap:           s.hashMap,
	}, nil
}

func expectedHash(f V2DepotFile) string {
	if f.MD5 != "" {
		return f.MD5
	}
	if f.SHA256 != "" {
		return f.SHA256
	}
	if len(f.Chunks) > 0 {
		return f.Chunks[0].MD5
	}
	return ""
}

func (s *planState) emitDelete(path string, flags FileFlags) {
	s.tasks = append(s.tasks, Task{File: &FileTask{
		Path:  path,
		Flags: taskFlagsFromFileFlags(flags) | TaskDeleteFile,
	}})
}

func taskFlagsFromFileFlags(f FileFlags) TaskFlags {
	var t TaskFlags
	if f&FlagSupport != 0 {
		t |= TaskSupport
	}
	return t
}

// emitV1File handles both plain V1 monolithic-blob files and Linux depot
// files (§4.4, "V1 file" / "Linux file").
func (s *planState) emitV1File(f V1File, splitSize int64) {
	key := strings.ToLower(f.Path)
	base := taskFlagsFromFileFlags(f.Flags)

	if f.Size == 0 {
		s.tasks = append(s.tasks, Task{File: &FileTask{Path: f.Path, Flags: base | TaskCreateFile}})
		return
	}
	if s.completed[key] {
		s.plannedV1Hash[f.MD5] = f.Path
		return
	}
	if existing, ok := s.plannedV1Hash[f.MD5]; ok {
		flags := base | TaskCopyFile
		if f.Flags&FlagExecutable != 0 {
			flags |= TaskMakeExe
		}
		s.tasks = append(s.tasks, Task{File: &FileTask{Path: f.Path, Flags: flags, OldFile: existing}})
		return
	}
	s.plannedV1Hash[f.MD5] = f.Path

	isLinux := f.IsLinux()
	isLinuxCompressed := isLinux && f.Compression != ""

	// Linux depot files always bounce through a ".tmp" staging file before
	// landing at their final path, whether or not they're zip-compressed,
	// matching the original's unconditional tmp+rename for this shape. The
	// wire payload for a Linux file is its compressed_size, not its
	// (decompressed) size — a ranged GET must ask for compressed_size bytes
	// regardless of whether a compression marker is set.
	writePath := f.Path
	transferSize := f.Size
	if isLinux {
		writePath = f.Path + ".tmp"
		if f.CompressedSize > 0 {
			transferSize = f.CompressedSize
		}
	}

	openFlags := base | TaskOpenFile
	if isLinuxCompressed {
		openFlags |= TaskNoVerify
	}
	s.tasks = append(s.tasks, Task{File: &FileTask{Path: writePath, Flags: openFlags}})

	numChunks := int((transferSize + splitSize - 1) / splitSize)
	if numChunks == 0 {
		numChunks = 1
	}
	for i := 0; i < numChunks; i++ {
		offset := int64(i) * splitSize
		size := splitSize
		if offset+size > transferSize {
			size = transferSize - offset
		}
		v1 := DownloadTask{
			Kind:      DownloadV1,
			ProductID: f.ProductID,
			Offset:    f.Offset + offset,
			Size:      size,
			FileHash:  f.MD5,
			Index:     i,
		}
		s.v1Queue = append(s.v1Queue, v1)
		s.tasks = append(s.tasks, Task{V1: &V1Task{
			ProductID: f.ProductID,
			Index:     i,
			Offset:    f.Offset + offset,
			Size:      size,
			FileHash:  f.MD5,
		}})
	}

	closeFlags := base | TaskCloseFile
	if isLinuxCompressed {
		closeFlags |= TaskNoVerify
	}
	s.tasks = append(s.tasks, Task{File: &FileTask{Path: writePath, Flags: closeFlags}})

	if isLinuxCompressed {
		// Stream the .tmp through a zip decoder into the final path, then
		// drop the tmp (§4.4: "Linux file"). §9 flags the source's
		// ZIP_DEC-as-chunk-task encoding as an overloaded reuse of the
		// flag bitset and suggests an explicit decompress step instead;
		// this plans it as its own FileTask rather than folding it into
		// a ChunkTask. The .tmp holds compressed bytes, not the manifest's
		// whole-file content, so whole-file verification happens against
		// the decompressed output once ZIP_DEC runs (see writer.go).
		s.tasks = append(s.tasks, Task{File: &FileTask{
			Path: f.Path, Flags: base | TaskZipDec, OldFile: writePath,
		}})
		s.tasks = append(s.tasks, Task{File: &FileTask{Path: writePath, Flags: base | TaskDeleteFile}})
	} else if writePath != f.Path {
		s.tasks = append(s.tasks, Task{File: &FileTask{
			Path: f.Path, Flags: base | TaskRenameFile | TaskDeleteFile, OldFile: writePath,
		}})
	}

	if f.Flags&FlagExecutable != 0 {
		s.tasks = append(s.tasks, Task{File: &FileTask{Path: f.Path, Flags: base | TaskMakeExe}})
	}
}

// emitV2File handles V2 depot files, including the file-diff shape whose
// chunks may carry OldOffset for in-place reuse (§4.4, "V2 depot file" /
// "V2 file diff").
func (s *planState) emitV2File(f V2DepotFile) {
	key := strings.ToLower(f.Path)
	base := taskFlagsFromFileFlags(f.Flags)

	if len(f.Chunks) == 0 {
		s.tasks = append(s.tasks, Task{File: &FileTask{Path: f.Path, Flags: base | TaskCreateFile}})
		return
	}
	if s.completed[key] {
		return
	}

	// In-place reuse trusts the old on-disk bytes at OldOffset; a file the
	// journal marks mismatched or missing (s.stale) can't be trusted, even
	// if this run hasn't touched it yet (§4.4 "V2 file diff").
	reusable := f.IsFileDiff() && !s.completed[key] && !s.stale[key]
	anyReused := false
	for _, c := range f.Chunks {
		if c.OldOffset != nil && reusable {
			anyReused = true
			break
		}
	}

	writePath := f.Path
	if anyReused {
		writePath = f.Path + ".tmp"
	}

	s.tasks = append(s.tasks, Task{File: &FileTask{Path: writePath, Flags: base | TaskOpenFile}})

	for i, c := range f.Chunks {
		if c.OldOffset != nil && anyReused {
			s.tasks = append(s.tasks, Task{Chunk: &ChunkTask{
				ProductID: f.ProductID,
				Index:     i,
				MD5:       c.MD5,
				Size:      c.Size,
				OldOffset: c.OldOffset,
				OldFile:   f.Path,
				OldFlags:  base,
				Cleanup:   true,
			}})
			continue
		}
		s.emitV2Chunk(f.ProductID, i, c, base)
	}

	s.tasks = append(s.tasks, Task{File: &FileTask{Path: writePath, Flags: base | TaskCloseFile}})

	if anyReused {
		s.tasks = append(s.tasks, Task{File: &FileTask{
			Path: f.Path, Flags: base | TaskRenameFile | TaskDeleteFile, OldFile: writePath,
		}})
	}
	if f.Flags&FlagExecutable != 0 {
		s.tasks = append(s.tasks, Task{File: &FileTask{Path: f.Path, Flags: base | TaskMakeExe}})
	}
}

// emitV2Chunk emits one non-reused chunk of a V2 depot file, handling cache
// hit/offload/plain-download and shared-counter bookkeeping (§4.4 "V2 depot
// file" bullet list).
func (s *planState) emitV2Chunk(productID string, index int, c Chunk, base TaskFlags) {
	ct := &ChunkTask{
		ProductID:     productID,
		Index:         index,
		CompressedMD5: c.CompressedMD5,
		MD5:           c.MD5,
		Size:          c.Size,
		DownloadSize:  c.CompressedSize,
		OldFlags:      base,
		Cleanup:       true,
	}

	switch {
	case s.cached[c.MD5]:
		zero := int64(0)
		ct.OldOffset = &zero
		ct.OldFile = filepath.Join(cacheDirName, c.MD5)
	case s.sharedCounter[c.CompressedMD5] > 1:
		ct.OffloadToCache = true
		s.cached[c.MD5] = true
		s.charge(c.Size)
		s.v2Queue = append(s.v2Queue, DownloadTask{
			Kind: DownloadV2, ProductID: productID, CompressedMD5: c.CompressedMD5,
			MD5: c.MD5, Size: c.Size, Index: index,
		})
	default:
		s.v2Queue = append(s.v2Queue, DownloadTask{
			Kind: DownloadV2, ProductID: productID, CompressedMD5: c.CompressedMD5,
			MD5: c.MD5, Size: c.Size, Index: index,
		})
	}

	s.tasks = append(s.tasks, Task{Chunk: ct})

	if s.sharedCounter[c.CompressedMD5] <= 0 {
		// Invariant 3: shared_chunks_counter[h] equals the number of
		// remaining future uses of h and must never be decremented past
		// zero; reaching this means the first pass undercounted.
		build.Critical("shared chunk counter underflow for", c.CompressedMD5)
	} else {
		s.sharedCounter[c.CompressedMD5]--
	}
	if s.sharedCounter[c.CompressedMD5] == 0 && s.cached[c.MD5] {
		delete(s.cached, c.MD5)
		s.charge(-c.Size)
		s.tasks = append(s.tasks, Task{File: &FileTask{
			Path:  filepath.Join(cacheDirName, c.MD5),
			Flags: TaskDeleteFile,
		}})
	}
}

// emitPatchDiff handles the "V2 file patch diff" shape (§4.4, §3: "V2 file
// patch diff").
func (s *planState) emitPatchDiff(p V2FilePatchDiff) {
	base := taskFlagsFromFileFlags(p.Flags)
	deltaPath := p.Target + ".delta"
	tmpPath := p.Target + ".tmp"

	s.tasks = append(s.tasks, Task{File: &FileTask{Path: deltaPath, Flags: base | TaskOpenFile}})
	for i, c := range p.Chunks {
		s.v2Queue = append(s.v2Queue, DownloadTask{
			Kind: DownloadV2, ProductID: p.ProductID, CompressedMD5: c.CompressedMD5,
			MD5: c.MD5, Size: c.Size, Index: i,
		})
		s.tasks = append(s.tasks, Task{Chunk: &ChunkTask{
			ProductID: p.ProductID, Index: i, CompressedMD5: c.CompressedMD5,
			MD5: c.MD5, Size: c.Size, OldFlags: base, Cleanup: true,
		}})
	}
	s.tasks = append(s.tasks, Task{File: &FileTask{Path: deltaPath, Flags: base | TaskCloseFile}})

	patchSize := sumChunkSizes(p.Chunks)
	s.charge(patchSize)

	outSize := p.OutputSize
	if outSize == 0 {
		outSize = sumChunkSizes(p.Chunks)
	}
	s.charge(outSize)

	s.tasks = append(s.tasks, Task{File: &FileTask{
		Path: tmpPath, Flags: base | TaskPatch, OldFile: p.OldFile, PatchFile: deltaPath,
	}})
	s.charge(-patchSize)

	s.tasks = append(s.tasks, Task{File: &FileTask{Path: deltaPath, Flags: base | TaskDeleteFile}})

	oldSize := p.OldFileSize
	if oldSize == 0 {
		if info, err := os.Stat(resolveCaseInsensitive(s.destRootFor(base), p.OldFile)); err == nil {
			oldSize = info.Size()
		}
	}
	s.tasks = append(s.tasks, Task{File: &FileTask{
		Path: p.Target, Flags: base | TaskRenameFile | TaskDeleteFile, OldFile: tmpPath,
	}})
	s.charge(-oldSize)
}

func (s *planState) destRootFor(flags TaskFlags) string {
	if flags.Has(TaskSupport) {
		return s.in.SupportRoot
	}
	return s.in.Root
}

func sumChunkSizes(chunks []Chunk) int64 {
	var total int64
	for _, c := range chunks {
		total += c.Size
	}
	return total
}

package engine

import (
	"os"
	"path/filepath"
	"testing"
)

func TestBuildPlanEmptyFileCreatesFileTaskOnly(t *testing.T) {
	root := t.TempDir()
	diff := Diff{
		New: []V2DepotFile{{Path: "empty.bin"}},
	}
	plan, err := BuildPlan(PlanInput{Diff: diff, Root: root, SupportRoot: root})
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Tasks) != 1 {
		t.Fatalf("expected exactly one task for an empty file, got %d", len(plan.Tasks))
	}
	ft := plan.Tasks[0].File
	if ft == nil || ft.Path != "empty.bin" || !ft.Flags.Has(TaskCreateFile) {
		t.Fatalf("expected a CreateFile task, got %+v", plan.Tasks[0])
	}
}

func TestBuildPlanNewFileQueuesChunksAndOpensClose(t *testing.T) {
	root := t.TempDir()
	diff := Diff{
		New: []V2DepotFile{{
			Path: "game.bin",
			MD5:  "deadbeef",
			Chunks: []Chunk{
				{MD5: "c1", CompressedMD5: "cc1", Size: 100, CompressedSize: 40},
				{MD5: "c2", CompressedMD5: "cc2", Size: 200, CompressedSize: 80},
			},
		}},
	}
	plan, err := BuildPlan(PlanInput{Diff: diff, Root: root, SupportRoot: root})
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.V2Queue) != 2 {
		t.Fatalf("expected 2 queued chunk downloads, got %d", len(plan.V2Queue))
	}

	var sawOpen, sawClose bool
	chunkCount := 0
	for _, task := range plan.Tasks {
		if task.File != nil && task.File.Flags.Has(TaskOpenFile) {
			sawOpen = true
		}
		if task.File != nil && task.File.Flags.Has(TaskCloseFile) {
			sawClose = true
		}
		if task.Chunk != nil {
			chunkCount++
		}
	}
	if !sawOpen || !sawClose {
		t.Fatalf("expected OPEN_FILE and CLOSE_FILE tasks, got %+v", plan.Tasks)
	}
	if chunkCount != 2 {
		t.Fatalf("expected 2 chunk tasks, got %d", chunkCount)
	}
	if plan.HashMap["game.bin"] != "deadbeef" {
		t.Fatalf("expected hash map to record the whole-file hash, got %q", plan.HashMap["game.bin"])
	}
}

func TestBuildPlanSkipsCompletedJournalEntries(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "done.bin"), []byte("already here"), 0o644); err != nil {
		t.Fatal(err)
	}
	diff := Diff{
		New: []V2DepotFile{{
			Path:   "done.bin",
			MD5:    "feedface",
			Chunks: []Chunk{{MD5: "c1", CompressedMD5: "cc1", Size: 12}},
		}},
	}
	plan, err := BuildPlan(PlanInput{
		Diff:           diff,
		Root:           root,
		SupportRoot:    root,
		JournalEntries: []JournalEntry{{MD5: "feedface", Path: "done.bin"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Tasks) != 0 {
		t.Fatalf("expected a completed, verified journal entry to skip all tasks, got %+v", plan.Tasks)
	}
	if len(plan.V2Queue) != 0 {
		t.Fatalf("expected no queued downloads for a completed file, got %+v", plan.V2Queue)
	}
}

func TestBuildPlanDeletedFileChargesNegative(t *testing.T) {
	root := t.TempDir()
	diff := Diff{
		Deleted: []V1File{{Path: "old.bin", Size: 1024}},
	}
	plan, err := BuildPlan(PlanInput{Diff: diff, Root: root, SupportRoot: root})
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Tasks) != 1 || !plan.Tasks[0].File.Flags.Has(TaskDeleteFile) {
		t.Fatalf("expected a single DeleteFile task, got %+v", plan.Tasks)
	}
	if plan.RequiredDiskDelta != 0 {
		t.Fatalf("a deletion-only plan should never peak above zero, got %d", plan.RequiredDiskDelta)
	}
}

func TestBuildPlanSharedChunkOffloadsToCache(t *testing.T) {
	root := t.TempDir()
	shared := Chunk{MD5: "shared-md5", CompressedMD5: "shared-cc", Size: 50}
	diff := Diff{
		New: []V2DepotFile{
			{Path: "a.bin", MD5: "ahash", Chunks: []Chunk{shared}},
			{Path: "b.bin", MD5: "bhash", Chunks: []Chunk{shared}},
		},
	}
	plan, err := BuildPlan(PlanInput{Diff: diff, Root: root, SupportRoot: root})
	if err != nil {
		t.Fatal(err)
	}
	// The shared chunk should be downloaded once (for the first file to need
	// it) and offloaded to the cache rather than queued twice.
	downloads := 0
	for _, d := range plan.V2Queue {
		if d.CompressedMD5 == "shared-cc" {
			downloads++
		}
	}
	if downloads != 1 {
		t.Fatalf("expected the shared chunk to be queued for download exactly once, got %d", downloads)
	}

	var sawCacheReuse bool
	for _, task := range plan.Tasks {
		if task.Chunk != nil && task.Chunk.OldFile != "" {
			sawCacheReuse = true
		}
	}
	if !sawCacheReuse {
		t.Fatal("expected the second file to reuse the cached chunk instead of downloading it again")
	}
}

func TestBuildPlanFileDiffReusesOldOffsetChunkInPlace(t *testing.T) {
	root := t.TempDir()
	oldOffset := int64(0)
	diff := Diff{
		Changed: []V2DepotFile{{
			Path: "patched.bin",
			MD5:  "newhash",
			Chunks: []Chunk{
				{MD5: "kept", CompressedMD5: "kept-cc", Size: 10, OldOffset: &oldOffset},
				{MD5: "fresh", CompressedMD5: "fresh-cc", Size: 20},
			},
		}},
	}
	plan, err := BuildPlan(PlanInput{Diff: diff, Root: root, SupportRoot: root})
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.V2Queue) != 1 || plan.V2Queue[0].CompressedMD5 != "fresh-cc" {
		t.Fatalf("expected only the non-reused chunk to be queued for download, got %+v", plan.V2Queue)
	}
	var reusedChunk *ChunkTask
	for _, task := range plan.Tasks {
		if task.Chunk != nil && task.Chunk.MD5 == "kept" {
			reusedChunk = task.Chunk
		}
	}
	if reusedChunk == nil || reusedChunk.OldFile != "patched.bin" {
		t.Fatalf("expected the kept chunk to be emitted as an in-place reuse, got %+v", reusedChunk)
	}
}

func TestBuildPlanStaleFileDiffDownloadsEveryChunk(t *testing.T) {
	root := t.TempDir()
	oldOffset := int64(0)
	diff := Diff{
		Changed: []V2DepotFile{{
			Path: "patched.bin",
			MD5:  "newhash",
			Chunks: []Chunk{
				{MD5: "kept", CompressedMD5: "kept-cc", Size: 10, OldOffset: &oldOffset},
				{MD5: "fresh", CompressedMD5: "fresh-cc", Size: 20},
			},
		}},
	}
	plan, err := BuildPlan(PlanInput{
		Diff:        diff,
		Root:        root,
		SupportRoot: root,
		// A journal entry whose MD5 doesn't match the expected hash marks
		// the file stale, so its OldOffset chunk can't be trusted and must
		// be downloaded like any other chunk.
		JournalEntries: []JournalEntry{{Path: "patched.bin", MD5: "stale-hash"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.V2Queue) != 2 {
		t.Fatalf("expected both chunks to be queued for download on a stale file diff, got %+v", plan.V2Queue)
	}
	for _, task := range plan.Tasks {
		if task.Chunk != nil && task.Chunk.OldFile == "patched.bin" {
			t.Fatalf("expected no in-place reuse against a stale file, got %+v", task.Chunk)
		}
	}
}

package engine

import "fmt"

// TaskFlags is the bitset a FileTask carries to tell the writer which
// operations to perform (§4.3). The order in which the writer acts on them
// is fixed by Writer.Process, not by bit position.
type TaskFlags uint32

const (
	TaskSupport TaskFlags = 1 << iota
	TaskOpenFile
	TaskCloseFile
	TaskCreateFile
	TaskCreateSymlink
	TaskRenameFile
	TaskCopyFile
	TaskDeleteFile
	TaskOffloadToCache
	TaskMakeExe
	TaskPatch
	TaskReleaseTemp
	TaskZipDec
	// TaskNoVerify marks an OPEN_FILE/CLOSE_FILE pair whose closed bytes are
	// not the manifest's whole-file content and so must not be checked
	// against the hash map at CLOSE_FILE — the Linux-compressed ".tmp"
	// staging file, whose bytes are the still-compressed payload the
	// post-close ZIP_DEC task expands (§4.4 "Linux file").
	TaskNoVerify
)

func (f TaskFlags) Has(bit TaskFlags) bool { return f&bit != 0 }

// Task is the planner's unit of output. Exactly one of FileTask, ChunkTask,
// or V1Task is non-nil.
type Task struct {
	File  *FileTask
	Chunk *ChunkTask
	V1    *V1Task
}

// FileTask performs a file-boundary operation: open/close/copy/rename/
// delete/chmod/symlink/patch. Dispatched straight to the writer without
// waiting on any chunk download (§4.5).
type FileTask struct {
	Path     string
	Flags    TaskFlags
	OldFlags TaskFlags
	OldFile  string // source path for COPY_FILE/RENAME_FILE/PATCH
	PatchFile string // delta file path for PATCH
}

func (t FileTask) String() string {
	return fmt.Sprintf("FileTask{%s flags=%b old=%q}", t.Path, t.Flags, t.OldFile)
}

// ChunkTask is a V2-shaped chunk to fetch (or to satisfy from OldFile/cache)
// before appending its bytes to the currently open output file.
type ChunkTask struct {
	ProductID      string
	Index          int
	CompressedMD5  string
	MD5            string
	Size           int64
	DownloadSize   int64
	Cleanup        bool
	OffloadToCache bool
	OldOffset      *int64
	OldFile        string
	OldFlags       TaskFlags
}

// ID is the chunk's dedup/identity key used by shared_chunks_counter and the
// ready_chunks map (§9, "uniform id() accessor").
func (c ChunkTask) ID() string { return c.CompressedMD5 }

// V1Task is a byte-range slice of a V1 (or Linux) monolithic-blob file.
type V1Task struct {
	ProductID string
	Index     int
	Offset    int64
	Size      int64
	FileHash  string
}

// ID is the V1 chunk's synthetic identity, since V1 ranges have no content
// address of their own (§3: "file_hash ++ '_' ++ index").
func (t V1Task) ID() string { return fmt.Sprintf("%s_%d", t.FileHash, t.Index) }

package engine

// FileFlags mirrors the vendor manifest's per-file bit flags. Only the bits
// the planner cares about are named; unknown bits are preserved but ignored.
type FileFlags uint32

const (
	// FlagExecutable marks a file that should receive the executable bit
	// after it is written (MAKE_EXE).
	FlagExecutable FileFlags = 1 << iota
	// FlagSupport routes the file into the support (redistributable) tree
	// instead of the main install root.
	FlagSupport
)

// Chunk is a single content-addressed byte range of a V2 depot file.
type Chunk struct {
	MD5             string // hash of the decompressed payload
	CompressedMD5   string // hash of the bytes as they travel over the wire
	Size            int64  // decompressed size
	CompressedSize  int64  // wire size
	OldOffset       *int64 // set when identical bytes already exist in the prior file version
}

// V1File is a monolithic-blob entry (classic GOG V1 manifest, and the Linux
// depot format which additionally carries CompressedSize/Compression).
type V1File struct {
	Path          string
	MD5           string
	Size          int64
	Offset        int64
	ProductID     string
	Flags         FileFlags
	CompressedSize int64  // Linux depot only; 0 for plain V1
	Compression   string // "zip" or "" ; Linux depot only
}

// IsLinux reports whether this entry came from a Linux depot (carries its
// own compressed size distinct from the plain V1 monolithic-blob format).
func (f V1File) IsLinux() bool {
	return f.CompressedSize > 0 || f.Compression != ""
}

// V2DepotFile is an individually content-addressed file described as a list
// of chunks, with an optional whole-file hash for integrity verification.
type V2DepotFile struct {
	Path      string
	ProductID string
	Flags     FileFlags
	MD5       string // whole-file hash, preferred
	SHA256    string // whole-file hash, fallback
	Chunks    []Chunk
}

// IsFileDiff reports whether any chunk in this file carries an OldOffset,
// meaning identical bytes already exist in the previous version of the file
// and can be reused in place instead of re-downloaded.
func (f V2DepotFile) IsFileDiff() bool {
	for _, c := range f.Chunks {
		if c.OldOffset != nil {
			return true
		}
	}
	return false
}

// V2FilePatchDiff describes a binary delta to be downloaded and applied with
// the delta patcher, producing Target from Source.
//
// OldFileSize and OutputSize are not part of the vendor manifest's patch
// diff shape; the planner needs them to compute required_disk_size_delta
// per §4.4 step 4, and the manifest-diffing stage (out of scope here, §1)
// is the natural place to have already sized both files. When left zero,
// the planner falls back to statting OldFile on disk and to summing
// Chunks' sizes, respectively — see DESIGN.md for the reasoning.
type V2FilePatchDiff struct {
	Source      string
	Target      string
	ProductID   string
	Flags       FileFlags
	OldFile     string // path of the prior version on disk, relative to install root
	NewFile     string // path the patch produces, relative to install root
	Chunks      []Chunk
	OldFileSize int64
	OutputSize  int64
}

// Symlink describes a symbolic link entry in the manifest diff.
type Symlink struct {
	Path   string
	Target string
}

// Diff is the planner's input: five disjoint file lists plus links,
// classified by the manifest-diffing stage (out of scope for this module).
type Diff struct {
	Deleted       []V1File
	New           []V2DepotFile
	Changed       []V2DepotFile
	Redist        []V2DepotFile
	RemovedRedist []V1File
	Links         []Symlink

	// V1New/V1Changed hold plain V1/Linux-format entries when the source
	// manifest is a V1 or Linux depot rather than a V2 depot. A given Diff
	// is homogeneous: either the V2 fields above are populated, or these
	// V1 fields are, matching the vendor's per-product manifest format.
	V1New     []V1File
	V1Changed []V1File

	// PatchDiffs holds V2 file-patch-diff entries (§3, "V2 file patch
	// diff") describing files to be produced via delta patching rather
	// than downloaded whole.
	PatchDiffs []V2FilePatchDiff
}

package engine

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"gitlab.com/NebulousLabs/errors"
	"gitlab.com/NebulousLabs/log"
)

// journalFileName is the resume journal's fixed name inside the install
// root (§6).
const journalFileName = ".gogdl-resume"

// JournalEntry is one parsed line of the resume journal: a file's expected
// hash, whether it belongs to the support tree, and its path relative to
// the install root.
type JournalEntry struct {
	MD5     string
	Support bool
	Path    string
}

// journalPath returns the resume journal's absolute path under root.
func journalPath(root string) string {
	return filepath.Join(root, journalFileName)
}

// ReadJournal parses the resume journal if present. A missing file is not
// an error: it is treated identically to an empty journal (§4.4 step 2,
// §12). Malformed lines are logged and skipped rather than aborting the
// read, per §7's "log and continue" directive.
func ReadJournal(root string, logger *log.Logger) ([]JournalEntry, error) {
	f, err := os.Open(journalPath(root))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.AddContext(err, "unable to open resume journal")
	}
	defer f.Close()

	var entries []JournalEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		parts := strings.SplitN(line, ":", 3)
		if len(parts) != 3 {
			if logger != nil {
				logger.Println("resume journal: skipping malformed line:", line)
			}
			continue
		}
		entries = append(entries, JournalEntry{
			MD5:     parts[0],
			Support: parts[1] == "support",
			Path:    parts[2],
		})
	}
	if err := scanner.Err(); err != nil {
		if logger != nil {
			logger.Println("resume journal: read error, continuing as if absent:", err)
		}
		return nil, nil
	}
	return entries, nil
}

// JournalWriter appends completed-file entries to the resume journal. One
// writer per Run; closed (not deleted) on interrupt shutdown so the next
// run can still read it, and removed entirely on clean shutdown.
type JournalWriter struct {
	f    *os.File
	path string
}

// OpenJournalWriter opens the resume journal for appending, creating it if
// necessary.
func OpenJournalWriter(root string) (*JournalWriter, error) {
	path := journalPath(root)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.AddContext(err, "unable to open resume journal for writing")
	}
	return &JournalWriter{f: f, path: path}, nil
}

// Append writes one entry: "<md5>:<support|empty>:<path>\n" (§6).
func (w *JournalWriter) Append(md5 string, support bool, path string) error {
	supportField := ""
	if support {
		supportField = "support"
	}
	line := strings.ToLower(md5) + ":" + supportField + ":" + path + "\n"
	_, err := w.f.WriteString(line)
	if err != nil {
		return errors.AddContext(err, "unable to append to resume journal")
	}
	return w.f.Sync()
}

// Close closes the underlying file handle without deleting the journal,
// used on interrupt shutdown (§4.5).
func (w *JournalWriter) Close() error {
	return w.f.Close()
}

// Delete closes and removes the journal, used on clean shutdown (§4.5,
// §6: "deleted on clean shutdown").
func (w *JournalWriter) Delete() error {
	cerr := w.f.Close()
	rerr := os.Remove(w.path)
	if rerr != nil && os.IsNotExist(rerr) {
		rerr = nil
	}
	return errors.Compose(cerr, rerr)
}

package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// galaxyPath computes the CDN directory-sharded path for a content hash:
// h[0:2]/h[2:4]/h (§6).
func galaxyPath(h string) string {
	if len(h) < 4 {
		return h
	}
	return h[0:2] + "/" + h[2:4] + "/" + h
}

// rangeHeader formats an HTTP Range header value for a byte range starting
// at offset, size bytes long (§4.2, §6).
func rangeHeader(offset, size int64) string {
	return fmt.Sprintf("bytes=%d-%d", offset, offset+size-1)
}

// resolveCaseInsensitive walks path segment by segment under root; at each
// level, if an exact match is not present on disk, it matches the first
// directory entry whose lowercase name equals the requested lowercase
// segment (§6). It returns the resolved absolute path, which may not exist
// yet past the first missing segment (useful for building a path to create).
func resolveCaseInsensitive(root, relPath string) string {
	segments := strings.Split(filepath.ToSlash(relPath), "/")
	current := root
	for i, seg := range segments {
		if seg == "" {
			continue
		}
		resolved, ok := resolveSegment(current, seg)
		if ok {
			current = resolved
		} else {
			// No existing match from here on; append the remaining
			// segments verbatim so callers can still build a creation path.
			current = filepath.Join(append([]string{current}, segments[i:]...)...)
			break
		}
	}
	return current
}

// resolveSegment finds an existing child of dir matching seg exactly, or
// failing that, case-insensitively. Returns ok=false if neither exists.
func resolveSegment(dir, seg string) (string, bool) {
	exact := filepath.Join(dir, seg)
	if _, err := os.Lstat(exact); err == nil {
		return exact, true
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	lower := strings.ToLower(seg)
	for _, e := range entries {
		if strings.ToLower(e.Name()) == lower {
			return filepath.Join(dir, e.Name()), true
		}
	}
	return "", false
}

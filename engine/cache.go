package engine

import (
	"os"
	"path/filepath"

	"gitlab.com/NebulousLabs/errors"
)

// cacheDirName is the chunk cache's directory name inside the install root
// (§6). Unlike the scratch pool, the cache has no subdirectories: one file
// per content hash.
const cacheDirName = ".gogdl-download-cache"

// ChunkCache is the on-disk, content-addressed staging area for chunks
// referenced more than once within a single plan (§3, "Chunk cache").
type ChunkCache struct {
	dir string
}

// NewChunkCache ensures the cache directory exists under root and returns a
// handle to it.
func NewChunkCache(root string) (*ChunkCache, error) {
	dir := filepath.Join(root, cacheDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.AddContext(err, "unable to create chunk cache directory")
	}
	return &ChunkCache{dir: dir}, nil
}

// Path returns the on-disk path a cache entry for the given decompressed
// md5 would occupy, whether or not it currently exists.
func (c *ChunkCache) Path(md5 string) string {
	return filepath.Join(c.dir, md5)
}

// Has reports whether a cache entry already exists for md5.
func (c *ChunkCache) Has(md5 string) bool {
	_, err := os.Stat(c.Path(md5))
	return err == nil
}

// Remove deletes a cache entry. Missing entries are not an error: the
// orchestrator may issue a DELETE_FILE for an entry that was never
// materialized if accounting and reality briefly disagree during shutdown.
func (c *ChunkCache) Remove(md5 string) error {
	err := os.Remove(c.Path(md5))
	if err != nil && !os.IsNotExist(err) {
		return errors.AddContext(err, "unable to remove cache entry")
	}
	return nil
}

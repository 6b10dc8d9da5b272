package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/kardianos/osext"
	"gitlab.com/NebulousLabs/errors"
)

// DefaultScratchParent returns the running executable's directory, an
// opt-in parent for the scratch pool's temp directory, falling back to
// os.TempDir() if the executable's own location can't be resolved (same
// self-location use the teacher has osext for, locating the binary for
// update bookkeeping). The engine never picks it on its own: an empty
// Config.ScratchParent makes NewScratchPool use os.TempDir().
func DefaultScratchParent() string {
	dir, err := osext.ExecutableFolder()
	if err != nil {
		return os.TempDir()
	}
	return dir
}

// ScratchPool is a fixed-size deque of on-disk buffer paths inside a
// process-private temp directory, sized at 4*workerCount (§4.1, §3). A path
// is exclusively owned by whoever dequeued it until Release returns it to
// the pool head.
type ScratchPool struct {
	mu   sync.Mutex
	dir  string
	free []string
}

// NewScratchPool creates the backing temp directory (prefix "gogdl_", per
// §6) and pre-populates size reusable buffer paths.
func NewScratchPool(parent string, size int) (*ScratchPool, error) {
	dir, err := os.MkdirTemp(parent, "gogdl_")
	if err != nil {
		return nil, errors.AddContext(err, "unable to create scratch directory")
	}
	p := &ScratchPool{dir: dir}
	for i := 0; i < size; i++ {
		p.free = append(p.free, filepath.Join(dir, fmt.Sprintf("chunk_%d.tmp", i)))
	}
	return p, nil
}

// Dir returns the scratch pool's backing directory.
func (p *ScratchPool) Dir() string { return p.dir }

// TryAcquire is non-blocking: it returns ("", false) immediately if no
// buffer is free. Callers wait on an external readiness signal instead of
// blocking inside the pool (§4.1, §5 temp_cond).
func (p *ScratchPool) TryAcquire() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return "", false
	}
	path := p.free[0]
	p.free = p.free[1:]
	return path, true
}

// Release returns path to the pool head, making it the next buffer handed
// out by TryAcquire.
func (p *ScratchPool) Release(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append([]string{path}, p.free...)
}

// Len reports the number of currently free buffers, for tests and metrics.
func (p *ScratchPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Close removes the backing temp directory and everything still in it.
func (p *ScratchPool) Close() error {
	return os.RemoveAll(p.dir)
}

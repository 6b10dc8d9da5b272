package engine

import (
	"syscall"

	"gitlab.com/NebulousLabs/errors"
)

// CheckFreeSpace is the pre-flight gate of §4.4 step 6 / §6: a plan whose
// RequiredDiskDelta exceeds the free space available at root refuses to
// run, with no side effects. A negative or zero delta (net space freed)
// always passes.
func CheckFreeSpace(requiredDelta int64, root string) (bool, error) {
	if requiredDelta <= 0 {
		return true, nil
	}
	var stat syscall.Statfs_t
	if err := syscall.Statfs(root, &stat); err != nil {
		return false, errors.AddContext(err, "unable to stat filesystem for free-space check")
	}
	available := int64(stat.Bavail) * int64(stat.Bsize)
	return available >= requiredDelta, nil
}

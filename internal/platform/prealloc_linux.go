//go:build linux

package platform

import (
	"os"

	"golang.org/x/sys/unix"
)

// preallocate reserves room for the bytes about to land at off. Errors
// are ignored, not every filesystem supports fallocate.
func preallocate(fd *os.File, off, size int64) {
	_ = unix.Fallocate(int(fd.Fd()), 0, off, size)
}

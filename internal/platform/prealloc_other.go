//go:build !linux

package platform

import "os"

// preallocate is a no-op where fallocate(2) is unavailable.
func preallocate(_ *os.File, _, _ int64) {}

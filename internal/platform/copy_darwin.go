//go:build darwin

package platform

import (
	"golang.org/x/sys/unix"
)

// CopyFile clones the file when it can and falls back to read/write.
// clonefile(2) only produces whole-file copies, so any offset or length
// trim disqualifies it.
func CopyFile(params CopyFileParams) (CopyResult, error) {
	if params.SrcOffset == 0 && params.DstOffset == 0 && params.Length == 0 {
		err := unix.Clonefile(params.SrcPath, params.DstFd.Name(), 0)
		if err == nil {
			return CopyResult{BytesWritten: params.SrcSize, Method: Clonefile}, nil
		}
		if !isFallbackCloneErr(err) {
			return CopyResult{}, err
		}
	}

	preallocate(params.DstFd, params.DstOffset, copyLength(params))
	return copyReadWrite(params)
}

func isFallbackCloneErr(err error) bool {
	switch err {
	case unix.ENOTSUP, unix.EXDEV, unix.EEXIST:
		return true
	}
	return false
}

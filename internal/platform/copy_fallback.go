//go:build !linux && !darwin

package platform

// CopyFile uses plain read/write where no faster primitive is wired up.
func CopyFile(params CopyFileParams) (CopyResult, error) {
	preallocate(params.DstFd, params.DstOffset, copyLength(params))
	return copyReadWrite(params)
}

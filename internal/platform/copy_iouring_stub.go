//go:build !linux

package platform

// IOURingCopier is inert off Linux.
type IOURingCopier struct{}

// NewIOURingCopier always returns (nil, nil) off Linux.
func NewIOURingCopier(_ uint) (*IOURingCopier, error) {
	return nil, nil
}

func (c *IOURingCopier) Close() error { return nil }

func (c *IOURingCopier) CopyFile(_ CopyFileParams) (CopyResult, error) {
	return CopyResult{}, nil
}

// KernelSupportsIOURing always returns false off Linux.
func KernelSupportsIOURing() bool {
	return false
}

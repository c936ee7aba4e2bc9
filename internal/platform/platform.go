// Package platform picks the fastest copy primitive the running kernel
// offers. Callers describe a copy once and CopyFile works down a ladder
// of candidates, moving to the next rung whenever a syscall is not
// supported by the kernel or by the filesystem pair involved.
package platform

import "os"

// CopyMethod identifies the primitive that performed a copy.
type CopyMethod int

const (
	ReadWrite     CopyMethod = iota
	CopyFileRange            // Linux copy_file_range(2)
	Sendfile                 // Linux sendfile(2)
	IOURing                  // Linux io_uring
	Clonefile                // macOS clonefile(2)
)

func (m CopyMethod) String() string {
	switch m {
	case ReadWrite:
		return "read_write"
	case CopyFileRange:
		return "copy_file_range"
	case Sendfile:
		return "sendfile"
	case IOURing:
		return "io_uring"
	case Clonefile:
		return "clonefile"
	default:
		return "unknown"
	}
}

// CopyResult reports how many bytes landed and through which primitive.
type CopyResult struct {
	BytesWritten int64
	Method       CopyMethod
}

// CopyFileParams describes one copy. Data is read from SrcPath starting
// at SrcOffset and written to DstFd starting at DstOffset; the two need
// not match, shipping the tail of a growing file reads mid-source and
// writes a fresh file from the top. A zero Length means through the end
// of the source.
type CopyFileParams struct {
	DstFd     *os.File
	SrcPath   string
	SrcOffset int64
	DstOffset int64
	SrcSize   int64
	Length    int64
}

// copyLength is the effective byte count a copy moves.
func copyLength(params CopyFileParams) int64 {
	if params.Length > 0 {
		return params.Length
	}
	return params.SrcSize - params.SrcOffset
}

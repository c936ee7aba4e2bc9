package sf

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/holger24/afd/internal/config"
	"github.com/holger24/afd/internal/platform"
)

// conn is one session to a delivery destination. Batches of the same host
// reuse it across bursts; any error tears the worker down and the retry
// reconnects through a fresh worker.
type conn interface {
	// use enters the target directory of a job, creating it if needed.
	use(dir string) error
	// createTemp opens a hidden temporary next to the final name.
	createTemp(name string) (io.WriteCloser, string, error)
	rename(old, new string) error
	remove(name string) error
	// open reads a delivered file back for verification.
	open(name string) (io.ReadCloser, error)
	close() error
}

// wholePutter is the fast path a connection may offer for plain files:
// hand over the whole source at once instead of streaming it.
type wholePutter interface {
	putWhole(src string, size int64, name string) (tmp string, n int64, err error)
}

// locConn delivers into a directory on the local filesystem.
type locConn struct {
	dir  string
	ring *platform.IOURingCopier // nil without io_uring
}

func newLocConn(cfg config.Config) (*locConn, error) {
	c := &locConn{}
	if cfg.FD.UseIOURing {
		ring, err := platform.NewIOURingCopier(64)
		if err != nil {
			return nil, fmt.Errorf("io_uring setup: %w", err)
		}
		c.ring = ring // stays nil on kernels without support
	}
	return c, nil
}

func (c *locConn) use(dir string) error {
	c.dir = dir
	return os.MkdirAll(dir, 0o755)
}

func (c *locConn) createTemp(name string) (io.WriteCloser, string, error) {
	tmp := tmpName(name)
	p := filepath.Join(c.dir, tmp)
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, "", err
	}
	registerTmp(p)
	return f, tmp, nil
}

func (c *locConn) rename(old, new string) error {
	p := filepath.Join(c.dir, old)
	if err := os.Rename(p, filepath.Join(c.dir, new)); err != nil {
		return err
	}
	deregisterTmp(p)
	return nil
}

func (c *locConn) remove(name string) error {
	p := filepath.Join(c.dir, name)
	err := os.Remove(p)
	deregisterTmp(p)
	return err
}

func (c *locConn) open(name string) (io.ReadCloser, error) {
	return os.Open(filepath.Join(c.dir, name))
}

func (c *locConn) close() error {
	if c.ring != nil {
		return c.ring.Close()
	}
	return nil
}

// putWhole copies the whole source through the kernel, the ring when the
// worker carries one and the copy ladder otherwise.
func (c *locConn) putWhole(src string, size int64, name string) (string, int64, error) {
	tmp := tmpName(name)
	p := filepath.Join(c.dir, tmp)
	out, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", 0, err
	}
	registerTmp(p)

	params := platform.CopyFileParams{DstFd: out, SrcPath: src, SrcSize: size}
	var res platform.CopyResult
	if c.ring != nil {
		res, err = c.ring.CopyFile(params)
	} else {
		res, err = platform.CopyFile(params)
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(p)
		deregisterTmp(p)
		return "", 0, err
	}
	return tmp, res.BytesWritten, nil
}

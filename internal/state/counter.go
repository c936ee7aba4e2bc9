package state

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// counterWrap keeps unique numbers within six hex digits.
const counterWrap = 1 << 24

// Counter is the shared unique-number file. Every process that builds batch
// or message names draws from it; an fcntl lock over the 4-byte value makes
// the read-increment-write atomic across processes, and a mutex covers
// goroutines of the same process, which fcntl locks do not separate.
type Counter struct {
	mu sync.Mutex
	f  *os.File
}

// OpenCounter opens or creates the counter file.
func OpenCounter(path string) (*Counter, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open counter: %w", err)
	}
	if err := f.Truncate(4); err != nil {
		f.Close()
		return nil, fmt.Errorf("size counter: %w", err)
	}
	return &Counter{f: f}, nil
}

// Next returns the next unique number.
func (c *Counter) Next() (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	lk := unix.Flock_t{Type: unix.F_WRLCK, Whence: 0, Start: 0, Len: 4}
	if err := unix.FcntlFlock(c.f.Fd(), unix.F_SETLKW, &lk); err != nil {
		return 0, fmt.Errorf("lock counter: %w", err)
	}
	defer func() {
		lk.Type = unix.F_UNLCK
		unix.FcntlFlock(c.f.Fd(), unix.F_SETLK, &lk)
	}()

	var buf [4]byte
	if _, err := c.f.ReadAt(buf[:], 0); err != nil {
		return 0, fmt.Errorf("read counter: %w", err)
	}
	n := getU32(buf[:], 0)
	next := (n + 1) % counterWrap
	putU32(buf[:], 0, next)
	if _, err := c.f.WriteAt(buf[:], 0); err != nil {
		return 0, fmt.Errorf("write counter: %w", err)
	}
	return n, nil
}

func (c *Counter) Close() error { return c.f.Close() }

package state

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Heartbeat is a tiny mapped counter the supervisor increments on every loop
// pass. A monitor that sees the same value across its staleness window knows
// the supervisor is wedged even though the process still exists.
type Heartbeat struct {
	f *os.File
	m []byte
}

// OpenHeartbeat opens or creates the heartbeat file.
func OpenHeartbeat(path string) (*Heartbeat, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open heartbeat: %w", err)
	}
	if err := f.Truncate(8); err != nil {
		f.Close()
		return nil, fmt.Errorf("size heartbeat: %w", err)
	}
	m, err := unix.Mmap(int(f.Fd()), 0, 8, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap heartbeat: %w", err)
	}
	return &Heartbeat{f: f, m: m}, nil
}

// Beat increments the counter.
func (h *Heartbeat) Beat() { putU64(h.m, 0, getU64(h.m, 0)+1) }

// Value returns the current counter.
func (h *Heartbeat) Value() uint64 { return getU64(h.m, 0) }

func (h *Heartbeat) Close() error {
	if h.m != nil {
		if err := unix.Munmap(h.m); err != nil {
			h.f.Close()
			return fmt.Errorf("munmap heartbeat: %w", err)
		}
		h.m = nil
	}
	return h.f.Close()
}

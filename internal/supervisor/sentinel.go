package supervisor

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// ErrAlreadyRunning reports that another supervisor holds the active
// sentinel. Callers map it to exit code 3.
var ErrAlreadyRunning = errors.New("another instance is already running")

// Sentinel is the fifo/AFD_ACTIVE file. The file alone is not proof of a
// running instance, it survives a crash; the flock on the open descriptor
// is. Creation is exclusive where possible, and a leftover file from a
// crashed predecessor is taken over by acquiring its lock.
type Sentinel struct {
	f    *os.File
	path string
}

// AcquireSentinel claims the active file or reports ErrAlreadyRunning. The
// descriptor stays open for the supervisor's lifetime to hold the lock.
func AcquireSentinel(path string) (*Sentinel, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, os.ErrExist) {
		f, err = os.OpenFile(path, os.O_WRONLY, 0o644)
	}
	if err != nil {
		return nil, fmt.Errorf("open active file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrAlreadyRunning
		}
		return nil, fmt.Errorf("lock active file: %w", err)
	}
	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncate active file: %w", err)
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("write active file: %w", err)
	}
	return &Sentinel{f: f, path: path}, nil
}

// Pid reads the process id recorded in an active file. It does not say
// whether that process still runs.
func Pid(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(string(trimNL(b)))
	if err != nil {
		return 0, fmt.Errorf("active file %s: %w", path, err)
	}
	return pid, nil
}

func trimNL(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}

// Release unlinks the sentinel and closes the descriptor, dropping the
// lock. This is the last step of a shutdown.
func (s *Sentinel) Release() error {
	err := os.Remove(s.path)
	if cerr := s.f.Close(); err == nil {
		err = cerr
	}
	return err
}

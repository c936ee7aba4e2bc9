package fifo

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// PipeBuf is the POSIX atomicity guarantee for pipe writes. Records written
// in a single write of at most this size are never interleaved.
const PipeBuf = 4096

// ErrTimeout is returned by deadline-bounded reads when the deadline passes
// before any data arrives.
var ErrTimeout = errors.New("fifo: read timeout")

// Pipe is a named pipe held open with a read+write descriptor. Opening both
// ends from one descriptor means the pipe never reports EOF when the last
// producer dies, which is the behaviour every AFD fifo relies on.
type Pipe struct {
	f    *os.File
	path string
}

// Create makes the fifo node if it does not exist yet.
func Create(path string) error {
	err := unix.Mkfifo(path, 0o644)
	if err != nil && !errors.Is(err, unix.EEXIST) {
		return fmt.Errorf("mkfifo %s: %w", path, err)
	}
	return nil
}

// Open opens an existing fifo read+write in non-blocking mode so the runtime
// poller can enforce read deadlines.
func Open(path string) (*Pipe, error) {
	f, err := os.OpenFile(path, os.O_RDWR|syscall.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("open fifo %s: %w", path, err)
	}
	return &Pipe{f: f, path: path}, nil
}

// OpenOrCreate creates the fifo node if needed and opens it.
func OpenOrCreate(path string) (*Pipe, error) {
	if err := Create(path); err != nil {
		return nil, err
	}
	return Open(path)
}

func (p *Pipe) Path() string { return p.path }

func (p *Pipe) Close() error { return p.f.Close() }

// Read blocks until data arrives or the pipe is closed.
func (p *Pipe) Read(b []byte) (int, error) {
	if err := p.f.SetReadDeadline(time.Time{}); err != nil {
		return 0, err
	}
	return p.f.Read(b)
}

// ReadDeadline reads with a bounded wait. A deadline that passes with no data
// yields ErrTimeout; callers unwind normally instead of aborting the process.
func (p *Pipe) ReadDeadline(b []byte, d time.Duration) (int, error) {
	if err := p.f.SetReadDeadline(time.Now().Add(d)); err != nil {
		return 0, err
	}
	n, err := p.f.Read(b)
	if err != nil && errors.Is(err, os.ErrDeadlineExceeded) {
		return n, ErrTimeout
	}
	return n, err
}

// Write writes the whole buffer. Writes of at most PipeBuf bytes are atomic.
func (p *Pipe) Write(b []byte) (int, error) {
	return p.f.Write(b)
}

// WriteByte sends a single-byte verb.
func (p *Pipe) WriteByte(c byte) error {
	_, err := p.f.Write([]byte{c})
	return err
}

// ReadByte receives a single-byte verb, waiting up to d.
func (p *Pipe) ReadByte(d time.Duration) (byte, error) {
	var buf [1]byte
	n, err := p.ReadDeadline(buf[:], d)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrTimeout
	}
	return buf[0], nil
}

// Drain discards whatever is currently buffered in the pipe.
func (p *Pipe) Drain() {
	buf := make([]byte, PipeBuf)
	for {
		if err := p.f.SetReadDeadline(time.Now()); err != nil {
			return
		}
		if _, err := p.f.Read(buf); err != nil {
			return
		}
	}
}

// Send opens the fifo, writes one verb byte and closes it again. Used by
// short-lived callers (the stop subcommand, supervisor pokes).
func Send(path string, c byte) error {
	p, err := Open(path)
	if err != nil {
		return err
	}
	defer p.Close()
	return p.WriteByte(c)
}

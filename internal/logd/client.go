package logd

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/holger24/afd/internal/fifo"
)

// LineClient writes newline-terminated records to a line-framed log pipe.
// It satisfies io.Writer so it can sit under a slog handler; every Write is
// expected to carry one complete record.
type LineClient struct {
	p *fifo.Pipe
}

// NewLineClient opens the pipe at path, creating it if needed.
func NewLineClient(path string) (*LineClient, error) {
	p, err := fifo.OpenOrCreate(path)
	if err != nil {
		return nil, err
	}
	return &LineClient{p: p}, nil
}

// Write passes one newline-terminated record through to the pipe.
func (c *LineClient) Write(b []byte) (int, error) {
	if len(b) > fifo.PipeBuf {
		return 0, fmt.Errorf("log record of %d bytes exceeds pipe capacity", len(b))
	}
	return c.p.Write(b)
}

// Record writes s as one record, adding the terminating newline.
func (c *LineClient) Record(s string) error {
	if !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	_, err := c.Write([]byte(s))
	return err
}

func (c *LineClient) Close() error { return c.p.Close() }

// FrameClient writes [u16 length][payload] records to a framed log pipe.
type FrameClient struct {
	p *fifo.Pipe
}

// NewFrameClient opens the pipe at path, creating it if needed.
func NewFrameClient(path string) (*FrameClient, error) {
	p, err := fifo.OpenOrCreate(path)
	if err != nil {
		return nil, err
	}
	return &FrameClient{p: p}, nil
}

// Record writes one framed payload in a single pipe write so concurrent
// producers never interleave.
func (c *FrameClient) Record(payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("empty log record")
	}
	if len(payload) > fifo.PipeBuf-2 {
		return fmt.Errorf("log record of %d bytes exceeds pipe capacity", len(payload))
	}
	buf := make([]byte, 2+len(payload))
	binary.LittleEndian.PutUint16(buf, uint16(len(payload)))
	copy(buf[2:], payload)
	_, err := c.p.Write(buf)
	return err
}

func (c *FrameClient) Close() error { return c.p.Close() }

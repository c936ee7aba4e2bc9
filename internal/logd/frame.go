package logd

import (
	"bytes"
	"encoding/binary"
)

// accumulator reassembles records from partial pipe reads. Framed mode
// expects [u16 little-endian length][payload]; line mode splits on newlines.
// Input that cannot form a valid record within the pipe capacity is declared
// corrupt and the buffered bytes are dropped.
type accumulator struct {
	buf    []byte
	limit  int
	framed bool
}

// feed consumes p, calling emit for every completed payload. It reports
// whether corrupt input was discarded.
func (a *accumulator) feed(p []byte, emit func(payload []byte)) bool {
	a.buf = append(a.buf, p...)
	if a.framed {
		return a.feedFramed(emit)
	}
	return a.feedLines(emit)
}

func (a *accumulator) feedFramed(emit func([]byte)) bool {
	corrupt := false
	for {
		if len(a.buf) < 2 {
			break
		}
		n := int(binary.LittleEndian.Uint16(a.buf))
		// A producer write is [2 bytes length][payload] in one atomic
		// write, so a valid record never exceeds the pipe capacity.
		if n == 0 || n > a.limit-2 {
			a.buf = a.buf[:0]
			corrupt = true
			break
		}
		if len(a.buf) < 2+n {
			break
		}
		emit(a.buf[2 : 2+n])
		a.buf = a.buf[2+n:]
	}
	if len(a.buf) >= a.limit {
		a.buf = a.buf[:0]
		corrupt = true
	}
	return corrupt
}

func (a *accumulator) feedLines(emit func([]byte)) bool {
	for {
		i := bytes.IndexByte(a.buf, '\n')
		if i < 0 {
			break
		}
		if i > 0 {
			emit(a.buf[:i])
		}
		a.buf = a.buf[i+1:]
	}
	if len(a.buf) >= a.limit {
		a.buf = a.buf[:0]
		return true
	}
	return false
}

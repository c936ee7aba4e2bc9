package state

import (
	"bytes"
	"encoding/binary"
	"math"
)

// layoutBuilder hands out field offsets the way a C compiler would lay out a
// struct: natural alignment per field, total size rounded up to 8. Record
// layouts are built once at package init so the on-disk offsets and the
// header's struct-size check always agree.
type layoutBuilder struct {
	off int
}

func (b *layoutBuilder) field(size, align int) int {
	for b.off%align != 0 {
		b.off++
	}
	off := b.off
	b.off += size
	return off
}

func (b *layoutBuilder) u8() int        { return b.field(1, 1) }
func (b *layoutBuilder) u32() int       { return b.field(4, 4) }
func (b *layoutBuilder) u64() int       { return b.field(8, 8) }
func (b *layoutBuilder) i64() int       { return b.field(8, 8) }
func (b *layoutBuilder) chars(n int) int { return b.field(n, 1) }

func (b *layoutBuilder) size() int {
	sz := b.off
	for sz%8 != 0 {
		sz++
	}
	return sz
}

// cstr reads a NUL-terminated string from a fixed-size byte field.
func cstr(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

// setCstr writes s into a fixed-size field, truncating to leave room for the
// terminating NUL and zeroing the remainder.
func setCstr(b []byte, s string) {
	if len(s) >= len(b) {
		s = s[:len(b)-1]
	}
	n := copy(b, s)
	for i := n; i < len(b); i++ {
		b[i] = 0
	}
}

func getU32(b []byte, off int) uint32     { return binary.LittleEndian.Uint32(b[off:]) }
func putU32(b []byte, off int, v uint32)  { binary.LittleEndian.PutUint32(b[off:], v) }
func getU64(b []byte, off int) uint64     { return binary.LittleEndian.Uint64(b[off:]) }
func putU64(b []byte, off int, v uint64)  { binary.LittleEndian.PutUint64(b[off:], v) }
func getI64(b []byte, off int) int64      { return int64(binary.LittleEndian.Uint64(b[off:])) }
func putI64(b []byte, off int, v int64)   { binary.LittleEndian.PutUint64(b[off:], uint64(v)) }
func getF64(b []byte, off int) float64    { return math.Float64frombits(getU64(b, off)) }
func putF64(b []byte, off int, v float64) { putU64(b, off, math.Float64bits(v)) }

package state

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// Shared-state areas are plain files mapped MAP_SHARED into every process
// that needs them. Each area starts with a fixed 16-byte header so an
// attaching process can tell whether the file was written by a compatible
// build before it touches any record.
//
//	offset 0  magic   [4]byte "AFDS"
//	offset 4  version uint16
//	offset 6  size    uint32   record struct size
//	offset 10 flags   uint32   feature bits, tail blocks
//	offset 14 _       uint16   reserved
//
// After the header follow a generation counter, the record count and the
// record array. Feature-flagged tail blocks sit behind the records.

const (
	headerLen   = 16
	magicLen    = 4
	areaMetaLen = headerLen + 8 // header + generation u32 + count u32
	AreaVersion = 1
)

var areaMagic = [magicLen]byte{'A', 'F', 'D', 'S'}

// Feature flag bits. An attaching process must know every bit that is set.
const (
	// FeatureRates appends a per-record transfer-rate tail block.
	FeatureRates uint32 = 1 << 0

	knownFeatures = FeatureRates
)

// ErrIncompatibleLayout is wrapped by Attach when the on-disk header does not
// match this build. The caller decides whether to recreate the area.
var ErrIncompatibleLayout = errors.New("incompatible state area layout")

// Area is one mapped state file.
type Area struct {
	f    *os.File
	m    []byte
	path string

	head    int // fixed global section between meta and records
	recSize int
	tailRec int // tail bytes per record, 0 without FeatureRates

	mu sync.Mutex // serializes region locks; one fcntl lock held at a time
}

type areaSpec struct {
	version uint16
	head    int
	recSize int
	flags   uint32
	tailRec int
}

func areaSize(spec areaSpec, n int) int {
	sz := areaMetaLen + spec.head + n*spec.recSize
	if spec.flags&FeatureRates != 0 {
		sz += n * spec.tailRec
	}
	return sz
}

// create writes a fresh area file with n zeroed records and maps it.
func create(path string, spec areaSpec, n int) (*Area, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create state area: %w", err)
	}
	if err := f.Truncate(int64(areaSize(spec, n))); err != nil {
		f.Close()
		return nil, fmt.Errorf("size state area: %w", err)
	}
	a, err := attachFile(f, path, spec)
	if err != nil {
		f.Close()
		return nil, err
	}
	copy(a.m[0:], areaMagic[:])
	putU16(a.m, 4, spec.version)
	putU32(a.m, 6, uint32(spec.recSize))
	putU32(a.m, 10, spec.flags)
	putU32(a.m, headerLen, 1) // generation starts at 1
	putU32(a.m, headerLen+4, uint32(n))
	return a, nil
}

// attach maps an existing area file and verifies its header.
func attach(path string, spec areaSpec) (*Area, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open state area: %w", err)
	}
	a, err := attachFile(f, path, spec)
	if err != nil {
		f.Close()
		return nil, err
	}
	if err := a.verify(spec); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func attachFile(f *os.File, path string, spec areaSpec) (*Area, error) {
	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat state area: %w", err)
	}
	if st.Size() < areaMetaLen {
		return nil, fmt.Errorf("%s: %w: file too small", path, ErrIncompatibleLayout)
	}
	m, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap state area: %w", err)
	}
	return &Area{
		f:       f,
		m:       m,
		path:    path,
		head:    spec.head,
		recSize: spec.recSize,
		tailRec: spec.tailRec,
	}, nil
}

func (a *Area) verify(spec areaSpec) error {
	if [magicLen]byte(a.m[0:magicLen]) != areaMagic {
		return fmt.Errorf("%s: %w: bad magic", a.path, ErrIncompatibleLayout)
	}
	if v := getU16(a.m, 4); v != spec.version {
		return fmt.Errorf("%s: %w: version %d, want %d", a.path, ErrIncompatibleLayout, v, spec.version)
	}
	if sz := getU32(a.m, 6); sz != uint32(spec.recSize) {
		return fmt.Errorf("%s: %w: record size %d, want %d", a.path, ErrIncompatibleLayout, sz, spec.recSize)
	}
	flags := getU32(a.m, 10)
	if flags&^knownFeatures != 0 {
		return fmt.Errorf("%s: %w: unknown feature flags %#x", a.path, ErrIncompatibleLayout, flags&^knownFeatures)
	}
	if flags != spec.flags {
		return fmt.Errorf("%s: %w: feature flags %#x, want %#x", a.path, ErrIncompatibleLayout, flags, spec.flags)
	}
	want := areaSize(spec, a.Count())
	if len(a.m) != want {
		return fmt.Errorf("%s: %w: size %d, want %d", a.path, ErrIncompatibleLayout, len(a.m), want)
	}
	return nil
}

// Generation returns the area generation. It is bumped whenever records are
// rebuilt so attached readers can notice and re-resolve positions.
func (a *Area) Generation() uint32 { return getU32(a.m, headerLen) }

// Count returns the number of records.
func (a *Area) Count() int { return int(getU32(a.m, headerLen+4)) }

// Flags returns the feature flag bits.
func (a *Area) Flags() uint32 { return getU32(a.m, 10) }

// global returns the fixed head section.
func (a *Area) global() []byte {
	return a.m[areaMetaLen : areaMetaLen+a.head]
}

func (a *Area) record(i int) []byte {
	off := areaMetaLen + a.head + i*a.recSize
	return a.m[off : off+a.recSize]
}

// tail returns record i's slice of the FeatureRates tail block.
func (a *Area) tail(i int) []byte {
	off := areaMetaLen + a.head + a.Count()*a.recSize + i*a.tailRec
	return a.m[off : off+a.tailRec]
}

// Sync flushes the mapping to disk.
func (a *Area) Sync() error {
	if err := unix.Msync(a.m, unix.MS_SYNC); err != nil {
		return fmt.Errorf("msync %s: %w", a.path, err)
	}
	return nil
}

// Close unmaps and closes the area. The file stays behind for the next start.
func (a *Area) Close() error {
	if a.m != nil {
		if err := unix.Munmap(a.m); err != nil {
			a.f.Close()
			return fmt.Errorf("munmap %s: %w", a.path, err)
		}
		a.m = nil
	}
	return a.f.Close()
}

// LockRecord takes a blocking write lock on record i and returns the unlock
// function. The in-process mutex serializes callers so this process never
// holds more than one region lock, which keeps cross-process ordering free of
// lock-order deadlocks.
func (a *Area) LockRecord(i int) (func(), error) {
	return a.lockRange(int64(areaMetaLen+a.head+i*a.recSize), int64(a.recSize))
}

// LockHeader locks the header and meta region, used while rebuilding records.
func (a *Area) LockHeader() (func(), error) {
	return a.lockRange(0, areaMetaLen)
}

func (a *Area) lockRange(off, n int64) (func(), error) {
	a.mu.Lock()
	lk := unix.Flock_t{Type: unix.F_WRLCK, Whence: 0, Start: off, Len: n}
	if err := unix.FcntlFlock(a.f.Fd(), unix.F_SETLKW, &lk); err != nil {
		a.mu.Unlock()
		return nil, fmt.Errorf("lock %s [%d,+%d): %w", a.path, off, n, err)
	}
	return func() {
		lk := unix.Flock_t{Type: unix.F_UNLCK, Whence: 0, Start: off, Len: n}
		unix.FcntlFlock(a.f.Fd(), unix.F_SETLK, &lk)
		a.mu.Unlock()
	}, nil
}

func getU16(b []byte, off int) uint16 {
	return uint16(b[off]) | uint16(b[off+1])<<8
}

func putU16(b []byte, off int, v uint16) {
	b[off] = byte(v)
	b[off+1] = byte(v >> 8)
}

package state

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/holger24/afd/internal/config"
)

// Directory status bits in the FRA record.
const (
	// DirDisabled skips the directory during scans.
	DirDisabled uint32 = 1 << 0
	// DirMaxCopied means the last batch hit a cap and files are still
	// waiting; the scanner revisits without waiting for the next pass.
	DirMaxCopied uint32 = 1 << 1
	// DirScanNeeded is raised by the change watcher for event directories.
	DirScanNeeded uint32 = 1 << 2
	// DirWarnRaised marks that the no-arrivals warning has been logged.
	DirWarnRaised uint32 = 1 << 3
	// DirInfoRaised marks that the no-arrivals notice has been logged.
	DirInfoRaised uint32 = 1 << 4
	// DirNotAccessible is set while the source directory cannot be read.
	DirNotAccessible uint32 = 1 << 5
)

const (
	dirAliasLen = 40
	dirPathLen  = 256
)

type fraOffsets struct {
	alias int
	path  int

	scanMode    int
	acceptDot   int
	forceReread int

	status        int
	errorCounter  int
	maxErrors     int
	maxProcess    int
	activeProcess int

	maxCopiedFiles    int
	maxCopiedFileSize int

	deleteUnknownAge int
	deleteQueuedAge  int
	warnTime         int
	infoTime         int

	ignoreSizeOp  int
	ignoreTimeOp  int
	ignoreSizeVal int
	ignoreTimeVal int

	dev int

	lastScan     int
	lastArrival  int
	nextSchedule int

	filesInDir int
	bytesInDir int

	filesReceived int
	bytesReceived int
}

var (
	fraOff  fraOffsets
	fraSpec areaSpec
)

func init() {
	var b layoutBuilder
	fraOff = fraOffsets{
		alias: b.chars(dirAliasLen),
		path:  b.chars(dirPathLen),

		scanMode:    b.u8(),
		acceptDot:   b.u8(),
		forceReread: b.u8(),

		status:        b.u32(),
		errorCounter:  b.u32(),
		maxErrors:     b.u32(),
		maxProcess:    b.u32(),
		activeProcess: b.u32(),

		maxCopiedFiles:    b.u32(),
		maxCopiedFileSize: b.u64(),

		deleteUnknownAge: b.u32(),
		deleteQueuedAge:  b.u32(),
		warnTime:         b.u32(),
		infoTime:         b.u32(),

		ignoreSizeOp:  b.u8(),
		ignoreTimeOp:  b.u8(),
		ignoreSizeVal: b.i64(),
		ignoreTimeVal: b.i64(),

		dev: b.u64(),

		lastScan:     b.i64(),
		lastArrival:  b.i64(),
		nextSchedule: b.i64(),

		filesInDir: b.u32(),
		bytesInDir: b.u64(),

		filesReceived: b.u64(),
		bytesReceived: b.u64(),
	}
	fraSpec = areaSpec{version: AreaVersion, recSize: b.size()}
}

// FRA is the fileretrieve status area: one record per watched directory.
type FRA struct {
	*Area
}

// AttachFRA maps an existing FRA.
func AttachFRA(path string) (*FRA, error) {
	a, err := attach(path, fraSpec)
	if err != nil {
		return nil, err
	}
	return &FRA{Area: a}, nil
}

// ReconcileFRA brings the FRA in line with the configured directories,
// carrying counters over by source path. Same contract as ReconcileFSA.
func ReconcileFRA(path string, dirs []config.DirDef) (*FRA, error) {
	old, err := AttachFRA(path)
	switch {
	case err == nil:
		if fraMatches(old, dirs) {
			return old, nil
		}
	case errors.Is(err, os.ErrNotExist), errors.Is(err, ErrIncompatibleLayout):
		old = nil
	default:
		return nil, err
	}

	tmp := path + ".new"
	a, err := create(tmp, fraSpec, len(dirs))
	if err != nil {
		if old != nil {
			old.Close()
		}
		return nil, err
	}
	fresh := &FRA{Area: a}
	for i, d := range dirs {
		fresh.Dir(i).init(d)
	}
	if old != nil {
		for i := 0; i < fresh.Count(); i++ {
			dst := fresh.Dir(i)
			if j, ok := fraIndex(old, dst.Path()); ok {
				dst.carryOver(old.Dir(j))
			}
		}
		putU32(fresh.m, headerLen, old.Generation()+1)
		old.Close()
	}
	if err := fresh.Sync(); err != nil {
		fresh.Close()
		return nil, err
	}
	if err := os.Rename(tmp, path); err != nil {
		fresh.Close()
		return nil, fmt.Errorf("replace fra: %w", err)
	}
	return fresh, nil
}

func fraMatches(f *FRA, dirs []config.DirDef) bool {
	if f.Count() != len(dirs) {
		return false
	}
	for i, d := range dirs {
		r := f.Dir(i)
		if r.Alias() != d.Alias ||
			r.Path() != d.Path ||
			r.ScanMode() != d.ScanMode ||
			r.AcceptDotFiles() != d.AcceptDotFiles ||
			r.ForceReread() != d.ForceReread ||
			r.MaxErrors() != d.MaxErrors ||
			r.MaxProcess() != d.MaxProcess ||
			r.MaxCopiedFiles() != d.MaxCopiedFiles ||
			r.MaxCopiedFileSize() != d.MaxCopiedFileSize ||
			r.DeleteUnknownAge() != d.DeleteUnknownAge ||
			r.DeleteQueuedAge() != d.DeleteQueuedAge ||
			r.WarnTime() != d.WarnTime ||
			r.InfoTime() != d.InfoTime ||
			r.IgnoreSize() != mustCond(d.IgnoreSize) ||
			r.IgnoreFileTime() != mustCond(d.IgnoreFileTime) {
			return false
		}
	}
	return true
}

// mustCond re-parses a condition that Validate already accepted.
func mustCond(s string) config.Cond {
	c, _ := config.ParseCond(s)
	return c
}

func fraIndex(f *FRA, path string) (int, bool) {
	for i := 0; i < f.Count(); i++ {
		if f.Dir(i).Path() == path {
			return i, true
		}
	}
	return 0, false
}

// DirIndex returns the record position of the directory with this source path.
func (f *FRA) DirIndex(path string) (int, bool) { return fraIndex(f, path) }

// Dir returns a view of record i.
func (f *FRA) Dir(i int) DirView { return DirView{b: f.record(i)} }

// DirView reads and writes one FRA record in place.
type DirView struct {
	b []byte
}

func (v DirView) init(d config.DirDef) {
	setCstr(v.b[fraOff.alias:fraOff.alias+dirAliasLen], d.Alias)
	setCstr(v.b[fraOff.path:fraOff.path+dirPathLen], d.Path)
	v.b[fraOff.scanMode] = byte(d.ScanMode)
	if d.AcceptDotFiles {
		v.b[fraOff.acceptDot] = 1
	}
	if d.ForceReread {
		v.b[fraOff.forceReread] = 1
	}
	putU32(v.b, fraOff.maxErrors, uint32(d.MaxErrors))
	putU32(v.b, fraOff.maxProcess, uint32(d.MaxProcess))
	putU32(v.b, fraOff.maxCopiedFiles, uint32(d.MaxCopiedFiles))
	putU64(v.b, fraOff.maxCopiedFileSize, uint64(d.MaxCopiedFileSize))
	putU32(v.b, fraOff.deleteUnknownAge, uint32(d.DeleteUnknownAge))
	putU32(v.b, fraOff.deleteQueuedAge, uint32(d.DeleteQueuedAge))
	putU32(v.b, fraOff.warnTime, uint32(d.WarnTime))
	putU32(v.b, fraOff.infoTime, uint32(d.InfoTime))
	sz := mustCond(d.IgnoreSize)
	v.b[fraOff.ignoreSizeOp] = byte(sz.Op)
	putI64(v.b, fraOff.ignoreSizeVal, sz.Value)
	ft := mustCond(d.IgnoreFileTime)
	v.b[fraOff.ignoreTimeOp] = byte(ft.Op)
	putI64(v.b, fraOff.ignoreTimeVal, ft.Value)
}

func (v DirView) carryOver(old DirView) {
	putU32(v.b, fraOff.status, old.Status()&DirDisabled)
	putU32(v.b, fraOff.errorCounter, old.ErrorCounter())
	putU64(v.b, fraOff.filesReceived, old.FilesReceived())
	putU64(v.b, fraOff.bytesReceived, old.BytesReceived())
	putI64(v.b, fraOff.lastScan, old.LastScan().Unix())
	putI64(v.b, fraOff.lastArrival, old.LastArrival().Unix())
}

func (v DirView) Alias() string { return cstr(v.b[fraOff.alias : fraOff.alias+dirAliasLen]) }
func (v DirView) Path() string  { return cstr(v.b[fraOff.path : fraOff.path+dirPathLen]) }

func (v DirView) ScanMode() config.ScanMode { return config.ScanMode(v.b[fraOff.scanMode]) }
func (v DirView) AcceptDotFiles() bool      { return v.b[fraOff.acceptDot] != 0 }
func (v DirView) ForceReread() bool         { return v.b[fraOff.forceReread] != 0 }

func (v DirView) Status() uint32        { return getU32(v.b, fraOff.status) }
func (v DirView) SetStatus(bits uint32) { putU32(v.b, fraOff.status, v.Status()|bits) }
func (v DirView) ClearStatus(bits uint32) {
	putU32(v.b, fraOff.status, v.Status()&^bits)
}

func (v DirView) ErrorCounter() uint32     { return getU32(v.b, fraOff.errorCounter) }
func (v DirView) SetErrorCounter(n uint32) { putU32(v.b, fraOff.errorCounter, n) }

func (v DirView) MaxErrors() int  { return int(getU32(v.b, fraOff.maxErrors)) }
func (v DirView) MaxProcess() int { return int(getU32(v.b, fraOff.maxProcess)) }

func (v DirView) ActiveProcess() int { return int(getU32(v.b, fraOff.activeProcess)) }
func (v DirView) AddActiveProcess(d int) {
	putU32(v.b, fraOff.activeProcess, uint32(v.ActiveProcess()+d))
}

func (v DirView) MaxCopiedFiles() int      { return int(getU32(v.b, fraOff.maxCopiedFiles)) }
func (v DirView) MaxCopiedFileSize() int64 { return int64(getU64(v.b, fraOff.maxCopiedFileSize)) }

func (v DirView) DeleteUnknownAge() int { return int(getU32(v.b, fraOff.deleteUnknownAge)) }
func (v DirView) DeleteQueuedAge() int  { return int(getU32(v.b, fraOff.deleteQueuedAge)) }
func (v DirView) WarnTime() int         { return int(getU32(v.b, fraOff.warnTime)) }
func (v DirView) InfoTime() int         { return int(getU32(v.b, fraOff.infoTime)) }

func (v DirView) IgnoreSize() config.Cond {
	return config.Cond{Op: config.CondOp(v.b[fraOff.ignoreSizeOp]), Value: getI64(v.b, fraOff.ignoreSizeVal)}
}

func (v DirView) IgnoreFileTime() config.Cond {
	return config.Cond{Op: config.CondOp(v.b[fraOff.ignoreTimeOp]), Value: getI64(v.b, fraOff.ignoreTimeVal)}
}

// Dev is the device id of the source directory, set at reconcile so the
// scanner knows whether the pool is on the same filesystem.
func (v DirView) Dev() uint64       { return getU64(v.b, fraOff.dev) }
func (v DirView) SetDev(dev uint64) { putU64(v.b, fraOff.dev, dev) }

func (v DirView) LastScan() time.Time        { return time.Unix(getI64(v.b, fraOff.lastScan), 0) }
func (v DirView) SetLastScan(t time.Time)    { putI64(v.b, fraOff.lastScan, t.Unix()) }
func (v DirView) LastArrival() time.Time     { return time.Unix(getI64(v.b, fraOff.lastArrival), 0) }
func (v DirView) SetLastArrival(t time.Time) { putI64(v.b, fraOff.lastArrival, t.Unix()) }

func (v DirView) NextSchedule() time.Time     { return time.Unix(getI64(v.b, fraOff.nextSchedule), 0) }
func (v DirView) SetNextSchedule(t time.Time) { putI64(v.b, fraOff.nextSchedule, t.Unix()) }

// FilesInDir / BytesInDir gauge what the last scan left behind.
func (v DirView) FilesInDir() int   { return int(getU32(v.b, fraOff.filesInDir)) }
func (v DirView) BytesInDir() int64 { return int64(getU64(v.b, fraOff.bytesInDir)) }
func (v DirView) SetInDir(files int, bytes int64) {
	putU32(v.b, fraOff.filesInDir, uint32(files))
	putU64(v.b, fraOff.bytesInDir, uint64(bytes))
}

func (v DirView) FilesReceived() uint64 { return getU64(v.b, fraOff.filesReceived) }
func (v DirView) BytesReceived() uint64 { return getU64(v.b, fraOff.bytesReceived) }

// AddReceived accumulates the lifetime pickup counters.
func (v DirView) AddReceived(files, bytes uint64) {
	putU64(v.b, fraOff.filesReceived, v.FilesReceived()+files)
	putU64(v.b, fraOff.bytesReceived, v.BytesReceived()+bytes)
}

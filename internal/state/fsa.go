package state

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/holger24/afd/internal/config"
)

// Host status bits in the FSA record.
const (
	// HostPauseQueue holds queued messages; the scanner diverts new files.
	HostPauseQueue uint32 = 1 << 0
	// HostStopTransfer keeps queued messages but spawns no workers.
	HostStopTransfer uint32 = 1 << 1
	// HostNotWorking is set when the error counter reaches max errors.
	HostNotWorking uint32 = 1 << 2
	// HostDisabled drops files for this host at dispatch time.
	HostDisabled uint32 = 1 << 3
)

// Transfer slot status values.
const (
	SlotIdle uint32 = iota
	SlotConnecting
	SlotTransferring
	SlotDisconnecting
)

// Slot flag bits.
const (
	// SlotQuiesced marks a worker the dispatcher is shutting down on
	// purpose; the worker's kill-signal exit then counts as success.
	SlotQuiesced uint32 = 1 << 0
)

// Field sizes of the NUL-terminated string fields.
const (
	hostAliasLen    = 40
	realHostnameLen = 64
	slotFileLen     = 128
	slotNameLen     = 64
)

type fsaOffsets struct {
	alias     int
	hostname1 int
	hostname2 int
	toggle    int
	autoTog   int

	allowedTransfers int
	blockSize        int
	transferTimeout  int
	retryInterval    int
	maxErrors        int

	status          int
	errorCounter    int
	activeTransfers int
	jobsQueued      int
	filesQueued     int
	bytesQueued     int

	filesSent   int
	bytesSent   int
	connections int
	totalErrors int

	lastConnection int
	lastRetry      int

	slots int // array of slotCount slot structs
}

type slotOffsets struct {
	pid        int
	status     int
	flags      int
	jobID      int
	filesTotal int
	filesDone  int
	bytesDone  int
	fileSize   int
	bytesSent  int
	fileInUse  int
	uniqueName int
	size       int
}

var (
	fsaOff  fsaOffsets
	slotOff slotOffsets
	fsaSpec areaSpec
)

const fsaRateTailLen = 8 // float64 bytes/sec EWMA per host

func init() {
	var s layoutBuilder
	slotOff = slotOffsets{
		pid:        s.i64(),
		status:     s.u32(),
		flags:      s.u32(),
		jobID:      s.u32(),
		filesTotal: s.u32(),
		filesDone:  s.u32(),
		bytesDone:  s.u64(),
		fileSize:   s.u64(),
		bytesSent:  s.u64(),
		fileInUse:  s.chars(slotFileLen),
		uniqueName: s.chars(slotNameLen),
	}
	slotOff.size = s.size()

	var b layoutBuilder
	fsaOff = fsaOffsets{
		alias:     b.chars(hostAliasLen),
		hostname1: b.chars(realHostnameLen),
		hostname2: b.chars(realHostnameLen),
		toggle:    b.u8(),
		autoTog:   b.u8(),

		allowedTransfers: b.u32(),
		blockSize:        b.u32(),
		transferTimeout:  b.u32(),
		retryInterval:    b.u32(),
		maxErrors:        b.u32(),

		status:          b.u32(),
		errorCounter:    b.u32(),
		activeTransfers: b.u32(),
		jobsQueued:      b.u32(),
		filesQueued:     b.u32(),
		bytesQueued:     b.u64(),

		filesSent:   b.u64(),
		bytesSent:   b.u64(),
		connections: b.u32(),
		totalErrors: b.u32(),

		lastConnection: b.i64(),
		lastRetry:      b.i64(),

		slots: b.field(config.MaxAllowedTransfers*slotOff.size, 8),
	}
	fsaSpec = areaSpec{
		version: AreaVersion,
		recSize: b.size(),
		flags:   FeatureRates,
		tailRec: fsaRateTailLen,
	}
}

// FSA is the filetransfer status area: one record per destination host.
type FSA struct {
	*Area
}

// AttachFSA maps an existing FSA.
func AttachFSA(path string) (*FSA, error) {
	a, err := attach(path, fsaSpec)
	if err != nil {
		return nil, err
	}
	return &FSA{Area: a}, nil
}

// ReconcileFSA brings the FSA in line with the configured hosts. An area
// whose layout and host list already match is reused as is. Otherwise a new
// area is built, counters are carried over by alias, the generation is
// bumped and the new file atomically replaces the old one.
func ReconcileFSA(path string, hosts []config.HostDef) (*FSA, error) {
	old, err := AttachFSA(path)
	switch {
	case err == nil:
		if fsaMatches(old, hosts) {
			return old, nil
		}
	case errors.Is(err, os.ErrNotExist), errors.Is(err, ErrIncompatibleLayout):
		old = nil
	default:
		return nil, err
	}

	tmp := path + ".new"
	a, err := create(tmp, fsaSpec, len(hosts))
	if err != nil {
		if old != nil {
			old.Close()
		}
		return nil, err
	}
	fresh := &FSA{Area: a}
	for i, h := range hosts {
		fresh.Host(i).init(h)
	}
	if old != nil {
		for i := 0; i < fresh.Count(); i++ {
			dst := fresh.Host(i)
			if j, ok := fsaIndex(old, dst.Alias()); ok {
				dst.carryOver(old.Host(j))
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
		return nil, fmt.Errorf("replace fsa: %w", err)
	}
	return fresh, nil
}

func fsaMatches(f *FSA, hosts []config.HostDef) bool {
	if f.Count() != len(hosts) {
		return false
	}
	for i, h := range hosts {
		r := f.Host(i)
		if r.Alias() != h.Alias ||
			r.Hostname(0) != h.Hostname ||
			r.Hostname(1) != h.HostnameToggle ||
			r.AllowedTransfers() != h.AllowedTransfers ||
			r.BlockSize() != h.BlockSize ||
			r.TransferTimeout() != h.TransferTimeout ||
			r.RetryInterval() != h.RetryInterval ||
			r.MaxErrors() != h.MaxErrors {
			return false
		}
	}
	return true
}

func fsaIndex(f *FSA, alias string) (int, bool) {
	for i := 0; i < f.Count(); i++ {
		if f.Host(i).Alias() == alias {
			return i, true
		}
	}
	return 0, false
}

// HostIndex returns the record position of alias.
func (f *FSA) HostIndex(alias string) (int, bool) { return fsaIndex(f, alias) }

// Host returns a view of record i.
func (f *FSA) Host(i int) HostView { return HostView{b: f.record(i), tail: f.tail(i)} }

// HostView reads and writes one FSA record in place.
type HostView struct {
	b    []byte
	tail []byte
}

func (v HostView) init(h config.HostDef) {
	setCstr(v.b[fsaOff.alias:fsaOff.alias+hostAliasLen], h.Alias)
	setCstr(v.b[fsaOff.hostname1:fsaOff.hostname1+realHostnameLen], h.Hostname)
	setCstr(v.b[fsaOff.hostname2:fsaOff.hostname2+realHostnameLen], h.HostnameToggle)
	if h.AutoToggle {
		v.b[fsaOff.autoTog] = 1
	}
	putU32(v.b, fsaOff.allowedTransfers, uint32(h.AllowedTransfers))
	putU32(v.b, fsaOff.blockSize, uint32(h.BlockSize))
	putU32(v.b, fsaOff.transferTimeout, uint32(h.TransferTimeout))
	putU32(v.b, fsaOff.retryInterval, uint32(h.RetryInterval))
	putU32(v.b, fsaOff.maxErrors, uint32(h.MaxErrors))
	if h.Paused {
		putU32(v.b, fsaOff.status, HostPauseQueue)
	}
}

// carryOver preserves operator state and lifetime counters across a rebuild.
// Live transfer state is not carried: records are rebuilt only at bootstrap,
// before any worker runs.
func (v HostView) carryOver(old HostView) {
	putU32(v.b, fsaOff.status, old.Status()&(HostPauseQueue|HostStopTransfer|HostDisabled))
	putU32(v.b, fsaOff.errorCounter, old.ErrorCounter())
	putU64(v.b, fsaOff.filesSent, old.FilesSent())
	putU64(v.b, fsaOff.bytesSent, old.BytesSent())
	putU32(v.b, fsaOff.connections, old.Connections())
	putU32(v.b, fsaOff.totalErrors, old.TotalErrors())
	putI64(v.b, fsaOff.lastConnection, old.LastConnection().Unix())
	v.SetToggle(old.Toggle())
}

func (v HostView) Alias() string { return cstr(v.b[fsaOff.alias : fsaOff.alias+hostAliasLen]) }

// Hostname returns real hostname n (0 or 1).
func (v HostView) Hostname(n int) string {
	off := fsaOff.hostname1
	if n == 1 {
		off = fsaOff.hostname2
	}
	return cstr(v.b[off : off+realHostnameLen])
}

// ActiveHostname resolves the toggle to the hostname workers should dial.
func (v HostView) ActiveHostname() string {
	h := v.Hostname(v.Toggle())
	if h == "" {
		return v.Hostname(0)
	}
	return h
}

func (v HostView) Toggle() int         { return int(v.b[fsaOff.toggle]) }
func (v HostView) SetToggle(n int)     { v.b[fsaOff.toggle] = byte(n & 1) }
func (v HostView) AutoToggle() bool    { return v.b[fsaOff.autoTog] != 0 }

func (v HostView) AllowedTransfers() int { return int(getU32(v.b, fsaOff.allowedTransfers)) }
func (v HostView) BlockSize() int        { return int(getU32(v.b, fsaOff.blockSize)) }
func (v HostView) TransferTimeout() int  { return int(getU32(v.b, fsaOff.transferTimeout)) }
func (v HostView) RetryInterval() int    { return int(getU32(v.b, fsaOff.retryInterval)) }
func (v HostView) MaxErrors() int        { return int(getU32(v.b, fsaOff.maxErrors)) }

func (v HostView) Status() uint32        { return getU32(v.b, fsaOff.status) }
func (v HostView) SetStatus(bits uint32) { putU32(v.b, fsaOff.status, v.Status()|bits) }
func (v HostView) ClearStatus(bits uint32) {
	putU32(v.b, fsaOff.status, v.Status()&^bits)
}

func (v HostView) ErrorCounter() uint32     { return getU32(v.b, fsaOff.errorCounter) }
func (v HostView) SetErrorCounter(n uint32) { putU32(v.b, fsaOff.errorCounter, n) }

func (v HostView) ActiveTransfers() int { return int(getU32(v.b, fsaOff.activeTransfers)) }
func (v HostView) AddActiveTransfers(d int) {
	putU32(v.b, fsaOff.activeTransfers, uint32(v.ActiveTransfers()+d))
}

func (v HostView) JobsQueued() int { return int(getU32(v.b, fsaOff.jobsQueued)) }
func (v HostView) AddJobsQueued(d int) {
	putU32(v.b, fsaOff.jobsQueued, uint32(v.JobsQueued()+d))
}

func (v HostView) FilesQueued() int { return int(getU32(v.b, fsaOff.filesQueued)) }
func (v HostView) BytesQueued() int64 {
	return int64(getU64(v.b, fsaOff.bytesQueued))
}

// AddQueued adjusts the queued file and byte gauges together.
func (v HostView) AddQueued(files int, bytes int64) {
	putU32(v.b, fsaOff.filesQueued, uint32(v.FilesQueued()+files))
	putU64(v.b, fsaOff.bytesQueued, uint64(v.BytesQueued()+bytes))
}

func (v HostView) FilesSent() uint64 { return getU64(v.b, fsaOff.filesSent) }
func (v HostView) BytesSent() uint64 { return getU64(v.b, fsaOff.bytesSent) }

// AddSent accumulates the lifetime delivery counters.
func (v HostView) AddSent(files uint64, bytes uint64) {
	putU64(v.b, fsaOff.filesSent, v.FilesSent()+files)
	putU64(v.b, fsaOff.bytesSent, v.BytesSent()+bytes)
}

func (v HostView) Connections() uint32 { return getU32(v.b, fsaOff.connections) }
func (v HostView) AddConnection()      { putU32(v.b, fsaOff.connections, v.Connections()+1) }

func (v HostView) TotalErrors() uint32 { return getU32(v.b, fsaOff.totalErrors) }
func (v HostView) AddError()           { putU32(v.b, fsaOff.totalErrors, v.TotalErrors()+1) }

func (v HostView) LastConnection() time.Time {
	return time.Unix(getI64(v.b, fsaOff.lastConnection), 0)
}
func (v HostView) SetLastConnection(t time.Time) {
	putI64(v.b, fsaOff.lastConnection, t.Unix())
}

func (v HostView) LastRetry() time.Time { return time.Unix(getI64(v.b, fsaOff.lastRetry), 0) }
func (v HostView) SetLastRetry(t time.Time) {
	putI64(v.b, fsaOff.lastRetry, t.Unix())
}

// Rate reads the EWMA transfer rate (bytes/sec) from the feature tail.
func (v HostView) Rate() float64 { return getF64(v.tail, 0) }

// SetRate stores the EWMA transfer rate.
func (v HostView) SetRate(r float64) { putF64(v.tail, 0, r) }

// Slot returns transfer slot n.
func (v HostView) Slot(n int) SlotView {
	off := fsaOff.slots + n*slotOff.size
	return SlotView{b: v.b[off : off+slotOff.size]}
}

// SlotView is one transfer slot inside a host record.
type SlotView struct {
	b []byte
}

func (s SlotView) Pid() int        { return int(getI64(s.b, slotOff.pid)) }
func (s SlotView) SetPid(pid int)  { putI64(s.b, slotOff.pid, int64(pid)) }
func (s SlotView) Status() uint32  { return getU32(s.b, slotOff.status) }
func (s SlotView) SetStatus(v uint32) { putU32(s.b, slotOff.status, v) }

func (s SlotView) Quiesced() bool { return getU32(s.b, slotOff.flags)&SlotQuiesced != 0 }
func (s SlotView) SetQuiesced(on bool) {
	f := getU32(s.b, slotOff.flags)
	if on {
		f |= SlotQuiesced
	} else {
		f &^= SlotQuiesced
	}
	putU32(s.b, slotOff.flags, f)
}

func (s SlotView) JobID() uint32      { return getU32(s.b, slotOff.jobID) }
func (s SlotView) SetJobID(id uint32) { putU32(s.b, slotOff.jobID, id) }

func (s SlotView) FilesTotal() uint32     { return getU32(s.b, slotOff.filesTotal) }
func (s SlotView) SetFilesTotal(n uint32) { putU32(s.b, slotOff.filesTotal, n) }
func (s SlotView) FilesDone() uint32      { return getU32(s.b, slotOff.filesDone) }
func (s SlotView) BytesDone() uint64      { return getU64(s.b, slotOff.bytesDone) }

// StartBatch primes the progress counters for the next batch. Bursting
// workers reuse their slot, so the counters restart at every batch.
func (s SlotView) StartBatch(filesTotal uint32) {
	putU32(s.b, slotOff.filesTotal, filesTotal)
	putU32(s.b, slotOff.filesDone, 0)
	putU64(s.b, slotOff.bytesDone, 0)
}

// Progress updates the per-slot delivery counters.
func (s SlotView) Progress(files uint32, bytes uint64) {
	putU32(s.b, slotOff.filesDone, s.FilesDone()+files)
	putU64(s.b, slotOff.bytesDone, s.BytesDone()+bytes)
}

// SetCurrentFile records the file the worker sends right now.
func (s SlotView) SetCurrentFile(name string, size uint64) {
	setCstr(s.b[slotOff.fileInUse:slotOff.fileInUse+slotFileLen], name)
	putU64(s.b, slotOff.fileSize, size)
	putU64(s.b, slotOff.bytesSent, 0)
}

func (s SlotView) FileInUse() string { return cstr(s.b[slotOff.fileInUse : slotOff.fileInUse+slotFileLen]) }
func (s SlotView) FileSize() uint64  { return getU64(s.b, slotOff.fileSize) }
func (s SlotView) BytesSent() uint64 { return getU64(s.b, slotOff.bytesSent) }
func (s SlotView) AddBytesSent(n uint64) {
	putU64(s.b, slotOff.bytesSent, s.BytesSent()+n)
}

func (s SlotView) UniqueName() string { return cstr(s.b[slotOff.uniqueName : slotOff.uniqueName+slotNameLen]) }
func (s SlotView) SetUniqueName(n string) {
	setCstr(s.b[slotOff.uniqueName:slotOff.uniqueName+slotNameLen], n)
}

// Clear resets the slot after a worker is reaped.
func (s SlotView) Clear() {
	for i := range s.b {
		s.b[i] = 0
	}
}

package state

import (
	"errors"
	"fmt"
	"os"
	"time"
)

// Proc identifies one supervised process in the status area. The order is
// the startup order: log daemons first, the scanner last among the majors,
// then the slots that only start once the scanner has reported ready.
type Proc int

const (
	ProcSystemLog Proc = iota
	ProcEventLog
	ProcReceiveLog
	ProcTransferLog
	ProcTransDBLog
	ProcProductionLog
	ProcConfirmationLog
	ProcDistributionLog
	ProcArchiveWatch
	ProcAFDD
	ProcAFDDS
	ProcFD
	ProcAMG
	ProcStat
	ProcRateLog
	ProcHelper

	ProcCount
)

var procNames = [ProcCount]string{
	"system_log",
	"event_log",
	"receive_log",
	"transfer_log",
	"trans_db_log",
	"production_log",
	"confirmation_log",
	"distribution_log",
	"archive_watch",
	"afdd",
	"afdds",
	"fd",
	"amg",
	"stat",
	"rate_log",
	"helper",
}

func (p Proc) String() string {
	if p < 0 || p >= ProcCount {
		return fmt.Sprintf("proc(%d)", int(p))
	}
	return procNames[p]
}

// ProcByName resolves a daemon name back to its slot.
func ProcByName(name string) (Proc, bool) {
	for i, n := range procNames {
		if n == name {
			return Proc(i), true
		}
	}
	return 0, false
}

// Process states.
const (
	ProcOff      uint32 = iota // not running
	ProcStarting               // spawned, not yet reported ready
	ProcOn                     // running
	ProcStopped                // stopped on purpose
	ProcFailed                 // gave up restarting
)

const statusVersionLen = 48

type statusGlobals struct {
	startTime     int
	jobsInQueue   int
	activeHelpers int
	maxQueued     int
	amgForks      int
	fdForks       int
	bursts        int
	version       int
}

type statusProcOffsets struct {
	pid      int
	state    int
	restarts int
}

var (
	stOff      statusGlobals
	stProcOff  statusProcOffsets
	statusSpec areaSpec
)

func init() {
	var g layoutBuilder
	stOff = statusGlobals{
		startTime:     g.i64(),
		jobsInQueue:   g.u32(),
		activeHelpers: g.u32(),
		maxQueued:     g.u32(),
		amgForks:      g.u64(),
		fdForks:       g.u64(),
		bursts:        g.u64(),
		version:       g.chars(statusVersionLen),
	}

	var b layoutBuilder
	stProcOff = statusProcOffsets{
		pid:      b.i64(),
		state:    b.u32(),
		restarts: b.u32(),
	}
	statusSpec = areaSpec{version: AreaVersion, head: g.size(), recSize: b.size()}
}

// Status is the process status area shared by the supervisor, the pipeline
// processes and the info daemon.
type Status struct {
	*Area
}

// AttachStatus maps an existing status area.
func AttachStatus(path string) (*Status, error) {
	a, err := attach(path, statusSpec)
	if err != nil {
		return nil, err
	}
	return &Status{Area: a}, nil
}

// OpenStatus attaches the status area, creating a fresh one when the file is
// missing or from an incompatible build. Runtime state always starts clean.
func OpenStatus(path string, version string) (*Status, error) {
	s, err := AttachStatus(path)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, os.ErrNotExist) && !errors.Is(err, ErrIncompatibleLayout) {
		return nil, err
	}
	a, cerr := create(path, statusSpec, int(ProcCount))
	if cerr != nil {
		return nil, cerr
	}
	s = &Status{Area: a}
	s.SetStartTime(time.Now())
	setCstr(s.global()[stOff.version:stOff.version+statusVersionLen], version)
	return s, nil
}

func (s *Status) StartTime() time.Time     { return time.Unix(getI64(s.global(), stOff.startTime), 0) }
func (s *Status) SetStartTime(t time.Time) { putI64(s.global(), stOff.startTime, t.Unix()) }

func (s *Status) Version() string {
	return cstr(s.global()[stOff.version : stOff.version+statusVersionLen])
}

func (s *Status) JobsInQueue() int { return int(getU32(s.global(), stOff.jobsInQueue)) }

// SetJobsInQueue updates the queue gauge and its high-water mark.
func (s *Status) SetJobsInQueue(n int) {
	putU32(s.global(), stOff.jobsInQueue, uint32(n))
	if n > int(getU32(s.global(), stOff.maxQueued)) {
		putU32(s.global(), stOff.maxQueued, uint32(n))
	}
}

func (s *Status) MaxQueued() int { return int(getU32(s.global(), stOff.maxQueued)) }

func (s *Status) ActiveHelpers() int { return int(getU32(s.global(), stOff.activeHelpers)) }
func (s *Status) AddActiveHelpers(d int) {
	putU32(s.global(), stOff.activeHelpers, uint32(s.ActiveHelpers()+d))
}

func (s *Status) AMGForks() uint64 { return getU64(s.global(), stOff.amgForks) }
func (s *Status) AddAMGFork()      { putU64(s.global(), stOff.amgForks, s.AMGForks()+1) }

func (s *Status) FDForks() uint64 { return getU64(s.global(), stOff.fdForks) }
func (s *Status) AddFDFork()      { putU64(s.global(), stOff.fdForks, s.FDForks()+1) }

// Bursts counts jobs handed to an already-running worker instead of a fresh
// connection.
func (s *Status) Bursts() uint64 { return getU64(s.global(), stOff.bursts) }
func (s *Status) AddBurst()      { putU64(s.global(), stOff.bursts, s.Bursts()+1) }

// Proc returns the slot of p.
func (s *Status) Proc(p Proc) ProcView { return ProcView{b: s.record(int(p))} }

// ProcView is one process slot in the status area.
type ProcView struct {
	b []byte
}

func (v ProcView) Pid() int          { return int(getI64(v.b, stProcOff.pid)) }
func (v ProcView) SetPid(pid int)    { putI64(v.b, stProcOff.pid, int64(pid)) }
func (v ProcView) State() uint32     { return getU32(v.b, stProcOff.state) }
func (v ProcView) SetState(s uint32) { putU32(v.b, stProcOff.state, s) }
func (v ProcView) Restarts() uint32  { return getU32(v.b, stProcOff.restarts) }
func (v ProcView) AddRestart()       { putU32(v.b, stProcOff.restarts, v.Restarts()+1) }

// Package supervisor owns the process tree. It starts every long-lived
// daemon as a re-exec of the afd binary, watches their exits and applies
// the per-code restart policy, routes single-byte admin verbs between the
// command fifos, and runs the ordered shutdown.
//
// Exactly one supervisor runs per work directory. The flocked AFD_ACTIVE
// file turns a second start into a clean refusal instead of two process
// trees fighting over the shared areas.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/holger24/afd/internal/config"
	"github.com/holger24/afd/internal/fd"
	"github.com/holger24/afd/internal/fifo"
	"github.com/holger24/afd/internal/helper"
	"github.com/holger24/afd/internal/jobs"
	"github.com/holger24/afd/internal/logd"
	"github.com/holger24/afd/internal/paths"
	"github.com/holger24/afd/internal/scan"
	"github.com/holger24/afd/internal/state"
)

// Admin verbs accepted on the supervisor command fifo. Every verb except
// CmdIsAlive is acknowledged with Ackn on the response fifo. An unknown
// byte is fatal, so a drifted admin tool cannot poke around unnoticed.
const (
	CmdShutdown       = 'S' // ordered shutdown
	CmdShutdownAll    = 'X' // shutdown with a minimal grace budget
	CmdStartAfd       = 'A' // start every stopped process
	CmdStartAfdNoScan = 'N' // like CmdStartAfd, with scanning paused
	CmdStop           = 'T' // stop scanner and dispatcher, keep the rest
	CmdStopAmg        = 'a' // stop the scanner
	CmdStopFd         = 'f' // stop the dispatcher
	CmdStartAmg       = 'G' // start the scanner
	CmdStartFd        = 'F' // start the dispatcher
	CmdAmgReady       = 'R' // scanner reports ready
	CmdSearchOldFiles = 'O' // hand an old-file sweep to the helper
	CmdCheckFileDir   = 'C' // forward a file dir check to the dispatcher
	CmdDataReady      = 'D' // scanner placed data, poke the dispatcher
	CmdIsAlive        = 'I' // liveness probe
)

// Ackn is the single-byte acknowledgement written to the response fifo.
const Ackn = 'A'

const (
	restartDelay   = time.Second     // respawn delay after a fast exit
	flapWindow     = 2 * time.Second // exits under this count as fast
	maxFastFails   = 5               // fast exits before a slot is given up
	maxCoreRenames = 10              // core files kept in crash/

	// fastBudget replaces the configured shutdown time on SHUTDOWN_ALL.
	fastBudget = 2 * time.Second

	// fallbackLinkMax stands in when pathconf cannot tell the real
	// LINK_MAX of the outgoing filesystem.
	fallbackLinkMax = 32000

	jobCheckEvery = 5 // throttle check, in ticker seconds
)

// Options configures a Supervisor.
type Options struct {
	Layout    paths.Layout
	Config    config.Config
	Version   string // recorded in the status area
	PauseScan bool   // start with directory scanning paused
	Check     bool   // compile the directory configuration before starting
	Logger    *slog.Logger
}

// exit is one reaped child, posted by its waiter goroutine.
type exit struct {
	pid      int
	code     int
	signaled bool
	sig      syscall.Signal
}

// Supervisor is the process tree owner.
type Supervisor struct {
	o   Options
	log *slog.Logger

	sent   *Sentinel
	status *state.Status
	hb     *state.Heartbeat

	cmd       *fifo.Pipe // admin verbs in
	resp      *fifo.Pipe // acks out
	amgResp   *fifo.Pipe // scanner ready signals in
	amgCmd    *fifo.Pipe // scanner verbs out
	fdCmd     *fifo.Pipe // dispatcher verbs out
	helperCmd *fifo.Pipe // helper verbs out

	self  string // our executable, re-exec'd for every child
	table []*slot
	byPid map[int]*slot
	exits chan exit

	pauseScan   bool
	amgReady    bool
	draining    bool
	throttled   bool // scanner paused by the batch count watchdog
	danger      int  // outgoing batch count that pauses the scanner
	resume      int  // count that resumes it
	ticks       int
	coreRenames int
	runErr      error
}

// New claims the work directory and prepares the process table. Nothing is
// started yet; ErrAlreadyRunning means another supervisor owns the tree.
func New(o Options) (*Supervisor, error) {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	s := &Supervisor{
		o:         o,
		log:       o.Logger,
		byPid:     make(map[int]*slot),
		exits:     make(chan exit, 16),
		pauseScan: o.PauseScan,
	}
	if err := s.init(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Supervisor) init() error {
	l := s.o.Layout
	if err := paths.MkTree(l); err != nil {
		return err
	}
	var err error
	if s.sent, err = AcquireSentinel(l.ActiveFile()); err != nil {
		return err
	}
	if s.o.Check {
		if err := s.preflight(); err != nil {
			return err
		}
	}
	if s.self, err = os.Executable(); err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	if s.status, err = state.OpenStatus(l.AfdStatusFile(), s.o.Version); err != nil {
		return err
	}
	for p := state.Proc(0); p < state.ProcCount; p++ {
		pv := s.status.Proc(p)
		pv.SetPid(0)
		pv.SetState(state.ProcOff)
	}
	s.status.SetStartTime(time.Now())
	if s.hb, err = state.OpenHeartbeat(l.HeartbeatFile()); err != nil {
		return err
	}
	if s.cmd, err = fifo.OpenOrCreate(l.AfdCmdFifo()); err != nil {
		return err
	}
	s.cmd.Drain()
	if s.resp, err = fifo.OpenOrCreate(l.AfdRespFifo()); err != nil {
		return err
	}
	if s.amgResp, err = fifo.OpenOrCreate(l.AmgRespFifo()); err != nil {
		return err
	}
	s.amgResp.Drain()
	if s.amgCmd, err = fifo.OpenOrCreate(l.AmgCmdFifo()); err != nil {
		return err
	}
	if s.fdCmd, err = fifo.OpenOrCreate(l.FdCmdFifo()); err != nil {
		return err
	}
	if s.helperCmd, err = fifo.OpenOrCreate(l.HelperFifo()); err != nil {
		return err
	}
	if s.table, err = buildTable(s.o.Config); err != nil {
		return err
	}

	lm, perr := unix.Pathconf(l.Outgoing(), unix.PC_LINK_MAX)
	if perr != nil || lm <= 0 {
		lm = fallbackLinkMax
	}
	s.danger = lm / 2
	s.resume = s.danger - s.danger/5
	return nil
}

// preflight compiles the directory configuration the children will load,
// so a broken etc/ fails the start instead of feeding a crash loop.
func (s *Supervisor) preflight() error {
	dc, err := config.LoadDirConfig(s.o.Layout.DirConfigFile())
	if err != nil {
		return fmt.Errorf("consistency check: %w", err)
	}
	ageLimit := time.Duration(s.o.Config.DefaultAgeLimit) * time.Second
	if _, err := jobs.Compile(&dc, ageLimit); err != nil {
		return fmt.Errorf("consistency check: %w", err)
	}
	return nil
}

// Close releases every resource. The active sentinel goes last, after the
// status area is unmapped, so a restarting operator never sees a claimed
// work directory with a dead owner.
func (s *Supervisor) Close() error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	for _, p := range []*fifo.Pipe{s.cmd, s.resp, s.amgResp, s.amgCmd, s.fdCmd, s.helperCmd} {
		if p != nil {
			keep(p.Close())
		}
	}
	if s.status != nil {
		keep(s.status.Close())
	}
	if s.hb != nil {
		keep(s.hb.Close())
	}
	if s.sent != nil {
		keep(s.sent.Release())
	}
	return first
}

// Run starts the table and serves admin verbs, scanner ready signals,
// child exits and the periodic checks until a shutdown verb or ctx ends
// the instance. The heartbeat advances once per loop turn.
func (s *Supervisor) Run(ctx context.Context) error {
	s.log.Info("starting processes",
		"version", s.o.Version, "work", s.o.Layout.Work, "slots", len(s.table))
	for _, sl := range s.table {
		if !sl.deferred {
			s.spawn(sl)
		}
	}

	cmds := make(chan byte, 8)
	go readBytes(s.cmd, cmds)
	readys := make(chan byte, 8)
	go readBytes(s.amgResp, readys)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown(false)
			return s.runErr
		case c, ok := <-cmds:
			if !ok {
				cmds = nil
				continue
			}
			if s.command(c) {
				return s.runErr
			}
		case b, ok := <-readys:
			if !ok {
				readys = nil
				continue
			}
			if b == scan.Ready {
				s.scannerReady()
			}
		case e := <-s.exits:
			s.reap(e)
		case <-ticker.C:
			s.tick()
		}
		s.hb.Beat()
	}
}

// command handles one admin verb and reports whether the run loop should
// end. The liveness probe is answered without leaving a log line.
func (s *Supervisor) command(c byte) bool {
	if c == CmdIsAlive {
		s.ack()
		return false
	}
	s.log.Info("admin command", "cmd", fmt.Sprintf("%q", c))
	switch c {
	case CmdShutdown:
		s.ack()
		s.shutdown(false)
		return true
	case CmdShutdownAll:
		s.ack()
		s.shutdown(true)
		return true
	case CmdStartAfd:
		s.pauseScan = false
		s.startAll()
	case CmdStartAfdNoScan:
		s.pauseScan = true
		s.startAll()
	case CmdStop:
		s.stopProc(state.ProcAMG)
		s.stopProc(state.ProcFD)
	case CmdStopAmg:
		s.stopProc(state.ProcAMG)
	case CmdStopFd:
		s.stopProc(state.ProcFD)
	case CmdStartAmg:
		s.startProc(state.ProcAMG)
	case CmdStartFd:
		s.startProc(state.ProcFD)
	case CmdAmgReady:
		s.scannerReady()
	case CmdSearchOldFiles:
		s.send(s.helperCmd, helper.CmdSearchOld)
	case CmdCheckFileDir, CmdDataReady:
		s.send(s.fdCmd, fd.CmdCheckFileDir)
	default:
		s.log.Log(context.Background(), logd.LevelFatal,
			"unknown admin command", "cmd", fmt.Sprintf("%q", c))
		s.runErr = fmt.Errorf("unknown admin command %q", c)
		s.shutdown(false)
		return true
	}
	s.ack()
	return false
}

// spawn re-execs the child for sl. Stale verbs left in a command fifo from
// a previous incarnation are dropped before the fresh child can read them.
func (s *Supervisor) spawn(sl *slot) {
	switch sl.id {
	case state.ProcAMG:
		s.amgCmd.Drain()
	case state.ProcFD:
		s.fdCmd.Drain()
	}

	cmd := exec.Command(s.self, s.argsFor(sl)...)
	cmd.Dir = s.o.Layout.Work
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{}
	setPdeathsig(cmd.SysProcAttr)
	if err := cmd.Start(); err != nil {
		s.log.Error("start failed, retrying", "proc", sl.id, "err", err)
		sl.restartAt = time.Now().Add(restartDelay)
		return
	}

	pid := cmd.Process.Pid
	sl.pid = pid
	sl.proc = cmd.Process
	sl.running = true
	sl.stopped = false
	sl.startedAt = time.Now()
	sl.restartAt = time.Time{}
	s.byPid[pid] = sl

	pv := s.status.Proc(sl.id)
	pv.SetPid(pid)
	if sl.id == state.ProcAMG {
		pv.SetState(state.ProcStarting)
	} else {
		pv.SetState(state.ProcOn)
	}

	go func() {
		err := cmd.Wait()
		e := exit{pid: pid}
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			e.code = ee.ExitCode()
			if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				e.signaled = true
				e.sig = ws.Signal()
			}
		} else if err != nil {
			e.code = 1
		}
		s.exits <- e
	}()

	s.log.Info("process started", "proc", sl.id, "pid", pid)
}

// argsFor renders the child command line. The scanner starts paused when
// the operator asked for it or the batch watchdog currently holds it.
func (s *Supervisor) argsFor(sl *slot) []string {
	args := append([]string(nil), sl.args...)
	args = append(args, "-w", s.o.Layout.Work)
	if sl.id == state.ProcAMG && (s.pauseScan || s.throttled) {
		args = append(args, "--paused")
	}
	return args
}

// reap applies the restart policy to one child exit.
func (s *Supervisor) reap(e exit) {
	sl := s.byPid[e.pid]
	if sl == nil {
		s.log.Debug("exit of untracked process", "pid", e.pid)
		return
	}
	delete(s.byPid, e.pid)
	sl.running = false
	sl.proc = nil
	sl.pid = 0
	pv := s.status.Proc(sl.id)
	pv.SetPid(0)

	if time.Since(sl.startedAt) < flapWindow {
		sl.fastFails++
	} else {
		sl.fastFails = 0
	}
	if sl.id == state.ProcAMG {
		s.amgReady = false
	}

	switch {
	case e.signaled:
		s.log.Error("process died", "proc", sl.id, "pid", e.pid, "signal", e.sig.String())
		s.rescueCore(sl, e.pid)
	case e.code != 0:
		s.log.Warn("process exited", "proc", sl.id, "pid", e.pid, "code", e.code)
	default:
		s.log.Info("process finished", "proc", sl.id, "pid", e.pid)
	}

	if s.draining {
		pv.SetState(state.ProcOff)
		return
	}
	if sl.stopped {
		pv.SetState(state.ProcStopped)
		return
	}

	if !e.signaled && !sl.mustRun {
		switch e.code {
		case 0:
			pv.SetState(state.ProcOff)
			return
		case 1:
			sl.stopped = true
			pv.SetState(state.ProcStopped)
			return
		}
		// 2 (re-read), 3 (area lost), ProcessNeedsRestart and anything
		// unexpected all come straight back.
	}

	if sl.fastFails >= maxFastFails && !sl.mustRun {
		sl.failed = true
		pv.SetState(state.ProcFailed)
		s.log.Error("process keeps dying, giving up", "proc", sl.id, "fails", sl.fastFails)
		return
	}
	pv.AddRestart()
	if sl.fastFails > 0 {
		sl.restartAt = time.Now().Add(restartDelay)
		pv.SetState(state.ProcStarting)
		return
	}
	s.spawn(sl)
}

// rescueCore moves a core file the dead child left in the work directory
// into crash/, named after the process and the moment. The count is
// bounded so a crash loop cannot fill the disk.
func (s *Supervisor) rescueCore(sl *slot, pid int) {
	if s.coreRenames >= maxCoreRenames {
		return
	}
	for _, name := range []string{fmt.Sprintf("core.%d", pid), "core"} {
		src := filepath.Join(s.o.Layout.Work, name)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		dst := filepath.Join(s.o.Layout.Crash(),
			fmt.Sprintf("%s_%d", sl.id, time.Now().Unix()))
		if err := os.Rename(src, dst); err != nil {
			s.log.Warn("core file rescue failed", "core", src, "err", err)
			return
		}
		s.coreRenames++
		s.log.Info("core file kept", "proc", sl.id, "core", dst)
		return
	}
}

// scannerReady runs once per scanner incarnation: it flips the scanner to
// on and brings up the slots that wait for a working pipeline.
func (s *Supervisor) scannerReady() {
	if sl := find(s.table, state.ProcAMG); sl != nil && sl.running {
		s.status.Proc(state.ProcAMG).SetState(state.ProcOn)
	}
	if s.amgReady {
		return
	}
	s.amgReady = true
	s.log.Info("scanner ready")
	for _, sl := range s.table {
		if sl.deferred && !sl.running && !sl.stopped && !sl.failed {
			s.spawn(sl)
		}
	}
}

func (s *Supervisor) stopProc(p state.Proc) {
	sl := find(s.table, p)
	if sl == nil {
		return
	}
	sl.stopped = true
	sl.restartAt = time.Time{}
	if !sl.running {
		s.status.Proc(p).SetState(state.ProcStopped)
		return
	}
	s.askStop(sl)
}

func (s *Supervisor) startProc(p state.Proc) {
	sl := find(s.table, p)
	if sl == nil {
		return
	}
	sl.stopped, sl.failed, sl.fastFails = false, false, 0
	if !sl.running {
		s.spawn(sl)
	}
}

// startAll clears stop marks and brings up every non-deferred slot. The
// deferred ones wait for the fresh scanner's ready signal as usual.
func (s *Supervisor) startAll() {
	for _, sl := range s.table {
		sl.stopped, sl.failed, sl.fastFails = false, false, 0
		if sl.deferred || sl.running {
			continue
		}
		s.spawn(sl)
	}
}

// askStop delivers the graceful stop: the drain verb for the children that
// have a command fifo, an interrupt for the rest.
func (s *Supervisor) askStop(sl *slot) {
	switch sl.id {
	case state.ProcAMG:
		s.send(s.amgCmd, scan.CmdQuit)
	case state.ProcFD:
		s.send(s.fdCmd, fd.CmdQuit)
	case state.ProcHelper:
		s.send(s.helperCmd, helper.CmdQuit)
	default:
		s.signal(sl, os.Interrupt)
	}
}

// tick fires due restarts and, every few seconds, the batch watchdog.
func (s *Supervisor) tick() {
	now := time.Now()
	for _, sl := range s.table {
		if sl.running || sl.stopped || sl.failed || sl.restartAt.IsZero() {
			continue
		}
		if !now.Before(sl.restartAt) {
			sl.restartAt = time.Time{}
			s.spawn(sl)
		}
	}
	s.ticks++
	if s.ticks%jobCheckEvery == 0 {
		s.checkJobs()
	}
}

// checkJobs pauses the scanner when the outgoing tree holds so many batch
// links that further linking risks EMLINK, and resumes it once the
// dispatcher has worked the count down past a lower mark.
func (s *Supervisor) checkJobs() {
	n := countBatches(s.o.Layout.Outgoing())
	switch {
	case !s.throttled && n > s.danger:
		s.log.Warn("outgoing batch count in the danger zone, pausing the scanner",
			"batches", n, "danger", s.danger)
		s.send(s.amgCmd, scan.CmdStop)
		s.throttled = true
	case s.throttled && n < s.resume:
		s.log.Info("outgoing batch count recovered, resuming the scanner", "batches", n)
		s.send(s.amgCmd, scan.CmdStart)
		s.throttled = false
	}
}

// countBatches counts queued batch directories, one level below the
// per-job directories of the outgoing tree.
func countBatches(dir string) int {
	tops, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, t := range tops {
		if !t.IsDir() {
			continue
		}
		ents, err := os.ReadDir(filepath.Join(dir, t.Name()))
		if err != nil {
			continue
		}
		n += len(ents)
	}
	return n
}

// shutdown winds the tree down in order: the helper first, then scanner
// and dispatcher drain, then everything else in reverse startup order so
// the system log outlives whatever still wants to write a line. Children
// that ignore their grace are killed. fast trades the configured budget
// for a minimal one.
func (s *Supervisor) shutdown(fast bool) {
	s.draining = true
	budget := s.o.Config.ShutdownTimeout()
	if fast {
		budget = fastBudget
	}
	deadline := time.Now().Add(budget)
	s.log.Info("shutdown", "fast", fast, "budget", budget)

	if sl := find(s.table, state.ProcHelper); sl != nil && sl.running {
		s.send(s.helperCmd, helper.CmdQuit)
		s.await(deadline, sl)
		s.forceKill(sl)
	}

	amg := find(s.table, state.ProcAMG)
	fdSl := find(s.table, state.ProcFD)
	if amg != nil && amg.running {
		s.send(s.amgCmd, scan.CmdQuit)
	}
	if fdSl != nil && fdSl.running {
		s.send(s.fdCmd, fd.CmdQuit)
	}
	s.await(deadline, amg, fdSl)
	s.forceKill(amg)
	s.forceKill(fdSl)

	for i := len(s.table) - 1; i >= 0; i-- {
		sl := s.table[i]
		if !sl.running {
			continue
		}
		s.signal(sl, os.Interrupt)
		s.await(deadline, sl)
		s.forceKill(sl)
	}

	for _, sl := range s.table {
		s.status.Proc(sl.id).SetState(state.ProcOff)
	}
	s.log.Info("shutdown complete")
}

// await consumes child exits in 100 ms steps until the given slots are
// gone or the deadline lapses. Other children exiting meanwhile are reaped
// normally.
func (s *Supervisor) await(deadline time.Time, slots ...*slot) {
	for {
		alive := false
		for _, sl := range slots {
			if sl != nil && sl.running {
				alive = true
			}
		}
		if !alive {
			return
		}
		left := time.Until(deadline)
		if left <= 0 {
			return
		}
		if left > 100*time.Millisecond {
			left = 100 * time.Millisecond
		}
		select {
		case e := <-s.exits:
			s.reap(e)
		case <-time.After(left):
		}
	}
}

// forceKill ends a child that spent its grace. SIGKILL cannot be caught,
// so the wait afterwards is unconditional.
func (s *Supervisor) forceKill(sl *slot) {
	if sl == nil || !sl.running {
		return
	}
	s.log.Warn("process ignored shutdown, killing", "proc", sl.id, "pid", sl.pid)
	if sl.proc != nil {
		sl.proc.Kill()
	}
	for sl.running {
		s.reap(<-s.exits)
	}
}

func (s *Supervisor) signal(sl *slot, sig os.Signal) {
	if sl.proc != nil {
		sl.proc.Signal(sig)
	}
}

func (s *Supervisor) ack() {
	if err := s.resp.WriteByte(Ackn); err != nil {
		s.log.Warn("acknowledge failed", "err", err)
	}
}

func (s *Supervisor) send(p *fifo.Pipe, c byte) {
	if err := p.WriteByte(c); err != nil {
		s.log.Warn("command fifo write failed", "fifo", p.Path(), "err", err)
	}
}

func readBytes(p *fifo.Pipe, ch chan<- byte) {
	defer close(ch)
	var b [1]byte
	for {
		n, err := p.Read(b[:])
		if err != nil {
			return
		}
		if n > 0 {
			ch <- b[0]
		}
	}
}

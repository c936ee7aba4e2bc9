// Package fd is the transfer dispatcher. It consumes the job messages the
// scanner side emits, queues them per destination host and spawns transfer
// workers against the shared host area, one worker per job status slot.
//
// One FD owns the whole delivery side of the pipeline: the per-host queues
// and their priorities, the worker handshake and burst protocol, retry
// backoff and the not-working escalation, and the crash recovery sweep over
// the mirrored messages. How a batch actually reaches the destination lives
// in internal/sf.
package fd

import (
	"bufio"
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/holger24/afd/internal/config"
	"github.com/holger24/afd/internal/fifo"
	"github.com/holger24/afd/internal/jobs"
	"github.com/holger24/afd/internal/logd"
	"github.com/holger24/afd/internal/msg"
	"github.com/holger24/afd/internal/paths"
	"github.com/holger24/afd/internal/state"
)

// Command verbs accepted on the dispatcher command fifo.
const (
	CmdCheckFileDir = 'C' // requeue mirrored messages and orphaned batches
	CmdReread       = 'R' // reload the directory configuration
	CmdQuit         = 'Q' // drain the workers and leave the run loop
)

// Options configures an FD.
type Options struct {
	Layout paths.Layout
	Config config.Config
	Logger *slog.Logger
}

// queued is one job message waiting on a host queue. It stays in the
// inflight set from admission until the batch is delivered or dropped, so
// a file dir check never queues the same batch twice.
type queued struct {
	m      *msg.Message
	job    *jobs.Job
	mirror string // crash recovery copy under files/msg
	key    string // batch name, the inflight identity
	seq    uint64 // admission order, the tiebreak within a priority
}

// hostQueue orders one host's messages by job priority, then admission.
type hostQueue struct {
	items []*queued
}

func (q *hostQueue) Len() int { return len(q.items) }

func (q *hostQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if a.job.Priority != b.job.Priority {
		return a.job.Priority < b.job.Priority
	}
	return a.seq < b.seq
}

func (q *hostQueue) Swap(i, j int) { q.items[i], q.items[j] = q.items[j], q.items[i] }

func (q *hostQueue) Push(x any) { q.items = append(q.items, x.(*queued)) }

func (q *hostQueue) Pop() any {
	old := q.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	q.items = old[:n-1]
	return it
}

func (q *hostQueue) peek() *queued { return q.items[0] }

// worker is one running transfer process.
type worker struct {
	pid   int
	host  int
	slot  int
	proto string
	fast  bool        // current batch is burst-eligible
	cur   *queued     // batch being delivered, nil between fin and burst
	burst *fifo.Pipe  // the worker's private fifo
	proc  *os.Process // for the shutdown kill escalation
}

// exit is delivered by a worker's waiter goroutine.
type exit struct {
	pid      int
	code     int
	signaled bool
}

// FD consumes job messages and keeps the transfer workers fed.
type FD struct {
	o   Options
	log *slog.Logger

	dc    config.DirConfig
	table *jobs.Table

	fsa    *state.FSA
	status *state.Status

	cmd  *fifo.Pipe
	msgs *fifo.Pipe
	fin  *fifo.Pipe

	transLog *logd.LineClient
	eventLog *logd.FrameClient

	queues   []*hostQueue
	inflight map[string]*queued
	workers  map[int]*worker
	exits    chan exit
	fins     chan string
	seq      uint64
	draining bool
}

// New builds an FD from the on-disk configuration. It creates the work
// tree, the fifos and the shared host area as needed, so it can run
// supervised or on its own.
func New(o Options) (*FD, error) {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	f := &FD{
		o:        o,
		log:      o.Logger,
		inflight: make(map[string]*queued),
		workers:  make(map[int]*worker),
		exits:    make(chan exit, 64),
	}
	if err := f.init(); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

func (f *FD) init() error {
	l := f.o.Layout
	if err := paths.MkTree(l); err != nil {
		return err
	}

	var err error
	if f.cmd, err = fifo.OpenOrCreate(l.FdCmdFifo()); err != nil {
		return err
	}
	if f.msgs, err = fifo.OpenOrCreate(l.MsgFifo()); err != nil {
		return err
	}
	if f.fin, err = fifo.OpenOrCreate(l.SfFinFifo()); err != nil {
		return err
	}
	if f.transLog, err = logd.NewLineClient(l.LogFifo("transfer")); err != nil {
		return err
	}
	if f.eventLog, err = logd.NewFrameClient(l.LogFifo("event")); err != nil {
		return err
	}
	if f.status, err = state.OpenStatus(l.AfdStatusFile(), ""); err != nil {
		return err
	}

	dc, err := config.LoadDirConfig(l.DirConfigFile())
	if err != nil {
		return err
	}
	table, err := jobs.Compile(&dc, time.Duration(f.o.Config.DefaultAgeLimit)*time.Second)
	if err != nil {
		return err
	}
	fsa, err := state.ReconcileFSA(l.FSAFile(), dc.Hosts)
	if err != nil {
		return err
	}
	f.dc = dc
	f.table = table
	f.fsa = fsa
	f.queues = freshQueues(fsa.Count())

	// transfer state left behind by a previous run
	for i := 0; i < f.fsa.Count(); i++ {
		h := f.fsa.Host(i)
		if n := h.ActiveTransfers(); n != 0 {
			h.AddActiveTransfers(-n)
		}
		for n := 0; n < config.MaxAllowedTransfers; n++ {
			if s := h.Slot(n); s.Pid() != 0 {
				s.Clear()
			}
		}
	}
	return nil
}

func freshQueues(n int) []*hostQueue {
	qs := make([]*hostQueue, n)
	for i := range qs {
		qs[i] = &hostQueue{}
	}
	return qs
}

// Close releases all handles. Run must have returned.
func (f *FD) Close() error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	for _, w := range f.workers {
		if w.burst != nil {
			keep(w.burst.Close())
		}
	}
	if f.fsa != nil {
		keep(f.fsa.Close())
	}
	if f.status != nil {
		keep(f.status.Close())
	}
	if f.eventLog != nil {
		keep(f.eventLog.Close())
	}
	if f.transLog != nil {
		keep(f.transLog.Close())
	}
	for _, p := range []*fifo.Pipe{f.cmd, f.msgs, f.fin} {
		if p != nil {
			keep(p.Close())
		}
	}
	return first
}

// Run requeues leftovers from the previous run and then serves the message
// fifo, the fin fifo, worker exits and the command fifo until the context
// ends or a quit command arrives.
func (f *FD) Run(ctx context.Context) error {
	recs := make(chan []byte, 64)
	go readRecords(f.msgs, recs)
	cmds := make(chan byte, 8)
	go readBytes(f.cmd, cmds)
	f.fins = make(chan string, 64)
	go readLines(f.fin, f.fins)

	f.log.Info("transfer dispatcher ready",
		"hosts", f.fsa.Count(), "jobs", f.table.Len(),
		"max_connections", f.o.Config.FD.MaxConnections)

	f.checkFileDir()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.shutdown()
			return nil
		case rec, ok := <-recs:
			if !ok {
				recs = nil
				continue
			}
			f.accept(rec)
		case c, ok := <-cmds:
			if !ok {
				cmds = nil
				continue
			}
			if f.command(c) {
				return nil
			}
		case line, ok := <-f.fins:
			if !ok {
				f.fins = nil
				continue
			}
			f.finished(line)
		case e := <-f.exits:
			f.reap(e)
		case <-ticker.C:
			f.pumpAll()
		}
	}
}

// command handles one verb from the command fifo and reports whether the
// run loop should end.
func (f *FD) command(c byte) bool {
	switch c {
	case CmdCheckFileDir:
		f.checkFileDir()
	case CmdReread:
		f.reload()
	case CmdQuit:
		f.log.Info("transfer dispatcher stopping", "workers", len(f.workers))
		f.shutdown()
		return true
	default:
		f.log.Warn("unknown dispatcher command", "cmd", fmt.Sprintf("%q", c))
	}
	return false
}

func (f *FD) shutdown() {
	f.draining = true
	f.drain(f.o.Config.ShutdownTimeout())
}

// drain quiesces every worker, asks it to quit and reaps it. Workers still
// around when the timeout lapses are killed and reaped through their
// waiters. Fin records arriving while draining settle normally, so a batch
// delivered right before the quit verb is not requeued.
func (f *FD) drain(timeout time.Duration) {
	if len(f.workers) == 0 {
		return
	}
	for _, w := range f.workers {
		if unlock, err := f.fsa.LockRecord(w.host); err == nil {
			f.fsa.Host(w.host).Slot(w.slot).SetQuiesced(true)
			unlock()
		}
		f.quitWorker(w)
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for len(f.workers) > 0 {
		select {
		case line, ok := <-f.fins:
			if !ok {
				f.fins = nil
				continue
			}
			f.finished(line)
		case e := <-f.exits:
			f.reap(e)
		case <-deadline.C:
			f.log.Warn("worker drain timed out, killing", "workers", len(f.workers))
			for _, w := range f.workers {
				if w.proc != nil {
					w.proc.Kill()
				}
			}
			for len(f.workers) > 0 {
				f.reap(<-f.exits)
			}
			return
		}
	}
}

// reload reloads the directory configuration. The active workers finish
// their current batch against the old host area first; only then are the
// tables and the area swapped and the queued messages re-resolved. On any
// load error the running configuration stays in effect.
func (f *FD) reload() {
	l := f.o.Layout
	dc, err := config.LoadDirConfig(l.DirConfigFile())
	if err != nil {
		f.log.Error("reread failed, keeping previous configuration", "err", err)
		return
	}
	table, err := jobs.Compile(&dc, time.Duration(f.o.Config.DefaultAgeLimit)*time.Second)
	if err != nil {
		f.log.Error("reread failed, keeping previous configuration", "err", err)
		return
	}

	f.draining = true
	f.drain(f.o.Config.ShutdownTimeout())
	f.draining = false

	fsa, err := state.ReconcileFSA(l.FSAFile(), dc.Hosts)
	if err != nil {
		f.log.Error("reread failed, keeping previous host area", "err", err)
		return
	}
	f.fsa.Close()
	f.dc = dc
	f.table = table
	f.fsa = fsa

	// re-resolve the queued messages against the new tables
	var held []*queued
	for _, q := range f.queues {
		held = append(held, q.items...)
	}
	f.queues = freshQueues(f.fsa.Count())
	for _, it := range held {
		job := f.table.ByID(it.job.ID)
		if job == nil {
			f.log.Warn("dropping queued message, job gone after reread",
				"msg", it.key, "host", it.job.Host)
			hi := -1
			if i, ok := f.fsa.HostIndex(it.job.Host); ok {
				hi = i
			}
			f.discard(it.m, it.mirror, hi)
			delete(f.inflight, it.key)
			continue
		}
		it.job = job
		heap.Push(f.queues[job.HostIndex], it)
	}
	f.status.SetJobsInQueue(len(f.inflight))

	f.log.Info("directory configuration reread",
		"hosts", f.fsa.Count(), "jobs", f.table.Len())
	f.sweepFileDir()
	f.recountQueues()
	f.pumpAll()
}

// recountQueues resets the queued gauges to what is actually held. After
// an area rebuild the new records start from zero while the requeued
// messages kept their counts.
func (f *FD) recountQueues() {
	for hi, q := range f.queues {
		var nf, nj int
		var nb int64
		for _, it := range q.items {
			nf += int(it.m.LinkedFiles)
			nb += it.m.LinkedSize
			nj++
		}
		if unlock, err := f.fsa.LockRecord(hi); err == nil {
			h := f.fsa.Host(hi)
			h.AddQueued(nf-h.FilesQueued(), nb-h.BytesQueued())
			h.AddJobsQueued(nj - h.JobsQueued())
			unlock()
		}
	}
}

// accept admits one raw fifo record.
func (f *FD) accept(rec []byte) {
	m, err := msg.Decode(rec)
	if err != nil {
		f.log.Warn("bad job message", "err", err)
		return
	}
	if hi := f.enqueue(m, filepath.Join(f.o.Layout.Msg(), msg.MirrorName(m))); hi >= 0 {
		f.pump(hi)
	}
}

// enqueue places a message on its host queue and returns the host index,
// or -1 when the message was dropped.
func (f *FD) enqueue(m *msg.Message, mirror string) int {
	id, err := m.JobID()
	if err != nil {
		f.log.Warn("job message without job id", "outgoing", m.Outgoing)
		f.discard(m, mirror, -1)
		return -1
	}
	job := f.table.ByID(id)
	if job == nil {
		// Counters for this batch cannot be rolled back without the job.
		// The next area rebuild squares them.
		f.log.Warn("job message for unknown job",
			"job", fmt.Sprintf("%x", id), "outgoing", m.Outgoing)
		f.discard(m, mirror, -1)
		return -1
	}
	key := msg.MirrorName(m)
	if _, ok := f.inflight[key]; ok {
		return -1
	}
	h := f.fsa.Host(job.HostIndex)
	if h.Status()&state.HostDisabled != 0 {
		f.log.Info("dropping message for disabled host", "host", job.Host, "msg", key)
		f.discard(m, mirror, job.HostIndex)
		return -1
	}
	f.seq++
	it := &queued{m: m, job: job, mirror: mirror, key: key, seq: f.seq}
	heap.Push(f.queues[job.HostIndex], it)
	f.inflight[key] = it
	f.status.SetJobsInQueue(len(f.inflight))
	return job.HostIndex
}

// discard removes a message's files and mirror. With a valid host index the
// queued gauges the dispatcher added at emit time are rolled back.
func (f *FD) discard(m *msg.Message, mirror string, hi int) {
	if hi >= 0 {
		if unlock, err := f.fsa.LockRecord(hi); err == nil {
			h := f.fsa.Host(hi)
			h.AddQueued(-int(m.LinkedFiles), -m.LinkedSize)
			h.AddJobsQueued(-1)
			unlock()
		}
	}
	if err := os.RemoveAll(m.Outgoing); err != nil {
		f.log.Warn("remove outgoing batch", "dir", m.Outgoing, "err", err)
	}
	if mirror != "" {
		os.Remove(mirror)
	}
}

func (f *FD) pumpAll() {
	for i := range f.queues {
		if f.queues[i].Len() > 0 {
			f.pump(i)
		}
	}
}

// pump starts workers for one host queue until a gate closes: the host's
// parallelism, the global connection cap, a held queue or the retry
// backoff of a failing host.
func (f *FD) pump(hi int) {
	if f.draining || hi >= len(f.queues) {
		return
	}
	q := f.queues[hi]
	h := f.fsa.Host(hi)
	for q.Len() > 0 {
		st := h.Status()
		if st&state.HostDisabled != 0 {
			f.dropDisabled(hi, q)
			return
		}
		if st&(state.HostPauseQueue|state.HostStopTransfer) != 0 {
			return
		}
		if h.ActiveTransfers() >= h.AllowedTransfers() {
			return
		}
		if len(f.workers) >= f.o.Config.FD.MaxConnections {
			return
		}
		if h.ErrorCounter() > 0 {
			ri := time.Duration(h.RetryInterval()) * time.Second
			if ri <= 0 {
				ri = time.Duration(f.o.Config.FD.RetryInterval) * time.Second
			}
			if time.Since(h.LastRetry()) < ri {
				return
			}
		}
		it := heap.Pop(q).(*queued)
		if !f.start(hi, it) {
			heap.Push(q, it)
			return
		}
	}
}

// dropDisabled flushes a disabled host's queue.
func (f *FD) dropDisabled(hi int, q *hostQueue) {
	for q.Len() > 0 {
		it := heap.Pop(q).(*queued)
		f.log.Info("dropping queued message for disabled host",
			"host", it.job.Host, "msg", it.key)
		f.discard(it.m, it.mirror, hi)
		delete(f.inflight, it.key)
	}
	f.status.SetJobsInQueue(len(f.inflight))
}

// start spawns a transfer worker for the message. A false return means the
// message was not started and belongs back on the queue.
func (f *FD) start(hi int, it *queued) bool {
	h := f.fsa.Host(hi)
	slot := -1
	limit := h.AllowedTransfers()
	if limit > config.MaxAllowedTransfers {
		limit = config.MaxAllowedTransfers
	}
	for n := 0; n < limit; n++ {
		if h.Slot(n).Pid() == 0 {
			slot = n
			break
		}
	}
	if slot < 0 {
		return false
	}

	a := &Assignment{MsgFile: it.mirror, HostIndex: hi, Slot: slot}
	cmd, err := SpawnWorker(f.o.Layout, it.job.Proto, a)
	if err != nil {
		f.log.Error("spawn transfer worker",
			"host", it.job.Host, "proto", it.job.Proto, "err", err)
		return false
	}
	pid := cmd.Process.Pid

	burst, err := fifo.Open(WorkerFifo(f.o.Layout, pid))
	if err != nil {
		// The worker still delivers its assignment, it just cannot burst.
		f.log.Warn("open worker fifo", "pid", pid, "err", err)
	}

	now := time.Now()
	if unlock, err := f.fsa.LockRecord(hi); err == nil {
		s := h.Slot(slot)
		s.SetPid(pid)
		s.SetStatus(state.SlotConnecting)
		s.SetJobID(it.job.ID)
		s.SetUniqueName(it.m.UniqueName)
		h.AddActiveTransfers(1)
		h.AddConnection()
		if h.ErrorCounter() > 0 {
			h.SetLastRetry(now)
		}
		unlock()
	}
	f.status.AddFDFork()

	w := &worker{
		pid:   pid,
		host:  hi,
		slot:  slot,
		proto: it.job.Proto,
		fast:  it.m.FastPath,
		cur:   it,
		burst: burst,
		proc:  cmd.Process,
	}
	f.workers[pid] = w
	go func() {
		err := cmd.Wait()
		e := exit{pid: pid}
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			e.code = ee.ExitCode()
			if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				e.signaled = true
			}
		} else if err != nil {
			e.code = 1
		}
		f.exits <- e
	}()

	f.log.Debug("transfer worker started",
		"pid", pid, "host", it.job.Host, "slot", slot, "msg", it.key)
	return true
}

// finished settles one fin record and decides whether the worker bursts
// into the next batch or quits.
func (f *FD) finished(line string) {
	pid, rc, err := ParseFin(line)
	if err != nil {
		f.log.Warn("bad fin record", "line", line)
		return
	}
	w := f.workers[pid]
	if w == nil {
		f.log.Debug("fin for reaped worker", "pid", pid)
		return
	}
	it := w.cur
	w.cur = nil
	if it == nil {
		f.log.Warn("fin without assignment", "pid", pid)
		return
	}
	if rc == 0 {
		f.settle(w, it)
	} else {
		f.setback(w.host, w.slot, it, fmt.Sprintf("rc %d", rc))
	}
	f.burstOrQuit(w)
	f.pump(w.host)
}

// settle records one delivered batch. The worker has already removed the
// mirror and the outgoing files.
func (f *FD) settle(w *worker, it *queued) {
	recovered := false
	if unlock, err := f.fsa.LockRecord(w.host); err == nil {
		h := f.fsa.Host(w.host)
		h.AddJobsQueued(-1)
		h.SetLastConnection(time.Now())
		if h.ErrorCounter() != 0 || h.Status()&state.HostNotWorking != 0 {
			h.SetErrorCounter(0)
			h.ClearStatus(state.HostNotWorking)
			recovered = true
		}
		unlock()
	}
	if recovered {
		f.log.Info("host working again", "host", it.job.Host)
		f.event(logd.EventHostErrorCleared, it.job.Host)
	}
	delete(f.inflight, it.key)
	f.status.SetJobsInQueue(len(f.inflight))
}

// setback requeues a failed batch, bumps the host's error counter and
// raises the not-working state once the counter reaches max errors.
func (f *FD) setback(hi, slot int, it *queued, detail string) {
	escalated := false
	var errs uint32
	if unlock, err := f.fsa.LockRecord(hi); err == nil {
		h := f.fsa.Host(hi)
		errs = h.ErrorCounter() + 1
		h.SetErrorCounter(errs)
		h.AddError()
		h.SetLastRetry(time.Now())
		if int(errs) >= h.MaxErrors() && h.Status()&state.HostNotWorking == 0 {
			h.SetStatus(state.HostNotWorking)
			escalated = true
		}
		unlock()
	}
	f.log.Warn("delivery failed",
		"host", it.job.Host, "msg", it.key, "errors", errs, "detail", detail)
	status := "retry " + detail
	if escalated {
		f.log.Error("host not working", "host", it.job.Host, "errors", errs)
		f.event(logd.EventHostError, it.job.Host)
		status = "error not working"
	}
	f.record(logd.Transfer{
		Host:   it.job.Host,
		Slot:   slot,
		Proto:  it.job.Proto,
		File:   "-",
		Status: status,
	})
	heap.Push(f.queues[hi], it)
}

// burstOrQuit hands the worker the next batch of its host when both the
// finished and the next batch allow it, otherwise tells it to quit.
func (f *FD) burstOrQuit(w *worker) {
	q := f.queues[w.host]
	h := f.fsa.Host(w.host)
	if !f.draining && w.fast && w.burst != nil && q.Len() > 0 &&
		h.Status()&(state.HostPauseQueue|state.HostStopTransfer|state.HostDisabled|state.HostNotWorking) == 0 &&
		h.ErrorCounter() == 0 {
		next := q.peek()
		if next.job.Proto == w.proto && next.m.FastPath {
			it := heap.Pop(q).(*queued)
			if err := WriteBurst(w.burst, it.mirror); err == nil {
				w.cur = it
				if unlock, err := f.fsa.LockRecord(w.host); err == nil {
					s := h.Slot(w.slot)
					s.SetJobID(it.job.ID)
					s.SetUniqueName(it.m.UniqueName)
					unlock()
				}
				f.status.AddBurst()
				f.log.Debug("burst", "pid", w.pid, "msg", it.key)
				return
			}
			heap.Push(q, it)
		}
	}
	f.quitWorker(w)
}

func (f *FD) quitWorker(w *worker) {
	if w.burst == nil {
		return
	}
	if err := WriteQuit(w.burst); err != nil {
		f.log.Debug("quit verb", "pid", w.pid, "err", err)
	}
}

// reap settles one worker exit. This is the only place worker counters and
// slots are released.
func (f *FD) reap(e exit) {
	w := f.workers[e.pid]
	if w == nil {
		return
	}
	delete(f.workers, e.pid)
	if w.burst != nil {
		w.burst.Close()
	}
	os.Remove(WorkerFifo(f.o.Layout, e.pid))

	h := f.fsa.Host(w.host)
	quiesced := false
	if unlock, err := f.fsa.LockRecord(w.host); err == nil {
		s := h.Slot(w.slot)
		quiesced = s.Quiesced()
		s.Clear()
		h.AddActiveTransfers(-1)
		unlock()
	}

	switch {
	case w.cur == nil:
		if e.code != 0 && !quiesced {
			f.log.Warn("transfer worker exit",
				"pid", e.pid, "host", h.Alias(), "rc", e.code)
		}
	case quiesced:
		// Interrupted by shutdown or reread. The mirror stays on disk and
		// the next file dir check requeues it.
		f.log.Info("delivery interrupted", "pid", e.pid, "msg", w.cur.key)
		delete(f.inflight, w.cur.key)
		f.status.SetJobsInQueue(len(f.inflight))
	case e.signaled || e.code != 0:
		f.log.Error("transfer worker died",
			"pid", e.pid, "host", h.Alias(), "signaled", e.signaled, "rc", e.code)
		f.setback(w.host, w.slot, w.cur, "worker died")
	default:
		// Clean exit with an unstarted assignment: the burst verb lost the
		// race against the worker's idle timeout.
		heap.Push(f.queues[w.host], w.cur)
	}
	f.pump(w.host)
}

// checkFileDir requeues every mirrored message not currently queued and
// rebuilds messages for outgoing batches that lost their mirror.
func (f *FD) checkFileDir() {
	f.sweepFileDir()
	f.pumpAll()
}

func (f *FD) sweepFileDir() {
	requeued := 0
	ents, err := os.ReadDir(f.o.Layout.Msg())
	if err != nil {
		f.log.Warn("check file dir", "err", err)
	}
	for _, ent := range ents {
		if ent.IsDir() || strings.HasSuffix(ent.Name(), ".tmp") {
			continue
		}
		if _, ok := f.inflight[ent.Name()]; ok {
			continue
		}
		path := filepath.Join(f.o.Layout.Msg(), ent.Name())
		m, err := msg.ReadMirror(path)
		if err != nil {
			f.log.Warn("unreadable message mirror", "file", ent.Name(), "err", err)
			os.Remove(path)
			continue
		}
		if f.enqueue(m, path) >= 0 {
			requeued++
		}
	}
	rebuilt := f.adoptOrphans()
	if requeued > 0 || rebuilt > 0 {
		f.log.Info("file dir check", "requeued", requeued, "rebuilt", rebuilt)
	}
}

// adoptOrphans walks the outgoing tree for batch directories without a
// mirror, the leftovers of a dispatcher that died mid-emit. Each one gets
// its message rebuilt from the directory itself. The queued gauges are
// raised here because a dispatcher that never wrote the mirror never
// counted the batch either.
func (f *FD) adoptOrphans() int {
	l := f.o.Layout
	rebuilt := 0
	jdirs, err := os.ReadDir(l.Outgoing())
	if err != nil {
		return 0
	}
	for _, jd := range jdirs {
		if !jd.IsDir() {
			continue
		}
		var id uint32
		if _, err := fmt.Sscanf(jd.Name(), "%x", &id); err != nil {
			continue
		}
		job := f.table.ByID(id)
		jdir := filepath.Join(l.Outgoing(), jd.Name())
		batches, err := os.ReadDir(jdir)
		if err != nil {
			continue
		}
		for _, bd := range batches {
			if !bd.IsDir() {
				continue
			}
			name := bd.Name()
			dir := filepath.Join(jdir, name)
			if _, ok := f.inflight[name]; ok {
				continue
			}
			if _, err := os.Stat(filepath.Join(l.Msg(), name)); err == nil {
				continue
			}
			if job == nil {
				f.log.Warn("removing orphaned batch, job unknown",
					"job", jd.Name(), "batch", name)
				os.RemoveAll(dir)
				continue
			}
			var created int64
			var unique, split uint32
			if _, err := fmt.Sscanf(name, "%x_%x_%x", &created, &unique, &split); err != nil {
				continue
			}
			files, size := batchStats(dir)
			if files == 0 {
				os.Remove(dir)
				continue
			}
			m := &msg.Message{
				Outgoing:    dir,
				UniqueName:  msg.UniqueName(created, unique),
				Split:       split,
				Unique:      unique,
				Created:     created,
				JobIndex:    uint32(job.Index),
				FileCount:   files,
				LinkedFiles: files,
				LinkedSize:  size,
				FastPath:    job.TimeMode == config.TimeNone,
			}
			mirror, err := msg.WriteMirror(l.Msg(), m)
			if err != nil {
				f.log.Warn("rebuild message mirror", "batch", name, "err", err)
				continue
			}
			if unlock, err := f.fsa.LockRecord(job.HostIndex); err == nil {
				h := f.fsa.Host(job.HostIndex)
				h.AddQueued(int(files), size)
				h.AddJobsQueued(1)
				unlock()
			}
			if f.enqueue(m, mirror) >= 0 {
				rebuilt++
			}
		}
		os.Remove(jdir) // succeeds only once empty
	}
	return rebuilt
}

func batchStats(dir string) (files uint32, size int64) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return 0, 0
	}
	for _, ent := range ents {
		if ent.IsDir() {
			continue
		}
		fi, err := ent.Info()
		if err != nil {
			continue
		}
		files++
		size += fi.Size()
	}
	return files, size
}

func (f *FD) event(a logd.EventAction, host string) {
	e := logd.Event{Action: a, Subject: host}
	if err := f.eventLog.Record(e.Payload()); err != nil {
		f.log.Warn("event log", "err", err)
	}
}

func (f *FD) record(t logd.Transfer) {
	if err := f.transLog.Record(t.Record()); err != nil {
		f.log.Warn("transfer log", "err", err)
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

func readLines(p *fifo.Pipe, ch chan<- string) {
	defer close(ch)
	sc := bufio.NewScanner(p)
	for sc.Scan() {
		ch <- sc.Text()
	}
}

// readRecords chunks the message fifo into fixed records. Writers emit one
// record per write, but a reader may still see a join of several.
func readRecords(p *fifo.Pipe, ch chan<- []byte) {
	defer close(ch)
	var acc []byte
	buf := make([]byte, 8*msg.RecordLen)
	for {
		n, err := p.Read(buf)
		if err != nil {
			return
		}
		acc = append(acc, buf[:n]...)
		for len(acc) >= msg.RecordLen {
			rec := make([]byte, msg.RecordLen)
			copy(rec, acc)
			acc = acc[msg.RecordLen:]
			ch <- rec
		}
	}
}

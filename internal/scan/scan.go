// Package scan is the directory scanner. It polls the configured source
// directories, moves arrivals into pool batches and hands each batch to the
// dispatcher, inline or in a forked helper process.
//
// One Scanner is the whole scan side of the pipeline: it reconciles the
// shared host and directory areas at startup, owns the scan schedules and
// the keep-mode pickup caches, and tracks running dispatch helpers. What
// happens to a batch after pickup lives in internal/dispatch.
package scan

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sys/unix"

	"github.com/holger24/afd/internal/config"
	"github.com/holger24/afd/internal/dispatch"
	"github.com/holger24/afd/internal/dupcheck"
	"github.com/holger24/afd/internal/fifo"
	"github.com/holger24/afd/internal/jobs"
	"github.com/holger24/afd/internal/logd"
	"github.com/holger24/afd/internal/paths"
	"github.com/holger24/afd/internal/schedule"
	"github.com/holger24/afd/internal/state"
)

// Command verbs accepted on the scanner command fifo.
const (
	CmdStart  = 'S' // resume scanning
	CmdStop   = 'T' // pause scanning, keep running
	CmdReread = 'R' // reload the directory configuration
	CmdQuit   = 'Q' // leave the run loop
)

// Ready is written to the response fifo once startup is complete.
const Ready = 'R'

// finAlarm bounds how long a lost fin record can hold a helper slot. Every
// tick the recorded helper pids are probed and the gone ones settled.
const finAlarm = 25 * time.Second

// ErrDirectoryUnavailable flags a source directory that cannot be entered.
// The per-directory error counter decides when it becomes an alarm.
var ErrDirectoryUnavailable = errors.New("source directory unavailable")

// Options configures a Scanner.
type Options struct {
	Layout paths.Layout
	Config config.Config
	Paused bool // start with scanning paused
	Logger *slog.Logger
}

// dirRun is the compiled per-directory scan state that does not live in the
// shared area.
type dirRun struct {
	sched *schedule.Schedule // nil = no scan schedule
	mask  fsnotify.Op        // 0 = poll only
	cache *lsCache           // nil = remove mode
	pool  namePool
}

// Scanner watches the source directories and feeds the dispatcher.
type Scanner struct {
	o   Options
	log *slog.Logger

	dc    config.DirConfig
	table *jobs.Table

	fsa     *state.FSA
	fra     *state.FRA
	status  *state.Status
	counter *state.Counter
	dup     *dupcheck.DB

	cmd  *fifo.Pipe
	resp *fifo.Pipe
	fin  *fifo.Pipe
	msgs *fifo.Pipe

	recvLog  *logd.LineClient
	eventLog *logd.FrameClient
	distLog  *logd.FrameClient
	prodLog  *logd.FrameClient

	disp    *dispatch.Dispatcher
	watcher *fsnotify.Watcher

	scanning bool
	drift    schedule.Regression
	poolDev  uint64

	dirs     []dirRun
	watchMu  sync.Mutex
	watched  map[string]int       // watched path -> directory index
	nextSend map[uint32]time.Time // collect job -> next release boundary
	helpers  map[int]int          // running dispatch helper pid -> directory index
}

// New builds a Scanner from the on-disk configuration. It creates the work
// tree, the fifos and the shared areas as needed, so it can run supervised
// or on its own.
func New(o Options) (*Scanner, error) {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	s := &Scanner{
		o:        o,
		log:      o.Logger,
		scanning: !o.Paused,
		watched:  make(map[string]int),
		nextSend: make(map[uint32]time.Time),
		helpers:  make(map[int]int),
	}
	if err := s.init(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Scanner) init() error {
	l := s.o.Layout
	if err := paths.MkTree(l); err != nil {
		return err
	}

	var err error
	if s.cmd, err = fifo.OpenOrCreate(l.AmgCmdFifo()); err != nil {
		return err
	}
	if s.resp, err = fifo.OpenOrCreate(l.AmgRespFifo()); err != nil {
		return err
	}
	if s.fin, err = fifo.OpenOrCreate(l.FinFifo()); err != nil {
		return err
	}
	if s.msgs, err = fifo.OpenOrCreate(l.MsgFifo()); err != nil {
		return err
	}
	if s.recvLog, err = logd.NewLineClient(l.LogFifo("receive")); err != nil {
		return err
	}
	if s.eventLog, err = logd.NewFrameClient(l.LogFifo("event")); err != nil {
		return err
	}
	if s.distLog, err = logd.NewFrameClient(l.LogFifo("distribution")); err != nil {
		return err
	}
	if s.prodLog, err = logd.NewFrameClient(l.LogFifo("production")); err != nil {
		return err
	}
	if s.status, err = state.OpenStatus(l.AfdStatusFile(), ""); err != nil {
		return err
	}
	if s.counter, err = state.OpenCounter(l.CounterFile()); err != nil {
		return err
	}
	if s.dup, err = dupcheck.Open(l.DupDB()); err != nil {
		return err
	}
	if s.watcher, err = fsnotify.NewWatcher(); err != nil {
		return err
	}
	if fi, err := os.Stat(l.Pool()); err == nil {
		if st, ok := fi.Sys().(*syscall.Stat_t); ok {
			s.poolDev = uint64(st.Dev)
		}
	}

	dc, err := config.LoadDirConfig(l.DirConfigFile())
	if err != nil {
		return err
	}
	if err := s.compile(&dc); err != nil {
		return err
	}

	// counts left behind by a previous run
	if n := s.status.ActiveHelpers(); n != 0 {
		s.status.AddActiveHelpers(-n)
	}
	now := time.Now()
	for i := 0; i < s.fra.Count(); i++ {
		d := s.fra.Dir(i)
		if n := d.ActiveProcess(); n != 0 {
			d.AddActiveProcess(-n)
		}
		if d.LastArrival().Unix() == 0 {
			d.SetLastArrival(now)
		}
	}
	return nil
}

// compile builds the job table, the shared areas and the per-directory scan
// state from dc and swaps them in. On error the previous state stays
// untouched, so a bad reread does not stop a running scanner.
func (s *Scanner) compile(dc *config.DirConfig) error {
	table, err := jobs.Compile(dc, time.Duration(s.o.Config.DefaultAgeLimit)*time.Second)
	if err != nil {
		return err
	}

	// flush pickup memory before the new caches read the files
	for i := range s.dirs {
		if c := s.dirs[i].cache; c != nil {
			c.save()
		}
	}

	dirs := make([]dirRun, len(dc.Dirs))
	for i := range dc.Dirs {
		d := &dc.Dirs[i]
		if len(d.TimeSchedule) > 0 {
			sched, err := schedule.New(d.TimeSchedule, d.Timezone)
			if err != nil {
				return fmt.Errorf("directory %s: %w", d.Alias, err)
			}
			dirs[i].sched = sched
		}
		mask, err := parseEventMask(d.EventMask)
		if err != nil {
			return fmt.Errorf("directory %s: %w", d.Alias, err)
		}
		dirs[i].mask = mask
		if d.ScanMode.KeepsSource() {
			dirs[i].cache = openCache(filepath.Join(s.o.Layout.LsData(), d.Alias))
		}
	}

	fsa, err := state.ReconcileFSA(s.o.Layout.FSAFile(), dc.Hosts)
	if err != nil {
		return err
	}
	fra, err := state.ReconcileFRA(s.o.Layout.FRAFile(), dc.Dirs)
	if err != nil {
		fsa.Close()
		return err
	}
	disp, err := dispatch.New(dispatch.Options{
		Layout:  s.o.Layout,
		Table:   table,
		FSA:     fsa,
		MsgPipe: s.msgs,
		DistLog: s.distLog,
		ProdLog: s.prodLog,
		DupDB:   s.dup,
		Logger:  s.log,
	})
	if err != nil {
		fsa.Close()
		fra.Close()
		return err
	}

	// collect boundaries survive a reread
	now := time.Now()
	next := make(map[uint32]time.Time)
	for _, j := range table.Jobs {
		if j.TimeMode != config.TimeCollect {
			continue
		}
		if t, ok := s.nextSend[j.ID]; ok {
			next[j.ID] = t
		} else {
			next[j.ID] = j.Schedule.Next(now)
		}
	}

	if s.fsa != nil {
		s.fsa.Close()
	}
	if s.fra != nil {
		s.fra.Close()
	}

	s.dc = *dc
	s.table = table
	s.fsa = fsa
	s.fra = fra
	s.disp = disp
	s.dirs = dirs
	s.nextSend = next
	s.rewireWatches()
	return nil
}

// Close saves the pickup caches and releases all handles.
func (s *Scanner) Close() error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	for i := range s.dirs {
		if c := s.dirs[i].cache; c != nil {
			keep(c.save())
		}
	}
	if s.watcher != nil {
		keep(s.watcher.Close())
	}
	if s.dup != nil {
		keep(s.dup.Close())
	}
	if s.counter != nil {
		keep(s.counter.Close())
	}
	if s.fsa != nil {
		keep(s.fsa.Close())
	}
	if s.fra != nil {
		keep(s.fra.Close())
	}
	if s.status != nil {
		keep(s.status.Close())
	}
	for _, c := range []*logd.FrameClient{s.eventLog, s.distLog, s.prodLog} {
		if c != nil {
			keep(c.Close())
		}
	}
	if s.recvLog != nil {
		keep(s.recvLog.Close())
	}
	for _, p := range []*fifo.Pipe{s.cmd, s.resp, s.fin, s.msgs} {
		if p != nil {
			keep(p.Close())
		}
	}
	return first
}

// Run signals readiness, does a first pass and then serves the command
// fifo, helper fin records, change events and the rescan timer until the
// context ends or a quit command arrives.
func (s *Scanner) Run(ctx context.Context) error {
	cmds := make(chan byte, 8)
	go readBytes(s.cmd, cmds)
	fins := make(chan string, 64)
	go readLines(s.fin, fins)

	events := s.watcher.Events
	werrs := s.watcher.Errors

	if err := s.resp.WriteByte(Ready); err != nil {
		s.log.Warn("ready signal", "err", err)
	}
	s.log.Info("scanner ready",
		"dirs", len(s.dc.Dirs), "jobs", s.table.Len(), "scanning", s.scanning)

	if s.scanning {
		s.Pass(time.Now())
	}

	interval := s.o.Config.RescanInterval()
	timer := time.NewTimer(nextBoundary(time.Now(), interval))
	defer timer.Stop()
	alarm := time.NewTicker(finAlarm)
	defer alarm.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case c, ok := <-cmds:
			if !ok {
				cmds = nil
				continue
			}
			if s.command(c) {
				return nil
			}
		case line, ok := <-fins:
			if !ok {
				fins = nil
				continue
			}
			s.reapFin(line)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			s.changed(ev)
		case err, ok := <-werrs:
			if !ok {
				werrs = nil
				continue
			}
			s.log.Warn("change watcher", "err", err)
		case <-alarm.C:
			s.sweepHelpers()
		case <-timer.C:
			if s.scanning {
				s.Pass(time.Now())
			}
			timer.Reset(nextBoundary(time.Now(), interval))
		}
	}
}

// command handles one verb from the command fifo and reports whether the
// run loop should end.
func (s *Scanner) command(c byte) bool {
	switch c {
	case CmdStart:
		if !s.scanning {
			s.scanning = true
			s.log.Info("scanning resumed")
			s.event(logd.EventScanStarted, "")
			s.Pass(time.Now())
		}
	case CmdStop:
		if s.scanning {
			s.scanning = false
			s.log.Info("scanning stopped")
			s.event(logd.EventScanStopped, "")
		}
	case CmdReread:
		s.reread()
	case CmdQuit:
		s.log.Info("scanner stopping")
		return true
	default:
		s.log.Warn("unknown scanner command", "cmd", fmt.Sprintf("%q", c))
	}
	return false
}

// reread reloads the directory configuration. On any error the running
// configuration stays in effect.
func (s *Scanner) reread() {
	dc, err := config.LoadDirConfig(s.o.Layout.DirConfigFile())
	if err != nil {
		s.log.Error("reread failed, keeping previous configuration", "err", err)
		return
	}
	if err := s.compile(&dc); err != nil {
		s.log.Error("reread failed, keeping previous configuration", "err", err)
		return
	}
	s.log.Info("directory configuration reread",
		"dirs", len(s.dc.Dirs), "jobs", s.table.Len())
	s.event(logd.EventConfigReread, "")
}

// reapFin settles one helper fin record. Unknown pids are fins for helpers
// already reaped through the waiter and are dropped.
func (s *Scanner) reapFin(line string) {
	pid, dirIndex, rc, err := dispatch.ParseFin(line)
	if err != nil {
		s.log.Warn("bad fin record", "line", line)
		return
	}
	if _, ok := s.helpers[pid]; !ok {
		return
	}
	delete(s.helpers, pid)
	s.status.AddActiveHelpers(-1)
	if dirIndex >= 0 && dirIndex < s.fra.Count() {
		s.fra.Dir(dirIndex).AddActiveProcess(-1)
	}
	if rc != 0 {
		s.log.Warn("dispatch helper failed", "pid", pid, "rc", rc)
	}
}

// sweepHelpers settles helpers whose fin record never arrived, for example
// when the fin write itself failed. Live pids stay untouched.
func (s *Scanner) sweepHelpers() {
	for pid, dirIndex := range s.helpers {
		if unix.Kill(pid, 0) == nil {
			continue
		}
		s.log.Warn("dispatch helper gone without fin record", "pid", pid)
		delete(s.helpers, pid)
		s.status.AddActiveHelpers(-1)
		if dirIndex >= 0 && dirIndex < s.fra.Count() {
			s.fra.Dir(dirIndex).AddActiveProcess(-1)
		}
	}
}

// changed reacts to one filesystem event on a watched directory.
func (s *Scanner) changed(ev fsnotify.Event) {
	s.watchMu.Lock()
	i, ok := s.watched[ev.Name]
	if !ok {
		i, ok = s.watched[filepath.Dir(ev.Name)]
	}
	s.watchMu.Unlock()
	if !ok || ev.Op&s.dirs[i].mask == 0 {
		return
	}
	d := s.fra.Dir(i)
	d.SetStatus(state.DirScanNeeded)
	if s.scanning {
		s.scanOne(i, time.Now())
		s.saveCaches()
	}
}

// rewireWatches aligns the change watcher with the current configuration.
func (s *Scanner) rewireWatches() {
	want := make(map[string]int)
	for i := range s.dc.Dirs {
		if s.dirs[i].mask != 0 {
			want[s.dc.Dirs[i].Path] = i
		}
	}
	s.watchMu.Lock()
	for path := range s.watched {
		if _, ok := want[path]; !ok {
			s.watcher.Remove(path)
			delete(s.watched, path)
		}
	}
	s.watchMu.Unlock()
	for path, i := range want {
		s.ensureWatch(i, path)
	}
}

// ensureWatch adds a directory to the change watcher. Failures are retried
// on the next scan of the directory, typically once it exists. Parallel
// scan workers share the watched map, hence the lock.
func (s *Scanner) ensureWatch(i int, path string) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if _, ok := s.watched[path]; ok {
		return
	}
	if err := s.watcher.Add(path); err != nil {
		s.log.Warn("watch source directory", "dir", s.dc.Dirs[i].Alias, "err", err)
		return
	}
	s.watched[path] = i
}

func (s *Scanner) event(a logd.EventAction, detail string) {
	e := logd.Event{Action: a, Subject: s.o.Config.Service, Detail: detail}
	if err := s.eventLog.Record(e.Payload()); err != nil {
		s.log.Warn("event log", "err", err)
	}
}

var eventOps = map[string]fsnotify.Op{
	"create": fsnotify.Create,
	"write":  fsnotify.Write,
	"remove": fsnotify.Remove,
	"rename": fsnotify.Rename,
	"chmod":  fsnotify.Chmod,
}

func parseEventMask(names []string) (fsnotify.Op, error) {
	var mask fsnotify.Op
	for _, n := range names {
		op, ok := eventOps[strings.ToLower(n)]
		if !ok {
			return 0, fmt.Errorf("unknown event %q", n)
		}
		mask |= op
	}
	return mask, nil
}

// nextBoundary returns the wait until the next wall clock multiple of the
// rescan interval, so all scanners in a setup pass at the same moments.
func nextBoundary(now time.Time, interval time.Duration) time.Duration {
	rem := interval - time.Duration(now.UnixNano())%interval
	if rem == 0 {
		return interval
	}
	return rem
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

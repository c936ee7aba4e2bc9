package scan_test

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/holger24/afd/internal/config"
	"github.com/holger24/afd/internal/fifo"
	"github.com/holger24/afd/internal/logd"
	"github.com/holger24/afd/internal/msg"
	"github.com/holger24/afd/internal/paths"
	"github.com/holger24/afd/internal/scan"
	"github.com/holger24/afd/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Directory configurations used by the tests. SRC and WORK are replaced
// with the per-test temp paths before the file is written.
const simpleToml = `
[[host]]
alias = "wx-primary"
hostname = "wx1.example.org"

[[directory]]
alias = "obs-in"
path = "SRC"

[[directory.job]]
masks = ["*.txt"]
host = "wx-primary"
proto = "loc"
target = "/dst/txt"
`

type fixture struct {
	layout  paths.Layout
	opts    scan.Options
	src     string
	sc      *scan.Scanner
	status  *state.Status
	fra     *state.FRA
	fsa     *state.FSA
	msgPipe *fifo.Pipe
}

// newFixture writes the directory configuration, builds a scanner on a
// fresh work tree and saturates the helper budget so every batch runs
// through the dispatcher inline.
func newFixture(t *testing.T, dirToml string, muts ...func(*scan.Options)) *fixture {
	t.Helper()
	layout := paths.Layout{Work: t.TempDir()}
	src := filepath.Join(layout.Work, "data", "obs")
	require.NoError(t, os.MkdirAll(src, 0o755))
	require.NoError(t, os.MkdirAll(layout.Etc(), 0o755))

	text := strings.ReplaceAll(dirToml, "SRC", src)
	text = strings.ReplaceAll(text, "WORK", layout.Work)
	require.NoError(t, os.WriteFile(layout.DirConfigFile(), []byte(text), 0o644))

	opts := scan.Options{Layout: layout, Config: config.Default()}
	for _, m := range muts {
		m(&opts)
	}
	sc, err := scan.New(opts)
	require.NoError(t, err)
	f := &fixture{layout: layout, opts: opts, src: src, sc: sc}
	t.Cleanup(func() { f.sc.Close() })

	f.status, err = state.AttachStatus(layout.AfdStatusFile())
	require.NoError(t, err)
	t.Cleanup(func() { f.status.Close() })
	f.status.AddActiveHelpers(opts.Config.MaxProcess)

	f.fra, err = state.AttachFRA(layout.FRAFile())
	require.NoError(t, err)
	t.Cleanup(func() { f.fra.Close() })
	f.fsa, err = state.AttachFSA(layout.FSAFile())
	require.NoError(t, err)
	t.Cleanup(func() { f.fsa.Close() })

	f.msgPipe, err = fifo.Open(layout.MsgFifo())
	require.NoError(t, err)
	t.Cleanup(func() { f.msgPipe.Close() })
	return f
}

// reopen closes the scanner and builds a fresh one on the same work tree,
// like a restart of the process would.
func (f *fixture) reopen(t *testing.T) {
	t.Helper()
	require.NoError(t, f.sc.Close())
	sc, err := scan.New(f.opts)
	require.NoError(t, err)
	f.sc = sc
	f.status.AddActiveHelpers(f.opts.Config.MaxProcess)
}

func (f *fixture) write(t *testing.T, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(f.src, name), []byte(content), 0o644))
}

func (f *fixture) readMsg(t *testing.T) *msg.Message {
	t.Helper()
	return f.readMsgWait(t, time.Second)
}

func (f *fixture) readMsgWait(t *testing.T, d time.Duration) *msg.Message {
	t.Helper()
	buf := make([]byte, msg.RecordLen)
	n, err := f.msgPipe.ReadDeadline(buf, d)
	require.NoError(t, err)
	require.Equal(t, msg.RecordLen, n)
	m, err := msg.Decode(buf)
	require.NoError(t, err)
	return m
}

func (f *fixture) requireNoMsg(t *testing.T) {
	t.Helper()
	buf := make([]byte, msg.RecordLen)
	_, err := f.msgPipe.ReadDeadline(buf, 150*time.Millisecond)
	require.ErrorIs(t, err, fifo.ErrTimeout)
}

func (f *fixture) openLog(t *testing.T, name string) *fifo.Pipe {
	t.Helper()
	p, err := fifo.Open(f.layout.LogFifo(name))
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

// readFrame returns the payload of the next length-framed log record.
func readFrame(t *testing.T, p *fifo.Pipe, d time.Duration) string {
	t.Helper()
	buf := make([]byte, fifo.PipeBuf)
	n, err := p.ReadDeadline(buf, d)
	require.NoError(t, err)
	require.GreaterOrEqual(t, n, 2)
	ln := int(binary.LittleEndian.Uint16(buf))
	require.GreaterOrEqual(t, n, 2+ln)
	return string(buf[2 : 2+ln])
}

func readLine(t *testing.T, p *fifo.Pipe, d time.Duration) string {
	t.Helper()
	buf := make([]byte, fifo.PipeBuf)
	n, err := p.ReadDeadline(buf, d)
	require.NoError(t, err)
	line, _, _ := strings.Cut(string(buf[:n]), "\n")
	return line
}

func TestPass_PicksUpRemoveMode(t *testing.T) {
	f := newFixture(t, simpleToml)
	recvPipe := f.openLog(t, "receive")
	f.write(t, "a.txt", "hello")
	f.write(t, "b.dat", "ignored")

	now := time.Now()
	f.sc.Pass(now)

	m := f.readMsg(t)
	assert.Equal(t, uint32(0), m.JobIndex)
	assert.Equal(t, uint32(1), m.FileCount)
	assert.Equal(t, uint32(1), m.LinkedFiles)
	assert.Equal(t, int64(5), m.LinkedSize)
	assert.True(t, m.FastPath)
	assert.FileExists(t, filepath.Join(m.Outgoing, "a.txt"))

	// the source file moved, the unmatched one stayed
	assert.NoFileExists(t, filepath.Join(f.src, "a.txt"))
	assert.FileExists(t, filepath.Join(f.src, "b.dat"))

	// the ephemeral pool batch is gone again
	ents, err := os.ReadDir(f.layout.Pool())
	require.NoError(t, err)
	assert.Empty(t, ents)

	d := f.fra.Dir(0)
	assert.Equal(t, uint64(1), d.FilesReceived())
	assert.Equal(t, uint64(5), d.BytesReceived())
	assert.Equal(t, 1, d.FilesInDir())
	assert.Equal(t, int64(7), d.BytesInDir())
	assert.Equal(t, now.Unix(), d.LastScan().Unix())
	assert.Equal(t, now.Unix(), d.LastArrival().Unix())

	h := f.fsa.Host(0)
	assert.Equal(t, 1, h.FilesQueued())
	assert.Equal(t, int64(5), h.BytesQueued())
	assert.Equal(t, 1, h.JobsQueued())

	assert.Equal(t, "obs-in 1 5", readLine(t, recvPipe, time.Second))
}

func TestPass_SkipsIgnoredAndUnmatched(t *testing.T) {
	f := newFixture(t, `
[[host]]
alias = "wx-primary"
hostname = "wx1.example.org"

[[directory]]
alias = "obs-in"
path = "SRC"
ignore_size = "=0"

[[directory.job]]
masks = ["*.txt"]
host = "wx-primary"
proto = "loc"
target = "/dst/txt"
`)
	f.write(t, "a.txt", "data")
	f.write(t, "zero.txt", "")
	f.write(t, "x.dat", "zz")

	f.sc.Pass(time.Now())

	m := f.readMsg(t)
	assert.Equal(t, uint32(1), m.LinkedFiles)
	assert.FileExists(t, filepath.Join(f.src, "zero.txt"))
	assert.FileExists(t, filepath.Join(f.src, "x.dat"))

	d := f.fra.Dir(0)
	assert.Equal(t, 2, d.FilesInDir())
	assert.Equal(t, int64(2), d.BytesInDir())
}

func TestPass_DeleteUnknownAge(t *testing.T) {
	f := newFixture(t, `
[[host]]
alias = "wx-primary"
hostname = "wx1.example.org"

[[directory]]
alias = "obs-in"
path = "SRC"
delete_unknown_age = 3600

[[directory.job]]
masks = ["*.txt"]
host = "wx-primary"
proto = "loc"
target = "/dst/txt"
`)
	f.write(t, "a.txt", "x")
	f.write(t, "old.dat", "zz")
	f.write(t, "new.dat", "zz")
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(f.src, "old.dat"), old, old))

	f.sc.Pass(time.Now())

	f.readMsg(t)
	assert.NoFileExists(t, filepath.Join(f.src, "old.dat"))
	assert.FileExists(t, filepath.Join(f.src, "new.dat"))
}

const keepOnceToml = `
[[host]]
alias = "wx-primary"
hostname = "wx1.example.org"

[[directory]]
alias = "obs-in"
path = "SRC"
scan_mode = "keep-once"

[[directory.job]]
masks = ["*.txt"]
host = "wx-primary"
proto = "loc"
target = "/dst/txt"
`

func TestKeepOnce_RepicksOnChange(t *testing.T) {
	f := newFixture(t, keepOnceToml)
	f.write(t, "obs.txt", "v1")

	f.sc.Pass(time.Now())
	m := f.readMsg(t)
	assert.Equal(t, int64(2), m.LinkedSize)
	assert.FileExists(t, filepath.Join(f.src, "obs.txt"))

	// unchanged, not picked again
	f.sc.Pass(time.Now())
	f.requireNoMsg(t)

	f.write(t, "obs.txt", "v2-longer")
	f.sc.Pass(time.Now())
	m = f.readMsg(t)
	assert.Equal(t, int64(9), m.LinkedSize)
}

func TestKeepOnceOnly_RepicksOnlyAfterRemoval(t *testing.T) {
	f := newFixture(t, `
[[host]]
alias = "wx-primary"
hostname = "wx1.example.org"

[[directory]]
alias = "obs-in"
path = "SRC"
scan_mode = "keep-once-only"

[[directory.job]]
masks = ["*.txt"]
host = "wx-primary"
proto = "loc"
target = "/dst/txt"
`)
	f.write(t, "obs.txt", "v1")
	f.sc.Pass(time.Now())
	f.readMsg(t)

	// a rewrite is not picked up again
	f.write(t, "obs.txt", "v2-longer")
	f.sc.Pass(time.Now())
	f.requireNoMsg(t)

	// removal forgets the name, the next file of that name is new again
	require.NoError(t, os.Remove(filepath.Join(f.src, "obs.txt")))
	f.sc.Pass(time.Now())
	f.requireNoMsg(t)

	f.write(t, "obs.txt", "v3")
	f.sc.Pass(time.Now())
	m := f.readMsg(t)
	assert.Equal(t, int64(2), m.LinkedSize)
}

func TestAppendOnly_PicksTails(t *testing.T) {
	f := newFixture(t, `
[[host]]
alias = "wx-primary"
hostname = "wx1.example.org"

[[directory]]
alias = "obs-in"
path = "SRC"
scan_mode = "append-only"

[[directory.job]]
masks = ["*.log"]
host = "wx-primary"
proto = "loc"
target = "/dst/log"
`)
	f.write(t, "feed.log", "head")
	f.sc.Pass(time.Now())
	m := f.readMsg(t)
	assert.Equal(t, int64(4), m.LinkedSize)

	fh, err := os.OpenFile(filepath.Join(f.src, "feed.log"), os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = fh.WriteString("+tail")
	require.NoError(t, err)
	require.NoError(t, fh.Close())

	f.sc.Pass(time.Now())
	m = f.readMsg(t)
	assert.Equal(t, int64(5), m.LinkedSize)
	data, err := os.ReadFile(filepath.Join(m.Outgoing, "feed.log"))
	require.NoError(t, err)
	assert.Equal(t, "+tail", string(data))

	// nothing new appended
	f.sc.Pass(time.Now())
	f.requireNoMsg(t)

	// truncation restarts the file from the beginning
	f.write(t, "feed.log", "x")
	f.sc.Pass(time.Now())
	m = f.readMsg(t)
	assert.Equal(t, int64(1), m.LinkedSize)
	data, err = os.ReadFile(filepath.Join(m.Outgoing, "feed.log"))
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))
}

func TestKeepOnce_PickupMemorySurvivesRestart(t *testing.T) {
	f := newFixture(t, keepOnceToml)
	f.write(t, "obs.txt", "v1")
	f.sc.Pass(time.Now())
	f.readMsg(t)

	f.reopen(t)
	f.sc.Pass(time.Now())
	f.requireNoMsg(t)

	f.write(t, "obs.txt", "v2-longer")
	f.sc.Pass(time.Now())
	m := f.readMsg(t)
	assert.Equal(t, int64(9), m.LinkedSize)
}

func TestSchedule_GatesScan(t *testing.T) {
	f := newFixture(t, `
[[host]]
alias = "wx-primary"
hostname = "wx1.example.org"

[[directory]]
alias = "obs-in"
path = "SRC"
time_schedule = ["0 12 * * *"]

[[directory.job]]
masks = ["*.txt"]
host = "wx-primary"
proto = "loc"
target = "/dst/txt"
`)
	base := time.Date(2026, time.March, 3, 10, 0, 0, 0, time.Local)
	noon := time.Date(2026, time.March, 3, 12, 0, 0, 0, time.Local)

	// the first pass has no boundary yet and scans right away
	f.write(t, "a.txt", "x")
	f.sc.Pass(base)
	f.readMsg(t)
	assert.Equal(t, noon.Unix(), f.fra.Dir(0).NextSchedule().Unix())

	// before the boundary nothing is looked at
	f.write(t, "b.txt", "y")
	f.sc.Pass(base.Add(30 * time.Minute))
	f.requireNoMsg(t)

	f.sc.Pass(noon.Add(time.Second))
	m := f.readMsg(t)
	assert.Equal(t, uint32(1), m.FileCount)
	assert.Equal(t, noon.AddDate(0, 0, 1).Unix(), f.fra.Dir(0).NextSchedule().Unix())
}

func TestWindow_ReleasesHeldFiles(t *testing.T) {
	f := newFixture(t, `
[[host]]
alias = "wx-primary"
hostname = "wx1.example.org"

[[directory]]
alias = "obs-in"
path = "SRC"

[[directory.job]]
masks = ["*.txt"]
host = "wx-primary"
proto = "loc"
target = "/dst/txt"
time_mode = "window"
time_schedule = ["* 12 * * *"]
`)
	base := time.Date(2026, time.March, 3, 10, 0, 0, 0, time.Local)

	f.write(t, "a.txt", "hold")
	f.sc.Pass(base)
	f.requireNoMsg(t)

	// outside the window the file sits in the hold area
	tdirs, err := os.ReadDir(f.layout.TimeDir())
	require.NoError(t, err)
	require.Len(t, tdirs, 1)
	held := filepath.Join(f.layout.TimeDir(), tdirs[0].Name(), "a.txt")
	assert.FileExists(t, held)

	f.sc.Pass(base.Add(150 * time.Minute))
	m := f.readMsg(t)
	assert.Equal(t, uint32(1), m.LinkedFiles)
	assert.False(t, m.FastPath)
	assert.NoFileExists(t, held)
}

func TestCollect_ReleasesAtBoundary(t *testing.T) {
	f := newFixture(t, `
[[host]]
alias = "wx-primary"
hostname = "wx1.example.org"

[[directory]]
alias = "obs-in"
path = "SRC"

[[directory.job]]
masks = ["*.txt"]
host = "wx-primary"
proto = "loc"
target = "/dst/txt"
time_mode = "collect"
time_schedule = ["* * * * *"]
`)
	now := time.Now()
	f.write(t, "a.txt", "x")
	f.sc.Pass(now)
	f.requireNoMsg(t)

	// two minutes later at least one boundary has passed
	f.sc.Pass(now.Add(2 * time.Minute))
	m := f.readMsg(t)
	assert.Equal(t, uint32(1), m.LinkedFiles)
	assert.False(t, m.FastPath)
}

func TestPausedHost_DivertsThenPicksUp(t *testing.T) {
	f := newFixture(t, `
[[host]]
alias = "wx-primary"
hostname = "wx1.example.org"
paused = true

[[directory]]
alias = "obs-in"
path = "SRC"

[[directory.job]]
masks = ["*.txt"]
host = "wx-primary"
proto = "loc"
target = "/dst/txt"
`)
	f.write(t, "a.txt", "12345")
	f.sc.Pass(time.Now())
	f.requireNoMsg(t)

	saved := filepath.Join(f.src, ".wx-primary", "a.txt")
	assert.FileExists(t, saved)
	h := f.fsa.Host(0)
	assert.Equal(t, 1, h.FilesQueued())
	assert.Equal(t, int64(5), h.BytesQueued())

	h.ClearStatus(state.HostPauseQueue)
	f.sc.Pass(time.Now())
	m := f.readMsg(t)
	assert.Equal(t, uint32(1), m.LinkedFiles)
	assert.NoFileExists(t, saved)

	// the file left the pause queue and now counts for the outgoing batch
	assert.Equal(t, 1, h.FilesQueued())
	assert.Equal(t, int64(5), h.BytesQueued())
	assert.Equal(t, 1, h.JobsQueued())
}

func TestDirError_RaisedAndCleared(t *testing.T) {
	f := newFixture(t, `
[[host]]
alias = "wx-primary"
hostname = "wx1.example.org"

[[directory]]
alias = "late-dir"
path = "SRC/sub/missing"
max_errors = 2

[[directory.job]]
masks = ["*.txt"]
host = "wx-primary"
proto = "loc"
target = "/dst/txt"
`)
	eventPipe := f.openLog(t, "event")
	d := f.fra.Dir(0)

	f.sc.Pass(time.Now())
	assert.Equal(t, uint32(1), d.ErrorCounter())
	assert.Zero(t, d.Status()&state.DirNotAccessible)

	f.sc.Pass(time.Now())
	assert.Equal(t, uint32(2), d.ErrorCounter())
	assert.NotZero(t, d.Status()&state.DirNotAccessible)
	want := fmt.Sprintf("%x late-dir", int(logd.EventDirError))
	assert.Equal(t, want, readFrame(t, eventPipe, time.Second))

	dir := filepath.Join(f.src, "sub", "missing")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0o644))

	f.sc.Pass(time.Now())
	assert.Zero(t, d.ErrorCounter())
	assert.Zero(t, d.Status()&state.DirNotAccessible)
	m := f.readMsg(t)
	assert.Equal(t, uint32(1), m.LinkedFiles)
}

func TestQueuedAgeSweep_DropsOldDivertedFiles(t *testing.T) {
	f := newFixture(t, `
[[host]]
alias = "wx-primary"
hostname = "wx1.example.org"
paused = true

[[directory]]
alias = "obs-in"
path = "SRC"
delete_queued_age = 3600

[[directory.job]]
masks = ["*.txt"]
host = "wx-primary"
proto = "loc"
target = "/dst/txt"
`)
	f.write(t, "a.txt", "12345")
	f.sc.Pass(time.Now())
	f.requireNoMsg(t)

	saved := filepath.Join(f.src, ".wx-primary", "a.txt")
	require.FileExists(t, saved)
	require.Equal(t, 1, f.fsa.Host(0).FilesQueued())

	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(saved, old, old))

	f.sc.Pass(time.Now())
	assert.NoFileExists(t, saved)
	h := f.fsa.Host(0)
	assert.Equal(t, 0, h.FilesQueued())
	assert.Equal(t, int64(0), h.BytesQueued())
}

func TestScan_CreatesMissingDirectory(t *testing.T) {
	f := newFixture(t, `
[[host]]
alias = "wx-primary"
hostname = "wx1.example.org"

[[directory]]
alias = "auto-in"
path = "SRC/auto"
create = true

[[directory.job]]
masks = ["*.txt"]
host = "wx-primary"
proto = "loc"
target = "/dst/txt"
`)
	dir := filepath.Join(f.src, "auto")

	f.sc.Pass(time.Now())
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Zero(t, f.fra.Dir(0).ErrorCounter())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0o644))
	f.sc.Pass(time.Now())
	m := f.readMsg(t)
	assert.Equal(t, uint32(1), m.LinkedFiles)
}

func TestParallelPass_KeepsDirectoryOrder(t *testing.T) {
	f := newFixture(t, `
[[host]]
alias = "wx-primary"
hostname = "wx1.example.org"

[[directory]]
alias = "in-a"
path = "WORK/data/a"
create = true

[[directory.job]]
masks = ["*"]
host = "wx-primary"
proto = "loc"
target = "/dst/a"

[[directory]]
alias = "in-b"
path = "WORK/data/b"
create = true

[[directory.job]]
masks = ["*"]
host = "wx-primary"
proto = "loc"
target = "/dst/b"

[[directory]]
alias = "in-c"
path = "WORK/data/c"
create = true

[[directory.job]]
masks = ["*"]
host = "wx-primary"
proto = "loc"
target = "/dst/c"
`, func(o *scan.Options) { o.Config.ParallelScan = 4 })

	f.sc.Pass(time.Now())
	for _, n := range []string{"a", "b", "c"} {
		p := filepath.Join(f.layout.Work, "data", n, n+".txt")
		require.NoError(t, os.WriteFile(p, []byte(n), 0o644))
	}

	f.sc.Pass(time.Now())
	for want := uint32(0); want < 3; want++ {
		m := f.readMsg(t)
		assert.Equal(t, want, m.JobIndex)
		assert.Equal(t, uint32(1), m.LinkedFiles)
	}
	f.requireNoMsg(t)
}

func TestClockRegression_ClampsStoredTimes(t *testing.T) {
	f := newFixture(t, `
[[host]]
alias = "wx-primary"
hostname = "wx1.example.org"

[[directory]]
alias = "obs-in"
path = "SRC"
time_schedule = ["0 12 * * *"]

[[directory.job]]
masks = ["*.txt"]
host = "wx-primary"
proto = "loc"
target = "/dst/txt"
`)
	t1 := time.Date(2026, time.March, 3, 13, 0, 0, 0, time.Local)
	f.sc.Pass(t1)
	d := f.fra.Dir(0)
	require.Equal(t, t1.Unix(), d.LastScan().Unix())

	// the clock stepped back; the schedule keeps the directory out of the
	// pass, so the clamped time is what remains
	t2 := t1.Add(-10 * time.Second)
	f.sc.Pass(t2)
	assert.Equal(t, t2.Add(-time.Second).Unix(), d.LastScan().Unix())
}

const eventToml = `
[[host]]
alias = "wx-primary"
hostname = "wx1.example.org"

[[directory]]
alias = "obs-in"
path = "SRC"
event_mask = ["create", "write"]

[[directory.job]]
masks = ["*.txt"]
host = "wx-primary"
proto = "loc"
target = "/dst/txt"
`

// startRun runs the scanner loop in the background and waits for the ready
// byte on the response fifo.
func startRun(t *testing.T, f *fixture) chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan error, 1)
	go func() { done <- f.sc.Run(ctx) }()

	resp, err := fifo.Open(f.layout.AmgRespFifo())
	require.NoError(t, err)
	t.Cleanup(func() { resp.Close() })
	b, err := resp.ReadByte(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, byte(scan.Ready), b)
	return done
}

func waitQuit(t *testing.T, f *fixture, done chan error) {
	t.Helper()
	require.NoError(t, fifo.Send(f.layout.AmgCmdFifo(), scan.CmdQuit))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scanner did not stop on quit")
	}
}

func TestRun_EventsAndVerbs(t *testing.T) {
	f := newFixture(t, eventToml, func(o *scan.Options) { o.Config.RescanTime = 3600 })
	eventPipe := f.openLog(t, "event")
	done := startRun(t, f)

	// an arrival on the watched directory triggers a scan
	f.write(t, "a.txt", "live")
	m := f.readMsgWait(t, 3*time.Second)
	assert.Equal(t, uint32(1), m.LinkedFiles)

	// stopped scanning parks arrivals
	require.NoError(t, fifo.Send(f.layout.AmgCmdFifo(), scan.CmdStop))
	want := fmt.Sprintf("%x afd", int(logd.EventScanStopped))
	assert.Equal(t, want, readFrame(t, eventPipe, 2*time.Second))
	f.write(t, "b.txt", "parked")
	f.requireNoMsg(t)

	// start picks the parked file up again
	require.NoError(t, fifo.Send(f.layout.AmgCmdFifo(), scan.CmdStart))
	want = fmt.Sprintf("%x afd", int(logd.EventScanStarted))
	assert.Equal(t, want, readFrame(t, eventPipe, 2*time.Second))
	m = f.readMsgWait(t, 3*time.Second)
	assert.Equal(t, uint32(1), m.LinkedFiles)

	waitQuit(t, f, done)
}

func TestRun_RereadAddsDirectory(t *testing.T) {
	f := newFixture(t, eventToml, func(o *scan.Options) { o.Config.RescanTime = 3600 })
	eventPipe := f.openLog(t, "event")
	done := startRun(t, f)

	extra := filepath.Join(f.layout.Work, "data", "extra")
	require.NoError(t, os.MkdirAll(extra, 0o755))
	text := strings.ReplaceAll(eventToml, "SRC", f.src) + `
[[directory]]
alias = "extra-in"
path = "` + extra + `"
event_mask = ["create", "write"]

[[directory.job]]
masks = ["*.txt"]
host = "wx-primary"
proto = "loc"
target = "/dst/extra"
`
	require.NoError(t, os.WriteFile(f.layout.DirConfigFile(), []byte(text), 0o644))
	require.NoError(t, fifo.Send(f.layout.AmgCmdFifo(), scan.CmdReread))
	want := fmt.Sprintf("%x afd", int(logd.EventConfigReread))
	assert.Equal(t, want, readFrame(t, eventPipe, 2*time.Second))

	require.NoError(t, os.WriteFile(filepath.Join(extra, "x.txt"), []byte("new"), 0o644))
	m := f.readMsgWait(t, 3*time.Second)
	assert.Equal(t, uint32(1), m.JobIndex)
	assert.Equal(t, uint32(1), m.LinkedFiles)

	waitQuit(t, f, done)
}

func TestRun_PausedStartsIdle(t *testing.T) {
	f := newFixture(t, simpleToml, func(o *scan.Options) {
		o.Paused = true
		o.Config.RescanTime = 3600
	})
	f.write(t, "a.txt", "x")
	done := startRun(t, f)

	// no initial pass while paused
	f.requireNoMsg(t)

	require.NoError(t, fifo.Send(f.layout.AmgCmdFifo(), scan.CmdStart))
	m := f.readMsgWait(t, 3*time.Second)
	assert.Equal(t, uint32(1), m.LinkedFiles)

	waitQuit(t, f, done)
}

package dispatch_test

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/holger24/afd/internal/config"
	"github.com/holger24/afd/internal/dispatch"
	"github.com/holger24/afd/internal/dupcheck"
	"github.com/holger24/afd/internal/fifo"
	"github.com/holger24/afd/internal/jobs"
	"github.com/holger24/afd/internal/logd"
	"github.com/holger24/afd/internal/msg"
	"github.com/holger24/afd/internal/paths"
	"github.com/holger24/afd/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var batchTime = time.Unix(1756000000, 0)

type fixture struct {
	layout   paths.Layout
	srcDir   string
	table    *jobs.Table
	fsa      *state.FSA
	d        *dispatch.Dispatcher
	msgPipe  *fifo.Pipe
	distPipe *fifo.Pipe

	nextUnique uint32
}

func newFixture(t *testing.T, defs []config.JobDef, rules ...config.RenameDef) *fixture {
	t.Helper()
	layout := paths.Layout{Work: t.TempDir()}
	require.NoError(t, paths.MkTree(layout))

	srcDir := filepath.Join(layout.Work, "data", "obs")
	require.NoError(t, os.MkdirAll(srcDir, 0o755))

	dc := &config.DirConfig{
		Hosts: []config.HostDef{
			{Alias: "wx-primary", Hostname: "wx1.example.org", AllowedTransfers: 2,
				BlockSize: 4096, TransferTimeout: 60, MaxErrors: 5},
			{Alias: "wx-backup", Hostname: "wx2.example.org", AllowedTransfers: 1,
				BlockSize: 4096, TransferTimeout: 60, MaxErrors: 5},
		},
		Dirs: []config.DirDef{
			{Alias: "obs-in", Path: srcDir, Jobs: defs},
		},
		Rules: rules,
	}
	table, err := jobs.Compile(dc, 0)
	require.NoError(t, err)

	fsa, err := state.ReconcileFSA(layout.FSAFile(), dc.Hosts)
	require.NoError(t, err)
	t.Cleanup(func() { fsa.Close() })

	msgPipe, err := fifo.OpenOrCreate(layout.MsgFifo())
	require.NoError(t, err)
	t.Cleanup(func() { msgPipe.Close() })

	distLog, err := logd.NewFrameClient(layout.LogFifo("distribution"))
	require.NoError(t, err)
	t.Cleanup(func() { distLog.Close() })
	prodLog, err := logd.NewFrameClient(layout.LogFifo("production"))
	require.NoError(t, err)
	t.Cleanup(func() { prodLog.Close() })

	distPipe, err := fifo.Open(layout.LogFifo("distribution"))
	require.NoError(t, err)
	t.Cleanup(func() { distPipe.Close() })

	dup, err := dupcheck.Open(layout.DupDB())
	require.NoError(t, err)
	t.Cleanup(func() { dup.Close() })

	d, err := dispatch.New(dispatch.Options{
		Layout:  layout,
		Table:   table,
		FSA:     fsa,
		MsgPipe: msgPipe,
		DistLog: distLog,
		ProdLog: prodLog,
		DupDB:   dup,
	})
	require.NoError(t, err)

	return &fixture{
		layout: layout, srcDir: srcDir, table: table, fsa: fsa,
		d: d, msgPipe: msgPipe, distPipe: distPipe,
		nextUnique: 42,
	}
}

// poolBatch lays the named files with their contents into a fresh pool
// directory and returns the ephemeral batch for it. Each call gets its own
// unique number, as the counter file would hand out.
func (f *fixture) poolBatch(t *testing.T, files map[string]string) *dispatch.Batch {
	t.Helper()
	unique := f.nextUnique
	f.nextUnique++
	dir := filepath.Join(f.layout.Pool(),
		msg.PoolName(batchTime.Unix(), unique, 0, f.table.Jobs[0].ID))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	return &dispatch.Batch{
		Dir:       dir,
		DirIndex:  0,
		DirPath:   f.srcDir,
		Created:   batchTime,
		Unique:    unique,
		Ephemeral: true,
	}
}

func (f *fixture) readMsg(t *testing.T) *msg.Message {
	t.Helper()
	buf := make([]byte, msg.RecordLen)
	n, err := f.msgPipe.ReadDeadline(buf, time.Second)
	require.NoError(t, err)
	require.Equal(t, msg.RecordLen, n)
	m, err := msg.Decode(buf)
	require.NoError(t, err)
	return m
}

func (f *fixture) requireNoMsg(t *testing.T) {
	t.Helper()
	buf := make([]byte, msg.RecordLen)
	_, err := f.msgPipe.ReadDeadline(buf, 50*time.Millisecond)
	require.ErrorIs(t, err, fifo.ErrTimeout)
}

// readDist collects want framed distribution records.
func (f *fixture) readDist(t *testing.T, want int) []string {
	t.Helper()
	var out []string
	buf := make([]byte, fifo.PipeBuf)
	for len(out) < want {
		n, err := f.distPipe.ReadDeadline(buf, time.Second)
		require.NoError(t, err)
		rest := buf[:n]
		for len(rest) >= 2 {
			ln := int(binary.LittleEndian.Uint16(rest))
			require.LessOrEqual(t, 2+ln, len(rest), "frame straddles read")
			out = append(out, string(rest[2:2+ln]))
			rest = rest[2+ln:]
		}
	}
	return out
}

func (f *fixture) requireNoDist(t *testing.T) {
	t.Helper()
	buf := make([]byte, fifo.PipeBuf)
	_, err := f.distPipe.ReadDeadline(buf, 50*time.Millisecond)
	require.ErrorIs(t, err, fifo.ErrTimeout)
}

func txtJob() config.JobDef {
	return config.JobDef{
		Masks:  []string{"*.txt"},
		Host:   "wx-primary",
		Proto:  "loc",
		Target: "/dst/txt",
	}
}

func TestRun_RoutesAndEmits(t *testing.T) {
	f := newFixture(t, []config.JobDef{txtJob()})
	b := f.poolBatch(t, map[string]string{
		"a.txt": "hello",
		"b.txt": "bye",
		"c.dat": "xx", // matches no mask
	})

	require.NoError(t, f.d.Run(b))

	job := f.table.Jobs[0]
	m := f.readMsg(t)
	assert.Equal(t, uint32(0), m.JobIndex)
	assert.Equal(t, uint32(0), m.Split)
	assert.Equal(t, uint32(42), m.Unique)
	assert.Equal(t, batchTime.Unix(), m.Created)
	assert.Equal(t, uint32(2), m.FileCount)
	assert.Equal(t, uint32(2), m.LinkedFiles)
	assert.Equal(t, int64(8), m.LinkedSize)
	assert.True(t, m.FastPath)

	wantOut := filepath.Join(f.layout.Outgoing(),
		fmt.Sprintf("%x", job.ID), msg.BatchName(batchTime.Unix(), 42, 0))
	assert.Equal(t, wantOut, m.Outgoing)
	assert.FileExists(t, filepath.Join(wantOut, "a.txt"))
	assert.FileExists(t, filepath.Join(wantOut, "b.txt"))
	assert.NoFileExists(t, filepath.Join(wantOut, "c.dat"))

	gotID, err := m.JobID()
	require.NoError(t, err)
	assert.Equal(t, job.ID, gotID)

	// Mirror on disk for crash recovery.
	assert.FileExists(t, filepath.Join(f.layout.Msg(), msg.BatchName(batchTime.Unix(), 42, 0)))

	// The whole batch is gone, the unmatched file with it.
	assert.NoDirExists(t, b.Dir)

	h := f.fsa.Host(job.HostIndex)
	assert.Equal(t, 2, h.FilesQueued())
	assert.Equal(t, int64(8), h.BytesQueued())
	assert.Equal(t, 1, h.JobsQueued())

	recs := f.readDist(t, 2)
	assert.Contains(t, recs, fmt.Sprintf("%s|a.txt|5|%x", f.srcDir, job.ID))
	assert.Contains(t, recs, fmt.Sprintf("%s|b.txt|3|%x", f.srcDir, job.ID))
}

func TestRun_SplitsLargeBatches(t *testing.T) {
	f := newFixture(t, []config.JobDef{txtJob()})
	files := make(map[string]string, 250)
	for i := range 250 {
		files[fmt.Sprintf("f%03d.txt", i)] = "x"
	}
	b := f.poolBatch(t, files)

	require.NoError(t, f.d.Run(b))

	linked := map[uint32]uint32{}
	for range 3 {
		m := f.readMsg(t)
		assert.Equal(t, uint32(250), m.FileCount)
		linked[m.Split] = m.LinkedFiles
	}
	f.requireNoMsg(t)
	assert.Equal(t, map[uint32]uint32{0: 100, 1: 100, 2: 50}, linked)

	h := f.fsa.Host(f.table.Jobs[0].HostIndex)
	assert.Equal(t, 250, h.FilesQueued())
	assert.Equal(t, 3, h.JobsQueued())
}

func TestRun_RenameRuleApplies(t *testing.T) {
	def := txtJob()
	def.RenameRule = "stamp"
	f := newFixture(t, []config.JobDef{def},
		config.RenameDef{Name: "stamp", Maps: []config.RenameMap{{From: "*.txt", To: "$1.stamped"}}})

	prodPipe, err := fifo.Open(f.layout.LogFifo("production"))
	require.NoError(t, err)
	defer prodPipe.Close()

	b := f.poolBatch(t, map[string]string{"obs.txt": "data"})
	require.NoError(t, f.d.Run(b))

	job := f.table.Jobs[0]
	outDir := filepath.Join(f.layout.Outgoing(),
		fmt.Sprintf("%x", job.ID), msg.BatchName(batchTime.Unix(), 42, 0))
	assert.FileExists(t, filepath.Join(outDir, "obs.stamped"))
	assert.NoFileExists(t, filepath.Join(outDir, "obs.txt"))

	buf := make([]byte, fifo.PipeBuf)
	n, err := prodPipe.ReadDeadline(buf, time.Second)
	require.NoError(t, err)
	ln := int(binary.LittleEndian.Uint16(buf))
	require.LessOrEqual(t, 2+ln, n)
	rec := string(buf[2 : 2+ln])
	assert.Equal(t, fmt.Sprintf("%s|%s|%x|obs.txt|obs.stamped|4|0|rename stamp",
		msg.UniqueName(batchTime.Unix(), 42), f.srcDir, job.ID), rec)
}

func TestRun_PausedHostSavesFiles(t *testing.T) {
	f := newFixture(t, []config.JobDef{txtJob()})
	job := f.table.Jobs[0]
	f.fsa.Host(job.HostIndex).SetStatus(state.HostPauseQueue)

	b := f.poolBatch(t, map[string]string{"a.txt": "hello", "b.txt": "bye"})
	require.NoError(t, f.d.Run(b))

	f.requireNoMsg(t)
	saveDir := filepath.Join(f.srcDir, ".wx-primary")
	assert.FileExists(t, filepath.Join(saveDir, "a.txt"))
	assert.FileExists(t, filepath.Join(saveDir, "b.txt"))
	assert.NoDirExists(t, b.Dir)

	h := f.fsa.Host(job.HostIndex)
	assert.Equal(t, 2, h.FilesQueued())
	assert.Equal(t, int64(8), h.BytesQueued())
	assert.Equal(t, 0, h.JobsQueued())

	// Saved files still show up in the distribution log.
	assert.Len(t, f.readDist(t, 2), 2)
}

func TestRun_DisabledHostDropsFiles(t *testing.T) {
	f := newFixture(t, []config.JobDef{txtJob()})
	job := f.table.Jobs[0]
	f.fsa.Host(job.HostIndex).SetStatus(state.HostDisabled)

	b := f.poolBatch(t, map[string]string{"a.txt": "hello"})
	require.NoError(t, f.d.Run(b))

	f.requireNoMsg(t)
	assert.NoDirExists(t, b.Dir)
	assert.NoDirExists(t, filepath.Join(f.layout.Outgoing(), fmt.Sprintf("%x", job.ID)))
	assert.Equal(t, 0, f.fsa.Host(job.HostIndex).FilesQueued())

	// Accountability record even though nothing was delivered.
	recs := f.readDist(t, 1)
	assert.Equal(t, fmt.Sprintf("%s|a.txt|5|%x", f.srcDir, job.ID), recs[0])
}

func TestRun_CollectScheduleSavesToTimeDir(t *testing.T) {
	def := txtJob()
	def.TimeMode = config.TimeCollect
	def.TimeSchedule = []string{"0 0 30 2 *"} // never satisfiable
	f := newFixture(t, []config.JobDef{def})
	job := f.table.Jobs[0]

	b := f.poolBatch(t, map[string]string{"a.txt": "hello"})
	require.NoError(t, f.d.Run(b))

	f.requireNoMsg(t)
	assert.FileExists(t, filepath.Join(f.layout.TimeDir(), fmt.Sprintf("%x", job.ID), "a.txt"))
	assert.NoDirExists(t, b.Dir)
	// Time-directory files are not pending on the host yet.
	assert.Equal(t, 0, f.fsa.Host(job.HostIndex).FilesQueued())
}

func TestRun_ReleaseSweepEmitsFromTimeDir(t *testing.T) {
	def := txtJob()
	def.TimeMode = config.TimeCollect
	def.TimeSchedule = []string{"0 0 30 2 *"}
	f := newFixture(t, []config.JobDef{def})
	job := f.table.Jobs[0]

	timeDir := filepath.Join(f.layout.TimeDir(), fmt.Sprintf("%x", job.ID))
	require.NoError(t, os.MkdirAll(timeDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(timeDir, "a.txt"), []byte("hello"), 0o644))

	require.NoError(t, f.d.Run(&dispatch.Batch{
		Dir: timeDir, DirIndex: 0, DirPath: f.srcDir,
		Created: batchTime, Unique: 43,
		JobFilter: job.ID, NoGate: true,
	}))

	m := f.readMsg(t)
	assert.Equal(t, uint32(1), m.LinkedFiles)
	assert.False(t, m.FastPath, "collected files must not burst past the queue")

	assert.NoFileExists(t, filepath.Join(timeDir, "a.txt"))
	assert.DirExists(t, timeDir)
	f.requireNoDist(t)
}

func TestRun_PausedPickupRequeues(t *testing.T) {
	f := newFixture(t, []config.JobDef{txtJob()})
	job := f.table.Jobs[0]

	// State left behind by an earlier paused-host save.
	saveDir := filepath.Join(f.srcDir, ".wx-primary")
	require.NoError(t, os.MkdirAll(saveDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(saveDir, "a.txt"), []byte("hello"), 0o644))
	f.fsa.Host(job.HostIndex).AddQueued(1, 5)

	require.NoError(t, f.d.Run(&dispatch.Batch{
		Dir: saveDir, DirIndex: 0, DirPath: f.srcDir,
		Created: batchTime, Unique: 44,
		HostFilter: "wx-primary",
	}))

	m := f.readMsg(t)
	assert.Equal(t, uint32(1), m.LinkedFiles)
	assert.NoFileExists(t, filepath.Join(saveDir, "a.txt"))
	assert.DirExists(t, saveDir)

	// Save accounting is replaced by emit accounting, not doubled.
	h := f.fsa.Host(job.HostIndex)
	assert.Equal(t, 1, h.FilesQueued())
	assert.Equal(t, int64(5), h.BytesQueued())
	assert.Equal(t, 1, h.JobsQueued())
	f.requireNoDist(t)
}

func TestRun_HostFilterSkipsOtherHosts(t *testing.T) {
	other := config.JobDef{Masks: []string{"*"}, Host: "wx-backup", Proto: "loc", Target: "/dst/all"}
	f := newFixture(t, []config.JobDef{txtJob(), other})

	saveDir := filepath.Join(f.srcDir, ".wx-primary")
	require.NoError(t, os.MkdirAll(saveDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(saveDir, "a.txt"), []byte("hello"), 0o644))

	require.NoError(t, f.d.Run(&dispatch.Batch{
		Dir: saveDir, DirIndex: 0, DirPath: f.srcDir,
		Created: batchTime, Unique: 45,
		HostFilter: "wx-primary",
	}))

	m := f.readMsg(t)
	assert.Equal(t, uint32(0), m.JobIndex)
	f.requireNoMsg(t)
	assert.Equal(t, 0, f.fsa.Host(f.table.Jobs[1].HostIndex).FilesQueued())
}

func TestRun_DuplicateDelete(t *testing.T) {
	def := txtJob()
	def.DupTimeout = 3600
	def.DupAction = "delete"
	f := newFixture(t, []config.JobDef{def})
	job := f.table.Jobs[0]

	b := f.poolBatch(t, map[string]string{"a.txt": "hello"})
	require.NoError(t, f.d.Run(b))
	m := f.readMsg(t)
	assert.Equal(t, uint32(1), m.LinkedFiles)
	f.readDist(t, 1)

	// The same name inside the window is suppressed, batch and all.
	again := f.poolBatch(t, map[string]string{"a.txt": "hello again"})
	require.NoError(t, f.d.Run(again))
	f.requireNoMsg(t)
	assert.NoDirExists(t, again.Dir)
	assert.Equal(t, 1, f.fsa.Host(job.HostIndex).FilesQueued())
}

func TestRun_DuplicateWarnStillDelivers(t *testing.T) {
	def := txtJob()
	def.DupTimeout = 3600
	def.DupAction = "warn"
	f := newFixture(t, []config.JobDef{def})
	job := f.table.Jobs[0]

	first := f.poolBatch(t, map[string]string{"a.txt": "hello"})
	require.NoError(t, f.d.Run(first))
	f.readMsg(t)

	again := f.poolBatch(t, map[string]string{"a.txt": "hello"})
	require.NoError(t, f.d.Run(again))
	m := f.readMsg(t)
	assert.Equal(t, uint32(1), m.LinkedFiles)
	assert.Equal(t, 2, f.fsa.Host(job.HostIndex).FilesQueued())
}

func TestBatchArgs(t *testing.T) {
	b := &dispatch.Batch{
		Dir:        "/work/files/pool/x",
		DirIndex:   3,
		DirPath:    "/data/obs",
		Created:    batchTime,
		Unique:     42,
		HostFilter: "wx-primary",
		JobFilter:  0xcafe,
		NoGate:     true,
		Ephemeral:  true,
	}
	assert.Equal(t, []string{
		"__dispatch", "-w", "/work",
		"--dir-index", "3",
		"--batch", "/work/files/pool/x",
		"--dir-path", "/data/obs",
		"--created", fmt.Sprintf("%d", batchTime.Unix()),
		"--unique", "42",
		"--host-filter", "wx-primary",
		"--job-filter", "cafe",
		"--no-gate", "--ephemeral",
	}, b.Args("/work"))
}

func TestFinLineRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fin.fifo")
	p, err := fifo.OpenOrCreate(path)
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, dispatch.WriteFin(p, 4711, 2, 0))

	buf := make([]byte, 64)
	n, err := p.ReadDeadline(buf, time.Second)
	require.NoError(t, err)

	pid, dirIndex, rc, err := dispatch.ParseFin(string(buf[:n]))
	require.NoError(t, err)
	assert.Equal(t, 4711, pid)
	assert.Equal(t, 2, dirIndex)
	assert.Equal(t, 0, rc)
}

func TestParseFin_Rejects(t *testing.T) {
	for _, line := range []string{"", "1 2", "1 2 3 4", "a b c"} {
		_, _, _, err := dispatch.ParseFin(line)
		assert.Error(t, err, "line %q", line)
	}
}

package state_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/holger24/afd/internal/config"
	"github.com/holger24/afd/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHosts() []config.HostDef {
	return []config.HostDef{
		{
			Alias:            "alpha",
			Hostname:         "alpha.example.org",
			AllowedTransfers: 3,
			BlockSize:        4096,
			TransferTimeout:  120,
			MaxErrors:        10,
		},
		{
			Alias:            "beta",
			Hostname:         "beta.example.org",
			HostnameToggle:   "beta-b.example.org",
			AllowedTransfers: 2,
			BlockSize:        8192,
			TransferTimeout:  60,
			MaxErrors:        5,
		},
	}
}

func TestReconcileFSA_Fresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fsa")

	fsa, err := state.ReconcileFSA(path, testHosts())
	require.NoError(t, err)
	defer fsa.Close()

	assert.Equal(t, uint32(1), fsa.Generation())
	require.Equal(t, 2, fsa.Count())

	h := fsa.Host(0)
	assert.Equal(t, "alpha", h.Alias())
	assert.Equal(t, "alpha.example.org", h.Hostname(0))
	assert.Equal(t, 3, h.AllowedTransfers())
	assert.Equal(t, 0, h.ActiveTransfers())
	assert.Zero(t, h.Status())

	i, ok := fsa.HostIndex("beta")
	require.True(t, ok)
	assert.Equal(t, "beta-b.example.org", fsa.Host(i).Hostname(1))
}

func TestReconcileFSA_ReusesMatchingArea(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fsa")
	hosts := testHosts()

	fsa, err := state.ReconcileFSA(path, hosts)
	require.NoError(t, err)
	fsa.Host(0).AddSent(7, 7000)
	require.NoError(t, fsa.Close())

	again, err := state.ReconcileFSA(path, hosts)
	require.NoError(t, err)
	defer again.Close()

	assert.Equal(t, uint32(1), again.Generation(), "matching area must not be rebuilt")
	assert.Equal(t, uint64(7), again.Host(0).FilesSent())
}

func TestReconcileFSA_CarriesCountersAcrossRebuild(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fsa")
	hosts := testHosts()

	fsa, err := state.ReconcileFSA(path, hosts)
	require.NoError(t, err)
	h := fsa.Host(1)
	h.AddSent(3, 1234)
	h.SetErrorCounter(2)
	h.SetStatus(state.HostPauseQueue)
	h.AddActiveTransfers(1) // must not survive the rebuild
	require.NoError(t, fsa.Close())

	// A third host forces a rebuild.
	hosts = append(hosts, config.HostDef{
		Alias: "gamma", Hostname: "gamma.example.org",
		AllowedTransfers: 1, BlockSize: 4096, TransferTimeout: 30, MaxErrors: 3,
	})
	fsa, err = state.ReconcileFSA(path, hosts)
	require.NoError(t, err)
	defer fsa.Close()

	assert.Equal(t, uint32(2), fsa.Generation())
	require.Equal(t, 3, fsa.Count())

	i, ok := fsa.HostIndex("beta")
	require.True(t, ok)
	h = fsa.Host(i)
	assert.Equal(t, uint64(3), h.FilesSent())
	assert.Equal(t, uint64(1234), h.BytesSent())
	assert.Equal(t, uint32(2), h.ErrorCounter())
	assert.Equal(t, state.HostPauseQueue, h.Status())
	assert.Equal(t, 0, h.ActiveTransfers())

	i, ok = fsa.HostIndex("gamma")
	require.True(t, ok)
	assert.Zero(t, fsa.Host(i).FilesSent())
}

func TestAttachFSA_RejectsForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fsa")
	require.NoError(t, os.WriteFile(path, make([]byte, 512), 0o644))

	_, err := state.AttachFSA(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, state.ErrIncompatibleLayout)
}

func TestHostView_Slots(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fsa")
	fsa, err := state.ReconcileFSA(path, testHosts())
	require.NoError(t, err)
	defer fsa.Close()

	s := fsa.Host(0).Slot(2)
	s.SetPid(4242)
	s.SetStatus(state.SlotTransferring)
	s.SetJobID(0xdeadbeef)
	s.Progress(2, 2048)

	s = fsa.Host(0).Slot(2)
	assert.Equal(t, 4242, s.Pid())
	assert.Equal(t, state.SlotTransferring, s.Status())
	assert.Equal(t, uint32(0xdeadbeef), s.JobID())
	assert.Equal(t, uint32(2), s.FilesDone())
	assert.Equal(t, uint64(2048), s.BytesDone())
	assert.False(t, s.Quiesced())

	s.SetQuiesced(true)
	assert.True(t, fsa.Host(0).Slot(2).Quiesced())

	// Neighbouring slots stay untouched.
	assert.Zero(t, fsa.Host(0).Slot(1).Pid())
	assert.Zero(t, fsa.Host(0).Slot(3).Pid())

	s.Clear()
	assert.Zero(t, fsa.Host(0).Slot(2).Pid())
	assert.False(t, fsa.Host(0).Slot(2).Quiesced())
}

func TestHostView_RateTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fsa")
	fsa, err := state.ReconcileFSA(path, testHosts())
	require.NoError(t, err)
	defer fsa.Close()

	fsa.Host(0).SetRate(1.5e6)
	fsa.Host(1).SetRate(2.25e6)
	assert.Equal(t, 1.5e6, fsa.Host(0).Rate())
	assert.Equal(t, 2.25e6, fsa.Host(1).Rate())
}

func testDirs() []config.DirDef {
	return []config.DirDef{
		{
			Alias:      "wx",
			Path:       "/data/wx",
			MaxErrors:  10,
			WarnTime:   3600,
			IgnoreSize: "=0",
		},
		{
			Alias:          "obs",
			Path:           "/data/obs",
			ScanMode:       config.ScanKeepOnce,
			AcceptDotFiles: true,
			MaxErrors:      5,
		},
	}
}

func TestReconcileFRA_Fresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fra")

	fra, err := state.ReconcileFRA(path, testDirs())
	require.NoError(t, err)
	defer fra.Close()

	require.Equal(t, 2, fra.Count())
	d := fra.Dir(0)
	assert.Equal(t, "wx", d.Alias())
	assert.Equal(t, "/data/wx", d.Path())
	assert.Equal(t, config.ScanRemove, d.ScanMode())
	assert.Equal(t, 3600, d.WarnTime())
	assert.True(t, d.IgnoreSize().Match(0))
	assert.False(t, d.IgnoreSize().Match(1))

	d = fra.Dir(1)
	assert.Equal(t, config.ScanKeepOnce, d.ScanMode())
	assert.True(t, d.AcceptDotFiles())
	assert.Equal(t, config.Cond{}, d.IgnoreSize())
}

func TestReconcileFRA_CarriesCountersByPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fra")
	dirs := testDirs()

	fra, err := state.ReconcileFRA(path, dirs)
	require.NoError(t, err)
	fra.Dir(1).AddReceived(9, 9999)
	fra.Dir(1).SetStatus(state.DirDisabled | state.DirScanNeeded)
	require.NoError(t, fra.Close())

	// Reorder and drop one directory.
	fra, err = state.ReconcileFRA(path, []config.DirDef{dirs[1]})
	require.NoError(t, err)
	defer fra.Close()

	assert.Equal(t, uint32(2), fra.Generation())
	require.Equal(t, 1, fra.Count())

	d := fra.Dir(0)
	assert.Equal(t, "/data/obs", d.Path())
	assert.Equal(t, uint64(9), d.FilesReceived())
	// Operator state survives, transient scan flags do not.
	assert.Equal(t, state.DirDisabled, d.Status())
}

func TestStatus_ProcLifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "afd.status")

	st, err := state.OpenStatus(path, "1.0.0")
	require.NoError(t, err)

	assert.Equal(t, "1.0.0", st.Version())
	assert.WithinDuration(t, time.Now(), st.StartTime(), 5*time.Second)

	p := st.Proc(state.ProcFD)
	assert.Equal(t, state.ProcOff, p.State())
	p.SetPid(999)
	p.SetState(state.ProcOn)
	p.AddRestart()

	st.SetJobsInQueue(14)
	st.SetJobsInQueue(3)
	assert.Equal(t, 3, st.JobsInQueue())
	assert.Equal(t, 14, st.MaxQueued())
	require.NoError(t, st.Close())

	// Reopen attaches the existing area.
	st, err = state.OpenStatus(path, "1.0.0")
	require.NoError(t, err)
	defer st.Close()
	assert.Equal(t, 999, st.Proc(state.ProcFD).Pid())
	assert.Equal(t, state.ProcOn, st.Proc(state.ProcFD).State())
	assert.Equal(t, uint32(1), st.Proc(state.ProcFD).Restarts())
}

func TestProcByName(t *testing.T) {
	p, ok := state.ProcByName("trans_db_log")
	require.True(t, ok)
	assert.Equal(t, state.ProcTransDBLog, p)
	assert.Equal(t, "trans_db_log", p.String())

	_, ok = state.ProcByName("nonsense")
	assert.False(t, ok)
}

func TestCounter_NextIncrementsAndWraps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "counter")

	c, err := state.OpenCounter(path)
	require.NoError(t, err)
	defer c.Close()

	a, err := c.Next()
	require.NoError(t, err)
	b, err := c.Next()
	require.NoError(t, err)
	assert.Equal(t, a+1, b)

	// Force the value to the top of the range.
	require.NoError(t, os.WriteFile(path, []byte{0xff, 0xff, 0xff, 0x00}, 0o644))
	v, err := c.Next()
	require.NoError(t, err)
	assert.Equal(t, uint32(1<<24-1), v)
	v, err = c.Next()
	require.NoError(t, err)
	assert.Equal(t, uint32(0), v)
}

func TestHeartbeat_Persists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heartbeat")

	hb, err := state.OpenHeartbeat(path)
	require.NoError(t, err)
	hb.Beat()
	hb.Beat()
	hb.Beat()
	assert.Equal(t, uint64(3), hb.Value())
	require.NoError(t, hb.Close())

	hb, err = state.OpenHeartbeat(path)
	require.NoError(t, err)
	defer hb.Close()
	assert.Equal(t, uint64(3), hb.Value())
}

func TestArea_LockRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fsa")
	fsa, err := state.ReconcileFSA(path, testHosts())
	require.NoError(t, err)
	defer fsa.Close()

	unlock, err := fsa.LockRecord(0)
	require.NoError(t, err)
	unlock()

	unlock, err = fsa.LockRecord(1)
	require.NoError(t, err)
	unlock()
}

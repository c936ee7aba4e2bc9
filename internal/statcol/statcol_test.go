package statcol_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holger24/afd/internal/config"
	"github.com/holger24/afd/internal/paths"
	"github.com/holger24/afd/internal/state"
	"github.com/holger24/afd/internal/statcol"
)

func testLayout(t *testing.T) paths.Layout {
	t.Helper()
	l := paths.Layout{Work: t.TempDir()}
	require.NoError(t, paths.MkTree(l))

	fsa, err := state.ReconcileFSA(l.FSAFile(), []config.HostDef{
		{Alias: "wmo", Hostname: "wmo.example.org", AllowedTransfers: 3, MaxErrors: 10},
		{Alias: "backup", Hostname: "backup.example.org", AllowedTransfers: 2, MaxErrors: 10},
	})
	require.NoError(t, err)
	require.NoError(t, fsa.Close())

	fra, err := state.ReconcileFRA(l.FRAFile(), []config.DirDef{
		{Alias: "inbound", Path: filepath.Join(l.Work, "in"), MaxErrors: 10},
	})
	require.NoError(t, err)
	require.NoError(t, fra.Close())
	return l
}

func addTraffic(t *testing.T, l paths.Layout, files, bytes uint64) {
	t.Helper()
	fsa, err := state.AttachFSA(l.FSAFile())
	require.NoError(t, err)
	fsa.Host(0).AddSent(files, bytes)
	fsa.Host(0).AddConnection()
	require.NoError(t, fsa.Close())
}

func TestCollector_BooksDeltas(t *testing.T) {
	l := testLayout(t)
	addTraffic(t, l, 5, 5000)

	fra, err := state.AttachFRA(l.FRAFile())
	require.NoError(t, err)
	fra.Dir(0).AddReceived(3, 300)
	require.NoError(t, fra.Close())

	c, err := statcol.NewCollector(statcol.Options{Layout: l})
	require.NoError(t, err)
	defer c.Close()

	t0 := time.Now()
	require.NoError(t, c.Sample(t0))

	hosts, err := c.HostTotals(t0.Add(-time.Hour), t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, hosts, 1, "idle hosts book no rows")
	assert.Equal(t, "wmo", hosts[0].Host)
	assert.Equal(t, int64(5), hosts[0].Files)
	assert.Equal(t, int64(5000), hosts[0].Bytes)
	assert.Equal(t, int64(1), hosts[0].Connects)

	dirs, err := c.DirTotals(t0.Add(-time.Hour), t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, dirs, 1)
	assert.Equal(t, "inbound", dirs[0].Dir)
	assert.Equal(t, int64(3), dirs[0].Files)
	assert.Equal(t, int64(300), dirs[0].Bytes)

	// A second interval books only its own delta.
	addTraffic(t, l, 2, 200)
	require.NoError(t, c.Sample(t0.Add(time.Minute)))

	hosts, err = c.HostTotals(t0.Add(-time.Hour), t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, hosts, 1)
	assert.Equal(t, int64(7), hosts[0].Files)
	assert.Equal(t, int64(5200), hosts[0].Bytes)
}

func TestCollector_RestartDoesNotRecount(t *testing.T) {
	l := testLayout(t)
	addTraffic(t, l, 5, 5000)

	c, err := statcol.NewCollector(statcol.Options{Layout: l})
	require.NoError(t, err)
	t0 := time.Now()
	require.NoError(t, c.Sample(t0))
	require.NoError(t, c.Close())

	// A fresh collector sees the same lifetime totals. Without the stored
	// baseline it would book the whole 5/5000 again.
	c, err = statcol.NewCollector(statcol.Options{Layout: l})
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Sample(t0.Add(time.Minute)))

	hosts, err := c.HostTotals(t0.Add(-time.Hour), t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, hosts, 1)
	assert.Equal(t, int64(5), hosts[0].Files)
	assert.Equal(t, int64(5000), hosts[0].Bytes)
}

func TestCollector_PruneDropsExpiredRows(t *testing.T) {
	l := testLayout(t)
	addTraffic(t, l, 1, 100)

	c, err := statcol.NewCollector(statcol.Options{Layout: l, Keep: 24 * time.Hour})
	require.NoError(t, err)
	defer c.Close()

	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, c.Sample(old))

	dropped, err := c.Prune(time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), dropped)

	hosts, err := c.HostTotals(old.Add(-time.Hour), time.Now())
	require.NoError(t, err)
	assert.Empty(t, hosts)
}

func TestRateLog_PublishesHostRates(t *testing.T) {
	l := testLayout(t)

	r, err := statcol.NewRateLog(statcol.RateOptions{Layout: l, Interval: 5 * time.Second})
	require.NoError(t, err)
	defer r.Close()

	t0 := time.Now()
	r.Tick(t0) // baseline

	addTraffic(t, l, 1, 5000)
	r.Tick(t0.Add(5 * time.Second))

	fsa, err := state.AttachFSA(l.FSAFile())
	require.NoError(t, err)
	defer fsa.Close()
	assert.InDelta(t, 1000.0, fsa.Host(0).Rate(), 0.01)
	assert.InDelta(t, 0.0, fsa.Host(1).Rate(), 0.01)

	b, err := os.ReadFile(filepath.Join(l.Log(), "TRANSFER_RATE_LOG.0"))
	require.NoError(t, err)
	assert.Contains(t, string(b), "cur 1000")
	assert.Contains(t, string(b), "wmo=1000")
	assert.Contains(t, string(b), "backup=0")
}

func TestRateLog_IdleIntervalsStaySilent(t *testing.T) {
	l := testLayout(t)

	r, err := statcol.NewRateLog(statcol.RateOptions{Layout: l, Interval: 5 * time.Second})
	require.NoError(t, err)
	defer r.Close()

	t0 := time.Now()
	r.Tick(t0)
	r.Tick(t0.Add(5 * time.Second))
	r.Tick(t0.Add(10 * time.Second))

	b, err := os.ReadFile(filepath.Join(l.Log(), "TRANSFER_RATE_LOG.0"))
	require.NoError(t, err)
	assert.Empty(t, b)
}

package dupcheck_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/holger24/afd/internal/dupcheck"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *dupcheck.DB {
	t.Helper()
	d, err := dupcheck.Open(filepath.Join(t.TempDir(), "dupcheck.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestCheck_FirstSighting(t *testing.T) {
	d := openTestDB(t)
	now := time.Date(2026, 8, 19, 10, 0, 0, 0, time.UTC)

	dup, err := d.Check(0xcafe, "obs_202608.bin", time.Hour, now)
	require.NoError(t, err)
	assert.False(t, dup)
}

func TestCheck_RepeatWithinWindow(t *testing.T) {
	d := openTestDB(t)
	now := time.Date(2026, 8, 19, 10, 0, 0, 0, time.UTC)

	_, err := d.Check(0xcafe, "obs_202608.bin", time.Hour, now)
	require.NoError(t, err)

	// Second sighting lands before the batch flusher runs.
	dup, err := d.Check(0xcafe, "obs_202608.bin", time.Hour, now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, dup)
}

func TestCheck_ExpiredWindowResets(t *testing.T) {
	d := openTestDB(t)
	now := time.Date(2026, 8, 19, 10, 0, 0, 0, time.UTC)

	_, err := d.Check(0xcafe, "obs.bin", 10*time.Second, now)
	require.NoError(t, err)
	require.NoError(t, d.Flush())

	dup, err := d.Check(0xcafe, "obs.bin", 10*time.Second, now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, dup, "expired sighting is not a duplicate")

	dup, err = d.Check(0xcafe, "obs.bin", 10*time.Second, now.Add(time.Minute+5*time.Second))
	require.NoError(t, err)
	assert.True(t, dup, "the expired check opened a fresh window")
}

func TestCheck_ScopesAreIndependent(t *testing.T) {
	d := openTestDB(t)
	now := time.Date(2026, 8, 19, 10, 0, 0, 0, time.UTC)

	_, err := d.Check(1, "same.txt", time.Hour, now)
	require.NoError(t, err)

	dup, err := d.Check(2, "same.txt", time.Hour, now.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, dup)
}

func TestPrune_DropsExpiredOnly(t *testing.T) {
	d := openTestDB(t)
	now := time.Date(2026, 8, 19, 10, 0, 0, 0, time.UTC)

	_, err := d.Check(1, "short.txt", 10*time.Second, now)
	require.NoError(t, err)
	_, err = d.Check(1, "long.txt", time.Hour, now)
	require.NoError(t, err)

	n, err := d.Prune(now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	dup, err := d.Check(1, "long.txt", time.Hour, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, dup)
}

func TestReopen_KeepsSightings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dupcheck.db")
	now := time.Date(2026, 8, 19, 10, 0, 0, 0, time.UTC)

	d, err := dupcheck.Open(path)
	require.NoError(t, err)
	_, err = d.Check(7, "persist.txt", time.Hour, now)
	require.NoError(t, err)
	require.NoError(t, d.Close())

	d, err = dupcheck.Open(path)
	require.NoError(t, err)
	defer d.Close()

	dup, err := d.Check(7, "persist.txt", time.Hour, now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, dup)
}

package sf

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"
	"golang.org/x/time/rate"
)

func TestTmpName(t *testing.T) {
	a := tmpName("metar.txt")
	b := tmpName("metar.txt")
	assert.True(t, strings.HasPrefix(a, ".metar.txt."))
	assert.NotEqual(t, a, b, "retries must not collide with leftovers")
}

func TestBWLimiterBurst(t *testing.T) {
	assert.Equal(t, 512, newBWLimiter(512).Burst())
	assert.Equal(t, 1<<20, newBWLimiter(64<<20).Burst())
}

func TestThrottledWriterSplitsLargeWrites(t *testing.T) {
	var sizes []int
	rec := writerFunc(func(p []byte) (int, error) {
		sizes = append(sizes, len(p))
		return len(p), nil
	})
	tw := &throttledWriter{
		ctx:     context.Background(),
		w:       rec,
		limiter: rate.NewLimiter(rate.Inf, 4),
	}
	n, err := tw.Write(make([]byte, 10))
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, []int{4, 4, 2}, sizes)
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

func TestVerifyReadback(t *testing.T) {
	c := &locConn{dir: t.TempDir()}
	require.NoError(t, os.WriteFile(filepath.Join(c.dir, "payload"), []byte("forecast data"), 0o644))

	h := blake3.New()
	h.Write([]byte("forecast data"))
	good := h.Sum(nil)

	buf := make([]byte, 4096)
	assert.NoError(t, verifyReadback(c, "payload", good, buf))

	h = blake3.New()
	h.Write([]byte("something else"))
	err := verifyReadback(c, "payload", h.Sum(nil), buf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match")
}

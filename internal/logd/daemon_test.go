package logd_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/holger24/afd/internal/logd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startDaemon(t *testing.T, opt logd.Options) (dir string, stop func()) {
	t.Helper()
	dir = t.TempDir()
	opt.Dir = dir
	if opt.FifoPath == "" {
		opt.FifoPath = filepath.Join(dir, opt.Name+".fifo")
	}
	if opt.FlushEvery == 0 {
		opt.FlushEvery = 50 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- logd.New(opt).Run(ctx) }()

	// Wait for the daemon to create its pipe and active file.
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, opt.Name+".0"))
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	return dir, func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("daemon did not stop")
		}
	}
}

func readLog(t *testing.T, path string) []string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var out []string
	for _, l := range strings.Split(string(b), "\n") {
		if l != "" {
			out = append(out, l)
		}
	}
	return out
}

func TestDaemon_LineRecords(t *testing.T) {
	dir, stop := startDaemon(t, logd.Options{Name: "SYSTEM_LOG", Mode: logd.ModeLine})

	c, err := logd.NewLineClient(filepath.Join(dir, "SYSTEM_LOG.fifo"))
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Record("first entry"))
	require.NoError(t, c.Record("second entry"))
	time.Sleep(200 * time.Millisecond)
	stop()

	lines := readLog(t, filepath.Join(dir, "SYSTEM_LOG.0"))
	require.Len(t, lines, 2)
	// Fixed-width hex epoch, a space, then the payload.
	assert.Regexp(t, `^[0-9a-f]{8} first entry$`, lines[0])
	assert.Regexp(t, `^[0-9a-f]{8} second entry$`, lines[1])
}

func TestDaemon_FramedRecords(t *testing.T) {
	dir, stop := startDaemon(t, logd.Options{Name: "EVENT_LOG", Mode: logd.ModeFramed})

	c, err := logd.NewFrameClient(filepath.Join(dir, "EVENT_LOG.fifo"))
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Record(logd.Event{Action: logd.EventStarted, Subject: "afd"}.Payload()))
	require.NoError(t, c.Record([]byte("raw payload")))
	time.Sleep(200 * time.Millisecond)
	stop()

	lines := readLog(t, filepath.Join(dir, "EVENT_LOG.0"))
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "1 afd")
	assert.Contains(t, lines[1], "raw payload")
}

func TestDaemon_ReassemblesPartialReads(t *testing.T) {
	dir, stop := startDaemon(t, logd.Options{Name: "EVENT_LOG", Mode: logd.ModeFramed})

	// Raw writer so the record can be split across pipe writes.
	f, err := os.OpenFile(filepath.Join(dir, "EVENT_LOG.fifo"), os.O_WRONLY, 0)
	require.NoError(t, err)
	defer f.Close()

	payload := []byte("split-record")
	_, err = f.Write([]byte{byte(len(payload)), 0})
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	_, err = f.Write(payload[:5])
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	_, err = f.Write(payload[5:])
	require.NoError(t, err)
	time.Sleep(200 * time.Millisecond)
	stop()

	lines := readLog(t, filepath.Join(dir, "EVENT_LOG.0"))
	require.Len(t, lines, 1)
	assert.True(t, strings.HasSuffix(lines[0], " split-record"), "got %q", lines[0])
}

func TestDaemon_DiscardsCorruptLength(t *testing.T) {
	dir, stop := startDaemon(t, logd.Options{Name: "EVENT_LOG", Mode: logd.ModeFramed})

	f, err := os.OpenFile(filepath.Join(dir, "EVENT_LOG.fifo"), os.O_WRONLY, 0)
	require.NoError(t, err)
	defer f.Close()

	// Length far beyond pipe capacity.
	_, err = f.Write([]byte{0xff, 0xff})
	require.NoError(t, err)
	time.Sleep(150 * time.Millisecond)

	c, err := logd.NewFrameClient(filepath.Join(dir, "EVENT_LOG.fifo"))
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Record([]byte("after corruption")))
	time.Sleep(200 * time.Millisecond)
	stop()

	lines := readLog(t, filepath.Join(dir, "EVENT_LOG.0"))
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "corrupt input discarded")
	assert.Contains(t, lines[1], "after corruption")
}

func TestDaemon_RotatesBySize(t *testing.T) {
	dir, stop := startDaemon(t, logd.Options{
		Name:      "TRANSFER_LOG",
		Mode:      logd.ModeLine,
		KeepFiles: 3,
		MaxSize:   1, // every record trips the cap
	})

	c, err := logd.NewLineClient(filepath.Join(dir, "TRANSFER_LOG.fifo"))
	require.NoError(t, err)
	defer c.Close()

	for i := 0; i < 4; i++ {
		require.NoError(t, c.Record(fmt.Sprintf("record %d", i)))
		time.Sleep(100 * time.Millisecond)
	}
	stop()

	// Slot 0 is fresh after the last rotation; 1 and 2 hold the newest and
	// next-newest records; record 0 fell off the end.
	assert.FileExists(t, filepath.Join(dir, "TRANSFER_LOG.1"))
	assert.FileExists(t, filepath.Join(dir, "TRANSFER_LOG.2"))
	assert.NoFileExists(t, filepath.Join(dir, "TRANSFER_LOG.3"))

	got := readLog(t, filepath.Join(dir, "TRANSFER_LOG.1"))
	require.Len(t, got, 1)
	assert.Contains(t, got[0], "record 3")
	got = readLog(t, filepath.Join(dir, "TRANSFER_LOG.2"))
	require.Len(t, got, 1)
	assert.Contains(t, got[0], "record 2")
}

func TestFrameClient_RejectsOversizeRecord(t *testing.T) {
	dir := t.TempDir()
	c, err := logd.NewFrameClient(filepath.Join(dir, "fifo"))
	require.NoError(t, err)
	defer c.Close()

	err = c.Record(make([]byte, 5000))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pipe capacity")
}

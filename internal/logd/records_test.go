package logd_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/holger24/afd/internal/logd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfirmation_Payload(t *testing.T) {
	c := logd.Confirmation{
		Host:     "wx-in",
		Filename: "obs_202608.bin",
		Size:     0x1f40,
		Duration: 2500 * time.Millisecond,
		Retries:  2,
		JobID:    0xcafe,
		Unique:   "68ac0000_1_0",
	}
	assert.Equal(t,
		"wx-in|obs_202608.bin|1f40|2.500|2|cafe|68ac0000_1_0",
		string(c.Payload()))

	c.ArchiveDir = "wx-in/68ac"
	assert.Equal(t,
		"wx-in|obs_202608.bin|1f40|2.500|2|cafe|68ac0000_1_0|wx-in/68ac",
		string(c.Payload()))
}

func TestProduction_Payload(t *testing.T) {
	p := logd.Production{
		Unique:   "68ac0000_1_0",
		OrigDir:  "/data/wx",
		JobID:    0xbeef,
		OrigName: "raw.txt",
		NewName:  "renamed.txt",
		NewSize:  256,
		RC:       0,
		Cmd:      "rename(datestamp)",
	}
	assert.Equal(t,
		"68ac0000_1_0|/data/wx|beef|raw.txt|renamed.txt|100|0|rename(datestamp)",
		string(p.Payload()))
}

func TestDistribution_Payload(t *testing.T) {
	d := logd.Distribution{
		Dir:    "/data/wx",
		File:   "a.txt",
		Size:   16,
		JobIDs: []uint32{0x10, 0x20},
	}
	assert.Equal(t, "/data/wx|a.txt|10|10,20", string(d.Payload()))
}

func TestEventAction_Names(t *testing.T) {
	assert.Equal(t, "QueuePaused", logd.EventQueuePaused.String())
	assert.Equal(t, "Unknown", logd.EventAction(99).String())
	assert.Equal(t, "5 wx-in", string(logd.Event{Action: logd.EventQueuePaused, Subject: "wx-in"}.Payload()))
}

func TestTransferReceive_Records(t *testing.T) {
	tr := logd.Transfer{
		Host: "wx-in", Slot: 2, Proto: "sftp",
		File: "a.bin", Size: 1024,
		Duration: 1500 * time.Millisecond, Status: "ok",
	}
	assert.Equal(t, "wx-in[2] sftp a.bin 1024 1.500 ok", tr.Record())

	r := logd.Receive{Dir: "wx", Files: 4, Bytes: 4096}
	assert.Equal(t, "wx 4 4096", r.Record())
}

func TestNewSystemHandler_LineForm(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(logd.NewSystemHandler(&buf, slog.LevelDebug)).With("proc", "amg")

	logger.Info("scanner ready", "dirs", 3)
	logger.Log(context.Background(), logd.LevelConfig, "instance configuration")
	logger.Log(context.Background(), logd.LevelFatal, "shared area lost", "err", "mapping gone")
	logger.Debug("probe")

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "I amg: scanner ready dirs=3", lines[0])
	assert.Equal(t, "C amg: instance configuration", lines[1])
	assert.Equal(t, `F amg: shared area lost err="mapping gone"`, lines[2])
	assert.Equal(t, "D amg: probe", lines[3])
}

func TestMultiHandler_FansOut(t *testing.T) {
	t.Parallel()

	var textBuf, jsonBuf bytes.Buffer
	textH := slog.NewTextHandler(&textBuf, &slog.HandlerOptions{Level: slog.LevelInfo})
	jsonH := slog.NewJSONHandler(&jsonBuf, &slog.HandlerOptions{Level: slog.LevelInfo})

	logger := slog.New(logd.NewMultiHandler(textH, jsonH))
	logger.Info("test message", "key", "value")

	assert.Contains(t, textBuf.String(), "test message")
	assert.Contains(t, textBuf.String(), "key=value")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(jsonBuf.Bytes(), &rec))
	assert.Equal(t, "test message", rec["msg"])
	assert.Equal(t, "value", rec["key"])
}

func TestMultiHandler_LevelFiltering(t *testing.T) {
	t.Parallel()

	var debugBuf, warnBuf bytes.Buffer
	debugH := slog.NewTextHandler(&debugBuf, &slog.HandlerOptions{Level: slog.LevelDebug})
	warnH := slog.NewTextHandler(&warnBuf, &slog.HandlerOptions{Level: slog.LevelWarn})

	logger := slog.New(logd.NewMultiHandler(debugH, warnH))
	logger.Info("info msg")
	logger.Warn("warn msg")

	assert.Contains(t, debugBuf.String(), "info msg")
	assert.Contains(t, debugBuf.String(), "warn msg")
	assert.NotContains(t, warnBuf.String(), "info msg")
	assert.Contains(t, warnBuf.String(), "warn msg")
}

func TestMultiHandler_WithAttrs(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	h := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(logd.NewMultiHandler(h).WithAttrs([]slog.Attr{slog.String("proc", "amg")}))
	logger.Info("attached")

	assert.Contains(t, buf.String(), "proc=amg")
}

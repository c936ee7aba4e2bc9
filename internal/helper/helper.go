// Package helper is the maintenance worker of the process tree. It sweeps
// the pool for batch directories stranded by a crashed pickup, reports
// source files that sit around past the old-file age, and takes one-shot
// sweep requests from the supervisor. It is the first process the
// supervisor winds down, so a sweep never races the shutdown of the
// pipeline.
package helper

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/holger24/afd/internal/fifo"
	"github.com/holger24/afd/internal/paths"
	"github.com/holger24/afd/internal/state"
)

// Command verbs accepted on the helper fifo.
const (
	CmdSearchOld = 'O' // run an old-file sweep now
	CmdQuit      = 'Q' // leave the run loop
)

// Options configures a Helper.
type Options struct {
	Layout paths.Layout
	OldAge time.Duration // age bound and sweep interval
	Logger *slog.Logger
}

// Helper runs the periodic maintenance sweeps.
type Helper struct {
	o   Options
	log *slog.Logger

	fra *state.FRA
	cmd *fifo.Pipe
}

// New attaches the directory area and opens the command fifo.
func New(o Options) (*Helper, error) {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.OldAge <= 0 {
		o.OldAge = time.Hour
	}
	h := &Helper{o: o, log: o.Logger}
	var err error
	if h.fra, err = state.AttachFRA(o.Layout.FRAFile()); err != nil {
		return nil, err
	}
	if h.cmd, err = fifo.OpenOrCreate(o.Layout.HelperFifo()); err != nil {
		h.fra.Close()
		return nil, err
	}
	return h, nil
}

// Close releases the area and the fifo.
func (h *Helper) Close() error {
	err := h.cmd.Close()
	if ferr := h.fra.Close(); err == nil {
		err = ferr
	}
	return err
}

// Run sweeps once at startup, then on every interval and on every sweep
// verb until a quit arrives or ctx ends.
func (h *Helper) Run(ctx context.Context) error {
	h.log.Info("helper ready", "old_age", h.o.OldAge)
	h.Sweep(time.Now())

	cmds := make(chan byte, 8)
	go readBytes(h.cmd, cmds)

	ticker := time.NewTicker(h.o.OldAge)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case c, ok := <-cmds:
			if !ok {
				cmds = nil
				continue
			}
			switch c {
			case CmdSearchOld:
				h.Sweep(time.Now())
			case CmdQuit:
				h.log.Info("helper stopping")
				return nil
			default:
				h.log.Warn("unknown helper command", "cmd", fmt.Sprintf("%q", c))
			}
		case <-ticker.C:
			h.Sweep(time.Now())
		}
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

// Sweep runs one maintenance pass against now.
func (h *Helper) Sweep(now time.Time) {
	h.sweepPool(now)
	h.reportOld(now)
}

// sweepPool removes pool batches whose encoded pickup time lies past the
// old-file age. A live batch is gone within one directory timeout, so
// anything that old was stranded by a crashed pickup helper.
func (h *Helper) sweepPool(now time.Time) {
	pool := h.o.Layout.Pool()
	ents, err := os.ReadDir(pool)
	if err != nil {
		return
	}
	limit := now.Add(-h.o.OldAge)
	for _, e := range ents {
		if !e.IsDir() {
			continue
		}
		created, ok := poolCreated(e.Name())
		if !ok || created.After(limit) {
			continue
		}
		dir := filepath.Join(pool, e.Name())
		if err := os.RemoveAll(dir); err != nil {
			h.log.Warn("stranded pool batch not removable", "dir", dir, "err", err)
			continue
		}
		h.log.Warn("removed stranded pool batch",
			"batch", e.Name(), "age", now.Sub(created).Round(time.Second))
	}
}

// poolCreated parses the pickup time out of a pool batch name,
// created_unique_split_id with all fields in hex.
func poolCreated(name string) (time.Time, bool) {
	head, _, ok := strings.Cut(name, "_")
	if !ok {
		return time.Time{}, false
	}
	sec, err := strconv.ParseInt(head, 16, 64)
	if err != nil || sec <= 0 {
		return time.Time{}, false
	}
	return time.Unix(sec, 0), true
}

// reportOld logs, per watched directory, how many files sit there past the
// old-file age. Removal stays with the scanner and its per-directory
// knobs; the report makes a silted-up source visible either way.
func (h *Helper) reportOld(now time.Time) {
	limit := now.Add(-h.o.OldAge)
	for i := 0; i < h.fra.Count(); i++ {
		d := h.fra.Dir(i)
		ents, err := os.ReadDir(d.Path())
		if err != nil {
			continue
		}
		var count int
		var oldest time.Time
		for _, e := range ents {
			if e.IsDir() {
				continue
			}
			fi, err := e.Info()
			if err != nil || fi.ModTime().After(limit) {
				continue
			}
			count++
			if oldest.IsZero() || fi.ModTime().Before(oldest) {
				oldest = fi.ModTime()
			}
		}
		if count > 0 {
			h.log.Info("old files in source directory",
				"dir", d.Alias(), "files", count,
				"oldest", now.Sub(oldest).Round(time.Second))
		}
	}
}

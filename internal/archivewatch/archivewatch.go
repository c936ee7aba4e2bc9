// Package archivewatch prunes delivered files whose archive window passed.
//
// The delivery workers park archived files under
// archive/<host>/<job>/<expiry>_<batch>/, with the expiry encoded as a unix
// timestamp in the leaf directory name. The watcher needs no other state:
// it sweeps the tree on an interval, removes leaves whose stamp lies in the
// past and clears out emptied parents.
package archivewatch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/holger24/afd/internal/paths"
)

// Options configures the archive watcher.
type Options struct {
	Layout   paths.Layout
	Interval time.Duration // sweep cadence
	Logger   *slog.Logger
}

// Watcher sweeps the archive tree.
type Watcher struct {
	o   Options
	log *slog.Logger
}

// New builds a watcher from o.
func New(o Options) *Watcher {
	if o.Interval <= 0 {
		o.Interval = time.Minute
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return &Watcher{o: o, log: o.Logger}
}

// Run sweeps once immediately, then on the configured interval until ctx is
// cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	w.log.Info("archive watch running",
		"dir", w.o.Layout.Archive(), "interval", w.o.Interval)
	w.sweepAndLog(time.Now())

	t := time.NewTicker(w.o.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C:
			w.sweepAndLog(now)
		}
	}
}

func (w *Watcher) sweepAndLog(now time.Time) {
	n, err := w.Sweep(now)
	if err != nil {
		w.log.Error("archive sweep", "error", err)
	}
	if n > 0 {
		w.log.Info("pruned archive", "batches", n)
	}
}

// Sweep removes every archived batch whose expiry stamp is not after now
// and returns how many were removed. Leaves whose name carries no readable
// stamp are left alone. Emptied job and host directories go with their last
// batch.
func (w *Watcher) Sweep(now time.Time) (int, error) {
	root := w.o.Layout.Archive()
	hosts, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	cut := now.Unix()
	pruned := 0
	for _, host := range hosts {
		if !host.IsDir() {
			continue
		}
		hostDir := filepath.Join(root, host.Name())
		jobs, err := os.ReadDir(hostDir)
		if err != nil {
			w.log.Warn("read archive host dir", "dir", hostDir, "error", err)
			continue
		}
		for _, job := range jobs {
			if !job.IsDir() {
				continue
			}
			jobDir := filepath.Join(hostDir, job.Name())
			leaves, err := os.ReadDir(jobDir)
			if err != nil {
				w.log.Warn("read archive job dir", "dir", jobDir, "error", err)
				continue
			}
			for _, leaf := range leaves {
				expiry, ok := leafExpiry(leaf.Name())
				if !ok || expiry > cut {
					continue
				}
				dir := filepath.Join(jobDir, leaf.Name())
				if err := os.RemoveAll(dir); err != nil {
					w.log.Error("remove archived batch", "dir", dir, "error", err)
					continue
				}
				pruned++
			}
			// Fails while entries remain, which is the point.
			os.Remove(jobDir)
		}
		os.Remove(hostDir)
	}
	return pruned, nil
}

// leafExpiry parses the unix stamp off an <expiry>_<batch> leaf name.
func leafExpiry(name string) (int64, bool) {
	stamp, _, ok := strings.Cut(name, "_")
	if !ok {
		return 0, false
	}
	expiry, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil || expiry < 0 {
		return 0, false
	}
	return expiry, true
}

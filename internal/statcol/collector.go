// Package statcol keeps the long-term transfer statistics. Two daemons live
// here: the collector samples the host and directory counter totals into a
// small SQLite database on a slow interval, the rate logger tracks rolling
// byte rates on a fast one. Both only ever read the shared areas, except
// for the per-host rate gauge the rate logger publishes.
package statcol

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/holger24/afd/internal/paths"
	"github.com/holger24/afd/internal/state"
)

// defaultKeep is how long sampled rows are retained.
const defaultKeep = 7 * 24 * time.Hour

// pruneEvery spaces the retention sweeps; pruning per sample would be waste.
const pruneEvery = time.Hour

// Options configures the stat collector.
type Options struct {
	Layout   paths.Layout
	Interval time.Duration // sampling cadence
	Keep     time.Duration // row retention, 0 = defaultKeep
	Logger   *slog.Logger
}

// totals is one absolute counter reading.
type totals struct {
	files    int64
	bytes    int64
	connects int64
	errors   int64
}

// Collector writes per-interval transfer and receipt deltas to
// files/stat.db. The previous absolute totals are persisted alongside the
// deltas, so a restarted collector resumes counting instead of booking the
// lifetime totals again.
type Collector struct {
	o   Options
	log *slog.Logger
	db  *sql.DB

	prevHosts map[string]totals
	prevDirs  map[string]totals
	lastPrune time.Time
}

// NewCollector opens (or creates) the statistics store and loads the
// baseline totals of the previous run.
func NewCollector(o Options) (*Collector, error) {
	if o.Interval <= 0 {
		o.Interval = time.Minute
	}
	if o.Keep <= 0 {
		o.Keep = defaultKeep
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}

	path := o.Layout.StatDB()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create stat dir: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open stat db: %w", err)
	}

	c := &Collector{
		o:         o,
		log:       o.Logger,
		db:        db,
		prevHosts: make(map[string]totals),
		prevDirs:  make(map[string]totals),
	}
	if err := c.init(); err != nil {
		db.Close()
		return nil, err
	}
	if err := c.loadBaseline(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Collector) init() error {
	_, err := c.db.Exec(`
		CREATE TABLE IF NOT EXISTS transfers (
			ts       INTEGER NOT NULL,
			host     TEXT    NOT NULL,
			files    INTEGER NOT NULL,
			bytes    INTEGER NOT NULL,
			connects INTEGER NOT NULL,
			errors   INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS transfers_ts ON transfers (ts);
		CREATE INDEX IF NOT EXISTS transfers_host ON transfers (host, ts);
		CREATE TABLE IF NOT EXISTS receipts (
			ts    INTEGER NOT NULL,
			dir   TEXT    NOT NULL,
			files INTEGER NOT NULL,
			bytes INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS receipts_ts ON receipts (ts);
		CREATE INDEX IF NOT EXISTS receipts_dir ON receipts (dir, ts);
		CREATE TABLE IF NOT EXISTS baseline (
			kind     TEXT    NOT NULL,
			name     TEXT    NOT NULL,
			files    INTEGER NOT NULL,
			bytes    INTEGER NOT NULL,
			connects INTEGER NOT NULL,
			errors   INTEGER NOT NULL,
			PRIMARY KEY (kind, name)
		);
	`)
	if err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

func (c *Collector) loadBaseline() error {
	rows, err := c.db.Query("SELECT kind, name, files, bytes, connects, errors FROM baseline")
	if err != nil {
		return fmt.Errorf("load baseline: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var kind, name string
		var t totals
		if err := rows.Scan(&kind, &name, &t.files, &t.bytes, &t.connects, &t.errors); err != nil {
			return fmt.Errorf("scan baseline: %w", err)
		}
		switch kind {
		case "host":
			c.prevHosts[name] = t
		case "dir":
			c.prevDirs[name] = t
		}
	}
	return rows.Err()
}

// Close flushes nothing; samples are committed as they happen.
func (c *Collector) Close() error { return c.db.Close() }

// Run samples on the configured interval until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) error {
	c.log.Info("stat collector running",
		"db", c.o.Layout.StatDB(), "interval", c.o.Interval, "keep", c.o.Keep)

	t := time.NewTicker(c.o.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C:
			if err := c.Sample(now); err != nil {
				c.log.Error("sample", "error", err)
			}
			if now.Sub(c.lastPrune) >= pruneEvery {
				c.lastPrune = now
				if n, err := c.Prune(now); err != nil {
					c.log.Error("prune", "error", err)
				} else if n > 0 {
					c.log.Debug("pruned stat rows", "rows", n)
				}
			}
		}
	}
}

// Sample reads the current totals of every host and directory and books the
// delta since the previous sample. Intervals without traffic book nothing.
// A total below its baseline means the area was rebuilt from scratch; the
// current value then counts in full.
func (c *Collector) Sample(now time.Time) error {
	hosts, dirs := c.read()
	if hosts == nil && dirs == nil {
		return nil
	}

	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	ts := now.Unix()

	for name, cur := range hosts {
		d := delta(cur, c.prevHosts[name])
		if d != (totals{}) {
			_, err = tx.Exec(
				"INSERT INTO transfers (ts, host, files, bytes, connects, errors) VALUES (?, ?, ?, ?, ?, ?)",
				ts, name, d.files, d.bytes, d.connects, d.errors)
			if err != nil {
				tx.Rollback()
				return fmt.Errorf("insert transfer row: %w", err)
			}
		}
		if err := upsertBaseline(tx, "host", name, cur); err != nil {
			tx.Rollback()
			return err
		}
		c.prevHosts[name] = cur
	}
	for name, cur := range dirs {
		d := delta(cur, c.prevDirs[name])
		if d.files != 0 || d.bytes != 0 {
			_, err = tx.Exec(
				"INSERT INTO receipts (ts, dir, files, bytes) VALUES (?, ?, ?, ?)",
				ts, name, d.files, d.bytes)
			if err != nil {
				tx.Rollback()
				return fmt.Errorf("insert receipt row: %w", err)
			}
		}
		if err := upsertBaseline(tx, "dir", name, cur); err != nil {
			tx.Rollback()
			return err
		}
		c.prevDirs[name] = cur
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// read attaches the areas and copies the counter totals out. Either area
// may be missing, before the scanner's first reconcile.
func (c *Collector) read() (map[string]totals, map[string]totals) {
	var hosts, dirs map[string]totals

	if fsa, err := state.AttachFSA(c.o.Layout.FSAFile()); err == nil {
		hosts = make(map[string]totals, fsa.Count())
		for i := 0; i < fsa.Count(); i++ {
			h := fsa.Host(i)
			hosts[h.Alias()] = totals{
				files:    int64(h.FilesSent()),
				bytes:    int64(h.BytesSent()),
				connects: int64(h.Connections()),
				errors:   int64(h.TotalErrors()),
			}
		}
		fsa.Close()
	}
	if fra, err := state.AttachFRA(c.o.Layout.FRAFile()); err == nil {
		dirs = make(map[string]totals, fra.Count())
		for i := 0; i < fra.Count(); i++ {
			d := fra.Dir(i)
			dirs[d.Alias()] = totals{
				files: int64(d.FilesReceived()),
				bytes: int64(d.BytesReceived()),
			}
		}
		fra.Close()
	}
	return hosts, dirs
}

func delta(cur, prev totals) totals {
	d := totals{
		files:    cur.files - prev.files,
		bytes:    cur.bytes - prev.bytes,
		connects: cur.connects - prev.connects,
		errors:   cur.errors - prev.errors,
	}
	if d.files < 0 || d.bytes < 0 {
		return cur
	}
	return d
}

func upsertBaseline(tx *sql.Tx, kind, name string, t totals) error {
	_, err := tx.Exec(
		"INSERT OR REPLACE INTO baseline (kind, name, files, bytes, connects, errors) VALUES (?, ?, ?, ?, ?, ?)",
		kind, name, t.files, t.bytes, t.connects, t.errors)
	if err != nil {
		return fmt.Errorf("update baseline: %w", err)
	}
	return nil
}

// Prune drops rows older than the retention window and returns how many.
func (c *Collector) Prune(now time.Time) (int64, error) {
	cut := now.Add(-c.o.Keep).Unix()
	var dropped int64
	for _, table := range []string{"transfers", "receipts"} {
		res, err := c.db.Exec("DELETE FROM "+table+" WHERE ts <= ?", cut)
		if err != nil {
			return dropped, fmt.Errorf("prune %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		dropped += n
	}
	return dropped, nil
}

// HostTotals is the summed activity of one host over a query window.
type HostTotals struct {
	Host     string
	Files    int64
	Bytes    int64
	Connects int64
	Errors   int64
}

// HostTotals sums the booked deltas per host in [from, to].
func (c *Collector) HostTotals(from, to time.Time) ([]HostTotals, error) {
	rows, err := c.db.Query(`
		SELECT host, SUM(files), SUM(bytes), SUM(connects), SUM(errors)
		FROM transfers WHERE ts BETWEEN ? AND ?
		GROUP BY host ORDER BY host`,
		from.Unix(), to.Unix())
	if err != nil {
		return nil, fmt.Errorf("query host totals: %w", err)
	}
	defer rows.Close()

	var out []HostTotals
	for rows.Next() {
		var t HostTotals
		if err := rows.Scan(&t.Host, &t.Files, &t.Bytes, &t.Connects, &t.Errors); err != nil {
			return nil, fmt.Errorf("scan host totals: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DirTotals is the summed arrivals of one directory over a query window.
type DirTotals struct {
	Dir   string
	Files int64
	Bytes int64
}

// DirTotals sums the booked receipt deltas per directory in [from, to].
func (c *Collector) DirTotals(from, to time.Time) ([]DirTotals, error) {
	rows, err := c.db.Query(`
		SELECT dir, SUM(files), SUM(bytes)
		FROM receipts WHERE ts BETWEEN ? AND ?
		GROUP BY dir ORDER BY dir`,
		from.Unix(), to.Unix())
	if err != nil {
		return nil, fmt.Errorf("query dir totals: %w", err)
	}
	defer rows.Close()

	var out []DirTotals
	for rows.Next() {
		var t DirTotals
		if err := rows.Scan(&t.Dir, &t.Files, &t.Bytes); err != nil {
			return nil, fmt.Errorf("scan dir totals: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

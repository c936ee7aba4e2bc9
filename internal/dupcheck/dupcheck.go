// Package dupcheck detects duplicate file arrivals within a per-job window.
//
// Sightings are keyed by the job fingerprint and a hash of the file name
// and stored in a small SQLite database under the files directory, so the
// scanner can flag a file that was already distributed by the same job
// within its configured timeout. Whether a duplicate is deleted or only
// warned about is the caller's decision.
package dupcheck

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	_ "modernc.org/sqlite"
)

// DB is the shared duplicate-detection store.
type DB struct {
	db   *sql.DB
	path string

	// Batch buffer for first sightings.
	mu      sync.Mutex
	batch   []sighting
	done    chan struct{}
	stopped bool
}

type sighting struct {
	scope   uint32
	hash    int64
	first   int64
	expires int64
}

// Open opens (or creates) the duplicate store at path.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create dupcheck dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open dupcheck db: %w", err)
	}

	d := &DB{
		db:   db,
		path: path,
		done: make(chan struct{}),
	}

	if err := d.init(); err != nil {
		db.Close()
		return nil, err
	}

	// Start background batch flusher.
	go d.flushLoop()

	return d, nil
}

func (d *DB) init() error {
	_, err := d.db.Exec(`
		CREATE TABLE IF NOT EXISTS seen (
			scope   INTEGER NOT NULL,
			hash    INTEGER NOT NULL,
			first   INTEGER NOT NULL,
			expires INTEGER NOT NULL,
			PRIMARY KEY (scope, hash)
		);
		CREATE INDEX IF NOT EXISTS seen_expires ON seen (expires);
	`)
	if err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

// Check reports whether name was already seen by scope within timeout. A
// first sighting is recorded with now as its reference time; an expired
// sighting is refreshed and not reported as duplicate.
func (d *DB) Check(scope uint32, name string, timeout time.Duration, now time.Time) (bool, error) {
	h := int64(xxhash.Sum64String(name))
	ts := now.Unix()
	exp := ts + int64(timeout/time.Second)

	d.mu.Lock()
	for _, s := range d.batch {
		if s.scope == scope && s.hash == h {
			dup := ts < s.expires
			d.mu.Unlock()
			return dup, nil
		}
	}
	d.mu.Unlock()

	var first, expires int64
	err := d.db.QueryRow(
		"SELECT first, expires FROM seen WHERE scope = ? AND hash = ?", scope, h,
	).Scan(&first, &expires)
	switch {
	case err == sql.ErrNoRows:
		d.mu.Lock()
		d.batch = append(d.batch, sighting{scope: scope, hash: h, first: ts, expires: exp})
		var flushErr error
		if len(d.batch) >= 100 {
			flushErr = d.flushLocked()
		}
		d.mu.Unlock()
		return false, flushErr
	case err != nil:
		return false, fmt.Errorf("query sighting: %w", err)
	case ts < expires:
		return true, nil
	default:
		// Expired sighting, start a new window.
		_, err := d.db.Exec(
			"UPDATE seen SET first = ?, expires = ? WHERE scope = ? AND hash = ?", ts, exp, scope, h,
		)
		if err != nil {
			return false, fmt.Errorf("refresh sighting: %w", err)
		}
		return false, nil
	}
}

// Prune removes sightings whose window ended before now and returns how
// many were dropped.
func (d *DB) Prune(now time.Time) (int64, error) {
	if err := d.Flush(); err != nil {
		return 0, err
	}
	res, err := d.db.Exec("DELETE FROM seen WHERE expires <= ?", now.Unix())
	if err != nil {
		return 0, fmt.Errorf("prune sightings: %w", err)
	}
	return res.RowsAffected()
}

// Flush writes any pending sightings to the database.
func (d *DB) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flushLocked()
}

func (d *DB) flushLocked() error {
	if len(d.batch) == 0 {
		return nil
	}

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	stmt, err := tx.Prepare("INSERT OR REPLACE INTO seen (scope, hash, first, expires) VALUES (?, ?, ?, ?)")
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, s := range d.batch {
		if _, err := stmt.Exec(s.scope, s.hash, s.first, s.expires); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert sighting: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	d.batch = d.batch[:0]
	return nil
}

func (d *DB) flushLoop() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
			d.mu.Lock()
			_ = d.flushLocked()
			d.mu.Unlock()
		}
	}
}

// Close flushes any pending writes and closes the database.
func (d *DB) Close() error {
	d.mu.Lock()
	if !d.stopped {
		d.stopped = true
		close(d.done)
	}
	_ = d.flushLocked()
	d.mu.Unlock()
	return d.db.Close()
}

// Path returns the path to the database file.
func (d *DB) Path() string {
	return d.path
}

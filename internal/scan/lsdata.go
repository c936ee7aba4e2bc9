package scan

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/holger24/afd/internal/config"
)

// lsEntry remembers one source file between passes.
type lsEntry struct {
	size   int64
	mtime  int64 // unix nanoseconds
	offset int64 // bytes already picked up
}

// lsCache is the pickup memory for directories that keep their source files.
// It is loaded once at startup and written back after every pass that
// changed it, so a restart does not re-deliver files already seen.
type lsCache struct {
	path    string
	entries map[string]lsEntry
	dirty   bool
}

// openCache loads the cache file for one directory. A missing or partly
// damaged file yields an empty cache, which at worst re-picks files.
func openCache(path string) *lsCache {
	c := &lsCache{path: path, entries: make(map[string]lsEntry)}
	f, err := os.Open(path)
	if err != nil {
		return c
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		parts := strings.SplitN(sc.Text(), "\t", 4)
		if len(parts) != 4 {
			continue
		}
		size, err1 := strconv.ParseInt(parts[0], 10, 64)
		mtime, err2 := strconv.ParseInt(parts[1], 10, 64)
		offset, err3 := strconv.ParseInt(parts[2], 10, 64)
		if err1 != nil || err2 != nil || err3 != nil {
			continue
		}
		c.entries[parts[3]] = lsEntry{size: size, mtime: mtime, offset: offset}
	}
	return c
}

// decide returns which part of the file to pick up: -1 none, 0 the whole
// file, >0 only the bytes from that offset on.
func (c *lsCache) decide(mode config.ScanMode, reread bool, name string, size, mtime int64) int64 {
	e, known := c.entries[name]
	switch mode {
	case config.ScanKeepOnce:
		if known && !reread && e.size == size && e.mtime == mtime {
			return -1
		}
	case config.ScanKeepOnceOnly:
		if known && !reread {
			return -1
		}
	case config.ScanAppendOnly:
		if !known || size < e.offset {
			return 0 // new or truncated, take everything
		}
		if size == e.offset {
			return -1
		}
		return e.offset
	}
	return 0
}

// picked records a successful pickup.
func (c *lsCache) picked(name string, size, mtime int64) {
	c.entries[name] = lsEntry{size: size, mtime: mtime, offset: size}
	c.dirty = true
}

// prune drops entries for files no longer present, so a name that comes
// back later counts as new.
func (c *lsCache) prune(seen map[string]bool) {
	for name := range c.entries {
		if !seen[name] {
			delete(c.entries, name)
			c.dirty = true
		}
	}
}

// save writes the cache back via a temp file rename. A clean cache is a
// no-op.
func (c *lsCache) save() error {
	if !c.dirty {
		return nil
	}
	names := make([]string, 0, len(c.entries))
	for name := range c.entries {
		names = append(names, name)
	}
	sort.Strings(names)

	tmp := c.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, name := range names {
		e := c.entries[name]
		fmt.Fprintf(w, "%d\t%d\t%d\t%s\n", e.size, e.mtime, e.offset, name)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, c.path); err != nil {
		os.Remove(tmp)
		return err
	}
	c.dirty = false
	return nil
}

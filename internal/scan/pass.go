package scan

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/holger24/afd/internal/config"
	"github.com/holger24/afd/internal/dispatch"
	"github.com/holger24/afd/internal/jobs"
	"github.com/holger24/afd/internal/logd"
	"github.com/holger24/afd/internal/msg"
	"github.com/holger24/afd/internal/platform"
	"github.com/holger24/afd/internal/schedule"
	"github.com/holger24/afd/internal/state"
)

// pick is one file selected for pool pickup.
type pick struct {
	name   string
	size   int64
	mtime  time.Time
	offset int64 // >0 = only the appended tail
}

// Pass polls every directory once. Directories that fall behind the full
// scan timeout are deferred to the next pass.
func (s *Scanner) Pass(now time.Time) {
	s.clampClock(now)
	if s.o.Config.ParallelScan > 1 {
		s.passParallel(now, s.o.Config.ParallelScan)
	} else {
		s.passSerial(now)
	}
	s.saveCaches()
}

func (s *Scanner) passSerial(now time.Time) {
	deadline := now.Add(s.o.Config.ScanTimeout())
	for i := range s.dc.Dirs {
		if time.Now().After(deadline) {
			n := len(s.dc.Dirs) - i
			s.log.Warn("full scan timeout, deferring remaining directories", "skipped", n)
			for j := i; j < len(s.dc.Dirs); j++ {
				s.deferOne(j, now)
			}
			return
		}
		s.scanOne(i, now)
	}
}

// passParallel runs the directory scans on a worker pool. Batch dispatch,
// time-dir releases, paused pickups and the sweeps stay on the calling
// goroutine, in directory order, so the observable behavior matches the
// serial pass.
func (s *Scanner) passParallel(now time.Time, workers int) {
	deadline := now.Add(s.o.Config.ScanTimeout())

	var active, scans []int
	elig := make([]bool, len(s.dc.Dirs))
	for i := range s.dc.Dirs {
		d := s.fra.Dir(i)
		if d.Status()&state.DirDisabled != 0 {
			continue
		}
		active = append(active, i)
		s.releaseDue(i, now)
		s.pickupPaused(i, d, now)
		if s.eligible(i, d, now) {
			elig[i] = true
			scans = append(scans, i)
		}
	}

	batches := make([]*dispatch.Batch, len(s.dc.Dirs))
	work := make(chan int, len(scans))
	var deferred atomic.Int32

	var wg sync.WaitGroup
	for n := min(workers, len(scans)); n > 0; n-- {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range work {
				if time.Now().After(deadline) {
					s.deferOne(i, now)
					elig[i] = false
					deferred.Add(1)
					continue
				}
				batches[i] = s.scanDir(i, s.fra.Dir(i), now)
			}
		}()
	}
	for _, i := range scans {
		work <- i
	}
	close(work)
	wg.Wait()

	if n := deferred.Load(); n > 0 {
		s.log.Warn("full scan timeout, deferring remaining directories", "skipped", n)
	}

	for _, i := range active {
		d := s.fra.Dir(i)
		if b := batches[i]; b != nil {
			s.dispatchBatch(b, d)
		}
		if elig[i] {
			if sched := s.dirs[i].sched; sched != nil {
				d.SetNextSchedule(sched.Next(now))
			}
		}
		s.sweep(i, d, now)
	}
}

// scanOne runs the full per-directory sequence: release due time jobs, pick
// up files saved for unpaused hosts, scan when eligible, sweep always.
func (s *Scanner) scanOne(i int, now time.Time) {
	d := s.fra.Dir(i)
	if d.Status()&state.DirDisabled != 0 {
		return
	}
	s.releaseDue(i, now)
	s.pickupPaused(i, d, now)
	if s.eligible(i, d, now) {
		if b := s.scanDir(i, d, now); b != nil {
			s.dispatchBatch(b, d)
		}
		if sched := s.dirs[i].sched; sched != nil {
			d.SetNextSchedule(sched.Next(now))
		}
	}
	s.sweep(i, d, now)
}

// eligible decides whether the directory content is looked at this pass.
func (s *Scanner) eligible(i int, d state.DirView, now time.Time) bool {
	st := d.Status()
	if st&state.DirMaxCopied != 0 {
		return true // an oversized batch is still being drained
	}
	if s.dirs[i].mask != 0 && st&state.DirScanNeeded == 0 {
		return false
	}
	if s.dirs[i].sched != nil && now.Before(d.NextSchedule()) {
		return false
	}
	return true
}

// deferOne pushes a skipped directory far enough into the past that the
// next pass takes it first.
func (s *Scanner) deferOne(i int, now time.Time) {
	d := s.fra.Dir(i)
	if s.dirs[i].sched != nil {
		d.SetNextSchedule(now.Add(-5 * time.Second))
	}
	d.SetStatus(state.DirScanNeeded)
}

// releaseDue hands time-gated jobs their held files once the schedule says
// so: collect jobs at every boundary, window jobs while the window is open.
func (s *Scanner) releaseDue(i int, now time.Time) {
	for _, job := range s.table.ForDir(i) {
		switch job.TimeMode {
		case config.TimeCollect:
			due, ok := s.nextSend[job.ID]
			if !ok || now.Before(due) {
				continue
			}
			s.nextSend[job.ID] = job.Schedule.Next(now)
			s.releaseTimeDir(i, job, now)
		case config.TimeWindow:
			if job.Schedule.Within(now) {
				s.releaseTimeDir(i, job, now)
			}
		}
	}
}

func (s *Scanner) releaseTimeDir(i int, job *jobs.Job, now time.Time) {
	tdir := filepath.Join(s.o.Layout.TimeDir(), fmt.Sprintf("%x", job.ID))
	ents, err := os.ReadDir(tdir)
	if err != nil || len(ents) == 0 {
		return
	}
	unique, err := s.counter.Next()
	if err != nil {
		s.log.Error("unique counter", "err", err)
		return
	}
	s.dispatchBatch(&dispatch.Batch{
		Dir:       tdir,
		DirIndex:  i,
		DirPath:   s.dc.Dirs[i].Path,
		Created:   now,
		Unique:    unique,
		JobFilter: job.ID,
		NoGate:    true,
	}, s.fra.Dir(i))
}

// pickupPaused re-queues files diverted to <dir>/.<host>/ once the host is
// no longer paused.
func (s *Scanner) pickupPaused(i int, d state.DirView, now time.Time) {
	seen := make(map[string]bool)
	for _, job := range s.table.ForDir(i) {
		if seen[job.Host] {
			continue
		}
		seen[job.Host] = true
		if s.fsa.Host(job.HostIndex).Status()&state.HostPauseQueue != 0 {
			continue
		}
		saveDir := filepath.Join(d.Path(), "."+job.Host)
		ents, err := os.ReadDir(saveDir)
		if err != nil || len(ents) == 0 {
			continue
		}
		unique, err := s.counter.Next()
		if err != nil {
			s.log.Error("unique counter", "err", err)
			return
		}
		s.dispatchBatch(&dispatch.Batch{
			Dir:        saveDir,
			DirIndex:   i,
			DirPath:    d.Path(),
			Created:    now,
			Unique:     unique,
			HostFilter: job.Host,
		}, d)
	}
}

// scanDir enumerates one source directory, moves eligible files into a
// fresh pool batch and returns the batch, or nil when nothing was picked
// up. The FRA record is updated either way.
func (s *Scanner) scanDir(i int, d state.DirView, now time.Time) *dispatch.Batch {
	def := &s.dc.Dirs[i]
	dirPath := d.Path()

	info, err := os.Stat(dirPath)
	switch {
	case err == nil && !info.IsDir():
		s.dirError(d, fmt.Errorf("%s: not a directory", dirPath))
		return nil
	case errors.Is(err, fs.ErrNotExist) && def.Create:
		if mkErr := os.MkdirAll(dirPath, 0o755); mkErr != nil {
			s.dirError(d, mkErr)
		} else {
			s.clearDirError(d)
			d.SetLastScan(now)
		}
		return nil
	case err != nil:
		s.dirError(d, fmt.Errorf("%w: %w", ErrDirectoryUnavailable, err))
		return nil
	}
	s.clearDirError(d)

	if d.Dev() == 0 {
		if st, ok := info.Sys().(*syscall.Stat_t); ok {
			d.SetDev(uint64(st.Dev))
		}
	}
	if s.dirs[i].mask != 0 {
		s.ensureWatch(i, dirPath)
	}

	ents, err := os.ReadDir(dirPath)
	if err != nil {
		s.dirError(d, fmt.Errorf("%w: %w", ErrDirectoryUnavailable, err))
		return nil
	}
	d.ClearStatus(state.DirScanNeeded | state.DirMaxCopied)
	d.SetLastScan(now)

	maxFiles := d.MaxCopiedFiles()
	if maxFiles <= 0 {
		maxFiles = s.o.Config.MaxCopiedFiles
	}
	maxBytes := d.MaxCopiedFileSize()
	if maxBytes <= 0 {
		maxBytes = s.o.Config.MaxCopiedFileSize
	}
	deadline := now.Add(s.o.Config.OneDirTimeout())
	ignSize := d.IgnoreSize()
	ignAge := d.IgnoreFileTime()
	unknownAge := time.Duration(d.DeleteUnknownAge()) * time.Second
	cache := s.dirs[i].cache
	reread := d.ForceReread()

	pool := &s.dirs[i].pool
	pool.reset()
	var pickBytes int64
	var stay int
	var stayBytes int64
	capped := false
	seen := make(map[string]bool, len(ents))

	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !def.AcceptDotFiles && strings.HasPrefix(name, ".") {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue // gone between readdir and stat
		}
		if cache != nil {
			seen[name] = true
		}
		size := fi.Size()
		if ignSize.Match(size) || ignAge.Match(int64(now.Sub(fi.ModTime())/time.Second)) {
			stay++
			stayBytes += size
			continue
		}
		if !s.matchesAny(i, name) {
			if unknownAge > 0 && now.Sub(fi.ModTime()) > unknownAge {
				if os.Remove(filepath.Join(dirPath, name)) == nil {
					s.log.Info("removed old unknown file", "dir", d.Alias(), "file", name)
				}
			} else {
				stay++
				stayBytes += size
			}
			continue
		}
		if capped {
			stay++
			stayBytes += size
			continue
		}
		offset := int64(0)
		if cache != nil {
			offset = cache.decide(def.ScanMode, reread, name, size, fi.ModTime().UnixNano())
			if offset < 0 {
				stay++
				stayBytes += size
				continue
			}
		}
		pool.add(pick{name: name, size: size, mtime: fi.ModTime(), offset: offset})
		pickBytes += size - offset
		if pool.count() >= maxFiles || pickBytes >= maxBytes {
			capped = true
		}
	}

	picks := pool.all()
	var batch *dispatch.Batch
	if len(picks) > 0 {
		var linked int
		var linkedBytes int64
		batch, linked, linkedBytes, capped = s.pickup(i, d, def, dirPath, picks, now, deadline, cache, capped)
		if def.ScanMode.KeepsSource() {
			stay += len(picks)
			for _, p := range picks {
				stayBytes += p.size
			}
		} else {
			stay += len(picks) - linked
			for _, p := range picks {
				stayBytes += p.size
			}
			stayBytes -= linkedBytes
		}
	}
	if cache != nil {
		cache.prune(seen)
	}
	d.SetInDir(stay, stayBytes)
	if capped {
		d.SetStatus(state.DirMaxCopied)
	}
	return batch
}

// pickup moves the picked files into a new pool batch and accounts for
// them. It returns a nil batch when every pickup failed.
func (s *Scanner) pickup(i int, d state.DirView, def *config.DirDef, dirPath string,
	picks []pick, now time.Time, deadline time.Time, cache *lsCache, capped bool) (*dispatch.Batch, int, int64, bool) {

	unique, err := s.counter.Next()
	if err != nil {
		s.log.Error("unique counter", "err", err)
		return nil, 0, 0, capped
	}
	firstJob := s.table.ForDir(i)[0]
	poolDir := filepath.Join(s.o.Layout.Pool(), msg.PoolName(now.Unix(), unique, 0, firstJob.ID))
	if err := os.MkdirAll(poolDir, 0o755); err != nil {
		s.log.Error("create pool batch", "dir", d.Alias(), "err", err)
		return nil, 0, 0, capped
	}

	sameFS := s.poolDev != 0 && d.Dev() == s.poolDev
	var linked int
	var linkedBytes int64
	for n, p := range picks {
		if time.Now().After(deadline) {
			s.log.Warn("directory pickup timeout",
				"dir", d.Alias(), "picked", linked, "left", len(picks)-n)
			capped = true
			break
		}
		src := filepath.Join(dirPath, p.name)
		dst := filepath.Join(poolDir, p.name)
		if err := s.pickupFile(def.ScanMode, sameFS, src, dst, p); err != nil {
			s.log.Warn("pickup failed", "dir", d.Alias(), "file", p.name, "err", err)
			continue
		}
		if cache != nil {
			cache.picked(p.name, p.size, p.mtime.UnixNano())
		}
		linked++
		linkedBytes += p.size - p.offset
	}

	if linked == 0 {
		os.Remove(poolDir)
		return nil, 0, 0, capped
	}
	d.AddReceived(uint64(linked), uint64(linkedBytes))
	d.SetLastArrival(now)
	d.ClearStatus(state.DirWarnRaised | state.DirInfoRaised)
	rec := logd.Receive{Dir: d.Alias(), Files: linked, Bytes: linkedBytes}
	if err := s.recvLog.Record(rec.Record()); err != nil {
		s.log.Warn("receive log", "err", err)
	}
	return &dispatch.Batch{
		Dir:       poolDir,
		DirIndex:  i,
		DirPath:   dirPath,
		Created:   now,
		Unique:    unique,
		Ephemeral: true,
	}, linked, linkedBytes, capped
}

// pickupFile moves one file into the pool: rename or hard link when pool
// and source share a filesystem, copy otherwise. Append-only tails are
// always copied.
func (s *Scanner) pickupFile(mode config.ScanMode, sameFS bool, src, dst string, p pick) error {
	if p.offset > 0 {
		return copyTail(src, dst, p.offset, p.size, p.mtime)
	}
	if sameFS {
		if mode == config.ScanRemove {
			if err := os.Rename(src, dst); err == nil {
				return nil
			}
		} else {
			if err := os.Link(src, dst); err == nil {
				return nil
			}
		}
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	_, cpErr := platform.CopyFile(platform.CopyFileParams{
		DstFd:   out,
		SrcPath: src,
		SrcSize: p.size,
	})
	if err := out.Close(); cpErr == nil {
		cpErr = err
	}
	if cpErr != nil {
		os.Remove(dst)
		return cpErr
	}
	os.Chtimes(dst, p.mtime, p.mtime)
	if mode == config.ScanRemove {
		if err := os.Remove(src); err != nil {
			s.log.Warn("source not removed after copy", "file", src, "err", err)
		}
	}
	return nil
}

// copyTail copies the unshipped bytes of src into a fresh dst, used for
// append-only pickup and carrying the source mtime over.
func copyTail(src, dst string, offset, size int64, mtime time.Time) error {
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	_, cpErr := platform.CopyFile(platform.CopyFileParams{
		DstFd:     out,
		SrcPath:   src,
		SrcOffset: offset,
		SrcSize:   size,
	})
	if err := out.Close(); cpErr == nil {
		cpErr = err
	}
	if cpErr != nil {
		os.Remove(dst)
		return cpErr
	}
	return os.Chtimes(dst, mtime, mtime)
}

// sweep raises the no-arrival warnings and drops over-age queued files.
func (s *Scanner) sweep(i int, d state.DirView, now time.Time) {
	last := d.LastArrival()
	st := d.Status()
	if wt := d.WarnTime(); wt > 0 && st&state.DirWarnRaised == 0 &&
		now.Sub(last) > time.Duration(wt)*time.Second {
		s.log.Warn("no files arriving", "dir", d.Alias(), "last", last.Format(time.RFC3339))
		d.SetStatus(state.DirWarnRaised)
	}
	if it := d.InfoTime(); it > 0 && st&state.DirInfoRaised == 0 &&
		now.Sub(last) > time.Duration(it)*time.Second {
		s.log.Info("no files arriving", "dir", d.Alias(), "last", last.Format(time.RFC3339))
		d.SetStatus(state.DirInfoRaised)
	}
	if qa := d.DeleteQueuedAge(); qa > 0 {
		s.sweepQueued(i, d, now, time.Duration(qa)*time.Second)
	}
}

// sweepQueued removes files that sat in a paused-host or time directory
// longer than the configured queued age.
func (s *Scanner) sweepQueued(i int, d state.DirView, now time.Time, maxAge time.Duration) {
	hosts := make(map[string]int)
	for _, job := range s.table.ForDir(i) {
		if _, ok := hosts[job.Host]; !ok {
			hosts[job.Host] = job.HostIndex
		}
		if job.TimeMode != config.TimeNone {
			tdir := filepath.Join(s.o.Layout.TimeDir(), fmt.Sprintf("%x", job.ID))
			if files, _ := removeOlder(tdir, now, maxAge); files > 0 {
				s.log.Info("removed over-age held files",
					"dir", d.Alias(), "job", fmt.Sprintf("%x", job.ID), "files", files)
			}
		}
	}
	for alias, hi := range hosts {
		files, bytes := removeOlder(filepath.Join(d.Path(), "."+alias), now, maxAge)
		if files == 0 {
			continue
		}
		s.log.Info("removed over-age queued files",
			"dir", d.Alias(), "host", alias, "files", files)
		unlock, err := s.fsa.LockRecord(hi)
		if err != nil {
			continue
		}
		s.fsa.Host(hi).AddQueued(-files, -bytes)
		unlock()
	}
}

func removeOlder(dir string, now time.Time, maxAge time.Duration) (int, int64) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return 0, 0
	}
	var files int
	var bytes int64
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(fi.ModTime()) <= maxAge {
			continue
		}
		if os.Remove(filepath.Join(dir, e.Name())) == nil {
			files++
			bytes += fi.Size()
		}
	}
	return files, bytes
}

// dispatchBatch runs the batch through a forked helper when the process
// caps allow it, inline otherwise. A helper that dies without writing its
// fin record gets one synthesized by the waiter.
func (s *Scanner) dispatchBatch(b *dispatch.Batch, d state.DirView) {
	maxProc := d.MaxProcess()
	if maxProc <= 0 {
		maxProc = s.o.Config.DirMaxProcess
	}
	if s.status.ActiveHelpers() < s.o.Config.MaxProcess && d.ActiveProcess() < maxProc {
		cmd, err := dispatch.Spawn(s.o.Layout.Work, b)
		if err == nil {
			pid := cmd.Process.Pid
			s.helpers[pid] = b.DirIndex
			s.status.AddActiveHelpers(1)
			s.status.AddAMGFork()
			d.AddActiveProcess(1)
			dirIndex := b.DirIndex
			go func() {
				if cmd.Wait() != nil {
					dispatch.WriteFin(s.fin, pid, dirIndex, 1)
				}
			}()
			return
		}
		s.log.Warn("dispatch helper spawn failed, running inline", "err", err)
	}
	if err := s.disp.Run(b); err != nil {
		s.log.Error("dispatch", "batch", filepath.Base(b.Dir), "err", err)
	}
}

// dirError counts one failed access and raises the directory error state
// once the counter passes the limit.
func (s *Scanner) dirError(d state.DirView, err error) {
	n := d.ErrorCounter() + 1
	d.SetErrorCounter(n)
	if int(n) >= d.MaxErrors() && d.Status()&state.DirNotAccessible == 0 {
		d.SetStatus(state.DirNotAccessible)
		s.log.Error("source directory not accessible", "dir", d.Alias(), "err", err)
		s.eventFor(logd.EventDirError, d.Alias())
	}
}

func (s *Scanner) clearDirError(d state.DirView) {
	if d.ErrorCounter() == 0 {
		return
	}
	d.SetErrorCounter(0)
	if d.Status()&state.DirNotAccessible != 0 {
		d.ClearStatus(state.DirNotAccessible)
		s.log.Info("source directory accessible again", "dir", d.Alias())
	}
}

// eventFor writes an event-log record about a directory or host.
func (s *Scanner) eventFor(a logd.EventAction, subject string) {
	e := logd.Event{Action: a, Subject: subject}
	if err := s.eventLog.Record(e.Payload()); err != nil {
		s.log.Warn("event log", "err", err)
	}
}

func (s *Scanner) matchesAny(i int, name string) bool {
	for _, job := range s.table.ForDir(i) {
		if job.Masks.Match(name) {
			return true
		}
	}
	return false
}

// clampClock pulls stored past times back when the wall clock moved
// backwards, so age and idle checks keep working.
func (s *Scanner) clampClock(now time.Time) {
	back := s.drift.Observe(now)
	if back <= 0 {
		return
	}
	for i := 0; i < s.fra.Count(); i++ {
		d := s.fra.Dir(i)
		d.SetLastScan(schedule.ClampFuture(d.LastScan(), now))
		d.SetLastArrival(schedule.ClampFuture(d.LastArrival(), now))
	}
	if back > schedule.WarnDrift {
		s.log.Warn(fmt.Sprintf("Time went backwards %d seconds", int(back/time.Second)))
	}
}

func (s *Scanner) saveCaches() {
	for i := range s.dirs {
		if c := s.dirs[i].cache; c != nil {
			if err := c.save(); err != nil {
				s.log.Warn("save scan cache", "dir", s.dc.Dirs[i].Alias, "err", err)
			}
		}
	}
}

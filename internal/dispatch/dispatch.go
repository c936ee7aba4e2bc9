// Package dispatch routes pool batches into outgoing jobs.
//
// One Run call takes the files of a batch through the per-(file, job)
// decision table: disabled hosts get accountability log entries, paused
// hosts a save into the per-host queue directory, jobs whose schedule has
// not opened a save into the time directory, and everything else hard
// links into an outgoing batch and emits a job message. Oversize batches
// split into several messages of at most MaxFilesPerMsg files each.
package dispatch

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/holger24/afd/internal/config"
	"github.com/holger24/afd/internal/dupcheck"
	"github.com/holger24/afd/internal/fifo"
	"github.com/holger24/afd/internal/jobs"
	"github.com/holger24/afd/internal/logd"
	"github.com/holger24/afd/internal/msg"
	"github.com/holger24/afd/internal/paths"
	"github.com/holger24/afd/internal/state"
)

// MaxFilesPerMsg caps the files carried by one job message. Larger batches
// split into groups, each renamed into its own outgoing directory so every
// transfer worker owns a disjoint file set.
const MaxFilesPerMsg = 100

// ErrResourceExhausted flags link and mkdir failures caused by a full file
// system rather than by the batch itself. The files stay behind and the
// next pass retries them.
var ErrResourceExhausted = errors.New("file system resources exhausted")

// classify maps out-of-space errors onto ErrResourceExhausted.
func classify(err error) error {
	if errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EDQUOT) {
		return fmt.Errorf("%w: %w", ErrResourceExhausted, err)
	}
	return err
}

// Options wires a Dispatcher.
type Options struct {
	Layout  paths.Layout
	Table   *jobs.Table
	FSA     *state.FSA
	MsgPipe *fifo.Pipe        // message fifo to the transfer dispatcher
	DistLog *logd.FrameClient // distribution log
	ProdLog *logd.FrameClient // production log
	DupDB   *dupcheck.DB      // nil when no job checks duplicates
	Logger  *slog.Logger
}

// Dispatcher routes batches. One instance serves one process.
type Dispatcher struct {
	o Options
}

// New builds a dispatcher. The job-message record fitting one atomic pipe
// write is asserted here, once per process.
func New(o Options) (*Dispatcher, error) {
	if msg.RecordLen > fifo.PipeBuf {
		return nil, fmt.Errorf("job message record of %d bytes exceeds pipe atomicity %d",
			msg.RecordLen, fifo.PipeBuf)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return &Dispatcher{o: o}, nil
}

// Batch is one set of files to route.
type Batch struct {
	Dir        string // directory holding the files
	DirIndex   int    // directory record the files came from
	DirPath    string // the watched directory itself
	Created    time.Time
	Unique     uint32
	HostFilter string // route only jobs for this host, "" = all
	JobFilter  uint32 // route only this job id, 0 = all
	NoGate     bool   // schedule already decided by the caller
	Ephemeral  bool   // remove Dir itself after routing
}

// fileState tracks what happened to one batch file across all jobs.
type fileState struct {
	name   string
	size   int64
	routed []uint32 // job ids that took the file
	keep   bool     // stays where it is
}

// Run routes every file of the batch and cleans the batch up. An error
// means the batch directory could not be removed; routing failures of
// single files are logged and skipped.
func (d *Dispatcher) Run(b *Batch) error {
	ents, err := os.ReadDir(b.Dir)
	if err != nil {
		return fmt.Errorf("read batch %s: %w", b.Dir, err)
	}
	var files []*fileState
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, &fileState{name: e.Name(), size: info.Size()})
	}

	if len(files) > 0 {
		now := time.Now()
		var split uint32
		for _, job := range d.o.Table.ForDir(b.DirIndex) {
			if b.JobFilter != 0 && job.ID != b.JobFilter {
				continue
			}
			if b.HostFilter != "" && job.Host != b.HostFilter {
				continue
			}
			var matched []*fileState
			for _, f := range files {
				if job.Masks.Match(f.name) {
					matched = append(matched, f)
				}
			}
			if len(matched) == 0 {
				continue
			}
			split = d.route(b, job, matched, now, split)
		}
		// Saved and released files were already accounted for when they
		// first passed through here.
		if b.HostFilter == "" && b.JobFilter == 0 && !b.NoGate {
			d.logDistribution(b, files)
		}
	}

	return d.cleanup(b, files)
}

// route applies the decision table for one job and returns the advanced
// split counter.
func (d *Dispatcher) route(b *Batch, job *jobs.Job, matched []*fileState, now time.Time, split uint32) uint32 {
	if job.DupTimeout > 0 && d.o.DupDB != nil {
		matched = d.dropDuplicates(job, matched, now)
		if len(matched) == 0 {
			return split
		}
	}

	host := d.o.FSA.Host(job.HostIndex)
	status := host.Status()

	switch {
	case status&state.HostDisabled != 0:
		// Accountability only; the files fall away with the batch.
		for _, f := range matched {
			f.routed = append(f.routed, job.ID)
		}
		d.o.Logger.Info("host disabled, files not delivered",
			"host", job.Host, "job", fmt.Sprintf("%x", job.ID), "files", len(matched))
		return split
	case status&state.HostPauseQueue != 0:
		d.save(b, job, matched, filepath.Join(b.DirPath, "."+job.Host), true)
		return split
	}

	if !b.NoGate && !job.SendDue(b.Created, now) {
		d.save(b, job, matched, filepath.Join(d.o.Layout.TimeDir(), fmt.Sprintf("%x", job.ID)), false)
		return split
	}

	for start := 0; start < len(matched); start += MaxFilesPerMsg {
		group := matched[start:min(start+MaxFilesPerMsg, len(matched))]
		if d.emit(b, job, group, len(matched), split) {
			split++
		}
	}
	return split
}

// dropDuplicates filters files already seen inside the job's duplicate
// window. With dup_action delete the repeat is suppressed and the original
// falls away with the batch; with warn it is delivered anyway.
func (d *Dispatcher) dropDuplicates(job *jobs.Job, matched []*fileState, now time.Time) []*fileState {
	kept := make([]*fileState, 0, len(matched))
	for _, f := range matched {
		dup, err := d.o.DupDB.Check(job.ID, f.name, job.DupTimeout, now)
		if err != nil {
			d.o.Logger.Warn("duplicate check", "file", f.name, "err", err)
			kept = append(kept, f)
			continue
		}
		if !dup {
			kept = append(kept, f)
			continue
		}
		if job.DupAction == "delete" {
			d.o.Logger.Warn("duplicate file removed",
				"file", f.name, "job", fmt.Sprintf("%x", job.ID))
			f.routed = append(f.routed, job.ID)
			continue
		}
		d.o.Logger.Warn("duplicate file delivered anyway",
			"file", f.name, "job", fmt.Sprintf("%x", job.ID))
		kept = append(kept, f)
	}
	return kept
}

// emit links one group into its own outgoing directory and sends the job
// message. Reports whether a message went out.
func (d *Dispatcher) emit(b *Batch, job *jobs.Job, group []*fileState, total int, split uint32) bool {
	outDir := filepath.Join(d.o.Layout.Outgoing(),
		fmt.Sprintf("%x", job.ID), msg.BatchName(b.Created.Unix(), b.Unique, split))
	if err := os.MkdirAll(outDir, 0755); err != nil {
		d.o.Logger.Error("create outgoing batch", "dir", outDir, "err", classify(err))
		return false
	}

	var linked uint32
	var size int64
	for _, f := range group {
		name := f.name
		if job.Rename != nil {
			if newName, ok := job.Rename.Apply(f.name); ok {
				name = newName
			}
		}
		if err := link(filepath.Join(b.Dir, f.name), filepath.Join(outDir, name)); err != nil {
			d.o.Logger.Warn("link into outgoing", "file", f.name, "err", err)
			continue
		}
		if name != f.name {
			d.o.ProdLog.Record(logd.Production{
				Unique:   msg.UniqueName(b.Created.Unix(), b.Unique),
				OrigDir:  b.DirPath,
				JobID:    job.ID,
				OrigName: f.name,
				NewName:  name,
				NewSize:  f.size,
				Cmd:      "rename " + job.Rename.Name(),
			}.Payload())
		}
		f.routed = append(f.routed, job.ID)
		linked++
		size += f.size
	}
	if linked == 0 {
		os.Remove(outDir)
		return false
	}

	m := &msg.Message{
		Outgoing:    outDir,
		UniqueName:  msg.UniqueName(b.Created.Unix(), b.Unique),
		Split:       split,
		Unique:      b.Unique,
		Created:     b.Created.Unix(),
		JobIndex:    uint32(job.Index),
		FileCount:   uint32(total),
		LinkedFiles: linked,
		LinkedSize:  size,
		FastPath:    job.TimeMode == config.TimeNone,
	}
	rec, err := m.Encode()
	if err != nil {
		d.o.Logger.Error("encode job message", "err", err)
		return false
	}
	if _, err := msg.WriteMirror(d.o.Layout.Msg(), m); err != nil {
		d.o.Logger.Error("mirror job message", "err", err)
	}
	if _, err := d.o.MsgPipe.Write(rec); err != nil {
		// The mirror survives; a file-dir check requeues it.
		d.o.Logger.Error("send job message", "err", err)
	}

	if unlock, err := d.o.FSA.LockRecord(job.HostIndex); err == nil {
		host := d.o.FSA.Host(job.HostIndex)
		host.AddQueued(int(linked), size)
		host.AddJobsQueued(1)
		unlock()
	}
	return true
}

// save links files into dstDir so they survive batch cleanup. An existing
// file of the same name is replaced. queued says the files wait on a host
// queue and count as pending for it.
func (d *Dispatcher) save(b *Batch, job *jobs.Job, files []*fileState, dstDir string, queued bool) {
	if err := os.MkdirAll(dstDir, 0755); err != nil {
		d.o.Logger.Error("create save dir", "dir", dstDir, "err", classify(err))
		return
	}
	var saved int
	var size int64
	for _, f := range files {
		src := filepath.Join(b.Dir, f.name)
		dst := filepath.Join(dstDir, f.name)
		if src == dst {
			// Re-evaluated in place, nothing to move.
			f.routed = append(f.routed, job.ID)
			f.keep = true
			continue
		}
		if err := link(src, dst); err != nil {
			d.o.Logger.Warn("save file", "file", f.name, "dst", dstDir, "err", err)
			continue
		}
		f.routed = append(f.routed, job.ID)
		saved++
		size += f.size
	}
	if queued && saved > 0 {
		if unlock, err := d.o.FSA.LockRecord(job.HostIndex); err == nil {
			d.o.FSA.Host(job.HostIndex).AddQueued(saved, size)
			unlock()
		}
	}
}

func (d *Dispatcher) logDistribution(b *Batch, files []*fileState) {
	for _, f := range files {
		if len(f.routed) == 0 {
			continue
		}
		d.o.DistLog.Record(logd.Distribution{
			Dir:    b.DirPath,
			File:   f.name,
			Size:   f.size,
			JobIDs: f.routed,
		}.Payload())
	}
}

// cleanup removes routed batch files and, for ephemeral batches, the batch
// directory itself. Files picked up from a paused queue leave the pending
// counters of their host when they go.
func (d *Dispatcher) cleanup(b *Batch, files []*fileState) error {
	var removed int
	var removedBytes int64
	for _, f := range files {
		if f.keep {
			continue
		}
		if !b.Ephemeral && len(f.routed) == 0 {
			// Unrouted files in a persistent directory stay behind for the
			// queued-age sweeper.
			continue
		}
		if err := os.Remove(filepath.Join(b.Dir, f.name)); err != nil {
			d.o.Logger.Warn("remove batch file", "file", f.name, "err", err)
			continue
		}
		if len(f.routed) > 0 {
			removed++
			removedBytes += f.size
		}
	}

	if b.HostFilter != "" && removed > 0 {
		if i, ok := d.o.FSA.HostIndex(b.HostFilter); ok {
			if unlock, err := d.o.FSA.LockRecord(i); err == nil {
				d.o.FSA.Host(i).AddQueued(-removed, -removedBytes)
				unlock()
			}
		}
	}

	if !b.Ephemeral {
		return nil
	}
	if err := os.Remove(b.Dir); err != nil {
		time.Sleep(100 * time.Millisecond)
		if err := os.RemoveAll(b.Dir); err != nil {
			return fmt.Errorf("remove batch %s: %w", b.Dir, err)
		}
	}
	return nil
}

// link hard-links src to dst, replacing an existing dst.
func link(src, dst string) error {
	err := os.Link(src, dst)
	if errors.Is(err, fs.ErrExist) {
		os.Remove(dst)
		err = os.Link(src, dst)
	}
	return classify(err)
}

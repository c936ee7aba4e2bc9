package sf

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
	"golang.org/x/time/rate"

	"github.com/holger24/afd/internal/jobs"
	"github.com/holger24/afd/internal/logd"
	"github.com/holger24/afd/internal/msg"
	"github.com/holger24/afd/internal/state"
)

// deliver moves one batch to its destination. The bool reports a quiesced
// slot: the batch stays where it is, no fin record follows and the
// dispatcher requeues it at reap time.
func (w *Worker) deliver(ctx context.Context, msgFile string) (int, bool) {
	m, err := msg.ReadMirror(msgFile)
	if err != nil {
		w.log.Error("read job message", "msg", msgFile, "err", err)
		return rcSetup, false
	}
	id, err := m.JobID()
	if err != nil {
		w.log.Error("job id from batch path", "dir", m.Outgoing, "err", err)
		return rcSetup, false
	}
	job := w.table.ByID(id)
	if job == nil {
		w.log.Error("job no longer configured", "job", fmt.Sprintf("%x", id))
		return rcSetup, false
	}

	entries, err := os.ReadDir(m.Outgoing)
	if err != nil {
		w.log.Error("read outgoing batch", "dir", m.Outgoing, "err", err)
		return rcSetup, false
	}
	var files []fs.DirEntry
	for _, e := range entries {
		if e.Type().IsRegular() {
			files = append(files, e)
		}
	}
	w.slot.StartBatch(uint32(len(files)))

	if w.conn == nil {
		if err := w.connect(); err != nil {
			w.log.Warn("connect", "host", w.host.Alias(), "err", err)
			w.debugf("connect failed: %v", err)
			return rcConnect, false
		}
	}
	if err := w.conn.use(job.Target); err != nil {
		w.log.Warn("enter target", "target", job.Target, "err", err)
		return rcTransfer, false
	}

	var limiter *rate.Limiter
	if job.BWLimit > 0 {
		limiter = newBWLimiter(job.BWLimit)
	}
	retries := int(w.host.ErrorCounter())

	for _, e := range files {
		if w.slot.Quiesced() {
			w.debugf("quiesced, %s stays queued", e.Name())
			return 0, true
		}
		info, err := e.Info()
		if err != nil {
			// The file went away under us; the gauges still count it.
			w.dropVanished(e.Name(), 0)
			continue
		}
		if w.dropAged(job, m, e.Name(), info) {
			continue
		}
		if err := w.sendFile(ctx, job, m, limiter, retries, e.Name(), info); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				w.dropVanished(e.Name(), info.Size())
				continue
			}
			w.log.Error("deliver", "file", e.Name(), "host", w.host.Alias(), "err", err)
			w.transLog.Record(logd.Transfer{
				Host:   w.host.Alias(),
				Slot:   w.o.Slot,
				Proto:  w.o.Proto,
				File:   e.Name(),
				Size:   info.Size(),
				Status: "error " + err.Error(),
			}.Record())
			return rcTransfer, false
		}
	}

	if err := os.Remove(m.Outgoing); err != nil {
		os.RemoveAll(m.Outgoing)
	}
	os.Remove(msgFile)
	return rcOK, false
}

// connect opens the session for this worker's protocol and host.
func (w *Worker) connect() error {
	w.slot.SetStatus(state.SlotConnecting)
	start := time.Now()
	var (
		c   conn
		err error
	)
	switch w.o.Proto {
	case "loc":
		c, err = newLocConn(w.o.Config)
	case "sftp":
		if w.hostDef == nil {
			err = fmt.Errorf("host %s not in directory config", w.host.Alias())
		} else {
			c, err = dialSFTP(w.host, w.hostDef)
		}
	default:
		err = fmt.Errorf("unknown protocol %q", w.o.Proto)
	}
	if err != nil {
		w.slot.SetStatus(state.SlotIdle)
		return err
	}
	w.conn = c
	w.slot.SetStatus(state.SlotTransferring)
	w.debugf("connected to %s in %.3fs", w.host.ActiveHostname(), time.Since(start).Seconds())
	return nil
}

// dropAged discards a file whose age limit lapsed while it waited in the
// queue. Reports whether the file was dropped.
func (w *Worker) dropAged(job *jobs.Job, m *msg.Message, name string, info fs.FileInfo) bool {
	if job.AgeLimit <= 0 || time.Since(info.ModTime()) <= job.AgeLimit {
		return false
	}
	os.Remove(filepath.Join(m.Outgoing, name))
	if unlock, err := w.fsa.LockRecord(w.o.HostIndex); err == nil {
		w.host.AddQueued(-1, -info.Size())
		unlock()
	}
	w.slot.Progress(1, 0)
	w.log.Info("age limit exceeded, file dropped",
		"file", name, "host", w.host.Alias(), "job", fmt.Sprintf("%x", job.ID))
	w.debugf("dropped %s, older than %s", name, job.AgeLimit)
	return true
}

// dropVanished settles the gauges for a queued file that disappeared
// before it could be sent.
func (w *Worker) dropVanished(name string, size int64) {
	w.log.Warn("queued file vanished", "file", name, "host", w.host.Alias())
	if unlock, err := w.fsa.LockRecord(w.o.HostIndex); err == nil {
		w.host.AddQueued(-1, -size)
		unlock()
	}
	w.slot.Progress(1, 0)
}

// sendFile moves one file through the delivery pipeline: optional zstd
// compression, checksum readback and bandwidth cap on the way out, then
// the rename onto the final name, archive or removal of the source, the
// host gauges and the log records.
func (w *Worker) sendFile(ctx context.Context, job *jobs.Job, m *msg.Message, limiter *rate.Limiter, retries int, name string, info fs.FileInfo) error {
	src := filepath.Join(m.Outgoing, name)
	final := name
	if job.Compress {
		final += ".zst"
	}
	w.slot.SetCurrentFile(final, uint64(info.Size()))
	start := time.Now()

	tmp, wire, expect, err := w.ship(ctx, job, limiter, src, info.Size(), final)
	if err != nil {
		return err
	}
	if job.Verify {
		if err := verifyReadback(w.conn, tmp, expect, w.buf); err != nil {
			w.conn.remove(tmp)
			return err
		}
	}
	if err := w.conn.rename(tmp, final); err != nil {
		w.conn.remove(tmp)
		return fmt.Errorf("rename to %s: %w", final, err)
	}
	elapsed := time.Since(start)

	archiveDir := ""
	if job.ArchiveTime > 0 {
		dir, err := w.archive(job, m, src)
		if err != nil {
			w.log.Warn("archive delivered file", "file", name, "err", err)
			os.Remove(src)
		} else {
			archiveDir = dir
		}
	} else {
		os.Remove(src)
	}

	if unlock, err := w.fsa.LockRecord(w.o.HostIndex); err == nil {
		w.host.AddQueued(-1, -info.Size())
		w.host.AddSent(1, uint64(wire))
		unlock()
	}
	w.slot.Progress(1, uint64(wire))

	if job.Compress {
		w.prodLog.Record(logd.Production{
			Unique:   m.UniqueName,
			OrigDir:  job.DirAlias,
			JobID:    job.ID,
			OrigName: name,
			NewName:  final,
			NewSize:  wire,
			Cmd:      "compress zstd",
		}.Payload())
	}
	w.transLog.Record(logd.Transfer{
		Host:     w.host.Alias(),
		Slot:     w.o.Slot,
		Proto:    w.o.Proto,
		File:     final,
		Size:     wire,
		Duration: elapsed,
		Status:   "ok",
	}.Record())
	w.confLog.Record(logd.Confirmation{
		Host:       w.host.Alias(),
		Filename:   final,
		Size:       wire,
		Duration:   elapsed,
		Retries:    retries,
		JobID:      job.ID,
		Unique:     msg.BatchName(m.Created, m.Unique, m.Split),
		ArchiveDir: archiveDir,
	}.Payload())
	return nil
}

// ship writes src to a temporary name on the destination and returns that
// name, the wire byte count and, when the job verifies, the expected
// digest. Plain local deliveries go through the kernel copy path; anything
// that transforms or throttles the stream goes byte by byte.
func (w *Worker) ship(ctx context.Context, job *jobs.Job, limiter *rate.Limiter, src string, size int64, final string) (string, int64, []byte, error) {
	if wp, ok := w.conn.(wholePutter); ok && !job.Compress && limiter == nil {
		tmp, n, err := wp.putWhole(src, size, final)
		if err != nil {
			return "", 0, nil, err
		}
		w.slot.AddBytesSent(uint64(n))
		var expect []byte
		if job.Verify {
			if expect, err = hashFile(src, w.buf); err != nil {
				w.conn.remove(tmp)
				return "", 0, nil, err
			}
		}
		return tmp, n, expect, nil
	}
	return w.stream(ctx, job, limiter, src, final)
}

// stream sends src through the option pipeline. The digest is taken over
// the bytes as they go out, so it matches what the destination stores.
func (w *Worker) stream(ctx context.Context, job *jobs.Job, limiter *rate.Limiter, src, final string) (string, int64, []byte, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", 0, nil, err
	}
	defer in.Close()

	wf, tmp, err := w.conn.createTemp(final)
	if err != nil {
		return "", 0, nil, fmt.Errorf("create %s: %w", final, err)
	}

	cw := &slotWriter{w: wf, slot: w.slot}
	var out io.Writer = cw
	var h *blake3.Hasher
	if job.Verify {
		h = blake3.New()
		out = io.MultiWriter(cw, h)
	}
	if limiter != nil {
		out = &throttledWriter{ctx: ctx, w: out, limiter: limiter}
	}

	var cpErr error
	if job.Compress {
		zw, err := zstd.NewWriter(out,
			zstd.WithEncoderLevel(zstd.SpeedFastest),
			zstd.WithEncoderConcurrency(1))
		if err != nil {
			cpErr = err
		} else {
			_, cpErr = io.CopyBuffer(zw, in, w.buf)
			if err := zw.Close(); cpErr == nil {
				cpErr = err
			}
		}
	} else {
		_, cpErr = io.CopyBuffer(out, in, w.buf)
	}
	if err := wf.Close(); cpErr == nil {
		cpErr = err
	}
	if cpErr != nil {
		w.conn.remove(tmp)
		return "", 0, nil, cpErr
	}
	var expect []byte
	if h != nil {
		expect = h.Sum(nil)
	}
	return tmp, cw.n, expect, nil
}

// verifyReadback re-reads the delivered temporary and compares its digest
// against the one taken while sending.
func verifyReadback(c conn, name string, expect []byte, buf []byte) error {
	r, err := c.open(name)
	if err != nil {
		return fmt.Errorf("verify open: %w", err)
	}
	h := blake3.New()
	_, err = io.CopyBuffer(h, r, buf)
	if cerr := r.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("verify read: %w", err)
	}
	if got := h.Sum(nil); !bytes.Equal(got, expect) {
		return fmt.Errorf("verify %s: digest %x does not match sent %x", name, got, expect)
	}
	return nil
}

// archive moves the delivered source under the archive tree. The directory
// name carries the expiry so the archive watch can prune without extra
// state. Returns the path relative to the archive root.
func (w *Worker) archive(job *jobs.Job, m *msg.Message, src string) (string, error) {
	expiry := time.Now().Add(job.ArchiveTime).Unix()
	rel := filepath.Join(w.host.Alias(), fmt.Sprintf("%x", job.ID),
		fmt.Sprintf("%d_%s", expiry, msg.BatchName(m.Created, m.Unique, m.Split)))
	dir := filepath.Join(w.o.Layout.Archive(), rel)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.Rename(src, filepath.Join(dir, filepath.Base(src))); err != nil {
		return "", err
	}
	return rel, nil
}

// hashFile digests a local file, for the expected sum of kernel-path
// deliveries where no byte stream passes through the worker.
func hashFile(path string, buf []byte) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	h := blake3.New()
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return nil, fmt.Errorf("hash %s: %w", path, err)
	}
	return h.Sum(nil), nil
}

// newBWLimiter builds the token bucket for a bandwidth-capped job. The
// burst is one second of traffic, capped at a megabyte so a fresh bucket
// cannot blow the limit with its first write.
func newBWLimiter(bytesPerSec int64) *rate.Limiter {
	burst := 1 << 20
	if bytesPerSec < int64(burst) {
		burst = int(bytesPerSec)
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}

// slotWriter counts wire bytes into the slot as they land.
type slotWriter struct {
	w    io.Writer
	slot state.SlotView
	n    int64
}

func (s *slotWriter) Write(p []byte) (int, error) {
	n, err := s.w.Write(p)
	if n > 0 {
		s.n += int64(n)
		s.slot.AddBytesSent(uint64(n))
	}
	return n, err
}

// throttledWriter paces writes against the job's token bucket. Writes
// larger than the bucket go out in burst-sized slices.
type throttledWriter struct {
	ctx     context.Context
	w       io.Writer
	limiter *rate.Limiter
}

func (t *throttledWriter) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n := len(p) - written
		if b := t.limiter.Burst(); n > b {
			n = b
		}
		if err := t.limiter.WaitN(t.ctx, n); err != nil {
			return written, err
		}
		m, err := t.w.Write(p[written : written+n])
		written += m
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

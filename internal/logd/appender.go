package logd

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// AppendOptions configures one rotated log file set.
type AppendOptions struct {
	Name       string // log base name, e.g. "SYSTEM_LOG"
	Dir        string // directory holding NAME.0 .. NAME.(KeepFiles-1)
	KeepFiles  int
	MaxSize    int64
	SwitchHour int // daily rotation boundary
	Logger     *slog.Logger
}

// Appender is the file side of a log daemon: it prefixes each record with a
// fixed width hex epoch, appends it to NAME.0 and rotates on the size cap
// and at the daily switch hour. Writers that produce their own records and
// need no pipe, like the transfer rate logger, use it directly.
type Appender struct {
	opt AppendOptions
	log *slog.Logger

	f       *os.File
	w       *bufio.Writer
	size    int64
	pending int // records since last flush

	nextSwitch time.Time
}

// NewAppender builds an appender from opt. Missing tunables get the
// defaults used by the stock configuration. Open must be called before the
// first Append.
func NewAppender(opt AppendOptions) *Appender {
	if opt.KeepFiles < 1 {
		opt.KeepFiles = 1
	}
	if opt.MaxSize <= 0 {
		opt.MaxSize = 10 << 20
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	return &Appender{
		opt: opt,
		log: opt.Logger.With("log", opt.Name),
	}
}

// file returns the path of rotation slot n.
func (a *Appender) file(n int) string {
	return filepath.Join(a.opt.Dir, a.opt.Name+"."+strconv.Itoa(n))
}

// Open opens the active file and arms the daily switch.
func (a *Appender) Open() error {
	if err := a.openActive(); err != nil {
		return err
	}
	a.nextSwitch = nextSwitch(time.Now(), a.opt.SwitchHour)
	return nil
}

// Append writes one record to the active file and rotates when the size cap
// is crossed. A record never straddles two files.
func (a *Appender) Append(now time.Time, payload []byte) {
	rec := fmt.Sprintf("%08x ", uint32(now.Unix()))
	a.w.WriteString(rec)
	a.w.Write(payload)
	a.w.WriteByte('\n')
	a.size += int64(len(rec) + len(payload) + 1)
	a.pending++

	if a.size >= a.opt.MaxSize {
		a.rotate()
	}
}

// Pending returns the records buffered since the last flush.
func (a *Appender) Pending() int { return a.pending }

// MaybeSwitch rotates when the daily boundary has passed.
func (a *Appender) MaybeSwitch(now time.Time) {
	if now.Before(a.nextSwitch) {
		return
	}
	a.rotate()
	a.nextSwitch = nextSwitch(now, a.opt.SwitchHour)
}

// rotate closes the active file, shifts N-1 -> N with the oldest dropped,
// and opens a fresh slot 0. With single-file retention the active file is
// simply replaced.
func (a *Appender) rotate() {
	a.Close()

	if a.opt.KeepFiles == 1 {
		os.Remove(a.file(0))
	} else {
		for i := a.opt.KeepFiles - 2; i >= 0; i-- {
			os.Rename(a.file(i), a.file(i+1))
		}
	}
	if err := a.openActive(); err != nil {
		a.log.Error("reopen after rotation", "error", err)
	}
}

func (a *Appender) openActive() error {
	f, err := os.OpenFile(a.file(0), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("%s: open active: %w", a.opt.Name, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("%s: stat active: %w", a.opt.Name, err)
	}
	a.f = f
	a.w = bufio.NewWriter(f)
	a.size = st.Size()
	a.pending = 0
	return nil
}

// Flush pushes buffered records to the file.
func (a *Appender) Flush() {
	if a.w != nil {
		a.w.Flush()
		a.pending = 0
	}
}

// Close flushes and closes the active file. Append after Close is invalid
// until the next Open.
func (a *Appender) Close() {
	if a.f == nil {
		return
	}
	a.Flush()
	a.f.Close()
	a.f = nil
	a.w = nil
}

// nextSwitch returns the next daily boundary at hour h after now.
func nextSwitch(now time.Time, h int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), h, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

package logd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/holger24/afd/internal/fifo"
)

// Mode selects the ingress framing of a log daemon.
type Mode int

const (
	// ModeLine reads newline-terminated records.
	ModeLine Mode = iota
	// ModeFramed reads [u16 length][payload] records.
	ModeFramed
)

// Options configures one log daemon instance.
type Options struct {
	Name       string // log base name, e.g. "SYSTEM_LOG"
	Mode       Mode
	Dir        string // directory holding NAME.0 .. NAME.(KeepFiles-1)
	FifoPath   string
	KeepFiles  int
	MaxSize    int64
	SwitchHour int           // daily rotation boundary
	FlushEvery time.Duration // idle flush
	FlushAfter int           // records buffered before forced flush
	Logger     *slog.Logger
}

// Daemon owns one pipe and one rotated file set. Producers write framed or
// line records into the pipe; the daemon hands each record to the appender.
type Daemon struct {
	opt Options
	log *slog.Logger

	app *Appender
	acc accumulator
}

// New builds a daemon from opt. Missing tunables get the defaults used by
// the stock configuration.
func New(opt Options) *Daemon {
	if opt.FlushEvery <= 0 {
		opt.FlushEvery = 3 * time.Second
	}
	if opt.FlushAfter <= 0 {
		opt.FlushAfter = 20
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	return &Daemon{
		opt: opt,
		log: opt.Logger.With("log", opt.Name),
		app: NewAppender(AppendOptions{
			Name:       opt.Name,
			Dir:        opt.Dir,
			KeepFiles:  opt.KeepFiles,
			MaxSize:    opt.MaxSize,
			SwitchHour: opt.SwitchHour,
			Logger:     opt.Logger,
		}),
		acc: accumulator{limit: fifo.PipeBuf, framed: opt.Mode == ModeFramed},
	}
}

// Run ingests records until ctx is cancelled or the pipe fails. The final
// flush and close always happen, whatever path leaves the loop.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.app.Open(); err != nil {
		return err
	}
	defer d.app.Close()

	p, err := fifo.OpenOrCreate(d.opt.FifoPath)
	if err != nil {
		return err
	}
	defer p.Close()

	buf := make([]byte, fifo.PipeBuf)
	lastInput := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, err := p.ReadDeadline(buf, d.opt.FlushEvery)
		now := time.Now()
		if err != nil {
			if err != fifo.ErrTimeout {
				return fmt.Errorf("%s: read pipe: %w", d.opt.Name, err)
			}
			if d.app.Pending() > 0 && now.Sub(lastInput) >= d.opt.FlushEvery {
				d.app.Flush()
			}
			d.app.MaybeSwitch(now)
			continue
		}
		lastInput = now

		corrupt := d.acc.feed(buf[:n], func(payload []byte) {
			d.app.Append(now, payload)
		})
		if corrupt {
			d.log.Warn("corrupt record framing, discarding buffered input")
			d.app.Append(now, []byte(d.opt.Name+": corrupt input discarded"))
		}
		if d.app.Pending() >= d.opt.FlushAfter {
			d.app.Flush()
		}
		d.app.MaybeSwitch(now)
	}
}

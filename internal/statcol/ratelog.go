package statcol

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/holger24/afd/internal/config"
	"github.com/holger24/afd/internal/logd"
	"github.com/holger24/afd/internal/paths"
	"github.com/holger24/afd/internal/state"
)

// ringSize bounds the rate history. With the stock 5 second interval the
// ring spans five minutes.
const ringSize = 60

// RateOptions configures the transfer rate logger.
type RateOptions struct {
	Layout   paths.Layout
	Interval time.Duration    // sample cadence
	Log      config.LogConfig // rotation tunables for the rate log
	Logger   *slog.Logger
}

// RateLog samples the per-host sent-byte totals, publishes the current rate
// into each host record and appends one line per active interval to
// TRANSFER_RATE_LOG.0. All values are bytes per second.
type RateLog struct {
	o   RateOptions
	log *slog.Logger
	app *logd.Appender

	prev     map[string]uint64 // last sent-byte total per host
	lastTick time.Time

	// Ring of total per-second rates, one slot per tick.
	ring  [ringSize]int64
	idx   int
	count int
}

// NewRateLog opens the rate log file set.
func NewRateLog(o RateOptions) (*RateLog, error) {
	if o.Interval <= 0 {
		o.Interval = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	app := logd.NewAppender(logd.AppendOptions{
		Name:       "TRANSFER_RATE_LOG",
		Dir:        o.Layout.Log(),
		KeepFiles:  o.Log.KeepFiles,
		MaxSize:    o.Log.MaxSize,
		SwitchHour: o.Log.SwitchHour,
		Logger:     o.Logger,
	})
	if err := app.Open(); err != nil {
		return nil, err
	}
	return &RateLog{
		o:    o,
		log:  o.Logger,
		app:  app,
		prev: make(map[string]uint64),
	}, nil
}

// Close closes the rate log file.
func (r *RateLog) Close() { r.app.Close() }

// Run ticks on the configured interval until ctx is cancelled.
func (r *RateLog) Run(ctx context.Context) error {
	r.log.Info("transfer rate log running", "interval", r.o.Interval)

	t := time.NewTicker(r.o.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C:
			r.Tick(now)
		}
	}
}

// Tick books one sample: per-host deltas against the previous totals become
// rates, the summed rate goes into the ring, and an active interval is
// logged. The first tick only establishes the baseline. A total below its
// baseline means the counters were rebuilt; it then counts in full.
func (r *RateLog) Tick(now time.Time) {
	fsa, err := state.AttachFSA(r.o.Layout.FSAFile())
	if err != nil {
		r.app.MaybeSwitch(now)
		return
	}
	defer fsa.Close()

	if r.lastTick.IsZero() {
		for i := 0; i < fsa.Count(); i++ {
			h := fsa.Host(i)
			r.prev[h.Alias()] = h.BytesSent()
		}
		r.lastTick = now
		return
	}

	elapsed := now.Sub(r.lastTick).Seconds()
	if elapsed <= 0 {
		return
	}
	r.lastTick = now

	var total int64
	var cols strings.Builder
	for i := 0; i < fsa.Count(); i++ {
		h := fsa.Host(i)
		alias := h.Alias()
		cur := h.BytesSent()

		prev, known := r.prev[alias]
		r.prev[alias] = cur
		var d int64
		switch {
		case !known:
			d = 0
		case cur < prev:
			d = int64(cur)
		default:
			d = int64(cur - prev)
		}

		rate := float64(d) / elapsed
		h.SetRate(rate)
		total += int64(rate)
		fmt.Fprintf(&cols, " %s=%d", alias, int64(rate))
	}

	r.ring[r.idx] = total
	r.idx = (r.idx + 1) % ringSize
	if r.count < ringSize {
		r.count++
	}

	avg := r.rollingAvg(int(time.Minute / r.o.Interval))
	if total > 0 || avg > 0 {
		line := fmt.Sprintf("cur %d avg1m %d%s", total, int64(avg), cols.String())
		r.app.Append(now, []byte(line))
		r.app.Flush()
	}
	r.app.MaybeSwitch(now)
}

// rollingAvg averages the newest n ring slots.
func (r *RateLog) rollingAvg(n int) float64 {
	if n < 1 {
		n = 1
	}
	if n > r.count {
		n = r.count
	}
	if n == 0 {
		return 0
	}
	var sum int64
	for i := 0; i < n; i++ {
		sum += r.ring[(r.idx-1-i+ringSize)%ringSize]
	}
	return float64(sum) / float64(n)
}

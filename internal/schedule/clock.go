package schedule

import "time"

// WarnDrift is the backward clock jump above which callers log a warning.
const WarnDrift = 5 * time.Second

// Regression detects wall-clock time moving backwards between samples. The
// scanner feeds it one sample per pass and clamps stored scan times when a
// jump is reported.
type Regression struct {
	last time.Time
}

// Observe records now as the latest sample and returns the size of the
// backward jump since the previous one, or zero when time moved forward.
func (r *Regression) Observe(now time.Time) time.Duration {
	prev := r.last
	r.last = now
	if prev.IsZero() || !now.Before(prev) {
		return 0
	}
	return prev.Sub(now)
}

// ClampFuture returns t unless it lies after now, in which case one second
// before now is returned.
func ClampFuture(t, now time.Time) time.Time {
	if t.After(now) {
		return now.Add(-time.Second)
	}
	return t
}

// Package schedule evaluates directory scan schedules and job send windows.
//
// A schedule is a list of 5-field cron expressions (minute, hour, day of
// month, month, day of week) evaluated in a configurable timezone. Watched
// directories use one to bound when they are scanned; jobs use one either
// as a start time for collected files or as a window that must contain the
// send time.
package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Entry is a single parsed cron expression.
type Entry struct {
	minute []int // 0-59
	hour   []int // 0-23
	dom    []int // 1-31
	month  []int // 1-12
	dow    []int // 0-6, 0 = Sunday
}

// Parse parses a 5-field cron expression such as "*/15 * * * *" or
// "0 9 * * 1-5". The macros @hourly, @daily, @midnight, @weekly, @monthly,
// @yearly and @annually are accepted.
func Parse(expr string) (*Entry, error) {
	switch strings.ToLower(expr) {
	case "@hourly":
		expr = "0 * * * *"
	case "@daily", "@midnight":
		expr = "0 0 * * *"
	case "@weekly":
		expr = "0 0 * * 0"
	case "@monthly":
		expr = "0 0 1 * *"
	case "@yearly", "@annually":
		expr = "0 0 1 1 *"
	}

	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("expected 5 fields, got %d", len(fields))
	}

	e := &Entry{}
	var err error
	if e.minute, err = parseField(fields[0], 0, 59); err != nil {
		return nil, fmt.Errorf("minute field: %w", err)
	}
	if e.hour, err = parseField(fields[1], 0, 23); err != nil {
		return nil, fmt.Errorf("hour field: %w", err)
	}
	if e.dom, err = parseField(fields[2], 1, 31); err != nil {
		return nil, fmt.Errorf("day-of-month field: %w", err)
	}
	if e.month, err = parseField(fields[3], 1, 12); err != nil {
		return nil, fmt.Errorf("month field: %w", err)
	}
	if e.dow, err = parseField(fields[4], 0, 6); err != nil {
		return nil, fmt.Errorf("day-of-week field: %w", err)
	}
	return e, nil
}

// parseField expands one cron field (lists, ranges, steps, wildcards) into
// its value set, deduplicated in first-seen order.
func parseField(field string, lo, hi int) ([]int, error) {
	seen := make(map[int]bool)
	var vals []int
	for _, part := range strings.Split(field, ",") {
		start, end, step := lo, hi, 1
		if head, rest, ok := strings.Cut(part, "/"); ok {
			n, err := strconv.Atoi(rest)
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("bad step %q", rest)
			}
			step, part = n, head
		}
		if part != "*" {
			var err error
			if from, to, ok := strings.Cut(part, "-"); ok {
				if start, err = strconv.Atoi(from); err != nil {
					return nil, fmt.Errorf("bad range start %q", from)
				}
				if end, err = strconv.Atoi(to); err != nil {
					return nil, fmt.Errorf("bad range end %q", to)
				}
			} else {
				if start, err = strconv.Atoi(part); err != nil {
					return nil, fmt.Errorf("bad value %q", part)
				}
				end = start
			}
		}
		if start < lo || end > hi || start > end {
			return nil, fmt.Errorf("%q out of range %d-%d", part, lo, hi)
		}
		for v := start; v <= end; v += step {
			if !seen[v] {
				seen[v] = true
				vals = append(vals, v)
			}
		}
	}
	return vals, nil
}

// Next returns the first minute boundary strictly after from that matches
// the entry, or the zero time when nothing matches within four years.
func (e *Entry) Next(from time.Time) time.Time {
	t := from.Truncate(time.Minute).Add(time.Minute)
	limit := from.AddDate(4, 0, 0)
	for t.Before(limit) {
		switch {
		case !contains(e.month, int(t.Month())):
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, t.Location())
		case !e.dayMatches(t):
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, t.Location())
		case !contains(e.hour, t.Hour()):
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, t.Location())
		case !contains(e.minute, t.Minute()):
			t = t.Add(time.Minute)
		default:
			return t
		}
	}
	return time.Time{}
}

// Both day fields must hold; a wildcard field holds for every day.
func (e *Entry) dayMatches(t time.Time) bool {
	return contains(e.dom, t.Day()) && contains(e.dow, int(t.Weekday()))
}

// matches reports whether the minute containing t satisfies the entry.
func (e *Entry) matches(t time.Time) bool {
	return contains(e.month, int(t.Month())) && e.dayMatches(t) &&
		contains(e.hour, t.Hour()) && contains(e.minute, t.Minute())
}

func contains(vals []int, v int) bool {
	for _, x := range vals {
		if x == v {
			return true
		}
	}
	return false
}

// Schedule is a set of entries evaluated in one location.
type Schedule struct {
	entries []*Entry
	loc     *time.Location
}

// New builds a schedule from cron expressions, evaluated in the named IANA
// timezone. An empty timezone selects local time. An empty spec list gives
// a schedule that admits every send and reports no next slot.
func New(specs []string, timezone string) (*Schedule, error) {
	loc := time.Local
	if timezone != "" {
		var err error
		if loc, err = time.LoadLocation(timezone); err != nil {
			return nil, fmt.Errorf("timezone %q: %w", timezone, err)
		}
	}
	s := &Schedule{loc: loc}
	for _, spec := range specs {
		e, err := Parse(spec)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", spec, err)
		}
		s.entries = append(s.entries, e)
	}
	return s, nil
}

// Empty reports whether the schedule has no entries.
func (s *Schedule) Empty() bool { return len(s.entries) == 0 }

// Location returns the location the schedule is evaluated in.
func (s *Schedule) Location() *time.Location { return s.loc }

// Next returns the earliest entry time strictly after from, or the zero
// time for an empty schedule.
func (s *Schedule) Next(from time.Time) time.Time {
	var next time.Time
	from = from.In(s.loc)
	for _, e := range s.entries {
		if t := e.Next(from); !t.IsZero() && (next.IsZero() || t.Before(next)) {
			next = t
		}
	}
	return next
}

// Within reports whether now falls inside one of the schedule's minutes.
// An empty schedule admits every time.
func (s *Schedule) Within(now time.Time) bool {
	if s.Empty() {
		return true
	}
	now = now.In(s.loc)
	for _, e := range s.entries {
		if e.matches(now) {
			return true
		}
	}
	return false
}

// StartReached reports whether a file collected at created may be sent at
// now, meaning at least one schedule time passed between the two. An empty
// schedule admits every send.
func (s *Schedule) StartReached(created, now time.Time) bool {
	if s.Empty() {
		return true
	}
	next := s.Next(created)
	return !next.IsZero() && !now.Before(next)
}

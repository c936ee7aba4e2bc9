package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Fields(t *testing.T) {
	tests := []struct {
		name    string
		expr    string
		wantErr bool
	}{
		{"every minute", "* * * * *", false},
		{"every 15 minutes", "*/15 * * * *", false},
		{"weekdays at nine", "0 9 * * 1-5", false},
		{"value list", "0,15,30,45 * * * *", false},
		{"range with step", "0-30/10 * * * *", false},
		{"hourly macro", "@hourly", false},
		{"daily macro", "@daily", false},
		{"too few fields", "* * *", true},
		{"too many fields", "* * * * * *", true},
		{"minute out of range", "60 * * * *", true},
		{"hour out of range", "0 25 * * *", true},
		{"zero step", "*/0 * * * *", true},
		{"reversed range", "30-10 * * * *", true},
		{"garbage", "a * * * *", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.expr)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEntry_Next(t *testing.T) {
	// 2026-08-19 10:30 UTC is a Wednesday.
	ref := time.Date(2026, 8, 19, 10, 30, 0, 0, time.UTC)

	tests := []struct {
		name string
		expr string
		want time.Time
	}{
		{"every minute", "* * * * *", time.Date(2026, 8, 19, 10, 31, 0, 0, time.UTC)},
		{"top of hour", "0 * * * *", time.Date(2026, 8, 19, 11, 0, 0, 0, time.UTC)},
		{"quarter hour", "*/15 * * * *", time.Date(2026, 8, 19, 10, 45, 0, 0, time.UTC)},
		{"weekday morning", "0 9 * * 1-5", time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)},
		{"first of month", "30 6 1 * *", time.Date(2026, 9, 1, 6, 30, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := Parse(tt.expr)
			require.NoError(t, err)
			got := e.Next(ref)
			assert.True(t, got.Equal(tt.want), "Next() = %v, want %v", got, tt.want)
		})
	}
}

func TestEntry_NextIsStrictlyAfter(t *testing.T) {
	e, err := Parse("30 10 * * *")
	require.NoError(t, err)

	on := time.Date(2026, 8, 19, 10, 30, 0, 0, time.UTC)
	got := e.Next(on)
	assert.True(t, got.Equal(on.AddDate(0, 0, 1)), "Next() = %v", got)
}

func TestSchedule_EarliestEntryWins(t *testing.T) {
	s, err := New([]string{"0 18 * * *", "0 12 * * *"}, "UTC")
	require.NoError(t, err)

	from := time.Date(2026, 8, 19, 9, 0, 0, 0, time.UTC)
	got := s.Next(from)
	assert.True(t, got.Equal(time.Date(2026, 8, 19, 12, 0, 0, 0, time.UTC)), "Next() = %v", got)
}

func TestSchedule_Timezone(t *testing.T) {
	s, err := New([]string{"0 9 * * *"}, "America/New_York")
	require.NoError(t, err)

	// 9:00 in New York is 13:00 UTC during August.
	from := time.Date(2026, 8, 19, 12, 0, 0, 0, time.UTC)
	got := s.Next(from)
	assert.True(t, got.Equal(time.Date(2026, 8, 19, 13, 0, 0, 0, time.UTC)), "Next() = %v", got)
}

func TestSchedule_Within(t *testing.T) {
	s, err := New([]string{"* 8-17 * * 1-5"}, "UTC")
	require.NoError(t, err)

	assert.True(t, s.Within(time.Date(2026, 8, 19, 10, 30, 12, 0, time.UTC)))
	assert.False(t, s.Within(time.Date(2026, 8, 19, 18, 0, 0, 0, time.UTC)))
	assert.False(t, s.Within(time.Date(2026, 8, 22, 10, 30, 0, 0, time.UTC)), "saturday")
}

func TestSchedule_StartReached(t *testing.T) {
	s, err := New([]string{"0 12 * * *"}, "UTC")
	require.NoError(t, err)

	created := time.Date(2026, 8, 19, 10, 0, 0, 0, time.UTC)
	assert.False(t, s.StartReached(created, time.Date(2026, 8, 19, 11, 59, 0, 0, time.UTC)))
	assert.True(t, s.StartReached(created, time.Date(2026, 8, 19, 12, 0, 0, 0, time.UTC)))
	assert.True(t, s.StartReached(created, time.Date(2026, 8, 19, 15, 0, 0, 0, time.UTC)))
}

func TestSchedule_EmptyAdmitsEverything(t *testing.T) {
	s, err := New(nil, "")
	require.NoError(t, err)

	assert.True(t, s.Empty())
	assert.True(t, s.Within(time.Now()))
	assert.True(t, s.StartReached(time.Now().Add(-time.Hour), time.Now()))
	assert.True(t, s.Next(time.Now()).IsZero())
}

func TestNew_Rejects(t *testing.T) {
	_, err := New([]string{"* * *"}, "UTC")
	assert.Error(t, err)
	_, err = New([]string{"* * * * *"}, "Mars/Olympus")
	assert.Error(t, err)
}

func TestRegression_Observe(t *testing.T) {
	var r Regression
	base := time.Date(2026, 8, 19, 10, 0, 0, 0, time.UTC)

	assert.Zero(t, r.Observe(base))
	assert.Zero(t, r.Observe(base.Add(5*time.Second)))
	assert.Equal(t, 10*time.Second, r.Observe(base.Add(-5*time.Second)))
	// The backward sample becomes the new reference point.
	assert.Zero(t, r.Observe(base.Add(-4*time.Second)))
}

func TestClampFuture(t *testing.T) {
	now := time.Date(2026, 8, 19, 10, 0, 0, 0, time.UTC)

	past := now.Add(-time.Minute)
	assert.Equal(t, past, ClampFuture(past, now))
	assert.Equal(t, now.Add(-time.Second), ClampFuture(now.Add(time.Hour), now))
}

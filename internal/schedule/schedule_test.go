package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chjohnst/Tron/internal/config"
)

func mustSpec(t *testing.T, raw string) Strategy {
	t.Helper()
	s, err := ParseSpec(raw, time.UTC)
	require.NoError(t, err, raw)
	return s
}

func assertTime(t *testing.T, want, got time.Time, msgAndArgs ...any) {
	t.Helper()
	assert.True(t, want.Equal(got), append([]any{"want %s, got %s", want, got}, msgAndArgs...)...)
}

func TestParseSpecForms(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in     string
		kind   Kind
		String string
	}{
		{in: "daily", kind: KindDaily, String: "DAILY"},
		{in: "DAILY", kind: KindDaily, String: "DAILY"},
		{in: "daily 04:00", kind: KindDaily, String: "DAILY 04:00:00"},
		{in: "daily 04:00:30 MWF", kind: KindDaily, String: "DAILY 04:00:30 MWF"},
		{in: "daily mon,fri", kind: KindDaily, String: "DAILY 00:00:00 MF"},
		{in: "interval 20s", kind: KindInterval, String: "INTERVAL:20s"},
		{in: "interval: 1h", kind: KindInterval, String: "INTERVAL:1h0m0s"},
		{in: "every 5m", kind: KindInterval, String: "INTERVAL:5m0s"},
		{in: "20s", kind: KindInterval, String: "INTERVAL:20s"},
		{in: "02:30", kind: KindInterval, String: "INTERVAL:2h30m0s"},
		{in: "cron */5 * * * *", kind: KindCron, String: "CRON:*/5 * * * *"},
		{in: "@hourly", kind: KindCron, String: "CRON:@hourly"},
		{in: "0 4 * * *", kind: KindCron, String: "CRON:0 4 * * *"},
		{in: "constant", kind: KindConstant, String: "CONSTANT"},
		{in: "once 2030-01-02T03:04:05Z", kind: KindOneShot, String: "ONCE:2030-01-02T03:04:05Z"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			s := mustSpec(t, tt.in)
			assert.Equal(t, tt.kind, s.Kind())
			assert.Equal(t, tt.String, s.String())
		})
	}
}

func TestParseSpecErrors(t *testing.T) {
	t.Parallel()
	for _, in := range []string{
		"", "daily 25:00", "daily 04:00 XYZ", "daily a b c", "interval", "interval 0s",
		"every -5m", "00:00", "constant now", "once", "once tomorrow", "cron", "bogus",
		"cron 99 * * * *",
	} {
		_, err := ParseSpec(in, time.UTC)
		var se *ScheduleError
		assert.ErrorAs(t, err, &se, in)
	}
}

func TestParseObject(t *testing.T) {
	t.Parallel()
	s, err := Parse(config.ScheduleConfig{Interval: "20s"}, time.UTC)
	require.NoError(t, err)
	assert.True(t, s.Equal(mustSpec(t, "interval 20s")))

	s, err = Parse(config.ScheduleConfig{Daily: "04:00", Days: "MWF"}, time.UTC)
	require.NoError(t, err)
	assert.True(t, s.Equal(mustSpec(t, "daily 04:00 MWF")))

	s, err = Parse(config.ScheduleConfig{Constant: true}, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, KindConstant, s.Kind())

	s, err = Parse(config.ScheduleConfig{Raw: "daily"}, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, "DAILY", s.String())

	_, err = Parse(config.ScheduleConfig{}, time.UTC)
	assert.Error(t, err)
	_, err = Parse(config.ScheduleConfig{Interval: "1m", Constant: true}, time.UTC)
	var se *ScheduleError
	require.ErrorAs(t, err, &se)
	assert.Contains(t, se.Input, "interval=1m")
}

func TestDailyNext(t *testing.T) {
	t.Parallel()
	d := mustSpec(t, "daily 04:00")

	ref := time.Date(2025, 3, 10, 1, 0, 0, 0, time.UTC)
	want := time.Date(2025, 3, 10, 4, 0, 0, 0, time.UTC)
	assertTime(t, want, d.Next(ref))
	assertTime(t, d.Next(ref), d.Next(ref))
	assertTime(t, want.AddDate(0, 0, 1), d.Next(want))
	assert.True(t, d.RecomputeOnReconfigure())
}

func TestDailyWeekdays(t *testing.T) {
	t.Parallel()
	d := mustSpec(t, "daily 04:00 MWF")

	// 2025-03-11 is a Tuesday.
	ref := time.Date(2025, 3, 11, 12, 0, 0, 0, time.UTC)
	next := d.Next(ref)
	assert.Equal(t, time.Wednesday, next.Weekday())
	assertTime(t, time.Date(2025, 3, 12, 4, 0, 0, 0, time.UTC), next)

	next = d.Next(time.Date(2025, 3, 14, 5, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Monday, next.Weekday())
}

func TestDailyLocation(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("UTC+2", 2*3600)
	d, err := ParseSpec("daily 04:00", loc)
	require.NoError(t, err)

	next := d.Next(time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC))
	// 00:00 UTC is 02:00 local, so 04:00 local is still ahead on the same day.
	assertTime(t, time.Date(2025, 3, 10, 2, 0, 0, 0, time.UTC), next)
}

func TestIntervalConstantOneShot(t *testing.T) {
	t.Parallel()
	ref := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	i := mustSpec(t, "interval 20s")
	assertTime(t, ref.Add(20*time.Second), i.Next(ref))
	assert.False(t, i.RecomputeOnReconfigure())

	c := mustSpec(t, "constant")
	assertTime(t, ref, c.Next(ref))
	assert.False(t, c.RecomputeOnReconfigure())

	at := ref.Add(time.Hour)
	o, err := NewOneShot(at)
	require.NoError(t, err)
	assertTime(t, at, o.Next(ref))
	assert.True(t, o.Next(at).IsZero())
	assert.False(t, o.RecomputeOnReconfigure())
}

func TestEqualAndSameKind(t *testing.T) {
	t.Parallel()
	a := mustSpec(t, "interval 20s")
	b := mustSpec(t, "every 20s")
	c := mustSpec(t, "interval 30s")
	d := mustSpec(t, "daily")

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.True(t, SameKind(a, c))
	assert.False(t, SameKind(a, d))
	assert.False(t, d.Equal(mustSpec(t, "daily 00:00 MWF")))
	assert.True(t, d.Equal(mustSpec(t, "daily 00:00")))
	assert.True(t, Constant{}.Equal(mustSpec(t, "constant")))
}

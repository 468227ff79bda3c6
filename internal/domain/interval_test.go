package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInterval(t *testing.T) {
	for _, s := range []string{"1m", "3m", "5m", "15m", "1h", "4h", "1d"} {
		itv, err := ParseInterval(s)
		require.NoError(t, err)
		assert.Equal(t, s, itv.String())
	}
	for _, s := range []string{"", "2m", "1w", "60", "1M"} {
		_, err := ParseInterval(s)
		assert.Error(t, err, "interval %q should be rejected", s)
	}
}

func TestIntervalDurations(t *testing.T) {
	want := map[Interval]int64{
		Interval1m:  60_000,
		Interval3m:  180_000,
		Interval5m:  300_000,
		Interval15m: 900_000,
		Interval1h:  3_600_000,
		Interval4h:  14_400_000,
		Interval1d:  86_400_000,
	}
	for itv, ms := range want {
		assert.Equal(t, ms, itv.DurationMs(), "interval %s", itv)
	}
}

func TestBucketStart(t *testing.T) {
	cases := []struct {
		itv  Interval
		ts   int64
		want int64
	}{
		{Interval5m, 1_700_000_299_999, 1_700_000_100_000},
		{Interval5m, 1_700_000_100_000, 1_700_000_100_000},
		{Interval1m, 1_700_000_059_999, 1_700_000_040_000},
		{Interval1d, 86_400_000 + 1, 86_400_000},
		{Interval1h, 0, 0},
	}
	for _, c := range cases {
		got := c.itv.BucketStart(c.ts)
		assert.Equal(t, c.want, got, "%s bucket of %d", c.itv, c.ts)
		assert.Zero(t, got%c.itv.DurationMs())
	}
}

func TestBarsPerDay(t *testing.T) {
	assert.Equal(t, 1440, Interval1m.BarsPerDay())
	assert.Equal(t, 6, Interval4h.BarsPerDay())
	assert.Equal(t, 1, Interval1d.BarsPerDay())
}

func TestDerivedIntervalsOrder(t *testing.T) {
	got := DerivedIntervals()
	require.Equal(t, []Interval{Interval3m, Interval5m, Interval15m, Interval1h, Interval4h, Interval1d}, got)
}

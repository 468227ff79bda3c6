package domain

import "fmt"

// Interval is the closed set of supported candlestick timeframes. 1m and 4h
// can be pulled directly from the upstream exchange; every other interval is
// derived by aggregating stored 1m bars.
type Interval string

const (
	Interval1m  Interval = "1m"
	Interval3m  Interval = "3m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval1h  Interval = "1h"
	Interval4h  Interval = "4h"
	Interval1d  Interval = "1d"
)

var intervalMs = map[Interval]int64{
	Interval1m:  60_000,
	Interval3m:  180_000,
	Interval5m:  300_000,
	Interval15m: 900_000,
	Interval1h:  3_600_000,
	Interval4h:  14_400_000,
	Interval1d:  86_400_000,
}

// Intervals lists every supported interval, finest first.
func Intervals() []Interval {
	return []Interval{Interval1m, Interval3m, Interval5m, Interval15m, Interval1h, Interval4h, Interval1d}
}

// DerivedIntervals lists the intervals produced by aggregation, in the order
// the aggregator processes them.
func DerivedIntervals() []Interval {
	return []Interval{Interval3m, Interval5m, Interval15m, Interval1h, Interval4h, Interval1d}
}

// ParseInterval validates an interval string received at an API boundary.
func ParseInterval(s string) (Interval, error) {
	itv := Interval(s)
	if _, ok := intervalMs[itv]; !ok {
		return "", fmt.Errorf("unknown interval %q", s)
	}
	return itv, nil
}

// Valid reports whether the interval is one of the seven supported values.
func (i Interval) Valid() bool {
	_, ok := intervalMs[i]
	return ok
}

// DurationMs returns the interval's fixed duration in milliseconds.
// It panics on an interval that did not come from ParseInterval or one of the
// package constants.
func (i Interval) DurationMs() int64 {
	ms, ok := intervalMs[i]
	if !ok {
		panic(fmt.Sprintf("domain: invalid interval %q", string(i)))
	}
	return ms
}

func (i Interval) String() string { return string(i) }

// BucketStart snaps ts onto the interval's duration grid.
func (i Interval) BucketStart(ts int64) int64 {
	ms := i.DurationMs()
	return (ts / ms) * ms
}

// BarsPerDay returns how many bars of this interval fit in one day. Used to
// translate a backfill depth in days into a bar count.
func (i Interval) BarsPerDay() int {
	return int(Interval1d.DurationMs() / i.DurationMs())
}

package agg

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfeed/klined/internal/domain"
	"github.com/quantfeed/klined/internal/store"
	"github.com/quantfeed/klined/internal/store/storetest"
)

// base is aligned to every derived interval up to 4h.
const base = int64(1_699_992_000_000)

func seedMinutes(t *testing.T, st store.Store, symbol string, start int64, n int) {
	t.Helper()
	bars := make([]domain.Bar, 0, n)
	for i := 0; i < n; i++ {
		open := start + int64(i)*60_000
		bars = append(bars, domain.Bar{
			Symbol: symbol, Interval: domain.Interval1m,
			OpenTime: open, CloseTime: open + 59_999,
			Open: 1.0, High: 1.0, Low: 1.0, Close: 1.0,
			Volume: 1.0, QuoteVolume: 2.0, Trades: 3,
			TakerBuyBase: 0.5, TakerBuyQuote: 1.0, IsFinal: true,
		})
	}
	require.NoError(t, st.Upsert(context.Background(), bars))
}

func newTestAggregator(st store.Store, nowMs int64) *Aggregator {
	a := New(st, nil, nil)
	a.now = func() time.Time { return time.UnixMilli(nowMs) }
	return a
}

func query5m(t *testing.T, st store.Store, symbol string) []domain.Bar {
	t.Helper()
	got, err := st.Query(context.Background(), store.Query{
		Symbol: symbol, Interval: domain.Interval5m, Limit: 100, OnlyFinal: true,
	})
	require.NoError(t, err)
	return got
}

func TestAggregateFiveMinuteBuckets(t *testing.T) {
	st := storetest.NewMemory()
	seedMinutes(t, st, "BTCUSDT", base, 10)
	a := newTestAggregator(st, base+10*60_000)

	require.NoError(t, a.AggregateSymbol(context.Background(), "BTCUSDT", domain.Interval5m))

	got := query5m(t, st, "BTCUSDT")
	require.Len(t, got, 2)
	for i, b := range got {
		assert.Equal(t, base+int64(i)*300_000, b.OpenTime)
		assert.Equal(t, b.OpenTime+300_000-1, b.CloseTime)
		assert.Equal(t, 1.0, b.Open)
		assert.Equal(t, 1.0, b.High)
		assert.Equal(t, 1.0, b.Low)
		assert.Equal(t, 1.0, b.Close)
		assert.Equal(t, 5.0, b.Volume)
		assert.Equal(t, 10.0, b.QuoteVolume)
		assert.Equal(t, int64(15), b.Trades)
		assert.True(t, b.IsFinal)
	}
}

func TestAggregateIsIdempotent(t *testing.T) {
	st := storetest.NewMemory()
	seedMinutes(t, st, "BTCUSDT", base, 10)
	a := newTestAggregator(st, base+10*60_000)

	require.NoError(t, a.AggregateSymbol(context.Background(), "BTCUSDT", domain.Interval5m))
	first := query5m(t, st, "BTCUSDT")
	require.NoError(t, a.AggregateSymbol(context.Background(), "BTCUSDT", domain.Interval5m))
	assert.Equal(t, first, query5m(t, st, "BTCUSDT"))
}

func TestAggregateEmitsPartialTailBucket(t *testing.T) {
	st := storetest.NewMemory()
	seedMinutes(t, st, "BTCUSDT", base, 7)
	a := newTestAggregator(st, base+7*60_000)

	require.NoError(t, a.AggregateSymbol(context.Background(), "BTCUSDT", domain.Interval5m))

	got := query5m(t, st, "BTCUSDT")
	require.Len(t, got, 2)
	assert.Equal(t, 5.0, got[0].Volume)
	assert.Equal(t, 2.0, got[1].Volume, "tail bucket holds only the two bars seen so far")
}

func TestAggregateResumesAfterLastBucket(t *testing.T) {
	st := storetest.NewMemory()
	seedMinutes(t, st, "BTCUSDT", base, 10)
	a := newTestAggregator(st, base+10*60_000)
	require.NoError(t, a.AggregateSymbol(context.Background(), "BTCUSDT", domain.Interval5m))

	// New minutes arrive; the next pass only emits the new bucket.
	seedMinutes(t, st, "BTCUSDT", base+10*60_000, 5)
	a.now = func() time.Time { return time.UnixMilli(base + 15*60_000) }
	require.NoError(t, a.AggregateSymbol(context.Background(), "BTCUSDT", domain.Interval5m))

	got := query5m(t, st, "BTCUSDT")
	require.Len(t, got, 3)
	assert.Equal(t, base+2*300_000, got[2].OpenTime)
}

func TestAggregateWithoutSourceIsNoop(t *testing.T) {
	st := storetest.NewMemory()
	a := newTestAggregator(st, base)
	require.NoError(t, a.AggregateSymbol(context.Background(), "BTCUSDT", domain.Interval5m))
	assert.Zero(t, st.Count(domain.Interval5m))
}

func TestAggregateRejectsBaseInterval(t *testing.T) {
	a := newTestAggregator(storetest.NewMemory(), base)
	assert.Error(t, a.AggregateSymbol(context.Background(), "BTCUSDT", domain.Interval1m))
}

func TestAggregateMirrorsTailIntoRing(t *testing.T) {
	st := storetest.NewMemory()
	seedMinutes(t, st, "BTCUSDT", base, 10)
	a := newTestAggregator(st, base+10*60_000)

	require.NoError(t, a.AggregateSymbol(context.Background(), "BTCUSDT", domain.Interval5m))

	recent, err := a.Ring().GetAll(context.Background(), "BTCUSDT", "5m")
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, base+300_000, recent[1].OpenTime)
	assert.Equal(t, 1.0, recent[1].Close)
}

func TestAggregateAllCoversEveryDerivedInterval(t *testing.T) {
	st := storetest.NewMemory()
	seedMinutes(t, st, "BTCUSDT", base, 60)
	a := newTestAggregator(st, base+60*60_000)

	require.NoError(t, a.AggregateAll(context.Background(), "BTCUSDT"))

	assert.Equal(t, 20, st.Count(domain.Interval3m))
	assert.Equal(t, 12, st.Count(domain.Interval5m))
	assert.Equal(t, 4, st.Count(domain.Interval15m))
	assert.Equal(t, 1, st.Count(domain.Interval1h))
	assert.Equal(t, 1, st.Count(domain.Interval4h))
	assert.Equal(t, 1, st.Count(domain.Interval1d))
}

func TestAggregateSymbolsRunsConcurrently(t *testing.T) {
	symbols := []string{"AUSDT", "BUSDT", "CUSDT", "DUSDT", "EUSDT", "FUSDT"}

	run := func(concurrency int) time.Duration {
		st := storetest.NewMemory()
		st.Latency = 5 * time.Millisecond
		for _, sym := range symbols {
			seedMinutes(t, st, sym, base, 5)
		}
		a := newTestAggregator(st, base+5*60_000)
		started := time.Now()
		require.NoError(t, a.AggregateSymbols(context.Background(), symbols, concurrency))
		return time.Since(started)
	}

	sequential := run(1)
	parallel := run(len(symbols))
	assert.Less(t, parallel*2, sequential, "parallel=%s sequential=%s", parallel, sequential)
}

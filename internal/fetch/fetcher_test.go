package fetch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfeed/klined/internal/domain"
	"github.com/quantfeed/klined/internal/store"
	"github.com/quantfeed/klined/internal/store/storetest"
	"github.com/quantfeed/klined/internal/upstream"
)

// histStart is aligned to every interval up to 4h so the stub can serve both.
const histStart = int64(1_699_992_000_000)

// stubExchange serves synthetic klines for a fixed contiguous history. Like
// the real API it returns the first `limit` bars when startTime is set and
// the most recent `limit` bars otherwise.
type stubExchange struct {
	histEnd int64 // inclusive last 1m open time
	calls   atomic.Int32
}

func (s *stubExchange) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.calls.Add(1)
		q := r.URL.Query()
		if q.Get("symbol") == "BADUSDT" {
			http.Error(w, `{"code":-1121,"msg":"Invalid symbol."}`, http.StatusBadRequest)
			return
		}
		itv, err := domain.ParseInterval(q.Get("interval"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		step := itv.DurationMs()
		limit, _ := strconv.Atoi(q.Get("limit"))

		lo, hi := histStart, s.histEnd
		if v := q.Get("startTime"); v != "" {
			if b, _ := strconv.ParseInt(v, 10, 64); b > lo {
				lo = b
			}
		}
		if v := q.Get("endTime"); v != "" {
			if b, _ := strconv.ParseInt(v, 10, 64); b < hi {
				hi = b
			}
		}

		rows := make([][]any, 0)
		for ot := histStart; ot <= s.histEnd; ot += step {
			if ot < lo || ot > hi {
				continue
			}
			rows = append(rows, []any{ot, "1.0", "1.0", "1.0", "1.0", "1.0",
				ot + step - 1, "2.0", 3, "0.5", "1.0", "0"})
		}
		if len(rows) > limit {
			if q.Has("startTime") {
				rows = rows[:limit]
			} else {
				rows = rows[len(rows)-limit:]
			}
		}
		_ = json.NewEncoder(w).Encode(rows)
	}
}

func newTestFetcher(t *testing.T, stub *stubExchange, st store.Store, cfg Config, nowMs int64) *Fetcher {
	t.Helper()
	srv := httptest.NewServer(stub.handler())
	t.Cleanup(srv.Close)
	client := upstream.New(srv.URL, 4, upstream.WithRateLimit(100_000, 100_000))
	f := New(client, st, cfg, nil)
	f.now = func() time.Time { return time.UnixMilli(nowMs) }
	t.Cleanup(f.Close)
	return f
}

func TestInitialBackfillOneDay(t *testing.T) {
	stub := &stubExchange{histEnd: histStart + 1439*60_000}
	st := storetest.NewMemory()
	nowMs := histStart + 1440*60_000
	f := newTestFetcher(t, stub, st, Config{BackfillDays: 1}, nowMs)

	require.NoError(t, f.InitialFetchSymbol(context.Background(), "BTCUSDT"))

	got, err := st.Query(context.Background(), store.Query{
		Symbol: "BTCUSDT", Interval: domain.Interval1m, Limit: 1500, OnlyFinal: true,
	})
	require.NoError(t, err)
	require.Len(t, got, 1440)
	for i := 1; i < len(got); i++ {
		require.Equal(t, got[i-1].OpenTime+60_000, got[i].OpenTime, "gap at %d", i)
	}
	assert.Equal(t, histStart, got[0].OpenTime)
}

func TestInitialBackfillIsIdempotent(t *testing.T) {
	stub := &stubExchange{histEnd: histStart + 1439*60_000}
	st := storetest.NewMemory()
	f := newTestFetcher(t, stub, st, Config{BackfillDays: 1}, histStart+1440*60_000)

	require.NoError(t, f.InitialFetchSymbol(context.Background(), "BTCUSDT"))
	require.NoError(t, f.InitialFetchSymbol(context.Background(), "BTCUSDT"))
	assert.Equal(t, 1440, st.Count(domain.Interval1m))
}

func TestInitialBackfillPulls4h(t *testing.T) {
	stub := &stubExchange{histEnd: histStart + 1439*60_000}
	st := storetest.NewMemory()
	f := newTestFetcher(t, stub, st, Config{BackfillDays: 1, Pull4h: true}, histStart+1440*60_000)

	require.NoError(t, f.InitialFetchSymbol(context.Background(), "BTCUSDT"))
	assert.Equal(t, 1440, st.Count(domain.Interval1m))
	assert.Equal(t, 6, st.Count(domain.Interval4h))
}

func TestBackfillPagesBackwardBelowExistingHistory(t *testing.T) {
	// 4000 bars of upstream history, but the store only holds the newest bar.
	// Two-day coverage needs 2880; backward paging runs in 1500-bar pages and
	// stops once a page reaches the coverage target.
	histEnd := histStart + 3999*60_000
	stub := &stubExchange{histEnd: histEnd}
	st := storetest.NewMemory()
	seed := domain.Bar{
		Symbol: "BTCUSDT", Interval: domain.Interval1m,
		OpenTime: histEnd, CloseTime: histEnd + 59_999,
		Open: 1, High: 1, Low: 1, Close: 1, Volume: 1, IsFinal: true,
	}
	require.NoError(t, st.Upsert(context.Background(), []domain.Bar{seed}))

	f := newTestFetcher(t, stub, st, Config{BackfillDays: 2}, histEnd+60_000)
	require.NoError(t, f.InitialFetchSymbol(context.Background(), "BTCUSDT"))

	// Two full backward pages land 3000 contiguous bars ending at histEnd.
	assert.Equal(t, 3000, st.Count(domain.Interval1m))
	minT, ok, err := st.MinOpenTime(context.Background(), domain.Interval1m)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, histEnd-2999*60_000, minT)
}

func TestLegacyExplicitCounts(t *testing.T) {
	histEnd := histStart + 1439*60_000
	stub := &stubExchange{histEnd: histEnd}
	st := storetest.NewMemory()
	f := newTestFetcher(t, stub, st, Config{InitPull1m: 10}, histEnd+60_000)

	require.NoError(t, f.InitialFetchSymbol(context.Background(), "BTCUSDT"))
	require.Equal(t, 10, st.Count(domain.Interval1m))

	maxT, ok, err := st.MaxOpenTime(context.Background(), domain.Interval1m)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, histEnd, maxT)
}

func TestIncrementalFetchUpsertsLatestTwo(t *testing.T) {
	histEnd := histStart + 9*60_000
	stub := &stubExchange{histEnd: histEnd}
	st := storetest.NewMemory()
	f := newTestFetcher(t, stub, st, Config{}, histEnd+30_000)

	require.NoError(t, f.IncrementalFetchSymbol(context.Background(), "BTCUSDT"))

	got, err := st.Query(context.Background(), store.Query{
		Symbol: "BTCUSDT", Interval: domain.Interval1m, Limit: 10, OnlyFinal: true,
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, histEnd-60_000, got[0].OpenTime)
	assert.Equal(t, histEnd, got[1].OpenTime)
	assert.True(t, got[1].IsFinal)
}

func TestFetchAllReportsFirstError(t *testing.T) {
	histEnd := histStart + 9*60_000
	stub := &stubExchange{histEnd: histEnd}
	st := storetest.NewMemory()
	f := newTestFetcher(t, stub, st, Config{Concurrency: 2}, histEnd+30_000)

	err := f.IncrementalFetchAll(context.Background(), []string{"BTCUSDT", "BADUSDT", "ETHUSDT"})
	require.Error(t, err)
	var se *upstream.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.Code)

	// The healthy symbols still landed.
	assert.Equal(t, 4, st.Count(domain.Interval1m))
}

func TestRowsToBarsRejectsShortRows(t *testing.T) {
	_, err := rowsToBars([]upstream.Row{{float64(histStart), "1.0"}}, "BTCUSDT", domain.Interval1m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "short kline row")
}

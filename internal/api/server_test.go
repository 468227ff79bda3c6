package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfeed/klined/internal/agg"
	"github.com/quantfeed/klined/internal/cache"
	"github.com/quantfeed/klined/internal/metrics"
	"github.com/quantfeed/klined/internal/store"
	"github.com/quantfeed/klined/internal/store/storetest"
)

func newTestServer(t *testing.T, st store.Store, ring agg.Ring) *Server {
	t.Helper()
	if ring == nil {
		ring = agg.NewMemoryRing(5)
	}
	klines := NewGetKlines(st, cache.NewLRU(100), 10, nil)
	health := NewHealthSnapshot(st)
	return NewServer(DefaultServerConfig(":0"), klines, health, nil, nil, ring, metrics.NewRegistry())
}

func get(t *testing.T, s *Server, target string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestKlinesEmptyStoreReturnsEmptyArray(t *testing.T) {
	s := newTestServer(t, storetest.NewMemory(), nil)
	rec := get(t, s, "/fapi/v1/klines?symbol=BTCUSDT&interval=1m", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "[]", rec.Body.String())
}

func TestKlinesReturnsStoredBars(t *testing.T) {
	st := storetest.NewMemory()
	seedStore(t, st, "BTCUSDT", 3)
	s := newTestServer(t, st, nil)

	rec := get(t, s, "/fapi/v1/klines?symbol=btcusdt&interval=1m&limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var rows [][]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, float64(t0+60_000), rows[0][0], "limit keeps the most recent bars")
}

func TestKlinesValidation(t *testing.T) {
	s := newTestServer(t, storetest.NewMemory(), nil)

	cases := map[string]string{
		"missing symbol":   "/fapi/v1/klines?interval=1m",
		"bad interval":     "/fapi/v1/klines?symbol=BTCUSDT&interval=2m",
		"zero limit":       "/fapi/v1/klines?symbol=BTCUSDT&interval=1m&limit=0",
		"oversized limit":  "/fapi/v1/klines?symbol=BTCUSDT&interval=1m&limit=1501",
		"bad startTime":    "/fapi/v1/klines?symbol=BTCUSDT&interval=1m&startTime=abc",
		"bad boolean flag": "/fapi/v1/klines?symbol=BTCUSDT&interval=1m&includeCurrent=maybe",
	}
	for name, target := range cases {
		rec := get(t, s, target, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, name)

		var body map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), name)
		assert.NotEmpty(t, body["error"], name)
	}
}

func TestKlinesStoreErrorIs500(t *testing.T) {
	s := newTestServer(t, &failStore{}, nil)
	rec := get(t, s, "/fapi/v1/klines?symbol=BTCUSDT&interval=1m", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestKlinesETagRoundTrip(t *testing.T) {
	st := storetest.NewMemory()
	seedStore(t, st, "BTCUSDT", 3)
	s := newTestServer(t, st, nil)

	first := get(t, s, "/fapi/v1/klines?symbol=BTCUSDT&interval=1m", nil)
	require.Equal(t, http.StatusOK, first.Code)
	etag := first.Header().Get("ETag")
	require.NotEmpty(t, etag)
	assert.Equal(t, "public, max-age=10", first.Header().Get("Cache-Control"))

	second := get(t, s, "/fapi/v1/klines?symbol=BTCUSDT&interval=1m",
		map[string]string{"If-None-Match": etag})
	assert.Equal(t, http.StatusNotModified, second.Code)
	assert.Empty(t, second.Body.String())

	stale := get(t, s, "/fapi/v1/klines?symbol=BTCUSDT&interval=1m",
		map[string]string{"If-None-Match": "bogus"})
	assert.Equal(t, http.StatusOK, stale.Code)
	assert.Equal(t, etag, stale.Header().Get("ETag"))
}

func TestKlinesErrorsCarryNoETag(t *testing.T) {
	s := newTestServer(t, storetest.NewMemory(), nil)
	rec := get(t, s, "/fapi/v1/klines?symbol=BTCUSDT&interval=2m", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, rec.Header().Get("ETag"))
}

func TestHealthEndpoint(t *testing.T) {
	st := storetest.NewMemory()
	seedStore(t, st, "BTCUSDT", 1)
	s := newTestServer(t, st, nil)

	rec := get(t, s, "/v1/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var h Health
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, Version, h.Version)
	require.NotNil(t, h.LagSec1m)
}

func TestRecentBucketsEndpoint(t *testing.T) {
	ring := agg.NewMemoryRing(5)
	require.NoError(t, ring.Put(context.Background(), "BTCUSDT", "5m",
		agg.BucketSummary{OpenTime: t0, CloseTime: t0 + 299_999, Open: 1, High: 2, Low: 0.5, Close: 1.5}))
	s := newTestServer(t, storetest.NewMemory(), ring)

	rec := get(t, s, "/v1/agg/recent?symbol=BTCUSDT&interval=5m", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got []agg.BucketSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, t0, got[0].OpenTime)

	rec = get(t, s, "/v1/agg/recent?symbol=BTCUSDT&interval=2m", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSymbolRefreshUnavailableWithoutClient(t *testing.T) {
	s := newTestServer(t, storetest.NewMemory(), nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/admin/symbols/refresh", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestUnknownRouteIs404(t *testing.T) {
	s := newTestServer(t, storetest.NewMemory(), nil)
	rec := get(t, s, "/fapi/v1/unknown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRequestIDHeaderIsSet(t *testing.T) {
	s := newTestServer(t, storetest.NewMemory(), nil)
	rec := get(t, s, "/v1/health", nil)
	assert.Len(t, rec.Header().Get("X-Request-ID"), 8)
}

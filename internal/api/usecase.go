// Package api holds the read path: the klines use case, the serializer and
// the HTTP surface.
package api

import (
	"context"
	"fmt"
	"time"

	"github.com/quantfeed/klined/internal/cache"
	"github.com/quantfeed/klined/internal/domain"
	"github.com/quantfeed/klined/internal/metrics"
	"github.com/quantfeed/klined/internal/store"
)

// Version is reported by the health endpoint.
const Version = "klined-0.4.0"

// KlinesRequest is a validated read request.
type KlinesRequest struct {
	Symbol         string
	Interval       domain.Interval
	Start          *int64
	End            *int64
	Limit          int
	IncludeCurrent bool
}

// GetKlines serves a klines read: cache hit returns the stored bytes
// verbatim, a miss queries the store, serializes and back-fills the cache.
type GetKlines struct {
	store   store.Store
	cache   cache.Cache
	ttl     time.Duration
	metrics *metrics.Registry
}

func NewGetKlines(st store.Store, c cache.Cache, ttlSec int, m *metrics.Registry) *GetKlines {
	if ttlSec < 1 {
		ttlSec = 1
	}
	return &GetKlines{store: st, cache: c, ttl: time.Duration(ttlSec) * time.Second, metrics: m}
}

// Handle returns the serialized response body for the request.
func (u *GetKlines) Handle(ctx context.Context, req KlinesRequest) ([]byte, error) {
	onlyFinal := !req.IncludeCurrent
	key := cache.KlinesKey(req.Symbol, req.Interval.String(), req.Start, req.End, req.Limit, onlyFinal)

	if body, ok, err := u.cache.Get(ctx, key); err == nil && ok {
		u.count(true)
		return body, nil
	}
	u.count(false)

	bars, err := u.store.Query(ctx, store.Query{
		Symbol:    req.Symbol,
		Interval:  req.Interval,
		Start:     req.Start,
		End:       req.End,
		Limit:     req.Limit,
		OnlyFinal: onlyFinal,
	})
	if err != nil {
		return nil, fmt.Errorf("get klines: %w", err)
	}
	body := SerializeKlines(bars)
	if err := u.cache.Set(ctx, key, body, u.ttl); err != nil {
		// A cold cache is not a failed read.
		return body, nil
	}
	return body, nil
}

func (u *GetKlines) count(hit bool) {
	if u.metrics == nil {
		return
	}
	if hit {
		u.metrics.CacheHits.WithLabelValues("klines").Inc()
	} else {
		u.metrics.CacheMisses.WithLabelValues("klines").Inc()
	}
}

// Health describes the node's data freshness.
type Health struct {
	Status   string           `json:"status"`
	Now      int64            `json:"now"`
	LagSec1m *int64           `json:"lag_sec_1m"`
	LagAgg   map[string]*int64 `json:"lag_sec_agg"`
	Version  string           `json:"version"`
}

// HealthSnapshot computes per-interval ingest lag from the store's
// max_open_time boundaries.
type HealthSnapshot struct {
	store store.Store
	now   func() time.Time
}

func NewHealthSnapshot(st store.Store) *HealthSnapshot {
	return &HealthSnapshot{store: st, now: time.Now}
}

func (h *HealthSnapshot) Handle(ctx context.Context) (Health, error) {
	nowMs := h.now().UnixMilli()
	lag := func(itv domain.Interval) (*int64, error) {
		ts, ok, err := h.store.MaxOpenTime(ctx, itv)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		sec := (nowMs - ts) / 1000
		if sec < 0 {
			sec = 0
		}
		return &sec, nil
	}

	out := Health{Status: "ok", Now: nowMs, Version: Version, LagAgg: make(map[string]*int64)}
	var err error
	if out.LagSec1m, err = lag(domain.Interval1m); err != nil {
		return Health{}, fmt.Errorf("health: %w", err)
	}
	for _, itv := range domain.DerivedIntervals() {
		l, err := lag(itv)
		if err != nil {
			return Health{}, fmt.Errorf("health: %w", err)
		}
		out.LagAgg[itv.String()] = l
	}
	return out, nil
}

// Package storetest provides an in-memory Store used by fetcher, aggregator
// and use-case tests. It mirrors the SQL backends' semantics, including
// replace-on-conflict and most-recent-limit windowing, and can inject
// artificial per-call latency for concurrency tests.
package storetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/quantfeed/klined/internal/domain"
	"github.com/quantfeed/klined/internal/store"
)

type tableKey struct {
	interval domain.Interval
	symbol   string
	openTime int64
}

// Memory is a concurrency-safe in-memory bar store.
type Memory struct {
	// Latency is added to every operation when non-zero. It sleeps outside
	// the lock so concurrent callers overlap, like pooled connections do.
	Latency time.Duration

	mu   sync.RWMutex
	bars map[tableKey]domain.Bar
}

func NewMemory() *Memory {
	return &Memory{bars: make(map[tableKey]domain.Bar)}
}

func (m *Memory) Connect(ctx context.Context) error { return nil }
func (m *Memory) Close() error                      { return nil }

func (m *Memory) EnsureSchema(ctx context.Context) error { return nil }

func (m *Memory) sleep(ctx context.Context) error {
	if m.Latency <= 0 {
		return nil
	}
	select {
	case <-time.After(m.Latency):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Memory) Upsert(ctx context.Context, bars []domain.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	if _, err := store.BatchInterval(bars); err != nil {
		return err
	}
	if err := m.sleep(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range bars {
		m.bars[tableKey{b.Interval, b.Symbol, b.OpenTime}] = b
	}
	return nil
}

func (m *Memory) Query(ctx context.Context, q store.Query) ([]domain.Bar, error) {
	if err := m.sleep(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	var all []domain.Bar
	for k, b := range m.bars {
		if k.interval != q.Interval || k.symbol != q.Symbol {
			continue
		}
		if q.Start != nil && b.OpenTime < *q.Start {
			continue
		}
		if q.End != nil && b.OpenTime > *q.End {
			continue
		}
		if q.OnlyFinal && !b.IsFinal {
			continue
		}
		all = append(all, b)
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].OpenTime < all[j].OpenTime })
	if q.Limit > 0 && len(all) > q.Limit {
		all = all[len(all)-q.Limit:]
	}
	return all, nil
}

func (m *Memory) MaxOpenTime(ctx context.Context, itv domain.Interval) (int64, bool, error) {
	return m.boundary(ctx, itv, true)
}

func (m *Memory) MinOpenTime(ctx context.Context, itv domain.Interval) (int64, bool, error) {
	return m.boundary(ctx, itv, false)
}

func (m *Memory) boundary(ctx context.Context, itv domain.Interval, max bool) (int64, bool, error) {
	if err := m.sleep(ctx); err != nil {
		return 0, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ts int64
	found := false
	for k := range m.bars {
		if k.interval != itv {
			continue
		}
		if !found || (max && k.openTime > ts) || (!max && k.openTime < ts) {
			ts = k.openTime
			found = true
		}
	}
	return ts, found, nil
}

// Count returns the number of stored bars for an interval, across symbols.
func (m *Memory) Count(itv domain.Interval) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for k := range m.bars {
		if k.interval == itv {
			n++
		}
	}
	return n
}

var _ store.Store = (*Memory)(nil)

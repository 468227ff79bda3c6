package agg

import (
	"context"
	"sync"
)

// BucketSummary is the condensed view of one aggregated bucket kept in the
// recent-bucket ring. The ring is an observability aid and may be lost on
// restart.
type BucketSummary struct {
	OpenTime  int64   `json:"open_time"`
	CloseTime int64   `json:"close_time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
}

// Ring keeps a bounded FIFO of the most recent aggregated buckets per
// (symbol, interval).
type Ring interface {
	Put(ctx context.Context, symbol, interval string, b BucketSummary) error
	GetAll(ctx context.Context, symbol, interval string) ([]BucketSummary, error)
}

type ringKey struct {
	symbol   string
	interval string
}

// MemoryRing is the in-process Ring variant.
type MemoryRing struct {
	capacity int

	mu  sync.Mutex
	buf map[ringKey][]BucketSummary
}

func NewMemoryRing(capacity int) *MemoryRing {
	if capacity <= 0 {
		capacity = 5
	}
	return &MemoryRing{capacity: capacity, buf: make(map[ringKey][]BucketSummary)}
}

func (r *MemoryRing) Put(ctx context.Context, symbol, interval string, b BucketSummary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := ringKey{symbol, interval}
	q := append(r.buf[k], b)
	if len(q) > r.capacity {
		q = q[len(q)-r.capacity:]
	}
	r.buf[k] = q
	return nil
}

// GetAll returns a snapshot in insertion order.
func (r *MemoryRing) GetAll(ctx context.Context, symbol, interval string) ([]BucketSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q := r.buf[ringKey{symbol, interval}]
	out := make([]BucketSummary, len(q))
	copy(out, q)
	return out, nil
}

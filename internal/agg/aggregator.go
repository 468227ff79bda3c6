// Package agg rolls finalized 1m bars up into the derived timeframes. Each
// pass resumes from the last aggregated bucket, walks forward in bounded time
// windows and overwrites on replay, so re-running is always safe.
package agg

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfeed/klined/internal/domain"
	"github.com/quantfeed/klined/internal/metrics"
	"github.com/quantfeed/klined/internal/store"
)

const (
	// windowDays caps how much 1m data one iteration loads.
	windowDays = 3
	// sourceLimit bounds a single window query.
	sourceLimit = 500_000
	// flushSize batches store writes during long catch-up runs.
	flushSize = 5000
	// ringTail is how many trailing buckets of each flush land in the ring.
	ringTail = 5
)

// Aggregator derives higher-timeframe bars from stored 1m bars.
type Aggregator struct {
	store   store.Store
	ring    Ring
	metrics *metrics.Registry
	now     func() time.Time
}

func New(st store.Store, ring Ring, m *metrics.Registry) *Aggregator {
	if ring == nil {
		ring = NewMemoryRing(ringTail)
	}
	return &Aggregator{store: st, ring: ring, metrics: m, now: time.Now}
}

// Ring exposes the recent-bucket ring for the admin surface.
func (a *Aggregator) Ring() Ring { return a.ring }

// AggregateSymbol brings the target interval up to the last closed bucket
// for one symbol. No-op when no 1m data exists or the target is current.
func (a *Aggregator) AggregateSymbol(ctx context.Context, symbol string, target domain.Interval) error {
	if target == domain.Interval1m {
		return fmt.Errorf("aggregate %s: target must be a derived interval", symbol)
	}
	itvMs := target.DurationMs()

	last, hasLast, err := a.store.MaxOpenTime(ctx, target)
	if err != nil {
		return fmt.Errorf("aggregate %s %s: %w", symbol, target, err)
	}
	min1m, has1m, err := a.store.MinOpenTime(ctx, domain.Interval1m)
	if err != nil {
		return fmt.Errorf("aggregate %s %s: %w", symbol, target, err)
	}
	if !has1m {
		return nil
	}

	start := target.BucketStart(min1m)
	if hasLast {
		start = target.BucketStart(last + itvMs)
	}
	endBucket := target.BucketStart(a.now().UnixMilli() - 1)

	windowMs := int64(windowDays) * domain.Interval1d.DurationMs()
	var pending []domain.Bar
	emitted := 0

	for curStart := start; curStart <= endBucket; {
		curEnd := curStart + windowMs - 1
		if limit := endBucket + itvMs - 1; curEnd > limit {
			curEnd = limit
		}

		src, err := a.store.Query(ctx, store.Query{
			Symbol:    symbol,
			Interval:  domain.Interval1m,
			Start:     &curStart,
			End:       &curEnd,
			Limit:     sourceLimit,
			OnlyFinal: true,
		})
		if err != nil {
			return fmt.Errorf("aggregate %s %s: %w", symbol, target, err)
		}
		if len(src) == 0 {
			curStart = curEnd + 1
			continue
		}

		buckets := make(map[int64][]domain.Bar)
		for _, b := range src {
			bs := target.BucketStart(b.OpenTime)
			buckets[bs] = append(buckets[bs], b)
		}
		starts := make([]int64, 0, len(buckets))
		for bs := range buckets {
			starts = append(starts, bs)
		}
		sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })

		for _, bs := range starts {
			pending = append(pending, domain.AggregateBucket(symbol, target, bs, buckets[bs]))
		}
		if len(pending) >= flushSize {
			if err := a.flush(ctx, symbol, target, pending); err != nil {
				return err
			}
			emitted += len(pending)
			pending = pending[:0]
		}
		curStart = curEnd + 1
	}

	if len(pending) > 0 {
		if err := a.flush(ctx, symbol, target, pending); err != nil {
			return err
		}
		emitted += len(pending)
	}
	if emitted > 0 {
		log.Debug().Str("component", "agg").Str("symbol", symbol).
			Str("interval", target.String()).Int("buckets", emitted).Msg("aggregated")
	}
	return nil
}

// flush upserts a batch and mirrors its tail into the recent-bucket ring.
func (a *Aggregator) flush(ctx context.Context, symbol string, target domain.Interval, bars []domain.Bar) error {
	if err := a.store.Upsert(ctx, bars); err != nil {
		return fmt.Errorf("flush %s %s: %w", symbol, target, err)
	}
	if a.metrics != nil {
		a.metrics.BucketsEmitted.WithLabelValues(target.String()).Add(float64(len(bars)))
	}
	tail := bars
	if len(tail) > ringTail {
		tail = tail[len(tail)-ringTail:]
	}
	for _, b := range tail {
		if err := a.ring.Put(ctx, symbol, target.String(), BucketSummary{
			OpenTime: b.OpenTime, CloseTime: b.CloseTime,
			Open: b.Open, High: b.High, Low: b.Low, Close: b.Close,
		}); err != nil {
			// Ring loss is tolerable; the store write already succeeded.
			log.Warn().Str("component", "agg").Err(err).Msg("ring put failed")
		}
	}
	return nil
}

// AggregateAll runs every derived interval for one symbol in fixed order.
func (a *Aggregator) AggregateAll(ctx context.Context, symbol string) error {
	for _, itv := range domain.DerivedIntervals() {
		if err := a.AggregateSymbol(ctx, symbol, itv); err != nil {
			return err
		}
	}
	return nil
}

// AggregateSymbols fans AggregateAll out over symbols with at most
// concurrency in flight and returns the first error once all finish.
func (a *Aggregator) AggregateSymbols(ctx context.Context, symbols []string, concurrency int) error {
	if concurrency <= 0 {
		concurrency = 5
	}
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for _, sym := range symbols {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		}
		wg.Add(1)
		go func(sym string) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := a.AggregateAll(ctx, sym); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				log.Error().Str("component", "agg").Str("symbol", sym).Err(err).Msg("symbol aggregation failed")
			}
		}(sym)
	}
	wg.Wait()
	return firstErr
}

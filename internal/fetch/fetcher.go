// Package fetch pulls 1m (and optionally 4h) bars from the upstream exchange
// into the store: deep historical backfill on startup, tight incremental
// polling afterwards.
package fetch

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfeed/klined/internal/domain"
	"github.com/quantfeed/klined/internal/metrics"
	"github.com/quantfeed/klined/internal/store"
	"github.com/quantfeed/klined/internal/upstream"
)

const pageSize = 1500

// Config controls backfill depth and batch concurrency.
type Config struct {
	// BackfillDays drives coverage: days*1440 1m bars (days*6 4h bars when
	// Pull4h is set). When zero the legacy explicit counts apply instead.
	BackfillDays int
	Pull4h       bool
	InitPull1m   int
	InitPull4h   int
	Concurrency  int
}

// Fetcher owns the upstream client for its lifetime; Close releases it.
type Fetcher struct {
	client  *upstream.Client
	store   store.Store
	cfg     Config
	metrics *metrics.Registry
	now     func() time.Time
}

func New(client *upstream.Client, st store.Store, cfg Config, m *metrics.Registry) *Fetcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	return &Fetcher{client: client, store: st, cfg: cfg, metrics: m, now: time.Now}
}

// Close releases the upstream client's connections.
func (f *Fetcher) Close() {
	f.client.Close()
}

// InitialFetchSymbol ensures the configured coverage depth for one symbol.
func (f *Fetcher) InitialFetchSymbol(ctx context.Context, symbol string) error {
	if f.cfg.BackfillDays > 0 {
		if err := f.ensureCoverage(ctx, symbol, domain.Interval1m, f.cfg.BackfillDays*domain.Interval1m.BarsPerDay()); err != nil {
			return err
		}
		if f.cfg.Pull4h {
			return f.ensureCoverage(ctx, symbol, domain.Interval4h, f.cfg.BackfillDays*domain.Interval4h.BarsPerDay())
		}
		return nil
	}
	// Legacy explicit bar counts.
	if f.cfg.InitPull4h > 0 {
		if err := f.ensureCoverage(ctx, symbol, domain.Interval4h, f.cfg.InitPull4h); err != nil {
			return err
		}
	}
	if f.cfg.InitPull1m > 0 {
		return f.ensureCoverage(ctx, symbol, domain.Interval1m, f.cfg.InitPull1m)
	}
	return nil
}

// IncrementalFetchSymbol pulls the two newest 1m bars (the forming bar and
// the just-closed one) and upserts them as final. The next poll, or the next
// backfill pass, overwrites any stale version.
func (f *Fetcher) IncrementalFetchSymbol(ctx context.Context, symbol string) error {
	rows, err := f.client.Klines(ctx, symbol, domain.Interval1m.String(), 2, nil, nil)
	if err != nil {
		return fmt.Errorf("incremental fetch %s: %w", symbol, err)
	}
	bars, err := rowsToBars(rows, symbol, domain.Interval1m)
	if err != nil {
		return fmt.Errorf("incremental fetch %s: %w", symbol, err)
	}
	return f.upsert(ctx, bars)
}

// InitialFetchAll backfills every symbol through a bounded worker pool.
func (f *Fetcher) InitialFetchAll(ctx context.Context, symbols []string) error {
	if err := f.store.Connect(ctx); err != nil {
		return err
	}
	return f.forEach(ctx, symbols, f.InitialFetchSymbol)
}

// IncrementalFetchAll polls every symbol through a bounded worker pool.
func (f *Fetcher) IncrementalFetchAll(ctx context.Context, symbols []string) error {
	return f.forEach(ctx, symbols, f.IncrementalFetchSymbol)
}

// forEach fans symbols out over Concurrency workers and returns the first
// error after all workers finish.
func (f *Fetcher) forEach(ctx context.Context, symbols []string, fn func(context.Context, string) error) error {
	sem := make(chan struct{}, f.cfg.Concurrency)
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
			if err := fn(ctx, sym); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				log.Error().Str("component", "fetch").Str("symbol", sym).Err(err).Msg("symbol fetch failed")
			}
		}(sym)
	}
	wg.Wait()
	return firstErr
}

// ensureCoverage makes the stored history for symbol/interval reach at least
// coverageBars back from now: forward-fill from scratch when the table is
// empty, otherwise backfill below the oldest needed point and top up to now.
func (f *Fetcher) ensureCoverage(ctx context.Context, symbol string, itv domain.Interval, coverageBars int) error {
	intervalMs := itv.DurationMs()
	nowMs := f.now().UnixMilli()
	targetStart := nowMs - int64(coverageBars)*intervalMs

	last, ok, err := f.store.MaxOpenTime(ctx, itv)
	if err != nil {
		return fmt.Errorf("coverage %s %s: %w", symbol, itv, err)
	}
	if !ok {
		return f.pageForward(ctx, symbol, itv, targetStart, nowMs)
	}
	if err := f.pageBackward(ctx, symbol, itv, last, targetStart); err != nil {
		return err
	}
	return f.pageForward(ctx, symbol, itv, last+intervalMs, nowMs)
}

// pageForward walks [start, until] in 1500-bar pages keyed by startTime.
func (f *Fetcher) pageForward(ctx context.Context, symbol string, itv domain.Interval, start, until int64) error {
	intervalMs := itv.DurationMs()
	cur := start
	for cur <= until {
		rows, err := f.client.Klines(ctx, symbol, itv.String(), pageSize, &cur, nil)
		if err != nil {
			return fmt.Errorf("page forward %s %s: %w", symbol, itv, err)
		}
		if len(rows) == 0 {
			return nil
		}
		bars, err := rowsToBars(rows, symbol, itv)
		if err != nil {
			return fmt.Errorf("page forward %s %s: %w", symbol, itv, err)
		}
		if err := f.upsert(ctx, bars); err != nil {
			return err
		}
		lastOpen := bars[len(bars)-1].OpenTime
		if len(rows) < pageSize && lastOpen+intervalMs > until {
			return nil
		}
		cur = lastOpen + intervalMs
	}
	return nil
}

// pageBackward walks down from end in 1500-bar pages keyed by endTime until
// a page reaches at or below until.
func (f *Fetcher) pageBackward(ctx context.Context, symbol string, itv domain.Interval, end, until int64) error {
	for end > until {
		rows, err := f.client.Klines(ctx, symbol, itv.String(), pageSize, nil, &end)
		if err != nil {
			return fmt.Errorf("page backward %s %s: %w", symbol, itv, err)
		}
		if len(rows) == 0 {
			return nil
		}
		bars, err := rowsToBars(rows, symbol, itv)
		if err != nil {
			return fmt.Errorf("page backward %s %s: %w", symbol, itv, err)
		}
		if err := f.upsert(ctx, bars); err != nil {
			return err
		}
		firstOpen := bars[0].OpenTime
		if firstOpen <= until {
			return nil
		}
		end = firstOpen - 1
	}
	return nil
}

func (f *Fetcher) upsert(ctx context.Context, bars []domain.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	if err := f.store.Upsert(ctx, bars); err != nil {
		return err
	}
	if f.metrics != nil {
		f.metrics.BarsUpserted.WithLabelValues(bars[0].Interval.String()).Add(float64(len(bars)))
	}
	return nil
}

// rowsToBars converts upstream positional rows into bars. Index layout:
// 0 openTime, 1 open, 2 high, 3 low, 4 close, 5 volume, 6 closeTime,
// 7 quoteVolume, 8 trades, 9 takerBuyBase, 10 takerBuyQuote.
func rowsToBars(rows []upstream.Row, symbol string, itv domain.Interval) ([]domain.Bar, error) {
	out := make([]domain.Bar, 0, len(rows))
	for _, r := range rows {
		if len(r) < 11 {
			return nil, fmt.Errorf("short kline row: %d fields", len(r))
		}
		openTime, err := rowInt(r[0])
		if err != nil {
			return nil, fmt.Errorf("kline openTime: %w", err)
		}
		closeTime, err := rowInt(r[6])
		if err != nil {
			return nil, fmt.Errorf("kline closeTime: %w", err)
		}
		trades, err := rowInt(r[8])
		if err != nil {
			return nil, fmt.Errorf("kline trades: %w", err)
		}
		floats := make([]float64, 0, 7)
		for _, idx := range []int{1, 2, 3, 4, 5, 7, 9} {
			v, err := rowFloat(r[idx])
			if err != nil {
				return nil, fmt.Errorf("kline field %d: %w", idx, err)
			}
			floats = append(floats, v)
		}
		takerQuote, err := rowFloat(r[10])
		if err != nil {
			return nil, fmt.Errorf("kline field 10: %w", err)
		}
		out = append(out, domain.Bar{
			Symbol:        symbol,
			Interval:      itv,
			OpenTime:      openTime,
			Open:          floats[0],
			High:          floats[1],
			Low:           floats[2],
			Close:         floats[3],
			Volume:        floats[4],
			CloseTime:     closeTime,
			QuoteVolume:   floats[5],
			Trades:        trades,
			TakerBuyBase:  floats[6],
			TakerBuyQuote: takerQuote,
			IsFinal:       true,
		})
	}
	return out, nil
}

func rowInt(v any) (int64, error) {
	switch x := v.(type) {
	case float64:
		return int64(x), nil
	case string:
		return strconv.ParseInt(x, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}

func rowFloat(v any) (float64, error) {
	switch x := v.(type) {
	case string:
		return strconv.ParseFloat(x, 64)
	case float64:
		return x, nil
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}

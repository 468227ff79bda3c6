// Package lifecycle wires the components together and owns the background
// loops: incremental fetch every 55s, aggregation every 60s, each wrapped by
// a supervisor that restarts it after escalation.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfeed/klined/internal/agg"
	"github.com/quantfeed/klined/internal/fetch"
	"github.com/quantfeed/klined/internal/metrics"
	"github.com/quantfeed/klined/internal/symbols"
)

const (
	fetchPeriod     = 55 * time.Second
	aggregatePeriod = 60 * time.Second
	maxLoopRetries  = 6
	maxLoopBackoff  = 60 * time.Second
	restartDelay    = 5 * time.Second
	aggConcurrency  = 5
)

// errEscalate signals the supervisor that a loop exhausted its retries.
var errEscalate = errors.New("loop retries exhausted")

// Loops runs the periodic fetch and aggregate cycles for the symbols held by
// the registry.
type Loops struct {
	fetcher    *fetch.Fetcher
	aggregator *agg.Aggregator
	registry   *symbols.Registry
	metrics    *metrics.Registry

	// sleep is swapped in tests to avoid real waiting.
	sleep func(ctx context.Context, d time.Duration) error

	wg sync.WaitGroup
}

func NewLoops(f *fetch.Fetcher, a *agg.Aggregator, reg *symbols.Registry, m *metrics.Registry) *Loops {
	return &Loops{
		fetcher:    f,
		aggregator: a,
		registry:   reg,
		metrics:    m,
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Prime performs the startup passes to completion: initial fetch for every
// symbol, then a first aggregation sweep.
func (l *Loops) Prime(ctx context.Context) error {
	if l.fetcher != nil {
		log.Info().Str("component", "lifecycle").Msg("initial fetch starting")
		if err := l.fetcher.InitialFetchAll(ctx, l.registry.All()); err != nil {
			return fmt.Errorf("initial fetch: %w", err)
		}
	}
	if l.aggregator != nil {
		log.Info().Str("component", "lifecycle").Msg("initial aggregation starting")
		if err := l.aggregator.AggregateSymbols(ctx, l.registry.All(), aggConcurrency); err != nil {
			return fmt.Errorf("initial aggregation: %w", err)
		}
	}
	return nil
}

// Start launches the supervised loops. They stop when ctx is cancelled;
// Wait blocks until both have exited.
func (l *Loops) Start(ctx context.Context) {
	if l.fetcher != nil {
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.supervise(ctx, "fetch", fetchPeriod, func(ctx context.Context) error {
				return l.fetcher.IncrementalFetchAll(ctx, l.registry.All())
			})
		}()
	}
	if l.aggregator != nil {
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.supervise(ctx, "aggregate", aggregatePeriod, func(ctx context.Context) error {
				return l.aggregator.AggregateSymbols(ctx, l.registry.All(), aggConcurrency)
			})
		}()
	}
}

// Wait blocks until all loops have stopped.
func (l *Loops) Wait() { l.wg.Wait() }

// supervise restarts the loop after escalation until the context ends.
func (l *Loops) supervise(ctx context.Context, name string, period time.Duration, work func(context.Context) error) {
	for {
		err := l.runLoop(ctx, name, period, work)
		if err == nil || ctx.Err() != nil {
			log.Info().Str("component", "lifecycle").Str("loop", name).Msg("loop stopped")
			return
		}
		log.Error().Str("component", "lifecycle").Str("loop", name).Err(err).
			Dur("restart_in", restartDelay).Msg("loop crashed, restarting")
		if l.sleep(ctx, restartDelay) != nil {
			return
		}
	}
}

// runLoop runs work every period. Failures back off exponentially up to
// maxLoopBackoff; after maxLoopRetries consecutive failures the loop
// escalates to the supervisor.
func (l *Loops) runLoop(ctx context.Context, name string, period time.Duration, work func(context.Context) error) error {
	retry := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		err := work(ctx)
		if err == nil {
			retry = 0
			if l.sleep(ctx, period) != nil {
				return nil
			}
			continue
		}
		if errors.Is(err, context.Canceled) {
			return nil
		}
		retry++
		if l.metrics != nil {
			l.metrics.LoopFailures.WithLabelValues(name).Inc()
		}
		if retry >= maxLoopRetries {
			return fmt.Errorf("%s: %w after %d failures: %v", name, errEscalate, retry, err)
		}
		backoff := time.Duration(1<<uint(retry)) * time.Second
		if backoff > maxLoopBackoff {
			backoff = maxLoopBackoff
		}
		log.Warn().Str("component", "lifecycle").Str("loop", name).Int("retry", retry).
			Dur("backoff", backoff).Err(err).Msg("loop iteration failed")
		if l.sleep(ctx, backoff) != nil {
			return nil
		}
	}
}

// Package symbols maintains the tradable symbol universe: a concurrency-safe
// registry plus a background loop that refreshes it from the exchange's
// exchangeInfo endpoint.
package symbols

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfeed/klined/internal/upstream"
)

// Registry is a mutable string set of active symbols.
type Registry struct {
	mu  sync.RWMutex
	set map[string]struct{}
}

func NewRegistry(initial []string) *Registry {
	r := &Registry{set: make(map[string]struct{}, len(initial))}
	for _, s := range initial {
		r.set[s] = struct{}{}
	}
	return r
}

// All returns the current symbols, sorted.
func (r *Registry) All() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.set))
	for s := range r.set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Replace swaps the whole set and reports what changed.
func (r *Registry) Replace(symbols []string) (added, removed []string) {
	next := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		next[s] = struct{}{}
	}
	r.mu.Lock()
	for s := range next {
		if _, ok := r.set[s]; !ok {
			added = append(added, s)
		}
	}
	for s := range r.set {
		if _, ok := next[s]; !ok {
			removed = append(removed, s)
		}
	}
	r.set = next
	r.mu.Unlock()
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}

// FilterPerp keeps symbols that are live perpetual contracts quoted in one of
// quoteAssets and not past delivery.
func FilterPerp(infos []upstream.SymbolInfo, quoteAssets []string, nowMs int64) []string {
	quotes := make(map[string]struct{}, len(quoteAssets))
	for _, q := range quoteAssets {
		quotes[q] = struct{}{}
	}
	seen := make(map[string]struct{})
	var out []string
	for _, s := range infos {
		if s.ContractType != "PERPETUAL" || s.Status != "TRADING" || s.Symbol == "" {
			continue
		}
		if _, ok := quotes[s.QuoteAsset]; !ok {
			continue
		}
		if s.DeliveryDate != 0 && s.DeliveryDate <= nowMs {
			continue
		}
		if _, dup := seen[s.Symbol]; dup {
			continue
		}
		seen[s.Symbol] = struct{}{}
		out = append(out, s.Symbol)
	}
	sort.Strings(out)
	return out
}

// Refresh pulls exchangeInfo once and replaces the registry contents.
func Refresh(ctx context.Context, reg *Registry, client *upstream.Client, quoteAssets []string) (added, removed []string, err error) {
	infos, err := client.ExchangeInfo(ctx)
	if err != nil {
		return nil, nil, err
	}
	added, removed = reg.Replace(FilterPerp(infos, quoteAssets, time.Now().UnixMilli()))
	return added, removed, nil
}

// RunSync refreshes the registry every interval (floored at 30s) until the
// context is cancelled. Failures are logged and retried on the next tick.
func RunSync(ctx context.Context, reg *Registry, client *upstream.Client, quoteAssets []string, interval time.Duration) {
	if interval < 30*time.Second {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		added, removed, err := Refresh(ctx, reg, client, quoteAssets)
		if err != nil {
			log.Error().Str("component", "symbols").Err(err).Msg("symbol sync failed")
		} else if len(added) > 0 || len(removed) > 0 {
			log.Info().Str("component", "symbols").
				Int("added", len(added)).Int("removed", len(removed)).
				Strs("added_symbols", clip(added, 20)).
				Strs("removed_symbols", clip(removed, 20)).
				Msg("symbol universe changed")
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func clip(s []string, n int) []string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// Package store defines the durable bar store contract shared by the SQLite
// and Postgres backends. One table per interval, identical columns, primary
// key (symbol, open_time), replace-on-conflict.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/quantfeed/klined/internal/domain"
)

// ErrMixedIntervals is returned by Upsert when a batch spans more than one
// interval; each call targets exactly one table.
var ErrMixedIntervals = errors.New("store: upsert batch mixes intervals")

// Query describes a bar range scan. Start/End are inclusive millisecond
// bounds; nil means unbounded on that side. The most recent Limit bars inside
// the range are returned in ascending open_time order.
type Query struct {
	Symbol    string
	Interval  domain.Interval
	Start     *int64
	End       *int64
	Limit     int
	OnlyFinal bool
}

// Store is the durable mapping (symbol, interval, open_time) -> Bar.
// Connect is idempotent; engine failures surface unwrapped apart from
// contextual fmt wrapping; retry policy belongs to the caller.
type Store interface {
	Connect(ctx context.Context) error
	Close() error
	EnsureSchema(ctx context.Context) error
	Upsert(ctx context.Context, bars []domain.Bar) error
	Query(ctx context.Context, q Query) ([]domain.Bar, error)
	// MaxOpenTime / MinOpenTime scan the whole interval table across all
	// symbols. ok is false when the table is empty.
	MaxOpenTime(ctx context.Context, itv domain.Interval) (ts int64, ok bool, err error)
	MinOpenTime(ctx context.Context, itv domain.Interval) (ts int64, ok bool, err error)
}

var tables = map[domain.Interval]string{
	domain.Interval1m:  "kline_1m",
	domain.Interval3m:  "kline_3m",
	domain.Interval5m:  "kline_5m",
	domain.Interval15m: "kline_15m",
	domain.Interval1h:  "kline_1h",
	domain.Interval4h:  "kline_4h",
	domain.Interval1d:  "kline_1d",
}

// TableFor maps an interval onto its table name.
func TableFor(itv domain.Interval) string {
	tbl, ok := tables[itv]
	if !ok {
		panic(fmt.Sprintf("store: no table for interval %q", itv))
	}
	return tbl
}

// Columns is the shared column list, in insert order.
const Columns = "symbol, open_time, open, high, low, close, volume, close_time, " +
	"quote_volume, trades, taker_buy_base, taker_buy_quote, is_final"

// ExpandDDL renders the per-interval CREATE TABLE statements from a single
// column-body template. The body is written once; every table reuses it.
func ExpandDDL(body string) []string {
	out := make([]string, 0, len(tables))
	for _, itv := range domain.Intervals() {
		var sb strings.Builder
		sb.WriteString("CREATE TABLE IF NOT EXISTS ")
		sb.WriteString(TableFor(itv))
		sb.WriteString(" (\n")
		sb.WriteString(body)
		sb.WriteString("\n)")
		out = append(out, sb.String())
	}
	return out
}

// BatchInterval validates that all bars share one interval and returns it.
func BatchInterval(bars []domain.Bar) (domain.Interval, error) {
	itv := bars[0].Interval
	for _, b := range bars[1:] {
		if b.Interval != itv {
			return "", ErrMixedIntervals
		}
	}
	return itv, nil
}

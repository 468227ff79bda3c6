package domain

import "fmt"

// Bar is one finalized candlestick. Bars are immutable once written; a
// replayed upsert for the same (symbol, open_time) replaces the earlier row.
type Bar struct {
	Symbol        string   `db:"symbol" json:"symbol"`
	Interval      Interval `db:"-" json:"interval"`
	OpenTime      int64    `db:"open_time" json:"openTime"`
	Open          float64  `db:"open" json:"open"`
	High          float64  `db:"high" json:"high"`
	Low           float64  `db:"low" json:"low"`
	Close         float64  `db:"close" json:"close"`
	Volume        float64  `db:"volume" json:"volume"`
	CloseTime     int64    `db:"close_time" json:"closeTime"`
	QuoteVolume   float64  `db:"quote_volume" json:"quoteVolume"`
	Trades        int64    `db:"trades" json:"trades"`
	TakerBuyBase  float64  `db:"taker_buy_base" json:"takerBuyBase"`
	TakerBuyQuote float64  `db:"taker_buy_quote" json:"takerBuyQuote"`
	IsFinal       bool     `db:"is_final" json:"isFinal"`
}

// Validate checks the structural invariants every stored bar must satisfy:
// grid alignment, close_time derivation and OHLC ordering.
func (b Bar) Validate() error {
	if !b.Interval.Valid() {
		return fmt.Errorf("bar %s: unknown interval %q", b.Symbol, string(b.Interval))
	}
	ms := b.Interval.DurationMs()
	if b.OpenTime%ms != 0 {
		return fmt.Errorf("bar %s %s: open_time %d not aligned to %dms", b.Symbol, b.Interval, b.OpenTime, ms)
	}
	if b.CloseTime != b.OpenTime+ms-1 {
		return fmt.Errorf("bar %s %s: close_time %d != open_time+%d-1", b.Symbol, b.Interval, b.CloseTime, ms)
	}
	if b.Low > b.Open || b.Low > b.Close || b.Low > b.High {
		return fmt.Errorf("bar %s %s @%d: low %v above open/close/high", b.Symbol, b.Interval, b.OpenTime, b.Low)
	}
	if b.High < b.Open || b.High < b.Close {
		return fmt.Errorf("bar %s %s @%d: high %v below open/close", b.Symbol, b.Interval, b.OpenTime, b.High)
	}
	return nil
}

// AggregateBucket folds source bars (ascending open_time, all inside the
// bucket starting at bucketStart) into one bar of the target interval.
// The caller guarantees len(src) > 0.
func AggregateBucket(symbol string, target Interval, bucketStart int64, src []Bar) Bar {
	out := Bar{
		Symbol:    symbol,
		Interval:  target,
		OpenTime:  bucketStart,
		CloseTime: bucketStart + target.DurationMs() - 1,
		Open:      src[0].Open,
		High:      src[0].High,
		Low:       src[0].Low,
		Close:     src[len(src)-1].Close,
		IsFinal:   true,
	}
	for _, b := range src {
		if b.High > out.High {
			out.High = b.High
		}
		if b.Low < out.Low {
			out.Low = b.Low
		}
		out.Volume += b.Volume
		out.QuoteVolume += b.QuoteVolume
		out.Trades += b.Trades
		out.TakerBuyBase += b.TakerBuyBase
		out.TakerBuyQuote += b.TakerBuyQuote
	}
	return out
}

// Package sqlite implements the bar store on an embedded SQLite file in WAL
// mode. It is the default backend for single-node deployments.
package sqlite

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/rs/zerolog/log"

	"github.com/quantfeed/klined/internal/domain"
	"github.com/quantfeed/klined/internal/store"
)

const ddlBody = `  symbol TEXT NOT NULL,
  open_time INTEGER NOT NULL,
  open REAL NOT NULL,
  high REAL NOT NULL,
  low REAL NOT NULL,
  close REAL NOT NULL,
  volume REAL NOT NULL,
  close_time INTEGER NOT NULL,
  quote_volume REAL NOT NULL DEFAULT 0,
  trades INTEGER NOT NULL DEFAULT 0,
  taker_buy_base REAL NOT NULL DEFAULT 0,
  taker_buy_quote REAL NOT NULL DEFAULT 0,
  is_final INTEGER NOT NULL DEFAULT 1,
  PRIMARY KEY(symbol, open_time)`

// Store is a pooled SQLite-backed bar store.
type Store struct {
	path     string
	poolSize int

	mu sync.Mutex
	db *sqlx.DB
}

// New builds a store from a sqlite:///path/to/file.db URL. The file and its
// parent directory are created on Connect.
func New(dbURL string, poolSize int) *Store {
	path := strings.TrimPrefix(dbURL, "sqlite:///")
	path = strings.TrimPrefix(path, "sqlite://")
	if poolSize <= 0 {
		poolSize = 5
	}
	return &Store{path: path, poolSize: poolSize}
}

// Connect opens the connection pool. Safe to call repeatedly.
func (s *Store) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create db dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_journal_mode=WAL&_busy_timeout=5000", s.path)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(s.poolSize)
	db.SetMaxIdleConns(s.poolSize)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("ping sqlite: %w", err)
	}
	s.db = db
	log.Debug().Str("component", "store").Str("path", s.path).Int("pool", s.poolSize).Msg("sqlite connected")
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// EnsureSchema creates the seven kline tables if missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if err := s.Connect(ctx); err != nil {
		return err
	}
	for _, stmt := range store.ExpandDDL(ddlBody) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Upsert writes the batch in one transaction, replacing any existing rows
// with the same (symbol, open_time).
func (s *Store) Upsert(ctx context.Context, bars []domain.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	itv, err := store.BatchInterval(bars)
	if err != nil {
		return err
	}
	if err := s.Connect(ctx); err != nil {
		return err
	}

	q := fmt.Sprintf(`INSERT INTO %s (%s)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol, open_time) DO UPDATE SET
		  open=excluded.open, high=excluded.high, low=excluded.low, close=excluded.close,
		  volume=excluded.volume, close_time=excluded.close_time, quote_volume=excluded.quote_volume,
		  trades=excluded.trades, taker_buy_base=excluded.taker_buy_base,
		  taker_buy_quote=excluded.taker_buy_quote, is_final=excluded.is_final`,
		store.TableFor(itv), store.Columns)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, b := range bars {
		isFinal := 0
		if b.IsFinal {
			isFinal = 1
		}
		if _, err := stmt.ExecContext(ctx,
			b.Symbol, b.OpenTime, b.Open, b.High, b.Low, b.Close, b.Volume,
			b.CloseTime, b.QuoteVolume, b.Trades, b.TakerBuyBase, b.TakerBuyQuote, isFinal); err != nil {
			return fmt.Errorf("upsert %s %s @%d: %w", b.Symbol, itv, b.OpenTime, err)
		}
	}
	return tx.Commit()
}

// barRow mirrors a table row; is_final is stored as 0/1 on this backend.
type barRow struct {
	Symbol        string  `db:"symbol"`
	OpenTime      int64   `db:"open_time"`
	Open          float64 `db:"open"`
	High          float64 `db:"high"`
	Low           float64 `db:"low"`
	Close         float64 `db:"close"`
	Volume        float64 `db:"volume"`
	CloseTime     int64   `db:"close_time"`
	QuoteVolume   float64 `db:"quote_volume"`
	Trades        int64   `db:"trades"`
	TakerBuyBase  float64 `db:"taker_buy_base"`
	TakerBuyQuote float64 `db:"taker_buy_quote"`
	IsFinal       int64   `db:"is_final"`
}

// Query returns the most recent q.Limit bars inside [q.Start, q.End],
// ascending by open_time.
func (s *Store) Query(ctx context.Context, q store.Query) ([]domain.Bar, error) {
	if err := s.Connect(ctx); err != nil {
		return nil, err
	}
	where := []string{"symbol = ?"}
	args := []any{q.Symbol}
	if q.Start != nil {
		where = append(where, "open_time >= ?")
		args = append(args, *q.Start)
	}
	if q.End != nil {
		where = append(where, "open_time <= ?")
		args = append(args, *q.End)
	}
	if q.OnlyFinal {
		where = append(where, "is_final = 1")
	}
	sql := fmt.Sprintf(`SELECT %s FROM %s WHERE %s ORDER BY open_time DESC LIMIT ?`,
		store.Columns, store.TableFor(q.Interval), strings.Join(where, " AND "))
	args = append(args, q.Limit)

	var rows []barRow
	if err := s.db.SelectContext(ctx, &rows, sql, args...); err != nil {
		return nil, fmt.Errorf("query %s %s: %w", q.Symbol, q.Interval, err)
	}

	out := make([]domain.Bar, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		r := rows[i]
		out = append(out, domain.Bar{
			Symbol: r.Symbol, Interval: q.Interval, OpenTime: r.OpenTime,
			Open: r.Open, High: r.High, Low: r.Low, Close: r.Close,
			Volume: r.Volume, CloseTime: r.CloseTime, QuoteVolume: r.QuoteVolume,
			Trades: r.Trades, TakerBuyBase: r.TakerBuyBase, TakerBuyQuote: r.TakerBuyQuote,
			IsFinal: r.IsFinal != 0,
		})
	}
	return out, nil
}

func (s *Store) MaxOpenTime(ctx context.Context, itv domain.Interval) (int64, bool, error) {
	return s.boundary(ctx, "MAX", itv)
}

func (s *Store) MinOpenTime(ctx context.Context, itv domain.Interval) (int64, bool, error) {
	return s.boundary(ctx, "MIN", itv)
}

func (s *Store) boundary(ctx context.Context, fn string, itv domain.Interval) (int64, bool, error) {
	if err := s.Connect(ctx); err != nil {
		return 0, false, err
	}
	var ts *int64
	q := fmt.Sprintf("SELECT %s(open_time) FROM %s", fn, store.TableFor(itv))
	if err := s.db.GetContext(ctx, &ts, q); err != nil {
		return 0, false, fmt.Errorf("%s open_time %s: %w", strings.ToLower(fn), itv, err)
	}
	if ts == nil {
		return 0, false, nil
	}
	return *ts, true, nil
}

// Package postgres implements the bar store on a networked PostgreSQL
// instance. Semantics are identical to the sqlite backend; is_final is a
// native boolean here.
package postgres

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/rs/zerolog/log"

	"github.com/quantfeed/klined/internal/domain"
	"github.com/quantfeed/klined/internal/store"
)

const ddlBody = `  symbol TEXT NOT NULL,
  open_time BIGINT NOT NULL,
  open DOUBLE PRECISION NOT NULL,
  high DOUBLE PRECISION NOT NULL,
  low DOUBLE PRECISION NOT NULL,
  close DOUBLE PRECISION NOT NULL,
  volume DOUBLE PRECISION NOT NULL,
  close_time BIGINT NOT NULL,
  quote_volume DOUBLE PRECISION NOT NULL DEFAULT 0,
  trades BIGINT NOT NULL DEFAULT 0,
  taker_buy_base DOUBLE PRECISION NOT NULL DEFAULT 0,
  taker_buy_quote DOUBLE PRECISION NOT NULL DEFAULT 0,
  is_final BOOLEAN NOT NULL DEFAULT TRUE,
  PRIMARY KEY(symbol, open_time)`

// Store is a pooled Postgres-backed bar store.
type Store struct {
	dsn      string
	poolSize int

	mu sync.Mutex
	db *sqlx.DB
}

// New builds a store from a postgres:// DSN.
func New(dsn string, poolSize int) *Store {
	if poolSize <= 0 {
		poolSize = 5
	}
	return &Store{dsn: dsn, poolSize: poolSize}
}

// WithDB wires an existing connection, used by tests with sqlmock.
func WithDB(db *sqlx.DB) *Store {
	return &Store{db: db, poolSize: 1}
}

// Connect opens the connection pool. Safe to call repeatedly.
func (s *Store) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}
	db, err := sqlx.Open("postgres", s.dsn)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(s.poolSize)
	db.SetMaxIdleConns(s.poolSize / 2)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("ping postgres: %w", err)
	}
	s.db = db
	log.Debug().Str("component", "store").Int("pool", s.poolSize).Msg("postgres connected")
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
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (symbol, open_time) DO UPDATE SET
		  open=EXCLUDED.open, high=EXCLUDED.high, low=EXCLUDED.low, close=EXCLUDED.close,
		  volume=EXCLUDED.volume, close_time=EXCLUDED.close_time,
		  quote_volume=EXCLUDED.quote_volume, trades=EXCLUDED.trades,
		  taker_buy_base=EXCLUDED.taker_buy_base, taker_buy_quote=EXCLUDED.taker_buy_quote,
		  is_final=EXCLUDED.is_final`,
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
		if _, err := stmt.ExecContext(ctx,
			b.Symbol, b.OpenTime, b.Open, b.High, b.Low, b.Close, b.Volume,
			b.CloseTime, b.QuoteVolume, b.Trades, b.TakerBuyBase, b.TakerBuyQuote, b.IsFinal); err != nil {
			return fmt.Errorf("upsert %s %s @%d: %w", b.Symbol, itv, b.OpenTime, err)
		}
	}
	return tx.Commit()
}

// Query returns the most recent q.Limit bars inside [q.Start, q.End],
// ascending by open_time.
func (s *Store) Query(ctx context.Context, q store.Query) ([]domain.Bar, error) {
	if err := s.Connect(ctx); err != nil {
		return nil, err
	}
	where := []string{"symbol = $1"}
	args := []any{q.Symbol}
	idx := 2
	if q.Start != nil {
		where = append(where, fmt.Sprintf("open_time >= $%d", idx))
		args = append(args, *q.Start)
		idx++
	}
	if q.End != nil {
		where = append(where, fmt.Sprintf("open_time <= $%d", idx))
		args = append(args, *q.End)
		idx++
	}
	if q.OnlyFinal {
		where = append(where, "is_final = TRUE")
	}
	sql := fmt.Sprintf(`SELECT %s FROM %s WHERE %s ORDER BY open_time DESC LIMIT $%d`,
		store.Columns, store.TableFor(q.Interval), strings.Join(where, " AND "), idx)
	args = append(args, q.Limit)

	var rows []domain.Bar
	if err := s.db.SelectContext(ctx, &rows, sql, args...); err != nil {
		return nil, fmt.Errorf("query %s %s: %w", q.Symbol, q.Interval, err)
	}

	// Reverse into ascending open_time, filling the interval the table implies.
	out := make([]domain.Bar, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		b := rows[i]
		b.Interval = q.Interval
		out = append(out, b)
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

package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/sawpanic/copyrelay/internal/persistence"
)

// Schema creates the closed trade archive. (ticket, close_time) identifies a
// close so a re-delivered signal is recorded once.
const Schema = `
CREATE TABLE IF NOT EXISTS closed_trades (
	id          BIGSERIAL PRIMARY KEY,
	ticket      BIGINT           NOT NULL,
	symbol      TEXT             NOT NULL DEFAULT '',
	type        TEXT             NOT NULL DEFAULT '',
	lots        DOUBLE PRECISION NOT NULL DEFAULT 0,
	open_price  DOUBLE PRECISION NOT NULL,
	close_price DOUBLE PRECISION NOT NULL,
	open_time   TEXT             NOT NULL,
	close_time  TEXT             NOT NULL,
	profit      DOUBLE PRECISION NOT NULL,
	swap        DOUBLE PRECISION NOT NULL DEFAULT 0,
	commission  DOUBLE PRECISION NOT NULL DEFAULT 0,
	comment     TEXT             NOT NULL DEFAULT '',
	recorded_at TIMESTAMPTZ      NOT NULL,
	UNIQUE (ticket, close_time)
);
CREATE INDEX IF NOT EXISTS closed_trades_symbol_recorded_idx ON closed_trades (symbol, recorded_at DESC);`

const selectColumns = `id, ticket, symbol, type, lots, open_price, close_price, open_time, close_time,
		profit, swap, commission, comment, recorded_at`

// uniqueViolation is the Postgres SQLSTATE for a duplicate key.
const uniqueViolation = "23505"

type closedTradesRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewClosedTradesRepo returns the Postgres closed trade archive.
func NewClosedTradesRepo(db *sqlx.DB, timeout time.Duration) persistence.ClosedTradeArchive {
	return &closedTradesRepo{db: db, timeout: timeout}
}

// EnsureSchema applies Schema.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create closed_trades schema: %w", err)
	}
	return nil
}

func (r *closedTradesRepo) Insert(ctx context.Context, trade persistence.ClosedTrade) error {
	if err := trade.Validate(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO closed_trades (ticket, symbol, type, lots, open_price, close_price, open_time, close_time,
			profit, swap, commission, comment, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := r.db.ExecContext(ctx, query,
		trade.Ticket, trade.Symbol, trade.Type, trade.Lots, trade.OpenPrice, trade.ClosePrice,
		trade.OpenTime, trade.CloseTime, trade.Profit, trade.Swap, trade.Commission, trade.Comment,
		trade.RecordedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return nil
		}
		return fmt.Errorf("failed to insert closed trade %d: %w", trade.Ticket, err)
	}
	return nil
}

func (r *closedTradesRepo) Latest(ctx context.Context, limit int) ([]persistence.ClosedTrade, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + selectColumns + `
		FROM closed_trades
		ORDER BY recorded_at DESC
		LIMIT $1`

	trades := []persistence.ClosedTrade{}
	if err := r.db.SelectContext(ctx, &trades, query, limit); err != nil {
		return nil, fmt.Errorf("failed to query latest closed trades: %w", err)
	}
	return trades, nil
}

func (r *closedTradesRepo) ListBySymbol(ctx context.Context, symbol string, tr persistence.TimeRange, limit int) ([]persistence.ClosedTrade, error) {
	if err := tr.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	from, to := bounds(tr)
	query := `
		SELECT ` + selectColumns + `
		FROM closed_trades
		WHERE symbol = $1 AND recorded_at >= $2 AND recorded_at <= $3
		ORDER BY recorded_at DESC
		LIMIT $4`

	trades := []persistence.ClosedTrade{}
	if err := r.db.SelectContext(ctx, &trades, query, symbol, from, to, limit); err != nil {
		return nil, fmt.Errorf("failed to query closed trades by symbol: %w", err)
	}
	return trades, nil
}

func (r *closedTradesRepo) Count(ctx context.Context, tr persistence.TimeRange) (int64, error) {
	if err := tr.Validate(); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	from, to := bounds(tr)
	query := `
		SELECT COUNT(*)
		FROM closed_trades
		WHERE recorded_at >= $1 AND recorded_at <= $2`

	var count int64
	if err := r.db.QueryRowxContext(ctx, query, from, to).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count closed trades: %w", err)
	}
	return count, nil
}

// bounds opens a zero side of tr.
func bounds(tr persistence.TimeRange) (time.Time, time.Time) {
	from, to := tr.From, tr.To
	if from.IsZero() {
		from = time.Unix(0, 0).UTC()
	}
	if to.IsZero() {
		to = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)
	}
	return from, to
}

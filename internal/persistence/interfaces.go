package persistence

import (
	"context"
	"fmt"
	"time"
)

// TimeRange is a closed time window for history queries.
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Validate rejects windows that end before they start.
func (tr TimeRange) Validate() error {
	if !tr.From.IsZero() && !tr.To.IsZero() && tr.To.Before(tr.From) {
		return fmt.Errorf("time range ends before it starts: %s < %s", tr.To.Format(time.RFC3339), tr.From.Format(time.RFC3339))
	}
	return nil
}

// ClosedTrade is the archived record of a trade_closed signal.
type ClosedTrade struct {
	ID         int64     `json:"id" db:"id"`
	Ticket     int64     `json:"ticket" db:"ticket"`
	Symbol     string    `json:"symbol" db:"symbol"`
	Type       string    `json:"type" db:"type"`
	Lots       float64   `json:"lots" db:"lots"`
	OpenPrice  float64   `json:"openPrice" db:"open_price"`
	ClosePrice float64   `json:"closePrice" db:"close_price"`
	OpenTime   string    `json:"openTime" db:"open_time"`
	CloseTime  string    `json:"closeTime" db:"close_time"`
	Profit     float64   `json:"profit" db:"profit"`
	Swap       float64   `json:"swap" db:"swap"`
	Commission float64   `json:"commission" db:"commission"`
	Comment    string    `json:"comment" db:"comment"`
	RecordedAt time.Time `json:"recordedAt" db:"recorded_at"`
}

// Validate checks the fields the archive keys on.
func (c ClosedTrade) Validate() error {
	if c.Ticket == 0 {
		return fmt.Errorf("closed trade ticket is required")
	}
	if c.CloseTime == "" {
		return fmt.Errorf("closed trade %d: close time is required", c.Ticket)
	}
	if c.RecordedAt.IsZero() {
		return fmt.Errorf("closed trade %d: recorded_at is required", c.Ticket)
	}
	return nil
}

// ClosedTradeArchive keeps the long-term history of closed trades. The relay
// ledger forgets a trade once it closes; the archive does not.
type ClosedTradeArchive interface {
	// Insert records trade. Re-delivery of the same ticket and close time is
	// not an error.
	Insert(ctx context.Context, trade ClosedTrade) error

	// Latest returns the most recently recorded trades, newest first.
	Latest(ctx context.Context, limit int) ([]ClosedTrade, error)

	// ListBySymbol returns the trades of symbol recorded within tr, newest first.
	ListBySymbol(ctx context.Context, symbol string, tr TimeRange, limit int) ([]ClosedTrade, error)

	// Count returns how many trades were recorded within tr.
	Count(ctx context.Context, tr TimeRange) (int64, error)
}

// HealthCheck reports archive connectivity.
type HealthCheck struct {
	Healthy        bool           `json:"healthy"`
	Errors         []string       `json:"errors,omitempty"`
	ConnectionPool map[string]int `json:"connection_pool"`
	LastCheck      time.Time      `json:"last_check"`
	ResponseTimeMS int64          `json:"response_time_ms"`
}

type RepositoryHealth interface {
	Health(ctx context.Context) HealthCheck
	Ping(ctx context.Context) error
}

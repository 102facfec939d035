package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/copyrelay/internal/persistence"
)

func newMockRepo(t *testing.T) (persistence.ClosedTradeArchive, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewClosedTradesRepo(sqlx.NewDb(db, "postgres"), time.Second), mock
}

func sampleTrade() persistence.ClosedTrade {
	return persistence.ClosedTrade{
		Ticket:     1001,
		Symbol:     "EURUSD",
		Type:       "BUY",
		Lots:       0.1,
		OpenPrice:  1.1052,
		ClosePrice: 1.1177,
		OpenTime:   "2025.09.07 10:00:00",
		CloseTime:  "2025.09.07 11:00:00",
		Profit:     12.5,
		Swap:       -0.3,
		Commission: -0.7,
		RecordedAt: time.Date(2025, 9, 7, 11, 0, 1, 0, time.UTC),
	}
}

var tradeColumns = []string{
	"id", "ticket", "symbol", "type", "lots", "open_price", "close_price", "open_time", "close_time",
	"profit", "swap", "commission", "comment", "recorded_at",
}

func TestInsert(t *testing.T) {
	repo, mock := newMockRepo(t)
	tr := sampleTrade()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO closed_trades")).
		WithArgs(tr.Ticket, tr.Symbol, tr.Type, tr.Lots, tr.OpenPrice, tr.ClosePrice, tr.OpenTime, tr.CloseTime,
			tr.Profit, tr.Swap, tr.Commission, tr.Comment, tr.RecordedAt).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, repo.Insert(context.Background(), tr))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsert_DuplicateIsIgnored(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO closed_trades")).
		WillReturnError(&pq.Error{Code: uniqueViolation, Message: "duplicate key value violates unique constraint"})

	assert.NoError(t, repo.Insert(context.Background(), sampleTrade()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsert_Failure(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO closed_trades")).
		WillReturnError(errors.New("connection reset"))

	err := repo.Insert(context.Background(), sampleTrade())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to insert closed trade 1001")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsert_InvalidTradeSkipsDatabase(t *testing.T) {
	repo, mock := newMockRepo(t)

	tr := sampleTrade()
	tr.Ticket = 0
	assert.Error(t, repo.Insert(context.Background(), tr))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLatest(t *testing.T) {
	repo, mock := newMockRepo(t)
	tr := sampleTrade()

	rows := sqlmock.NewRows(tradeColumns).
		AddRow(int64(7), tr.Ticket, tr.Symbol, tr.Type, tr.Lots, tr.OpenPrice, tr.ClosePrice, tr.OpenTime,
			tr.CloseTime, tr.Profit, tr.Swap, tr.Commission, tr.Comment, tr.RecordedAt)
	mock.ExpectQuery(regexp.QuoteMeta("FROM closed_trades ORDER BY recorded_at DESC")).
		WithArgs(5).
		WillReturnRows(rows)

	trades, err := repo.Latest(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, int64(7), trades[0].ID)
	assert.Equal(t, int64(1001), trades[0].Ticket)
	assert.Equal(t, 12.5, trades[0].Profit)
	assert.True(t, tr.RecordedAt.Equal(trades[0].RecordedAt))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListBySymbol_OpenRange(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE symbol = $1")).
		WithArgs("EURUSD", sqlmock.AnyArg(), sqlmock.AnyArg(), 10).
		WillReturnRows(sqlmock.NewRows(tradeColumns))

	trades, err := repo.ListBySymbol(context.Background(), "EURUSD", persistence.TimeRange{}, 10)
	require.NoError(t, err)
	assert.Empty(t, trades)
	assert.NotNil(t, trades)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCount(t *testing.T) {
	repo, mock := newMockRepo(t)
	from := time.Date(2025, 9, 7, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM closed_trades")).
		WithArgs(from, to).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(3)))

	n, err := repo.Count(context.Background(), persistence.TimeRange{From: from, To: to})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCount_InvertedRange(t *testing.T) {
	repo, mock := newMockRepo(t)
	from := time.Date(2025, 9, 7, 0, 0, 0, 0, time.UTC)

	_, err := repo.Count(context.Background(), persistence.TimeRange{From: from, To: from.Add(-time.Hour)})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS closed_trades")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, EnsureSchema(context.Background(), sqlx.NewDb(db, "postgres")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

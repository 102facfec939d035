package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sawpanic/copyrelay/internal/domain"
	"github.com/sawpanic/copyrelay/internal/ledger"
	"github.com/sawpanic/copyrelay/internal/persistence"
)

var errBoom = errors.New("connection refused")

// wall is a settable wall clock behind a MonotonicClock.
type wall struct {
	mu sync.Mutex
	t  time.Time
}

func (w *wall) now() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.t
}

func (w *wall) advance(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.t = w.t.Add(d)
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []Notification
}

func (r *recordingNotifier) Publish(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
}

func (r *recordingNotifier) all() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.sent...)
}

type fakeArchive struct {
	trades []persistence.ClosedTrade
	err    error
}

func (f *fakeArchive) Insert(ctx context.Context, trade persistence.ClosedTrade) error {
	if f.err != nil {
		return f.err
	}
	f.trades = append(f.trades, trade)
	return nil
}

type fixture struct {
	store    *ledger.Memory
	wall     *wall
	clock    *MonotonicClock
	notifier *recordingNotifier
	archive  *fakeArchive
	engine   *Engine
	presence *Presence
	sync     *SyncResponder
	control  *Control
}

func newFixture(t *testing.T, eventCap int) *fixture {
	t.Helper()
	f := &fixture{
		store:    ledger.NewMemory(eventCap),
		wall:     &wall{t: time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)},
		notifier: &recordingNotifier{},
		archive:  &fakeArchive{},
	}
	f.clock = NewMonotonicClockFrom(f.wall.now)
	f.engine = NewEngine(f.store, f.clock, WithNotifier(f.notifier), WithArchive(f.archive))
	f.presence = NewPresence(f.store, f.clock)
	f.sync = NewSyncResponder(f.store, f.presence, f.clock, f.notifier)
	f.control = NewControl(f.store, f.clock, f.notifier)
	return f
}

func (f *fixture) apply(t *testing.T, sig domain.Signal) Status {
	t.Helper()
	res, err := f.engine.ApplySignal(context.Background(), sig)
	require.NoError(t, err)
	return res.Status
}

func pending(ticket int64, symbol string, price float64) domain.PendingSignal {
	return domain.PendingSignal{
		Ticket: ticket,
		Symbol: symbol,
		Type:   "BUY_LIMIT",
		Lots:   0.1,
		Price:  price,
		SL:     price - 0.005,
		TP:     price + 0.01,
		Time:   "2024.03.04 10:00",
	}
}

func ptr[T any](v T) *T { return &v }

var slaveA = domain.SlaveIdentity{IP: "10.0.0.7", UserAgent: "MetaTrader 5 Terminal/5.0.36"}

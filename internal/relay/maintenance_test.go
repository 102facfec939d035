package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/copyrelay/internal/domain"
)

func TestPresence_CleanupStale(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	slaveB := domain.SlaveIdentity{IP: "10.0.0.8", UserAgent: "MetaTrader 4"}

	require.NoError(t, f.presence.Track(ctx, slaveA))
	f.wall.advance(4 * time.Minute)
	require.NoError(t, f.presence.Track(ctx, slaveB))
	f.wall.advance(2 * time.Minute)

	removed, err := f.presence.CleanupStale(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	slaves, err := f.presence.List(ctx)
	require.NoError(t, err)
	require.Len(t, slaves, 1)
	assert.Equal(t, slaveB.ID(), slaves[0].ID)

	n, err := f.presence.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestPresence_TrackRefreshesLastAccess(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	require.NoError(t, f.presence.Track(ctx, slaveA))
	f.wall.advance(4 * time.Minute)
	require.NoError(t, f.presence.Track(ctx, slaveA))
	f.wall.advance(4 * time.Minute)

	removed, err := f.presence.CleanupStale(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestMaintainer_PruneEvents(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	m := NewMaintainer(f.store, f.presence, f.clock, MaintenanceConfig{})

	f.apply(t, domain.TradeClosedSignal{Ticket: 1, OpenPrice: 1, ClosePrice: 1, OpenTime: "a", CloseTime: "b"})
	f.wall.advance(5 * time.Hour)
	f.apply(t, domain.TradeClosedSignal{Ticket: 2, OpenPrice: 1, ClosePrice: 1, OpenTime: "a", CloseTime: "b"})
	f.wall.advance(2 * time.Hour)

	removed, err := m.PruneEvents(ctx, 6*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	events, err := f.store.RecentEvents(ctx, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(2), events[0].Ticket)
}

func TestMaintainer_RunOnce(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	m := NewMaintainer(f.store, f.presence, f.clock, DefaultMaintenanceConfig())

	f.apply(t, pending(1, "EURUSD", 1.1))
	f.apply(t, domain.ModifySignal{Ticket: 1, Price: ptr(1.2)})
	require.NoError(t, f.presence.Track(ctx, slaveA))
	f.wall.advance(7 * time.Hour)
	f.apply(t, domain.ModifySignal{Ticket: 1, Price: ptr(1.3)})

	report, err := m.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.EventsRemoved)
	assert.Equal(t, 1, report.SlavesRemoved)
	assert.Equal(t, 1, report.RemainingEvents)
	assert.False(t, report.Timestamp.IsZero())

	// Maintenance never touches the authoritative sets.
	n, err := f.store.CountPendingOrders(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMaintainer_RunOnceStoreError(t *testing.T) {
	f := newFixture(t, 0)
	f.store.FailOn("FilterEvents", errBoom)
	m := NewMaintainer(f.store, f.presence, f.clock, DefaultMaintenanceConfig())

	_, err := m.RunOnce(context.Background())
	assert.True(t, domain.IsStore(err))
}

func TestMaintainer_RunStopsOnCancel(t *testing.T) {
	f := newFixture(t, 0)
	m := NewMaintainer(f.store, f.presence, f.clock, MaintenanceConfig{
		EventMaxAge:       time.Hour,
		EventInterval:     5 * time.Millisecond,
		PresenceThreshold: time.Minute,
		PresenceInterval:  5 * time.Millisecond,
	})
	require.NoError(t, f.presence.Track(context.Background(), slaveA))
	f.wall.advance(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	assert.Eventually(t, func() bool {
		n, err := f.presence.Count(context.Background())
		return err == nil && n == 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(time.Second):
		t.Fatal("maintenance loop did not stop")
	}
}

func TestDefaultMaintenanceConfig(t *testing.T) {
	cfg := DefaultMaintenanceConfig()
	assert.Equal(t, 6*time.Hour, cfg.EventMaxAge)
	assert.Equal(t, 6*time.Hour, cfg.EventInterval)
	assert.Equal(t, 5*time.Minute, cfg.PresenceThreshold)
	assert.Equal(t, time.Minute, cfg.PresenceInterval)
}

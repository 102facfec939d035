package relay

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/copyrelay/internal/domain"
)

func TestControl_FullReset(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	_, err := f.control.UpdateBrokerTime(ctx, "2024.03.04 10:00:00", ptr(true))
	require.NoError(t, err)
	sig := pending(1, "EURUSD", 1.1)
	sig.Account = map[string]any{"number": "5001"}
	f.apply(t, sig)
	f.apply(t, pending(2, "EURUSD", 1.1))
	f.apply(t, domain.FilledSignal{Ticket: 2, Price: 1.1, Time: "t"})
	f.apply(t, domain.TradeClosedSignal{Ticket: 3, OpenPrice: 1, ClosePrice: 1, OpenTime: "a", CloseTime: "b"})
	require.NoError(t, f.presence.Track(ctx, slaveA))

	info, err := f.control.FullReset(ctx)
	require.NoError(t, err)
	assert.True(t, info.IsReset)
	assert.NotNil(t, info.ResetTimestamp)
	assert.Equal(t, FullResetReason, info.Reason)

	dump, err := NewInspector(f.store, f.presence, f.clock, "t_").Debug(ctx)
	require.NoError(t, err)
	assert.Empty(t, dump.PendingOrders)
	assert.Empty(t, dump.FilledTrades)
	assert.Empty(t, dump.RecentEvents)
	assert.True(t, dump.MasterAccount.IsEmpty())
	assert.Empty(t, dump.ConnectedSlaves)
	assert.True(t, dump.ResetInfo.IsReset)
	assert.True(t, dump.SlaveConfig.AutoCloseFilledTrades, "slave config survives")
	assert.Equal(t, "2024.03.04 10:00:00", dump.BrokerTime.BrokerTime, "broker time survives")

	// The next fresh signal lowers the flag.
	f.apply(t, pending(4, "EURUSD", 1.1))
	reset, err := f.store.ResetInfo(ctx)
	require.NoError(t, err)
	assert.False(t, reset.IsReset)
}

func TestControl_FullResetSurfacesPartialFailure(t *testing.T) {
	f := newFixture(t, 0)
	f.store.FailOn("ClearAll", errBoom)

	_, err := f.control.FullReset(context.Background())
	require.Error(t, err)
	assert.True(t, domain.IsStore(err))
	assert.Contains(t, err.Error(), "clear ledger")

	info, err := f.store.ResetInfo(context.Background())
	require.NoError(t, err)
	assert.False(t, info.IsReset, "flag not raised after a failed clear")
}

func TestControl_SetResetFlag(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	info, err := f.control.SetResetFlag(ctx, true, "")
	require.NoError(t, err)
	assert.True(t, info.IsReset)
	assert.NotNil(t, info.ResetTimestamp)
	assert.Equal(t, DefaultFlagReason, info.Reason)

	info, err = f.control.SetResetFlag(ctx, false, "resynced")
	require.NoError(t, err)
	assert.False(t, info.IsReset)
	assert.Nil(t, info.ResetTimestamp)
	assert.Equal(t, "resynced", info.Reason)

	stored, err := f.store.ResetInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, info, stored)

	sent := f.notifier.all()
	require.Len(t, sent, 2)
	assert.Equal(t, "set", sent[0].Status)
	assert.Equal(t, "cleared", sent[1].Status)
}

func TestControl_UpdateBrokerTime(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	cfg, err := f.control.UpdateBrokerTime(ctx, "2024.03.04 10:00:00", nil)
	require.NoError(t, err)
	assert.False(t, cfg.AutoCloseFilledTrades)
	assert.Nil(t, cfg.LastUpdate, "config untouched without the setting")

	cfg, err = f.control.UpdateBrokerTime(ctx, "2024.03.04 10:00:05", ptr(true))
	require.NoError(t, err)
	assert.True(t, cfg.AutoCloseFilledTrades)
	assert.NotNil(t, cfg.LastUpdate)

	cfg, err = f.control.UpdateBrokerTime(ctx, "2024.03.04 10:00:10", nil)
	require.NoError(t, err)
	assert.True(t, cfg.AutoCloseFilledTrades, "omitted setting keeps the stored value")

	bt, err := f.control.BrokerTime(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2024.03.04 10:00:10", bt.BrokerTime)
	assert.NotNil(t, bt.LastUpdate)
}

func TestControl_UpdateBrokerTimeRequiresValue(t *testing.T) {
	f := newFixture(t, 0)
	_, err := f.control.UpdateBrokerTime(context.Background(), "", ptr(true))
	assert.True(t, domain.IsValidation(err))
}

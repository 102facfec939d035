package relay

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/copyrelay/internal/domain"
	"github.com/sawpanic/copyrelay/internal/ledger"
)

const (
	FullResetReason   = "master requested a complete reset"
	DefaultFlagReason = "manual reset flag"
)

// ControlStore is the ledger view of the master's control channel.
type ControlStore interface {
	ledger.ResetFlags
	ledger.Bulk
	ledger.BrokerClock
	ledger.SlaveConfigs
}

// Control owns the reset flag, the bulk reset and the broker-time channel,
// the only path that writes slave config.
type Control struct {
	store    ControlStore
	clock    Clock
	notifier Notifier
}

func NewControl(store ControlStore, clock Clock, notifier Notifier) *Control {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Control{store: store, clock: clock, notifier: notifier}
}

// SetResetFlag writes the flag. The timestamp is set only when raising it.
func (c *Control) SetResetFlag(ctx context.Context, value bool, reason string) (domain.ResetInfo, error) {
	if reason == "" {
		reason = DefaultFlagReason
	}
	info := domain.ResetInfo{IsReset: value, Reason: reason}
	if value {
		now := c.clock.Now()
		info.ResetTimestamp = &now
	}
	if err := c.store.SetResetInfo(ctx, info); err != nil {
		return domain.ResetInfo{}, err
	}
	log.Info().Bool("is_reset", value).Str("reason", reason).Msg("Reset flag set")
	c.publishReset(info)
	return info, nil
}

// FullReset clears every trading collection and raises the reset flag.
// Slave config, broker time and the flag itself survive the clear.
func (c *Control) FullReset(ctx context.Context) (domain.ResetInfo, error) {
	if err := c.store.ClearAll(ctx); err != nil {
		return domain.ResetInfo{}, fmt.Errorf("clear ledger: %w", err)
	}
	now := c.clock.Now()
	info := domain.ResetInfo{IsReset: true, ResetTimestamp: &now, Reason: FullResetReason}
	if err := c.store.SetResetInfo(ctx, info); err != nil {
		return domain.ResetInfo{}, fmt.Errorf("raise reset flag: %w", err)
	}
	log.Warn().Msg("Complete reset performed")
	c.publishReset(info)
	return info, nil
}

func (c *Control) publishReset(info domain.ResetInfo) {
	status := "cleared"
	if info.IsReset {
		status = "set"
	}
	c.notifier.Publish(Notification{Type: NotifyReset, Status: status, ServerTime: c.clock.Now().UnixMilli()})
}

// UpdateBrokerTime stores the master's broker clock and, when autoClose is
// not nil, the slave auto-close setting. It returns the slave config in
// effect afterwards.
func (c *Control) UpdateBrokerTime(ctx context.Context, brokerTime string, autoClose *bool) (domain.SlaveConfig, error) {
	if brokerTime == "" {
		return domain.SlaveConfig{}, domain.NewValidationError("brokerTime", "is required")
	}
	now := c.clock.Now()
	if err := c.store.SetBrokerTime(ctx, domain.BrokerTime{BrokerTime: brokerTime, LastUpdate: &now}); err != nil {
		return domain.SlaveConfig{}, err
	}
	if autoClose != nil {
		cfg := domain.SlaveConfig{AutoCloseFilledTrades: *autoClose, LastUpdate: &now}
		if err := c.store.SetSlaveConfig(ctx, cfg); err != nil {
			return domain.SlaveConfig{}, err
		}
		log.Info().Bool("auto_close", *autoClose).Msg("Slave config updated")
		c.notifier.Publish(Notification{Type: NotifyConfig, ServerTime: now.UnixMilli()})
		return cfg, nil
	}
	return c.store.SlaveConfig(ctx)
}

func (c *Control) BrokerTime(ctx context.Context) (domain.BrokerTime, error) {
	return c.store.BrokerTime(ctx)
}

package relay

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/copyrelay/internal/domain"
	"github.com/sawpanic/copyrelay/internal/ledger"
)

// SyncStore is the ledger view a polling slave needs.
type SyncStore interface {
	ledger.PendingOrders
	ledger.FilledTrades
	ledger.EventLog
	ledger.AccountReader
	ledger.ResetFlags
	SlaveConfig(ctx context.Context) (domain.SlaveConfig, error)
}

// ResetSummary is the part of ResetInfo exposed to slaves.
type ResetSummary struct {
	IsReset        bool       `json:"isReset"`
	ResetTimestamp *time.Time `json:"resetTimestamp"`
}

func summarize(info domain.ResetInfo) ResetSummary {
	return ResetSummary{IsReset: info.IsReset, ResetTimestamp: info.ResetTimestamp}
}

// Snapshot is one poll response. ServerTime is the value to send back as
// lastsync on the next poll.
type Snapshot struct {
	PendingOrders []domain.PendingOrder  `json:"pendingOrders"`
	FilledTrades  []domain.FilledTrade   `json:"filledTrades"`
	RecentEvents  []domain.RecentEvent   `json:"recentEvents"`
	MasterAccount domain.AccountSnapshot `json:"masterAccount"`
	ServerTime    int64                  `json:"serverTime"`
	TradeCount    domain.TradeCount      `json:"tradeCount"`
	ResetInfo     ResetSummary           `json:"resetInfo"`
	SlaveConfig   domain.SlaveConfig     `json:"slaveConfig"`
}

// ConfirmStatus is the outcome of a slave fill confirmation.
type ConfirmStatus string

const (
	StatusConfirmed ConfirmStatus = "confirmed"
	StatusNotFound  ConfirmStatus = "not_found"
)

// SyncResponder serves slave polls and fill confirmations.
type SyncResponder struct {
	store    SyncStore
	presence *Presence
	clock    Clock
	notifier Notifier
}

func NewSyncResponder(store SyncStore, presence *Presence, clock Clock, notifier Notifier) *SyncResponder {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &SyncResponder{store: store, presence: presence, clock: clock, notifier: notifier}
}

// GetSignals returns the full pending and filled sets plus the recent events
// strictly newer than lastSync (all retained events when lastSync is nil).
func (s *SyncResponder) GetSignals(ctx context.Context, slave domain.SlaveIdentity, lastSync *int64) (Snapshot, error) {
	if err := s.presence.Track(ctx, slave); err != nil {
		return Snapshot{}, err
	}

	// Taken before any read. Events stamped after this instant are delivered
	// by the next poll; one stamped earlier but written after the read below
	// is missed (see Engine).
	serverTime := s.clock.Now().UnixMilli()

	pending, err := s.store.PendingOrders(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	filled, err := s.store.FilledTrades(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	events, err := s.store.RecentEvents(ctx, 0)
	if err != nil {
		return Snapshot{}, err
	}
	account, err := s.store.MasterAccount(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	reset, err := s.store.ResetInfo(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	cfg, err := s.store.SlaveConfig(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	if pending == nil {
		pending = []domain.PendingOrder{}
	}
	if filled == nil {
		filled = []domain.FilledTrade{}
	}
	return Snapshot{
		PendingOrders: pending,
		FilledTrades:  filled,
		RecentEvents:  EventsAfter(events, lastSync),
		MasterAccount: account,
		ServerTime:    serverTime,
		TradeCount:    countOf(len(pending), len(filled)),
		ResetInfo:     summarize(reset),
		SlaveConfig:   cfg,
	}, nil
}

// EventsAfter keeps the events with a timestamp strictly greater than
// lastSync milliseconds. A nil lastSync keeps everything.
func EventsAfter(events []domain.RecentEvent, lastSync *int64) []domain.RecentEvent {
	out := make([]domain.RecentEvent, 0, len(events))
	for _, ev := range events {
		if lastSync == nil || ev.Timestamp.UnixMilli() > *lastSync {
			out = append(out, ev)
		}
	}
	return out
}

// ConfirmFilled forgets ticket once a slave has executed it locally.
func (s *SyncResponder) ConfirmFilled(ctx context.Context, ticket int64) (ConfirmStatus, error) {
	removed, err := s.store.DeleteFilledTrade(ctx, ticket)
	if err != nil {
		return "", err
	}
	status := StatusConfirmed
	if removed {
		log.Info().Int64("ticket", ticket).Msg("Slave confirmed fill")
	} else {
		status = StatusNotFound
		log.Warn().Int64("ticket", ticket).Msg("Slave confirmed a ticket that is not filled, possible master/slave desync")
	}
	s.notifier.Publish(Notification{
		Type:       NotifyConfirm,
		Ticket:     ticket,
		Status:     string(status),
		ServerTime: s.clock.Now().UnixMilli(),
	})
	return status, nil
}

// TradeCount reports the sizes of the pending and filled sets.
func (s *SyncResponder) TradeCount(ctx context.Context) (domain.TradeCount, ResetSummary, error) {
	tc, err := tradeCount(ctx, s.store)
	if err != nil {
		return domain.TradeCount{}, ResetSummary{}, err
	}
	reset, err := s.store.ResetInfo(ctx)
	if err != nil {
		return domain.TradeCount{}, ResetSummary{}, err
	}
	return tc, summarize(reset), nil
}

type counter interface {
	CountPendingOrders(ctx context.Context) (int64, error)
	CountFilledTrades(ctx context.Context) (int64, error)
}

func tradeCount(ctx context.Context, c counter) (domain.TradeCount, error) {
	p, err := c.CountPendingOrders(ctx)
	if err != nil {
		return domain.TradeCount{}, err
	}
	f, err := c.CountFilledTrades(ctx)
	if err != nil {
		return domain.TradeCount{}, err
	}
	return domain.TradeCount{PendingOrders: p, FilledTrades: f, TotalTrades: p + f}, nil
}

func countOf(pending, filled int) domain.TradeCount {
	return domain.TradeCount{
		PendingOrders: int64(pending),
		FilledTrades:  int64(filled),
		TotalTrades:   int64(pending + filled),
	}
}

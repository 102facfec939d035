// Package ledger holds the shared relay state: pending orders, filled trades,
// the bounded recent-event log, the master account snapshot, slave config,
// the reset flag, broker time and slave presence.
//
// The capabilities are split into narrow interfaces so each relay component
// only sees the collections it is allowed to touch. In particular nothing
// that writes the account snapshot can reach slave config.
package ledger

import (
	"context"

	"github.com/sawpanic/copyrelay/internal/domain"
)

// DefaultEventCap bounds the recent-event log.
const DefaultEventCap = 100

type PendingOrders interface {
	PendingOrders(ctx context.Context) ([]domain.PendingOrder, error)
	// PendingOrder returns nil when ticket is unknown.
	PendingOrder(ctx context.Context, ticket int64) (*domain.PendingOrder, error)
	PutPendingOrder(ctx context.Context, order domain.PendingOrder) error
	// DeletePendingOrder reports whether an entry was removed.
	DeletePendingOrder(ctx context.Context, ticket int64) (bool, error)
	CountPendingOrders(ctx context.Context) (int64, error)
}

type FilledTrades interface {
	FilledTrades(ctx context.Context) ([]domain.FilledTrade, error)
	// FilledTrade returns nil when ticket is unknown.
	FilledTrade(ctx context.Context, ticket int64) (*domain.FilledTrade, error)
	PutFilledTrade(ctx context.Context, trade domain.FilledTrade) error
	// DeleteFilledTrade reports whether an entry was removed.
	DeleteFilledTrade(ctx context.Context, ticket int64) (bool, error)
	CountFilledTrades(ctx context.Context) (int64, error)
}

// EventLog is the bounded, insertion-ordered recent-event list.
type EventLog interface {
	// RecentEvents returns the newest limit events in insertion order.
	// limit <= 0 returns every retained event.
	RecentEvents(ctx context.Context, limit int) ([]domain.RecentEvent, error)
	// AppendEvent pushes ev and evicts the oldest entries beyond the cap.
	AppendEvent(ctx context.Context, ev domain.RecentEvent) error
	// FilterEvents rewrites the log without the events drop matches and
	// returns how many were removed. Read, delete and rewrite are separate
	// store calls; a concurrent append can be lost.
	FilterEvents(ctx context.Context, drop func(domain.RecentEvent) bool) (int, error)
}

type AccountWriter interface {
	SetMasterAccount(ctx context.Context, snap domain.AccountSnapshot) error
}

type AccountReader interface {
	MasterAccount(ctx context.Context) (domain.AccountSnapshot, error)
}

type SlaveConfigs interface {
	SlaveConfig(ctx context.Context) (domain.SlaveConfig, error)
	SetSlaveConfig(ctx context.Context, cfg domain.SlaveConfig) error
}

type ResetFlags interface {
	ResetInfo(ctx context.Context) (domain.ResetInfo, error)
	SetResetInfo(ctx context.Context, info domain.ResetInfo) error
}

type BrokerClock interface {
	BrokerTime(ctx context.Context) (domain.BrokerTime, error)
	SetBrokerTime(ctx context.Context, bt domain.BrokerTime) error
}

type Presence interface {
	TrackSlave(ctx context.Context, p domain.SlavePresence) error
	Slaves(ctx context.Context) ([]domain.SlavePresence, error)
	RemoveSlaves(ctx context.Context, ids ...string) (int, error)
	CountSlaves(ctx context.Context) (int64, error)
}

type Bulk interface {
	// ClearAll deletes pending orders, filled trades, recent events, the
	// account snapshot and slave presence. Slave config, broker time and the
	// reset flag survive.
	ClearAll(ctx context.Context) error
}

// Store is the full ledger as implemented by Redis and Memory.
type Store interface {
	PendingOrders
	FilledTrades
	EventLog
	AccountWriter
	AccountReader
	SlaveConfigs
	ResetFlags
	BrokerClock
	Presence
	Bulk
	Ping(ctx context.Context) error
}

// Keys names every collection under a namespace prefix.
type Keys struct {
	Prefix          string
	PendingOrders   string
	FilledTrades    string
	RecentEvents    string
	MasterAccount   string
	SlaveConfig     string
	ResetInfo       string
	BrokerTime      string
	ConnectedSlaves string
}

func NewKeys(prefix string) Keys {
	return Keys{
		Prefix:          prefix,
		PendingOrders:   prefix + "pendingOrders",
		FilledTrades:    prefix + "filledTrades",
		RecentEvents:    prefix + "recentEvents",
		MasterAccount:   prefix + "masterAccount",
		SlaveConfig:     prefix + "slaveConfig",
		ResetInfo:       prefix + "resetInfo",
		BrokerTime:      prefix + "brokerTime",
		ConnectedSlaves: prefix + "connectedSlaves",
	}
}

// resettable lists the keys removed by ClearAll.
func (k Keys) resettable() []string {
	return []string{k.PendingOrders, k.FilledTrades, k.RecentEvents, k.MasterAccount, k.ConnectedSlaves}
}

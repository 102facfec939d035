package relay

import (
	"context"
	"slices"
	"time"

	"github.com/sawpanic/copyrelay/internal/domain"
	"github.com/sawpanic/copyrelay/internal/ledger"
)

const (
	statsEventLimit = 10
	slaveIDDisplay  = 20
)

// Health is the liveness summary served to monitors.
type Health struct {
	Status          string     `json:"status"`
	Time            time.Time  `json:"time"`
	PendingOrders   int64      `json:"pendingOrders"`
	FilledTrades    int64      `json:"filledTrades"`
	TotalTrades     int64      `json:"totalTrades"`
	IsReset         bool       `json:"isReset"`
	ResetTimestamp  *time.Time `json:"resetTimestamp"`
	RecentEvents    int        `json:"recentEvents"`
	ConnectedSlaves int64      `json:"connectedSlaves"`
	MasterAccount   string     `json:"masterAccount"`
	SlaveAutoClose  bool       `json:"slaveAutoClose"`
}

type StatsSummary struct {
	PendingOrders   int64      `json:"pendingOrders"`
	FilledTrades    int64      `json:"filledTrades"`
	TotalTrades     int64      `json:"totalTrades"`
	IsReset         bool       `json:"isReset"`
	ResetTimestamp  *time.Time `json:"resetTimestamp"`
	RecentEvents    int        `json:"recentEvents"`
	ConnectedSlaves int        `json:"connectedSlaves"`
}

// SymbolStats counts the active tickets of one symbol.
type SymbolStats struct {
	PendingOrders int      `json:"pendingOrders"`
	FilledTrades  int      `json:"filledTrades"`
	Timeframes    []string `json:"timeframes"`
}

// SlaveView is a presence entry with the identity shortened for display.
type SlaveView struct {
	ID         string    `json:"id"`
	LastAccess time.Time `json:"lastAccess"`
	IP         string    `json:"ip"`
}

type Stats struct {
	Summary         StatsSummary            `json:"summary"`
	SymbolBreakdown map[string]*SymbolStats `json:"symbolBreakdown"`
	RecentEvents    []domain.RecentEvent    `json:"recentEvents"`
	MasterAccount   domain.AccountSnapshot  `json:"masterAccount"`
	SlaveConfig     domain.SlaveConfig      `json:"slaveConfig"`
	ConnectedSlaves []SlaveView             `json:"connectedSlaves"`
	SlavesEvicted   int                     `json:"slavesEvicted"`
}

// Dump is the full ledger contents for operators.
type Dump struct {
	TradeCount      domain.TradeCount      `json:"tradeCount"`
	ResetInfo       domain.ResetInfo       `json:"resetInfo"`
	SlaveConfig     domain.SlaveConfig     `json:"slaveConfig"`
	PendingOrders   []domain.PendingOrder  `json:"pendingOrders"`
	FilledTrades    []domain.FilledTrade   `json:"filledTrades"`
	RecentEvents    []domain.RecentEvent   `json:"recentEvents"`
	MasterAccount   domain.AccountSnapshot `json:"masterAccount"`
	ConnectedSlaves []domain.SlavePresence `json:"connectedSlaves"`
	BrokerTime      domain.BrokerTime      `json:"brokerTime"`
	Prefix          string                 `json:"prefix"`
}

// Inspector builds read-only views of the ledger.
type Inspector struct {
	store    ledger.Store
	presence *Presence
	clock    Clock
	prefix   string
}

func NewInspector(store ledger.Store, presence *Presence, clock Clock, prefix string) *Inspector {
	return &Inspector{store: store, presence: presence, clock: clock, prefix: prefix}
}

func (i *Inspector) Health(ctx context.Context) (Health, error) {
	tc, err := tradeCount(ctx, i.store)
	if err != nil {
		return Health{}, err
	}
	reset, err := i.store.ResetInfo(ctx)
	if err != nil {
		return Health{}, err
	}
	cfg, err := i.store.SlaveConfig(ctx)
	if err != nil {
		return Health{}, err
	}
	account, err := i.store.MasterAccount(ctx)
	if err != nil {
		return Health{}, err
	}
	slaves, err := i.store.CountSlaves(ctx)
	if err != nil {
		return Health{}, err
	}
	events, err := i.store.RecentEvents(ctx, 0)
	if err != nil {
		return Health{}, err
	}
	return Health{
		Status:          "online",
		Time:            i.clock.Now(),
		PendingOrders:   tc.PendingOrders,
		FilledTrades:    tc.FilledTrades,
		TotalTrades:     tc.TotalTrades,
		IsReset:         reset.IsReset,
		ResetTimestamp:  reset.ResetTimestamp,
		RecentEvents:    len(events),
		ConnectedSlaves: slaves,
		MasterAccount:   account.Number(),
		SlaveAutoClose:  cfg.AutoCloseFilledTrades,
	}, nil
}

// Stats evicts stale slaves first, then summarises the ledger by symbol.
func (i *Inspector) Stats(ctx context.Context) (Stats, error) {
	evicted, err := i.presence.CleanupStale(ctx, DefaultPresenceThreshold)
	if err != nil {
		return Stats{}, err
	}
	pending, err := i.store.PendingOrders(ctx)
	if err != nil {
		return Stats{}, err
	}
	filled, err := i.store.FilledTrades(ctx)
	if err != nil {
		return Stats{}, err
	}
	events, err := i.store.RecentEvents(ctx, statsEventLimit)
	if err != nil {
		return Stats{}, err
	}
	reset, err := i.store.ResetInfo(ctx)
	if err != nil {
		return Stats{}, err
	}
	cfg, err := i.store.SlaveConfig(ctx)
	if err != nil {
		return Stats{}, err
	}
	account, err := i.store.MasterAccount(ctx)
	if err != nil {
		return Stats{}, err
	}
	slaves, err := i.presence.List(ctx)
	if err != nil {
		return Stats{}, err
	}

	breakdown := make(map[string]*SymbolStats)
	bucket := func(symbol string) *SymbolStats {
		s, ok := breakdown[symbol]
		if !ok {
			s = &SymbolStats{Timeframes: []string{}}
			breakdown[symbol] = s
		}
		return s
	}
	for _, o := range pending {
		s := bucket(o.Symbol)
		s.PendingOrders++
		if o.TimeframeName != "" && !slices.Contains(s.Timeframes, o.TimeframeName) {
			s.Timeframes = append(s.Timeframes, o.TimeframeName)
		}
	}
	for _, t := range filled {
		bucket(t.Symbol).FilledTrades++
	}
	for _, s := range breakdown {
		slices.Sort(s.Timeframes)
	}

	views := make([]SlaveView, 0, len(slaves))
	for _, sl := range slaves {
		views = append(views, SlaveView{ID: truncateID(sl.ID), LastAccess: sl.LastAccess, IP: sl.IP})
	}

	tc := countOf(len(pending), len(filled))
	return Stats{
		Summary: StatsSummary{
			PendingOrders:   tc.PendingOrders,
			FilledTrades:    tc.FilledTrades,
			TotalTrades:     tc.TotalTrades,
			IsReset:         reset.IsReset,
			ResetTimestamp:  reset.ResetTimestamp,
			RecentEvents:    len(events),
			ConnectedSlaves: len(views),
		},
		SymbolBreakdown: breakdown,
		RecentEvents:    events,
		MasterAccount:   account,
		SlaveConfig:     cfg,
		ConnectedSlaves: views,
		SlavesEvicted:   evicted,
	}, nil
}

func (i *Inspector) Debug(ctx context.Context) (Dump, error) {
	var (
		d   = Dump{Prefix: i.prefix}
		err error
	)
	if d.PendingOrders, err = i.store.PendingOrders(ctx); err != nil {
		return Dump{}, err
	}
	if d.FilledTrades, err = i.store.FilledTrades(ctx); err != nil {
		return Dump{}, err
	}
	if d.RecentEvents, err = i.store.RecentEvents(ctx, 0); err != nil {
		return Dump{}, err
	}
	if d.ResetInfo, err = i.store.ResetInfo(ctx); err != nil {
		return Dump{}, err
	}
	if d.SlaveConfig, err = i.store.SlaveConfig(ctx); err != nil {
		return Dump{}, err
	}
	if d.MasterAccount, err = i.store.MasterAccount(ctx); err != nil {
		return Dump{}, err
	}
	if d.ConnectedSlaves, err = i.store.Slaves(ctx); err != nil {
		return Dump{}, err
	}
	if d.BrokerTime, err = i.store.BrokerTime(ctx); err != nil {
		return Dump{}, err
	}
	d.TradeCount = countOf(len(d.PendingOrders), len(d.FilledTrades))
	return d, nil
}

func truncateID(id string) string {
	r := []rune(id)
	if len(r) > slaveIDDisplay {
		r = r[:slaveIDDisplay]
	}
	return string(r) + "..."
}

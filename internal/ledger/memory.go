package ledger

import (
	"context"
	"sort"
	"sync"

	"github.com/sawpanic/copyrelay/internal/domain"
)

// Memory is an in-process ledger for single-node runs and tests. Failures
// can be injected per operation name with FailOn.
type Memory struct {
	mu       sync.Mutex
	eventCap int

	pending map[int64]domain.PendingOrder
	filled  map[int64]domain.FilledTrade
	events  []domain.RecentEvent
	account domain.AccountSnapshot
	config  domain.SlaveConfig
	reset   domain.ResetInfo
	broker  domain.BrokerTime
	slaves  map[string]domain.SlavePresence

	failures map[string]error
}

func NewMemory(eventCap int) *Memory {
	if eventCap <= 0 {
		eventCap = DefaultEventCap
	}
	return &Memory{
		eventCap: eventCap,
		pending:  make(map[int64]domain.PendingOrder),
		filled:   make(map[int64]domain.FilledTrade),
		slaves:   make(map[string]domain.SlavePresence),
		failures: make(map[string]error),
	}
}

// FailOn makes every later call of op return err wrapped as a StoreError.
// A nil err clears the failure.
func (m *Memory) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

func (m *Memory) fail(op string) error {
	return domain.NewStoreError(op, m.failures[op])
}

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fail("Ping")
}

func (m *Memory) PendingOrders(ctx context.Context) ([]domain.PendingOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("PendingOrders"); err != nil {
		return nil, err
	}
	out := make([]domain.PendingOrder, 0, len(m.pending))
	for _, o := range m.pending {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticket < out[j].Ticket })
	return out, nil
}

func (m *Memory) PendingOrder(ctx context.Context, ticket int64) (*domain.PendingOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("PendingOrder"); err != nil {
		return nil, err
	}
	o, ok := m.pending[ticket]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

func (m *Memory) PutPendingOrder(ctx context.Context, order domain.PendingOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("PutPendingOrder"); err != nil {
		return err
	}
	m.pending[order.Ticket] = order
	return nil
}

func (m *Memory) DeletePendingOrder(ctx context.Context, ticket int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("DeletePendingOrder"); err != nil {
		return false, err
	}
	_, ok := m.pending[ticket]
	delete(m.pending, ticket)
	return ok, nil
}

func (m *Memory) CountPendingOrders(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("CountPendingOrders"); err != nil {
		return 0, err
	}
	return int64(len(m.pending)), nil
}

func (m *Memory) FilledTrades(ctx context.Context) ([]domain.FilledTrade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("FilledTrades"); err != nil {
		return nil, err
	}
	out := make([]domain.FilledTrade, 0, len(m.filled))
	for _, t := range m.filled {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticket < out[j].Ticket })
	return out, nil
}

func (m *Memory) FilledTrade(ctx context.Context, ticket int64) (*domain.FilledTrade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("FilledTrade"); err != nil {
		return nil, err
	}
	t, ok := m.filled[ticket]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (m *Memory) PutFilledTrade(ctx context.Context, trade domain.FilledTrade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("PutFilledTrade"); err != nil {
		return err
	}
	m.filled[trade.Ticket] = trade
	return nil
}

func (m *Memory) DeleteFilledTrade(ctx context.Context, ticket int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("DeleteFilledTrade"); err != nil {
		return false, err
	}
	_, ok := m.filled[ticket]
	delete(m.filled, ticket)
	return ok, nil
}

func (m *Memory) CountFilledTrades(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("CountFilledTrades"); err != nil {
		return 0, err
	}
	return int64(len(m.filled)), nil
}

func (m *Memory) RecentEvents(ctx context.Context, limit int) ([]domain.RecentEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("RecentEvents"); err != nil {
		return nil, err
	}
	src := m.events
	if limit > 0 && len(src) > limit {
		src = src[len(src)-limit:]
	}
	return append([]domain.RecentEvent(nil), src...), nil
}

func (m *Memory) AppendEvent(ctx context.Context, ev domain.RecentEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("AppendEvent"); err != nil {
		return err
	}
	m.events = append(m.events, ev)
	if over := len(m.events) - m.eventCap; over > 0 {
		m.events = append([]domain.RecentEvent(nil), m.events[over:]...)
	}
	return nil
}

func (m *Memory) FilterEvents(ctx context.Context, drop func(domain.RecentEvent) bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("FilterEvents"); err != nil {
		return 0, err
	}
	kept := m.events[:0:0]
	for _, ev := range m.events {
		if !drop(ev) {
			kept = append(kept, ev)
		}
	}
	removed := len(m.events) - len(kept)
	m.events = kept
	return removed, nil
}

func (m *Memory) MasterAccount(ctx context.Context) (domain.AccountSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("MasterAccount"); err != nil {
		return domain.AccountSnapshot{}, err
	}
	return m.account, nil
}

func (m *Memory) SetMasterAccount(ctx context.Context, snap domain.AccountSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("SetMasterAccount"); err != nil {
		return err
	}
	m.account = snap
	return nil
}

func (m *Memory) SlaveConfig(ctx context.Context) (domain.SlaveConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("SlaveConfig"); err != nil {
		return domain.SlaveConfig{}, err
	}
	return m.config, nil
}

func (m *Memory) SetSlaveConfig(ctx context.Context, cfg domain.SlaveConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("SetSlaveConfig"); err != nil {
		return err
	}
	m.config = cfg
	return nil
}

func (m *Memory) ResetInfo(ctx context.Context) (domain.ResetInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ResetInfo"); err != nil {
		return domain.ResetInfo{}, err
	}
	return m.reset, nil
}

func (m *Memory) SetResetInfo(ctx context.Context, info domain.ResetInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("SetResetInfo"); err != nil {
		return err
	}
	m.reset = info
	return nil
}

func (m *Memory) BrokerTime(ctx context.Context) (domain.BrokerTime, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("BrokerTime"); err != nil {
		return domain.BrokerTime{}, err
	}
	return m.broker, nil
}

func (m *Memory) SetBrokerTime(ctx context.Context, bt domain.BrokerTime) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("SetBrokerTime"); err != nil {
		return err
	}
	m.broker = bt
	return nil
}

func (m *Memory) TrackSlave(ctx context.Context, p domain.SlavePresence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("TrackSlave"); err != nil {
		return err
	}
	m.slaves[p.ID] = p
	return nil
}

func (m *Memory) Slaves(ctx context.Context) ([]domain.SlavePresence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("Slaves"); err != nil {
		return nil, err
	}
	out := make([]domain.SlavePresence, 0, len(m.slaves))
	for _, p := range m.slaves {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) RemoveSlaves(ctx context.Context, ids ...string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("RemoveSlaves"); err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		if _, ok := m.slaves[id]; ok {
			delete(m.slaves, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) CountSlaves(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("CountSlaves"); err != nil {
		return 0, err
	}
	return int64(len(m.slaves)), nil
}

func (m *Memory) ClearAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ClearAll"); err != nil {
		return err
	}
	m.pending = make(map[int64]domain.PendingOrder)
	m.filled = make(map[int64]domain.FilledTrade)
	m.events = nil
	m.account = domain.AccountSnapshot{}
	m.slaves = make(map[string]domain.SlavePresence)
	return nil
}

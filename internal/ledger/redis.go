package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/copyrelay/infra/breakers"
	"github.com/sawpanic/copyrelay/internal/domain"
)

// RedisOptions configures a Redis-backed ledger.
type RedisOptions struct {
	Prefix    string
	EventCap  int
	OpTimeout time.Duration
	Breaker   *breakers.Breaker
}

// Redis stores the ledger in hashes, one list and plain string keys.
type Redis struct {
	client   redis.UniversalClient
	keys     Keys
	eventCap int
	timeout  time.Duration
	breaker  *breakers.Breaker
}

// NewRedis wraps an existing client.
func NewRedis(client redis.UniversalClient, opts RedisOptions) *Redis {
	if opts.EventCap <= 0 {
		opts.EventCap = DefaultEventCap
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 2 * time.Second
	}
	return &Redis{
		client:   client,
		keys:     NewKeys(opts.Prefix),
		eventCap: opts.EventCap,
		timeout:  opts.OpTimeout,
		breaker:  opts.Breaker,
	}
}

func (l *Redis) Close() error { return l.client.Close() }

func (l *Redis) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	if l.breaker == nil {
		return domain.NewStoreError(op, fn(ctx))
	}
	return domain.NewStoreError(op, l.breaker.Do(func() error { return fn(ctx) }))
}

func (l *Redis) Ping(ctx context.Context) error {
	return l.do(ctx, "ping", func(ctx context.Context) error {
		return l.client.Ping(ctx).Err()
	})
}

func field(ticket int64) string { return strconv.FormatInt(ticket, 10) }

// hashGet decodes one hash field into v, reporting whether it existed.
func (l *Redis) hashGet(ctx context.Context, op, key, f string, v any) (bool, error) {
	var raw *string
	err := l.do(ctx, op, func(ctx context.Context) error {
		s, err := l.client.HGet(ctx, key, f).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		raw = &s
		return nil
	})
	if err != nil || raw == nil {
		return false, err
	}
	return true, decode(op, *raw, v)
}

// decode runs outside the breaker: a corrupt value is not a Redis failure.
func decode(op, raw string, v any) error {
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return domain.NewStoreError("decode "+op, err)
	}
	return nil
}

func (l *Redis) hashPut(ctx context.Context, op, key, f string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return domain.NewStoreError(op, err)
	}
	return l.do(ctx, op, func(ctx context.Context) error {
		return l.client.HSet(ctx, key, f, string(b)).Err()
	})
}

func (l *Redis) hashDelete(ctx context.Context, op, key string, fields ...string) (int, error) {
	var n int64
	err := l.do(ctx, op, func(ctx context.Context) error {
		var err error
		n, err = l.client.HDel(ctx, key, fields...).Result()
		return err
	})
	return int(n), err
}

func (l *Redis) hashLen(ctx context.Context, op, key string) (int64, error) {
	var n int64
	err := l.do(ctx, op, func(ctx context.Context) error {
		var err error
		n, err = l.client.HLen(ctx, key).Result()
		return err
	})
	return n, err
}

func (l *Redis) hashAll(ctx context.Context, op, key string) (map[string]string, error) {
	var all map[string]string
	err := l.do(ctx, op, func(ctx context.Context) error {
		var err error
		all, err = l.client.HGetAll(ctx, key).Result()
		return err
	})
	return all, err
}

// getJSON decodes a string key into v, reporting whether it existed.
func (l *Redis) getJSON(ctx context.Context, op, key string, v any) (bool, error) {
	var raw *string
	err := l.do(ctx, op, func(ctx context.Context) error {
		s, err := l.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		raw = &s
		return nil
	})
	if err != nil || raw == nil {
		return false, err
	}
	return true, decode(op, *raw, v)
}

func (l *Redis) setJSON(ctx context.Context, op, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return domain.NewStoreError(op, err)
	}
	return l.do(ctx, op, func(ctx context.Context) error {
		return l.client.Set(ctx, key, string(b), 0).Err()
	})
}

func (l *Redis) PendingOrders(ctx context.Context) ([]domain.PendingOrder, error) {
	all, err := l.hashAll(ctx, "hgetall pendingOrders", l.keys.PendingOrders)
	if err != nil {
		return nil, err
	}
	out := make([]domain.PendingOrder, 0, len(all))
	for f, raw := range all {
		var o domain.PendingOrder
		if err := json.Unmarshal([]byte(raw), &o); err != nil {
			return nil, domain.NewStoreError("decode pendingOrders/"+f, err)
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticket < out[j].Ticket })
	return out, nil
}

func (l *Redis) PendingOrder(ctx context.Context, ticket int64) (*domain.PendingOrder, error) {
	var o domain.PendingOrder
	found, err := l.hashGet(ctx, "hget pendingOrders", l.keys.PendingOrders, field(ticket), &o)
	if err != nil || !found {
		return nil, err
	}
	return &o, nil
}

func (l *Redis) PutPendingOrder(ctx context.Context, order domain.PendingOrder) error {
	return l.hashPut(ctx, "hset pendingOrders", l.keys.PendingOrders, field(order.Ticket), order)
}

func (l *Redis) DeletePendingOrder(ctx context.Context, ticket int64) (bool, error) {
	n, err := l.hashDelete(ctx, "hdel pendingOrders", l.keys.PendingOrders, field(ticket))
	return n > 0, err
}

func (l *Redis) CountPendingOrders(ctx context.Context) (int64, error) {
	return l.hashLen(ctx, "hlen pendingOrders", l.keys.PendingOrders)
}

func (l *Redis) FilledTrades(ctx context.Context) ([]domain.FilledTrade, error) {
	all, err := l.hashAll(ctx, "hgetall filledTrades", l.keys.FilledTrades)
	if err != nil {
		return nil, err
	}
	out := make([]domain.FilledTrade, 0, len(all))
	for f, raw := range all {
		var t domain.FilledTrade
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return nil, domain.NewStoreError("decode filledTrades/"+f, err)
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticket < out[j].Ticket })
	return out, nil
}

func (l *Redis) FilledTrade(ctx context.Context, ticket int64) (*domain.FilledTrade, error) {
	var t domain.FilledTrade
	found, err := l.hashGet(ctx, "hget filledTrades", l.keys.FilledTrades, field(ticket), &t)
	if err != nil || !found {
		return nil, err
	}
	return &t, nil
}

func (l *Redis) PutFilledTrade(ctx context.Context, trade domain.FilledTrade) error {
	return l.hashPut(ctx, "hset filledTrades", l.keys.FilledTrades, field(trade.Ticket), trade)
}

func (l *Redis) DeleteFilledTrade(ctx context.Context, ticket int64) (bool, error) {
	n, err := l.hashDelete(ctx, "hdel filledTrades", l.keys.FilledTrades, field(ticket))
	return n > 0, err
}

func (l *Redis) CountFilledTrades(ctx context.Context) (int64, error) {
	return l.hashLen(ctx, "hlen filledTrades", l.keys.FilledTrades)
}

func (l *Redis) rawEvents(ctx context.Context, start int64) ([]string, error) {
	var raw []string
	err := l.do(ctx, "lrange recentEvents", func(ctx context.Context) error {
		var err error
		raw, err = l.client.LRange(ctx, l.keys.RecentEvents, start, -1).Result()
		return err
	})
	return raw, err
}

func (l *Redis) RecentEvents(ctx context.Context, limit int) ([]domain.RecentEvent, error) {
	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}
	raw, err := l.rawEvents(ctx, start)
	if err != nil {
		return nil, err
	}
	out := make([]domain.RecentEvent, 0, len(raw))
	for _, r := range raw {
		var ev domain.RecentEvent
		if err := json.Unmarshal([]byte(r), &ev); err != nil {
			log.Warn().Err(err).Str("key", l.keys.RecentEvents).Msg("Skipping undecodable recent event")
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func (l *Redis) AppendEvent(ctx context.Context, ev domain.RecentEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return domain.NewStoreError("rpush recentEvents", err)
	}
	return l.do(ctx, "rpush recentEvents", func(ctx context.Context) error {
		if err := l.client.RPush(ctx, l.keys.RecentEvents, string(b)).Err(); err != nil {
			return err
		}
		return l.client.LTrim(ctx, l.keys.RecentEvents, int64(-l.eventCap), -1).Err()
	})
}

func (l *Redis) FilterEvents(ctx context.Context, drop func(domain.RecentEvent) bool) (int, error) {
	raw, err := l.rawEvents(ctx, 0)
	if err != nil {
		return 0, err
	}
	keep := make([]interface{}, 0, len(raw))
	for _, r := range raw {
		var ev domain.RecentEvent
		if err := json.Unmarshal([]byte(r), &ev); err != nil || drop(ev) {
			continue
		}
		keep = append(keep, r)
	}
	removed := len(raw) - len(keep)
	if removed == 0 {
		return 0, nil
	}
	err = l.do(ctx, "rewrite recentEvents", func(ctx context.Context) error {
		if err := l.client.Del(ctx, l.keys.RecentEvents).Err(); err != nil {
			return err
		}
		if len(keep) == 0 {
			return nil
		}
		return l.client.RPush(ctx, l.keys.RecentEvents, keep...).Err()
	})
	return removed, err
}

func (l *Redis) MasterAccount(ctx context.Context) (domain.AccountSnapshot, error) {
	var snap domain.AccountSnapshot
	_, err := l.getJSON(ctx, "get masterAccount", l.keys.MasterAccount, &snap)
	return snap, err
}

// SetMasterAccount only ever writes the masterAccount key.
func (l *Redis) SetMasterAccount(ctx context.Context, snap domain.AccountSnapshot) error {
	return l.setJSON(ctx, "set masterAccount", l.keys.MasterAccount, snap)
}

func (l *Redis) SlaveConfig(ctx context.Context) (domain.SlaveConfig, error) {
	var cfg domain.SlaveConfig
	_, err := l.getJSON(ctx, "get slaveConfig", l.keys.SlaveConfig, &cfg)
	return cfg, err
}

func (l *Redis) SetSlaveConfig(ctx context.Context, cfg domain.SlaveConfig) error {
	return l.setJSON(ctx, "set slaveConfig", l.keys.SlaveConfig, cfg)
}

func (l *Redis) ResetInfo(ctx context.Context) (domain.ResetInfo, error) {
	var info domain.ResetInfo
	_, err := l.getJSON(ctx, "get resetInfo", l.keys.ResetInfo, &info)
	return info, err
}

func (l *Redis) SetResetInfo(ctx context.Context, info domain.ResetInfo) error {
	return l.setJSON(ctx, "set resetInfo", l.keys.ResetInfo, info)
}

func (l *Redis) BrokerTime(ctx context.Context) (domain.BrokerTime, error) {
	var bt domain.BrokerTime
	_, err := l.getJSON(ctx, "get brokerTime", l.keys.BrokerTime, &bt)
	return bt, err
}

func (l *Redis) SetBrokerTime(ctx context.Context, bt domain.BrokerTime) error {
	return l.setJSON(ctx, "set brokerTime", l.keys.BrokerTime, bt)
}

func (l *Redis) TrackSlave(ctx context.Context, p domain.SlavePresence) error {
	return l.hashPut(ctx, "hset connectedSlaves", l.keys.ConnectedSlaves, p.ID, p)
}

func (l *Redis) Slaves(ctx context.Context) ([]domain.SlavePresence, error) {
	all, err := l.hashAll(ctx, "hgetall connectedSlaves", l.keys.ConnectedSlaves)
	if err != nil {
		return nil, err
	}
	out := make([]domain.SlavePresence, 0, len(all))
	for id, raw := range all {
		var p domain.SlavePresence
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, domain.NewStoreError("decode connectedSlaves/"+id, err)
		}
		p.ID = id
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (l *Redis) RemoveSlaves(ctx context.Context, ids ...string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	return l.hashDelete(ctx, "hdel connectedSlaves", l.keys.ConnectedSlaves, ids...)
}

func (l *Redis) CountSlaves(ctx context.Context) (int64, error) {
	return l.hashLen(ctx, "hlen connectedSlaves", l.keys.ConnectedSlaves)
}

// ClearAll removes the resettable collections with a single DEL.
func (l *Redis) ClearAll(ctx context.Context) error {
	return l.do(ctx, "del all", func(ctx context.Context) error {
		return l.client.Del(ctx, l.keys.resettable()...).Err()
	})
}

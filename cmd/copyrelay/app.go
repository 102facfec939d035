package main

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/copyrelay/infra/breakers"
	"github.com/sawpanic/copyrelay/internal/config"
	"github.com/sawpanic/copyrelay/internal/infrastructure/db"
	"github.com/sawpanic/copyrelay/internal/interfaces/http/handlers"
	"github.com/sawpanic/copyrelay/internal/ledger"
	"github.com/sawpanic/copyrelay/internal/relay"
)

const (
	storeRedis  = "redis"
	storeMemory = "memory"
)

// app wires the relay services onto one ledger.
type app struct {
	cfg     *config.Config
	store   ledger.Store
	breaker *breakers.Breaker
	db      *db.Manager
	clock   *relay.MonotonicClock
	feed    *handlers.Feed

	engine     *relay.Engine
	sync       *relay.SyncResponder
	presence   *relay.Presence
	control    *relay.Control
	inspector  *relay.Inspector
	maintainer *relay.Maintainer

	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config, storeKind string, withArchive bool) (*app, error) {
	a := &app{cfg: cfg, clock: relay.NewMonotonicClock(), feed: handlers.NewFeed()}

	switch storeKind {
	case storeRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.breaker = breakers.New(cfg.BreakerSettings("redis"))
		rl := ledger.NewRedis(client, ledger.RedisOptions{
			Prefix:    cfg.Prefix,
			EventCap:  cfg.Relay.EventCap,
			OpTimeout: cfg.Redis.OpTimeout,
			Breaker:   a.breaker,
		})
		a.closers = append(a.closers, rl.Close)
		a.store = rl
	case storeMemory:
		log.Warn().Msg("Using in-memory ledger; state is lost on exit and not shared between instances")
		a.store = ledger.NewMemory(cfg.Relay.EventCap)
	default:
		return nil, fmt.Errorf("unknown store %q (want %s or %s)", storeKind, storeRedis, storeMemory)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.store.Ping(pingCtx); err != nil {
		a.Close()
		return nil, fmt.Errorf("ledger unreachable: %w", err)
	}

	var engineOpts []relay.EngineOption
	engineOpts = append(engineOpts, relay.WithNotifier(a.feed))
	if withArchive {
		m, err := db.NewManager(cfg.Database)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.db = m
		a.closers = append(a.closers, m.Close)
		if m.IsEnabled() {
			engineOpts = append(engineOpts, relay.WithArchive(m.Archive()))
		}
	}

	a.presence = relay.NewPresence(a.store, a.clock)
	a.engine = relay.NewEngine(a.store, a.clock, engineOpts...)
	a.sync = relay.NewSyncResponder(a.store, a.presence, a.clock, a.feed)
	a.control = relay.NewControl(a.store, a.clock, a.feed)
	a.inspector = relay.NewInspector(a.store, a.presence, a.clock, cfg.Prefix)
	a.maintainer = relay.NewMaintainer(a.store, a.presence, a.clock, cfg.Maintenance())

	log.Info().Str("store", storeKind).Str("prefix", cfg.Prefix).Bool("archive", a.archiveEnabled()).
		Msg("Relay initialised")
	return a, nil
}

func (a *app) archiveEnabled() bool { return a.db != nil && a.db.IsEnabled() }

// Close releases every backend; errors are logged.
func (a *app) Close() {
	a.feed.Close()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Warn().Err(err).Msg("Close failed")
		}
	}
}

package relay

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/copyrelay/internal/domain"
	"github.com/sawpanic/copyrelay/internal/ledger"
)

// MaintenanceConfig drives the periodic eviction loops.
type MaintenanceConfig struct {
	EventMaxAge       time.Duration
	EventInterval     time.Duration
	PresenceThreshold time.Duration
	PresenceInterval  time.Duration
}

func DefaultMaintenanceConfig() MaintenanceConfig {
	return MaintenanceConfig{
		EventMaxAge:       6 * time.Hour,
		EventInterval:     6 * time.Hour,
		PresenceThreshold: DefaultPresenceThreshold,
		PresenceInterval:  time.Minute,
	}
}

// CleanupReport is the outcome of one maintenance pass.
type CleanupReport struct {
	EventsRemoved   int       `json:"eventsRemoved"`
	SlavesRemoved   int       `json:"slavesRemoved"`
	RemainingEvents int       `json:"remainingEvents"`
	Timestamp       time.Time `json:"timestamp"`
}

// Maintainer evicts aged recent events and stale presence entries. It shares
// the store with request traffic without any extra isolation.
type Maintainer struct {
	events   ledger.EventLog
	presence *Presence
	clock    Clock
	cfg      MaintenanceConfig
}

func NewMaintainer(events ledger.EventLog, presence *Presence, clock Clock, cfg MaintenanceConfig) *Maintainer {
	def := DefaultMaintenanceConfig()
	if cfg.EventMaxAge <= 0 {
		cfg.EventMaxAge = def.EventMaxAge
	}
	if cfg.EventInterval <= 0 {
		cfg.EventInterval = def.EventInterval
	}
	if cfg.PresenceThreshold <= 0 {
		cfg.PresenceThreshold = def.PresenceThreshold
	}
	if cfg.PresenceInterval <= 0 {
		cfg.PresenceInterval = def.PresenceInterval
	}
	return &Maintainer{events: events, presence: presence, clock: clock, cfg: cfg}
}

// PruneEvents drops events not newer than maxAge.
func (m *Maintainer) PruneEvents(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := m.clock.Now().Add(-maxAge)
	n, err := m.events.FilterEvents(ctx, func(ev domain.RecentEvent) bool {
		return !ev.Timestamp.After(cutoff)
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Info().Int("removed", n).Dur("max_age", maxAge).Msg("Aged recent events pruned")
	}
	return n, nil
}

// RunOnce performs one pass of both evictions.
func (m *Maintainer) RunOnce(ctx context.Context) (CleanupReport, error) {
	removed, err := m.PruneEvents(ctx, m.cfg.EventMaxAge)
	if err != nil {
		return CleanupReport{}, err
	}
	slaves, err := m.presence.CleanupStale(ctx, m.cfg.PresenceThreshold)
	if err != nil {
		return CleanupReport{}, err
	}
	remaining, err := m.events.RecentEvents(ctx, 0)
	if err != nil {
		return CleanupReport{}, err
	}
	return CleanupReport{
		EventsRemoved:   removed,
		SlavesRemoved:   slaves,
		RemainingEvents: len(remaining),
		Timestamp:       m.clock.Now(),
	}, nil
}

// Run loops until ctx is cancelled. Failures are logged and retried on the
// next tick.
func (m *Maintainer) Run(ctx context.Context) error {
	events := time.NewTicker(m.cfg.EventInterval)
	defer events.Stop()
	presence := time.NewTicker(m.cfg.PresenceInterval)
	defer presence.Stop()

	log.Info().Dur("event_interval", m.cfg.EventInterval).Dur("presence_interval", m.cfg.PresenceInterval).
		Msg("Maintenance loops started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Maintenance loops stopped")
			return ctx.Err()
		case <-events.C:
			if _, err := m.PruneEvents(ctx, m.cfg.EventMaxAge); err != nil {
				log.Error().Err(err).Msg("Event pruning failed")
			}
		case <-presence.C:
			if _, err := m.presence.CleanupStale(ctx, m.cfg.PresenceThreshold); err != nil {
				log.Error().Err(err).Msg("Presence cleanup failed")
			}
		}
	}
}

package relay

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/copyrelay/internal/domain"
	"github.com/sawpanic/copyrelay/internal/ledger"
)

// DefaultPresenceThreshold is how long a slave may stay silent before its
// presence entry is evicted.
const DefaultPresenceThreshold = 5 * time.Minute

// Presence records which slaves are polling.
type Presence struct {
	store ledger.Presence
	clock Clock
}

func NewPresence(store ledger.Presence, clock Clock) *Presence {
	return &Presence{store: store, clock: clock}
}

// Track upserts the last-seen time and contact metadata of id.
func (p *Presence) Track(ctx context.Context, id domain.SlaveIdentity) error {
	return p.store.TrackSlave(ctx, domain.SlavePresence{
		ID:         id.ID(),
		LastAccess: p.clock.Now(),
		IP:         id.IP,
		UserAgent:  id.UserAgent,
	})
}

// CleanupStale removes slaves not seen within threshold and returns how many
// were removed. A non-positive threshold uses DefaultPresenceThreshold.
func (p *Presence) CleanupStale(ctx context.Context, threshold time.Duration) (int, error) {
	if threshold <= 0 {
		threshold = DefaultPresenceThreshold
	}
	slaves, err := p.store.Slaves(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := p.clock.Now().Add(-threshold)
	var stale []string
	for _, s := range slaves {
		if s.LastAccess.Before(cutoff) {
			stale = append(stale, s.ID)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	n, err := p.store.RemoveSlaves(ctx, stale...)
	if err != nil {
		return 0, err
	}
	log.Info().Int("removed", n).Dur("threshold", threshold).Msg("Stale slaves evicted")
	return n, nil
}

func (p *Presence) List(ctx context.Context) ([]domain.SlavePresence, error) {
	return p.store.Slaves(ctx)
}

func (p *Presence) Count(ctx context.Context) (int64, error) {
	return p.store.CountSlaves(ctx)
}

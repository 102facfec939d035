package breakers

import (
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	cb "github.com/sony/gobreaker"
)

// ErrOpen is returned while the circuit rejects calls.
var ErrOpen = errors.New("circuit open: store unavailable")

// Settings tunes when the breaker trips.
type Settings struct {
	Name                string
	ConsecutiveFailures uint32
	MinRequests         uint32
	FailureRatio        float64
	Interval            time.Duration
	Timeout             time.Duration
}

// DefaultSettings trips after 3 consecutive failures or more than 5% failures
// over at least 20 requests, and probes again after a minute.
func DefaultSettings(name string) Settings {
	return Settings{
		Name:                name,
		ConsecutiveFailures: 3,
		MinRequests:         20,
		FailureRatio:        0.05,
		Interval:            60 * time.Second,
		Timeout:             60 * time.Second,
	}
}

type Breaker struct{ cb *cb.CircuitBreaker }

func New(s Settings) *Breaker {
	st := cb.Settings{Name: s.Name}
	st.Interval = s.Interval
	st.Timeout = s.Timeout
	st.ReadyToTrip = func(counts cb.Counts) bool {
		if s.ConsecutiveFailures > 0 && counts.ConsecutiveFailures >= s.ConsecutiveFailures {
			return true
		}
		total := counts.Requests
		if total < s.MinRequests || total == 0 {
			return false
		}
		return s.FailureRatio > 0 && float64(counts.TotalFailures)/float64(total) > s.FailureRatio
	}
	st.OnStateChange = func(name string, from, to cb.State) {
		ev := log.Warn()
		if to == cb.StateClosed {
			ev = log.Info()
		}
		ev.Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state change")
	}
	return &Breaker{cb: cb.NewCircuitBreaker(st)}
}

// Do runs fn through the breaker. Rejections surface as ErrOpen.
func (b *Breaker) Do(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, cb.ErrOpenState) || errors.Is(err, cb.ErrTooManyRequests) {
		return ErrOpen
	}
	return err
}

// State returns closed, half-open or open.
func (b *Breaker) State() string { return b.cb.State().String() }

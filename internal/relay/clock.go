package relay

import (
	"sync/atomic"
	"time"
)

// Clock supplies server timestamps.
type Clock interface {
	Now() time.Time
}

// MonotonicClock returns millisecond timestamps that strictly increase across
// calls, even if the wall clock steps backwards. No event can share its
// timestamp with a serverTime handed to a slave.
type MonotonicClock struct {
	last atomic.Int64
	wall func() time.Time
}

func NewMonotonicClock() *MonotonicClock {
	return &MonotonicClock{wall: time.Now}
}

// NewMonotonicClockFrom drives the clock from wall, for tests.
func NewMonotonicClockFrom(wall func() time.Time) *MonotonicClock {
	return &MonotonicClock{wall: wall}
}

func (c *MonotonicClock) Now() time.Time {
	for {
		ms := c.wall().UnixMilli()
		prev := c.last.Load()
		if ms <= prev {
			ms = prev + 1
		}
		if c.last.CompareAndSwap(prev, ms) {
			return time.UnixMilli(ms).UTC()
		}
	}
}

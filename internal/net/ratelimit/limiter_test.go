package ratelimit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLimiter_Allow(t *testing.T) {
	limiter := NewLimiter(2.0, 2)

	if !limiter.Allow("10.0.0.1") {
		t.Error("First request should be allowed")
	}
	if !limiter.Allow("10.0.0.1") {
		t.Error("Second request should be allowed")
	}
	if limiter.Allow("10.0.0.1") {
		t.Error("Third request should be blocked")
	}
	if d := limiter.RetryAfter("10.0.0.1"); d <= 0 {
		t.Errorf("Expected a positive retry delay, got %v", d)
	}
}

func TestLimiter_ClientsAreIndependent(t *testing.T) {
	limiter := NewLimiter(1.0, 1)

	if !limiter.Allow("slave-a") {
		t.Error("First request from slave-a should be allowed")
	}
	if !limiter.Allow("slave-b") {
		t.Error("First request from slave-b should be allowed")
	}
	if limiter.Allow("slave-a") {
		t.Error("Second request from slave-a should be blocked")
	}
	if got := limiter.Clients(); got != 2 {
		t.Errorf("Expected 2 tracked clients, got %d", got)
	}
}

func TestLimiter_Sweep(t *testing.T) {
	now := time.Date(2025, 9, 7, 10, 0, 0, 0, time.UTC)
	limiter := NewLimiter(1.0, 1)
	limiter.now = func() time.Time { return now }

	limiter.Allow("old")
	now = now.Add(10 * time.Minute)
	limiter.Allow("fresh")

	if n := limiter.Sweep(5 * time.Minute); n != 1 {
		t.Errorf("Expected 1 client swept, got %d", n)
	}
	if got := limiter.Clients(); got != 1 {
		t.Errorf("Expected 1 remaining client, got %d", got)
	}
}

func TestLimiter_Concurrent(t *testing.T) {
	limiter := NewLimiter(1.0, 5)

	var allowed int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.Allow("burst-client") {
				atomic.AddInt64(&allowed, 1)
			}
		}()
	}
	wg.Wait()

	if allowed > 6 {
		t.Errorf("Expected at most burst (+1 refill) requests allowed, got %d", allowed)
	}
	if allowed < 5 {
		t.Errorf("Expected at least the burst allowed, got %d", allowed)
	}
}

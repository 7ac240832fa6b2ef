package security

import (
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func TestNewRateLimiter_Defaults(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Rate: 10}, nil)
	defer rl.Stop()

	if rl.burst != 1 {
		t.Errorf("burst = %d, want 1", rl.burst)
	}
	if rl.maxEntries != DefaultRateLimitMaxEntries {
		t.Errorf("maxEntries = %d, want %d", rl.maxEntries, DefaultRateLimitMaxEntries)
	}
	if rl.idle != DefaultRateLimitIdleTimeout {
		t.Errorf("idle = %v, want %v", rl.idle, DefaultRateLimitIdleTimeout)
	}
	if rl.logger == nil {
		t.Error("logger should not be nil")
	}
}

func TestRateLimiter_Allow(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Rate: 1, Burst: 5}, slog.Default())
	defer rl.Stop()

	for i := 0; i < 5; i++ {
		if !rl.Allow("ip-1") {
			t.Errorf("Allow() request %d should be allowed", i+1)
		}
	}
	if rl.Allow("ip-1") {
		t.Error("Allow() should return false once the burst is spent")
	}
}

func TestRateLimiter_Allow_MultipleIdentifiers(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Rate: 1, Burst: 2}, slog.Default())
	defer rl.Stop()

	for i := 0; i < 2; i++ {
		rl.Allow("id-1")
	}
	if rl.Allow("id-1") {
		t.Error("id-1 should be limited")
	}
	if !rl.Allow("id-2") {
		t.Error("id-2 has its own bucket and should be allowed")
	}
}

func TestRateLimiter_Overflow(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Rate: 1, Burst: 1, MaxEntries: 2}, slog.Default())
	defer rl.Stop()

	rl.Allow("a")
	rl.Allow("b")

	// "c" and "d" share the overflow bucket with burst 1
	if !rl.Allow("c") {
		t.Error("first overflow request should be allowed")
	}
	if rl.Allow("d") {
		t.Error("second overflow request should share the spent bucket")
	}

	stats := rl.GetStats()
	if stats.CurrentEntries != 2 {
		t.Errorf("CurrentEntries = %d, want 2", stats.CurrentEntries)
	}
	if stats.OverflowedRequests != 2 {
		t.Errorf("OverflowedRequests = %d, want 2", stats.OverflowedRequests)
	}
	if stats.MemoryPressure != 100 {
		t.Errorf("MemoryPressure = %v, want 100", stats.MemoryPressure)
	}
}

func TestRateLimiter_Concurrent(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Rate: 1, Burst: 10}, slog.Default())
	defer rl.Stop()

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if rl.Allow("shared") {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed < 10 || allowed > 11 {
		t.Errorf("allowed = %d, want the burst of 10 (plus at most one refill)", allowed)
	}
}

func TestRateLimiter_NilAndStop(t *testing.T) {
	var nilLimiter *RateLimiter
	if !nilLimiter.Allow("x") {
		t.Error("nil limiter should allow")
	}

	rl := NewRateLimiter(RateLimitConfig{Rate: 1, Burst: 1}, nil)
	for i := 0; i < 3; i++ {
		rl.Allow(fmt.Sprintf("id-%d", i))
	}
	rl.Stop()
	rl.Stop()
	if rl.GetStats().CurrentEntries != 0 {
		t.Error("Stop() should drop tracked buckets")
	}

	nilLimiter.Stop()
}

func TestRateLimiter_StopEndsCleanupGoroutine(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Rate: 1, Burst: 1}, nil)
	rl.Stop()

	select {
	case <-rl.cleanupDone:
	case <-time.After(5 * time.Second):
		t.Fatal("cleanup goroutine still running after Stop()")
	}

	// Allow still works on a stopped limiter
	if !rl.Allow("late") {
		t.Error("first event for a fresh identifier should be allowed")
	}
	if rl.Allow("late") {
		t.Error("second event should exceed the burst of 1")
	}
}

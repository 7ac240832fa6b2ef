package security

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

const (
	// DefaultRateLimitMaxEntries bounds the number of tracked identifiers
	DefaultRateLimitMaxEntries = 10000

	// DefaultRateLimitIdleTimeout is how long an unused bucket is kept
	DefaultRateLimitIdleTimeout = 30 * time.Minute

	defaultRateLimitCleanupInterval = 5 * time.Minute
)

// RateLimitConfig configures a RateLimiter
type RateLimitConfig struct {
	// Rate is the sustained number of events per second per identifier
	Rate float64

	// Burst is the bucket size
	Burst int

	// MaxEntries bounds tracked identifiers (default: 10000). Zero means the default.
	MaxEntries int

	// IdleTimeout drops buckets not used for this long (default: 30 minutes)
	IdleTimeout time.Duration
}

// RateLimiter provides per-identifier rate limiting using a token bucket
// algorithm. Buckets live in an expiring cache and a background sweep drops
// idle identifiers until Stop is called.
type RateLimiter struct {
	buckets    *gocache.Cache
	overflow   *rate.Limiter
	mu         sync.Mutex
	limit      rate.Limit
	burst      int
	maxEntries int
	idle       time.Duration
	logger     *slog.Logger

	overflowed atomic.Int64

	stopCleanup chan struct{}
	cleanupDone chan struct{}
	stopOnce    sync.Once
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(cfg RateLimitConfig, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultRateLimitMaxEntries
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultRateLimitIdleTimeout
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}

	limit := rate.Limit(cfg.Rate)
	rl := &RateLimiter{
		// go-cache's janitor cannot be stopped, so cleanupLoop sweeps instead
		buckets:     gocache.New(cfg.IdleTimeout, 0),
		overflow:    rate.NewLimiter(limit, cfg.Burst),
		limit:       limit,
		burst:       cfg.Burst,
		maxEntries:  cfg.MaxEntries,
		idle:        cfg.IdleTimeout,
		logger:      logger,
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}
	go rl.cleanupLoop(defaultRateLimitCleanupInterval)

	return rl
}

func (rl *RateLimiter) cleanupLoop(interval time.Duration) {
	defer close(rl.cleanupDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stopCleanup:
			return
		case <-ticker.C:
			rl.mu.Lock()
			rl.buckets.DeleteExpired()
			rl.mu.Unlock()
		}
	}
}

// Allow reports whether an event for identifier may happen now
func (rl *RateLimiter) Allow(identifier string) bool {
	if rl == nil {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if v, ok := rl.buckets.Get(identifier); ok {
		// Refresh the idle timer
		rl.buckets.SetDefault(identifier, v)
		return v.(*rate.Limiter).Allow()
	}

	if rl.buckets.ItemCount() >= rl.maxEntries {
		rl.buckets.DeleteExpired()
	}
	if rl.buckets.ItemCount() >= rl.maxEntries {
		if n := rl.overflowed.Add(1); n == 1 || n%1000 == 0 {
			rl.logger.Warn("Rate limiter at capacity, sharing overflow bucket",
				"max_entries", rl.maxEntries,
				"overflowed_requests", n)
		}
		return rl.overflow.Allow()
	}

	limiter := rate.NewLimiter(rl.limit, rl.burst)
	rl.buckets.SetDefault(identifier, limiter)
	return limiter.Allow()
}

// Stop ends the background sweep and drops every bucket. It waits for the
// sweep goroutine to exit and is safe to call more than once. Allow keeps
// working afterwards, but idle buckets are then only evicted when the
// limiter reaches MaxEntries.
func (rl *RateLimiter) Stop() {
	if rl == nil {
		return
	}
	rl.stopOnce.Do(func() {
		close(rl.stopCleanup)
		<-rl.cleanupDone

		rl.mu.Lock()
		rl.buckets.Flush()
		rl.mu.Unlock()
	})
}

// Stats holds rate limiter statistics for monitoring
type Stats struct {
	CurrentEntries     int     // Current number of tracked identifiers
	MaxEntries         int     // Maximum tracked identifiers
	OverflowedRequests int64   // Requests that fell back to the shared bucket
	MemoryPressure     float64 // Percentage of max capacity used (0-100)
}

// GetStats returns current rate limiter statistics
func (rl *RateLimiter) GetStats() Stats {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	stats := Stats{
		CurrentEntries:     rl.buckets.ItemCount(),
		MaxEntries:         rl.maxEntries,
		OverflowedRequests: rl.overflowed.Load(),
	}
	stats.MemoryPressure = float64(stats.CurrentEntries) / float64(rl.maxEntries) * 100.0
	return stats
}

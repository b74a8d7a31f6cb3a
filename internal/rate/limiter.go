package rate

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultKey is used when the admission layer has no submitter identity.
const DefaultKey = "anonymous"

type bucket struct {
	tokens      int
	windowStart time.Time
	lastSeen    time.Time
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter is a per-key token bucket. The bucket refills to full capacity
// once per window rather than continuously; that keeps the retry-after
// hint exact (windowStart + window - now).
type Limiter struct {
	logger   *zap.Logger
	capacity int
	window   time.Duration

	mu      sync.Mutex
	buckets map[string]*bucket
	clock   func() time.Time
}

// NewLimiter creates a token-bucket limiter with the given capacity per
// window.
func NewLimiter(logger *zap.Logger, capacity int, window time.Duration) *Limiter {
	if capacity <= 0 {
		capacity = 100
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		logger:   logger,
		capacity: capacity,
		window:   window,
		buckets:  make(map[string]*bucket),
		clock:    time.Now,
	}
}

// WithClock overrides the time source, used by tests.
func (l *Limiter) WithClock(clock func() time.Time) *Limiter {
	l.clock = clock
	return l
}

// Allow consumes one token for key, creating the bucket on first sight.
func (l *Limiter) Allow(key string) Decision {
	if key == "" {
		key = DefaultKey
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.capacity, windowStart: now}
		l.buckets[key] = b
	}
	b.lastSeen = now

	// Full refill once the window has elapsed.
	if now.Sub(b.windowStart) >= l.window {
		b.tokens = l.capacity
		b.windowStart = now
	}

	if b.tokens <= 0 {
		return Decision{
			Allowed:    false,
			RetryAfter: b.windowStart.Add(l.window).Sub(now),
		}
	}

	b.tokens--
	return Decision{Allowed: true, Remaining: b.tokens}
}

// Reset drops the bucket for key, for tests and admin use.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

// Sweep removes buckets idle for more than twice the window and returns
// how many were dropped. Safe to call directly in tests.
func (l *Limiter) Sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > 2*l.window {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// Run sweeps idle buckets on a fixed interval until ctx is cancelled.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Sweep(l.clock()); n > 0 && l.logger != nil {
				l.logger.Debug("swept idle rate buckets", zap.Int("removed", n))
			}
		}
	}
}

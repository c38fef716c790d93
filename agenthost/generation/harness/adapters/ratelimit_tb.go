package adapters

import (
	"context"
	"sync"
	"time"

	ports "github.com/ZanzyTHEbar/agent-host/agenthost/generation/harness/ports"
)

// TokenBucket implements a keyed token bucket rate limiter.
type TokenBucket struct {
	mu         sync.Mutex
	buckets    map[string]*bucket
	capacity   int           // max tokens per bucket
	refillRate time.Duration // time between token refills
	now        func() time.Time
}

type bucket struct {
	tokens     int
	lastRefill time.Time
}

// NewTokenBucket creates a new token bucket rate limiter.
func NewTokenBucket(capacity int, refillRate time.Duration) *TokenBucket {
	if capacity < 1 {
		capacity = 1
	}
	if refillRate <= 0 {
		refillRate = time.Second
	}
	return &TokenBucket{
		buckets:    make(map[string]*bucket),
		capacity:   capacity,
		refillRate: refillRate,
		now:        time.Now,
	}
}

// NewPerMinute returns a bucket allowing perMinute calls per key per minute, with
// bursts up to perMinute.
func NewPerMinute(perMinute int) *TokenBucket {
	if perMinute < 1 {
		perMinute = 1
	}
	return NewTokenBucket(perMinute, time.Minute/time.Duration(perMinute))
}

// take consumes one token if available. Must be called with tb.mu held.
func (tb *TokenBucket) take(key string) bool {
	b, exists := tb.buckets[key]
	if !exists {
		b = &bucket{tokens: tb.capacity, lastRefill: tb.now()}
		tb.buckets[key] = b
	}

	elapsed := tb.now().Sub(b.lastRefill)
	if add := int(elapsed / tb.refillRate); add > 0 {
		b.tokens = min(b.tokens+add, tb.capacity)
		b.lastRefill = b.lastRefill.Add(time.Duration(add) * tb.refillRate)
	}

	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}

// Acquire takes a token for key without waiting. The release func hands the token
// back, which turns the bucket into a concurrency cap for long-running work.
func (tb *TokenBucket) Acquire(ctx context.Context, key string) (release func(), err error) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if !tb.take(key) {
		return nil, ErrRateLimitExceeded
	}

	var once sync.Once
	release = func() {
		once.Do(func() {
			tb.mu.Lock()
			defer tb.mu.Unlock()
			if b, exists := tb.buckets[key]; exists {
				b.tokens = min(b.tokens+1, tb.capacity)
			}
		})
	}
	return release, nil
}

// Allow consumes a token for key if one is available. Tokens are not returned.
func (tb *TokenBucket) Allow(key string) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.take(key)
}

// Wait blocks until a token for key is available or ctx is done.
func (tb *TokenBucket) Wait(ctx context.Context, key string) error {
	for {
		if tb.Allow(key) {
			return nil
		}
		timer := time.NewTimer(tb.refillRate)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// ErrRateLimitExceeded is returned when the rate limit is exceeded.
var ErrRateLimitExceeded = &RateLimitError{Message: "rate limit exceeded"}

// RateLimitError reports a rejected Acquire.
type RateLimitError struct {
	Message string
}

func (e *RateLimitError) Error() string {
	return e.Message
}

// Ensure TokenBucket implements the RateLimiter interface.
var _ ports.RateLimiter = (*TokenBucket)(nil)

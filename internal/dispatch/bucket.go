package dispatch

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// TokenBucket is a mutex-guarded rate limiter. Tokens refill
// continuously at rate per second up to capacity.
type TokenBucket struct {
	mu         sync.Mutex
	rate       float64
	capacity   float64
	tokens     float64
	lastRefill time.Time
	now        func() time.Time
}

// NewTokenBucket creates a full bucket. Rate and capacity must both be
// positive.
func NewTokenBucket(ratePerSec, capacity float64) (*TokenBucket, error) {
	if ratePerSec <= 0 {
		return nil, fmt.Errorf("rate_per_sec must be positive, got %v", ratePerSec)
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("capacity must be positive, got %v", capacity)
	}
	return &TokenBucket{
		rate:       ratePerSec,
		capacity:   capacity,
		tokens:     capacity,
		lastRefill: time.Now(),
		now:        time.Now,
	}, nil
}

// newBucket builds a bucket from already-clamped config values with an
// injectable time source.
func newBucket(ratePerSec, capacity int, now func() time.Time) *TokenBucket {
	return &TokenBucket{
		rate:       float64(ratePerSec),
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		lastRefill: now(),
		now:        now,
	}
}

// Acquire takes n tokens, refilling first. It reports whether the
// bucket held enough; n ≤ 0 always succeeds without touching state.
func (b *TokenBucket) Acquire(n float64) bool {
	if n <= 0 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if elapsed := now.Sub(b.lastRefill).Seconds(); elapsed > 0 {
		b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.rate)
		b.lastRefill = now
	}
	if b.tokens < n {
		return false
	}
	b.tokens -= n
	return true
}

// Reset refills the bucket to capacity.
func (b *TokenBucket) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens = b.capacity
	b.lastRefill = b.now()
}

// Tokens returns the current balance without refilling.
func (b *TokenBucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens
}

// ratelimit.go is the shared limiter gating every outbound broker call.
// The broker publishes a per-minute request budget; spreading it into a
// smooth per-second accrual keeps a steady caller clear of the hard
// limit instead of bursting against it at each window boundary. Default
// budget is 200 requests per minute.
package broker

import (
	"context"
	"sync"
	"time"
)

// TokenBucket blocks callers in Wait until a whole token is available or
// their context ends. The balance accrues fractionally between calls, so
// no refill goroutine is needed; any number of goroutines may share one
// bucket.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // fractional balance currently available
	capacity float64   // burst ceiling
	rate     float64   // accrual in tokens per second
	lastTime time.Time // accrual accounting anchor
}

// NewTokenBucket creates a bucket that starts full.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// NewRequestLimiter creates the shared bucket for the broker's published
// per-minute budget. Burst capacity is one second's worth of the budget,
// floored at 5, so startup sequences (account + clock + history seeds)
// don't serialize behind a cold bucket.
func NewRequestLimiter(requestsPerMinute int) *TokenBucket {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 200
	}
	rate := float64(requestsPerMinute) / 60.0
	burst := rate
	if burst < 5 {
		burst = 5
	}
	return NewTokenBucket(burst, rate)
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		// Sleep until the balance reaches a whole token, then re-check:
		// another caller may have drained it in the meantime.
		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

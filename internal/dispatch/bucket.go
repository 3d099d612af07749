package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tradekit/arbscan/internal/domain"
)

// Bucket is a token bucket with continuous refill: the balance is recomputed
// from elapsed time on every access rather than by a background ticker. The
// balance never goes negative and never exceeds capacity.
type Bucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time

	now   func() time.Time           // injectable clock for tests
	sleep func(context.Context, time.Duration) error
}

// NewBucket creates a full bucket with the given burst capacity and refill
// rate in tokens per second.
func NewBucket(capacity int, refillRate float64) *Bucket {
	b := &Bucket{
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		refillRate: refillRate,
		now:        time.Now,
	}
	b.lastRefill = b.now()
	b.sleep = sleepCtx
	return b
}

// refillLocked credits tokens for the time elapsed since the last refill.
// Caller must hold b.mu.
func (b *Bucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

// TryConsume debits n tokens if the current balance covers them, without
// waiting. It reports whether the debit happened.
func (b *Bucket) TryConsume(n float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(b.now())
	if b.tokens < n {
		return false
	}
	b.tokens -= n
	return true
}

// Consume blocks until n tokens are available, then debits them. The wait is
// an explicit sleep-then-retry loop sized from the token shortfall (no
// busy-wait, no recursion) and bounded by maxWait; exceeding the bound returns
// ErrRateLimited. Cancelling ctx aborts the wait.
func (b *Bucket) Consume(ctx context.Context, n float64, maxWait time.Duration) error {
	if n > b.capacity {
		return fmt.Errorf("dispatch: consume %v exceeds bucket capacity %v", n, b.capacity)
	}

	deadline := b.now().Add(maxWait)
	for {
		b.mu.Lock()
		now := b.now()
		b.refillLocked(now)
		if b.tokens >= n {
			b.tokens -= n
			b.mu.Unlock()
			return nil
		}
		shortfall := n - b.tokens
		b.mu.Unlock()

		wait := time.Duration(shortfall / b.refillRate * float64(time.Second))
		if now.Add(wait).After(deadline) {
			return fmt.Errorf("dispatch: token wait %v exceeds bound %v: %w", wait, maxWait, domain.ErrRateLimited)
		}
		if err := b.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Tokens returns the current balance after refill, for diagnostics.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(b.now())
	return b.tokens
}

// sleepCtx sleeps for d, returning early with the context error when ctx is
// cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

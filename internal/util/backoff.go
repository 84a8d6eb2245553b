package util

import (
	"context"
	"sync"
	"time"
)

// Backoff is an exponential backoff calculator.
// It is safe for concurrent use.
type Backoff struct {
	mu       sync.Mutex
	current  time.Duration
	initial  time.Duration
	maxDelay time.Duration
}

// NewBackoff returns a new Backoff with the given initial and maximum delays.
func NewBackoff(initial, maxDelay time.Duration) *Backoff {
	return &Backoff{
		current:  initial,
		initial:  initial,
		maxDelay: maxDelay,
	}
}

// Next returns the current delay and doubles it, up to the maximum.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	current := b.current
	b.current = min(2*b.current, b.maxDelay)
	return current
}

// Wait sleeps for the next delay or until ctx is done.
func (b *Backoff) Wait(ctx context.Context) error {
	t := time.NewTimer(b.Next())
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// Reset sets the backoff back to the initial delay.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = b.initial
}

// Package clock abstracts the time source so the runtime can run
// against a deterministic clock in tests. Every component that reads
// time or sleeps takes a Clock; nothing calls time.Now directly.
package clock

import (
	"context"
	"sync"
	"time"
)

// Clock is the time contract the runtime consumes.
type Clock interface {
	// Now returns the current time. Per process it is strictly
	// increasing: two calls never return the same instant.
	Now() time.Time
	// Sleep blocks for d or until ctx is done, returning ctx.Err() in
	// that case.
	Sleep(ctx context.Context, d time.Duration) error
}

// Real is the production clock backed by the time package.
type Real struct {
	mu   sync.Mutex
	last time.Time
}

// NewReal returns the production clock.
func NewReal() *Real {
	return &Real{}
}

// Now returns wall time, nudged forward by a nanosecond when the OS
// reports the same instant twice.
func (c *Real) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	if !now.After(c.last) {
		now = c.last.Add(time.Nanosecond)
	}
	c.last = now
	return now
}

// Sleep waits for d or context cancellation.
func (c *Real) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

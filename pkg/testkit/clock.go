// Package testkit holds the runtime's test doubles: a manually
// advanced clock and scripted agents for bus and supervisor tests.
package testkit

import (
	"context"
	"sync"
	"time"
)

// FakeClock is a clock.Clock that only moves when told to. Sleepers
// block until Advance pushes the clock past their wake time.
type FakeClock struct {
	mu       sync.Mutex
	now      time.Time
	sleepers []*sleeper
}

type sleeper struct {
	wake time.Time
	ch   chan struct{}
}

// NewFakeClock starts a fake clock at the given instant. A zero start
// defaults to an arbitrary fixed epoch so tests stay reproducible.
func NewFakeClock(start time.Time) *FakeClock {
	if start.IsZero() {
		start = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	}
	return &FakeClock{now: start}
}

// Now returns the fake time, advanced a nanosecond per call so the
// strictly-increasing clock contract holds.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Nanosecond)
	return c.now
}

// Sleep blocks until Advance moves the clock past now+d or ctx is
// done.
func (c *FakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	c.mu.Lock()
	s := &sleeper{wake: c.now.Add(d), ch: make(chan struct{})}
	c.sleepers = append(c.sleepers, s)
	c.mu.Unlock()

	select {
	case <-s.ch:
		return nil
	case <-ctx.Done():
		c.removeSleeper(s)
		return ctx.Err()
	}
}

// Advance moves the clock forward and wakes every sleeper whose wake
// time has been reached.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	remaining := c.sleepers[:0]
	for _, s := range c.sleepers {
		if !s.wake.After(c.now) {
			close(s.ch)
		} else {
			remaining = append(remaining, s)
		}
	}
	c.sleepers = remaining
	c.mu.Unlock()
}

// Sleepers reports how many goroutines are currently blocked in Sleep.
func (c *FakeClock) Sleepers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sleepers)
}

// WaitForSleepers polls (in real time) until n goroutines are blocked
// in Sleep, so tests can advance the clock without racing the code
// under test into its sleep.
func (c *FakeClock) WaitForSleepers(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.Sleepers() >= n {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return c.Sleepers() >= n
}

func (c *FakeClock) removeSleeper(target *sleeper) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, s := range c.sleepers {
		if s == target {
			c.sleepers = append(c.sleepers[:i], c.sleepers[i+1:]...)
			return
		}
	}
}

package clock

import (
	"context"
	"testing"
	"time"
)

func TestRealNowStrictlyIncreasing(t *testing.T) {
	c := NewReal()
	prev := c.Now()
	for i := 0; i < 1000; i++ {
		now := c.Now()
		if !now.After(prev) {
			t.Fatalf("Now not strictly increasing: %v then %v", prev, now)
		}
		prev = now
	}
}

func TestRealSleepHonorsCancellation(t *testing.T) {
	c := NewReal()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- c.Sleep(ctx, time.Minute)
	}()
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Sleep did not observe cancellation")
	}
}

func TestRealSleepZeroReturnsImmediately(t *testing.T) {
	c := NewReal()
	start := time.Now()
	if err := c.Sleep(context.Background(), 0); err != nil {
		t.Errorf("Expected nil, got %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("Zero sleep took too long")
	}
}

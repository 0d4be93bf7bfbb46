package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func drain(rl *RateLimiter, n int) {
	for i := 0; i < n; i++ {
		rl.TryAcquire()
	}
}

func TestRateLimiter_Burst(t *testing.T) {
	rl := NewRateLimiter(1, 5)

	for i := 0; i < 5; i++ {
		if !rl.TryAcquire() {
			t.Fatalf("TryAcquire failed on token %d of the burst", i+1)
		}
	}
	if rl.TryAcquire() {
		t.Error("TryAcquire succeeded on an empty bucket")
	}
}

func TestRateLimiter_Refill(t *testing.T) {
	rl := NewRateLimiter(10, 10)
	drain(rl, 10)

	time.Sleep(200 * time.Millisecond)
	if got := rl.GetCurrentTokens(); got < 1.5 || got > 3 {
		t.Errorf("expected about 2 tokens after 200ms at 10/s, got %.2f", got)
	}

	fast := NewRateLimiter(100, 5)
	time.Sleep(50 * time.Millisecond)
	if got := fast.GetCurrentTokens(); got > 5.01 {
		t.Errorf("bucket overflowed its capacity: %.2f", got)
	}
}

func TestRateLimiter_Wait(t *testing.T) {
	t.Run("blocks until refill", func(t *testing.T) {
		rl := NewRateLimiter(10, 1)
		drain(rl, 1)

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		start := time.Now()
		if err := rl.Wait(ctx); err != nil {
			t.Fatalf("Wait failed: %v", err)
		}
		if took := time.Since(start); took < 50*time.Millisecond {
			t.Errorf("Wait returned after %v, expected about 100ms", took)
		}
	})

	t.Run("honors context", func(t *testing.T) {
		rl := NewRateLimiter(0.1, 1)
		drain(rl, 1)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		if err := rl.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Wait error = %v, want deadline exceeded", err)
		}
	})
}

func TestRateLimiter_Drain(t *testing.T) {
	rl := NewRateLimiter(0.5, 10)
	rl.Drain()

	if rl.TryAcquire() {
		t.Error("TryAcquire succeeded right after Drain")
	}
	if wait := rl.TimeUntilNextToken(); wait < time.Second {
		t.Errorf("expected about 2s until the next token, got %v", wait)
	}
}

func TestRateLimiter_Cooldown(t *testing.T) {
	rl := NewRateLimiter(100, 10)
	if rl.CooldownRemaining() != 0 {
		t.Fatal("new limiter reports a cooldown")
	}

	rl.SetCooldown(80 * time.Millisecond)
	if rl.TryAcquire() {
		t.Error("token handed out during cooldown")
	}
	if wait := rl.TimeUntilNextToken(); wait < 50*time.Millisecond {
		t.Errorf("TimeUntilNextToken ignores the cooldown: %v", wait)
	}

	// A shorter cooldown never cuts an active one
	rl.SetCooldown(time.Millisecond)
	if rl.CooldownRemaining() < 50*time.Millisecond {
		t.Errorf("cooldown shortened to %v", rl.CooldownRemaining())
	}

	time.Sleep(100 * time.Millisecond)
	if !rl.TryAcquire() {
		t.Error("TryAcquire still failing after the cooldown expired")
	}
}

func TestRateLimiter_Concurrent(t *testing.T) {
	rl := NewRateLimiter(1000, 50)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if err := rl.Wait(ctx); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Wait failed: %v", err)
	}
}

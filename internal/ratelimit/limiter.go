// Package ratelimit provides rate limiting for page source calls using a token bucket algorithm.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rescale/rescale-vrows/internal/logging"
)

// Wait durations above these thresholds are logged
const (
	longWaitWarnThreshold = 2 * time.Second
	longWaitDoneThreshold = 5 * time.Second
	warnInterval          = 10 * time.Second
)

// RateLimiter implements a token bucket rate limiter.
// It allows bursts up to maxTokens, then refills at refillRate tokens/second.
// A cooldown (set from a server Retry-After) blocks all acquisitions until it expires.
type RateLimiter struct {
	tokens        float64   // Current number of tokens available
	maxTokens     float64   // Maximum bucket capacity
	refillRate    float64   // Tokens added per second
	lastRefill    time.Time // Last time tokens were refilled
	cooldownUntil time.Time // No tokens are handed out before this instant
	lastWarnTime  time.Time // Last time we warned about rate limiting
	logger        *logging.Logger
	mu            sync.Mutex
}

// NewRateLimiter creates a new rate limiter.
//
// Parameters:
//   - tokensPerSecond: Rate at which tokens are added (e.g., 5.0 for 5 tokens/second)
//   - burstSize: Maximum tokens that can accumulate (allows brief bursts)
func NewRateLimiter(tokensPerSecond float64, burstSize float64) *RateLimiter {
	return &RateLimiter{
		tokens:     burstSize, // Start with full bucket
		maxTokens:  burstSize,
		refillRate: tokensPerSecond,
		lastRefill: time.Now(),
		logger:     logging.NewNopLogger(),
	}
}

// SetLogger routes long-wait warnings to logger.
func (rl *RateLimiter) SetLogger(logger *logging.Logger) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.logger = logging.OrNop(logger).Named("ratelimit")
}

// Wait blocks until a token is available or context is cancelled.
// Returns an error if the context is cancelled before a token becomes available.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	startTime := time.Now()

	if rl.tryAcquire() {
		return nil
	}

	waitTime := rl.TimeUntilNextToken()
	if waitTime > longWaitWarnThreshold {
		rl.mu.Lock()
		if time.Since(rl.lastWarnTime) > warnInterval {
			rl.logger.Warn().
				Dur("wait", waitTime).
				Msg("Rate limited, waiting for source capacity")
			rl.lastWarnTime = time.Now()
		}
		rl.mu.Unlock()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if rl.tryAcquire() {
			if actualWait := time.Since(startTime); actualWait > longWaitDoneThreshold {
				rl.logger.Info().Dur("waited", actualWait).Msg("Rate limit wait completed")
			}
			return nil
		}

		timer := time.NewTimer(rl.TimeUntilNextToken())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// TryAcquire takes one token without blocking.
func (rl *RateLimiter) TryAcquire() bool {
	return rl.tryAcquire()
}

// tryAcquire attempts to acquire one token without blocking.
// Returns true if a token was acquired, false otherwise.
func (rl *RateLimiter) tryAcquire() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	rl.refillLocked(now)

	if now.Before(rl.cooldownUntil) {
		return false
	}

	if rl.tokens >= 1.0 {
		rl.tokens -= 1.0
		return true
	}

	return false
}

func (rl *RateLimiter) refillLocked(now time.Time) {
	elapsed := now.Sub(rl.lastRefill).Seconds()
	rl.tokens += elapsed * rl.refillRate
	if rl.tokens > rl.maxTokens {
		rl.tokens = rl.maxTokens
	}
	rl.lastRefill = now
}

// TimeUntilNextToken calculates how long to wait until at least one token is available,
// cooldown included.
func (rl *RateLimiter) TimeUntilNextToken() time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	rl.refillLocked(now)

	var wait time.Duration
	if tokensNeeded := 1.0 - rl.tokens; tokensNeeded > 0 && rl.refillRate > 0 {
		wait = time.Duration(tokensNeeded / rl.refillRate * float64(time.Second))
	}
	if cd := rl.cooldownUntil.Sub(now); cd > wait {
		wait = cd
	}
	return wait
}

// Drain empties the bucket. Used when the server answers 429 without a Retry-After.
func (rl *RateLimiter) Drain() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.tokens = 0
	rl.lastRefill = time.Now()
}

// SetCooldown blocks acquisitions for d. An active longer cooldown is never shortened.
func (rl *RateLimiter) SetCooldown(d time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	until := time.Now().Add(d)
	if until.After(rl.cooldownUntil) {
		rl.cooldownUntil = until
	}
}

// CooldownRemaining returns the time left on the current cooldown, or zero.
func (rl *RateLimiter) CooldownRemaining() time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if d := time.Until(rl.cooldownUntil); d > 0 {
		return d
	}
	return 0
}

// GetCurrentTokens returns the current number of tokens (for testing/debugging).
func (rl *RateLimiter) GetCurrentTokens() float64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	elapsed := time.Since(rl.lastRefill).Seconds()
	tokens := rl.tokens + (elapsed * rl.refillRate)
	if tokens > rl.maxTokens {
		tokens = rl.maxTokens
	}
	return tokens
}

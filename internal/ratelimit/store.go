package ratelimit

import (
	"crypto/sha256"
	"fmt"
	"sync"
)

// LimiterStore hands out rate limiters shared by every page source that talks
// to the same endpoint with the same credentials. Two caches browsing the same
// API therefore draw from one bucket instead of doubling the request rate.
//
// Key structure: {baseURL, hash(apiKey)}
type LimiterStore struct {
	mu       sync.Mutex
	limiters map[string]*RateLimiter
}

var (
	globalStore     *LimiterStore
	globalStoreOnce sync.Once
)

// NewLimiterStore creates an empty store.
func NewLimiterStore() *LimiterStore {
	return &LimiterStore{limiters: make(map[string]*RateLimiter)}
}

// GlobalStore returns the process-level singleton LimiterStore.
func GlobalStore() *LimiterStore {
	globalStoreOnce.Do(func() {
		globalStore = NewLimiterStore()
	})
	return globalStore
}

// GetLimiter returns the shared limiter for baseURL and apiKey, creating it with
// rate and burst on first use. Later calls with different rate/burst get the
// existing limiter unchanged.
func (s *LimiterStore) GetLimiter(baseURL, apiKey string, rate, burst float64) *RateLimiter {
	key := makeKey(baseURL, apiKey)

	s.mu.Lock()
	defer s.mu.Unlock()

	if limiter, ok := s.limiters[key]; ok {
		return limiter
	}
	limiter := NewRateLimiter(rate, burst)
	s.limiters[key] = limiter
	return limiter
}

// Len returns the number of distinct limiters.
func (s *LimiterStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}

// makeKey builds a map key from {baseURL, hash(apiKey)}.
// The API key is hashed to avoid storing credentials in memory as map keys.
func makeKey(baseURL, apiKey string) string {
	h := sha256.Sum256([]byte(apiKey))
	return fmt.Sprintf("%s|%x", baseURL, h[:8])
}

package ratelimit

import (
	"strings"
	"testing"
)

func TestStoreReturnsSameLimiterForSameKey(t *testing.T) {
	s := NewLimiterStore()
	a := s.GetLimiter("https://rows.example.com", "key-1", 5, 20)
	b := s.GetLimiter("https://rows.example.com", "key-1", 50, 200)
	if a != b {
		t.Error("expected the same limiter for the same endpoint and key")
	}
	if got := a.GetCurrentTokens(); got > 20.1 {
		t.Errorf("second call must not reconfigure, tokens = %.2f", got)
	}
}

func TestStoreDifferentAPIKeysReturnDifferentLimiters(t *testing.T) {
	s := NewLimiterStore()
	a := s.GetLimiter("https://rows.example.com", "key-1", 5, 20)
	b := s.GetLimiter("https://rows.example.com", "key-2", 5, 20)
	if a == b {
		t.Error("expected different limiters for different keys")
	}
	if s.Len() != 2 {
		t.Errorf("expected 2 limiters, got %d", s.Len())
	}
}

func TestStoreDifferentBaseURLsReturnDifferentLimiters(t *testing.T) {
	s := NewLimiterStore()
	a := s.GetLimiter("https://a.example.com", "key", 5, 20)
	b := s.GetLimiter("https://b.example.com", "key", 5, 20)
	if a == b {
		t.Error("expected different limiters for different endpoints")
	}
}

func TestGlobalStoreSingleton(t *testing.T) {
	if GlobalStore() != GlobalStore() {
		t.Error("GlobalStore should return the same instance")
	}
}

func TestMakeKeyDoesNotContainSecret(t *testing.T) {
	key := makeKey("https://rows.example.com", "super-secret-token")
	if strings.Contains(key, "super-secret-token") {
		t.Errorf("key leaks the api key: %s", key)
	}
}

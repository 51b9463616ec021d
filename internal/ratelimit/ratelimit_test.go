package ratelimit

import (
	"testing"
	"time"
)

func TestLimiterAllow(t *testing.T) {
	cfg := Config{
		Requests:        60,
		Window:          time.Minute,
		Burst:           5,
		CleanupInterval: time.Minute,
	}
	limiter := New(cfg)
	defer limiter.Stop()

	key := "test-ip"

	// Should allow burst size requests immediately
	for i := 0; i < 5; i++ {
		if !limiter.Allow(key) {
			t.Errorf("Request %d should be allowed (within burst)", i)
		}
	}

	// Next request should be denied
	if limiter.Allow(key) {
		t.Error("Request after burst should be denied")
	}

	// Wait for token replenishment (1 second = 1 token at 60/min)
	time.Sleep(time.Second)

	// Should allow again
	if !limiter.Allow(key) {
		t.Error("Request after waiting should be allowed")
	}
}

func TestLimiterMultipleClients(t *testing.T) {
	cfg := Config{
		Requests:        60,
		Window:          time.Minute,
		Burst:           3,
		CleanupInterval: time.Minute,
	}
	limiter := New(cfg)
	defer limiter.Stop()

	// Client A uses up their tokens
	for i := 0; i < 3; i++ {
		limiter.Allow("client-a")
	}

	// Client A is now rate limited
	if limiter.Allow("client-a") {
		t.Error("Client A should be rate limited")
	}

	// Client B should still have tokens
	if !limiter.Allow("client-b") {
		t.Error("Client B should not be rate limited")
	}
}

func TestLimiterTokenReplenishment(t *testing.T) {
	cfg := Config{
		Requests:        600, // 10 per second
		Window:          time.Minute,
		Burst:           1,
		CleanupInterval: time.Minute,
	}
	limiter := New(cfg)
	defer limiter.Stop()

	key := "test"

	// Use the one token
	if !limiter.Allow(key) {
		t.Error("First request should be allowed")
	}

	// Should be denied
	if limiter.Allow(key) {
		t.Error("Second immediate request should be denied")
	}

	// Wait 100ms (should get 1 token at 10/sec)
	time.Sleep(110 * time.Millisecond)

	// Should be allowed again
	if !limiter.Allow(key) {
		t.Error("Request after 100ms should be allowed")
	}
}

func TestPerMinute(t *testing.T) {
	cfg := PerMinute(30)

	if cfg.Requests != 30 {
		t.Errorf("Expected 30 requests, got %d", cfg.Requests)
	}
	if cfg.Window != time.Minute {
		t.Errorf("Expected 1 minute window, got %v", cfg.Window)
	}
	if cfg.Burst != 5 {
		t.Errorf("Expected burst 5, got %d", cfg.Burst)
	}
}

func TestPerHour(t *testing.T) {
	cfg := PerHour(5)

	if cfg.Requests != 5 {
		t.Errorf("Expected 5 requests, got %d", cfg.Requests)
	}
	if cfg.Window != time.Hour {
		t.Errorf("Expected 1 hour window, got %v", cfg.Window)
	}
	// Small hourly limits still get a minimum burst
	if cfg.Burst != 3 {
		t.Errorf("Expected burst 3, got %d", cfg.Burst)
	}
}

func TestRetryAfter(t *testing.T) {
	fast := New(PerMinute(120))
	defer fast.Stop()
	if got := fast.retryAfter(); got != 1 {
		t.Errorf("retryAfter for 120/min = %d, want 1", got)
	}

	slow := New(PerHour(5))
	defer slow.Stop()
	if got := slow.retryAfter(); got != 720 {
		t.Errorf("retryAfter for 5/h = %d, want 720", got)
	}
}

// Package ratelimit provides rate limiting middleware for the Pinchwork API.
package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Config configures rate limiting
type Config struct {
	// Requests is the max requests per key per Window
	Requests int
	// Window is the sustained-rate window
	Window time.Duration
	// Burst allows brief bursts above the limit
	Burst int
	// CleanupInterval is how often to clean old entries
	CleanupInterval time.Duration
}

// PerMinute returns a config allowing n requests per minute.
func PerMinute(n int) Config {
	return Config{
		Requests:        n,
		Window:          time.Minute,
		Burst:           burstFor(n),
		CleanupInterval: time.Minute,
	}
}

// PerHour returns a config allowing n requests per hour.
func PerHour(n int) Config {
	return Config{
		Requests:        n,
		Window:          time.Hour,
		Burst:           burstFor(n),
		CleanupInterval: 10 * time.Minute,
	}
}

func burstFor(n int) int {
	b := n / 6
	if b < 3 {
		b = 3
	}
	return b
}

// Limiter tracks rate limits by key
type Limiter struct {
	cfg     Config
	mu      sync.RWMutex
	clients map[string]*clientState
	stop    chan struct{}
}

type clientState struct {
	tokens    float64
	lastCheck time.Time
}

// New creates a new rate limiter
func New(cfg Config) *Limiter {
	l := &Limiter{
		cfg:     cfg,
		clients: make(map[string]*clientState),
		stop:    make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// cleanup removes stale entries periodically
func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			// Entries must outlive the window, or returning clients
			// would reset to a full burst.
			cutoff := time.Now().Add(-2 * l.cfg.Window)
			for key, state := range l.clients {
				if state.lastCheck.Before(cutoff) {
					delete(l.clients, key)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// Stop stops the cleanup goroutine
func (l *Limiter) Stop() {
	close(l.stop)
}

// Allow checks if a request should be allowed
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	state, exists := l.clients[key]

	if !exists {
		l.clients[key] = &clientState{
			tokens:    float64(l.cfg.Burst - 1),
			lastCheck: now,
		}
		return true
	}

	// Token bucket algorithm
	elapsed := now.Sub(state.lastCheck).Seconds()
	tokensPerSecond := float64(l.cfg.Requests) / l.cfg.Window.Seconds()
	state.tokens += elapsed * tokensPerSecond

	// Cap at burst size
	if state.tokens > float64(l.cfg.Burst) {
		state.tokens = float64(l.cfg.Burst)
	}

	state.lastCheck = now

	if state.tokens >= 1 {
		state.tokens--
		return true
	}

	return false
}

// retryAfter is the average refill interval in whole seconds, at least 1.
func (l *Limiter) retryAfter() int {
	secs := int(l.cfg.Window.Seconds()) / l.cfg.Requests
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Middleware returns a Gin middleware that rate limits by API key,
// falling back to client IP for unauthenticated requests.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()

		// Authenticated requests are limited per key, not per IP
		if apiKey := c.GetHeader("Authorization"); apiKey != "" {
			key = "auth:" + apiKey[:min(20, len(apiKey))]
		}

		if !l.Allow(key) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limited",
				"message":     "Too many requests. Please slow down.",
				"retry_after": l.retryAfter(),
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// MiddlewareWithConfig creates middleware with custom config
func MiddlewareWithConfig(cfg Config) gin.HandlerFunc {
	limiter := New(cfg)
	return limiter.Middleware()
}

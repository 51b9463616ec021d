// Package auth authenticates API requests against agent API keys.
//
// Keys are issued once at registration (pwk- prefix) and stored only as
// SHA-256 digests on the agent record, so authentication is a single
// digest lookup. The soft Middleware resolves the caller when a key is
// present; RequireAuth gates the routes that need one. Suspension is not
// checked here: suspended agents may still read their own state, and the
// operations that matter re-check standing.
package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/anneschuth/pinchwork/internal/agent"
	"github.com/anneschuth/pinchwork/internal/idgen"
)

// Context keys for authenticated request state.
const (
	ContextKeyAgentID = "authAgentID"
	ContextKeyAgent   = "authAgent"
)

// KeySource resolves an API key digest to the owning agent. The agent
// store satisfies this.
type KeySource interface {
	GetByKeyDigest(ctx context.Context, digest string) (*agent.Agent, error)
}

// Middleware resolves the caller's API key when one is present. It never
// aborts: unauthenticated requests pass through and RequireAuth decides
// which routes need a caller.
//
// Keys are accepted as "Authorization: Bearer pwk-..." or in X-API-Key.
func Middleware(keys KeySource) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := extractKey(c)
		if raw == "" || !strings.HasPrefix(raw, "pwk-") {
			c.Next()
			return
		}

		a, err := keys.GetByKeyDigest(c.Request.Context(), idgen.DigestKey(raw))
		if err != nil {
			c.Next()
			return
		}

		c.Set(ContextKeyAgentID, a.ID)
		c.Set(ContextKeyAgent, a)
		c.Next()
	}
}

// RequireAuth rejects requests that did not authenticate. It runs after
// Middleware, which does the actual key resolution.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsAuthenticated(c) {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Valid API key required. Register via POST /v1/agents/register.",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequireAdmin guards admin routes with a shared secret carried in the
// X-Admin-Key header. An empty configured key disables the surface.
func RequireAdmin(adminKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if adminKey == "" {
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Admin API is disabled",
			})
			c.Abort()
			return
		}
		if subtle.ConstantTimeCompare([]byte(c.GetHeader("X-Admin-Key")), []byte(adminKey)) != 1 {
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Invalid admin key",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// AgentID returns the authenticated caller's agent ID, or "" when the
// request carried no valid key. Handler packages take this as their
// authedAgentID hook.
func AgentID(c *gin.Context) string {
	if v, ok := c.Get(ContextKeyAgentID); ok {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

// Caller returns the agent record resolved during authentication. The
// record is a snapshot from the start of the request.
func Caller(c *gin.Context) (*agent.Agent, bool) {
	v, ok := c.Get(ContextKeyAgent)
	if !ok {
		return nil, false
	}
	a, ok := v.(*agent.Agent)
	return a, ok
}

// IsAuthenticated reports whether the request presented a valid API key.
func IsAuthenticated(c *gin.Context) bool {
	return AgentID(c) != ""
}

func extractKey(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return strings.TrimSpace(c.GetHeader("X-API-Key"))
}

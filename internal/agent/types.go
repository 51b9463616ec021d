// Package agent implements identity, balances, and standing for
// marketplace participants. Every caller of the API is an agent; the
// platform itself is one distinguished agent row.
package agent

import (
	"errors"
	"time"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	ErrNotFound        = errors.New("agent: not found")
	ErrDuplicateKey    = errors.New("agent: duplicate key digest")
	ErrSuspended       = errors.New("agent: suspended")
	ErrNegativeBalance = errors.New("agent: balance would go negative")
)

// PlatformID is the well-known id of the platform agent. It is created at
// store initialization and posts every system task.
const PlatformID = "ag-platform"

// -----------------------------------------------------------------------------
// Core Types
// -----------------------------------------------------------------------------

// Agent is a registered marketplace participant.
type Agent struct {
	ID                 string `json:"agent_id"`
	Name               string `json:"name"`
	Capabilities       string `json:"capabilities,omitempty"`
	AcceptsSystemTasks bool   `json:"accepts_system_tasks"`

	// Credits. Balance is spendable; Escrowed is locked under open tasks.
	Balance  int64 `json:"credits"`
	Escrowed int64 `json:"escrowed_credits"`

	// Standing
	Platform      bool       `json:"-"`
	Suspended     bool       `json:"suspended,omitempty"`
	SuspendReason string     `json:"suspend_reason,omitempty"`
	AbandonCount  int        `json:"-"`
	LastAbandonAt *time.Time `json:"-"`

	// Reputation is the arithmetic mean of received ratings, 2 decimal places.
	Reputation  float64 `json:"reputation"`
	RatingCount int     `json:"rating_count"`

	TasksPosted    int64 `json:"tasks_posted"`
	TasksCompleted int64 `json:"tasks_completed"`

	// Only the SHA-256 digest of the API key is ever stored.
	KeyDigest string `json:"-"`

	WebhookURL    string `json:"webhook_url,omitempty"`
	WebhookSecret string `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"-"`
}

// IsPlatform reports whether this is the platform agent. All special-casing
// of the platform goes through this predicate.
func (a *Agent) IsPlatform() bool {
	return a.Platform
}

// InCooldown reports whether the agent is locked out of pickup after
// repeated abandons.
func (a *Agent) InCooldown(now time.Time, maxAbandons int, cooldown time.Duration) bool {
	if a.AbandonCount < maxAbandons || a.LastAbandonAt == nil {
		return false
	}
	return now.Sub(*a.LastAbandonAt) < cooldown
}

// PublicProfile is the view of an agent exposed to other agents.
type PublicProfile struct {
	ID                 string    `json:"agent_id"`
	Name               string    `json:"name"`
	Capabilities       string    `json:"capabilities,omitempty"`
	AcceptsSystemTasks bool      `json:"accepts_system_tasks"`
	Reputation         float64   `json:"reputation"`
	RatingCount        int       `json:"rating_count"`
	TasksPosted        int64     `json:"tasks_posted"`
	TasksCompleted     int64     `json:"tasks_completed"`
	CreatedAt          time.Time `json:"created_at"`
}

// Public returns the externally visible view of the agent.
func (a *Agent) Public() PublicProfile {
	return PublicProfile{
		ID:                 a.ID,
		Name:               a.Name,
		Capabilities:       a.Capabilities,
		AcceptsSystemTasks: a.AcceptsSystemTasks,
		Reputation:         a.Reputation,
		RatingCount:        a.RatingCount,
		TasksPosted:        a.TasksPosted,
		TasksCompleted:     a.TasksCompleted,
		CreatedAt:          a.CreatedAt,
	}
}

// Profile is a partial update to an agent's own record. Nil fields are
// left unchanged.
type Profile struct {
	Name               *string `json:"name,omitempty"`
	Capabilities       *string `json:"capabilities,omitempty"`
	AcceptsSystemTasks *bool   `json:"accepts_system_tasks,omitempty"`
	WebhookURL         *string `json:"webhook_url,omitempty"`
	WebhookSecret      *string `json:"webhook_secret,omitempty"`
}

// -----------------------------------------------------------------------------
// Request Types
// -----------------------------------------------------------------------------

// RegisterRequest is the payload for agent registration.
type RegisterRequest struct {
	Name               string `json:"name" binding:"required"`
	Capabilities       string `json:"capabilities,omitempty"`
	AcceptsSystemTasks bool   `json:"accepts_system_tasks,omitempty"`
	WebhookURL         string `json:"webhook_url,omitempty"`
}

// Filter selects agents for listing (admin surface).
type Filter struct {
	Suspended *bool
	Limit     int
	Offset    int
}

// BalanceDelta is a signed change to one agent's balance and escrow,
// applied atomically with others by the ledger.
type BalanceDelta struct {
	AgentID  string
	Balance  int64
	Escrowed int64
}

// Package task stores marketplace tasks and their state machine. Every
// transition is a conditional write: the update names the status (and
// worker) it expects, and zero affected rows surfaces as ErrConflict so
// racing callers lose cleanly instead of double-applying.
package task

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("task: not found")
	ErrConflict = errors.New("task: conflicting transition")
)

// Status is the task lifecycle state.
type Status string

const (
	StatusPosted    Status = "posted"
	StatusClaimed   Status = "claimed"
	StatusDelivered Status = "delivered"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// MatchStatus tracks where a task sits in the matching funnel.
type MatchStatus string

const (
	MatchNone      MatchStatus = "none"      // posted without matching
	MatchPending   MatchStatus = "pending"   // match child in flight
	MatchMatched   MatchStatus = "matched"   // ranked agents recorded
	MatchBroadcast MatchStatus = "broadcast" // open to everyone
)

// VerificationStatus tracks the optional delivery verification.
type VerificationStatus string

const (
	VerifyNone    VerificationStatus = "none"
	VerifyPending VerificationStatus = "pending"
	VerifyPassed  VerificationStatus = "passed"
	VerifyFailed  VerificationStatus = "failed"
)

// System task types. System tasks are platform-posted children that do
// marketplace plumbing for a parent task.
const (
	SystemMatch  = "match"
	SystemVerify = "verify"
)

// Task is one unit of work in the marketplace.
type Task struct {
	ID       string `json:"id"`
	PosterID string `json:"poster_id"`
	WorkerID string `json:"worker_id,omitempty"`

	Need    string `json:"need"`
	Context string `json:"context,omitempty"`
	Result  string `json:"result,omitempty"`

	Status         Status   `json:"status"`
	MaxCredits     int64    `json:"max_credits"`
	CreditsCharged *int64   `json:"credits_charged,omitempty"`
	Tags           []string `json:"tags,omitempty"`

	IsSystem       bool   `json:"is_system,omitempty"`
	SystemTaskType string `json:"system_task_type,omitempty"`
	ParentTaskID   string `json:"parent_task_id,omitempty"`

	MatchStatus   MatchStatus `json:"match_status"`
	MatchDeadline *time.Time  `json:"match_deadline,omitempty"`

	VerificationStatus VerificationStatus `json:"verification_status,omitempty"`
	VerificationResult string             `json:"verification_result,omitempty"`

	RejectionReason string `json:"rejection_reason,omitempty"`
	RejectionCount  int    `json:"rejection_count,omitempty"`

	// Zero means the server default applies.
	ReviewWindowSeconds int `json:"review_window_seconds,omitempty"`
	ClaimWindowSeconds  int `json:"claim_window_seconds,omitempty"`
	MaxRejections       int `json:"max_rejections,omitempty"`

	// ClaimDeadline bounds the posted phase, DeliveryDeadline the claimed
	// phase (and the redelivery grace after a rejection), ReviewDeadline
	// the delivered phase.
	ClaimDeadline    *time.Time `json:"claim_deadline,omitempty"`
	DeliveryDeadline *time.Time `json:"delivery_deadline,omitempty"`
	ReviewDeadline   *time.Time `json:"review_deadline,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	ApprovedAt  *time.Time `json:"approved_at,omitempty"`
}

// Charged returns what the task will cost the poster: the delivered charge
// when set, otherwise the full escrowed maximum.
func (t *Task) Charged() int64 {
	if t.CreditsCharged != nil {
		return *t.CreditsCharged
	}
	return t.MaxCredits
}

// Match is one ranked candidate for a matched task.
type Match struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	AgentID   string    `json:"agent_id"`
	Rank      int       `json:"rank"`
	CreatedAt time.Time `json:"created_at"`
}

// Filter selects tasks for listing.
type Filter struct {
	PosterID      string
	WorkerID      string
	Status        Status
	ParentTaskID  string
	IncludeSystem bool
	Cursor        string
	Limit         int
}

// AvailableFilter narrows the browse view.
type AvailableFilter struct {
	Tags   []string
	Query  string
	Cursor string
	Limit  int
}

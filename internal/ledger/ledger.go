// Package ledger records every credit movement on the marketplace.
//
// Flow:
//  1. Poster escrows credits when posting a task
//  2. Approval settles the charged amount to the worker minus the platform fee
//  3. Rejection, cancellation, or expiry refunds escrow to the poster
//  4. Balances live on the agents table; entries are the audit trail
//
// Registration grants are not entries: an agent's balance folds as the
// initial grant plus the sum of its entry amounts.
package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInsufficientCredits = errors.New("ledger: insufficient credits")
	ErrInsufficientEscrow  = errors.New("ledger: insufficient escrow")
	ErrAgentNotFound       = errors.New("ledger: agent not found")
	ErrInvalidAmount       = errors.New("ledger: invalid amount")
)

// Entry reasons. Amounts are signed credits on the balance axis, except
// escrow_release which is carried on the escrow axis only.
const (
	ReasonEscrowHold    = "escrow_hold"    // balance -> escrow, negative
	ReasonEscrowRelease = "escrow_release" // escrow leaves the poster, negative
	ReasonEscrowRefund  = "escrow_refund"  // escrow -> balance, positive
	ReasonPayment       = "payment"        // worker earnings, positive
	ReasonFee           = "fee"            // platform cut, positive
	ReasonGrant         = "grant"          // admin top-up, positive
	ReasonAdjustment    = "adjustment"     // admin correction, signed
)

// Entry is one immutable ledger line.
type Entry struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	TaskID    string    `json:"task_id,omitempty"`
	Reason    string    `json:"reason"`
	Amount    int64     `json:"amount"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Fold is the recomputed position of one agent from its entries alone.
// Balance excludes the registration grant; reconciliation adds it back
// before comparing against the agents table.
type Fold struct {
	AgentID  string
	Balance  int64
	Escrowed int64
}

// Apply accumulates one entry into the fold.
func (f *Fold) Apply(e *Entry) {
	switch e.Reason {
	case ReasonEscrowHold, ReasonEscrowRefund:
		f.Balance += e.Amount
		f.Escrowed -= e.Amount
	case ReasonEscrowRelease:
		f.Escrowed += e.Amount
	default:
		f.Balance += e.Amount
	}
}

// Store persists ledger entries and moves balances atomically. Every
// operation is a single transaction pairing the balance update with the
// entry inserts; a partial write never survives.
type Store interface {
	// Hold moves amount from the poster's balance into escrow.
	Hold(ctx context.Context, agentID string, amount int64, taskID string) error

	// Refund returns amount from escrow to the agent's balance.
	Refund(ctx context.Context, agentID string, amount int64, taskID string) error

	// Settle closes out a task's escrow: the poster's escrow drops by
	// charged+refund, refund going back to their balance; the worker is
	// paid charged-fee; the platform collects fee.
	Settle(ctx context.Context, posterID, workerID, platformID string, charged, refund, fee int64, taskID string) error

	// Pay transfers amount between balances directly, with no escrow leg.
	// Used for zero-fee system task settlements out of the platform account.
	Pay(ctx context.Context, fromID, toID string, amount int64, taskID string) error

	// Grant credits an agent (admin).
	Grant(ctx context.Context, agentID string, amount int64, note string) error

	// Adjust applies a signed correction to an agent's balance (admin).
	Adjust(ctx context.Context, agentID string, amount int64, note string) error

	// History returns entries newest-first. cursor is the id of the last
	// entry of the previous page, empty for the first page. The returned
	// cursor is empty when there are no further pages.
	History(ctx context.Context, agentID string, cursor string, limit int) ([]*Entry, string, error)

	// FoldAll recomputes every agent's fold from entries, for
	// reconciliation against the agents table.
	FoldAll(ctx context.Context) (map[string]*Fold, error)
}

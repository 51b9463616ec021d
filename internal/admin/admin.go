// Package admin provides the operator surface: credit grants and
// corrections, suspensions, agent listing, and on-demand reconciliation.
// Routes mount behind the X-Admin-Key middleware; the operator is not an
// agent and nothing here is reachable with an agent API key.
package admin

import (
	"context"

	"github.com/anneschuth/pinchwork/internal/agent"
	"github.com/anneschuth/pinchwork/internal/reconciliation"
)

// Treasury moves credits outside the task lifecycle. The ledger service
// satisfies this.
type Treasury interface {
	Grant(ctx context.Context, agentID string, amount int64, note string) error
	Adjust(ctx context.Context, agentID string, amount int64, note string) error
}

// Directory reads and disciplines agents. The agent service satisfies
// this.
type Directory interface {
	Get(ctx context.Context, id string) (*agent.Agent, error)
	Suspend(ctx context.Context, id, reason string) error
	Unsuspend(ctx context.Context, id string) error
}

// Lister pages through agent records. The agent store satisfies this.
type Lister interface {
	List(ctx context.Context, filter agent.Filter) ([]*agent.Agent, error)
}

// Reconciler replays the ledger against stored balances on demand.
type Reconciler interface {
	Run(ctx context.Context) (*reconciliation.Result, error)
}

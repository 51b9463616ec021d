//go:build integration

package ledger

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anneschuth/pinchwork/internal/testutil"
)

func setupPG(t *testing.T) (*PostgresStore, *sql.DB) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)
	return NewPostgresStore(db), db
}

func seedAgentRow(t *testing.T, db *sql.DB, id string, balance int64) {
	t.Helper()
	_, err := db.Exec(`INSERT INTO agents (id, name, key_digest, balance) VALUES ($1, $1, $1, $2)`, id, balance)
	if err != nil {
		t.Fatalf("seed agent %s: %v", id, err)
	}
}

func seedPlatformRow(t *testing.T, db *sql.DB, id string) {
	t.Helper()
	_, err := db.Exec(`INSERT INTO agents (id, name, key_digest, platform) VALUES ($1, $1, $1, TRUE)`, id)
	if err != nil {
		t.Fatalf("seed platform %s: %v", id, err)
	}
}

func seedTaskRow(t *testing.T, db *sql.DB, id, posterID string) {
	t.Helper()
	_, err := db.Exec(`INSERT INTO tasks (id, poster_id, need, max_credits) VALUES ($1, $2, 'need', 100)`, id, posterID)
	if err != nil {
		t.Fatalf("seed task %s: %v", id, err)
	}
}

func pgBalances(t *testing.T, db *sql.DB, id string) (int64, int64) {
	t.Helper()
	var balance, escrowed int64
	err := db.QueryRow(`SELECT balance, escrowed FROM agents WHERE id = $1`, id).Scan(&balance, &escrowed)
	if err != nil {
		t.Fatalf("read balances for %s: %v", id, err)
	}
	return balance, escrowed
}

func entryReasons(t *testing.T, store *PostgresStore, agentID string) []string {
	t.Helper()
	entries, _, err := store.History(context.Background(), agentID, "", 50)
	require.NoError(t, err)
	reasons := make([]string, len(entries))
	for i, e := range entries {
		reasons[i] = e.Reason
	}
	return reasons
}

func TestPostgresLedger_HoldAndRefund(t *testing.T) {
	store, db := setupPG(t)
	ctx := context.Background()
	seedAgentRow(t, db, "ag-poster", 100)
	seedTaskRow(t, db, "tk-1", "ag-poster")

	require.NoError(t, store.Hold(ctx, "ag-poster", 40, "tk-1"))
	balance, escrowed := pgBalances(t, db, "ag-poster")
	assert.Equal(t, int64(60), balance)
	assert.Equal(t, int64(40), escrowed)

	require.NoError(t, store.Refund(ctx, "ag-poster", 40, "tk-1"))
	balance, escrowed = pgBalances(t, db, "ag-poster")
	assert.Equal(t, int64(100), balance)
	assert.Equal(t, int64(0), escrowed)

	// Newest first: refund, then hold.
	assert.Equal(t, []string{ReasonEscrowRefund, ReasonEscrowHold}, entryReasons(t, store, "ag-poster"))
}

func TestPostgresLedger_Hold_Guards(t *testing.T) {
	store, db := setupPG(t)
	ctx := context.Background()
	seedAgentRow(t, db, "ag-poster", 10)

	assert.ErrorIs(t, store.Hold(ctx, "ag-poster", 11, ""), ErrInsufficientCredits)
	assert.ErrorIs(t, store.Hold(ctx, "ag-ghost", 5, ""), ErrAgentNotFound)
	assert.ErrorIs(t, store.Hold(ctx, "ag-poster", 0, ""), ErrInvalidAmount)
	assert.ErrorIs(t, store.Hold(ctx, "ag-poster", -5, ""), ErrInvalidAmount)

	// A failed hold moves nothing and writes nothing.
	balance, escrowed := pgBalances(t, db, "ag-poster")
	assert.Equal(t, int64(10), balance)
	assert.Equal(t, int64(0), escrowed)
	assert.Empty(t, entryReasons(t, store, "ag-poster"))
}

func TestPostgresLedger_Refund_Insufficient(t *testing.T) {
	store, db := setupPG(t)
	ctx := context.Background()
	seedAgentRow(t, db, "ag-poster", 100)

	require.NoError(t, store.Hold(ctx, "ag-poster", 20, ""))
	assert.ErrorIs(t, store.Refund(ctx, "ag-poster", 21, ""), ErrInsufficientEscrow)
	assert.ErrorIs(t, store.Refund(ctx, "ag-ghost", 5, ""), ErrAgentNotFound)
}

func TestPostgresLedger_Settle_PartialCharge(t *testing.T) {
	store, db := setupPG(t)
	ctx := context.Background()
	seedAgentRow(t, db, "ag-poster", 100)
	seedAgentRow(t, db, "ag-worker", 0)
	seedPlatformRow(t, db, "platform")
	seedTaskRow(t, db, "tk-1", "ag-poster")

	require.NoError(t, store.Hold(ctx, "ag-poster", 50, "tk-1"))

	// Worker charged 30 of the 50 held; 20 comes back, platform keeps 3.
	require.NoError(t, store.Settle(ctx, "ag-poster", "ag-worker", "platform", 30, 20, 3, "tk-1"))

	balance, escrowed := pgBalances(t, db, "ag-poster")
	assert.Equal(t, int64(70), balance)
	assert.Equal(t, int64(0), escrowed)

	balance, _ = pgBalances(t, db, "ag-worker")
	assert.Equal(t, int64(27), balance)

	balance, _ = pgBalances(t, db, "platform")
	assert.Equal(t, int64(3), balance)

	assert.Equal(t, []string{ReasonEscrowRefund, ReasonEscrowRelease, ReasonEscrowHold},
		entryReasons(t, store, "ag-poster"))
	assert.Equal(t, []string{ReasonPayment}, entryReasons(t, store, "ag-worker"))
	assert.Equal(t, []string{ReasonFee}, entryReasons(t, store, "platform"))
}

func TestPostgresLedger_Settle_FullCharge(t *testing.T) {
	store, db := setupPG(t)
	ctx := context.Background()
	seedAgentRow(t, db, "ag-poster", 100)
	seedAgentRow(t, db, "ag-worker", 0)
	seedPlatformRow(t, db, "platform")

	require.NoError(t, store.Hold(ctx, "ag-poster", 50, ""))
	require.NoError(t, store.Settle(ctx, "ag-poster", "ag-worker", "platform", 50, 0, 5, ""))

	balance, escrowed := pgBalances(t, db, "ag-poster")
	assert.Equal(t, int64(50), balance)
	assert.Equal(t, int64(0), escrowed)
	balance, _ = pgBalances(t, db, "ag-worker")
	assert.Equal(t, int64(45), balance)

	// No refund line when nothing comes back.
	assert.Equal(t, []string{ReasonEscrowRelease, ReasonEscrowHold}, entryReasons(t, store, "ag-poster"))
}

func TestPostgresLedger_Settle_Guards(t *testing.T) {
	store, db := setupPG(t)
	ctx := context.Background()
	seedAgentRow(t, db, "ag-poster", 100)
	seedAgentRow(t, db, "ag-worker", 0)
	seedPlatformRow(t, db, "platform")

	assert.ErrorIs(t, store.Settle(ctx, "ag-poster", "ag-worker", "platform", 0, 0, 0, ""), ErrInvalidAmount)
	assert.ErrorIs(t, store.Settle(ctx, "ag-poster", "ag-worker", "platform", 10, -1, 0, ""), ErrInvalidAmount)
	assert.ErrorIs(t, store.Settle(ctx, "ag-poster", "ag-worker", "platform", 10, 0, 11, ""), ErrInvalidAmount)

	// Nothing held yet.
	assert.ErrorIs(t, store.Settle(ctx, "ag-poster", "ag-worker", "platform", 10, 0, 1, ""), ErrInsufficientEscrow)

	require.NoError(t, store.Hold(ctx, "ag-poster", 10, ""))
	assert.ErrorIs(t, store.Settle(ctx, "ag-poster", "ag-ghost", "platform", 10, 0, 1, ""), ErrAgentNotFound)

	// The failed settle rolled back; escrow is still intact.
	_, escrowed := pgBalances(t, db, "ag-poster")
	assert.Equal(t, int64(10), escrowed)
}

func TestPostgresLedger_Pay(t *testing.T) {
	store, db := setupPG(t)
	ctx := context.Background()
	seedAgentRow(t, db, "ag-worker", 5)
	seedPlatformRow(t, db, "platform")

	// The platform may run negative to pay for system work.
	require.NoError(t, store.Pay(ctx, "platform", "ag-worker", 8, ""))
	balance, _ := pgBalances(t, db, "platform")
	assert.Equal(t, int64(-8), balance)
	balance, _ = pgBalances(t, db, "ag-worker")
	assert.Equal(t, int64(13), balance)

	// Ordinary agents are guarded.
	assert.ErrorIs(t, store.Pay(ctx, "ag-worker", "platform", 14, ""), ErrInsufficientCredits)
	assert.ErrorIs(t, store.Pay(ctx, "ag-ghost", "platform", 1, ""), ErrAgentNotFound)
	assert.ErrorIs(t, store.Pay(ctx, "platform", "ag-ghost", 1, ""), ErrAgentNotFound)
}

func TestPostgresLedger_GrantAndAdjust(t *testing.T) {
	store, db := setupPG(t)
	ctx := context.Background()
	seedAgentRow(t, db, "ag-1", 0)

	require.NoError(t, store.Grant(ctx, "ag-1", 100, "welcome"))
	assert.ErrorIs(t, store.Grant(ctx, "ag-1", 0, ""), ErrInvalidAmount)
	assert.ErrorIs(t, store.Grant(ctx, "ag-1", -5, ""), ErrInvalidAmount)

	require.NoError(t, store.Adjust(ctx, "ag-1", -30, "support ticket 412"))
	assert.ErrorIs(t, store.Adjust(ctx, "ag-1", 0, ""), ErrInvalidAmount)
	assert.ErrorIs(t, store.Adjust(ctx, "ag-1", -71, "too deep"), ErrInsufficientCredits)

	balance, _ := pgBalances(t, db, "ag-1")
	assert.Equal(t, int64(70), balance)

	entries, _, err := store.History(ctx, "ag-1", "", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ReasonAdjustment, entries[0].Reason)
	assert.Equal(t, int64(-30), entries[0].Amount)
	assert.Equal(t, "support ticket 412", entries[0].Note)
	assert.Equal(t, ReasonGrant, entries[1].Reason)
	assert.Equal(t, "welcome", entries[1].Note)
}

func TestPostgresLedger_HistoryPagination(t *testing.T) {
	store, db := setupPG(t)
	ctx := context.Background()
	seedAgentRow(t, db, "ag-1", 0)
	seedAgentRow(t, db, "ag-2", 0)

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, store.Grant(ctx, "ag-1", i, ""))
	}
	// Another agent's entries never leak into the page.
	require.NoError(t, store.Grant(ctx, "ag-2", 999, ""))

	var amounts []int64
	cursor := ""
	for {
		page, next, err := store.History(ctx, "ag-1", cursor, 2)
		require.NoError(t, err)
		for _, e := range page {
			amounts = append(amounts, e.Amount)
		}
		if next == "" {
			break
		}
		cursor = next
	}
	assert.Equal(t, []int64{5, 4, 3, 2, 1}, amounts)
}

func TestPostgresLedger_FoldMatchesBalances(t *testing.T) {
	store, db := setupPG(t)
	ctx := context.Background()
	seedAgentRow(t, db, "ag-poster", 0)
	seedAgentRow(t, db, "ag-worker", 0)
	seedPlatformRow(t, db, "platform")
	seedTaskRow(t, db, "tk-1", "ag-poster")

	require.NoError(t, store.Grant(ctx, "ag-poster", 100, ""))
	require.NoError(t, store.Hold(ctx, "ag-poster", 50, "tk-1"))
	require.NoError(t, store.Settle(ctx, "ag-poster", "ag-worker", "platform", 30, 20, 3, "tk-1"))

	folds, err := store.FoldAll(ctx)
	require.NoError(t, err)

	for _, id := range []string{"ag-poster", "ag-worker", "platform"} {
		balance, escrowed := pgBalances(t, db, id)
		fold, ok := folds[id]
		require.True(t, ok, "missing fold for %s", id)
		assert.Equal(t, balance, fold.Balance, "balance fold for %s", id)
		assert.Equal(t, escrowed, fold.Escrowed, "escrow fold for %s", id)
	}
}

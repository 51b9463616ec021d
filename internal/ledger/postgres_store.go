package ledger

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/anneschuth/pinchwork/internal/idgen"
)

// PostgresStore implements Store with PostgreSQL. Balances sit on the
// agents table; every operation runs one serializable transaction that
// updates balances conditionally and appends the matching entries. CHECK
// constraints on agents back up the WHERE guards.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Compile-time interface check
var _ Store = (*PostgresStore)(nil)

func (p *PostgresStore) Hold(ctx context.Context, agentID string, amount int64, taskID string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE agents SET
			balance    = balance  - $2,
			escrowed   = escrowed + $2,
			updated_at = NOW()
		WHERE id = $1 AND balance >= $2
	`, agentID, amount)
	if err != nil {
		return fmt.Errorf("hold escrow: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return p.missingOr(ctx, tx, agentID, ErrInsufficientCredits)
	}

	if err := insertEntry(ctx, tx, agentID, taskID, ReasonEscrowHold, -amount, ""); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Refund(ctx context.Context, agentID string, amount int64, taskID string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE agents SET
			escrowed   = escrowed - $2,
			balance    = balance  + $2,
			updated_at = NOW()
		WHERE id = $1 AND escrowed >= $2
	`, agentID, amount)
	if err != nil {
		return fmt.Errorf("refund escrow: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return p.missingOr(ctx, tx, agentID, ErrInsufficientEscrow)
	}

	if err := insertEntry(ctx, tx, agentID, taskID, ReasonEscrowRefund, amount, ""); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Settle(ctx context.Context, posterID, workerID, platformID string, charged, refund, fee int64, taskID string) error {
	if charged <= 0 || refund < 0 || fee < 0 || fee > charged {
		return ErrInvalidAmount
	}

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Poster: escrow drops by the full held amount, only the unspent part
	// comes back to balance.
	result, err := tx.ExecContext(ctx, `
		UPDATE agents SET
			escrowed   = escrowed - $2,
			balance    = balance  + $3,
			updated_at = NOW()
		WHERE id = $1 AND escrowed >= $2
	`, posterID, charged+refund, refund)
	if err != nil {
		return fmt.Errorf("settle poster: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return p.missingOr(ctx, tx, posterID, ErrInsufficientEscrow)
	}

	result, err = tx.ExecContext(ctx, `
		UPDATE agents SET balance = balance + $2, updated_at = NOW() WHERE id = $1
	`, workerID, charged-fee)
	if err != nil {
		return fmt.Errorf("settle worker: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrAgentNotFound
	}

	if fee > 0 {
		result, err = tx.ExecContext(ctx, `
			UPDATE agents SET balance = balance + $2, updated_at = NOW() WHERE id = $1
		`, platformID, fee)
		if err != nil {
			return fmt.Errorf("settle fee: %w", err)
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return ErrAgentNotFound
		}
	}

	if err := insertEntry(ctx, tx, posterID, taskID, ReasonEscrowRelease, -charged, ""); err != nil {
		return err
	}
	if refund > 0 {
		if err := insertEntry(ctx, tx, posterID, taskID, ReasonEscrowRefund, refund, ""); err != nil {
			return err
		}
	}
	if err := insertEntry(ctx, tx, workerID, taskID, ReasonPayment, charged-fee, ""); err != nil {
		return err
	}
	if fee > 0 {
		if err := insertEntry(ctx, tx, platformID, taskID, ReasonFee, fee, ""); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) Pay(ctx context.Context, fromID, toID string, amount int64, taskID string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// The platform account may run negative; everyone else is guarded.
	result, err := tx.ExecContext(ctx, `
		UPDATE agents SET balance = balance - $2, updated_at = NOW()
		WHERE id = $1 AND (platform OR balance >= $2)
	`, fromID, amount)
	if err != nil {
		return fmt.Errorf("pay debit: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return p.missingOr(ctx, tx, fromID, ErrInsufficientCredits)
	}

	result, err = tx.ExecContext(ctx, `
		UPDATE agents SET balance = balance + $2, updated_at = NOW() WHERE id = $1
	`, toID, amount)
	if err != nil {
		return fmt.Errorf("pay credit: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrAgentNotFound
	}

	if err := insertEntry(ctx, tx, fromID, taskID, ReasonAdjustment, -amount, "system task settlement"); err != nil {
		return err
	}
	if err := insertEntry(ctx, tx, toID, taskID, ReasonPayment, amount, ""); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Grant(ctx context.Context, agentID string, amount int64, note string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	return p.adjust(ctx, agentID, amount, ReasonGrant, note)
}

func (p *PostgresStore) Adjust(ctx context.Context, agentID string, amount int64, note string) error {
	if amount == 0 {
		return ErrInvalidAmount
	}
	return p.adjust(ctx, agentID, amount, ReasonAdjustment, note)
}

func (p *PostgresStore) adjust(ctx context.Context, agentID string, amount int64, reason, note string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE agents SET balance = balance + $2, updated_at = NOW()
		WHERE id = $1 AND (platform OR balance + $2 >= 0)
	`, agentID, amount)
	if err != nil {
		return fmt.Errorf("adjust balance: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return p.missingOr(ctx, tx, agentID, ErrInsufficientCredits)
	}

	if err := insertEntry(ctx, tx, agentID, "", reason, amount, note); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) History(ctx context.Context, agentID string, cursor string, limit int) ([]*Entry, string, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, agent_id, COALESCE(task_id, ''), reason, amount, COALESCE(note, ''), created_at
		FROM credit_ledger
		WHERE agent_id = $1
	`
	args := []any{agentID}
	if cursor != "" {
		query += ` AND (created_at, id) < (SELECT created_at, id FROM credit_ledger WHERE id = $2)`
		args = append(args, cursor)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.AgentID, &e.TaskID, &e.Reason, &e.Amount, &e.Note, &e.CreatedAt); err != nil {
			return nil, "", err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	next := ""
	if len(entries) == limit {
		next = entries[len(entries)-1].ID
	}
	return entries, next, nil
}

func (p *PostgresStore) FoldAll(ctx context.Context) (map[string]*Fold, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT agent_id,
		       COALESCE(SUM(amount) FILTER (WHERE reason <> 'escrow_release'), 0),
		       COALESCE(SUM(CASE
		           WHEN reason IN ('escrow_hold', 'escrow_refund') THEN -amount
		           WHEN reason = 'escrow_release' THEN amount
		           ELSE 0
		       END), 0)
		FROM credit_ledger
		GROUP BY agent_id
	`)
	if err != nil {
		return nil, fmt.Errorf("fold entries: %w", err)
	}
	defer rows.Close()

	folds := make(map[string]*Fold)
	for rows.Next() {
		f := &Fold{}
		if err := rows.Scan(&f.AgentID, &f.Balance, &f.Escrowed); err != nil {
			return nil, err
		}
		folds[f.AgentID] = f
	}
	return folds, rows.Err()
}

// missingOr resolves a zero-row conditional update: the agent either does
// not exist or failed the balance guard.
func (p *PostgresStore) missingOr(ctx context.Context, tx *sql.Tx, agentID string, guardErr error) error {
	var exists bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM agents WHERE id = $1)`, agentID,
	).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrAgentNotFound
	}
	return guardErr
}

func insertEntry(ctx context.Context, tx *sql.Tx, agentID, taskID, reason string, amount int64, note string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO credit_ledger (id, agent_id, task_id, reason, amount, note, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, NULLIF($6, ''), NOW())
	`, idgen.Ledger(), agentID, taskID, reason, amount, note)
	if err != nil {
		return fmt.Errorf("record entry: %w", err)
	}
	return nil
}

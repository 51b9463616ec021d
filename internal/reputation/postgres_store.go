package reputation

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore implements Store with PostgreSQL. The unique index on
// (task_id, rater_id) enforces the once-per-direction rule.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ratings store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Compile-time interface check
var _ Store = (*PostgresStore)(nil)

func (p *PostgresStore) Create(ctx context.Context, r *Rating) error {
	result, err := p.db.ExecContext(ctx, `
		INSERT INTO ratings (task_id, rater_id, ratee_id, score, feedback, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)
		ON CONFLICT (task_id, rater_id) DO NOTHING
	`, r.TaskID, r.RaterID, r.RateeID, r.Score, r.Feedback, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert rating: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrAlreadyRated
	}
	return nil
}

func (p *PostgresStore) MeanFor(ctx context.Context, agentID string) (float64, int, error) {
	var (
		mean  sql.NullFloat64
		count int
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT AVG(score), COUNT(*) FROM ratings WHERE ratee_id = $1
	`, agentID).Scan(&mean, &count)
	if err != nil {
		return 0, 0, fmt.Errorf("mean rating: %w", err)
	}
	return mean.Float64, count, nil
}

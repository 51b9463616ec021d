package reports

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed reports store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Compile-time interface check
var _ Store = (*PostgresStore)(nil)

func (p *PostgresStore) Create(ctx context.Context, r *Report) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO reports (id, task_id, reporter_id, reason, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, r.ID, r.TaskID, r.ReporterID, r.Reason, string(r.Status), r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Report, error) {
	r := &Report{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, task_id, reporter_id, reason, status, created_at
		FROM reports WHERE id = $1
	`, id).Scan(&r.ID, &r.TaskID, &r.ReporterID, &r.Reason, &r.Status, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get report: %w", err)
	}
	return r, nil
}

func (p *PostgresStore) List(ctx context.Context, f Filter) ([]*Report, string, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}

	query := `
		SELECT id, task_id, reporter_id, reason, status, created_at
		FROM reports
		WHERE 1=1
	`
	var args []any
	if f.Status != "" {
		args = append(args, string(f.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.Cursor != "" {
		args = append(args, f.Cursor)
		query += fmt.Sprintf(" AND (created_at, id) < (SELECT created_at, id FROM reports WHERE id = $%d)", len(args))
	}
	args = append(args, f.Limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	var out []*Report
	for rows.Next() {
		r := &Report{}
		if err := rows.Scan(&r.ID, &r.TaskID, &r.ReporterID, &r.Reason, &r.Status, &r.CreatedAt); err != nil {
			return nil, "", err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	next := ""
	if len(out) == f.Limit {
		next = out[len(out)-1].ID
	}
	return out, next, nil
}

func (p *PostgresStore) Resolve(ctx context.Context, id string, to Status) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE reports SET status = $2 WHERE id = $1 AND status = 'open'
	`, id, string(to))
	if err != nil {
		return fmt.Errorf("resolve report: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM reports WHERE id = $1)`, id,
		).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrAlreadyResolved
	}
	return nil
}

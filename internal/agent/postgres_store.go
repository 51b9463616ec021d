package agent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store using PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Compile-time interface check
var _ Store = (*PostgresStore)(nil)

const agentColumns = `id, name, capabilities, accepts_system_tasks, balance, escrowed,
	platform, suspended, suspend_reason, abandon_count, last_abandon_at,
	reputation, rating_count, tasks_posted, tasks_completed,
	key_digest, webhook_url, webhook_secret, created_at, updated_at`

func scanAgent(row interface{ Scan(...any) error }) (*Agent, error) {
	var a Agent
	var capabilities, suspendReason, webhookURL, webhookSecret sql.NullString
	var lastAbandonAt sql.NullTime

	err := row.Scan(
		&a.ID, &a.Name, &capabilities, &a.AcceptsSystemTasks, &a.Balance, &a.Escrowed,
		&a.Platform, &a.Suspended, &suspendReason, &a.AbandonCount, &lastAbandonAt,
		&a.Reputation, &a.RatingCount, &a.TasksPosted, &a.TasksCompleted,
		&a.KeyDigest, &webhookURL, &webhookSecret, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.Capabilities = capabilities.String
	a.SuspendReason = suspendReason.String
	a.WebhookURL = webhookURL.String
	a.WebhookSecret = webhookSecret.String
	if lastAbandonAt.Valid {
		t := lastAbandonAt.Time
		a.LastAbandonAt = &t
	}
	return &a, nil
}

func (p *PostgresStore) Create(ctx context.Context, a *Agent) error {
	now := time.Now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, capabilities, accepts_system_tasks, balance, escrowed,
			platform, suspended, key_digest, webhook_url, webhook_secret, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
	`, a.ID, a.Name, nullString(a.Capabilities), a.AcceptsSystemTasks, a.Balance, a.Escrowed,
		a.Platform, a.Suspended, a.KeyDigest, nullString(a.WebhookURL), nullString(a.WebhookSecret), a.CreatedAt)

	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateKey
		}
		return fmt.Errorf("failed to create agent: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Agent, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return a, nil
}

func (p *PostgresStore) GetByKeyDigest(ctx context.Context, digest string) (*Agent, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE key_digest = $1`, digest)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent by key: %w", err)
	}
	return a, nil
}

func (p *PostgresStore) List(ctx context.Context, filter Filter) ([]*Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	var args []interface{}

	if filter.Suspended != nil {
		args = append(args, *filter.Suspended)
		query += fmt.Sprintf(" WHERE suspended = $%d", len(args))
	}

	query += " ORDER BY created_at DESC, id"

	if filter.Limit <= 0 {
		filter.Limit = 100
	}
	args = append(args, filter.Limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agents: %w", err)
	}
	return agents, nil
}

func (p *PostgresStore) UpdateProfile(ctx context.Context, id string, prof Profile) error {
	sets := []string{"updated_at = NOW()"}
	var args []interface{}

	add := func(column string, value interface{}) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if prof.Name != nil {
		add("name", *prof.Name)
	}
	if prof.Capabilities != nil {
		add("capabilities", nullString(*prof.Capabilities))
	}
	if prof.AcceptsSystemTasks != nil {
		add("accepts_system_tasks", *prof.AcceptsSystemTasks)
	}
	if prof.WebhookURL != nil {
		add("webhook_url", nullString(*prof.WebhookURL))
	}
	if prof.WebhookSecret != nil {
		add("webhook_secret", nullString(*prof.WebhookSecret))
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE agents SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))

	result, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update profile: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) SetSuspended(ctx context.Context, id string, suspended bool, reason string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE agents SET suspended = $2, suspend_reason = $3, updated_at = NOW()
		WHERE id = $1
	`, id, suspended, nullString(reason))
	if err != nil {
		return fmt.Errorf("failed to set suspended: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) RecordAbandon(ctx context.Context, id string, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE agents SET abandon_count = abandon_count + 1, last_abandon_at = $2, updated_at = NOW()
		WHERE id = $1
	`, id, at)
	if err != nil {
		return fmt.Errorf("failed to record abandon: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ResetAbandons(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE agents SET abandon_count = 0, last_abandon_at = NULL, updated_at = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("failed to reset abandons: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) CountInfraAgents(ctx context.Context) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM agents
		WHERE accepts_system_tasks = true AND suspended = false AND platform = false
	`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count infra agents: %w", err)
	}
	return count, nil
}

func (p *PostgresStore) IncrementTasksPosted(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE agents SET tasks_posted = tasks_posted + 1, updated_at = NOW() WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("failed to increment tasks posted: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) IncrementTasksCompleted(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE agents SET tasks_completed = tasks_completed + 1, updated_at = NOW() WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("failed to increment tasks completed: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) UpdateReputation(ctx context.Context, id string, mean float64, count int) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE agents SET reputation = $2, rating_count = $3, updated_at = NOW() WHERE id = $1
	`, id, mean, count)
	if err != nil {
		return fmt.Errorf("failed to update reputation: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

package comms

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed comms store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Compile-time interface check
var _ Store = (*PostgresStore)(nil)

func (p *PostgresStore) CreateQuestion(ctx context.Context, q *Question) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO task_questions (id, task_id, asker_id, question, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, q.ID, q.TaskID, q.AskerID, q.Question, q.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert question: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetQuestion(ctx context.Context, id string) (*Question, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, task_id, asker_id, question, COALESCE(answer, ''), created_at, answered_at
		FROM task_questions WHERE id = $1
	`, id)
	q, err := scanQuestion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get question: %w", err)
	}
	return q, nil
}

func scanQuestion(row interface{ Scan(...any) error }) (*Question, error) {
	q := &Question{}
	var answeredAt sql.NullTime
	if err := row.Scan(&q.ID, &q.TaskID, &q.AskerID, &q.Question, &q.Answer, &q.CreatedAt, &answeredAt); err != nil {
		return nil, err
	}
	if answeredAt.Valid {
		v := answeredAt.Time
		q.AnsweredAt = &v
	}
	return q, nil
}

func (p *PostgresStore) AnswerQuestion(ctx context.Context, id, answer string, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE task_questions SET answer = $2, answered_at = $3
		WHERE id = $1 AND answer IS NULL
	`, id, answer, at)
	if err != nil {
		return fmt.Errorf("answer question: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		// Either the row is gone or someone answered first.
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM task_questions WHERE id = $1)`, id,
		).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrAlreadyAnswered
	}
	return nil
}

func (p *PostgresStore) ListQuestions(ctx context.Context, taskID string) ([]*Question, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, task_id, asker_id, question, COALESCE(answer, ''), created_at, answered_at
		FROM task_questions WHERE task_id = $1
		ORDER BY created_at ASC, id ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	defer rows.Close()

	var out []*Question
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CountUnanswered(ctx context.Context, taskID string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM task_questions WHERE task_id = $1 AND answer IS NULL
	`, taskID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unanswered: %w", err)
	}
	return n, nil
}

func (p *PostgresStore) CreateMessage(ctx context.Context, m *Message) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO task_messages (id, task_id, sender_id, message, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, m.ID, m.TaskID, m.SenderID, m.Message, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListMessages(ctx context.Context, taskID string) ([]*Message, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, task_id, sender_id, message, created_at
		FROM task_messages WHERE task_id = $1
		ORDER BY created_at ASC, id ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m := &Message{}
		if err := rows.Scan(&m.ID, &m.TaskID, &m.SenderID, &m.Message, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

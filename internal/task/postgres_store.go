package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/anneschuth/pinchwork/internal/idgen"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed task store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Compile-time interface check
var _ Store = (*PostgresStore)(nil)

const taskColumns = `
	id, poster_id, worker_id, need, context, result,
	status, max_credits, credits_charged, tags,
	is_system, system_task_type, parent_task_id,
	match_status, match_deadline,
	verification_status, verification_result,
	rejection_reason, rejection_count, max_rejections,
	review_window_seconds, claim_window_seconds,
	claim_deadline, delivery_deadline, review_deadline,
	created_at, claimed_at, delivered_at, approved_at`

func scanTask(row interface{ Scan(...any) error }) (*Task, error) {
	t := &Task{}
	var (
		workerID, taskContext, result       sql.NullString
		charged                             sql.NullInt64
		tagsRaw                             []byte
		systemType, parentID                sql.NullString
		matchDeadline                       sql.NullTime
		verifyResult, rejectionReason       sql.NullString
		claimDeadline, deliveryDeadline     sql.NullTime
		reviewDeadline                      sql.NullTime
		claimedAt, deliveredAt, approvedAt  sql.NullTime
	)
	err := row.Scan(
		&t.ID, &t.PosterID, &workerID, &t.Need, &taskContext, &result,
		&t.Status, &t.MaxCredits, &charged, &tagsRaw,
		&t.IsSystem, &systemType, &parentID,
		&t.MatchStatus, &matchDeadline,
		&t.VerificationStatus, &verifyResult,
		&rejectionReason, &t.RejectionCount, &t.MaxRejections,
		&t.ReviewWindowSeconds, &t.ClaimWindowSeconds,
		&claimDeadline, &deliveryDeadline, &reviewDeadline,
		&t.CreatedAt, &claimedAt, &deliveredAt, &approvedAt,
	)
	if err != nil {
		return nil, err
	}

	t.WorkerID = workerID.String
	t.Context = taskContext.String
	t.Result = result.String
	if charged.Valid {
		t.CreditsCharged = &charged.Int64
	}
	if len(tagsRaw) > 0 {
		if err := json.Unmarshal(tagsRaw, &t.Tags); err != nil {
			return nil, fmt.Errorf("decode tags: %w", err)
		}
	}
	t.SystemTaskType = systemType.String
	t.ParentTaskID = parentID.String
	t.VerificationResult = verifyResult.String
	t.RejectionReason = rejectionReason.String
	t.MatchDeadline = nullTimePtr(matchDeadline)
	t.ClaimDeadline = nullTimePtr(claimDeadline)
	t.DeliveryDeadline = nullTimePtr(deliveryDeadline)
	t.ReviewDeadline = nullTimePtr(reviewDeadline)
	t.ClaimedAt = nullTimePtr(claimedAt)
	t.DeliveredAt = nullTimePtr(deliveredAt)
	t.ApprovedAt = nullTimePtr(approvedAt)
	return t, nil
}

func (p *PostgresStore) Create(ctx context.Context, t *Task) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if t.Status == "" {
		t.Status = StatusPosted
	}
	if t.MatchStatus == "" {
		t.MatchStatus = MatchNone
	}
	if t.VerificationStatus == "" {
		t.VerificationStatus = VerifyNone
	}
	tags, err := json.Marshal(t.Tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO tasks (
			id, poster_id, need, context,
			status, max_credits, tags,
			is_system, system_task_type, parent_task_id,
			match_status, match_deadline,
			verification_status, max_rejections,
			review_window_seconds, claim_window_seconds,
			claim_deadline, created_at
		) VALUES (
			$1, $2, $3, NULLIF($4, ''),
			$5, $6, $7,
			$8, NULLIF($9, ''), NULLIF($10, ''),
			$11, $12,
			$13, $14,
			$15, $16,
			$17, $18
		)
	`,
		t.ID, t.PosterID, t.Need, t.Context,
		t.Status, t.MaxCredits, tags,
		t.IsSystem, t.SystemTaskType, t.ParentTaskID,
		t.MatchStatus, t.MatchDeadline,
		t.VerificationStatus, t.MaxRejections,
		t.ReviewWindowSeconds, t.ClaimWindowSeconds,
		t.ClaimDeadline, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Task, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (p *PostgresStore) List(ctx context.Context, f Filter) ([]*Task, string, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}

	var clauses []string
	var args []any
	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if !f.IncludeSystem {
		clauses = append(clauses, "is_system = FALSE")
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.ParentTaskID != "" {
		add("parent_task_id = $%d", f.ParentTaskID)
	}
	switch {
	case f.PosterID != "" && f.WorkerID != "":
		args = append(args, f.PosterID, f.WorkerID)
		clauses = append(clauses, fmt.Sprintf("(poster_id = $%d OR worker_id = $%d)", len(args)-1, len(args)))
	case f.PosterID != "":
		add("poster_id = $%d", f.PosterID)
	case f.WorkerID != "":
		add("worker_id = $%d", f.WorkerID)
	}
	if f.Cursor != "" {
		add("(created_at, id) < (SELECT created_at, id FROM tasks WHERE id = $%d)", f.Cursor)
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	args = append(args, f.Limit)
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args))

	return p.queryPage(ctx, query, args, f.Limit)
}

func (p *PostgresStore) Available(ctx context.Context, agentID string, f AvailableFilter, now time.Time) ([]*Task, string, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}

	query := `
		SELECT ` + taskColumns + ` FROM tasks t
		WHERE t.status = 'posted' AND t.is_system = FALSE AND t.poster_id <> $1
		  AND (t.claim_deadline IS NULL OR t.claim_deadline > $2)
		  AND NOT EXISTS (
		      SELECT 1 FROM tasks s
		      WHERE s.is_system AND s.parent_task_id = t.id AND s.worker_id = $1)
		  AND (
		      t.match_status IN ('broadcast', 'none')
		      OR (t.match_status = 'matched' AND EXISTS (
		          SELECT 1 FROM task_matches tm WHERE tm.task_id = t.id AND tm.agent_id = $1))
		      OR (t.match_status = 'pending' AND t.match_deadline <= $2)
		  )`
	args := []any{agentID, now}

	if len(f.Tags) > 0 {
		args = append(args, pq.Array(f.Tags))
		query += fmt.Sprintf(` AND t.tags ?| $%d`, len(args))
	}
	if f.Query != "" {
		args = append(args, "%"+f.Query+"%")
		query += fmt.Sprintf(` AND t.need ILIKE $%d`, len(args))
	}
	if f.Cursor != "" {
		args = append(args, f.Cursor)
		query += fmt.Sprintf(` AND (t.created_at, t.id) < (SELECT created_at, id FROM tasks WHERE id = $%d)`, len(args))
	}
	args = append(args, f.Limit)
	query += fmt.Sprintf(` ORDER BY t.created_at DESC, t.id DESC LIMIT $%d`, len(args))

	return p.queryPage(ctx, query, args, f.Limit)
}

func (p *PostgresStore) queryPage(ctx context.Context, query string, args []any, limit int) ([]*Task, string, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, "", err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	next := ""
	if len(tasks) == limit {
		next = tasks[len(tasks)-1].ID
	}
	return tasks, next, nil
}

// -----------------------------------------------------------------------------
// Transitions
// -----------------------------------------------------------------------------

func (p *PostgresStore) Claim(ctx context.Context, id, workerID string, deliveryDeadline, at time.Time) error {
	return p.transition(ctx, id, `
		UPDATE tasks SET
			status = 'claimed', worker_id = $2, claimed_at = $3, delivery_deadline = $4
		WHERE id = $1 AND status = 'posted'
	`, id, workerID, at, deliveryDeadline)
}

func (p *PostgresStore) Deliver(ctx context.Context, id, workerID, result string, charged int64, reviewDeadline, at time.Time) error {
	return p.transition(ctx, id, `
		UPDATE tasks SET
			status = 'delivered', result = $3, credits_charged = $4,
			delivered_at = $5, review_deadline = $6, delivery_deadline = NULL
		WHERE id = $1 AND status = 'claimed' AND worker_id = $2
	`, id, workerID, result, charged, at, reviewDeadline)
}

func (p *PostgresStore) Approve(ctx context.Context, id string, at time.Time) error {
	return p.transition(ctx, id, `
		UPDATE tasks SET status = 'approved', approved_at = $2, review_deadline = NULL
		WHERE id = $1 AND status = 'delivered'
	`, id, at)
}

func (p *PostgresStore) RejectRetry(ctx context.Context, id, reason string, graceDeadline time.Time) error {
	return p.transition(ctx, id, `
		UPDATE tasks SET
			status = 'claimed', result = NULL, credits_charged = NULL,
			delivered_at = NULL, review_deadline = NULL,
			rejection_reason = $2, rejection_count = rejection_count + 1,
			delivery_deadline = $3,
			verification_status = 'none', verification_result = NULL
		WHERE id = $1 AND status = 'delivered'
	`, id, reason, graceDeadline)
}

func (p *PostgresStore) RejectFinal(ctx context.Context, id, reason string) error {
	return p.transition(ctx, id, `
		UPDATE tasks SET
			status = 'rejected', rejection_reason = $2,
			rejection_count = rejection_count + 1,
			review_deadline = NULL, delivery_deadline = NULL
		WHERE id = $1 AND status = 'delivered'
	`, id, reason)
}

func (p *PostgresStore) Cancel(ctx context.Context, id string) error {
	return p.transition(ctx, id, `
		UPDATE tasks SET status = 'cancelled' WHERE id = $1 AND status = 'posted'
	`, id)
}

func (p *PostgresStore) CancelOpen(ctx context.Context, id string) error {
	return p.transition(ctx, id, `
		UPDATE tasks SET status = 'cancelled' WHERE id = $1 AND status IN ('posted', 'claimed')
	`, id)
}

func (p *PostgresStore) Expire(ctx context.Context, id string) error {
	return p.transition(ctx, id, `
		UPDATE tasks SET status = 'expired' WHERE id = $1 AND status IN ('posted', 'claimed')
	`, id)
}

func (p *PostgresStore) Release(ctx context.Context, id string, newClaimDeadline time.Time) error {
	return p.transition(ctx, id, `
		UPDATE tasks SET
			status = 'posted', worker_id = NULL, claimed_at = NULL,
			delivery_deadline = NULL, match_status = 'broadcast', claim_deadline = $2
		WHERE id = $1 AND status = 'claimed'
	`, id, newClaimDeadline)
}

func (p *PostgresStore) SetMatchStatus(ctx context.Context, id string, from, to MatchStatus, deadline *time.Time) error {
	return p.transition(ctx, id, `
		UPDATE tasks SET match_status = $3, match_deadline = $4
		WHERE id = $1 AND match_status = $2 AND status = 'posted'
	`, id, from, to, deadline)
}

func (p *PostgresStore) SetVerification(ctx context.Context, id string, from, to VerificationStatus, result string) error {
	return p.transition(ctx, id, `
		UPDATE tasks SET verification_status = $3, verification_result = NULLIF($4, '')
		WHERE id = $1 AND verification_status = $2 AND status = 'delivered'
	`, id, from, to, result)
}

// transition runs a conditional update and resolves zero affected rows to
// ErrNotFound or ErrConflict.
func (p *PostgresStore) transition(ctx context.Context, id, query string, args ...any) error {
	result, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("transition task: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows > 0 {
		return nil
	}

	var exists bool
	if err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM tasks WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

// -----------------------------------------------------------------------------
// Match rows
// -----------------------------------------------------------------------------

func (p *PostgresStore) AddMatches(ctx context.Context, taskID string, agentIDs []string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for i, agentID := range agentIDs {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO task_matches (id, task_id, agent_id, rank, created_at)
			VALUES ($1, $2, $3, $4, NOW())
			ON CONFLICT (task_id, agent_id) DO NOTHING
		`, idgen.Match(), taskID, agentID, i+1)
		if err != nil {
			return fmt.Errorf("insert match: %w", err)
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) Matches(ctx context.Context, taskID string) ([]*Match, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, task_id, agent_id, rank, created_at
		FROM task_matches WHERE task_id = $1
		ORDER BY rank ASC, created_at ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query matches: %w", err)
	}
	defer rows.Close()

	var out []*Match
	for rows.Next() {
		m := &Match{}
		if err := rows.Scan(&m.ID, &m.TaskID, &m.AgentID, &m.Rank, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *PostgresStore) MatchesFor(ctx context.Context, agentID string) ([]*Match, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, task_id, agent_id, rank, created_at
		FROM task_matches WHERE agent_id = $1
		ORDER BY rank ASC, created_at ASC
	`, agentID)
	if err != nil {
		return nil, fmt.Errorf("query matches: %w", err)
	}
	defer rows.Close()

	var out []*Match
	for rows.Next() {
		m := &Match{}
		if err := rows.Scan(&m.ID, &m.TaskID, &m.AgentID, &m.Rank, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ClearMatches(ctx context.Context, taskID string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM task_matches WHERE task_id = $1`, taskID)
	return err
}

// -----------------------------------------------------------------------------
// Pickup arbitration
// -----------------------------------------------------------------------------

func (p *PostgresStore) NextSystemTask(ctx context.Context, agentID string, now time.Time) (*Task, error) {
	return p.queryOne(ctx, `
		SELECT `+taskColumns+` FROM tasks t
		WHERE t.status = 'posted' AND t.is_system = TRUE AND t.poster_id <> $1
		  AND (t.claim_deadline IS NULL OR t.claim_deadline > $2)
		  AND NOT EXISTS (
		      SELECT 1 FROM tasks parent
		      WHERE parent.id = t.parent_task_id
		        AND (parent.poster_id = $1 OR parent.worker_id = $1))
		  AND NOT EXISTS (
		      SELECT 1 FROM tasks s
		      WHERE s.is_system AND s.parent_task_id = t.parent_task_id AND s.worker_id = $1)
		ORDER BY t.created_at ASC
		LIMIT 1
	`, agentID, now)
}

func (p *PostgresStore) NextMatched(ctx context.Context, agentID string, now time.Time) (*Task, error) {
	return p.queryOne(ctx, `
		SELECT `+qualified(taskColumns, "t")+`
		FROM tasks t
		JOIN task_matches tm ON tm.task_id = t.id
		WHERE tm.agent_id = $1 AND t.status = 'posted'
		  AND t.match_status = 'matched' AND t.poster_id <> $1
		  AND (t.claim_deadline IS NULL OR t.claim_deadline > $2)
		  AND NOT EXISTS (
		      SELECT 1 FROM tasks s
		      WHERE s.is_system AND s.parent_task_id = t.id AND s.worker_id = $1)
		ORDER BY tm.rank ASC, t.created_at ASC
		LIMIT 1
	`, agentID, now)
}

func (p *PostgresStore) NextBroadcast(ctx context.Context, agentID string, tags []string, now time.Time) (*Task, error) {
	query := `
		SELECT ` + taskColumns + ` FROM tasks t
		WHERE t.status = 'posted' AND t.is_system = FALSE AND t.poster_id <> $1
		  AND t.match_status IN ('broadcast', 'none')
		  AND (t.claim_deadline IS NULL OR t.claim_deadline > $2)
		  AND NOT EXISTS (
		      SELECT 1 FROM tasks s
		      WHERE s.is_system AND s.parent_task_id = t.id AND s.worker_id = $1)`
	args := []any{agentID, now}
	if len(tags) > 0 {
		args = append(args, pq.Array(tags))
		query += fmt.Sprintf(` AND t.tags ?| $%d`, len(args))
	}
	query += ` ORDER BY t.created_at ASC LIMIT 1`
	return p.queryOne(ctx, query, args...)
}

func (p *PostgresStore) NextPendingExpired(ctx context.Context, agentID string, now time.Time) (*Task, error) {
	return p.queryOne(ctx, `
		SELECT `+taskColumns+` FROM tasks t
		WHERE t.status = 'posted' AND t.is_system = FALSE AND t.poster_id <> $1
		  AND t.match_status = 'pending' AND t.match_deadline <= $2
		  AND (t.claim_deadline IS NULL OR t.claim_deadline > $2)
		  AND NOT EXISTS (
		      SELECT 1 FROM tasks s
		      WHERE s.is_system AND s.parent_task_id = t.id AND s.worker_id = $1)
		ORDER BY t.created_at ASC
		LIMIT 1
	`, agentID, now)
}

func (p *PostgresStore) queryOne(ctx context.Context, query string, args ...any) (*Task, error) {
	row := p.db.QueryRowContext(ctx, query, args...)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// -----------------------------------------------------------------------------
// Reaper scans
// -----------------------------------------------------------------------------

func (p *PostgresStore) ClaimedPastDeadline(ctx context.Context, now time.Time, limit int) ([]*Task, error) {
	return p.queryMany(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = 'claimed' AND delivery_deadline <= $1
		ORDER BY created_at ASC LIMIT $2
	`, now, scanLimit(limit))
}

func (p *PostgresStore) DeliveredPastReview(ctx context.Context, system bool, now time.Time, limit int) ([]*Task, error) {
	return p.queryMany(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = 'delivered' AND is_system = $1 AND review_deadline <= $2
		ORDER BY created_at ASC LIMIT $3
	`, system, now, scanLimit(limit))
}

func (p *PostgresStore) PendingMatchPastDeadline(ctx context.Context, now time.Time, limit int) ([]*Task, error) {
	return p.queryMany(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = 'posted' AND match_status = 'pending' AND match_deadline <= $1
		ORDER BY created_at ASC LIMIT $2
	`, now, scanLimit(limit))
}

func (p *PostgresStore) PostedPastExpiry(ctx context.Context, now time.Time, limit int) ([]*Task, error) {
	return p.queryMany(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = 'posted' AND claim_deadline <= $1
		ORDER BY created_at ASC LIMIT $2
	`, now, scanLimit(limit))
}

func (p *PostgresStore) DeliveredPastVerification(ctx context.Context, before time.Time, limit int) ([]*Task, error) {
	return p.queryMany(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = 'delivered' AND is_system = FALSE
		  AND verification_status = 'pending' AND delivered_at < $1
		ORDER BY created_at ASC LIMIT $2
	`, before, scanLimit(limit))
}

func (p *PostgresStore) queryMany(ctx context.Context, query string, args ...any) ([]*Task, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// -----------------------------------------------------------------------------
// Delegation helpers
// -----------------------------------------------------------------------------

func (p *PostgresStore) SystemChildren(ctx context.Context, parentID string) ([]*Task, error) {
	return p.queryMany(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE is_system = TRUE AND parent_task_id = $1
		ORDER BY created_at ASC
	`, parentID)
}

func (p *PostgresStore) HasWorkedSystemChild(ctx context.Context, parentID, agentID string) (bool, error) {
	var conflicted bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM tasks
			WHERE is_system = TRUE AND parent_task_id = $1 AND worker_id = $2)
	`, parentID, agentID).Scan(&conflicted)
	return conflicted, err
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func scanLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}

// qualified prefixes every column in list with the table alias.
func qualified(list, alias string) string {
	cols := strings.Split(list, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

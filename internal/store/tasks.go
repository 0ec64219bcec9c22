package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ai-sprint/ai-sprint/internal/domain"
)

// CreateTask inserts a new task with the status it carries, which must be
// a valid task status.
func (s *Store) CreateTask(t *domain.Task) error {
	if !t.Status.Valid() {
		return fmt.Errorf("%w: task status %q", ErrIntegrityError, t.Status)
	}
	ac, err := json.Marshal(t.AcceptanceCriteria)
	if err != nil {
		return fmt.Errorf("marshal acceptance criteria: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO tasks (id, convoy_id, title, description, file_path, status, priority, assignee,
			acceptance_criteria, validation_results, failure_reason, failure_count, created_at, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ConvoyID, t.Title, t.Description, t.FilePath, string(t.Status), string(t.Priority),
		nullString(t.Assignee), string(ac), nullValidationResults(t.ValidationResults),
		nullString(t.FailureReason), t.FailureCount, formatTime(t.CreatedAt), nullTime(t.StartedAt), nullTime(t.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("create task %s: %w", t.ID, err)
	}
	return nil
}

func nullValidationResults(v *domain.ValidationResults) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

const taskColumns = `id, convoy_id, title, description, file_path, status, priority, assignee,
	acceptance_criteria, validation_results, failure_reason, failure_count, created_at, started_at, completed_at`

func scanTaskRow(rows interface {
	Scan(dest ...interface{}) error
}) (*domain.Task, error) {
	var t domain.Task
	var status, priority, ac, createdAt string
	var assignee, validation, failureReason, startedAt, completedAt sql.NullString
	if err := rows.Scan(&t.ID, &t.ConvoyID, &t.Title, &t.Description, &t.FilePath, &status, &priority,
		&assignee, &ac, &validation, &failureReason, &t.FailureCount, &createdAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	t.Status = domain.TaskStatus(status)
	t.Priority = domain.Priority(priority)
	if err := json.Unmarshal([]byte(ac), &t.AcceptanceCriteria); err != nil {
		return nil, fmt.Errorf("unmarshal acceptance criteria: %w", err)
	}
	t.Assignee = strPtr(assignee)
	t.FailureReason = strPtr(failureReason)
	if validation.Valid {
		var vr domain.ValidationResults
		if err := json.Unmarshal([]byte(validation.String), &vr); err != nil {
			return nil, fmt.Errorf("unmarshal validation results: %w", err)
		}
		t.ValidationResults = &vr
	}
	var err error
	if t.CreatedAt, err = parseISO(createdAt); err != nil {
		return nil, err
	}
	if t.StartedAt, err = parseISOPtr(startedAt); err != nil {
		return nil, err
	}
	if t.CompletedAt, err = parseISOPtr(completedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTask fetches a task by id.
func (s *Store) GetTask(id string) (*domain.Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTaskRow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	return t, nil
}

// ListTasksByConvoy returns every task under a convoy.
func (s *Store) ListTasksByConvoy(convoyID string) ([]*domain.Task, error) {
	rows, err := s.db.Query(`SELECT `+taskColumns+` FROM tasks WHERE convoy_id = ? ORDER BY created_at ASC`, convoyID)
	if err != nil {
		return nil, fmt.Errorf("list tasks by convoy: %w", err)
	}
	defer rows.Close()
	var out []*domain.Task
	for rows.Next() {
		t, err := scanTaskRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListTasksByConvoyAndStatus filters by status.
func (s *Store) ListTasksByConvoyAndStatus(convoyID string, status domain.TaskStatus) ([]*domain.Task, error) {
	rows, err := s.db.Query(`SELECT `+taskColumns+` FROM tasks WHERE convoy_id = ? AND status = ? ORDER BY created_at ASC`,
		convoyID, string(status))
	if err != nil {
		return nil, fmt.Errorf("list tasks by convoy/status: %w", err)
	}
	defer rows.Close()
	var out []*domain.Task
	for rows.Next() {
		t, err := scanTaskRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListNonTerminalTasksOlderThan returns tasks in a non-terminal,
// non-`todo` status whose started_at predates the cutoff, for the health
// monitor's stuck sweep.
func (s *Store) ListNonTerminalTasksOlderThan(cutoffISO string) ([]*domain.Task, error) {
	rows, err := s.db.Query(
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status IN ('in_progress','in_review','in_tests','in_docs')
		 AND started_at IS NOT NULL AND started_at < ?`, cutoffISO)
	if err != nil {
		return nil, fmt.Errorf("list stuck-candidate tasks: %w", err)
	}
	defer rows.Close()
	var out []*domain.Task
	for rows.Next() {
		t, err := scanTaskRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// MostRecentNonTerminalTaskForAgent returns the most-recent non-terminal
// task assigned to an agent, used by the worker recovery hook on startup.
func (s *Store) MostRecentNonTerminalTaskForAgent(agentID string) (*domain.Task, error) {
	row := s.db.QueryRow(
		`SELECT `+taskColumns+` FROM tasks
		 WHERE assignee = ? AND status != 'done'
		 ORDER BY started_at DESC LIMIT 1`, agentID)
	t, err := scanTaskRow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan recovery task: %w", err)
	}
	return t, nil
}

// UpdateTaskStatus is the low-level status+timestamp writer used by
// taskfsm; taskfsm is the only caller expected to invoke this directly,
// since it alone enforces the transition table. tx is nil to run as its
// own auto-committed statement, or an open ImmediateTx to participate in a
// larger atomic mutation (claim, reject, escalate).
func (s *Store) UpdateTaskStatus(tx *ImmediateTx, id string, status domain.TaskStatus, now string) error {
	if !status.Valid() {
		return fmt.Errorf("%w: task status %q", ErrIntegrityError, status)
	}
	exec := s.execer(tx)
	var res sql.Result
	var err error
	switch status {
	case domain.TaskInProgress:
		// started_at is only set the first time a task becomes in_progress;
		// rejections that return to in_progress keep the original start.
		res, err = exec.Exec(`UPDATE tasks SET status = ?, started_at = COALESCE(started_at, ?) WHERE id = ?`, string(status), now, id)
	case domain.TaskDone:
		res, err = exec.Exec(`UPDATE tasks SET status = ?, completed_at = ? WHERE id = ?`, string(status), now, id)
	default:
		res, err = exec.Exec(`UPDATE tasks SET status = ? WHERE id = ?`, string(status), id)
	}
	if err != nil {
		return fmt.Errorf("update task status %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetTaskAssignee sets (agentID != "") or clears (agentID == "") the
// assignee within an existing transaction.
func (s *Store) SetTaskAssignee(tx *ImmediateTx, id, agentID string) error {
	exec := s.execer(tx)
	var res sql.Result
	var err error
	if agentID == "" {
		res, err = exec.Exec(`UPDATE tasks SET assignee = NULL WHERE id = ?`, id)
	} else {
		res, err = exec.Exec(`UPDATE tasks SET assignee = ? WHERE id = ?`, agentID, id)
	}
	if err != nil {
		return fmt.Errorf("set task assignee %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordTaskFailure increments failure_count, sets failure_reason, within
// an existing transaction, and returns the new failure count.
func (s *Store) RecordTaskFailure(tx *ImmediateTx, id, reason string) (int, error) {
	exec := s.execer(tx)
	res, err := exec.Exec(`UPDATE tasks SET failure_count = failure_count + 1, failure_reason = ? WHERE id = ?`, reason, id)
	if err != nil {
		return 0, fmt.Errorf("record task failure %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return 0, ErrNotFound
	}
	var count int
	if err := exec.QueryRow(`SELECT failure_count FROM tasks WHERE id = ?`, id).Scan(&count); err != nil {
		return 0, fmt.Errorf("read task failure count %s: %w", id, err)
	}
	return count, nil
}

// SetTaskValidationResults persists the Tester's numeric scores.
func (s *Store) SetTaskValidationResults(id string, vr *domain.ValidationResults) error {
	b, err := json.Marshal(vr)
	if err != nil {
		return fmt.Errorf("marshal validation results: %w", err)
	}
	res, err := s.db.Exec(`UPDATE tasks SET validation_results = ? WHERE id = ?`, string(b), id)
	if err != nil {
		return fmt.Errorf("set validation results %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// execer abstracts over *sql.DB and *ImmediateTx so callers can pass their
// own open transaction through for multi-statement atomic mutators.
type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

func (s *Store) execer(tx *ImmediateTx) execer {
	if tx != nil {
		return tx
	}
	return s.db
}


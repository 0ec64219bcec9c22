package store

import (
	"database/sql"
	"fmt"

	"github.com/ai-sprint/ai-sprint/internal/domain"
)

// CreateSession inserts a new `active` agent session row. If a row already
// exists for this agent_id it is replaced, matching a restarted worker
// re-registering itself as active on its first heartbeat.
func (s *Store) CreateSession(sess *domain.AgentSession) error {
	if !sess.AgentType.Valid() || !sess.Status.Valid() {
		return fmt.Errorf("%w: session agent_type/status", ErrIntegrityError)
	}
	_, err := s.db.Exec(
		`INSERT INTO agent_sessions (agent_id, agent_type, convoy_id, current_task, worktree, status, last_heartbeat, started_at, crashed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(agent_id) DO UPDATE SET
			agent_type = excluded.agent_type,
			convoy_id = excluded.convoy_id,
			current_task = excluded.current_task,
			worktree = excluded.worktree,
			status = excluded.status,
			last_heartbeat = excluded.last_heartbeat,
			started_at = excluded.started_at,
			crashed_at = excluded.crashed_at`,
		sess.AgentID, string(sess.AgentType), nullString(sess.ConvoyID), nullString(sess.CurrentTask),
		nullString(sess.Worktree), string(sess.Status), formatTime(sess.LastHeartbeat), formatTime(sess.StartedAt),
		nullTime(sess.CrashedAt),
	)
	if err != nil {
		return fmt.Errorf("create session %s: %w", sess.AgentID, err)
	}
	return nil
}

const sessionColumns = `agent_id, agent_type, convoy_id, current_task, worktree, status, last_heartbeat, started_at, crashed_at`

func scanSessionRow(rows interface {
	Scan(dest ...interface{}) error
}) (*domain.AgentSession, error) {
	var sess domain.AgentSession
	var agentType, status, lastHeartbeat, startedAt string
	var convoyID, currentTask, worktree, crashedAt sql.NullString
	if err := rows.Scan(&sess.AgentID, &agentType, &convoyID, &currentTask, &worktree, &status,
		&lastHeartbeat, &startedAt, &crashedAt); err != nil {
		return nil, err
	}
	sess.AgentType = domain.AgentType(agentType)
	sess.Status = domain.SessionStatus(status)
	sess.ConvoyID = strPtr(convoyID)
	sess.CurrentTask = strPtr(currentTask)
	sess.Worktree = strPtr(worktree)
	var err error
	if sess.LastHeartbeat, err = parseISO(lastHeartbeat); err != nil {
		return nil, err
	}
	if sess.StartedAt, err = parseISO(startedAt); err != nil {
		return nil, err
	}
	if sess.CrashedAt, err = parseISOPtr(crashedAt); err != nil {
		return nil, err
	}
	return &sess, nil
}

// GetSession fetches a session by agent id.
func (s *Store) GetSession(agentID string) (*domain.AgentSession, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM agent_sessions WHERE agent_id = ?`, agentID)
	sess, err := scanSessionRow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	return sess, nil
}

// ListSessionsByStatus returns every session in a given status.
func (s *Store) ListSessionsByStatus(status domain.SessionStatus) ([]*domain.AgentSession, error) {
	rows, err := s.db.Query(`SELECT `+sessionColumns+` FROM agent_sessions WHERE status = ?`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list sessions by status: %w", err)
	}
	defer rows.Close()
	var out []*domain.AgentSession
	for rows.Next() {
		sess, err := scanSessionRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// TouchHeartbeat updates last_heartbeat for an active agent. A no-op if the
// agent is not active -- only active rows take heartbeats.
func (s *Store) TouchHeartbeat(agentID, now string) error {
	_, err := s.db.Exec(
		`UPDATE agent_sessions SET last_heartbeat = ? WHERE agent_id = ? AND status = ?`,
		now, agentID, string(domain.SessionActive))
	if err != nil {
		return fmt.Errorf("touch heartbeat %s: %w", agentID, err)
	}
	return nil
}

// UpdateSessionStatus transitions a session's status, stamping crashed_at
// when transitioning to crashed.
func (s *Store) UpdateSessionStatus(agentID string, status domain.SessionStatus, now string) error {
	if !status.Valid() {
		return fmt.Errorf("%w: session status %q", ErrIntegrityError, status)
	}
	var res sql.Result
	var err error
	if status == domain.SessionCrashed {
		res, err = s.db.Exec(`UPDATE agent_sessions SET status = ?, crashed_at = ? WHERE agent_id = ?`, string(status), now, agentID)
	} else {
		res, err = s.db.Exec(`UPDATE agent_sessions SET status = ? WHERE agent_id = ?`, string(status), agentID)
	}
	if err != nil {
		return fmt.Errorf("update session status %s: %w", agentID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetSessionCurrentTask records the task an agent is currently bound to.
// The session row stores current_task as a plain id reference: freeing a
// task never touches the session, and clearing a session's current_task
// never touches the task.
func (s *Store) SetSessionCurrentTask(agentID, taskID string) error {
	var res sql.Result
	var err error
	if taskID == "" {
		res, err = s.db.Exec(`UPDATE agent_sessions SET current_task = NULL WHERE agent_id = ?`, agentID)
	} else {
		res, err = s.db.Exec(`UPDATE agent_sessions SET current_task = ? WHERE agent_id = ?`, taskID, agentID)
	}
	if err != nil {
		return fmt.Errorf("set session current task %s: %w", agentID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ai-sprint/ai-sprint/internal/domain"
)

// CreateConvoy inserts a new convoy row. Callers are expected to have
// already run convoy.ValidateFileOverlap before calling this -- the store
// itself only persists, it does not scan the rest of the feature's convoys
// (that is the allocator's job).
func (s *Store) CreateConvoy(c *domain.Convoy) error {
	if !c.Status.Valid() {
		return fmt.Errorf("%w: convoy status %q", ErrIntegrityError, c.Status)
	}
	files, err := json.Marshal(c.Files)
	if err != nil {
		return fmt.Errorf("marshal convoy files: %w", err)
	}
	deps, err := json.Marshal(c.Dependencies)
	if err != nil {
		return fmt.Errorf("marshal convoy dependencies: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO convoys (id, feature_id, story, priority, status, files, dependencies, assignee, created_at, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.FeatureID, c.Story, string(c.Priority), string(c.Status), string(files), string(deps),
		nullString(c.Assignee), formatTime(c.CreatedAt), nullTime(c.StartedAt), nullTime(c.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("create convoy %s: %w", c.ID, err)
	}
	return nil
}

func scanConvoyRow(rows interface {
	Scan(dest ...interface{}) error
}) (*domain.Convoy, error) {
	var c domain.Convoy
	var priority, status, files, deps, createdAt string
	var assignee, startedAt, completedAt sql.NullString
	if err := rows.Scan(&c.ID, &c.FeatureID, &c.Story, &priority, &status, &files, &deps,
		&assignee, &createdAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	c.Priority = domain.Priority(priority)
	c.Status = domain.ConvoyStatus(status)
	if err := json.Unmarshal([]byte(files), &c.Files); err != nil {
		return nil, fmt.Errorf("unmarshal convoy files: %w", err)
	}
	if err := json.Unmarshal([]byte(deps), &c.Dependencies); err != nil {
		return nil, fmt.Errorf("unmarshal convoy dependencies: %w", err)
	}
	c.Assignee = strPtr(assignee)
	var err error
	if c.CreatedAt, err = parseISO(createdAt); err != nil {
		return nil, err
	}
	if c.StartedAt, err = parseISOPtr(startedAt); err != nil {
		return nil, err
	}
	if c.CompletedAt, err = parseISOPtr(completedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

const convoyColumns = `id, feature_id, story, priority, status, files, dependencies, assignee, created_at, started_at, completed_at`

// GetConvoy fetches a convoy by id.
func (s *Store) GetConvoy(id string) (*domain.Convoy, error) {
	row := s.db.QueryRow(`SELECT `+convoyColumns+` FROM convoys WHERE id = ?`, id)
	c, err := scanConvoyRow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan convoy: %w", err)
	}
	return c, nil
}

// ListConvoysByFeature returns all convoys for a feature, ordered by
// (priority, created_at) for the allocator's FIFO-by-priority scan.
func (s *Store) ListConvoysByFeature(featureID string) ([]*domain.Convoy, error) {
	rows, err := s.db.Query(`SELECT `+convoyColumns+` FROM convoys WHERE feature_id = ? ORDER BY priority ASC, created_at ASC`, featureID)
	if err != nil {
		return nil, fmt.Errorf("list convoys by feature: %w", err)
	}
	defer rows.Close()
	var out []*domain.Convoy
	for rows.Next() {
		c, err := scanConvoyRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan convoy row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListConvoysByFeatureAndStatus filters by status, same ordering.
func (s *Store) ListConvoysByFeatureAndStatus(featureID string, status domain.ConvoyStatus) ([]*domain.Convoy, error) {
	rows, err := s.db.Query(`SELECT `+convoyColumns+` FROM convoys WHERE feature_id = ? AND status = ? ORDER BY priority ASC, created_at ASC`,
		featureID, string(status))
	if err != nil {
		return nil, fmt.Errorf("list convoys by feature/status: %w", err)
	}
	defer rows.Close()
	var out []*domain.Convoy
	for rows.Next() {
		c, err := scanConvoyRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan convoy row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListNonDoneConvoysByFeature returns every convoy not in `done`, used to
// check file-disjointness across a feature's convoys.
func (s *Store) ListNonDoneConvoysByFeature(featureID string) ([]*domain.Convoy, error) {
	rows, err := s.db.Query(`SELECT `+convoyColumns+` FROM convoys WHERE feature_id = ? AND status != ?`,
		featureID, string(domain.ConvoyDone))
	if err != nil {
		return nil, fmt.Errorf("list non-done convoys: %w", err)
	}
	defer rows.Close()
	var out []*domain.Convoy
	for rows.Next() {
		c, err := scanConvoyRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan convoy row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateConvoyStatus sets status and, for in_progress/done, stamps the
// relevant timestamp.
func (s *Store) UpdateConvoyStatus(id string, status domain.ConvoyStatus, now string) error {
	if !status.Valid() {
		return fmt.Errorf("%w: convoy status %q", ErrIntegrityError, status)
	}
	var res sql.Result
	var err error
	switch status {
	case domain.ConvoyInProgress:
		res, err = s.db.Exec(`UPDATE convoys SET status = ?, started_at = ? WHERE id = ?`, string(status), now, id)
	case domain.ConvoyDone:
		res, err = s.db.Exec(`UPDATE convoys SET status = ?, completed_at = ? WHERE id = ?`, string(status), now, id)
	default:
		res, err = s.db.Exec(`UPDATE convoys SET status = ? WHERE id = ?`, string(status), id)
	}
	if err != nil {
		return fmt.Errorf("update convoy status %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetConvoyAssignee sets (or, with "", clears) the convoy's assignee.
func (s *Store) SetConvoyAssignee(id, agentID string) error {
	var res sql.Result
	var err error
	if agentID == "" {
		res, err = s.db.Exec(`UPDATE convoys SET assignee = NULL WHERE id = ?`, id)
	} else {
		res, err = s.db.Exec(`UPDATE convoys SET assignee = ? WHERE id = ?`, agentID, id)
	}
	if err != nil {
		return fmt.Errorf("set convoy assignee %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AllocateConvoyAtomic flips a convoy `available -> in_progress` and stamps
// the assignee, but only if it is still `available` -- the atomic
// check-and-flip the Convoy Allocator relies on for exactly-once allocation.
func (s *Store) AllocateConvoyAtomic(ctx context.Context, id, agentID, now string) (bool, error) {
	tx, err := s.BeginImmediate(ctx)
	if err != nil {
		return false, fmt.Errorf("begin allocate convoy: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`UPDATE convoys SET status = ?, assignee = ?, started_at = ?
		 WHERE id = ? AND status = ?`,
		string(domain.ConvoyInProgress), agentID, now, id, string(domain.ConvoyAvailable),
	)
	if err != nil {
		return false, fmt.Errorf("allocate convoy %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("allocate convoy rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit allocate convoy: %w", err)
	}
	return true, nil
}

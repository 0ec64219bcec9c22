package store

import (
	"database/sql"
	"fmt"

	"github.com/ai-sprint/ai-sprint/internal/domain"
)

// CreateFeature inserts a new feature in the `ready` status.
func (s *Store) CreateFeature(f *domain.Feature) error {
	_, err := s.db.Exec(
		`INSERT INTO features (id, name, spec_path, status, created_at, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.Name, f.SpecPath, string(f.Status), formatTime(f.CreatedAt),
		nullTime(f.StartedAt), nullTime(f.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("create feature %s: %w", f.ID, err)
	}
	return nil
}

// GetFeature fetches a feature by id.
func (s *Store) GetFeature(id string) (*domain.Feature, error) {
	row := s.db.QueryRow(
		`SELECT id, name, spec_path, status, created_at, started_at, completed_at
		 FROM features WHERE id = ?`, id)
	return scanFeature(row)
}

func scanFeature(row *sql.Row) (*domain.Feature, error) {
	var f domain.Feature
	var status, createdAt string
	var startedAt, completedAt sql.NullString
	if err := row.Scan(&f.ID, &f.Name, &f.SpecPath, &status, &createdAt, &startedAt, &completedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan feature: %w", err)
	}
	f.Status = domain.FeatureStatus(status)
	created, err := parseISO(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	f.CreatedAt = created
	if f.StartedAt, err = parseISOPtr(startedAt); err != nil {
		return nil, err
	}
	if f.CompletedAt, err = parseISOPtr(completedAt); err != nil {
		return nil, err
	}
	return &f, nil
}

// ListFeaturesByStatus returns features in the given status, oldest first.
func (s *Store) ListFeaturesByStatus(status domain.FeatureStatus) ([]*domain.Feature, error) {
	rows, err := s.db.Query(
		`SELECT id, name, spec_path, status, created_at, started_at, completed_at
		 FROM features WHERE status = ? ORDER BY created_at ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list features by status: %w", err)
	}
	defer rows.Close()

	var out []*domain.Feature
	for rows.Next() {
		var f domain.Feature
		var st, createdAt string
		var startedAt, completedAt sql.NullString
		if err := rows.Scan(&f.ID, &f.Name, &f.SpecPath, &st, &createdAt, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan feature row: %w", err)
		}
		f.Status = domain.FeatureStatus(st)
		if f.CreatedAt, err = parseISO(createdAt); err != nil {
			return nil, err
		}
		if f.StartedAt, err = parseISOPtr(startedAt); err != nil {
			return nil, err
		}
		if f.CompletedAt, err = parseISOPtr(completedAt); err != nil {
			return nil, err
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}

// UpdateFeatureStatus transitions a feature's status and stamps the
// relevant timestamp (started_at on -> in_progress, completed_at on
// -> done/failed).
func (s *Store) UpdateFeatureStatus(id string, status domain.FeatureStatus, now string) error {
	if !status.Valid() {
		return fmt.Errorf("%w: feature status %q", ErrIntegrityError, status)
	}
	var res sql.Result
	var err error
	switch status {
	case domain.FeatureInProgress:
		res, err = s.db.Exec(`UPDATE features SET status = ?, started_at = ? WHERE id = ?`, string(status), now, id)
	case domain.FeatureDone, domain.FeatureFailed:
		res, err = s.db.Exec(`UPDATE features SET status = ?, completed_at = ? WHERE id = ?`, string(status), now, id)
	default:
		res, err = s.db.Exec(`UPDATE features SET status = ? WHERE id = ?`, string(status), id)
	}
	if err != nil {
		return fmt.Errorf("update feature status %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

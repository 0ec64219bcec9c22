// Package queue implements the Event Queue: publish / atomic-consume /
// acknowledge messages addressed to an agent. It shares the State Store's
// *sql.DB so Consume's select-then-flip runs inside one BEGIN IMMEDIATE
// transaction, re-checking status = 'pending' on the UPDATE itself so a
// second concurrent consumer can never double-deliver a row.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ai-sprint/ai-sprint/internal/domain"
	"github.com/ai-sprint/ai-sprint/internal/store"
)

// Queue publishes and consumes events for the coordination plane.
type Queue struct {
	store *store.Store
	log   *zap.Logger
}

// New builds a Queue over the given Store.
func New(st *store.Store, log *zap.Logger) *Queue {
	return &Queue{store: st, log: log}
}

// Publish inserts a pending event addressed to agentID. Idempotency is not
// provided: callers that must not double-publish the same semantic event
// should carry a correlation id in payload.
func (q *Queue) Publish(agentID string, eventType domain.EventType, payload []byte) (string, error) {
	if !domain.ValidEventTypes[eventType] {
		return "", fmt.Errorf("%w: unknown event type %q", store.ErrIntegrityError, eventType)
	}
	id := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := q.store.DB().Exec(
		`INSERT INTO events (id, agent_id, event_type, payload, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, agentID, string(eventType), string(payload), string(domain.EventPending), now,
	)
	if err != nil {
		return "", fmt.Errorf("publish event: %w", err)
	}
	q.log.Debug("published event", zap.String("event_id", id), zap.String("agent_id", agentID), zap.String("type", string(eventType)))
	return id, nil
}

// Consume selects the oldest up-to-limit pending rows for agentID, flips
// them to processing, and returns them, all inside one BEGIN IMMEDIATE
// transaction. Guarantee Q1: an event is returned to at most one caller.
func (q *Queue) Consume(ctx context.Context, agentID string, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		return nil, nil
	}
	tx, err := q.store.BeginImmediate(ctx)
	if err != nil {
		return nil, fmt.Errorf("consume begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(
		`SELECT id, agent_id, event_type, payload, status, created_at, processed_at
		 FROM events WHERE agent_id = ? AND status = ?
		 ORDER BY created_at ASC LIMIT ?`,
		agentID, string(domain.EventPending), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("consume select: %w", err)
	}

	var events []domain.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("consume scan: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("consume rows: %w", err)
	}
	rows.Close()

	for _, ev := range events {
		// Re-check status = 'pending' here rather than trusting the SELECT
		// snapshot, so a second consumer racing on the same agent_id
		// (impossible under BEGIN IMMEDIATE, but kept as defense in depth)
		// can never flip an already-claimed row.
		res, err := tx.Exec(
			`UPDATE events SET status = ? WHERE id = ? AND status = ?`,
			string(domain.EventProcessing), ev.ID, string(domain.EventPending),
		)
		if err != nil {
			return nil, fmt.Errorf("consume update %s: %w", ev.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, fmt.Errorf("%w: event %s no longer pending", store.ErrConflict, ev.ID)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("consume commit: %w", err)
	}

	for i := range events {
		events[i].Status = domain.EventProcessing
	}
	if len(events) > 0 {
		q.log.Debug("consumed events", zap.String("agent_id", agentID), zap.Int("count", len(events)))
	}
	return events, nil
}

// Acknowledge flips processing -> done|failed and stamps processed_at.
// Acking a non-processing event is a no-op with a warning.
func (q *Queue) Acknowledge(eventID string, success bool) error {
	target := domain.EventDone
	if !success {
		target = domain.EventFailed
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := q.store.DB().Exec(
		`UPDATE events SET status = ?, processed_at = ? WHERE id = ? AND status = ?`,
		string(target), now, eventID, string(domain.EventProcessing),
	)
	if err != nil {
		return fmt.Errorf("acknowledge %s: %w", eventID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		q.log.Warn("acknowledge on non-processing event is a no-op", zap.String("event_id", eventID))
	}
	return nil
}

// ReapStaleProcessing re-pends processing events older than the cutoff.
// This is a test-only sweep: the health monitor is authoritative for
// reaping orphaned events via session state, but tests may want a direct
// way to simulate a crashed consumer.
func (q *Queue) ReapStaleProcessing(cutoff time.Time) (int, error) {
	res, err := q.store.DB().Exec(
		`UPDATE events SET status = ? WHERE status = ? AND created_at < ?`,
		string(domain.EventPending), string(domain.EventProcessing), cutoff.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("reap stale processing: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanEvent(rows interface {
	Scan(dest ...interface{}) error
}) (domain.Event, error) {
	var ev domain.Event
	var eventType, status, payload, createdAt string
	var processedAt sql.NullString
	if err := rows.Scan(&ev.ID, &ev.AgentID, &eventType, &payload, &status, &createdAt, &processedAt); err != nil {
		return ev, err
	}
	ev.EventType = domain.EventType(eventType)
	ev.Status = domain.EventStatus(status)
	ev.Payload = []byte(payload)
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return ev, err
	}
	ev.CreatedAt = t
	if processedAt.Valid && processedAt.String != "" {
		pt, err := time.Parse(time.RFC3339Nano, processedAt.String)
		if err != nil {
			return ev, err
		}
		ev.ProcessedAt = &pt
	}
	return ev, nil
}

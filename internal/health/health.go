// Package health implements the Health Monitor: periodic crash/hung/stuck
// sweeps over agent sessions and non-terminal tasks, driven by a ticker
// that repeats the three sweeps on a fixed interval.
package health

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ai-sprint/ai-sprint/internal/domain"
	"github.com/ai-sprint/ai-sprint/internal/external"
	"github.com/ai-sprint/ai-sprint/internal/store"
)

// StuckReport is the (session, task) pair the stuck sweep emits. Stuck is
// tracked per (agent_id, task_id), not as a bare session flag, so the
// Supervisor can escalate the task itself rather than just flagging the
// agent.
type StuckReport struct {
	AgentID  string
	TaskID   string
	Duration time.Duration
}

// Thresholds holds the three tunables driving the sweeps.
type Thresholds struct {
	HungAfter       time.Duration
	TaskMaxDuration time.Duration
	PollingInterval time.Duration
}

// Monitor runs the three periodic sweeps against a Store and a ProcessHost.
type Monitor struct {
	store *store.Store
	host  external.ProcessHost
	th    Thresholds
	log   *zap.Logger
}

// New builds a Monitor.
func New(st *store.Store, host external.ProcessHost, th Thresholds, log *zap.Logger) *Monitor {
	return &Monitor{store: st, host: host, th: th, log: log}
}

// Run drives the three sweeps on a ticker until ctx is cancelled. onStuck
// is invoked for every StuckReport produced by a sweep so the Supervisor
// can route escalation.
func (m *Monitor) Run(ctx context.Context, onStuck func(StuckReport)) error {
	ticker := time.NewTicker(m.th.PollingInterval)
	defer ticker.Stop()

	for {
		if err := m.Tick(ctx, onStuck); err != nil {
			m.log.Error("health sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick runs one pass of all three sweeps: crash, hung, then stuck.
func (m *Monitor) Tick(ctx context.Context, onStuck func(StuckReport)) error {
	if err := m.CrashSweep(ctx); err != nil {
		return fmt.Errorf("crash sweep: %w", err)
	}
	if err := m.HungSweep(ctx); err != nil {
		return fmt.Errorf("hung sweep: %w", err)
	}
	reports, err := m.StuckSweep(ctx)
	if err != nil {
		return fmt.Errorf("stuck sweep: %w", err)
	}
	for _, r := range reports {
		if onStuck != nil {
			onStuck(r)
		}
	}
	return nil
}

// CrashSweep asks the process host, for each active session, whether its
// process still exists; if not, marks the session crashed.
func (m *Monitor) CrashSweep(ctx context.Context) error {
	sessions, err := m.store.ListSessionsByStatus(domain.SessionActive)
	if err != nil {
		return fmt.Errorf("list active sessions: %w", err)
	}
	for _, sess := range sessions {
		alive, err := m.host.IsSessionAlive(ctx, sess.AgentID)
		if err != nil {
			m.log.Warn("process host check failed", zap.String("agent_id", sess.AgentID), zap.Error(err))
			continue
		}
		if alive {
			continue
		}
		if err := m.store.UpdateSessionStatus(sess.AgentID, domain.SessionCrashed, nowISO()); err != nil {
			return fmt.Errorf("mark crashed %s: %w", sess.AgentID, err)
		}
		m.log.Warn("agent crashed", zap.String("agent_id", sess.AgentID))
	}
	return nil
}

// HungSweep marks hung every active session whose last_heartbeat predates
// now - hung_threshold.
func (m *Monitor) HungSweep(ctx context.Context) error {
	sessions, err := m.store.ListSessionsByStatus(domain.SessionActive)
	if err != nil {
		return fmt.Errorf("list active sessions: %w", err)
	}
	cutoff := time.Now().UTC().Add(-m.th.HungAfter)
	for _, sess := range sessions {
		if !sess.LastHeartbeat.Before(cutoff) {
			continue
		}
		if err := m.store.UpdateSessionStatus(sess.AgentID, domain.SessionHung, nowISO()); err != nil {
			return fmt.Errorf("mark hung %s: %w", sess.AgentID, err)
		}
		m.log.Warn("agent hung", zap.String("agent_id", sess.AgentID), zap.Duration("since_heartbeat", time.Since(sess.LastHeartbeat)))
	}
	return nil
}

// StuckSweep marks stuck the owning session of every task in a
// non-terminal, non-todo status whose started_at predates now -
// task_max_duration, and reports the (task_id, agent_id, duration) tuple.
func (m *Monitor) StuckSweep(ctx context.Context) ([]StuckReport, error) {
	cutoff := time.Now().UTC().Add(-m.th.TaskMaxDuration).Format(time.RFC3339Nano)
	tasks, err := m.store.ListNonTerminalTasksOlderThan(cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stuck-candidate tasks: %w", err)
	}

	var reports []StuckReport
	for _, t := range tasks {
		if t.Assignee == nil || t.StartedAt == nil {
			continue
		}
		duration := time.Since(*t.StartedAt)
		// ErrNotFound: the session is already gone; the task is still
		// reported so the escalation applies to it.
		if err := m.store.UpdateSessionStatus(*t.Assignee, domain.SessionStuck, nowISO()); err != nil && err != store.ErrNotFound {
			return nil, fmt.Errorf("mark stuck %s: %w", *t.Assignee, err)
		}
		reports = append(reports, StuckReport{AgentID: *t.Assignee, TaskID: t.ID, Duration: duration})
		m.log.Warn("task stuck", zap.String("task_id", t.ID), zap.String("agent_id", *t.Assignee), zap.Duration("duration", duration))
	}
	return reports, nil
}

func nowISO() string { return time.Now().UTC().Format(time.RFC3339Nano) }

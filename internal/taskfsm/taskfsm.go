// Package taskfsm implements the Task State Machine & Rejection Policy:
// the legal transition table, the atomic claim, and the reject/escalate
// mutator. Claim and transition-style mutators return bool rather than
// raising; reject returns only an error.
package taskfsm

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ai-sprint/ai-sprint/internal/domain"
	"github.com/ai-sprint/ai-sprint/internal/queue"
	"github.com/ai-sprint/ai-sprint/internal/store"
)

// MaxFailures is the failure_count threshold at which a task escalates.
const MaxFailures = 3

// transitions is the closed table of legal (from, to) pairs. Any pair
// absent here must fail with store.ErrIllegalTransition.
var transitions = map[domain.TaskStatus]map[domain.TaskStatus]bool{
	domain.TaskTodo:       {domain.TaskInProgress: true},
	domain.TaskInProgress: {domain.TaskInReview: true, domain.TaskTodo: true},
	domain.TaskInReview:   {domain.TaskInTests: true, domain.TaskInProgress: true},
	domain.TaskInTests:    {domain.TaskInDocs: true, domain.TaskInProgress: true},
	domain.TaskInDocs:     {domain.TaskDone: true, domain.TaskInProgress: true},
}

// Transition reports whether from -> to is a legal transition in the table
// above. It has no side effects; it is both the pre-flight guard used by the
// mutators below and the single source of truth tests assert against.
func Transition(from, to domain.TaskStatus) bool {
	return transitions[from][to]
}

// FSM drives task transitions against the Store, publishing the follow-on
// events each transition produces.
type FSM struct {
	store *store.Store
	queue *queue.Queue
	log   *zap.Logger
}

// New builds an FSM over the given Store and Queue.
func New(st *store.Store, q *queue.Queue, log *zap.Logger) *FSM {
	return &FSM{store: st, queue: q, log: log}
}

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }

// Claim runs the atomic `todo -> in_progress` check-and-flip: verify
// status = todo AND assignee IS NULL inside an immediate (writer-locked)
// transaction, else return false. The single-assignee invariant guarantees
// exactly one of two concurrent claimants succeeds.
func (f *FSM) Claim(ctx context.Context, taskID, agentID string) (bool, error) {
	tx, err := f.store.BeginImmediate(ctx)
	if err != nil {
		return false, fmt.Errorf("claim begin: %w", err)
	}
	defer tx.Rollback()

	var status string
	var assigneeNull sql.NullString
	row := tx.QueryRow(`SELECT status, assignee FROM tasks WHERE id = ?`, taskID)
	if err := row.Scan(&status, &assigneeNull); err != nil {
		return false, fmt.Errorf("%w: task %s", store.ErrNotFound, taskID)
	}
	if domain.TaskStatus(status) != domain.TaskTodo || assigneeNull.Valid {
		return false, nil
	}

	res, err := tx.Exec(
		`UPDATE tasks SET status = ?, assignee = ?, started_at = COALESCE(started_at, ?)
		 WHERE id = ? AND status = ? AND assignee IS NULL`,
		string(domain.TaskInProgress), agentID, now(), taskID, string(domain.TaskTodo),
	)
	if err != nil {
		return false, fmt.Errorf("claim update %s: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("claim commit: %w", err)
	}
	f.log.Info("task claimed", zap.String("task_id", taskID), zap.String("agent_id", agentID))
	return true, nil
}

// Submit is the Developer's `in_progress -> in_review` mutator, publishing
// ROUTE_TASK to the CAB agent.
func (f *FSM) Submit(ctx context.Context, taskID, cabAgentID string) (bool, error) {
	return f.transitionAndRoute(ctx, taskID, domain.TaskInProgress, domain.TaskInReview, cabAgentID, domain.EventRouteTask, func() ([]byte, error) {
		return domain.MarshalPayload(domain.RouteTaskPayload{TaskID: taskID, FromState: domain.TaskInProgress, ToState: domain.TaskInReview})
	})
}

// Approve is the CAB's `in_review -> in_tests` mutator, publishing RUN_TESTS
// to the named tester agent.
func (f *FSM) Approve(ctx context.Context, taskID, testerAgentID string) (bool, error) {
	return f.transitionAndRoute(ctx, taskID, domain.TaskInReview, domain.TaskInTests, testerAgentID, domain.EventRunTests, func() ([]byte, error) {
		return domain.MarshalPayload(domain.RunTestsPayload{TaskID: taskID})
	})
}

// ApproveTests is the Tester's `in_tests -> in_docs` mutator, publishing
// SECURITY_SCAN to the named refinery agent.
func (f *FSM) ApproveTests(ctx context.Context, taskID, refineryAgentID string) (bool, error) {
	return f.transitionAndRoute(ctx, taskID, domain.TaskInTests, domain.TaskInDocs, refineryAgentID, domain.EventSecurityScan, func() ([]byte, error) {
		return domain.MarshalPayload(domain.SecurityScanPayload{TaskID: taskID})
	})
}

// Merge is the Refinery's `in_docs -> done` mutator. It does not itself
// publish MERGE_TASK/UPDATE_DOCS: those carry a `success`/`convoy_id` payload
// the caller (internal/worker/refinery) is better placed to construct, since
// UPDATE_DOCS is convoy-scoped, not task-scoped.
func (f *FSM) Merge(ctx context.Context, taskID string) (bool, error) {
	return f.transition(ctx, taskID, domain.TaskInDocs, domain.TaskDone)
}

func (f *FSM) transitionAndRoute(ctx context.Context, taskID string, from, to domain.TaskStatus, targetAgent string, eventType domain.EventType, buildPayload func() ([]byte, error)) (bool, error) {
	ok, err := f.transition(ctx, taskID, from, to)
	if err != nil || !ok {
		return ok, err
	}
	payload, err := buildPayload()
	if err != nil {
		return true, fmt.Errorf("build %s payload: %w", eventType, err)
	}
	if _, err := f.queue.Publish(targetAgent, eventType, payload); err != nil {
		return true, fmt.Errorf("publish %s: %w", eventType, err)
	}
	return true, nil
}

// transition validates the move against the table, then performs it as a
// single UpdateTaskStatus call. Returns false, nil (not an error) if the
// task isn't currently in `from` -- a routine race, not a bug -- and
// store.ErrIllegalTransition only for a from/to pair the table never allows.
func (f *FSM) transition(ctx context.Context, taskID string, from, to domain.TaskStatus) (bool, error) {
	if !Transition(from, to) {
		return false, fmt.Errorf("%w: %s -> %s", store.ErrIllegalTransition, from, to)
	}
	t, err := f.store.GetTask(taskID)
	if err != nil {
		return false, err
	}
	if t.Status != from {
		return false, nil
	}
	if err := f.store.UpdateTaskStatus(nil, taskID, to, now()); err != nil {
		return false, fmt.Errorf("transition %s %s->%s: %w", taskID, from, to, err)
	}
	f.log.Info("task transitioned", zap.String("task_id", taskID), zap.String("from", string(from)), zap.String("to", string(to)))
	return true, nil
}

// Reject increments failure_count, sets failure_reason, transitions back
// to in_progress so the same developer can retry, and publishes
// REWORK_NEEDED. If the post-increment failure_count reaches MaxFailures,
// it additionally publishes ESCALATE_TASK to the Supervisor, clears the
// assignee, and moves the task to `todo` for reassignment. Reject is a
// pure mutator: no return value, errors aside.
func (f *FSM) Reject(ctx context.Context, taskID, reason, rejectingAgent, developerAgent, supervisorAgent string) error {
	tx, err := f.store.BeginImmediate(ctx)
	if err != nil {
		return fmt.Errorf("reject begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	count, err := f.store.RecordTaskFailure(tx, taskID, reason)
	if err != nil {
		return fmt.Errorf("record failure %s: %w", taskID, err)
	}

	escalate := count >= MaxFailures
	if escalate {
		escReason := fmt.Sprintf("Escalated after %d failures: %s", count, reason)
		if _, err := tx.Exec(`UPDATE tasks SET failure_reason = ? WHERE id = ?`, escReason, taskID); err != nil {
			return fmt.Errorf("record escalation reason %s: %w", taskID, err)
		}
		if err := f.store.SetTaskAssignee(tx, taskID, ""); err != nil {
			return fmt.Errorf("clear assignee %s: %w", taskID, err)
		}
		if err := f.store.UpdateTaskStatus(tx, taskID, domain.TaskTodo, now()); err != nil {
			return fmt.Errorf("escalate to todo %s: %w", taskID, err)
		}
	} else {
		if err := f.store.UpdateTaskStatus(tx, taskID, domain.TaskInProgress, now()); err != nil {
			return fmt.Errorf("reject to in_progress %s: %w", taskID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("reject commit: %w", err)
	}
	committed = true

	reworkPayload, err := domain.MarshalPayload(domain.ReworkNeededPayload{TaskID: taskID, Reason: reason})
	if err != nil {
		return fmt.Errorf("build rework payload: %w", err)
	}
	if _, err := f.queue.Publish(developerAgent, domain.EventReworkNeeded, reworkPayload); err != nil {
		return fmt.Errorf("publish rework needed: %w", err)
	}

	f.log.Warn("task rejected", zap.String("task_id", taskID), zap.String("by", rejectingAgent), zap.Int("failure_count", count))

	if escalate {
		escPayload, err := domain.MarshalPayload(domain.EscalateTaskPayload{
			TaskID: taskID, FailureCount: count, FailureType: "rejection", LastAgent: rejectingAgent,
		})
		if err != nil {
			return fmt.Errorf("build escalate payload: %w", err)
		}
		if _, err := f.queue.Publish(supervisorAgent, domain.EventEscalateTask, escPayload); err != nil {
			return fmt.Errorf("publish escalate: %w", err)
		}
		f.log.Warn("task escalated", zap.String("task_id", taskID), zap.Int("failure_count", count))
	}
	return nil
}

// Escalate implements the Supervisor/health-monitor-driven escalation path
// for stuck tasks: increments failure_count, records reason, and once
// MaxFailures is reached, unassigns and returns the task to `todo`,
// publishing ESCALATE_TASK. Unlike Reject it does not return the task to
// `in_progress` first -- a stuck task is already non-terminal and non-todo,
// so the only meaningful outcome is escalation or a recorded failure with
// the task left where it is.
func (f *FSM) Escalate(ctx context.Context, taskID, reason, failureType, lastAgent, supervisorAgent string) error {
	tx, err := f.store.BeginImmediate(ctx)
	if err != nil {
		return fmt.Errorf("escalate begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	count, err := f.store.RecordTaskFailure(tx, taskID, reason)
	if err != nil {
		return fmt.Errorf("record failure %s: %w", taskID, err)
	}

	if count >= MaxFailures {
		escReason := fmt.Sprintf("Escalated after %d failures: %s", count, reason)
		if _, err := tx.Exec(`UPDATE tasks SET failure_reason = ? WHERE id = ?`, escReason, taskID); err != nil {
			return fmt.Errorf("record escalation reason %s: %w", taskID, err)
		}
		if err := f.store.SetTaskAssignee(tx, taskID, ""); err != nil {
			return fmt.Errorf("clear assignee %s: %w", taskID, err)
		}
		if err := f.store.UpdateTaskStatus(tx, taskID, domain.TaskTodo, now()); err != nil {
			return fmt.Errorf("escalate to todo %s: %w", taskID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("escalate commit: %w", err)
	}
	committed = true

	if count >= MaxFailures {
		payload, err := domain.MarshalPayload(domain.EscalateTaskPayload{
			TaskID: taskID, FailureCount: count, FailureType: failureType, LastAgent: lastAgent,
		})
		if err != nil {
			return fmt.Errorf("build escalate payload: %w", err)
		}
		if _, err := f.queue.Publish(supervisorAgent, domain.EventEscalateTask, payload); err != nil {
			return fmt.Errorf("publish escalate: %w", err)
		}
		f.log.Warn("task escalated", zap.String("task_id", taskID), zap.String("failure_type", failureType))
	}
	return nil
}

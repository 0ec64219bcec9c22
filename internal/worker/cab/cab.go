// Package cab implements the CAB (Change Approval Board) role: on
// ROUTE_TASK, run the review quality-gate stage and either advance the
// task to in_tests or reject it back to the developer.
package cab

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ai-sprint/ai-sprint/internal/domain"
	"github.com/ai-sprint/ai-sprint/internal/gates"
	"github.com/ai-sprint/ai-sprint/internal/store"
	"github.com/ai-sprint/ai-sprint/internal/taskfsm"
)

// SupervisorAgentID is the escalation target for Reject's ESCALATE_TASK.
const SupervisorAgentID = "manager-001"

// CAB is one CAB worker session.
type CAB struct {
	AgentID string

	store      *store.Store
	fsm        *taskfsm.FSM
	tools      map[gates.GateKind]gates.Tool
	parsers    map[gates.GateKind]gates.Parser
	thresholds gates.Thresholds
	workdir    func(taskID string) string
	testerFor  func(taskID string) string
	log        *zap.Logger
}

// New builds a CAB worker. workdir resolves a task's working directory
// (the developer's worktree) for the gate runner; testerFor resolves which
// tester agent_id receives RUN_TESTS.
func New(agentID string, st *store.Store, fsm *taskfsm.FSM, tools map[gates.GateKind]gates.Tool, thresholds gates.Thresholds, workdir, testerFor func(string) string, log *zap.Logger) *CAB {
	return &CAB{
		AgentID: agentID, store: st, fsm: fsm, tools: tools, parsers: gates.DefaultParsers(),
		thresholds: thresholds, workdir: workdir, testerFor: testerFor, log: log,
	}
}

func (c *CAB) AgentType() domain.AgentType { return domain.AgentCAB }

// HandleEvent handles ROUTE_TASK: verify the task is in in_review, run
// stage=review, approve or reject.
func (c *CAB) HandleEvent(ctx context.Context, ev domain.Event) error {
	if ev.EventType != domain.EventRouteTask {
		return fmt.Errorf("cab: unexpected event type %s", ev.EventType)
	}
	p, err := domain.ParseRouteTaskPayload(ev.Payload)
	if err != nil {
		return fmt.Errorf("parse route task payload: %w", err)
	}

	t, err := c.store.GetTask(p.TaskID)
	if err != nil {
		return fmt.Errorf("get task %s: %w", p.TaskID, err)
	}
	if t.Status != domain.TaskInReview {
		c.log.Warn("route_task for task not in_review, skipping", zap.String("task_id", t.ID), zap.String("status", string(t.Status)))
		return nil
	}

	result, err := gates.RunStage(ctx, gates.StageReview, c.tools, c.parsers, c.workdir(t.ID), c.thresholds)
	if err != nil {
		return fmt.Errorf("run review stage for %s: %w", t.ID, err)
	}

	if result.AllPassed() {
		ok, err := c.fsm.Approve(ctx, t.ID, c.testerFor(t.ID))
		if err != nil {
			return fmt.Errorf("approve %s: %w", t.ID, err)
		}
		if ok {
			c.log.Info("task approved by cab", zap.String("task_id", t.ID))
		}
		return nil
	}

	reason := result.FailureMessage()
	developer := ""
	if t.Assignee != nil {
		developer = *t.Assignee
	}
	if err := c.fsm.Reject(ctx, t.ID, reason, c.AgentID, developer, SupervisorAgentID); err != nil {
		return fmt.Errorf("reject %s: %w", t.ID, err)
	}
	c.log.Warn("task rejected by cab", zap.String("task_id", t.ID), zap.String("reason", reason))
	return nil
}

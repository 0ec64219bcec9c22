// Package tester implements the Tester role: on RUN_TESTS, run the test
// quality-gate stage, persist numeric scores, and either advance the task
// to in_docs or reject it back to the developer.
package tester

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

// Tester is one Tester worker session.
type Tester struct {
	AgentID string

	store       *store.Store
	fsm         *taskfsm.FSM
	tools       map[gates.GateKind]gates.Tool
	parsers     map[gates.GateKind]gates.Parser
	thresholds  gates.Thresholds
	workdir     func(taskID string) string
	refineryFor func(taskID string) string
	log         *zap.Logger
}

// New builds a Tester worker.
func New(agentID string, st *store.Store, fsm *taskfsm.FSM, tools map[gates.GateKind]gates.Tool, thresholds gates.Thresholds, workdir, refineryFor func(string) string, log *zap.Logger) *Tester {
	return &Tester{
		AgentID: agentID, store: st, fsm: fsm, tools: tools, parsers: gates.DefaultParsers(),
		thresholds: thresholds, workdir: workdir, refineryFor: refineryFor, log: log,
	}
}

func (t *Tester) AgentType() domain.AgentType { return domain.AgentTester }

// HandleEvent handles RUN_TESTS: verify the task is in in_tests, run
// stage=tests, persist scores, approve or reject.
func (t *Tester) HandleEvent(ctx context.Context, ev domain.Event) error {
	if ev.EventType != domain.EventRunTests {
		return fmt.Errorf("tester: unexpected event type %s", ev.EventType)
	}
	p, err := domain.ParseRunTestsPayload(ev.Payload)
	if err != nil {
		return fmt.Errorf("parse run tests payload: %w", err)
	}

	task, err := t.store.GetTask(p.TaskID)
	if err != nil {
		return fmt.Errorf("get task %s: %w", p.TaskID, err)
	}
	if task.Status != domain.TaskInTests {
		t.log.Warn("run_tests for task not in_tests, skipping", zap.String("task_id", task.ID), zap.String("status", string(task.Status)))
		return nil
	}

	result, err := gates.RunStage(ctx, gates.StageTests, t.tools, t.parsers, t.workdir(task.ID), t.thresholds)
	if err != nil {
		return fmt.Errorf("run tests stage for %s: %w", task.ID, err)
	}

	vr := &domain.ValidationResults{}
	for _, gr := range result.Results {
		switch gr.Kind {
		case gates.Coverage:
			vr.CoveragePercent = gr.Score
		case gates.Mutation:
			vr.MutationPercent = gr.Score
		}
	}
	if err := t.store.SetTaskValidationResults(task.ID, vr); err != nil {
		return fmt.Errorf("persist validation results %s: %w", task.ID, err)
	}

	if result.AllPassed() {
		ok, err := t.fsm.ApproveTests(ctx, task.ID, t.refineryFor(task.ID))
		if err != nil {
			return fmt.Errorf("approve tests %s: %w", task.ID, err)
		}
		if ok {
			t.log.Info("task passed tests", zap.String("task_id", task.ID))
		}
		return nil
	}

	reason := result.FailureMessage()
	developer := ""
	if task.Assignee != nil {
		developer = *task.Assignee
	}
	if err := t.fsm.Reject(ctx, task.ID, reason, t.AgentID, developer, SupervisorAgentID); err != nil {
		return fmt.Errorf("reject %s: %w", task.ID, err)
	}
	t.log.Warn("task rejected by tester", zap.String("task_id", task.ID), zap.String("reason", reason))
	return nil
}

// Package developer implements the Developer role: claims idle work from
// its bound convoy, resumes rejected tasks on REWORK_NEEDED, and submits
// finished work for review.
package developer

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ai-sprint/ai-sprint/internal/domain"
	"github.com/ai-sprint/ai-sprint/internal/store"
	"github.com/ai-sprint/ai-sprint/internal/taskfsm"
)

// CABAgentID is the agent_id ROUTE_TASK is routed to. A single-CAB
// deployment is assumed, with one reviewer role instance; multi-instance
// routing would be a Supervisor-level assignment concern.
const CABAgentID = "cab-001"

// Developer is one Developer worker session, bound to a single convoy for
// its lifetime.
type Developer struct {
	AgentID  string
	ConvoyID string

	store *store.Store
	fsm   *taskfsm.FSM
	log   *zap.Logger
}

// New builds a Developer bound to convoyID.
func New(agentID, convoyID string, st *store.Store, fsm *taskfsm.FSM, log *zap.Logger) *Developer {
	return &Developer{AgentID: agentID, ConvoyID: convoyID, store: st, fsm: fsm, log: log}
}

func (d *Developer) AgentType() domain.AgentType { return domain.AgentDeveloper }

// HandleEvent handles REWORK_NEEDED: the named task is already back in
// in_progress (taskfsm.Reject put it there), so there is nothing to
// transition here -- this just resumes composing code against the
// rejection reason, which happens outside the core. The core's job is only
// to make sure the task is addressable; it logs and returns.
func (d *Developer) HandleEvent(ctx context.Context, ev domain.Event) error {
	switch ev.EventType {
	case domain.EventReworkNeeded:
		p, err := domain.ParseReworkNeededPayload(ev.Payload)
		if err != nil {
			return fmt.Errorf("parse rework payload: %w", err)
		}
		d.log.Info("resuming rejected task", zap.String("task_id", p.TaskID), zap.String("reason", p.Reason))
		return nil
	default:
		return fmt.Errorf("developer: unexpected event type %s", ev.EventType)
	}
}

// Idle implements worker.IdleActor: when there are no pending events, try
// to claim the next unclaimed task in the bound convoy.
func (d *Developer) Idle(ctx context.Context) error {
	_, err := d.ClaimNextTask(ctx)
	return err
}

// ClaimNextTask claims the oldest todo task in the bound convoy, if any.
func (d *Developer) ClaimNextTask(ctx context.Context) (*domain.Task, error) {
	tasks, err := d.store.ListTasksByConvoyAndStatus(d.ConvoyID, domain.TaskTodo)
	if err != nil {
		return nil, fmt.Errorf("list todo tasks: %w", err)
	}
	for _, t := range tasks {
		if t.Assignee != nil {
			continue
		}
		ok, err := d.fsm.Claim(ctx, t.ID, d.AgentID)
		if err != nil {
			return nil, fmt.Errorf("claim task %s: %w", t.ID, err)
		}
		if ok {
			d.log.Info("task claimed by developer", zap.String("task_id", t.ID), zap.String("agent_id", d.AgentID))
			return t, nil
		}
	}
	return nil, nil
}

// Submit transitions taskID from in_progress to in_review and routes
// ROUTE_TASK to the CAB. Callers invoke this once the (externally
// composed) code change is ready.
func (d *Developer) Submit(ctx context.Context, taskID string) (bool, error) {
	ok, err := d.fsm.Submit(ctx, taskID, CABAgentID)
	if err != nil {
		return false, fmt.Errorf("submit task %s: %w", taskID, err)
	}
	return ok, nil
}

// Package refinery implements the Refinery role: on SECURITY_SCAN, run the
// merge quality-gate stage, perform the merge, and either complete the
// task (publishing MERGE_TASK, and UPDATE_DOCS once the owning convoy is
// fully done) or reject it back to the developer.
package refinery

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ai-sprint/ai-sprint/internal/convoy"
	"github.com/ai-sprint/ai-sprint/internal/domain"
	"github.com/ai-sprint/ai-sprint/internal/external"
	"github.com/ai-sprint/ai-sprint/internal/gates"
	"github.com/ai-sprint/ai-sprint/internal/queue"
	"github.com/ai-sprint/ai-sprint/internal/store"
	"github.com/ai-sprint/ai-sprint/internal/taskfsm"
)

// SupervisorAgentID is both the MERGE_TASK and escalation target.
const SupervisorAgentID = "manager-001"

// LibrarianAgentID is the UPDATE_DOCS target. A single-Librarian deployment
// is assumed, same rationale as developer.CABAgentID.
const LibrarianAgentID = "librarian-001"

// Refinery is one Refinery worker session.
type Refinery struct {
	AgentID string

	store      *store.Store
	queue      *queue.Queue
	fsm        *taskfsm.FSM
	alloc      *convoy.Allocator
	vcs        external.VCSHost
	tools      map[gates.GateKind]gates.Tool
	parsers    map[gates.GateKind]gates.Parser
	thresholds gates.Thresholds
	workdir    func(taskID string) string
	branchFor  func(taskID string) (branch, target string)
	log        *zap.Logger
}

// New builds a Refinery worker.
func New(agentID string, st *store.Store, q *queue.Queue, fsm *taskfsm.FSM, alloc *convoy.Allocator, vcs external.VCSHost,
	tools map[gates.GateKind]gates.Tool, thresholds gates.Thresholds, workdir func(string) string, branchFor func(string) (string, string), log *zap.Logger) *Refinery {
	return &Refinery{
		AgentID: agentID, store: st, queue: q, fsm: fsm, alloc: alloc, vcs: vcs,
		tools: tools, parsers: gates.DefaultParsers(), thresholds: thresholds,
		workdir: workdir, branchFor: branchFor, log: log,
	}
}

func (r *Refinery) AgentType() domain.AgentType { return domain.AgentRefinery }

// HandleEvent handles SECURITY_SCAN: verify the task is in in_docs, run
// stage=merge, and on pass perform the merge.
func (r *Refinery) HandleEvent(ctx context.Context, ev domain.Event) error {
	if ev.EventType != domain.EventSecurityScan {
		return fmt.Errorf("refinery: unexpected event type %s", ev.EventType)
	}
	p, err := domain.ParseSecurityScanPayload(ev.Payload)
	if err != nil {
		return fmt.Errorf("parse security scan payload: %w", err)
	}

	task, err := r.store.GetTask(p.TaskID)
	if err != nil {
		return fmt.Errorf("get task %s: %w", p.TaskID, err)
	}
	if task.Status != domain.TaskInDocs {
		r.log.Warn("security_scan for task not in_docs, skipping", zap.String("task_id", task.ID), zap.String("status", string(task.Status)))
		return nil
	}

	result, err := gates.RunStage(ctx, gates.StageMerge, r.tools, r.parsers, r.workdir(task.ID), r.thresholds)
	if err != nil {
		return fmt.Errorf("run merge stage for %s: %w", task.ID, err)
	}

	developer := ""
	if task.Assignee != nil {
		developer = *task.Assignee
	}

	if !result.AllPassed() {
		reason := result.FailureMessage()
		if err := r.fsm.Reject(ctx, task.ID, reason, r.AgentID, developer, SupervisorAgentID); err != nil {
			return fmt.Errorf("reject %s: %w", task.ID, err)
		}
		r.log.Warn("task rejected by refinery", zap.String("task_id", task.ID), zap.String("reason", reason))
		return nil
	}

	branch, target := r.branchFor(task.ID)
	mergeErr := external.Merge(ctx, r.vcs, branch, target)
	if mergeErr != nil {
		reason := fmt.Sprintf("merge failed: %v", mergeErr)
		if err := r.fsm.Reject(ctx, task.ID, reason, r.AgentID, developer, SupervisorAgentID); err != nil {
			return fmt.Errorf("reject %s after merge failure: %w", task.ID, err)
		}
		r.log.Warn("merge failed, task rejected", zap.String("task_id", task.ID), zap.Error(mergeErr))
		return nil
	}

	ok, err := r.fsm.Merge(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("merge transition %s: %w", task.ID, err)
	}
	if !ok {
		return nil
	}

	mergePayload, err := domain.MarshalPayload(domain.MergeTaskPayload{TaskID: task.ID, Success: true})
	if err != nil {
		return fmt.Errorf("build merge task payload: %w", err)
	}
	if _, err := r.queue.Publish(SupervisorAgentID, domain.EventMergeTask, mergePayload); err != nil {
		return fmt.Errorf("publish merge task: %w", err)
	}
	r.log.Info("task merged", zap.String("task_id", task.ID))

	return r.maybeCompleteConvoy(ctx, task.ConvoyID)
}

// maybeCompleteConvoy marks the convoy done and publishes UPDATE_DOCS once
// every task under it has reached done, then sweeps the feature's blocked
// convoys as the unblock cascade trigger.
func (r *Refinery) maybeCompleteConvoy(ctx context.Context, convoyID string) error {
	tasks, err := r.store.ListTasksByConvoy(convoyID)
	if err != nil {
		return fmt.Errorf("list convoy tasks %s: %w", convoyID, err)
	}
	for _, t := range tasks {
		if t.Status != domain.TaskDone {
			return nil
		}
	}

	c, err := r.store.GetConvoy(convoyID)
	if err != nil {
		return fmt.Errorf("get convoy %s: %w", convoyID, err)
	}
	if c.Status == domain.ConvoyDone {
		return nil
	}
	if err := r.store.UpdateConvoyStatus(convoyID, domain.ConvoyDone, nowISO()); err != nil {
		return fmt.Errorf("mark convoy done %s: %w", convoyID, err)
	}
	r.log.Info("convoy completed", zap.String("convoy_id", convoyID))

	docsPayload, err := domain.MarshalPayload(domain.UpdateDocsPayload{ConvoyID: convoyID})
	if err != nil {
		return fmt.Errorf("build update docs payload: %w", err)
	}
	if _, err := r.queue.Publish(LibrarianAgentID, domain.EventUpdateDocs, docsPayload); err != nil {
		return fmt.Errorf("publish update docs: %w", err)
	}

	if err := r.alloc.Sweep(ctx, c.FeatureID); err != nil {
		return fmt.Errorf("sweep blocked convoys for feature %s: %w", c.FeatureID, err)
	}

	return r.maybeCompleteFeature(c.FeatureID)
}

// maybeCompleteFeature marks the feature done once every convoy under it
// is done.
func (r *Refinery) maybeCompleteFeature(featureID string) error {
	convoys, err := r.store.ListConvoysByFeature(featureID)
	if err != nil {
		return fmt.Errorf("list feature convoys %s: %w", featureID, err)
	}
	for _, c := range convoys {
		if c.Status != domain.ConvoyDone {
			return nil
		}
	}
	if err := r.store.UpdateFeatureStatus(featureID, domain.FeatureDone, nowISO()); err != nil {
		return fmt.Errorf("mark feature done %s: %w", featureID, err)
	}
	r.log.Info("feature completed", zap.String("feature_id", featureID))
	return nil
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// Package supervisor implements the Manager role: it polls features,
// materializes convoys and tasks from the external task artifact, spawns
// and restarts workers, and routes escalations. It is the one place the
// recovery hook is implemented, since every worker role shares the same
// recovery mechanics.
package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ai-sprint/ai-sprint/internal/convoy"
	"github.com/ai-sprint/ai-sprint/internal/domain"
	"github.com/ai-sprint/ai-sprint/internal/external"
	"github.com/ai-sprint/ai-sprint/internal/health"
	"github.com/ai-sprint/ai-sprint/internal/store"
	"github.com/ai-sprint/ai-sprint/internal/taskfsm"
)

// AgentID is the conventional agent_id the Supervisor itself registers
// under -- the target of ESCALATE_TASK and AGENT_RESTART_FAILED events.
const AgentID = "manager-001"

// Supervisor drives feature materialization, agent lifecycle, and
// escalation routing.
type Supervisor struct {
	store  *store.Store
	alloc  *convoy.Allocator
	fsm    *taskfsm.FSM
	host   external.ProcessHost
	parser external.TaskArtifactParser
	log    *zap.Logger

	// SpawnCommand builds the shell command used to (re)spawn a worker of
	// the given agent type -- the core has no opinion on how a worker
	// process is actually invoked, so this is supplied by the caller
	// wiring the module together.
	SpawnCommand func(agentType domain.AgentType) string
}

// New builds a Supervisor.
func New(st *store.Store, alloc *convoy.Allocator, fsm *taskfsm.FSM, host external.ProcessHost, parser external.TaskArtifactParser, log *zap.Logger) *Supervisor {
	return &Supervisor{store: st, alloc: alloc, fsm: fsm, host: host, parser: parser, log: log,
		SpawnCommand: func(agentType domain.AgentType) string { return "ai-sprint-worker --role=" + string(agentType) },
	}
}

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }

// PollFeatures reads features in `ready`, advances each to `in_progress`,
// and materializes its convoys/tasks via MaterializeConvoys. A
// parse/validation error marks the feature `failed` rather than aborting
// the whole poll.
func (s *Supervisor) PollFeatures(ctx context.Context, tasksArtifactPath func(featureID string) string) error {
	features, err := s.store.ListFeaturesByStatus(domain.FeatureReady)
	if err != nil {
		return fmt.Errorf("list ready features: %w", err)
	}
	for _, f := range features {
		if err := s.store.UpdateFeatureStatus(f.ID, domain.FeatureInProgress, now()); err != nil {
			return fmt.Errorf("advance feature %s to in_progress: %w", f.ID, err)
		}
		if err := s.MaterializeConvoys(ctx, f.ID, tasksArtifactPath(f.ID)); err != nil {
			s.log.Error("feature materialization failed", zap.String("feature_id", f.ID), zap.Error(err))
			if uerr := s.store.UpdateFeatureStatus(f.ID, domain.FeatureFailed, now()); uerr != nil {
				return fmt.Errorf("mark feature failed %s: %w", f.ID, uerr)
			}
			continue
		}
	}
	return nil
}

// MaterializeConvoys parses the tasks artifact, creates convoys and tasks
// under the file-disjointness and dependency-acyclicity invariants, and
// runs the initial block sweep.
func (s *Supervisor) MaterializeConvoys(ctx context.Context, featureID, tasksArtifactPath string) error {
	specs, err := s.parser.Parse(ctx, tasksArtifactPath)
	if err != nil {
		return fmt.Errorf("parse tasks artifact: %w", err)
	}

	existing, err := s.store.ListNonDoneConvoysByFeature(featureID)
	if err != nil {
		return fmt.Errorf("list existing convoys: %w", err)
	}

	proposed := make([]domain.Convoy, len(specs))
	ids := make([]string, len(specs))
	for i, spec := range specs {
		id := uuid.NewString()
		ids[i] = id
		proposed[i] = domain.Convoy{ID: id, FeatureID: featureID, Story: spec.Story, Priority: spec.Priority, Status: domain.ConvoyAvailable, Files: spec.Files}
	}
	if err := convoy.ValidateFileOverlap(proposed, existing); err != nil {
		return err // already wraps store.ErrIntegrityError
	}
	if err := validateAcyclic(specs); err != nil {
		return err
	}

	nowTS := time.Now().UTC()
	for i, spec := range specs {
		deps := make([]string, 0, len(spec.Dependencies))
		for _, depIdx := range spec.Dependencies {
			idx, err := resolveIndex(depIdx, len(ids))
			if err != nil {
				return err
			}
			deps = append(deps, ids[idx])
		}
		c := &domain.Convoy{
			ID: ids[i], FeatureID: featureID, Story: spec.Story, Priority: spec.Priority,
			Status: domain.ConvoyAvailable, Files: spec.Files, Dependencies: deps, CreatedAt: nowTS,
		}
		if err := s.store.CreateConvoy(c); err != nil {
			return fmt.Errorf("create convoy %s: %w", spec.Story, err)
		}
		for _, ts := range spec.Tasks {
			t := &domain.Task{
				ID: uuid.NewString(), ConvoyID: c.ID, Title: ts.Title, Description: ts.Description,
				FilePath: ts.FilePath, Status: domain.TaskTodo, Priority: spec.Priority,
				AcceptanceCriteria: ts.AcceptanceCriteria, CreatedAt: nowTS,
			}
			if err := s.store.CreateTask(t); err != nil {
				return fmt.Errorf("create task %s: %w", ts.Title, err)
			}
		}
	}

	if err := s.alloc.MarkInitialBlocked(ctx, featureID); err != nil {
		return fmt.Errorf("mark initial blocked: %w", err)
	}
	return nil
}

func resolveIndex(raw string, n int) (int, error) {
	var idx int
	if _, err := fmt.Sscanf(raw, "%d", &idx); err != nil {
		return 0, fmt.Errorf("invalid dependency index %q: %w", raw, err)
	}
	if idx < 0 || idx >= n {
		return 0, fmt.Errorf("dependency index %d out of range", idx)
	}
	return idx, nil
}

// validateAcyclic enforces dependency acyclicity: the dependency graph on
// a feature's convoys must be a DAG. Dependencies are still raw string
// indices into specs at this point (resolved to convoy IDs afterward).
func validateAcyclic(specs []external.ConvoySpec) error {
	n := len(specs)
	deps := make([][]int, n)
	for i, spec := range specs {
		for _, raw := range spec.Dependencies {
			idx, err := resolveIndex(raw, n)
			if err != nil {
				return err
			}
			deps[i] = append(deps[i], idx)
		}
	}
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make([]int, n)
	var visit func(i int) error
	visit = func(i int) error {
		color[i] = gray
		for _, dep := range deps[i] {
			switch color[dep] {
			case gray:
				return fmt.Errorf("%w: dependency cycle involving convoy %q", store.ErrIntegrityError, specs[i].Story)
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		color[i] = black
		return nil
	}
	for i := 0; i < n; i++ {
		if color[i] == white {
			if err := visit(i); err != nil {
				return err
			}
		}
	}
	return nil
}

// SpawnAgent creates a host session and spawns the worker command for
// agentType, registering a fresh `active` agent_sessions row.
func (s *Supervisor) SpawnAgent(ctx context.Context, agentID string, agentType domain.AgentType, convoyID, worktree *string) error {
	if err := s.host.CreateSession(ctx, agentID, ""); err != nil {
		return fmt.Errorf("%w: create session %s: %v", external.ErrHostFailure, agentID, err)
	}
	if _, err := s.host.Spawn(ctx, agentID, s.SpawnCommand(agentType), ""); err != nil {
		return fmt.Errorf("%w: spawn %s: %v", external.ErrHostFailure, agentID, err)
	}
	nowTS := time.Now().UTC()
	sess := &domain.AgentSession{
		AgentID: agentID, AgentType: agentType, ConvoyID: convoyID, Worktree: worktree,
		Status: domain.SessionActive, LastHeartbeat: nowTS, StartedAt: nowTS,
	}
	if err := s.store.CreateSession(sess); err != nil {
		return fmt.Errorf("register session %s: %w", agentID, err)
	}
	s.log.Info("agent spawned", zap.String("agent_id", agentID), zap.String("agent_type", string(agentType)))
	return nil
}

// RestartAgent is the restart policy for crashed/hung agents: destroy any
// residual host session, read the session row, and re-spawn an equivalent
// worker under the same agent_id. If the restart itself fails, the returned
// error wraps external.ErrHostFailure; RestartAgent publishes no
// AGENT_RESTART_FAILED event, so that is left to the caller.
func (s *Supervisor) RestartAgent(ctx context.Context, agentID string) error {
	sess, err := s.store.GetSession(agentID)
	if err != nil {
		return fmt.Errorf("read session %s for restart: %w", agentID, err)
	}
	if err := s.host.DestroySession(ctx, agentID); err != nil {
		s.log.Warn("destroy residual session failed", zap.String("agent_id", agentID), zap.Error(err))
	}
	if err := s.SpawnAgent(ctx, agentID, sess.AgentType, sess.ConvoyID, sess.Worktree); err != nil {
		return fmt.Errorf("%w: restart %s: %v", external.ErrHostFailure, agentID, err)
	}
	return nil
}

// HandleStuck is the stuck policy: treat a stuck (session, task) report as
// an agent failure bound to that task. Escalation after MaxFailures
// failures, unassignment, and the todo reset are all delegated to
// taskfsm.Escalate.
func (s *Supervisor) HandleStuck(ctx context.Context, report health.StuckReport) error {
	reason := fmt.Sprintf("task stuck on %s for %s", report.AgentID, report.Duration)
	return s.fsm.Escalate(ctx, report.TaskID, reason, "stuck", report.AgentID, AgentID)
}

// Recover is the recovery hook: on worker startup, look up the agent's most
// recent non-terminal assigned task; if found, the state machine status
// tells the worker what to do next (it is already mid-flight); otherwise
// the worker starts fresh.
func (s *Supervisor) Recover(ctx context.Context, agentID string) (*domain.Task, error) {
	t, err := s.store.MostRecentNonTerminalTaskForAgent(agentID)
	if err == store.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("recover %s: %w", agentID, err)
	}
	return t, nil
}

// Package external defines the abstract collaborator interfaces the core
// coordination plane depends on but does not implement: the process/session
// host, the version-control worktree/merge host, and the feature-artifact
// parser. Concrete production implementations live outside this module;
// internal/external/fake supplies deterministic in-memory fakes for tests.
package external

import (
	"context"
	"errors"

	"github.com/ai-sprint/ai-sprint/internal/domain"
)

// ErrHostFailure means a process/worktree host refused an operation.
var ErrHostFailure = errors.New("host failure")

// ProcessHost is the abstract session/process host: an interface the
// Supervisor depends on to spawn and inspect worker processes. Any
// implementation supplying these semantics suffices.
type ProcessHost interface {
	CreateSession(ctx context.Context, name, workingDir string) error
	Spawn(ctx context.Context, session, command, workingDir string) (string, error)
	DestroySession(ctx context.Context, name string) error
	IsSessionAlive(ctx context.Context, name string) (bool, error)
}

// VCSHost is the abstract version-control worktree/merge host. The core
// assumes fast-forward merges are attempted first, then
// rebase-then-fast-forward on failure.
type VCSHost interface {
	CreateWorktree(ctx context.Context, agentID, baseBranch string) (string, error)
	RemoveWorktree(ctx context.Context, agentID string, force bool) error
	FastForwardMerge(ctx context.Context, branch, target string) error
	Rebase(ctx context.Context, branch, target string) error
	DeleteBranch(ctx context.Context, branch string, force bool) error
}

// Merge performs the merge policy: attempt a fast-forward merge; on
// failure, rebase onto target and fast-forward again.
func Merge(ctx context.Context, host VCSHost, branch, target string) error {
	if err := host.FastForwardMerge(ctx, branch, target); err == nil {
		return nil
	}
	if err := host.Rebase(ctx, branch, target); err != nil {
		return err
	}
	return host.FastForwardMerge(ctx, branch, target)
}

// TaskArtifactParser parses a feature's tasks artifact -- the only one of
// a feature's artifacts the core consumes -- into the convoy/task
// specifications the Supervisor materializes. The concrete parser format
// lives outside the core; this interface is the seam.
type TaskArtifactParser interface {
	Parse(ctx context.Context, tasksArtifactPath string) ([]ConvoySpec, error)
}

// ConvoySpec is one parsed convoy, ready for supervisor.MaterializeConvoys
// to turn into domain.Convoy + domain.Task rows under the file-disjointness
// and acyclicity invariants.
type ConvoySpec struct {
	Story        string
	Priority     domain.Priority
	Files        []string
	Dependencies []string // indices into the parent slice, resolved by the caller into convoy IDs
	Tasks        []TaskSpec
}

// TaskSpec is one parsed task within a ConvoySpec.
type TaskSpec struct {
	Title              string
	Description        string
	FilePath           string
	AcceptanceCriteria []domain.AcceptanceCriterion
}

// Package fake provides deterministic in-memory fakes for the external
// collaborator interfaces, used by internal/health, internal/supervisor and
// internal/worker/refinery tests so they can exercise crash/restart and
// merge behavior without a real process host or git checkout.
package fake

import (
	"context"
	"fmt"
	"sync"

	"github.com/ai-sprint/ai-sprint/internal/external"
)

// ProcessHost is an in-memory external.ProcessHost: sessions are just names
// in a set, "alive" until explicitly killed or destroyed.
type ProcessHost struct {
	mu       sync.Mutex
	sessions map[string]bool // name -> alive
}

// NewProcessHost builds an empty fake process host.
func NewProcessHost() *ProcessHost {
	return &ProcessHost{sessions: map[string]bool{}}
}

func (h *ProcessHost) CreateSession(ctx context.Context, name, workingDir string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[name] = true
	return nil
}

func (h *ProcessHost) Spawn(ctx context.Context, session, command, workingDir string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.sessions[session] {
		return "", fmt.Errorf("%w: no such session %s", external.ErrHostFailure, session)
	}
	return session + ":pane-0", nil
}

func (h *ProcessHost) DestroySession(ctx context.Context, name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, name)
	return nil
}

func (h *ProcessHost) IsSessionAlive(ctx context.Context, name string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessions[name], nil
}

// Kill marks a session's process as gone without destroying the session
// row, simulating a crashed worker process for the health monitor's crash
// sweep.
func (h *ProcessHost) Kill(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[name] = false
}

// VCSHost is an in-memory external.VCSHost. Worktrees are just paths keyed
// by agent ID; FastForwardMerge always succeeds unless ForceRebaseFirst names
// the branch, letting tests exercise the rebase-then-fast-forward fallback.
type VCSHost struct {
	mu               sync.Mutex
	worktrees        map[string]string
	ForceRebaseFirst map[string]bool
	rebased          map[string]bool
	MergedBranches   []string
	DeletedBranches  []string
}

// NewVCSHost builds an empty fake VCS host.
func NewVCSHost() *VCSHost {
	return &VCSHost{
		worktrees:        map[string]string{},
		ForceRebaseFirst: map[string]bool{},
		rebased:          map[string]bool{},
	}
}

func (h *VCSHost) CreateWorktree(ctx context.Context, agentID, baseBranch string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	path := "/tmp/worktrees/" + agentID
	h.worktrees[agentID] = path
	return path, nil
}

func (h *VCSHost) RemoveWorktree(ctx context.Context, agentID string, force bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.worktrees, agentID)
	return nil
}

func (h *VCSHost) FastForwardMerge(ctx context.Context, branch, target string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ForceRebaseFirst[branch] && !h.rebased[branch] {
		return fmt.Errorf("%w: %s is not a fast-forward of %s", external.ErrHostFailure, branch, target)
	}
	h.MergedBranches = append(h.MergedBranches, branch)
	return nil
}

func (h *VCSHost) Rebase(ctx context.Context, branch, target string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rebased[branch] = true
	return nil
}

func (h *VCSHost) DeleteBranch(ctx context.Context, branch string, force bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.DeletedBranches = append(h.DeletedBranches, branch)
	return nil
}

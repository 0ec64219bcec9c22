// Package convoy implements the Convoy Allocator: FIFO-by-priority
// allocation, dependency gating, file-overlap validation, and the
// block/unblock cascade.
package convoy

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/ai-sprint/ai-sprint/internal/domain"
	"github.com/ai-sprint/ai-sprint/internal/store"
)

// Allocator drives convoy allocation and the dependency sweep over a Store.
type Allocator struct {
	store *store.Store
	log   *zap.Logger
}

// New builds an Allocator over the given Store.
func New(st *store.Store, log *zap.Logger) *Allocator {
	return &Allocator{store: st, log: log}
}

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }

// AllocateNext fetches available convoys for the feature, sorts them by
// (priority ascending, created_at ascending), skips any whose dependencies
// aren't all done, and atomically flips the first eligible candidate to
// in_progress. Returns (nil, nil) when nothing is eligible -- not an error,
// since an empty feature queue is routine. Re-invoking after a successful
// allocation returns a different convoy or none.
func (a *Allocator) AllocateNext(ctx context.Context, featureID, agentID string) (*domain.Convoy, error) {
	candidates, err := a.store.ListConvoysByFeatureAndStatus(featureID, domain.ConvoyAvailable)
	if err != nil {
		return nil, fmt.Errorf("list available convoys: %w", err)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority.Rank() != candidates[j].Priority.Rank() {
			return candidates[i].Priority.Rank() < candidates[j].Priority.Rank()
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	for _, c := range candidates {
		ready, err := a.dependenciesDone(c)
		if err != nil {
			return nil, err
		}
		if !ready {
			continue
		}
		ok, err := a.store.AllocateConvoyAtomic(ctx, c.ID, agentID, now())
		if err != nil {
			return nil, fmt.Errorf("allocate convoy %s: %w", c.ID, err)
		}
		if !ok {
			// Lost the race to another allocator; try the next candidate.
			continue
		}
		a.log.Info("convoy allocated", zap.String("convoy_id", c.ID), zap.String("agent_id", agentID))
		c.Status = domain.ConvoyInProgress
		c.Assignee = &agentID
		return c, nil
	}
	return nil, nil
}

func (a *Allocator) dependenciesDone(c *domain.Convoy) (bool, error) {
	for _, depID := range c.Dependencies {
		dep, err := a.store.GetConvoy(depID)
		if err != nil {
			return false, fmt.Errorf("check dependency %s of %s: %w", depID, c.ID, err)
		}
		if dep.Status != domain.ConvoyDone {
			return false, nil
		}
	}
	return true, nil
}

// Sweep implements the block/unblock cascade: for every `blocked` convoy
// in the feature whose dependencies are now all done, flip it to
// `available`. It runs after every convoy completion, and the same
// dependency check backs MarkInitialBlocked below for newly materialized
// convoys.
func (a *Allocator) Sweep(ctx context.Context, featureID string) error {
	blocked, err := a.store.ListConvoysByFeatureAndStatus(featureID, domain.ConvoyBlocked)
	if err != nil {
		return fmt.Errorf("list blocked convoys: %w", err)
	}
	for _, c := range blocked {
		ready, err := a.dependenciesDone(c)
		if err != nil {
			return err
		}
		if !ready {
			continue
		}
		if err := a.store.UpdateConvoyStatus(c.ID, domain.ConvoyAvailable, now()); err != nil {
			return fmt.Errorf("unblock convoy %s: %w", c.ID, err)
		}
		a.log.Info("convoy unblocked", zap.String("convoy_id", c.ID))
	}
	return nil
}

// MarkInitialBlocked is run once per newly materialized convoy set: any
// convoy whose dependencies aren't all done yet is immediately flipped from
// `available` to `blocked`.
func (a *Allocator) MarkInitialBlocked(ctx context.Context, featureID string) error {
	available, err := a.store.ListConvoysByFeatureAndStatus(featureID, domain.ConvoyAvailable)
	if err != nil {
		return fmt.Errorf("list available convoys: %w", err)
	}
	for _, c := range available {
		ready, err := a.dependenciesDone(c)
		if err != nil {
			return err
		}
		if ready {
			continue
		}
		if err := a.store.UpdateConvoyStatus(c.ID, domain.ConvoyBlocked, now()); err != nil {
			return fmt.Errorf("mark convoy blocked %s: %w", c.ID, err)
		}
		a.log.Info("convoy blocked pending dependencies", zap.String("convoy_id", c.ID))
	}
	return nil
}

// ValidateFileOverlap enforces file-disjointness: within one feature, the
// file sets of any two non-done convoys must be disjoint. proposed is
// checked pairwise against itself and against existing (already-persisted,
// non-done convoys of the same feature); any non-empty intersection is a
// hard error naming the first offending path.
func ValidateFileOverlap(proposed []domain.Convoy, existing []domain.Convoy) error {
	all := make([]domain.Convoy, 0, len(proposed)+len(existing))
	all = append(all, existing...)
	all = append(all, proposed...)

	for i := 0; i < len(all); i++ {
		for j := i + 1; j < len(all); j++ {
			if all[i].Status == domain.ConvoyDone || all[j].Status == domain.ConvoyDone {
				continue
			}
			for f := range all[i].FileSet() {
				if _, overlap := all[j].FileSet()[f]; overlap {
					return fmt.Errorf("%w: file %q claimed by both convoy %s and convoy %s", store.ErrIntegrityError, f, all[i].ID, all[j].ID)
				}
			}
		}
	}
	return nil
}

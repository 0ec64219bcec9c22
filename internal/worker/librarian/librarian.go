// Package librarian implements the Librarian role: on UPDATE_DOCS,
// regenerate documentation for the named convoy. Doc regeneration itself
// lives outside the core; this role's job within the core is limited to
// consuming the event and delegating to that external generator.
package librarian

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ai-sprint/ai-sprint/internal/domain"
)

// Generator is the external doc-regeneration seam. A concrete
// implementation shells out to whatever documentation tool a deployment
// uses; this package only owns sequencing the event.
type Generator interface {
	Regenerate(ctx context.Context, convoyID string) error
}

// NopGenerator regenerates nothing. It is the default wired into a
// deployment that has no documentation pipeline configured.
type NopGenerator struct{}

func (NopGenerator) Regenerate(ctx context.Context, convoyID string) error { return nil }

// Librarian is one Librarian worker session.
type Librarian struct {
	AgentID string

	gen Generator
	log *zap.Logger
}

// New builds a Librarian worker. Pass NopGenerator{} when no external
// documentation tool is configured.
func New(agentID string, gen Generator, log *zap.Logger) *Librarian {
	return &Librarian{AgentID: agentID, gen: gen, log: log}
}

func (l *Librarian) AgentType() domain.AgentType { return domain.AgentLibrarian }

// HandleEvent handles UPDATE_DOCS: regenerate docs for the named convoy.
// There is no task state transition here -- the convoy was already marked
// done by the Refinery before this event was published.
func (l *Librarian) HandleEvent(ctx context.Context, ev domain.Event) error {
	if ev.EventType != domain.EventUpdateDocs {
		return fmt.Errorf("librarian: unexpected event type %s", ev.EventType)
	}
	p, err := domain.ParseUpdateDocsPayload(ev.Payload)
	if err != nil {
		return fmt.Errorf("parse update docs payload: %w", err)
	}
	if err := l.gen.Regenerate(ctx, p.ConvoyID); err != nil {
		return fmt.Errorf("regenerate docs for convoy %s: %w", p.ConvoyID, err)
	}
	l.log.Info("docs regenerated", zap.String("convoy_id", p.ConvoyID))
	return nil
}

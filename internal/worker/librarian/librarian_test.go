package librarian_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ai-sprint/ai-sprint/internal/domain"
	"github.com/ai-sprint/ai-sprint/internal/worker/librarian"
)

type recordingGenerator struct {
	calls []string
	err   error
}

func (g *recordingGenerator) Regenerate(ctx context.Context, convoyID string) error {
	g.calls = append(g.calls, convoyID)
	return g.err
}

func TestAgentType(t *testing.T) {
	l := librarian.New("librarian-001", librarian.NopGenerator{}, zap.NewNop())
	assert.Equal(t, domain.AgentLibrarian, l.AgentType())
}

func TestHandleEvent_RegeneratesNamedConvoy(t *testing.T) {
	gen := &recordingGenerator{}
	l := librarian.New("librarian-001", gen, zap.NewNop())

	payload, err := domain.MarshalPayload(domain.UpdateDocsPayload{ConvoyID: "convoy-1"})
	require.NoError(t, err)
	require.NoError(t, l.HandleEvent(context.Background(), domain.Event{EventType: domain.EventUpdateDocs, Payload: payload}))

	assert.Equal(t, []string{"convoy-1"}, gen.calls)
}

func TestHandleEvent_GeneratorErrorPropagates(t *testing.T) {
	gen := &recordingGenerator{err: errors.New("doc tool unavailable")}
	l := librarian.New("librarian-001", gen, zap.NewNop())

	payload, err := domain.MarshalPayload(domain.UpdateDocsPayload{ConvoyID: "convoy-2"})
	require.NoError(t, err)
	err = l.HandleEvent(context.Background(), domain.Event{EventType: domain.EventUpdateDocs, Payload: payload})
	assert.Error(t, err)
}

func TestHandleEvent_UnexpectedTypeErrors(t *testing.T) {
	l := librarian.New("librarian-001", librarian.NopGenerator{}, zap.NewNop())
	err := l.HandleEvent(context.Background(), domain.Event{EventType: domain.EventMergeTask, Payload: []byte(`{}`)})
	assert.Error(t, err)
}

func TestNopGenerator_AlwaysSucceeds(t *testing.T) {
	assert.NoError(t, librarian.NopGenerator{}.Regenerate(context.Background(), "convoy-3"))
}

package developer_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ai-sprint/ai-sprint/internal/domain"
	"github.com/ai-sprint/ai-sprint/internal/queue"
	"github.com/ai-sprint/ai-sprint/internal/store"
	"github.com/ai-sprint/ai-sprint/internal/taskfsm"
	"github.com/ai-sprint/ai-sprint/internal/worker/developer"
)

func setup(t *testing.T) (*store.Store, *queue.Queue, *taskfsm.FSM) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(dbPath, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	q := queue.New(st, zap.NewNop())
	fsm := taskfsm.New(st, q, zap.NewNop())
	return st, q, fsm
}

func TestAgentType(t *testing.T) {
	d := developer.New("dev-001", "convoy-1", nil, nil, zap.NewNop())
	assert.Equal(t, domain.AgentDeveloper, d.AgentType())
}

func TestClaimNextTask_ClaimsOldestUnassignedTodo(t *testing.T) {
	st, _, fsm := setup(t)
	require.NoError(t, st.CreateFeature(domain.NewFeature("feat-1", "x", "x.md", time.Now().UTC())))
	require.NoError(t, st.CreateConvoy(&domain.Convoy{
		ID: "convoy-1", FeatureID: "feat-1", Story: "s", Priority: domain.PriorityP1,
		Status: domain.ConvoyInProgress, CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, st.CreateTask(&domain.Task{
		ID: "task-1", ConvoyID: "convoy-1", Title: "t1", FilePath: "a.go",
		Status: domain.TaskTodo, Priority: domain.PriorityP1, CreatedAt: time.Now().UTC(),
	}))

	d := developer.New("dev-001", "convoy-1", st, fsm, zap.NewNop())
	got, err := d.ClaimNextTask(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "task-1", got.ID)

	stored, err := st.GetTask("task-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskInProgress, stored.Status)
	require.NotNil(t, stored.Assignee)
	assert.Equal(t, "dev-001", *stored.Assignee)
}

func TestClaimNextTask_NoneAvailableReturnsNil(t *testing.T) {
	st, _, fsm := setup(t)
	require.NoError(t, st.CreateFeature(domain.NewFeature("feat-2", "x", "x.md", time.Now().UTC())))
	require.NoError(t, st.CreateConvoy(&domain.Convoy{
		ID: "convoy-2", FeatureID: "feat-2", Story: "s", Priority: domain.PriorityP1,
		Status: domain.ConvoyInProgress, CreatedAt: time.Now().UTC(),
	}))

	d := developer.New("dev-002", "convoy-2", st, fsm, zap.NewNop())
	got, err := d.ClaimNextTask(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSubmit_RoutesToCAB(t *testing.T) {
	st, q, fsm := setup(t)
	require.NoError(t, st.CreateFeature(domain.NewFeature("feat-3", "x", "x.md", time.Now().UTC())))
	require.NoError(t, st.CreateConvoy(&domain.Convoy{
		ID: "convoy-3", FeatureID: "feat-3", Story: "s", Priority: domain.PriorityP1,
		Status: domain.ConvoyInProgress, CreatedAt: time.Now().UTC(),
	}))
	assignee := "dev-003"
	require.NoError(t, st.CreateTask(&domain.Task{
		ID: "task-3", ConvoyID: "convoy-3", Title: "t", FilePath: "a.go",
		Status: domain.TaskInProgress, Priority: domain.PriorityP1, Assignee: &assignee, CreatedAt: time.Now().UTC(),
	}))

	d := developer.New("dev-003", "convoy-3", st, fsm, zap.NewNop())
	ok, err := d.Submit(context.Background(), "task-3")
	require.NoError(t, err)
	assert.True(t, ok)

	events, err := q.Consume(context.Background(), developer.CABAgentID, 5)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventRouteTask, events[0].EventType)
}

func TestHandleEvent_ReworkNeededLogsAndReturnsNil(t *testing.T) {
	d := developer.New("dev-004", "convoy-4", nil, nil, zap.NewNop())
	payload, err := domain.MarshalPayload(domain.ReworkNeededPayload{TaskID: "task-4", Reason: "missing tests"})
	require.NoError(t, err)
	err = d.HandleEvent(context.Background(), domain.Event{EventType: domain.EventReworkNeeded, Payload: payload})
	assert.NoError(t, err)
}

func TestHandleEvent_UnexpectedTypeErrors(t *testing.T) {
	d := developer.New("dev-005", "convoy-5", nil, nil, zap.NewNop())
	err := d.HandleEvent(context.Background(), domain.Event{EventType: domain.EventRunTests, Payload: []byte(`{}`)})
	assert.Error(t, err)
}

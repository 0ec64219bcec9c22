package cab_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ai-sprint/ai-sprint/internal/domain"
	"github.com/ai-sprint/ai-sprint/internal/gates"
	"github.com/ai-sprint/ai-sprint/internal/queue"
	"github.com/ai-sprint/ai-sprint/internal/store"
	"github.com/ai-sprint/ai-sprint/internal/taskfsm"
	"github.com/ai-sprint/ai-sprint/internal/worker/cab"
)

type fakeTool struct {
	out gates.ToolOutput
	err error
}

func (f fakeTool) Run(ctx context.Context, workdir string) (gates.ToolOutput, error) { return f.out, f.err }

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

func seedInReview(t *testing.T, st *store.Store, taskID, developer string) {
	t.Helper()
	require.NoError(t, st.CreateFeature(domain.NewFeature("feat-"+taskID, "x", "x.md", time.Now().UTC())))
	require.NoError(t, st.CreateConvoy(&domain.Convoy{
		ID: "convoy-" + taskID, FeatureID: "feat-" + taskID, Story: "s", Priority: domain.PriorityP1,
		Status: domain.ConvoyInProgress, CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, st.CreateTask(&domain.Task{
		ID: taskID, ConvoyID: "convoy-" + taskID, Title: "t", FilePath: "a.go",
		Status: domain.TaskInReview, Priority: domain.PriorityP1, Assignee: &developer, CreatedAt: time.Now().UTC(),
	}))
}

func TestHandleEvent_AllGatesPassApprovesToTester(t *testing.T) {
	st, q, fsm := setup(t)
	seedInReview(t, st, "task-1", "dev-001")

	tools := map[gates.GateKind]gates.Tool{
		gates.Linting:      fakeTool{out: gates.ToolOutput{Raw: `{"issues":0}`}},
		gates.TypeChecking: fakeTool{out: gates.ToolOutput{Raw: `{"errors":0}`}},
		gates.Complexity:   fakeTool{out: gates.ToolOutput{Raw: `{"max_function_complexity":5}`}},
	}
	c := cab.New("cab-001", st, fsm, tools, gates.DefaultThresholds(),
		func(string) string { return "/tmp" }, func(string) string { return "tester-001" }, zap.NewNop())

	payload, err := domain.MarshalPayload(domain.RouteTaskPayload{TaskID: "task-1"})
	require.NoError(t, err)
	require.NoError(t, c.HandleEvent(context.Background(), domain.Event{EventType: domain.EventRouteTask, Payload: payload}))

	got, err := st.GetTask("task-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskInTests, got.Status)

	events, err := q.Consume(context.Background(), "tester-001", 5)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventRunTests, events[0].EventType)
}

func TestHandleEvent_GateFailureRejectsToDeveloper(t *testing.T) {
	st, q, fsm := setup(t)
	seedInReview(t, st, "task-2", "dev-002")

	tools := map[gates.GateKind]gates.Tool{
		gates.Linting:      fakeTool{out: gates.ToolOutput{Raw: `{"issues":3}`, ExitCode: 1}},
		gates.TypeChecking: fakeTool{out: gates.ToolOutput{Raw: `{"errors":0}`}},
		gates.Complexity:   fakeTool{out: gates.ToolOutput{Raw: `{"max_function_complexity":5}`}},
	}
	c := cab.New("cab-001", st, fsm, tools, gates.DefaultThresholds(),
		func(string) string { return "/tmp" }, func(string) string { return "tester-001" }, zap.NewNop())

	payload, err := domain.MarshalPayload(domain.RouteTaskPayload{TaskID: "task-2"})
	require.NoError(t, err)
	require.NoError(t, c.HandleEvent(context.Background(), domain.Event{EventType: domain.EventRouteTask, Payload: payload}))

	got, err := st.GetTask("task-2")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskInProgress, got.Status)
	assert.Equal(t, 1, got.FailureCount)

	events, err := q.Consume(context.Background(), "dev-002", 5)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventReworkNeeded, events[0].EventType)
}

func TestHandleEvent_NotInReviewSkips(t *testing.T) {
	st, _, fsm := setup(t)
	require.NoError(t, st.CreateFeature(domain.NewFeature("feat-3", "x", "x.md", time.Now().UTC())))
	require.NoError(t, st.CreateConvoy(&domain.Convoy{
		ID: "convoy-3", FeatureID: "feat-3", Story: "s", Priority: domain.PriorityP1,
		Status: domain.ConvoyInProgress, CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, st.CreateTask(&domain.Task{
		ID: "task-3", ConvoyID: "convoy-3", Title: "t", FilePath: "a.go",
		Status: domain.TaskTodo, Priority: domain.PriorityP1, CreatedAt: time.Now().UTC(),
	}))

	c := cab.New("cab-001", st, fsm, map[gates.GateKind]gates.Tool{}, gates.DefaultThresholds(),
		func(string) string { return "/tmp" }, func(string) string { return "tester-001" }, zap.NewNop())

	payload, err := domain.MarshalPayload(domain.RouteTaskPayload{TaskID: "task-3"})
	require.NoError(t, err)
	assert.NoError(t, c.HandleEvent(context.Background(), domain.Event{EventType: domain.EventRouteTask, Payload: payload}))
}

func TestHandleEvent_UnexpectedTypeErrors(t *testing.T) {
	st, _, fsm := setup(t)
	c := cab.New("cab-001", st, fsm, map[gates.GateKind]gates.Tool{}, gates.DefaultThresholds(),
		func(string) string { return "/tmp" }, func(string) string { return "tester-001" }, zap.NewNop())
	err := c.HandleEvent(context.Background(), domain.Event{EventType: domain.EventRunTests, Payload: []byte(`{}`)})
	assert.Error(t, err)
}

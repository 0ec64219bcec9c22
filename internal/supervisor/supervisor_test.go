package supervisor_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ai-sprint/ai-sprint/internal/convoy"
	"github.com/ai-sprint/ai-sprint/internal/domain"
	"github.com/ai-sprint/ai-sprint/internal/external"
	"github.com/ai-sprint/ai-sprint/internal/external/fake"
	"github.com/ai-sprint/ai-sprint/internal/health"
	"github.com/ai-sprint/ai-sprint/internal/queue"
	"github.com/ai-sprint/ai-sprint/internal/store"
	"github.com/ai-sprint/ai-sprint/internal/supervisor"
	"github.com/ai-sprint/ai-sprint/internal/taskfsm"
)

type stubParser struct {
	specs []external.ConvoySpec
	err   error
}

func (p *stubParser) Parse(ctx context.Context, path string) ([]external.ConvoySpec, error) {
	return p.specs, p.err
}

func newSupervisor(t *testing.T, parser external.TaskArtifactParser) (*store.Store, *fake.ProcessHost, *supervisor.Supervisor) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(dbPath, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	q := queue.New(st, zap.NewNop())
	fsm := taskfsm.New(st, q, zap.NewNop())
	alloc := convoy.New(st, zap.NewNop())
	host := fake.NewProcessHost()
	sup := supervisor.New(st, alloc, fsm, host, parser, zap.NewNop())
	return st, host, sup
}

func TestMaterializeConvoys_CreatesConvoysAndTasksAndMarksBlocked(t *testing.T) {
	specs := []external.ConvoySpec{
		{Story: "base", Priority: domain.PriorityP1, Files: []string{"a.go"}, Tasks: []external.TaskSpec{{Title: "t1", FilePath: "a.go"}}},
		{Story: "dependent", Priority: domain.PriorityP1, Files: []string{"b.go"}, Dependencies: []string{"0"}, Tasks: []external.TaskSpec{{Title: "t2", FilePath: "b.go"}}},
	}
	st, _, sup := newSupervisor(t, &stubParser{specs: specs})
	require.NoError(t, st.CreateFeature(domain.NewFeature("feat-1", "x", "x.md", time.Now().UTC())))

	require.NoError(t, sup.MaterializeConvoys(context.Background(), "feat-1", "tasks.md"))

	convoys, err := st.ListNonDoneConvoysByFeature("feat-1")
	require.NoError(t, err)
	require.Len(t, convoys, 2)

	var base, dependent *domain.Convoy
	for i := range convoys {
		switch convoys[i].Story {
		case "base":
			base = convoys[i]
		case "dependent":
			dependent = convoys[i]
		}
	}
	require.NotNil(t, base)
	require.NotNil(t, dependent)
	assert.Equal(t, domain.ConvoyAvailable, base.Status)
	assert.Equal(t, domain.ConvoyBlocked, dependent.Status)
	assert.Equal(t, []string{base.ID}, dependent.Dependencies)
}

// TestMaterializeConvoys_FileOverlapFails checks the file-disjointness invariant.
func TestMaterializeConvoys_FileOverlapFails(t *testing.T) {
	specs := []external.ConvoySpec{
		{Story: "a", Priority: domain.PriorityP1, Files: []string{"shared.go"}, Tasks: []external.TaskSpec{{Title: "t1", FilePath: "shared.go"}}},
		{Story: "b", Priority: domain.PriorityP1, Files: []string{"shared.go"}, Tasks: []external.TaskSpec{{Title: "t2", FilePath: "shared.go"}}},
	}
	st, _, sup := newSupervisor(t, &stubParser{specs: specs})
	require.NoError(t, st.CreateFeature(domain.NewFeature("feat-2", "x", "x.md", time.Now().UTC())))

	err := sup.MaterializeConvoys(context.Background(), "feat-2", "tasks.md")
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrIntegrityError)
}

// TestMaterializeConvoys_CycleFails checks the dependency-acyclicity invariant.
func TestMaterializeConvoys_CycleFails(t *testing.T) {
	specs := []external.ConvoySpec{
		{Story: "a", Priority: domain.PriorityP1, Files: []string{"a.go"}, Dependencies: []string{"1"}, Tasks: []external.TaskSpec{{Title: "t1", FilePath: "a.go"}}},
		{Story: "b", Priority: domain.PriorityP1, Files: []string{"b.go"}, Dependencies: []string{"0"}, Tasks: []external.TaskSpec{{Title: "t2", FilePath: "b.go"}}},
	}
	st, _, sup := newSupervisor(t, &stubParser{specs: specs})
	require.NoError(t, st.CreateFeature(domain.NewFeature("feat-3", "x", "x.md", time.Now().UTC())))

	err := sup.MaterializeConvoys(context.Background(), "feat-3", "tasks.md")
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrIntegrityError)
}

func TestPollFeatures_AdvancesReadyFeaturesAndMarksFailedOnParseError(t *testing.T) {
	st, _, sup := newSupervisor(t, &stubParser{err: assert.AnError})
	require.NoError(t, st.CreateFeature(domain.NewFeature("feat-4", "x", "x.md", time.Now().UTC())))

	require.NoError(t, sup.PollFeatures(context.Background(), func(featureID string) string { return "tasks.md" }))

	got, err := st.GetFeature("feat-4")
	require.NoError(t, err)
	assert.Equal(t, domain.FeatureFailed, got.Status)
}

// TestSpawnAgentAndRestartAgent checks that when an agent crashes, the
// Supervisor restarts it and a fresh active session is registered.
func TestSpawnAgentAndRestartAgent(t *testing.T) {
	st, host, sup := newSupervisor(t, &stubParser{})

	require.NoError(t, sup.SpawnAgent(context.Background(), "dev-001", domain.AgentDeveloper, nil, nil))
	got, err := st.GetSession("dev-001")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionActive, got.Status)

	alive, err := host.IsSessionAlive(context.Background(), "dev-001")
	require.NoError(t, err)
	assert.True(t, alive)

	host.Kill("dev-001")
	require.NoError(t, st.UpdateSessionStatus("dev-001", domain.SessionCrashed, time.Now().UTC().Format(time.RFC3339Nano)))

	require.NoError(t, sup.RestartAgent(context.Background(), "dev-001"))

	got, err = st.GetSession("dev-001")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionActive, got.Status)

	alive, err = host.IsSessionAlive(context.Background(), "dev-001")
	require.NoError(t, err)
	assert.True(t, alive)
}

func TestHandleStuck_EscalatesViaTaskFSM(t *testing.T) {
	st, _, sup := newSupervisor(t, &stubParser{})
	require.NoError(t, st.CreateFeature(domain.NewFeature("feat-5", "x", "x.md", time.Now().UTC())))
	require.NoError(t, st.CreateConvoy(&domain.Convoy{
		ID: "convoy-5", FeatureID: "feat-5", Story: "s", Priority: domain.PriorityP1,
		Status: domain.ConvoyInProgress, CreatedAt: time.Now().UTC(),
	}))
	assignee := "dev-002"
	require.NoError(t, st.CreateTask(&domain.Task{
		ID: "task-5", ConvoyID: "convoy-5", Title: "t", FilePath: "a.go",
		Status: domain.TaskInProgress, Priority: domain.PriorityP1, Assignee: &assignee, CreatedAt: time.Now().UTC(),
	}))

	require.NoError(t, sup.HandleStuck(context.Background(), health.StuckReport{AgentID: "dev-002", TaskID: "task-5", Duration: time.Hour}))

	got, err := st.GetTask("task-5")
	require.NoError(t, err)
	assert.Equal(t, 1, got.FailureCount)
}

func TestRecover_ReturnsMostRecentNonTerminalTask(t *testing.T) {
	st, _, sup := newSupervisor(t, &stubParser{})
	require.NoError(t, st.CreateFeature(domain.NewFeature("feat-6", "x", "x.md", time.Now().UTC())))
	require.NoError(t, st.CreateConvoy(&domain.Convoy{
		ID: "convoy-6", FeatureID: "feat-6", Story: "s", Priority: domain.PriorityP1,
		Status: domain.ConvoyInProgress, CreatedAt: time.Now().UTC(),
	}))
	assignee := "dev-003"
	require.NoError(t, st.CreateTask(&domain.Task{
		ID: "task-6", ConvoyID: "convoy-6", Title: "t", FilePath: "a.go",
		Status: domain.TaskInProgress, Priority: domain.PriorityP1, Assignee: &assignee, CreatedAt: time.Now().UTC(),
	}))

	got, err := sup.Recover(context.Background(), "dev-003")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "task-6", got.ID)

	got, err = sup.Recover(context.Background(), "dev-nobody")
	require.NoError(t, err)
	assert.Nil(t, got)
}

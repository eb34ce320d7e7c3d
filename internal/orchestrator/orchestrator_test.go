package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyrus-run/cyrus/internal/activitystream"
	"github.com/cyrus-run/cyrus/internal/common/config"
	"github.com/cyrus-run/cyrus/internal/persist"
	"github.com/cyrus-run/cyrus/internal/router"
	"github.com/cyrus-run/cyrus/internal/runner"
	"github.com/cyrus-run/cyrus/internal/statemachine"
	"github.com/cyrus-run/cyrus/internal/tracker"
)

func testConfig() *config.Config {
	return &config.Config{
		DefaultModel:         "opus",
		DefaultFallbackModel: "sonnet",
		Repositories: []config.RepositoryConfig{
			{ID: "repo-1", WorkspaceBaseDir: "/workspace", IsActive: true},
		},
	}
}

func newTestOrchestrator(t *testing.T, streaming bool, script ...runner.Event) (*Orchestrator, *tracker.Fake, string) {
	t.Helper()
	fake := tracker.NewFake()
	fake.Issues["issue-1"] = &tracker.IssueData{ID: "issue-1"}

	dir := t.TempDir()
	store, err := persist.New(dir, nil)
	require.NoError(t, err)

	rt := router.New(nil, nil)
	factory := func(sel runner.Selection) (runner.Runner, error) {
		return runner.NewMock(streaming, script...), nil
	}

	cfg := testConfig()
	o := New(nil, func() *config.Config { return cfg }, fake, rt, factory, store, nil, nil)
	return o, fake, dir
}

func TestDispatchAgentSessionCreatedStartsASession(t *testing.T) {
	o, fake, _ := newTestOrchestrator(t, false, runner.Thought{Text: "thinking"}, runner.Final{Text: "done"})
	require.NoError(t, o.Start(context.Background()))

	ev := tracker.AgentSessionCreated{
		CommonFields: tracker.CommonFields{OrganizationID: "org-1", IssueID: "issue-1"},
		Prompt:       "do the thing",
	}
	require.NoError(t, o.Dispatch(context.Background(), ev))

	deadline := time.Now().Add(time.Second)
	for len(fake.Activities) < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	assert.Len(t, fake.Activities, 2)

	status := o.Status()
	assert.True(t, status.IsWorking)
}

func TestDispatchRejectsUnroutableIssue(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, false)
	require.NoError(t, o.Start(context.Background()))

	cfg := testConfig()
	cfg.Repositories = nil
	o.cfg = func() *config.Config { return cfg }

	ev := tracker.IssueAssigned{CommonFields: tracker.CommonFields{OrganizationID: "org-1", IssueID: "issue-2"}}
	err := o.Dispatch(context.Background(), ev)
	assert.Error(t, err)
}

func TestCrashRecoveryReconstructsDormantSessionsWithoutLaunchingARunner(t *testing.T) {
	dir := t.TempDir()
	store, err := persist.New(dir, nil)
	require.NoError(t, err)

	state := &persist.PersistedState{
		Version: persist.StateVersion,
		State:   persist.NewStateDocument(),
	}
	state.State.AgentSessions["tracker-sess-1"] = persist.SessionSnapshot{
		ID:               "sess-1",
		TrackerSessionID: "tracker-sess-1",
		RepositoryID:     "repo-1",
		IssueID:          "issue-1",
		WorkspacePath:    "/workspace/issue-1",
		Status:           string(statemachine.Running),
		StartedAt:        time.Now().UTC(),
	}
	state.State.AgentSessions["tracker-sess-2"] = persist.SessionSnapshot{
		ID:               "sess-2",
		TrackerSessionID: "tracker-sess-2",
		RepositoryID:     "repo-1",
		IssueID:          "issue-2",
		Status:           string(statemachine.Completed),
	}
	require.NoError(t, store.Save(state))

	fake := tracker.NewFake()
	rt := router.New(nil, nil)
	factoryCalled := false
	factory := func(sel runner.Selection) (runner.Runner, error) {
		factoryCalled = true
		return runner.NewMock(false), nil
	}
	cfg := testConfig()
	o := New(nil, func() *config.Config { return cfg }, fake, rt, factory, store, nil, nil)

	require.NoError(t, o.Start(context.Background()))

	_, live := o.registry.lookupByTrackerID("tracker-sess-1")
	assert.False(t, live, "recovered session must not have a live coordinator")

	snap, dormant := o.registry.isDormant("tracker-sess-1")
	require.True(t, dormant)
	assert.Equal(t, "issue-1", snap.IssueID)

	_, dormant2 := o.registry.isDormant("tracker-sess-2")
	assert.False(t, dormant2, "terminal sessions must not be recovered")

	assert.False(t, factoryCalled, "crash recovery must not launch any runner")
}

func TestResumePromptedDormantSessionConstructsAFreshCoordinator(t *testing.T) {
	o, fake, _ := newTestOrchestrator(t, false, runner.Final{Text: "resumed"})
	require.NoError(t, o.Start(context.Background()))

	o.registry.insertDormant("issue-1", persist.SessionSnapshot{
		ID:               "sess-1",
		TrackerSessionID: "tracker-sess-1",
		RepositoryID:     "repo-1",
		IssueID:          "issue-1",
		WorkspacePath:    "/workspace/issue-1",
		Status:           string(statemachine.Stopped),
	})

	ev := tracker.AgentSessionPrompted{
		CommonFields: tracker.CommonFields{OrganizationID: "org-1", IssueID: "issue-1"},
		SessionID:    "tracker-sess-1",
		Prompt:       "keep going",
	}
	require.NoError(t, o.Dispatch(context.Background(), ev))

	deadline := time.Now().Add(time.Second)
	for len(fake.Activities) < 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	c, live := o.registry.lookupByTrackerID("tracker-sess-1")
	require.True(t, live)
	assert.Equal(t, "tracker-sess-1", c.Session().TrackerSessionID)
}

func TestShutdownStopsLiveCoordinatorsAndDrainsPersistenceWriter(t *testing.T) {
	o, _, dir := newTestOrchestrator(t, true)
	require.NoError(t, o.Start(context.Background()))

	ev := tracker.AgentSessionCreated{
		CommonFields: tracker.CommonFields{OrganizationID: "org-1", IssueID: "issue-1"},
		Prompt:       "go",
	}
	require.NoError(t, o.Dispatch(context.Background(), ev))

	require.Eventually(t, func() bool {
		return len(o.registry.liveCoordinators()) == 1
	}, time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, o.Shutdown(ctx))

	_, err := os.Stat(filepath.Join(dir, "edge-worker-state.json"))
	assert.NoError(t, err)
}

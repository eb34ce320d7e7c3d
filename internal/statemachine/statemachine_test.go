package statemachine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitialStatusIsCreated(t *testing.T) {
	m := New("s1")
	assert.Equal(t, Created, m.Status())
	assert.False(t, m.IsActive())
	assert.False(t, m.CanResume())
}

func TestHappyPathToCompletion(t *testing.T) {
	m := New("s1")

	steps := []struct {
		event Event
		want  Status
	}{
		{InitializeRunner, Starting},
		{RunnerInitialized, Running},
		{MessageReceived, Running},
		{MessageReceived, Running},
		{ResultReceived, Completing},
		{CleanupComplete, Completed},
	}
	for _, step := range steps {
		ok, err := m.Apply(step.event, true)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, step.want, m.Status())
	}
	assert.True(t, m.IsTerminal())
	assert.False(t, m.IsActive())
}

func TestStopAndResumePath(t *testing.T) {
	m := New("s1")
	mustApply(t, m, InitializeRunner)
	mustApply(t, m, RunnerInitialized)
	mustApply(t, m, StopSignal)
	assert.Equal(t, Stopping, m.Status())

	mustApply(t, m, RunnerStopped)
	assert.Equal(t, Stopped, m.Status())
	assert.True(t, m.CanResume())

	mustApply(t, m, InitializeRunner)
	assert.Equal(t, Starting, m.Status())
}

func TestResumeEventAlsoValidFromStopped(t *testing.T) {
	m := New("s1")
	mustApply(t, m, InitializeRunner)
	mustApply(t, m, RunnerInitialized)
	mustApply(t, m, StopSignal)
	mustApply(t, m, RunnerStopped)

	ok, err := m.Apply(Resume, true)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Starting, m.Status())
}

func TestErrorFromEveryNonTerminalNonStoppedState(t *testing.T) {
	cases := []Status{Created, Starting, Running, Completing, Stopping}
	for _, from := range cases {
		m := &Machine{sessionID: "s1", status: from}
		ok, err := m.Apply(ErrorEvent, true)
		require.NoError(t, err, "state %s", from)
		require.True(t, ok, "state %s", from)
		assert.Equal(t, Failed, m.Status())
	}
}

// §8 property 4: any event invalid for the current state is rejected without
// mutating status, in both strict and lenient modes.
func TestInvalidTransitionRejectedWithoutMutation(t *testing.T) {
	m := New("s1") // Created

	ok, err := m.Apply(ResultReceived, true)
	assert.False(t, ok)
	require.Error(t, err)
	var invalidErr *InvalidTransitionError
	assert.ErrorAs(t, err, &invalidErr)
	assert.Equal(t, Created, m.Status())

	ok, err = m.Apply(ResultReceived, false)
	assert.False(t, ok)
	assert.NoError(t, err)
	assert.Equal(t, Created, m.Status())
}

func TestErrorIsInvalidFromTerminalAndStoppedStates(t *testing.T) {
	for _, from := range []Status{Completed, Failed, Stopped} {
		m := &Machine{sessionID: "s1", status: from}
		ok, err := m.Apply(ErrorEvent, false)
		assert.False(t, ok, "state %s", from)
		assert.NoError(t, err)
		assert.Equal(t, from, m.Status())
	}
}

func TestExternalVisibilityMapping(t *testing.T) {
	cases := map[Status]Visibility{
		Created:    VisibilityPending,
		Starting:   VisibilityActive,
		Running:    VisibilityActive,
		Stopping:   VisibilityActive,
		Completing: VisibilityActive,
		Stopped:    VisibilityStale,
		Completed:  VisibilityComplete,
		Failed:     VisibilityError,
	}
	for status, want := range cases {
		m := &Machine{sessionID: "s1", status: status}
		assert.Equal(t, want, m.ExternalVisibility(), "status %s", status)
	}
}

func TestHistoryIsBounded(t *testing.T) {
	m := New("s1")
	mustApply(t, m, InitializeRunner)
	mustApply(t, m, RunnerInitialized)
	for i := 0; i < maxHistory+50; i++ {
		mustApply(t, m, MessageReceived)
	}
	assert.LessOrEqual(t, len(m.History()), maxHistory)
}

func TestSnapshotRoundTripsThroughRestore(t *testing.T) {
	m := New("s1")
	mustApply(t, m, InitializeRunner)
	mustApply(t, m, RunnerInitialized)

	snap := m.Snapshot()
	assert.Equal(t, "s1", snap.SessionID)
	assert.Equal(t, Running, snap.Status)

	restored := Restore(snap.SessionID, snap.Status)
	assert.Equal(t, Running, restored.Status())
	assert.Empty(t, restored.History())
}

func mustApply(t *testing.T, m *Machine, event Event) {
	t.Helper()
	ok, err := m.Apply(event, true)
	require.NoError(t, err)
	require.True(t, ok)
}

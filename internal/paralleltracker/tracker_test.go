package paralleltracker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFewerThanTwoTaskUsesIsNotFanOut(t *testing.T) {
	tr := New(0)
	g := tr.DetectFanOut([]TaskUse{{ToolUseID: "t1", Description: "lone agent"}})
	assert.Nil(t, g)
}

// Scenario C: 3 Task blocks in one turn form exactly one group, with the
// ephemeral-pending flag set synchronously.
func TestDetectFanOutCreatesGroupSynchronously(t *testing.T) {
	tr := New(0)
	g := tr.DetectFanOut([]TaskUse{
		{ToolUseID: "t1", Description: "agent one"},
		{ToolUseID: "t2", Description: "agent two"},
		{ToolUseID: "t3", Description: "agent three"},
	})
	require.NotNil(t, g)
	assert.True(t, g.EphemeralActivityPending)
	assert.Len(t, g.SubAgents, 3)

	view, ok := tr.Render(g.ID)
	require.True(t, ok)
	assert.Contains(t, view, "Running 3 of 3 agents…")
}

func TestUpdateActionReRendersView(t *testing.T) {
	tr := New(0)
	g := tr.DetectFanOut([]TaskUse{
		{ToolUseID: "t1", Description: "agent one"},
		{ToolUseID: "t2", Description: "agent two"},
	})

	view, ok := tr.UpdateAction(g.ID, "t1", "Reading main.go")
	require.True(t, ok)
	assert.Contains(t, view, "Reading main.go")
	assert.Contains(t, view, "agent one (1 tools)")
}

// Scenario C: when all sub-agents report Result, the group completes with a
// single non-ephemeral summary and is removed — no fewer, no more.
func TestGroupCompletesOnlyWhenAllSubAgentsReport(t *testing.T) {
	tr := New(0)
	g := tr.DetectFanOut([]TaskUse{
		{ToolUseID: "t1", Description: "agent one"},
		{ToolUseID: "t2", Description: "agent two"},
		{ToolUseID: "t3", Description: "agent three"},
	})

	_, done := tr.CompleteSubAgent(g.ID, "t1", false)
	assert.False(t, done)
	_, done = tr.CompleteSubAgent(g.ID, "t2", false)
	assert.False(t, done)

	summary, done := tr.CompleteSubAgent(g.ID, "t3", false)
	assert.True(t, done)
	assert.Equal(t, "Completed 3 agents", summary)

	_, ok := tr.Render(g.ID)
	assert.False(t, ok, "completed group must be removed")
}

func TestGroupSummaryReportsFailures(t *testing.T) {
	tr := New(0)
	g := tr.DetectFanOut([]TaskUse{
		{ToolUseID: "t1", Description: "agent one"},
		{ToolUseID: "t2", Description: "agent two"},
	})
	tr.CompleteSubAgent(g.ID, "t1", true)
	summary, done := tr.CompleteSubAgent(g.ID, "t2", false)
	assert.True(t, done)
	assert.Equal(t, "Completed 2 agents (1 failed)", summary)
}

func TestFindGroupForToolUse(t *testing.T) {
	tr := New(0)
	g := tr.DetectFanOut([]TaskUse{
		{ToolUseID: "t1", Description: "a"},
		{ToolUseID: "t2", Description: "b"},
	})
	found := tr.FindGroupForToolUse("t2")
	require.NotNil(t, found)
	assert.Equal(t, g.ID, found.ID)

	assert.Nil(t, tr.FindGroupForToolUse("unknown"))
}

func TestCleanupExpiredDropsOldGroups(t *testing.T) {
	tr := New(time.Minute)
	g := tr.DetectFanOut([]TaskUse{
		{ToolUseID: "t1", Description: "a"},
		{ToolUseID: "t2", Description: "b"},
	})

	dropped := tr.CleanupExpired(time.Now().UTC())
	assert.Equal(t, 0, dropped)

	dropped = tr.CleanupExpired(time.Now().UTC().Add(2 * time.Minute))
	assert.Equal(t, 1, dropped)
	_, ok := tr.Render(g.ID)
	assert.False(t, ok)
}

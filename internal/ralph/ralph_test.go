package ralph

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromLabelsNoMatchIsInactive(t *testing.T) {
	state := FromLabels([]string{"bug", "priority-high"}, "fix it", "")
	assert.False(t, state.Active)
}

func TestFromLabelsPlainPatternUsesDefaultMax(t *testing.T) {
	state := FromLabels([]string{"ralph-wiggum"}, "refactor module", "")
	assert.True(t, state.Active)
	assert.Equal(t, defaultMaxIterations, state.MaxIterations)
	assert.Equal(t, "refactor module", state.OriginalPrompt)
}

func TestFromLabelsNPatternOverridesMax(t *testing.T) {
	state := FromLabels([]string{"ralph-wiggum-3"}, "refactor module", "")
	assert.True(t, state.Active)
	assert.Equal(t, 3, state.MaxIterations)
}

// §8 property 8 (iteration bound): once iteration reaches maxIterations the
// loop deactivates regardless of final text.
func TestEvaluateStopsAtMaxIterations(t *testing.T) {
	state := State{Active: true, MaxIterations: 2, Iteration: 2}
	d := Evaluate(state, "still working")
	assert.False(t, d.Continue)
	assert.False(t, d.NextState.Active)
}

func TestEvaluateZeroMaxIterationsIsUnlimited(t *testing.T) {
	state := State{Active: true, MaxIterations: 0, Iteration: 500}
	d := Evaluate(state, "still going")
	assert.True(t, d.Continue)
	assert.Equal(t, 501, d.NextState.Iteration)
}

func TestEvaluateCompletionPhraseStopsLoopCaseInsensitive(t *testing.T) {
	state := State{Active: true, MaxIterations: 10, Iteration: 1, CompletionPhrase: "ALL DONE"}
	d := Evaluate(state, "Great news, all done now.")
	assert.False(t, d.Continue)
	assert.False(t, d.NextState.Active)
}

func TestEvaluateContinuesAndProducesContinuationPrompt(t *testing.T) {
	state := State{Active: true, MaxIterations: 10, Iteration: 1, OriginalPrompt: "build the feature"}
	d := Evaluate(state, "made progress but not finished")
	assert.True(t, d.Continue)
	assert.Equal(t, 2, d.NextState.Iteration)
	assert.Contains(t, d.ContinuationPrompt, "iteration 2")
	assert.Contains(t, d.ContinuationPrompt, "build the feature")
	assert.Contains(t, d.ContinuationPrompt, "made progress but not finished")
}

func TestEvaluateInactiveStateNeverContinues(t *testing.T) {
	d := Evaluate(State{Active: false}, "anything")
	assert.False(t, d.Continue)
}

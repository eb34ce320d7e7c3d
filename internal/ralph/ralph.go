// Package ralph implements the RalphWiggumController (§4.4): an iterative
// restart loop gated by a label pattern, an iteration bound, and an optional
// completion phrase.
package ralph

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// defaultMaxIterations is used when the label carries no explicit N (§4.4:
// "ralph-wiggum-N (N = maxIterations, default 10)").
const defaultMaxIterations = 10

var labelPattern = regexp.MustCompile(`^ralph-wiggum(?:-(\d+))?$`)

// State is the persisted loop state carried alongside a session (§4.4).
type State struct {
	Active           bool   `json:"active"`
	OriginalPrompt   string `json:"originalPrompt"`
	Iteration        int    `json:"iteration"`
	MaxIterations    int    `json:"maxIterations"`
	CompletionPhrase string `json:"completionPhrase,omitempty"`
}

// FromLabels inspects an issue's labels and returns the initial loop state.
// Active is false if no ralph-wiggum label pattern is present.
func FromLabels(labels []string, originalPrompt, completionPhrase string) State {
	for _, label := range labels {
		m := labelPattern.FindStringSubmatch(label)
		if m == nil {
			continue
		}
		maxIter := defaultMaxIterations
		if m[1] != "" {
			if n, err := strconv.Atoi(m[1]); err == nil {
				maxIter = n
			}
		}
		return State{
			Active:           true,
			OriginalPrompt:   originalPrompt,
			MaxIterations:    maxIter,
			CompletionPhrase: completionPhrase,
		}
	}
	return State{Active: false}
}

// Decision is the controller's verdict after a session completes.
type Decision struct {
	Continue           bool
	ContinuationPrompt string
	NextState          State
}

// Evaluate implements §4.4's continue condition against finalText, the
// runner's completion text for the just-finished iteration.
func Evaluate(state State, finalText string) Decision {
	if !state.Active {
		return Decision{Continue: false, NextState: state}
	}
	if state.MaxIterations != 0 && state.Iteration >= state.MaxIterations {
		return Decision{Continue: false, NextState: deactivated(state)}
	}
	if state.CompletionPhrase != "" && strings.Contains(strings.ToLower(finalText), strings.ToLower(state.CompletionPhrase)) {
		return Decision{Continue: false, NextState: deactivated(state)}
	}

	next := state
	next.Iteration++

	return Decision{
		Continue:           true,
		ContinuationPrompt: continuationPrompt(next.Iteration, state.OriginalPrompt, finalText),
		NextState:          next,
	}
}

func deactivated(state State) State {
	state.Active = false
	return state
}

func continuationPrompt(iteration int, originalPrompt, previousFinalText string) string {
	return fmt.Sprintf(
		"This is iteration %d of an ongoing task. Original goal: %s\n\nYour previous response was:\n%s\n\nContinue working toward the original goal.",
		iteration, originalPrompt, previousFinalText,
	)
}

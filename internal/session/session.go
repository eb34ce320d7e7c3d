// Package session implements the Session data model and SessionCoordinator
// (§3, §4.7): one goroutine-owned lifecycle per active agent session.
package session

import (
	"time"

	"github.com/cyrus-run/cyrus/internal/normalizer"
	"github.com/cyrus-run/cyrus/internal/paralleltracker"
	"github.com/cyrus-run/cyrus/internal/ralph"
	"github.com/cyrus-run/cyrus/internal/runner"
	"github.com/cyrus-run/cyrus/internal/statemachine"
)

// Session is the in-memory session model, mutated only by its owning
// coordinator goroutine (§5: "No locks are needed on the Session struct
// because only its owning task mutates it").
type Session struct {
	ID               string
	TrackerSessionID string
	RepositoryID     string
	IssueID          string
	WorkspacePath    string

	Machine *statemachine.Machine

	RunnerSelection runner.Selection
	runnerHandle    runner.Runner
	inputActive     bool // true once a streaming input channel is in use

	Narrative      []runner.Event
	ParallelGroups *paralleltracker.Tracker
	Normalizer     *normalizer.Normalizer
	RalphState     ralph.State

	StartedAt  time.Time
	EndedAt    *time.Time
	ExitCode   *int
	StderrTail string

	// BufferedActivities holds activity-post payloads that failed even after
	// retry (§4.7). The buffer lives in memory only: it is not part of the
	// persisted session snapshot, and nothing re-posts its entries, on
	// restart or otherwise.
	BufferedActivities []BufferedActivity
}

// BufferedActivity is one activity post that could not be delivered.
type BufferedActivity struct {
	ContentType string
	Body        string
	Ephemeral   bool
}

// New creates a fresh Session in Created status.
func New(id, trackerSessionID, repositoryID, issueID, workspacePath string, selection runner.Selection) *Session {
	return &Session{
		ID:               id,
		TrackerSessionID: trackerSessionID,
		RepositoryID:     repositoryID,
		IssueID:          issueID,
		WorkspacePath:    workspacePath,
		Machine:          statemachine.New(id),
		RunnerSelection:  selection,
		ParallelGroups:   paralleltracker.New(0),
		Normalizer:       normalizer.New(),
		StartedAt:        time.Now().UTC(),
	}
}

package persist

import (
	"time"

	"github.com/cyrus-run/cyrus/internal/ralph"
)

// StateVersion is the current PersistedState schema version (§6: "version 2.0").
const StateVersion = 2

// RunnerSelection mirrors §3's RunnerSelection, persisted per tracker session.
type RunnerSelection struct {
	IssueID         string `json:"issueId"`
	RunnerType      string `json:"runnerType"`
	Model           string `json:"model,omitempty"`
	FallbackModel   string `json:"fallbackModel,omitempty"`
	ResumeSessionID string `json:"resumeSessionId,omitempty"`
}

// SessionSnapshot is the serializable projection of a session (session.Session)
// that the PersistenceStore carries. It intentionally omits live-only fields
// (runner handles, input channels) that cannot survive a restart.
type SessionSnapshot struct {
	ID               string     `json:"id"`
	TrackerSessionID string     `json:"trackerSessionId"`
	RepositoryID     string     `json:"repositoryId"`
	IssueID          string     `json:"issueId"`
	WorkspacePath    string     `json:"workspacePath"`
	Status           string     `json:"status"`
	StartedAt        time.Time  `json:"startedAt"`
	EndedAt          *time.Time `json:"endedAt,omitempty"`
	ExitCode         *int       `json:"exitCode,omitempty"`
	StderrTail       string     `json:"stderrTail,omitempty"`
	RalphState       ralph.State `json:"ralphState,omitempty"`
	Version          int64      `json:"version"`
}

// StateDocument is the inner `state` object of PersistedState (§3).
type StateDocument struct {
	AgentSessions              map[string]SessionSnapshot `json:"agentSessions"`
	AgentSessionEntries        map[string]string          `json:"agentSessionEntries"`
	ChildToParentAgentSession  map[string]string          `json:"childToParentAgentSession"`
	IssueRepositoryCache       map[string]string          `json:"issueRepositoryCache"`
	SessionRunnerSelections    map[string]RunnerSelection `json:"sessionRunnerSelections"`
	FinalizedNonClaudeSessions []string                   `json:"finalizedNonClaudeSessions"`
}

// NewStateDocument returns an empty, non-nil StateDocument.
func NewStateDocument() StateDocument {
	return StateDocument{
		AgentSessions:             make(map[string]SessionSnapshot),
		AgentSessionEntries:       make(map[string]string),
		ChildToParentAgentSession: make(map[string]string),
		IssueRepositoryCache:      make(map[string]string),
		SessionRunnerSelections:   make(map[string]RunnerSelection),
	}
}

// PersistedState is the on-disk document written to edge-worker-state.json (§3, §6).
type PersistedState struct {
	Version int           `json:"version"`
	SavedAt time.Time     `json:"savedAt"`
	State   StateDocument `json:"state"`
}

// ActiveSessionInfo is one entry of ActiveWorkStatus.activeSessions (§3).
type ActiveSessionInfo struct {
	IssueID         string    `json:"issueId"`
	IssueIdentifier string    `json:"issueIdentifier"`
	RepositoryID    string    `json:"repositoryId"`
	StartedAt       time.Time `json:"startedAt"`
}

// ActiveWorkStatus is the aggregate exposed by the read-only status endpoint (§3, §6).
type ActiveWorkStatus struct {
	IsWorking      bool                         `json:"isWorking"`
	ActiveSessions map[string]ActiveSessionInfo `json:"activeSessions"`
	LastUpdated    time.Time                    `json:"lastUpdated"`
}

func newActiveWorkStatus() ActiveWorkStatus {
	return ActiveWorkStatus{ActiveSessions: make(map[string]ActiveSessionInfo)}
}

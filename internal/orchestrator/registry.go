package orchestrator

import (
	"sync"
	"time"

	"github.com/cyrus-run/cyrus/internal/persist"
	"github.com/cyrus-run/cyrus/internal/session"
	"github.com/cyrus-run/cyrus/internal/statemachine"
)

// entry is one registry slot (§4.9): a session that is either live (driven by
// a running Coordinator goroutine) or dormant (reconstructed from disk at
// startup, Stopped, awaiting a tracker prompt to resume).
type entry struct {
	coordinator *session.Coordinator // nil while dormant
	snapshot    persist.SessionSnapshot
}

// registry is the Orchestrator's session lookup table (§4.9, §5): a map
// keyed by tracker session id, plus an issue-id index for follow-up lookup
// and a finalized-but-undrained set. Guarded by a single mutex taken only for
// insert/remove/lookup — never held during a session's own event processing.
type registry struct {
	mu          sync.Mutex
	byTrackerID map[string]*entry
	byIssueID   map[string]string // issueId -> trackerSessionId
	finalized   map[string]bool   // trackerSessionId -> true once Completed/Failed but not yet drained
}

func newRegistry() *registry {
	return &registry{
		byTrackerID: make(map[string]*entry),
		byIssueID:   make(map[string]string),
		finalized:   make(map[string]bool),
	}
}

func (r *registry) insertLive(issueID string, c *session.Coordinator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	trackerID := c.Session().TrackerSessionID
	r.byTrackerID[trackerID] = &entry{coordinator: c}
	if issueID != "" {
		r.byIssueID[issueID] = trackerID
	}
}

func (r *registry) insertDormant(issueID string, snap persist.SessionSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byTrackerID[snap.TrackerSessionID] = &entry{snapshot: snap}
	if issueID != "" {
		r.byIssueID[issueID] = snap.TrackerSessionID
	}
}

func (r *registry) lookupByTrackerID(trackerSessionID string) (*session.Coordinator, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byTrackerID[trackerSessionID]
	if !ok || e.coordinator == nil {
		return nil, false
	}
	return e.coordinator, true
}

// isDormant reports whether trackerSessionID is known but has no live
// coordinator (i.e. it must be resumed rather than prompted in place).
func (r *registry) isDormant(trackerSessionID string) (persist.SessionSnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byTrackerID[trackerSessionID]
	if !ok || e.coordinator != nil {
		return persist.SessionSnapshot{}, false
	}
	return e.snapshot, true
}

func (r *registry) trackerIDForIssue(issueID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byIssueID[issueID]
	return id, ok
}

func (r *registry) markFinalized(trackerSessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finalized[trackerSessionID] = true
}

func (r *registry) drain(trackerSessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.finalized, trackerSessionID)
	delete(r.byTrackerID, trackerSessionID)
}

// liveCoordinators returns a snapshot slice of every coordinator currently
// registered as live, for graceful shutdown fan-out.
func (r *registry) liveCoordinators() []*session.Coordinator {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*session.Coordinator, 0, len(r.byTrackerID))
	for _, e := range r.byTrackerID {
		if e.coordinator != nil {
			out = append(out, e.coordinator)
		}
	}
	return out
}

// activeWorkStatus projects the registry onto the §3/§6 ActiveWorkStatus
// shape for the /status endpoint.
func (r *registry) activeWorkStatus() persist.ActiveWorkStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	status := persist.ActiveWorkStatus{
		ActiveSessions: make(map[string]persist.ActiveSessionInfo, len(r.byTrackerID)),
		LastUpdated:    time.Now().UTC(),
	}
	for trackerID, e := range r.byTrackerID {
		var startedAt time.Time
		var repositoryID, issueID string
		active := false

		if e.coordinator != nil {
			s := e.coordinator.Session()
			startedAt = s.StartedAt
			repositoryID = s.RepositoryID
			issueID = s.IssueID
			active = s.Machine.IsActive() || s.Machine.Status() == statemachine.Running
		} else {
			startedAt = e.snapshot.StartedAt
			repositoryID = e.snapshot.RepositoryID
			issueID = e.snapshot.IssueID
		}

		if !active {
			continue
		}
		status.ActiveSessions[trackerID] = persist.ActiveSessionInfo{
			IssueID:      issueID,
			RepositoryID: repositoryID,
			StartedAt:    startedAt,
		}
	}
	status.IsWorking = len(status.ActiveSessions) > 0
	return status
}

// Package statemachine implements the SessionStateMachine described in §4.5:
// a small, strictly-validated transition table with a bounded history and a
// serializable external projection.
package statemachine

import (
	"fmt"
	"time"
)

// Status is one of the eight session lifecycle states.
type Status string

const (
	Created    Status = "Created"
	Starting   Status = "Starting"
	Running    Status = "Running"
	Stopping   Status = "Stopping"
	Stopped    Status = "Stopped"
	Completing Status = "Completing"
	Completed  Status = "Completed"
	Failed     Status = "Failed"
)

// Event is one of the transition triggers named in §4.5.
type Event string

const (
	InitializeRunner Event = "InitializeRunner"
	RunnerInitialized Event = "RunnerInitialized"
	MessageReceived   Event = "MessageReceived"
	ResultReceived    Event = "ResultReceived"
	CleanupComplete   Event = "CleanupComplete"
	StopSignal        Event = "StopSignal"
	RunnerStopped     Event = "RunnerStopped"
	ErrorEvent        Event = "Error"
	Resume            Event = "Resume"
)

// Visibility is the coarse status shown to the tracker/status endpoint.
type Visibility string

const (
	VisibilityPending  Visibility = "Pending"
	VisibilityActive   Visibility = "Active"
	VisibilityStale    Visibility = "Stale"
	VisibilityComplete Visibility = "Complete"
	VisibilityError    Visibility = "Error"
)

// maxHistory bounds the retained transition log (§4.5: "bounded transition history").
const maxHistory = 200

type transitionKey struct {
	from  Status
	event Event
}

// table is the exact §4.5 transition map. Error is valid from every
// non-terminal state except Stopped; it is expanded into the table below
// rather than special-cased so
// Apply stays a single lookup.
var table = map[transitionKey]Status{
	{Created, InitializeRunner}:   Starting,
	{Stopped, InitializeRunner}:   Starting,
	{Starting, RunnerInitialized}: Running,
	{Running, MessageReceived}:    Running,
	{Running, ResultReceived}:     Completing,
	{Completing, CleanupComplete}: Completed,
	{Running, StopSignal}:         Stopping,
	{Stopping, RunnerStopped}:     Stopped,
	{Created, ErrorEvent}:    Failed,
	{Starting, ErrorEvent}:   Failed,
	{Running, ErrorEvent}:    Failed,
	{Completing, ErrorEvent}: Failed,
	{Stopping, ErrorEvent}:   Failed,
	{Stopped, Resume}: Starting,
}

// Transition is one bounded-history entry (§4.5).
type Transition struct {
	From Status    `json:"from"`
	Event Event    `json:"event"`
	To   Status    `json:"to"`
	At   time.Time `json:"at"`
}

// InvalidTransitionError reports an event that has no entry in table for the
// current status.
type InvalidTransitionError struct {
	Status Status
	Event  Event
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: event %q is not valid in state %q", e.Event, e.Status)
}

// Machine is one session's SessionStateMachine instance.
type Machine struct {
	sessionID string
	status    Status
	history   []Transition
}

// New creates a Machine in Created status.
func New(sessionID string) *Machine {
	return &Machine{sessionID: sessionID, status: Created}
}

// Restore reconstructs a Machine from its serialized projection (§4.5: "It is
// serializable ({sessionId, status}) so a restart can reconstruct").
func Restore(sessionID string, status Status) *Machine {
	return &Machine{sessionID: sessionID, status: status}
}

// SessionID returns the owning session's id.
func (m *Machine) SessionID() string { return m.sessionID }

// Status returns the current status.
func (m *Machine) Status() Status { return m.status }

// History returns the bounded transition log, oldest first.
func (m *Machine) History() []Transition {
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

// Apply attempts event against the current status. In strict mode an invalid
// transition returns an *InvalidTransitionError; in lenient mode it returns
// (false, nil) instead of erroring (§4.5: "callers may choose 'strict' ...
// or 'lenient'").
func (m *Machine) Apply(event Event, strict bool) (bool, error) {
	next, ok := table[transitionKey{from: m.status, event: event}]
	if !ok {
		if strict {
			return false, &InvalidTransitionError{Status: m.status, Event: event}
		}
		return false, nil
	}

	m.recordAndSet(event, next)
	return true, nil
}

func (m *Machine) recordAndSet(event Event, next Status) {
	m.history = append(m.history, Transition{From: m.status, Event: event, To: next, At: time.Now().UTC()})
	if len(m.history) > maxHistory {
		m.history = m.history[len(m.history)-maxHistory:]
	}
	m.status = next
}

// IsActive reports status ∈ {Starting, Running, Completing} (§4.5).
func (m *Machine) IsActive() bool {
	switch m.status {
	case Starting, Running, Completing:
		return true
	default:
		return false
	}
}

// IsTerminal reports status ∈ {Completed, Failed}.
func (m *Machine) IsTerminal() bool {
	return m.status == Completed || m.status == Failed
}

// CanResume reports status == Stopped (§4.5).
func (m *Machine) CanResume() bool {
	return m.status == Stopped
}

// ExternalVisibility maps status onto the tracker-facing coarse visibility
// (§4.5 external visibility mapping).
func (m *Machine) ExternalVisibility() Visibility {
	switch m.status {
	case Created:
		return VisibilityPending
	case Starting, Running, Stopping, Completing:
		return VisibilityActive
	case Stopped:
		return VisibilityStale
	case Completed:
		return VisibilityComplete
	case Failed:
		return VisibilityError
	default:
		return VisibilityError
	}
}

// Snapshot is the {sessionId, status} serializable projection (§4.5).
type Snapshot struct {
	SessionID string `json:"sessionId"`
	Status    Status `json:"status"`
}

// Snapshot returns the machine's serializable projection.
func (m *Machine) Snapshot() Snapshot {
	return Snapshot{SessionID: m.sessionID, Status: m.status}
}

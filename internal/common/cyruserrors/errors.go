// Package cyruserrors classifies orchestrator errors into the taxonomy kinds
// that drive retry, logging, and tracker-visible failure behavior.
package cyruserrors

import "errors"

// Kind is one of the error taxonomy kinds (§7).
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidConfig
	KindAuthenticationFailure
	KindTransientIO
	KindInvalidTransition
	KindRunnerAborted
	KindRunnerTerminated
	KindRunnerProcessExit
	KindRoutingFailure
)

func (k Kind) String() string {
	switch k {
	case KindInvalidConfig:
		return "InvalidConfig"
	case KindAuthenticationFailure:
		return "AuthenticationFailure"
	case KindTransientIO:
		return "TransientIO"
	case KindInvalidTransition:
		return "InvalidTransition"
	case KindRunnerAborted:
		return "RunnerAborted"
	case KindRunnerTerminated:
		return "RunnerTerminated"
	case KindRunnerProcessExit:
		return "RunnerProcessExit"
	case KindRoutingFailure:
		return "RoutingFailure"
	default:
		return "Unknown"
	}
}

// Error wraps an underlying error with a taxonomy Kind and optional structured
// detail (e.g. the offending config field, or {sessionId, currentState, event}).
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return e.Kind.String() + ": " + e.Detail + ": " + e.Err.Error()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with the given Kind and an optional detail string.
func New(kind Kind, detail string, err error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// AsKind reports the taxonomy Kind of err, if it (or something it wraps) is a
// *Error. Plain errors report (KindUnknown, false).
func AsKind(err error) (Kind, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return KindUnknown, false
}

// IsRetriable reports whether the taxonomy kind should be retried with backoff
// rather than immediately surfaced as terminal.
func (k Kind) IsRetriable() bool {
	return k == KindTransientIO
}

// Sentinel errors for identity comparisons where a full Kind wrapper is not needed.
var (
	ErrNotStreaming    = errors.New("session is not in streaming input mode")
	ErrAlreadyDone     = errors.New("session already in a terminal state")
	ErrSessionNotFound = errors.New("session not found")
	ErrQueueFull       = errors.New("forensics write queue is full")
)

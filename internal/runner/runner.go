package runner

import "context"

// Type enumerates the supported runner backends (§3).
type Type string

const (
	TypeClaude   Type = "claude"
	TypeCodex    Type = "codex"
	TypeOpenCode Type = "opencode"
	TypeGemini   Type = "gemini"
	TypeMock     Type = "mock"
)

// Selection is RunnerSelection (§3): the persisted choice of runner backend
// and model for a tracker session.
type Selection struct {
	IssueID         string
	RunnerType      Type
	Model           string
	FallbackModel   string
	ResumeSessionID string
}

// EventHandler receives normalized RunnerEvents as the runner produces them.
// Implementations must not block for long — the coordinator's event loop is
// the single consumer serializing all state-machine work for the session.
type EventHandler func(Event)

// StartResult is returned by Start; SessionID is the runner's own session
// identifier when the adapter supports resumption, empty otherwise.
type StartResult struct {
	SessionID string
}

// Runner is the uniform capability set every adapter (Claude, Codex,
// OpenCode, Gemini, or the in-process mock) must provide (§6: "Runner
// capability set the core consumes").
type Runner interface {
	// Start launches the runner with prompt and begins emitting normalized
	// events to onEvent. For adapters that support streaming input mode,
	// Start returns once the runner is initialized and further turns are
	// sent via PushMessage; for single-shot adapters, Start blocks or
	// streams until the runner produces its Final event.
	Start(ctx context.Context, prompt string, onEvent EventHandler) (StartResult, error)

	// Stop cooperatively asks the runner to abort. It must be safe to call
	// more than once.
	Stop(ctx context.Context) error

	// SupportsStreamingInput reports whether PushMessage/CompleteStream are
	// usable for this runner instance.
	SupportsStreamingInput() bool

	// PushMessage enqueues a follow-up turn on a streaming-capable runner.
	// Returns ErrNotStreaming otherwise.
	PushMessage(ctx context.Context, text string) error

	// CompleteStream signals no further PushMessage calls are coming.
	CompleteStream(ctx context.Context) error
}

// Factory constructs a Runner for a given Selection. Concrete adapters
// (Claude CLI, Codex SDK, …) register their own factories; only the mock
// adapter ships in this module, per §1's scope boundary that adapter
// processes themselves are out of scope.
type Factory func(selection Selection) (Runner, error)

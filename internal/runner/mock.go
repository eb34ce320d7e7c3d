package runner

import (
	"context"
	"sync"

	"github.com/cyrus-run/cyrus/internal/common/cyruserrors"
)

// Mock is an in-process Runner used by tests and the "mock" RunnerType. It
// never shells out to a real CLI/SDK — the real adapter processes are out of
// scope (§1) — but it exercises the exact Runner contract the coordinator
// drives every other adapter through.
type Mock struct {
	mu        sync.Mutex
	streaming bool
	stopped   bool
	input     chan string
	done      chan struct{}

	// Script, if set, is emitted in full, in order, by Start; the caller
	// fills it in before handing the Mock to a factory. When streaming, each
	// later PushMessage turn emits a Thought and a Final echoing the pushed
	// text; Script is not consulted for those turns.
	Script []Event
}

// NewMock creates a Mock runner. streaming selects whether
// SupportsStreamingInput reports true.
func NewMock(streaming bool, script ...Event) *Mock {
	return &Mock{streaming: streaming, Script: script, input: make(chan string, 16), done: make(chan struct{})}
}

func (m *Mock) SupportsStreamingInput() bool { return m.streaming }

func (m *Mock) Start(ctx context.Context, prompt string, onEvent EventHandler) (StartResult, error) {
	for _, ev := range m.Script {
		select {
		case <-ctx.Done():
			return StartResult{}, ctx.Err()
		default:
		}
		onEvent(ev)
	}

	if m.streaming {
		go m.streamLoop(ctx, onEvent)
	}
	return StartResult{}, nil
}

func (m *Mock) streamLoop(ctx context.Context, onEvent EventHandler) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case text, ok := <-m.input:
			if !ok {
				return
			}
			onEvent(Thought{Text: text})
			onEvent(Final{Text: text})
		}
	}
}

func (m *Mock) PushMessage(ctx context.Context, text string) error {
	if !m.streaming {
		return cyruserrors.ErrNotStreaming
	}
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return cyruserrors.ErrAlreadyDone
	}
	m.mu.Unlock()

	select {
	case m.input <- text:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Mock) CompleteStream(ctx context.Context) error {
	if !m.streaming {
		return cyruserrors.ErrNotStreaming
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.stopped {
		m.stopped = true
		close(m.input)
	}
	return nil
}

func (m *Mock) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return nil
	}
	m.stopped = true
	close(m.done)
	return nil
}

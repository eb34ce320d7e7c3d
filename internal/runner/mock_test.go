package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyrus-run/cyrus/internal/common/cyruserrors"
)

func TestMockSingleShotEmitsScriptThenReturns(t *testing.T) {
	m := NewMock(false, Thought{Text: "thinking"}, Action{Name: "Bash", Detail: "ls"}, Final{Text: "done"})

	var got []Event
	_, err := m.Start(context.Background(), "do the thing", func(ev Event) { got = append(got, ev) })
	require.NoError(t, err)

	require.Len(t, got, 3)
	assert.Equal(t, KindThought, got[0].Kind())
	assert.Equal(t, KindAction, got[1].Kind())
	assert.Equal(t, KindFinal, got[2].Kind())
	assert.False(t, m.SupportsStreamingInput())
}

func TestMockNonStreamingRejectsPushMessage(t *testing.T) {
	m := NewMock(false)
	err := m.PushMessage(context.Background(), "follow up")
	assert.ErrorIs(t, err, cyruserrors.ErrNotStreaming)
}

func TestMockStreamingPushMessageProducesEvents(t *testing.T) {
	m := NewMock(true)
	events := make(chan Event, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := m.Start(ctx, "hello", func(ev Event) { events <- ev })
	require.NoError(t, err)

	require.NoError(t, m.PushMessage(ctx, "turn one"))

	var seen []Event
	for len(seen) < 2 {
		select {
		case ev := <-events:
			seen = append(seen, ev)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for streamed events")
		}
	}
	assert.Equal(t, KindThought, seen[0].Kind())
	assert.Equal(t, KindFinal, seen[1].Kind())

	require.NoError(t, m.CompleteStream(ctx))
	assert.ErrorIs(t, m.PushMessage(ctx, "too late"), cyruserrors.ErrAlreadyDone)
}

func TestMockStopIsIdempotent(t *testing.T) {
	m := NewMock(true)
	_, err := m.Start(context.Background(), "hello", func(Event) {})
	require.NoError(t, err)

	require.NoError(t, m.Stop(context.Background()))
	require.NoError(t, m.Stop(context.Background()))
}

package forensics

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyrus-run/cyrus/internal/common/config"
)

func TestRecordTransitionIsDurableAfterClose(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "forensics.db")
	cfg := config.ForensicsConfig{Driver: "sqlite", SQLitePath: dbPath}

	store, err := Open(context.Background(), cfg, nil)
	require.NoError(t, err)

	store.RecordTransition("sess-1", "Running", "Completing", "ResultReceived", time.Now().UTC())
	store.RecordActivity("sess-1", "thought", false, "thinking", time.Now().UTC())

	require.NoError(t, store.Close())

	store2, err := Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer store2.Close()

	count, err := store2.TransitionCount(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestForensicsWritesAreNonBlockingUnderQueuePressure(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "forensics.db")
	cfg := config.ForensicsConfig{Driver: "sqlite", SQLitePath: dbPath}

	store, err := Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer store.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < writeQueueCapacity*4; i++ {
			store.RecordTransition("sess-1", "Running", "Running", "MessageReceived", time.Now().UTC())
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RecordTransition blocked under queue pressure")
	}
}

package queue

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kilocode/sessioncore/internal/common/config"
	"github.com/kilocode/sessioncore/internal/common/logger"
	"github.com/kilocode/sessioncore/internal/storage"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	store, err := storage.Open(config.DatabaseConfig{Path: t.TempDir() + "/db.sqlite", ReaderConns: 2}, logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.CreateSession(storage.SessionMetadata{SessionID: "sess-1"}))
	return New(store)
}

func TestQueue_FIFOOrdering(t *testing.T) {
	q := newTestQueue(t)

	first, err := q.Enqueue("sess-1", "exec-1", `{"kind":"initiate"}`)
	require.NoError(t, err)
	_, err = q.Enqueue("sess-1", "exec-2", `{"kind":"followup"}`)
	require.NoError(t, err)

	head, err := q.PeekOldest("sess-1")
	require.NoError(t, err)
	require.Equal(t, first.ID, head.ID)

	count, err := q.Count("sess-1")
	require.NoError(t, err)
	require.Equal(t, 2, count)

	require.NoError(t, q.DequeueByID(first.ID))
	head, err = q.PeekOldest("sess-1")
	require.NoError(t, err)
	require.Equal(t, "exec-2", head.ExecutionID)
}

func TestQueue_PeekOldestOnEmptyQueueNotFound(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.PeekOldest("sess-1")
	require.Error(t, err)
}

package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kilocode/sessioncore/internal/common/config"
	"github.com/kilocode/sessioncore/internal/common/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := t.TempDir() + "/sessioncore.db"
	store, err := Open(config.DatabaseConfig{Path: dbPath, ReaderConns: 2, BusyTimeoutMs: 1000}, logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore_CreateAndGetSessionMetadata(t *testing.T) {
	store := newTestStore(t)

	meta := SessionMetadata{SessionID: "sess-1", UserID: "user-1", Version: 0}
	require.NoError(t, store.CreateSession(meta))

	loaded, err := store.GetSessionMetadata("sess-1")
	require.NoError(t, err)
	require.Equal(t, "user-1", loaded.UserID)

	require.Error(t, store.CreateSession(meta), "duplicate session id must be rejected")
}

func TestStore_CompareAndSwapMetadataRejectsStaleVersion(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateSession(SessionMetadata{SessionID: "sess-2", Version: 0}))

	updated, err := store.GetSessionMetadata("sess-2")
	require.NoError(t, err)
	updated.UserID = "user-2"
	require.NoError(t, store.CompareAndSwapMetadata("sess-2", 0, updated))

	// Retrying with the same stale expected version must fail.
	err = store.CompareAndSwapMetadata("sess-2", 0, updated)
	require.Error(t, err)
}

func TestStore_ActiveExecutionLifecycle(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateSession(SessionMetadata{SessionID: "sess-3"}))

	require.NoError(t, store.SetActiveExecution("sess-3", "exec-1"))
	active, err := store.GetActiveExecutionID("sess-3")
	require.NoError(t, err)
	require.Equal(t, "exec-1", active)

	// Clearing with a mismatched execution id must not clear a newer slot.
	require.NoError(t, store.ClearActiveExecution("sess-3", "exec-stale"))
	active, err = store.GetActiveExecutionID("sess-3")
	require.NoError(t, err)
	require.Equal(t, "exec-1", active)

	require.NoError(t, store.ClearActiveExecution("sess-3", "exec-1"))
	active, err = store.GetActiveExecutionID("sess-3")
	require.NoError(t, err)
	require.Empty(t, active)
}

func TestStore_InterruptFlag(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateSession(SessionMetadata{SessionID: "sess-4"}))

	requested, err := store.IsInterruptRequested("sess-4")
	require.NoError(t, err)
	require.False(t, requested)

	require.NoError(t, store.RequestInterrupt("sess-4"))
	requested, err = store.IsInterruptRequested("sess-4")
	require.NoError(t, err)
	require.True(t, requested)

	require.NoError(t, store.ClearInterrupt("sess-4"))
	requested, err = store.IsInterruptRequested("sess-4")
	require.NoError(t, err)
	require.False(t, requested)
}

func TestStore_EventAppendAndReplay(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateSession(SessionMetadata{SessionID: "sess-5"}))

	id1, err := store.AppendEvent(StoredEvent{ExecutionID: "exec-5", SessionID: "sess-5", StreamEventType: "status", PayloadJSON: `{"status":"running"}`})
	require.NoError(t, err)
	_, err = store.AppendEvent(StoredEvent{ExecutionID: "exec-5", SessionID: "sess-5", StreamEventType: "output", PayloadJSON: `{"chunk":"hi"}`})
	require.NoError(t, err)

	all, err := store.ListEventsSince("exec-5", 0)
	require.NoError(t, err)
	require.Len(t, all, 2)

	tail, err := store.ListEventsSince("exec-5", id1)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	require.Equal(t, "output", tail[0].StreamEventType)
}

func TestStore_DeleteEventsOlderThan(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateSession(SessionMetadata{SessionID: "sess-6"}))
	_, err := store.AppendEvent(StoredEvent{ExecutionID: "exec-6", SessionID: "sess-6", StreamEventType: "status", PayloadJSON: `{}`})
	require.NoError(t, err)

	deleted, err := store.DeleteEventsOlderThan(time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), deleted)
}

func TestStore_DeleteSessionCascades(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateSession(SessionMetadata{SessionID: "sess-7"}))
	_, err := store.AppendEvent(StoredEvent{ExecutionID: "exec-7", SessionID: "sess-7", StreamEventType: "status", PayloadJSON: `{}`})
	require.NoError(t, err)

	require.NoError(t, store.DeleteSession("sess-7"))

	exists, err := store.SessionExists("sess-7")
	require.NoError(t, err)
	require.False(t, exists)

	events, err := store.ListEventsSince("exec-7", 0)
	require.NoError(t, err)
	require.Empty(t, events)
}

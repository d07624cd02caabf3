package execution

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kilocode/sessioncore/internal/common/config"
	"github.com/kilocode/sessioncore/internal/common/logger"
	"github.com/kilocode/sessioncore/internal/storage"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	store, err := storage.Open(config.DatabaseConfig{Path: t.TempDir() + "/db.sqlite", ReaderConns: 2}, logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.CreateSession(storage.SessionMetadata{SessionID: "sess-1"}))
	return New(store)
}

func TestRegistry_AddAndGet(t *testing.T) {
	reg := newTestRegistry(t)

	ex, err := reg.Add("sess-1", "exec-1", "code", "ingest-token")
	require.NoError(t, err)
	require.Equal(t, storage.StatusPending, ex.Status)

	loaded, err := reg.Get("exec-1")
	require.NoError(t, err)
	require.Equal(t, "exec-1", loaded.ExecutionID)
}

func TestRegistry_StatusTransitionsEnforceStateMachine(t *testing.T) {
	reg := newTestRegistry(t)
	_, err := reg.Add("sess-1", "exec-2", "code", "tok")
	require.NoError(t, err)

	require.NoError(t, reg.UpdateStatus("exec-2", storage.StatusRunning, ""))
	require.NoError(t, reg.UpdateStatus("exec-2", storage.StatusCompleted, ""))

	// Completed is terminal: no further transitions permitted.
	err = reg.UpdateStatus("exec-2", storage.StatusRunning, "")
	require.Error(t, err)
}

func TestRegistry_StatusTransitionRejectsSkippingRunning(t *testing.T) {
	reg := newTestRegistry(t)
	_, err := reg.Add("sess-1", "exec-3", "code", "tok")
	require.NoError(t, err)

	err = reg.UpdateStatus("exec-3", storage.StatusCompleted, "")
	require.Error(t, err, "pending must transition through running before completing")
}

func TestRegistry_ListStaleRunning(t *testing.T) {
	reg := newTestRegistry(t)
	_, err := reg.Add("sess-1", "exec-4", "code", "tok")
	require.NoError(t, err)
	require.NoError(t, reg.UpdateStatus("exec-4", storage.StatusRunning, ""))

	stale, err := reg.ListStaleRunning(time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, "exec-4", stale[0].ExecutionID)

	stale, err = reg.ListStaleRunning(time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Empty(t, stale)
}

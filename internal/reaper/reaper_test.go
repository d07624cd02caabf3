package reaper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kilocode/sessioncore/internal/authority"
	"github.com/kilocode/sessioncore/internal/common/config"
	"github.com/kilocode/sessioncore/internal/common/logger"
	"github.com/kilocode/sessioncore/internal/execution"
	"github.com/kilocode/sessioncore/internal/lease"
	"github.com/kilocode/sessioncore/internal/queue"
	"github.com/kilocode/sessioncore/internal/storage"
)

type fakeSender struct{}

func (fakeSender) Send(ctx context.Context, sessionID, executionID, messageJSON string) error {
	return nil
}

func testConfig() config.ReaperConfig {
	return config.ReaperConfig{
		SessionTTLDays:             90,
		StaleThresholdSeconds:      120,
		PendingStartTimeoutSeconds: 300,
		EventRetentionDays:         90,
	}
}

func newTestReaper(t *testing.T) (*Reaper, *storage.Store, *execution.Registry, *queue.Queue, *lease.Registry) {
	t.Helper()
	dbPath := t.TempDir() + "/sessioncore.db"
	store, err := storage.Open(config.DatabaseConfig{Path: dbPath, ReaderConns: 2, BusyTimeoutMs: 1000}, logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	execs := execution.New(store)
	q := queue.New(store)
	leases := lease.New(store)
	auth := authority.New(store, execs, q, fakeSender{}, nil, nil, logger.Default())

	r := New(store, execs, q, leases, auth, testConfig(), logger.Default())
	return r, store, execs, q, leases
}

func createSession(t *testing.T, store *storage.Store, sessionID string) {
	t.Helper()
	require.NoError(t, store.CreateSession(storage.SessionMetadata{SessionID: sessionID, UserID: "user-1"}))
}

func backdateSessionActivity(t *testing.T, store *storage.Store, sessionID string, when time.Time) {
	t.Helper()
	_, err := store.Writer().Exec(`UPDATE sessions SET last_activity_at = ? WHERE session_id = ?`, when, sessionID)
	require.NoError(t, err)
}

func backdateExecution(t *testing.T, store *storage.Store, executionID string, startedAt time.Time, lastHeartbeat *time.Time) {
	t.Helper()
	_, err := store.Writer().Exec(`UPDATE executions SET started_at = ?, last_heartbeat = ? WHERE execution_id = ?`, startedAt, lastHeartbeat, executionID)
	require.NoError(t, err)
}

func TestRunOnce_DeletesIdleSessions(t *testing.T) {
	r, store, _, _, _ := newTestReaper(t)
	createSession(t, store, "idle-sess")
	backdateSessionActivity(t, store, "idle-sess", time.Now().Add(-100*24*time.Hour))

	r.RunOnce(context.Background())

	exists, err := store.SessionExists("idle-sess")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestRunOnce_KeepsFreshSessions(t *testing.T) {
	r, store, _, _, _ := newTestReaper(t)
	createSession(t, store, "fresh-sess")

	r.RunOnce(context.Background())

	exists, err := store.SessionExists("fresh-sess")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestRunOnce_FailsStaleRunningExecution(t *testing.T) {
	r, store, execs, _, _ := newTestReaper(t)
	createSession(t, store, "sess-running")
	ex, err := execs.Add("sess-running", "exec-running", "code", "tok-1")
	require.NoError(t, err)
	require.NoError(t, execs.UpdateStatus(ex.ExecutionID, storage.StatusRunning, ""))
	backdateExecution(t, store, ex.ExecutionID, time.Now().Add(-1*time.Hour), nil)
	require.NoError(t, store.SetActiveExecution("sess-running", ex.ExecutionID))

	r.RunOnce(context.Background())

	got, err := execs.Get(ex.ExecutionID)
	require.NoError(t, err)
	require.Equal(t, storage.StatusFailed, got.Status)
	require.Contains(t, got.Error, "no heartbeat")

	active, err := store.GetActiveExecutionID("sess-running")
	require.NoError(t, err)
	require.Empty(t, active)
}

func TestRunOnce_FailsStalePendingExecution(t *testing.T) {
	r, store, execs, _, _ := newTestReaper(t)
	createSession(t, store, "sess-pending")
	ex, err := execs.Add("sess-pending", "exec-pending", "code", "tok-2")
	require.NoError(t, err)
	backdateExecution(t, store, ex.ExecutionID, time.Now().Add(-1*time.Hour), nil)
	require.NoError(t, store.SetActiveExecution("sess-pending", ex.ExecutionID))

	r.RunOnce(context.Background())

	got, err := execs.Get(ex.ExecutionID)
	require.NoError(t, err)
	require.Equal(t, storage.StatusFailed, got.Status)
	require.Contains(t, got.Error, "wrapper never connected")
}

func TestRunOnce_PrunesOldEventsAndLeases(t *testing.T) {
	r, store, execs, _, leases := newTestReaper(t)
	createSession(t, store, "sess-events")
	ex, err := execs.Add("sess-events", "exec-events", "code", "tok-3")
	require.NoError(t, err)

	_, err = store.AppendEvent(storage.StoredEvent{ExecutionID: ex.ExecutionID, SessionID: "sess-events", StreamEventType: "kilocode", PayloadJSON: `{"event":"heartbeat"}`})
	require.NoError(t, err)
	_, err = store.Writer().Exec(`UPDATE events SET timestamp = ? WHERE execution_id = ?`, time.Now().Add(-200*24*time.Hour), ex.ExecutionID)
	require.NoError(t, err)

	_, err = leases.TryAcquire("exec-events", "msg-1", time.Millisecond)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	r.RunOnce(context.Background())

	events, err := store.ListEventsSince(ex.ExecutionID, 0)
	require.NoError(t, err)
	require.Empty(t, events)

	remaining, err := leases.DeleteExpired()
	require.NoError(t, err)
	require.Zero(t, remaining, "RunOnce already removed the expired lease")
}

func TestRunOnce_RetriesStuckDispatch(t *testing.T) {
	r, store, _, q, _ := newTestReaper(t)
	createSession(t, store, "sess-queue")

	_, err := q.Enqueue("sess-queue", "exec-next", `{"type":"message","message":"go"}`)
	require.NoError(t, err)

	r.RunOnce(context.Background())

	active, err := store.GetActiveExecutionID("sess-queue")
	require.NoError(t, err)
	require.NotEmpty(t, active)

	count, err := q.Count("sess-queue")
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

func TestStartStopLifecycle(t *testing.T) {
	r, _, _, _, _ := newTestReaper(t)

	require.NoError(t, r.Start(context.Background()))
	require.ErrorIs(t, r.Start(context.Background()), ErrAlreadyRunning)
	require.NoError(t, r.Stop())
	require.ErrorIs(t, r.Stop(), ErrNotRunning)
}

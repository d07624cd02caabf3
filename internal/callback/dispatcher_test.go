package callback

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kilocode/sessioncore/internal/common/config"
	"github.com/kilocode/sessioncore/internal/common/logger"
	"github.com/kilocode/sessioncore/internal/storage"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	dbPath := t.TempDir() + "/sessioncore.db"
	store, err := storage.Open(config.DatabaseConfig{Path: dbPath, ReaderConns: 2, BusyTimeoutMs: 1000}, logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestNotifier_NoCallbackTargetIsNoop(t *testing.T) {
	store := newTestStore(t)
	n := NewNotifier(store, logger.Default())

	n.NotifyExecutionStatus(context.Background(), storage.SessionMetadata{SessionID: "sess-1"}, "exec-1", storage.StatusCompleted, "")

	jobs, err := store.ListDueCallbackJobs(time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Empty(t, jobs)
}

func TestNotifier_EnqueuesJobWhenTargetConfigured(t *testing.T) {
	store := newTestStore(t)
	n := NewNotifier(store, logger.Default())

	meta := storage.SessionMetadata{
		SessionID:      "sess-2",
		UpstreamBranch: "feature/x",
		CallbackTarget: &storage.CallbackTarget{URL: "https://example.test/callback"},
	}
	n.NotifyExecutionStatus(context.Background(), meta, "exec-2", storage.StatusFailed, "boom")

	jobs, err := store.ListDueCallbackJobs(time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, "https://example.test/callback", jobs[0].TargetURL)

	var payload Payload
	require.NoError(t, json.Unmarshal([]byte(jobs[0].PayloadJSON), &payload))
	require.Equal(t, "sess-2", payload.SessionID)
	require.Equal(t, "failed", payload.Status)
	require.Equal(t, "boom", payload.ErrorMessage)
	require.Equal(t, "feature/x", payload.LastSeenBranch)
}

func TestDispatcher_DeliversSuccessfulJob(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := newTestStore(t)
	_, err := store.EnqueueCallbackJob("sess-3", "exec-3", storage.CallbackTarget{URL: srv.URL}, Payload{SessionID: "sess-3"})
	require.NoError(t, err)

	d := NewDispatcher(store, config.CallbackConfig{MaxAttempts: 5, BaseDelaySeconds: 60}, logger.Default())
	d.processDue(context.Background())

	require.Equal(t, int32(1), atomic.LoadInt32(&hits))
	jobs, err := store.ListDueCallbackJobs(time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Empty(t, jobs)
}

func TestDispatcher_RetriesOn5xxThenStaysPending(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := newTestStore(t)
	_, err := store.EnqueueCallbackJob("sess-4", "exec-4", storage.CallbackTarget{URL: srv.URL}, Payload{SessionID: "sess-4"})
	require.NoError(t, err)

	d := NewDispatcher(store, config.CallbackConfig{MaxAttempts: 5, BaseDelaySeconds: 60}, logger.Default())
	d.processDue(context.Background())

	jobs, err := store.ListDueCallbackJobs(time.Now().Add(24*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, 1, jobs[0].Attempts)
	require.True(t, jobs[0].NextAttemptAt.After(time.Now().Add(50*time.Second)))
}

func TestDispatcher_NoRetryOnNon5xx4xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	store := newTestStore(t)
	_, err := store.EnqueueCallbackJob("sess-5", "exec-5", storage.CallbackTarget{URL: srv.URL}, Payload{SessionID: "sess-5"})
	require.NoError(t, err)

	d := NewDispatcher(store, config.CallbackConfig{MaxAttempts: 5, BaseDelaySeconds: 60}, logger.Default())
	d.processDue(context.Background())

	jobs, err := store.ListDueCallbackJobs(time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Empty(t, jobs)
}

func TestDispatcher_HardFailAfterMaxAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	store := newTestStore(t)
	id, err := store.EnqueueCallbackJob("sess-6", "exec-6", storage.CallbackTarget{URL: srv.URL}, Payload{SessionID: "sess-6"})
	require.NoError(t, err)
	require.NoError(t, store.RescheduleCallbackJob(id, 4, time.Now(), "prior failure"))

	d := NewDispatcher(store, config.CallbackConfig{MaxAttempts: 5, BaseDelaySeconds: 60}, logger.Default())
	d.processDue(context.Background())

	jobs, err := store.ListDueCallbackJobs(time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Empty(t, jobs)
}

func TestDispatcher_StartStopLifecycle(t *testing.T) {
	store := newTestStore(t)
	d := NewDispatcher(store, config.CallbackConfig{MaxAttempts: 5, BaseDelaySeconds: 60}, logger.Default())

	require.NoError(t, d.Start(context.Background()))
	require.ErrorIs(t, d.Start(context.Background()), ErrDispatcherAlreadyRunning)
	require.NoError(t, d.Stop())
	require.ErrorIs(t, d.Stop(), ErrDispatcherNotRunning)
}

package callback

import (
	"context"

	"go.uber.org/zap"

	"github.com/kilocode/sessioncore/internal/common/logger"
	"github.com/kilocode/sessioncore/internal/storage"
)

// Notifier satisfies authority.StatusNotifier: it builds a Payload from the
// session's current metadata and the just-recorded execution outcome, then
// enqueues a durable delivery job. Enqueuing is a single insert, so this
// never blocks the Authority's session lock for long.
type Notifier struct {
	store  *storage.Store
	logger *logger.Logger
}

// NewNotifier builds a Notifier over store.
func NewNotifier(store *storage.Store, log *logger.Logger) *Notifier {
	return &Notifier{store: store, logger: log.WithFields(zap.String("component", "callback-notifier"))}
}

// NotifyExecutionStatus enqueues a callback delivery job if the session has
// a callbackTarget configured; otherwise it is a no-op.
func (n *Notifier) NotifyExecutionStatus(ctx context.Context, meta storage.SessionMetadata, executionID string, status storage.ExecutionStatus, errMsg string) {
	if meta.CallbackTarget == nil {
		return
	}

	payload := Payload{
		SessionID:           meta.SessionID,
		CloudAgentSessionID: meta.SessionID,
		ExecutionID:         executionID,
		Status:              string(status),
		ErrorMessage:        errMsg,
		LastSeenBranch:      meta.UpstreamBranch,
		KiloSessionID:       meta.KiloSessionID,
	}

	if _, err := n.store.EnqueueCallbackJob(meta.SessionID, executionID, *meta.CallbackTarget, payload); err != nil {
		n.logger.WithSessionID(meta.SessionID).WithExecutionID(executionID).WithError(err).Error("failed to enqueue callback job")
	}
}

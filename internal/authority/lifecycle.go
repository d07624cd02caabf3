package authority

import (
	"context"

	"github.com/kilocode/sessioncore/internal/common/apperrors"
	"github.com/kilocode/sessioncore/internal/storage"
)

// OnExecutionComplete records executionID's terminal status, clears the
// active pointer and interrupt flag if it was the active execution, and
// advances the queue. Applying it twice for the same executionID has the
// same effect as once: a second call observes the execution already
// terminal and returns nil without side effects.
func (a *Authority) OnExecutionComplete(ctx context.Context, sessionID, executionID string, status storage.ExecutionStatus, errMsg string) error {
	lock := a.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	current, err := a.executions.Get(executionID)
	if err != nil {
		return err
	}
	if current.Status.IsTerminal() {
		return nil
	}

	if err := a.executions.UpdateStatus(executionID, status, errMsg); err != nil {
		return err
	}

	activeID, err := a.store.GetActiveExecutionID(sessionID)
	if err != nil {
		return err
	}
	if activeID == executionID {
		if err := a.store.ClearActiveExecution(sessionID, executionID); err != nil {
			return err
		}
		if err := a.store.ClearInterrupt(sessionID); err != nil {
			return err
		}
	}

	if a.notifier != nil {
		if meta, err := a.store.GetSessionMetadata(sessionID); err == nil {
			a.notifier.NotifyExecutionStatus(ctx, meta, executionID, status, errMsg)
		}
	}

	_, err = a.tryAdvanceQueueInternalLocked(ctx, sessionID)
	return err
}

// InterruptExecution sends a SIGTERM command to the session's active
// execution's wrapper. Returns success=false (not an error) when no
// execution is active.
func (a *Authority) InterruptExecution(ctx context.Context, sessionID string) (success bool, err error) {
	lock := a.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	activeID, err := a.store.GetActiveExecutionID(sessionID)
	if err != nil {
		return false, err
	}
	if activeID == "" {
		return false, nil
	}

	if err := a.store.RequestInterrupt(sessionID); err != nil {
		return false, err
	}

	if a.commander == nil {
		return false, apperrors.Internal("interrupt execution", apperrors.BadRequest("no wrapper commander configured"))
	}
	if err := a.commander.Send(activeID, WrapperCommand{Type: "kill", Signal: "SIGTERM"}); err != nil {
		return false, apperrors.Wrapf(apperrors.CodeBackendLinkFailed, err, "send interrupt to execution %s", activeID)
	}
	return true, nil
}

// RetryDispatch re-runs the queue-advance check for sessionID. The reaper
// calls this on every pass to recover a session whose previous
// OnExecutionComplete failed after clearing the active pointer but before
// the next queued execution was dispatched.
func (a *Authority) RetryDispatch(ctx context.Context, sessionID string) error {
	lock := a.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	_, err := a.tryAdvanceQueueInternalLocked(ctx, sessionID)
	return err
}

// DeleteSession removes a session's metadata and all dependent records.
func (a *Authority) DeleteSession(ctx context.Context, sessionID string) error {
	lock := a.sessionLock(sessionID)
	lock.Lock()
	if err := a.store.DeleteSession(sessionID); err != nil {
		lock.Unlock()
		return err
	}
	lock.Unlock()
	a.forgetLock(sessionID)
	return nil
}

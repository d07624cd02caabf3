// Package dispatch is the external-queue consumer: it turns a message
// dispatched by the Session Authority into a running wrapper process. It
// acquires a lease (C3) to guard against two consumers picking up the same
// message, invokes the sandbox orchestrator (C5) to provision or resume the
// workspace, launches the wrapper inside the sandbox, and reports the
// outcome back to the Authority (C6) once the wrapper exits.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/kilocode/sessioncore/internal/authority"
	"github.com/kilocode/sessioncore/internal/common/apperrors"
	"github.com/kilocode/sessioncore/internal/common/config"
	"github.com/kilocode/sessioncore/internal/common/logger"
	"github.com/kilocode/sessioncore/internal/execution"
	"github.com/kilocode/sessioncore/internal/extqueue"
	"github.com/kilocode/sessioncore/internal/lease"
	"github.com/kilocode/sessioncore/internal/sandbox"
	"github.com/kilocode/sessioncore/internal/storage"
)

// provisioner is the subset of *sandbox.Orchestrator the consumer depends
// on, narrowed so tests can substitute a fake without a live sandbox runtime.
type provisioner interface {
	Initialize(ctx context.Context, sessionID string, meta storage.SessionMetadata) (*sandbox.PreparedSession, error)
	Resume(ctx context.Context, sessionID string, meta storage.SessionMetadata) (*sandbox.PreparedSession, error)
}

// Consumer subscribes to the external queue and runs wrapper processes.
type Consumer struct {
	sender     *extqueue.Sender
	leases     *lease.Registry
	orch       provisioner
	executions *execution.Registry
	store      *storage.Store
	authority  *authority.Authority
	cfg        config.DispatchConfig
	logger     *logger.Logger
}

// New builds a Consumer over its dependencies.
func New(sender *extqueue.Sender, leases *lease.Registry, orch *sandbox.Orchestrator, executions *execution.Registry, store *storage.Store, auth *authority.Authority, cfg config.DispatchConfig, log *logger.Logger) *Consumer {
	return &Consumer{
		sender:     sender,
		leases:     leases,
		orch:       orch,
		executions: executions,
		store:      store,
		authority:  auth,
		cfg:        cfg,
		logger:     log.WithFields(zap.String("component", "dispatch-consumer")),
	}
}

// Start registers the consumer as a queue-grouped subscriber; every message
// is handled by exactly one consumer instance across the deployment. Each
// message is handled on its own goroutine so a slow wrapper never blocks the
// subscription from delivering the next one.
func (c *Consumer) Start(ctx context.Context) (func() error, error) {
	sub, err := c.sender.Subscribe(c.cfg.QueueGroup, func(handlerCtx context.Context, msg extqueue.DispatchMessage) error {
		go c.handle(ctx, msg)
		return nil
	})
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.CodeBackendLinkFailed, err, "subscribe dispatch consumer")
	}
	return sub.Unsubscribe, nil
}

func (c *Consumer) handle(ctx context.Context, msg extqueue.DispatchMessage) {
	log := c.logger.WithSessionID(msg.SessionID).WithExecutionID(msg.ExecutionID)

	leaseTTL := c.cfg.LeaseTTL()
	if leaseTTL <= 0 {
		leaseTTL = 10 * time.Minute
	}
	heldLease, err := c.leases.TryAcquire(msg.ExecutionID, msg.SessionID, leaseTTL)
	if err != nil {
		if apperrors.Is(err, apperrors.CodeLeaseHeld) {
			log.Debug("lease already held, skipping")
			return
		}
		log.WithError(err).Error("failed to acquire dispatch lease")
		return
	}
	defer func() {
		if err := c.leases.Release(msg.ExecutionID, heldLease.LeaseID); err != nil {
			log.WithError(err).Warn("failed to release dispatch lease")
		}
	}()

	status, execErr, err := c.run(ctx, log, msg)
	if err != nil {
		log.WithError(err).Error("wrapper dispatch failed before launch")
		status, execErr = storage.StatusFailed, err.Error()
	}
	if reportErr := c.authority.OnExecutionComplete(ctx, msg.SessionID, msg.ExecutionID, status, execErr); reportErr != nil {
		log.WithError(reportErr).Error("failed to report execution outcome")
	}
}

// run provisions the sandbox and launches the wrapper. A non-nil err means
// the execution never reached the wrapper; otherwise status/execErr carry
// the wrapper's own outcome.
func (c *Consumer) run(ctx context.Context, log *logger.Logger, msg extqueue.DispatchMessage) (status storage.ExecutionStatus, execErr string, err error) {
	var plan authority.WrapperLaunchPlan
	if err := json.Unmarshal([]byte(msg.MessageJSON), &plan); err != nil {
		return "", "", apperrors.Internal("unmarshal wrapper launch plan", err)
	}

	meta, err := c.store.GetSessionMetadata(msg.SessionID)
	if err != nil {
		return "", "", err
	}

	var prepared *sandbox.PreparedSession
	if plan.Kind == authority.KindResume {
		prepared, err = c.orch.Resume(ctx, msg.SessionID, meta)
	} else {
		prepared, err = c.orch.Initialize(ctx, msg.SessionID, meta)
	}
	if err != nil {
		return "", "", err
	}

	if err := c.executions.UpdateHeartbeat(msg.ExecutionID, ""); err != nil && !apperrors.Is(err, apperrors.CodeInvalidTransition) {
		log.WithError(err).Warn("failed to stamp initial heartbeat")
	}
	if err := c.executions.UpdateStatus(msg.ExecutionID, storage.StatusRunning, ""); err != nil {
		return "", "", err
	}

	env := make(map[string]string, len(prepared.Env)+2)
	for k, v := range prepared.Env {
		env[k] = v
	}
	env["INGEST_URL"] = fmt.Sprintf("%s/ingest?executionId=%s&token=%s", c.cfg.IngestBaseURL, msg.ExecutionID, plan.IngestToken)
	env["EXECUTION_ID"] = msg.ExecutionID

	_, runErr := prepared.Handle.Run(ctx, prepared.Workspace, env, c.cfg.WrapperBinary, "--session", msg.SessionID, "--execution", msg.ExecutionID)

	status, execErr = mapWrapperOutcome(runErr)
	return status, execErr, nil
}

// mapWrapperOutcome maps the wrapper process's exit code to an execution
// status per the top-level invocation contract: 0 -> completed, 143 (SIGTERM)
// -> interrupted, any other non-zero -> failed with the error captured.
func mapWrapperOutcome(runErr error) (storage.ExecutionStatus, string) {
	if runErr == nil {
		return storage.StatusCompleted, ""
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		switch exitErr.ExitCode() {
		case 0:
			return storage.StatusCompleted, ""
		case 143:
			return storage.StatusInterrupted, ""
		default:
			return storage.StatusFailed, runErr.Error()
		}
	}
	return storage.StatusFailed, runErr.Error()
}

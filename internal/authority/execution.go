package authority

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kilocode/sessioncore/internal/common/apperrors"
	"github.com/kilocode/sessioncore/internal/queue"
	"github.com/kilocode/sessioncore/internal/sandbox"
	"github.com/kilocode/sessioncore/internal/storage"
)

// StartExecution validates preconditions for req.Kind, resolves the
// session's sandbox id, builds a WrapperLaunchPlan, and enqueues it. It
// returns "started" when the execution was dispatched immediately, or
// "queued" when it is waiting behind an already-active execution.
func (a *Authority) StartExecution(ctx context.Context, sessionID string, req StartExecutionRequest) (status string, executionID string, err error) {
	lock := a.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	meta, err := a.resolveMetaForStart(sessionID, req)
	if err != nil {
		return "", "", err
	}

	githubToken := req.GitHubTokenOverride
	if githubToken == "" {
		githubToken = meta.Source.GitHubToken
	}
	gitToken := req.GitTokenOverride
	if gitToken == "" {
		gitToken = meta.Source.GitToken
	}
	if meta.Source.IsGitHub() && githubToken == "" {
		return "", "", apperrors.BadRequest("github source requires a usable token")
	}

	kilocodeToken := req.KilocodeTokenOverride
	if kilocodeToken == "" {
		kilocodeToken = meta.KilocodeToken
	}

	sandboxID := sandbox.GenerateSandboxID(meta.OrgID, meta.UserID, meta.BotID)
	executionID = "exec_" + uuid.NewString()
	ingestToken := uuid.NewString()

	plan := WrapperLaunchPlan{
		Kind:          req.Kind,
		SessionID:     sessionID,
		ExecutionID:   executionID,
		SandboxID:     sandboxID,
		IngestToken:   ingestToken,
		UserID:        meta.UserID,
		OrgID:         meta.OrgID,
		BotID:         meta.BotID,
		KilocodeToken: kilocodeToken,
		Source: storage.GitSource{
			GitHubRepo:  meta.Source.GitHubRepo,
			GitHubToken: githubToken,
			GitURL:      meta.Source.GitURL,
			GitToken:    gitToken,
		},
		SetupCommands:      meta.SetupCommands,
		McpServers:         meta.McpServers,
		UpstreamBranch:     meta.UpstreamBranch,
		EnvVars:            meta.EnvVars,
		Prompt:             meta.Prompt,
		Mode:               meta.Mode,
		Model:              meta.Model,
		AutoCommit:         meta.AutoCommit,
		CondenseOnComplete: meta.CondenseOnComplete,
		AppendSystemPrompt: meta.AppendSystemPrompt,
	}

	payload, err := json.Marshal(plan)
	if err != nil {
		return "", "", apperrors.Internal("marshal wrapper launch plan", err)
	}

	status, err = a.enqueueExecutionLocked(ctx, sessionID, executionID, meta.Mode, ingestToken, string(payload), req.Kind != KindResume)
	if err != nil {
		return "", "", err
	}
	return status, executionID, nil
}

// resolveMetaForStart validates req.Kind's preconditions and returns the
// metadata to launch from, initiating the session as a side effect when
// required.
func (a *Authority) resolveMetaForStart(sessionID string, req StartExecutionRequest) (storage.SessionMetadata, error) {
	meta, err := a.store.GetSessionMetadata(sessionID)
	notFound := apperrors.Is(err, apperrors.CodeNotFound)
	if err != nil && !notFound {
		return storage.SessionMetadata{}, err
	}

	switch req.Kind {
	case KindInitiate:
		if notFound || meta.PreparedAt == nil {
			if req.Prepare == nil {
				return storage.SessionMetadata{}, apperrors.BadRequest("initiate requires prepare input for an unprepared session")
			}
			if _, err := a.prepareLocked(sessionID, *req.Prepare); err != nil {
				return storage.SessionMetadata{}, err
			}
		}
		return a.tryInitiateLocked(sessionID, true)

	case KindInitiatePrepared:
		if notFound || meta.PreparedAt == nil {
			return storage.SessionMetadata{}, apperrors.NotPrepared(sessionID)
		}
		return a.tryInitiateLocked(sessionID, true)

	case KindResume:
		if notFound || meta.InitiatedAt == nil {
			return storage.SessionMetadata{}, apperrors.NotPrepared(sessionID)
		}
		return meta, nil

	default:
		return storage.SessionMetadata{}, apperrors.BadRequest("unknown start execution kind")
	}
}

// prepareLocked is Prepare's body without re-acquiring the session lock,
// for use from within StartExecution(kind=initiate)'s legacy one-shot path.
func (a *Authority) prepareLocked(sessionID string, input PrepareInput) (storage.SessionMetadata, error) {
	if err := validateSource(input.Source); err != nil {
		return storage.SessionMetadata{}, err
	}

	existing, err := a.store.GetSessionMetadata(sessionID)
	notFound := apperrors.Is(err, apperrors.CodeNotFound)
	if err != nil && !notFound {
		return storage.SessionMetadata{}, err
	}
	if !notFound && existing.PreparedAt != nil {
		return storage.SessionMetadata{}, apperrors.AlreadyPrepared(sessionID)
	}

	now := time.Now().UTC()
	meta := storage.SessionMetadata{
		SessionID:               sessionID,
		UserID:                  input.UserID,
		OrgID:                   input.OrgID,
		BotID:                   input.BotID,
		KilocodeToken:           input.KilocodeToken,
		Source:                  input.Source,
		EnvVars:                 input.EnvVars,
		EncryptedSecrets:        input.EncryptedSecrets,
		SetupCommands:           input.SetupCommands,
		McpServers:              input.McpServers,
		UpstreamBranch:          input.UpstreamBranch,
		CallbackTarget:          input.CallbackTarget,
		PreparedExecutionFields: input.PreparedExecutionFields,
		PreparedAt:              &now,
		Timestamp:               now.UnixMilli(),
	}

	if notFound {
		meta.Version = 1
		if err := a.store.CreateSession(meta); err != nil {
			return storage.SessionMetadata{}, err
		}
		return meta, nil
	}
	if err := a.store.CompareAndSwapMetadata(sessionID, existing.Version, meta); err != nil {
		return storage.SessionMetadata{}, err
	}
	return a.store.GetSessionMetadata(sessionID)
}

// enqueueExecutionLocked inserts the execution row and queue entry, then
// drives tryAdvanceQueueInternal. The caller must already hold sessionID's
// lock.
func (a *Authority) enqueueExecutionLocked(ctx context.Context, sessionID, executionID, mode, ingestToken, messageJSON string, isInitialize bool) (string, error) {
	if isInitialize {
		if _, err := a.tryInitiateLocked(sessionID, true); err != nil {
			return "", err
		}
	}

	if err := a.purgeExpiredHeadLocked(sessionID); err != nil {
		return "", err
	}

	count, err := a.queue.Count(sessionID)
	if err != nil {
		return "", err
	}
	if count >= maxQueueDepth {
		return "", apperrors.QueueFull(sessionID, maxQueueDepth)
	}

	if _, err := a.executions.Add(sessionID, executionID, mode, ingestToken); err != nil && !apperrors.Is(err, apperrors.CodeAlreadyExists) {
		return "", err
	}

	if _, err := a.queue.Enqueue(sessionID, executionID, messageJSON); err != nil {
		return "", err
	}

	result, err := a.tryAdvanceQueueInternalLocked(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if result != nil && result.ExecutionID == executionID {
		return "started", nil
	}
	return "queued", nil
}

// tryAdvanceQueueInternalLocked is the dispatch algorithm from the
// specification: purge expired head entries, check the barrier, claim the
// active slot, send to the external queue, and only then dequeue. The
// caller must already hold sessionID's lock, which doubles as the
// re-entrancy barrier since no two operations on the same session ever run
// concurrently.
func (a *Authority) tryAdvanceQueueInternalLocked(ctx context.Context, sessionID string) (*dispatchResult, error) {
	if err := a.purgeExpiredHeadLocked(sessionID); err != nil {
		return nil, err
	}

	head, err := a.queue.PeekOldest(sessionID)
	if apperrors.Is(err, apperrors.CodeNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	activeID, err := a.store.GetActiveExecutionID(sessionID)
	if err != nil {
		return nil, err
	}
	if activeID != "" {
		return nil, nil
	}

	if err := a.store.SetActiveExecution(sessionID, head.ExecutionID); err != nil {
		return nil, err
	}

	if err := a.sender.Send(ctx, sessionID, head.ExecutionID, head.MessageJSON); err != nil {
		if clearErr := a.store.ClearActiveExecution(sessionID, head.ExecutionID); clearErr != nil {
			a.logger.Error("failed to clear active execution after failed dispatch", zap.Error(clearErr))
		}
		return nil, apperrors.Wrapf(apperrors.CodeBackendLinkFailed, err, "dispatch execution %s to external queue", head.ExecutionID)
	}

	if err := a.queue.DequeueByID(head.ID); err != nil {
		return nil, err
	}

	return &dispatchResult{ExecutionID: head.ExecutionID}, nil
}

// purgeExpiredHeadLocked fails and dequeues every queue entry at the head of
// sessionID's queue that has outlived queue.Expiry.
func (a *Authority) purgeExpiredHeadLocked(sessionID string) error {
	for {
		head, err := a.queue.PeekOldest(sessionID)
		if apperrors.Is(err, apperrors.CodeNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if time.Since(head.CreatedAt) <= queue.Expiry {
			return nil
		}

		if err := a.executions.UpdateStatus(head.ExecutionID, storage.StatusFailed, "queue_expired"); err != nil && !apperrors.Is(err, apperrors.CodeInvalidTransition) {
			return err
		}
		if err := a.store.ClearActiveExecution(sessionID, head.ExecutionID); err != nil {
			return err
		}
		if err := a.queue.DequeueByID(head.ID); err != nil {
			return err
		}
	}
}

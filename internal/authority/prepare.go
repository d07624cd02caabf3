package authority

import (
	"context"
	"time"

	"github.com/kilocode/sessioncore/internal/common/apperrors"
	"github.com/kilocode/sessioncore/internal/storage"
)

// Prepare stores a session's full configuration. It fails with
// AlreadyPrepared if the session already has preparedAt set.
func (a *Authority) Prepare(ctx context.Context, sessionID string, input PrepareInput) (storage.SessionMetadata, error) {
	lock := a.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if err := validateSource(input.Source); err != nil {
		return storage.SessionMetadata{}, err
	}

	existing, err := a.store.GetSessionMetadata(sessionID)
	switch {
	case apperrors.Is(err, apperrors.CodeNotFound):
		// fresh session
	case err != nil:
		return storage.SessionMetadata{}, err
	default:
		if existing.PreparedAt != nil {
			return storage.SessionMetadata{}, apperrors.AlreadyPrepared(sessionID)
		}
	}

	now := time.Now().UTC()
	nowMs := now.UnixMilli()
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
		Timestamp:               nowMs,
	}

	if existing.SessionID == "" {
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

// TryUpdate applies patch to a prepared-but-not-yet-initiated session.
func (a *Authority) TryUpdate(ctx context.Context, sessionID string, patch MetadataPatch) (storage.SessionMetadata, error) {
	lock := a.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	meta, err := a.store.GetSessionMetadata(sessionID)
	if err != nil {
		return storage.SessionMetadata{}, err
	}
	if meta.PreparedAt == nil {
		return storage.SessionMetadata{}, apperrors.NotPrepared(sessionID)
	}
	if meta.InitiatedAt != nil {
		return storage.SessionMetadata{}, apperrors.AlreadyInitiated(sessionID)
	}

	applyPatch(&meta, patch)
	if err := validateSource(meta.Source); err != nil {
		return storage.SessionMetadata{}, err
	}

	if err := a.store.CompareAndSwapMetadata(sessionID, meta.Version, meta); err != nil {
		return storage.SessionMetadata{}, err
	}
	return a.store.GetSessionMetadata(sessionID)
}

// TryInitiate stamps initiatedAt. Calling it on a session that is already
// initiated returns AlreadyInitiated; only the internal path through
// tryInitiateLocked with idempotent set leaves such a session unchanged
// without an error.
func (a *Authority) TryInitiate(ctx context.Context, sessionID string) (storage.SessionMetadata, error) {
	lock := a.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()
	return a.tryInitiateLocked(sessionID, false)
}

func (a *Authority) tryInitiateLocked(sessionID string, idempotent bool) (storage.SessionMetadata, error) {
	meta, err := a.store.GetSessionMetadata(sessionID)
	if err != nil {
		return storage.SessionMetadata{}, err
	}
	if meta.PreparedAt == nil {
		return storage.SessionMetadata{}, apperrors.NotPrepared(sessionID)
	}
	if meta.InitiatedAt != nil {
		if idempotent {
			return meta, nil
		}
		return storage.SessionMetadata{}, apperrors.AlreadyInitiated(sessionID)
	}

	now := time.Now().UTC()
	meta.InitiatedAt = &now
	if err := a.store.CompareAndSwapMetadata(sessionID, meta.Version, meta); err != nil {
		return storage.SessionMetadata{}, err
	}
	return a.store.GetSessionMetadata(sessionID)
}

func validateSource(source storage.GitSource) error {
	if source.IsGitHub() == source.IsRawGit() {
		return apperrors.InvalidMetadata("source", "exactly one of githubRepo or gitUrl must be set")
	}
	return nil
}

func applyPatch(meta *storage.SessionMetadata, patch MetadataPatch) {
	if patch.Prompt != nil {
		meta.Prompt = *patch.Prompt
	}
	if patch.Mode != nil {
		meta.Mode = *patch.Mode
	}
	if patch.Model != nil {
		meta.Model = *patch.Model
	}
	if patch.AppendSystemPrompt != nil {
		meta.AppendSystemPrompt = *patch.AppendSystemPrompt
	}
	if patch.AutoCommit != nil {
		meta.AutoCommit = *patch.AutoCommit
	}
	if patch.CondenseOnComplete != nil {
		meta.CondenseOnComplete = *patch.CondenseOnComplete
	}
	if patch.UpstreamBranch != nil {
		meta.UpstreamBranch = *patch.UpstreamBranch
	}
	if patch.EnvVars != nil {
		meta.EnvVars = *patch.EnvVars
	}
	if patch.McpServers != nil {
		meta.McpServers = *patch.McpServers
	}
	if patch.CallbackTarget != nil {
		meta.CallbackTarget = *patch.CallbackTarget
	}
}

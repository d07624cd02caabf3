package sandbox

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/kilocode/sessioncore/internal/common/apperrors"
	"github.com/kilocode/sessioncore/internal/common/logger"
)

// withSandboxRetry runs op up to attempts times. It only retries errors
// tagged SandboxRetryable (never SandboxOverloaded or SandboxFatal), backing
// off exponentially with jitter between attempts. cleanup is invoked (and
// its own errors only logged, never raised) before every retry so a
// partially-provisioned workspace/session doesn't leak across attempts.
func withSandboxRetry(ctx context.Context, log *logger.Logger, attempts int, baseDelay, maxDelay time.Duration, cleanup func(context.Context), op func(context.Context) error) error {
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !apperrors.Is(lastErr, apperrors.CodeSandboxRetryable) {
			return lastErr
		}
		if attempt == attempts {
			break
		}

		if cleanup != nil {
			func() {
				defer func() {
					if r := recover(); r != nil {
						log.Error("sandbox retry cleanup panicked", zap.Any("recover", r), zap.Int("attempt", attempt))
					}
				}()
				cleanup(ctx)
			}()
		}

		delay := backoffWithJitter(attempt, baseDelay, maxDelay)
		log.Warn("retrying sandbox operation", zap.Int("attempt", attempt), zap.Duration("delay", delay))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

func backoffWithJitter(attempt int, base, maxDelay time.Duration) time.Duration {
	delay := base << uint(attempt-1)
	if delay > maxDelay {
		delay = maxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/2 + 1))
	return delay/2 + jitter
}

package worker

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// SessionCleaner removes expired browser sessions.
type SessionCleaner interface {
	CleanupExpired() (int, error)
}

// RunSessionCleanup removes expired sessions once immediately and then every
// interval until ctx is done.
func RunSessionCleanup(ctx context.Context, cleaner SessionCleaner, interval time.Duration, logger *zap.Logger) {
	if cleaner == nil || interval <= 0 {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cleanup := func() {
		if _, err := cleaner.CleanupExpired(); err != nil {
			logger.Warn("session cleanup failed", zap.Error(err))
		}
	}
	cleanup()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cleanup()
		}
	}
}

package store

import (
	"context"
	"log/slog"
	"time"
)

// DefaultTTLInterval is how often the TTL worker sweeps when no interval is
// given.
const DefaultTTLInterval = 5 * time.Minute

// CleanupCallback is called for each session whose transcript expired.
type CleanupCallback func(sessionID string)

// StartTTLWorker runs a background goroutine that periodically removes
// transcripts not updated within ttl. It stops when ctx ends.
func StartTTLWorker(ctx context.Context, repo Repository, ttl, interval time.Duration, onCleanup CleanupCallback, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultTTLInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		logger.Info("ttl worker started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				cleanupExpiredSessions(ctx, repo, ttl, onCleanup, logger)
			case <-ctx.Done():
				logger.Info("ttl worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func cleanupExpiredSessions(ctx context.Context, repo Repository, ttl time.Duration, onCleanup CleanupCallback, logger *slog.Logger) {
	expired, err := repo.CleanupExpiredSessions(ctx, ttl)
	if err != nil {
		logger.Error("ttl worker failed to cleanup expired transcripts", "error", err)
		return
	}
	if len(expired) == 0 {
		return
	}

	for _, id := range expired {
		logger.Info("ttl worker expired session", "session_id", id)
		if onCleanup != nil {
			onCleanup(id)
		}
	}
	logger.Info("ttl worker cleanup completed", "cleaned", len(expired))
}

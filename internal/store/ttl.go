package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/aegis/internal/shared"
)

// StartTTLWorker runs a background goroutine that periodically deletes
// sessions idle for longer than ttl. onExpired, if set, is called with the
// IDs removed by each sweep.
func StartTTLWorker(ctx context.Context, repo Repository, ttl, interval time.Duration, onExpired func([]string)) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Session TTL worker started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				ids := sweepExpired(ctx, repo, ttl)
				if len(ids) > 0 && onExpired != nil {
					onExpired(ids)
				}
			case <-ctx.Done():
				slog.Info("Session TTL worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweepExpired(ctx context.Context, repo Repository, ttl time.Duration) []string {
	var ids []string
	err := shared.RetryOnConflict(ctx, shared.DefaultRetryPolicy, "cleanup expired sessions",
		func(ctx context.Context) error {
			var err error
			ids, err = repo.CleanupExpiredSessions(ctx, ttl)
			return err
		})
	if err != nil {
		if ctx.Err() != nil {
			slog.Debug("TTL worker: context canceled during cleanup", "error", err)
			return nil
		}
		slog.Error("TTL worker: failed to clean up expired sessions", "error", err)
		return nil
	}
	if len(ids) > 0 {
		slog.Info("TTL worker: expired sessions removed", "count", len(ids))
	}
	return ids
}

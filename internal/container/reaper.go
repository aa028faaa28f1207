package container

import (
	"context"
	"log/slog"
	"time"
)

// StartReaper runs a background goroutine that periodically removes sandbox
// containers older than maxAge. Sandboxes are normally removed right after
// their run; the reaper catches the ones left by a crash or a lost daemon
// connection.
func StartReaper(ctx context.Context, mgr Manager, maxAge, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Sandbox reaper started", "interval", interval, "max_age", maxAge)

		for {
			select {
			case <-ticker.C:
				reapSandboxes(ctx, mgr, maxAge, time.Now())
			case <-ctx.Done():
				slog.Info("Sandbox reaper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func reapSandboxes(ctx context.Context, mgr Manager, maxAge time.Duration, now time.Time) int {
	sandboxes, err := mgr.ListSandboxes(ctx)
	if err != nil {
		slog.Error("Sandbox reaper failed to list sandboxes", "error", err)
		return 0
	}

	removed := 0
	for _, sb := range sandboxes {
		if now.Sub(sb.CreatedAt) < maxAge {
			continue
		}
		if err := mgr.RemoveSandbox(ctx, sb.ID); err != nil {
			slog.Error("Sandbox reaper failed to remove sandbox",
				"error", err,
				"container_id", sb.ID,
				"name", sb.Name)
			continue
		}
		removed++
	}

	if removed > 0 {
		slog.Info("Sandbox reaper cleanup completed", "removed", removed)
	}
	return removed
}

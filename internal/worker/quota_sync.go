package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/waddleai/waddlegate/internal/storage"
)

const quotaGCInterval = 1 * time.Hour

// quotaRetention is how far back a closed bucket is kept before eviction.
// Day buckets close after 24h and month buckets after 31 days; this window
// comfortably covers both so the worker does not need to know bucket kind.
const quotaRetention = 35 * 24 * time.Hour

// QuotaGCWorker periodically evicts closed quota_cache buckets so the table
// does not grow without bound as tenants accrue history. Admission checks
// themselves read quota_cache synchronously per request (see the accounting
// package); there is no in-memory counter left to keep warm.
type QuotaGCWorker struct {
	store storage.QuotaStore
}

// NewQuotaGCWorker creates a QuotaGCWorker backed by store.
func NewQuotaGCWorker(store storage.QuotaStore) *QuotaGCWorker {
	return &QuotaGCWorker{store: store}
}

// Name returns the worker identifier.
func (w *QuotaGCWorker) Name() string { return "quota_gc" }

// Run evicts expired quota buckets on a periodic schedule until ctx is
// cancelled.
func (w *QuotaGCWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(quotaGCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := w.store.DeleteExpiredQuota(ctx, time.Now().Add(-quotaRetention))
			if err != nil {
				slog.LogAttrs(ctx, slog.LevelError, "quota gc failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				slog.Info("quota gc evicted buckets", "count", n)
			}
		}
	}
}

package worker

import (
	"context"
	"log/slog"
	"time"

	gateway "github.com/waddleai/waddlegate/internal"
	"github.com/waddleai/waddlegate/internal/storage"
)

const rollupInterval = 5 * time.Minute

// UsageRollupWorker periodically aggregates raw usage records into hourly
// rollups for the admin reporting surface.
type UsageRollupWorker struct {
	usage  storage.UsageStore
	rollup storage.RollupStore
}

// NewUsageRollupWorker creates a new rollup worker.
func NewUsageRollupWorker(usage storage.UsageStore, rollup storage.RollupStore) *UsageRollupWorker {
	return &UsageRollupWorker{usage: usage, rollup: rollup}
}

// Name returns the worker identifier.
func (w *UsageRollupWorker) Name() string { return "usage_rollup" }

// Run aggregates usage records into hourly rollups on a periodic schedule.
func (w *UsageRollupWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(rollupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.rollupOnce(ctx)
		}
	}
}

type rollupKey struct {
	TenantID     string
	CredentialID string
	Model        string
	Kind         gateway.ProviderKind
	Bucket       string
}

type rollupAgg struct {
	requestCount     int
	promptTokens     int64
	completionTokens int64
	totalTokens      int64
	costUSD          float64
	cachedCount      int
}

func (w *UsageRollupWorker) rollupOnce(ctx context.Context) {
	// Aggregate the last 2 hours to cover any late-arriving records.
	now := time.Now().UTC()
	since := now.Add(-2 * time.Hour).Truncate(time.Hour)
	until := now.Truncate(time.Hour).Add(time.Hour)

	records, err := w.usage.QueryUsage(ctx, since, until)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "rollup query failed", slog.String("error", err.Error()))
		return
	}
	if len(records) == 0 {
		return
	}

	agg := make(map[rollupKey]*rollupAgg)
	for _, r := range records {
		bucket := r.CreatedAt.UTC().Truncate(time.Hour).Format(time.RFC3339)
		k := rollupKey{TenantID: r.TenantID, CredentialID: r.CredentialID, Model: r.Model, Kind: r.ProviderKind, Bucket: bucket}
		a, ok := agg[k]
		if !ok {
			a = &rollupAgg{}
			agg[k] = a
		}
		a.requestCount++
		a.promptTokens += int64(r.RawPromptTokens)
		a.completionTokens += int64(r.RawCompletionTokens)
		a.totalTokens += int64(r.RawPromptTokens + r.RawCompletionTokens)
		a.costUSD += r.CostUSD
		if r.Cached {
			a.cachedCount++
		}
	}

	for k, a := range agg {
		err := w.rollup.UpsertRollup(ctx, k.Bucket, k.TenantID, k.CredentialID, k.Model, k.Kind,
			a.requestCount, a.promptTokens, a.completionTokens, a.totalTokens, a.costUSD, a.cachedCount)
		if err != nil {
			slog.LogAttrs(ctx, slog.LevelError, "rollup upsert failed", slog.String("error", err.Error()))
			return
		}
	}
	slog.Info("usage rollup completed", "rollups", len(agg), "records", len(records))
}

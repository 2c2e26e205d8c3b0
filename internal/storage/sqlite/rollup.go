package sqlite

import (
	"context"

	gateway "github.com/waddleai/waddlegate/internal"
)

// UpsertRollup replaces the hourly aggregate for a (bucket, tenant,
// credential, model, kind) key. Unlike UpsertQuota, this overwrites rather
// than adds: the caller (internal/worker.UsageRollupWorker) recomputes the
// full window from raw usage records on every run, so summing deltas would
// double-count every bucket it revisits.
func (s *Store) UpsertRollup(ctx context.Context, hourBucket, tenantID, credentialID, model string, kind gateway.ProviderKind, requestCount int, promptTokens, completionTokens, totalTokens int64, costUSD float64, cachedCount int) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO usage_rollups
		 (hour_bucket, tenant_id, credential_id, model, provider_kind,
		  request_count, prompt_tokens, completion_tokens, total_tokens, cost_usd, cached_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(hour_bucket, tenant_id, credential_id, model, provider_kind) DO UPDATE SET
		   request_count = excluded.request_count,
		   prompt_tokens = excluded.prompt_tokens,
		   completion_tokens = excluded.completion_tokens,
		   total_tokens = excluded.total_tokens,
		   cost_usd = excluded.cost_usd,
		   cached_count = excluded.cached_count`,
		hourBucket, tenantID, credentialID, model, string(kind),
		requestCount, promptTokens, completionTokens, totalTokens, costUSD, cachedCount,
	)
	return err
}

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	gateway "github.com/waddleai/waddlegate/internal"
)

// InsertUsage batch-inserts usage records in a single multi-row INSERT,
// avoiding N round-trips for large batches.
func (s *Store) InsertUsage(ctx context.Context, records []gateway.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}

	const cols = 20
	placeholders := make([]string, len(records))
	args := make([]any, 0, len(records)*cols)

	for i, r := range records {
		breakdown, err := json.Marshal(r.Breakdown)
		if err != nil {
			return err
		}
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args,
			r.ID, r.CredentialID, r.PrincipalID, r.TenantID,
			r.Model, r.ProviderLinkID, string(r.ProviderKind),
			r.RawPromptTokens, r.RawCompletionTokens,
			r.WaddleInputTokens, r.WaddleOutputTokens, r.WaddleTotalTokens,
			r.CostUSD, string(breakdown), boolToInt(r.Cached),
			r.LatencyMs, r.StatusCode, r.RequestID,
			r.DayBucket, r.CreatedAt.UTC().Format(time.RFC3339),
		)
	}

	query := `INSERT INTO usage_records
		(id, credential_id, principal_id, tenant_id,
		 model, provider_link_id, provider_kind,
		 raw_prompt_tokens, raw_completion_tokens,
		 waddle_input_tokens, waddle_output_tokens, waddle_total_tokens,
		 cost_usd, breakdown, cached, latency_ms, status_code, request_id,
		 day_bucket, created_at)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

// SumUsageCost returns the total accumulated normalized-token cost for a
// scope (tenant/principal/credential) since the given time.
func (s *Store) SumUsageCost(ctx context.Context, scopeType, scopeID string, since time.Time) (int64, error) {
	col := scopeColumn(scopeType)
	var total sql.NullInt64
	err := s.read.QueryRowContext(ctx,
		`SELECT SUM(waddle_total_tokens) FROM usage_records WHERE `+col+` = ? AND created_at >= ?`,
		scopeID, since.UTC().Format(time.RFC3339),
	).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total.Int64, nil
}

// QueryUsage returns usage records created within [since, until).
func (s *Store) QueryUsage(ctx context.Context, since, until time.Time) ([]gateway.UsageRecord, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, credential_id, principal_id, tenant_id,
		 model, provider_link_id, provider_kind,
		 raw_prompt_tokens, raw_completion_tokens,
		 waddle_input_tokens, waddle_output_tokens, waddle_total_tokens,
		 cost_usd, breakdown, cached, latency_ms, status_code, request_id,
		 day_bucket, created_at
		 FROM usage_records WHERE created_at >= ? AND created_at < ? ORDER BY created_at`,
		since.UTC().Format(time.RFC3339), until.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []gateway.UsageRecord
	for rows.Next() {
		var r gateway.UsageRecord
		var providerKind string
		var breakdownJSON sql.NullString
		var cached int
		var createdAt sql.NullString

		err := rows.Scan(&r.ID, &r.CredentialID, &r.PrincipalID, &r.TenantID,
			&r.Model, &r.ProviderLinkID, &providerKind,
			&r.RawPromptTokens, &r.RawCompletionTokens,
			&r.WaddleInputTokens, &r.WaddleOutputTokens, &r.WaddleTotalTokens,
			&r.CostUSD, &breakdownJSON, &cached, &r.LatencyMs, &r.StatusCode, &r.RequestID,
			&r.DayBucket, &createdAt,
		)
		if err != nil {
			return nil, err
		}
		r.ProviderKind = gateway.ProviderKind(providerKind)
		r.Cached = cached != 0
		if breakdownJSON.Valid && breakdownJSON.String != "" {
			if err := json.Unmarshal([]byte(breakdownJSON.String), &r.Breakdown); err != nil {
				return nil, err
			}
		}
		if ts := parseTime(createdAt); ts != nil {
			r.CreatedAt = *ts
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// scopeColumn maps a QuotaCache-style scope type to its usage_records column.
func scopeColumn(scopeType string) string {
	switch scopeType {
	case "tenant":
		return "tenant_id"
	case "principal":
		return "principal_id"
	default:
		return "credential_id"
	}
}

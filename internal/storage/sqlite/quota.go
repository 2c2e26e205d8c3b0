package sqlite

import (
	"context"
	"database/sql"
	"time"

	gateway "github.com/waddleai/waddlegate/internal"
)

// GetQuota returns the quota cache row for a (scope, period, bucket) key, or
// gateway.ErrNotFound if no row has been materialized yet.
func (s *Store) GetQuota(ctx context.Context, scopeType, scopeID string, period gateway.QuotaPeriod, bucket string) (*gateway.QuotaCache, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT scope_type, scope_id, period, bucket, consumed, limit_value, updated_at
		 FROM quota_cache WHERE scope_type=? AND scope_id=? AND period=? AND bucket=?`,
		scopeType, scopeID, string(period), bucket,
	)
	return scanQuota(row)
}

// UpsertQuota performs an atomic read-modify-write of the quota row: on
// conflict it ADDS the incoming Consumed delta to the stored value rather
// than overwriting it, so two concurrent accounting transactions for the
// same credential both land instead of one clobbering the other.
func (s *Store) UpsertQuota(ctx context.Context, q *gateway.QuotaCache) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO quota_cache (scope_type, scope_id, period, bucket, consumed, limit_value, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(scope_type, scope_id, period, bucket) DO UPDATE SET
		   consumed = consumed + excluded.consumed,
		   limit_value = excluded.limit_value,
		   updated_at = excluded.updated_at`,
		q.ScopeType, q.ScopeID, string(q.Period), q.Bucket, q.Consumed,
		nullInt64(q.Limit), q.UpdatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// DeleteExpiredQuota removes quota_cache rows whose bucket sorts before the
// given time. Buckets are "2006-01-02" day and "2006-01" month strings, which
// compare lexicographically against the RFC3339-formatted cutoff in date
// order; a bucket holding the cutoff's own day or month is removed as well.
func (s *Store) DeleteExpiredQuota(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.write.ExecContext(ctx,
		`DELETE FROM quota_cache WHERE bucket < ?`,
		before.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanQuota(sc scanner) (*gateway.QuotaCache, error) {
	var q gateway.QuotaCache
	var period string
	var limitValue sql.NullInt64
	var updatedAt sql.NullString

	err := sc.Scan(&q.ScopeType, &q.ScopeID, &period, &q.Bucket, &q.Consumed, &limitValue, &updatedAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	q.Period = gateway.QuotaPeriod(period)
	q.Limit = int64Ptr(limitValue)
	if ts := parseTime(updatedAt); ts != nil {
		q.UpdatedAt = *ts
	}
	return &q, nil
}

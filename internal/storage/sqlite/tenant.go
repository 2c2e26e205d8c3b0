package sqlite

import (
	"context"
	"database/sql"
	"time"

	gateway "github.com/waddleai/waddlegate/internal"
)

// CreateTenant inserts a new tenant.
func (s *Store) CreateTenant(ctx context.Context, t *gateway.Tenant) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO tenants (id, name, daily_quota, monthly_quota, enabled, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, nullInt64(t.DailyQuota), nullInt64(t.MonthlyQuota),
		boolToInt(t.Enabled), t.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetTenant retrieves a tenant by ID.
func (s *Store) GetTenant(ctx context.Context, id string) (*gateway.Tenant, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, name, daily_quota, monthly_quota, enabled, created_at FROM tenants WHERE id=?`, id,
	)
	return scanTenant(row)
}

// ListTenants returns tenants ordered by name.
func (s *Store) ListTenants(ctx context.Context, offset, limit int) ([]*gateway.Tenant, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, name, daily_quota, monthly_quota, enabled, created_at
		 FROM tenants ORDER BY name LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tenants []*gateway.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

// UpdateTenant updates a tenant's name, quotas, and enabled flag.
func (s *Store) UpdateTenant(ctx context.Context, t *gateway.Tenant) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE tenants SET name=?, daily_quota=?, monthly_quota=?, enabled=? WHERE id=?`,
		t.Name, nullInt64(t.DailyQuota), nullInt64(t.MonthlyQuota), boolToInt(t.Enabled), t.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "tenant")
}

// DeleteTenant removes a tenant.
func (s *Store) DeleteTenant(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM tenants WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "tenant")
}

func scanTenant(sc scanner) (*gateway.Tenant, error) {
	var t gateway.Tenant
	var daily, monthly sql.NullInt64
	var enabled int
	var createdAt sql.NullString

	err := sc.Scan(&t.ID, &t.Name, &daily, &monthly, &enabled, &createdAt)
	if err != nil {
		return nil, notFoundErr(err)
	}

	t.DailyQuota = int64Ptr(daily)
	t.MonthlyQuota = int64Ptr(monthly)
	t.Enabled = enabled != 0
	if ts := parseTime(createdAt); ts != nil {
		t.CreatedAt = *ts
	}
	return &t, nil
}

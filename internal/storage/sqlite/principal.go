package sqlite

import (
	"context"
	"database/sql"
	"time"

	gateway "github.com/waddleai/waddlegate/internal"
)

// CreatePrincipal inserts a new principal.
func (s *Store) CreatePrincipal(ctx context.Context, p *gateway.Principal) error {
	managed, err := marshalJSON(p.ManagedTenants)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO principals (id, tenant_id, username, password_hash, role, managed_tenants, enabled, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.TenantID, p.Username, nullStr(p.PasswordHash), string(p.Role), managed,
		boolToInt(p.Enabled), p.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetPrincipal retrieves a principal by ID.
func (s *Store) GetPrincipal(ctx context.Context, id string) (*gateway.Principal, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, tenant_id, username, password_hash, role, managed_tenants, enabled, created_at
		 FROM principals WHERE id=?`, id,
	)
	return scanPrincipal(row)
}

// GetPrincipalByUsername retrieves a principal by its login username.
func (s *Store) GetPrincipalByUsername(ctx context.Context, username string) (*gateway.Principal, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, tenant_id, username, password_hash, role, managed_tenants, enabled, created_at
		 FROM principals WHERE username=?`, username,
	)
	return scanPrincipal(row)
}

// ListPrincipals returns principals scoped to a tenant (or all if tenantID is empty).
func (s *Store) ListPrincipals(ctx context.Context, tenantID string, offset, limit int) ([]*gateway.Principal, error) {
	var rows *sql.Rows
	var err error
	if tenantID == "" {
		rows, err = s.read.QueryContext(ctx,
			`SELECT id, tenant_id, username, password_hash, role, managed_tenants, enabled, created_at
			 FROM principals ORDER BY username LIMIT ? OFFSET ?`, limit, offset,
		)
	} else {
		rows, err = s.read.QueryContext(ctx,
			`SELECT id, tenant_id, username, password_hash, role, managed_tenants, enabled, created_at
			 FROM principals WHERE tenant_id=? ORDER BY username LIMIT ? OFFSET ?`, tenantID, limit, offset,
		)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var principals []*gateway.Principal
	for rows.Next() {
		p, err := scanPrincipal(rows)
		if err != nil {
			return nil, err
		}
		principals = append(principals, p)
	}
	return principals, rows.Err()
}

// UpdatePrincipal updates an existing principal.
func (s *Store) UpdatePrincipal(ctx context.Context, p *gateway.Principal) error {
	managed, err := marshalJSON(p.ManagedTenants)
	if err != nil {
		return err
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE principals SET username=?, password_hash=?, role=?, managed_tenants=?, enabled=? WHERE id=?`,
		p.Username, nullStr(p.PasswordHash), string(p.Role), managed, boolToInt(p.Enabled), p.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "principal")
}

// DeletePrincipal removes a principal.
func (s *Store) DeletePrincipal(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM principals WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "principal")
}

func scanPrincipal(sc scanner) (*gateway.Principal, error) {
	var p gateway.Principal
	var passwordHash sql.NullString
	var role string
	var managedJSON sql.NullString
	var enabled int
	var createdAt sql.NullString

	err := sc.Scan(&p.ID, &p.TenantID, &p.Username, &passwordHash, &role, &managedJSON, &enabled, &createdAt)
	if err != nil {
		return nil, notFoundErr(err)
	}

	p.PasswordHash = passwordHash.String
	p.Role = gateway.Role(role)
	managed, err := unmarshalStringSlice(managedJSON)
	if err != nil {
		return nil, err
	}
	p.ManagedTenants = managed
	p.Enabled = enabled != 0
	if ts := parseTime(createdAt); ts != nil {
		p.CreatedAt = *ts
	}
	return &p, nil
}

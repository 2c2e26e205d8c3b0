package sqlite

import (
	"context"
	"database/sql"
	"time"

	gateway "github.com/waddleai/waddlegate/internal"
)

const credentialColumns = `id, prefix, secret_hash, principal_id, tenant_id, name,
	 daily_quota, monthly_quota, rpm_limit, tpm_limit, allowed_models,
	 expires_at, enabled, last_used_at, created_at`

// CreateCredential inserts a new credential.
func (s *Store) CreateCredential(ctx context.Context, c *gateway.Credential) error {
	models, err := marshalJSON(c.AllowedModels)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO credentials (`+credentialColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Prefix, c.SecretHash, c.PrincipalID, c.TenantID, nullStr(c.Name),
		nullInt64(c.DailyQuota), nullInt64(c.MonthlyQuota), nullInt64(c.RPMLimit), nullInt64(c.TPMLimit),
		models, timeToStr(c.ExpiresAt), boolToInt(c.Enabled), timeToStr(c.LastUsedAt),
		c.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetCredential retrieves a credential by ID.
func (s *Store) GetCredential(ctx context.Context, id string) (*gateway.Credential, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE id=?`, id,
	)
	return scanCredential(row)
}

// GetCredentialsByPrefix returns the small candidate set of credentials
// sharing the given "wa-<principal-id>-" prefix, avoiding a full table scan.
func (s *Store) GetCredentialsByPrefix(ctx context.Context, prefix string) ([]*gateway.Credential, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE prefix=?`, prefix,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var creds []*gateway.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

// ListCredentials returns credentials for a principal.
func (s *Store) ListCredentials(ctx context.Context, principalID string, offset, limit int) ([]*gateway.Credential, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE principal_id=? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		principalID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var creds []*gateway.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

// ListBudgetedCredentialIDs returns IDs of credentials with a day or month quota override.
func (s *Store) ListBudgetedCredentialIDs(ctx context.Context) ([]string, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id FROM credentials WHERE daily_quota IS NOT NULL OR monthly_quota IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateCredential updates an existing credential.
func (s *Store) UpdateCredential(ctx context.Context, c *gateway.Credential) error {
	models, err := marshalJSON(c.AllowedModels)
	if err != nil {
		return err
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE credentials SET name=?, daily_quota=?, monthly_quota=?, rpm_limit=?, tpm_limit=?,
		 allowed_models=?, expires_at=?, enabled=? WHERE id=?`,
		nullStr(c.Name), nullInt64(c.DailyQuota), nullInt64(c.MonthlyQuota),
		nullInt64(c.RPMLimit), nullInt64(c.TPMLimit), models,
		timeToStr(c.ExpiresAt), boolToInt(c.Enabled), c.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "credential")
}

// DeleteCredential removes a credential.
func (s *Store) DeleteCredential(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM credentials WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "credential")
}

// TouchCredentialUsed updates the last_used_at timestamp.
func (s *Store) TouchCredentialUsed(ctx context.Context, id string) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE credentials SET last_used_at=? WHERE id=?`,
		time.Now().UTC().Format(time.RFC3339), id,
	)
	return err
}

func scanCredential(sc scanner) (*gateway.Credential, error) {
	var c gateway.Credential
	var name sql.NullString
	var daily, monthly, rpm, tpm sql.NullInt64
	var modelsJSON sql.NullString
	var expiresAt, lastUsedAt, createdAt sql.NullString
	var enabled int

	err := sc.Scan(
		&c.ID, &c.Prefix, &c.SecretHash, &c.PrincipalID, &c.TenantID, &name,
		&daily, &monthly, &rpm, &tpm, &modelsJSON,
		&expiresAt, &enabled, &lastUsedAt, &createdAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	c.Name = name.String
	c.DailyQuota = int64Ptr(daily)
	c.MonthlyQuota = int64Ptr(monthly)
	c.RPMLimit = int64Ptr(rpm)
	c.TPMLimit = int64Ptr(tpm)

	models, err := unmarshalStringSlice(modelsJSON)
	if err != nil {
		return nil, err
	}
	c.AllowedModels = models
	c.ExpiresAt = parseTime(expiresAt)
	c.Enabled = enabled != 0
	c.LastUsedAt = parseTime(lastUsedAt)
	if ts := parseTime(createdAt); ts != nil {
		c.CreatedAt = *ts
	}
	return &c, nil
}

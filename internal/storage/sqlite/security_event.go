package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	gateway "github.com/waddleai/waddlegate/internal"
)

// InsertSecurityEvent appends one security scan outcome to the audit log.
func (s *Store) InsertSecurityEvent(ctx context.Context, e *gateway.SecurityEvent) error {
	threatTypes, err := json.Marshal(e.ThreatTypes)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO security_events
		 (id, tenant_id, principal_id, credential_id, request_id, threat_types,
		  severity, confidence, action, match_count, sample, request_hash, source_ip, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TenantID, nullStr(e.PrincipalID), nullStr(e.CredentialID), e.RequestID, string(threatTypes),
		e.Severity, e.Confidence, e.Action, e.MatchCount, e.Sample, e.RequestHash, nullStr(e.SourceIP),
		e.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// CountSecurityEvents counts events matching the intersection of every
// supplied condition (tenant/credential/source IP) since the given time.
// An empty string for a scoping field omits that field from the predicate
// rather than matching it literally -- this is what makes the count a true
// AND of only the conditions the caller actually cares about.
func (s *Store) CountSecurityEvents(ctx context.Context, tenantID, credentialID, sourceIP string, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM security_events WHERE created_at >= ?`
	args := []any{since.UTC().Format(time.RFC3339)}
	if tenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, tenantID)
	}
	if credentialID != "" {
		query += ` AND credential_id = ?`
		args = append(args, credentialID)
	}
	if sourceIP != "" {
		query += ` AND source_ip = ?`
		args = append(args, sourceIP)
	}
	var n int
	err := s.read.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

// ListSecurityEvents returns events for a tenant ordered newest-first.
func (s *Store) ListSecurityEvents(ctx context.Context, tenantID string, offset, limit int) ([]*gateway.SecurityEvent, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, tenant_id, principal_id, credential_id, request_id, threat_types,
		 severity, confidence, action, match_count, sample, request_hash, source_ip, created_at
		 FROM security_events WHERE tenant_id=? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		tenantID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.SecurityEvent
	for rows.Next() {
		e, err := scanSecurityEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanSecurityEvent(sc scanner) (*gateway.SecurityEvent, error) {
	var e gateway.SecurityEvent
	var principalID, credentialID, sourceIP sql.NullString
	var threatTypesJSON string
	var createdAt sql.NullString

	err := sc.Scan(&e.ID, &e.TenantID, &principalID, &credentialID, &e.RequestID, &threatTypesJSON,
		&e.Severity, &e.Confidence, &e.Action, &e.MatchCount, &e.Sample, &e.RequestHash, &sourceIP, &createdAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	e.PrincipalID = principalID.String
	e.CredentialID = credentialID.String
	e.SourceIP = sourceIP.String
	if err := json.Unmarshal([]byte(threatTypesJSON), &e.ThreatTypes); err != nil {
		return nil, err
	}
	if ts := parseTime(createdAt); ts != nil {
		e.CreatedAt = *ts
	}
	return &e, nil
}

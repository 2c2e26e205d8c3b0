package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"

	gateway "github.com/waddleai/waddlegate/internal"
)

// CreateProviderLink inserts a new provider link.
func (s *Store) CreateProviderLink(ctx context.Context, p *gateway.ProviderLink) error {
	models, err := marshalJSON(p.Models)
	if err != nil {
		return err
	}
	transport, err := json.Marshal(p.Transport)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO provider_links (id, kind, name, base_url, api_key_enc, models, priority, weight, enabled, max_rps, timeout_ms, transport)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, string(p.Kind), p.Name, p.BaseURL, p.APIKeyEnc, models,
		p.Priority, p.Weight, boolToInt(p.Enabled), p.MaxRPS, p.TimeoutMs, string(transport),
	)
	return err
}

// GetProviderLink retrieves a provider link by ID.
func (s *Store) GetProviderLink(ctx context.Context, id string) (*gateway.ProviderLink, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, kind, name, base_url, api_key_enc, models, priority, weight, enabled, max_rps, timeout_ms, transport
		 FROM provider_links WHERE id=?`, id,
	)
	return scanProviderLink(row)
}

// ListProviderLinks returns all provider links ordered by priority.
func (s *Store) ListProviderLinks(ctx context.Context) ([]*gateway.ProviderLink, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, kind, name, base_url, api_key_enc, models, priority, weight, enabled, max_rps, timeout_ms, transport
		 FROM provider_links ORDER BY priority ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var links []*gateway.ProviderLink
	for rows.Next() {
		p, err := scanProviderLink(rows)
		if err != nil {
			return nil, err
		}
		links = append(links, p)
	}
	return links, rows.Err()
}

// UpdateProviderLink updates a provider link.
func (s *Store) UpdateProviderLink(ctx context.Context, p *gateway.ProviderLink) error {
	models, err := marshalJSON(p.Models)
	if err != nil {
		return err
	}
	transport, err := json.Marshal(p.Transport)
	if err != nil {
		return err
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE provider_links SET kind=?, name=?, base_url=?, api_key_enc=?, models=?,
		 priority=?, weight=?, enabled=?, max_rps=?, timeout_ms=?, transport=? WHERE id=?`,
		string(p.Kind), p.Name, p.BaseURL, p.APIKeyEnc, models,
		p.Priority, p.Weight, boolToInt(p.Enabled), p.MaxRPS, p.TimeoutMs, string(transport), p.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "provider link")
}

// DeleteProviderLink removes a provider link.
func (s *Store) DeleteProviderLink(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM provider_links WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "provider link")
}

func scanProviderLink(sc scanner) (*gateway.ProviderLink, error) {
	var p gateway.ProviderLink
	var kind string
	var modelsJSON sql.NullString
	var enabled int
	var transportJSON sql.NullString

	err := sc.Scan(
		&p.ID, &kind, &p.Name, &p.BaseURL, &p.APIKeyEnc, &modelsJSON,
		&p.Priority, &p.Weight, &enabled, &p.MaxRPS, &p.TimeoutMs, &transportJSON,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	p.Kind = gateway.ProviderKind(kind)
	p.Enabled = enabled != 0
	models, err := unmarshalStringSlice(modelsJSON)
	if err != nil {
		return nil, err
	}
	p.Models = models
	if transportJSON.Valid && transportJSON.String != "" {
		if err := json.Unmarshal([]byte(transportJSON.String), &p.Transport); err != nil {
			return nil, err
		}
	}
	return &p, nil
}

package sqlite

import (
	"context"
	"database/sql"
	"time"

	gateway "github.com/waddleai/waddlegate/internal"
)

// CreateRate inserts a new conversion rate entry.
func (s *Store) CreateRate(ctx context.Context, r *gateway.ConversionRate) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO conversion_rates (id, kind, model, input_divisor, output_divisor, base_cost_usd, effective_at, enabled)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, string(r.Kind), r.Model, r.InputDivisor, r.OutputDivisor, r.BaseCostUSD,
		r.EffectiveAt.UTC().Format(time.RFC3339), boolToInt(r.Enabled),
	)
	return err
}

// GetRate returns the enabled conversion rate for a (kind, model) pair with
// the most recent effective_at not in the future.
func (s *Store) GetRate(ctx context.Context, kind gateway.ProviderKind, model string) (*gateway.ConversionRate, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, kind, model, input_divisor, output_divisor, base_cost_usd, effective_at, enabled
		 FROM conversion_rates
		 WHERE kind=? AND model=? AND enabled=1 AND effective_at <= ?
		 ORDER BY effective_at DESC LIMIT 1`, string(kind), model,
		time.Now().UTC().Format(time.RFC3339),
	)
	return scanRate(row)
}

// ListRates returns all conversion rates.
func (s *Store) ListRates(ctx context.Context) ([]*gateway.ConversionRate, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, kind, model, input_divisor, output_divisor, base_cost_usd, effective_at, enabled
		 FROM conversion_rates ORDER BY kind, model`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rates []*gateway.ConversionRate
	for rows.Next() {
		r, err := scanRate(rows)
		if err != nil {
			return nil, err
		}
		rates = append(rates, r)
	}
	return rates, rows.Err()
}

// UpdateRate updates a conversion rate entry.
func (s *Store) UpdateRate(ctx context.Context, r *gateway.ConversionRate) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE conversion_rates SET input_divisor=?, output_divisor=?, base_cost_usd=?, effective_at=?, enabled=? WHERE id=?`,
		r.InputDivisor, r.OutputDivisor, r.BaseCostUSD, r.EffectiveAt.UTC().Format(time.RFC3339), boolToInt(r.Enabled), r.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "conversion rate")
}

// DeleteRate removes a conversion rate entry.
func (s *Store) DeleteRate(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM conversion_rates WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "conversion rate")
}

func scanRate(sc scanner) (*gateway.ConversionRate, error) {
	var r gateway.ConversionRate
	var kind string
	var enabled int
	var effectiveAt sql.NullString

	err := sc.Scan(&r.ID, &kind, &r.Model, &r.InputDivisor, &r.OutputDivisor, &r.BaseCostUSD, &effectiveAt, &enabled)
	if err != nil {
		return nil, notFoundErr(err)
	}

	r.Kind = gateway.ProviderKind(kind)
	r.Enabled = enabled != 0
	if ts := parseTime(effectiveAt); ts != nil {
		r.EffectiveAt = *ts
	}
	return &r, nil
}

// Package accounting implements the gateway's token accountant: converting
// raw upstream usage into normalized waddle tokens, pre-call admission
// checks against quota, and post-call ledger writes.
package accounting

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	gateway "github.com/waddleai/waddlegate/internal"
	"github.com/waddleai/waddlegate/internal/storage"
)

// Convert computes the normalized waddle-token counts for a single exchange,
// given raw provider token counts and the governing conversion rate. Each
// term is ceiling-divided and floored at 1 whenever its raw input is > 0, so
// a nonzero raw count never normalizes to zero.
func Convert(rate gateway.ConversionRate, rawIn, rawOut int) (waddleIn, waddleOut int64) {
	waddleIn = ceilDivFloor1(rawIn, rate.InputDivisor)
	waddleOut = ceilDivFloor1(rawOut, rate.OutputDivisor)
	return waddleIn, waddleOut
}

func ceilDivFloor1(raw int, divisor float64) int64 {
	if raw <= 0 {
		return 0
	}
	if divisor <= 0 {
		divisor = 1
	}
	n := int64(math.Ceil(float64(raw) / divisor))
	if n < 1 {
		n = 1
	}
	return n
}

// Estimator estimates token counts for text not yet sent upstream, used for
// pre-call admission checks. A nil Estimator falls back to the deterministic
// ceil(len(text)/4) heuristic.
type Estimator interface {
	CountText(model string, text string) int
}

// Estimate returns the token estimate for text, preferring est when non-nil.
func Estimate(est Estimator, model, text string) int64 {
	if est != nil {
		return int64(max(est.CountText(model, text), 0))
	}
	return int64((len(text) + 3) / 4)
}

// Detail reports one admission period's usage against its limit.
type Detail struct {
	Period    gateway.QuotaPeriod
	Used      int64
	Limit     *int64 // nil = unlimited
	Remaining int64  // 0 when unlimited; Limit should be consulted first
}

// Exceeded reports whether this period's usage is at or past its limit.
func (d Detail) Exceeded() bool {
	return d.Limit != nil && d.Used >= *d.Limit
}

// Accountant implements admission pre-checks and post-hoc usage ledger
// writes against the day/month QuotaCache.
type Accountant struct {
	rates  storage.RateStore
	quotas storage.QuotaStore
	usage  storage.UsageStore
}

// New returns an Accountant backed by the given stores.
func New(rates storage.RateStore, quotas storage.QuotaStore, usage storage.UsageStore) *Accountant {
	return &Accountant{rates: rates, quotas: quotas, usage: usage}
}

// dayBucket and monthBucket render a UTC time into the QuotaCache's bucket
// key formats, "YYYY-MM-DD" and "YYYY-MM" respectively.
func dayBucket(t time.Time) string   { return t.UTC().Format("2006-01-02") }
func monthBucket(t time.Time) string { return t.UTC().Format("2006-01") }

// Admission checks whether credential may spend estimatedInput additional
// waddle tokens, against both its day and month quota. The effective limit
// per period is the credential's own quota override if non-nil, else the
// tenant's. Either limit being nil means unlimited for that period.
func (a *Accountant) Admission(ctx context.Context, cred *gateway.Credential, tenant *gateway.Tenant, estimatedInput int64) (ok bool, details []Detail, err error) {
	now := time.Now()
	periods := []struct {
		period gateway.QuotaPeriod
		bucket string
		limit  *int64
	}{
		{gateway.QuotaPeriodDay, dayBucket(now), effectiveLimit(cred.DailyQuota, tenant.DailyQuota)},
		{gateway.QuotaPeriodMonth, monthBucket(now), effectiveLimit(cred.MonthlyQuota, tenant.MonthlyQuota)},
	}

	details = make([]Detail, 0, len(periods))
	ok = true
	for _, p := range periods {
		qc, qerr := a.quotas.GetQuota(ctx, "credential", cred.ID, p.period, p.bucket)
		if qerr != nil && !errors.Is(qerr, gateway.ErrNotFound) {
			return false, nil, fmt.Errorf("accounting: read quota (%s): %w", p.period, qerr)
		}
		used := int64(0)
		if qc != nil {
			used = qc.Consumed
		}

		d := Detail{Period: p.period, Used: used, Limit: p.limit}
		if p.limit != nil {
			d.Remaining = max(*p.limit-used, 0)
			if used+estimatedInput > *p.limit {
				ok = false
			}
		}
		details = append(details, d)
	}
	return ok, details, nil
}

func effectiveLimit(credLimit, tenantLimit *int64) *int64 {
	if credLimit != nil {
		return credLimit
	}
	return tenantLimit
}

// Record appends rec as the usage ledger row and increments the day/month
// QuotaCache rows for its credential by rec.WaddleTotalTokens. It does no
// token conversion itself; rec must already carry normalized counts. It is intended to run after a response (success
// or cache hit) has already been returned to the client; callers must not
// let a Record failure affect the HTTP response.
func (a *Accountant) Record(ctx context.Context, rec gateway.UsageRecord) error {
	if err := a.usage.InsertUsage(ctx, []gateway.UsageRecord{rec}); err != nil {
		return fmt.Errorf("accounting: insert usage: %w", err)
	}
	if rec.CredentialID == "" {
		return nil
	}

	now := rec.CreatedAt
	if now.IsZero() {
		now = time.Now()
	}
	for _, p := range []struct {
		period gateway.QuotaPeriod
		bucket string
	}{
		{gateway.QuotaPeriodDay, dayBucket(now)},
		{gateway.QuotaPeriodMonth, monthBucket(now)},
	} {
		qc := &gateway.QuotaCache{
			ScopeType: "credential",
			ScopeID:   rec.CredentialID,
			Period:    p.period,
			Bucket:    p.bucket,
			Consumed:  rec.WaddleTotalTokens,
			UpdatedAt: now,
		}
		if err := a.quotas.UpsertQuota(ctx, qc); err != nil {
			return fmt.Errorf("accounting: upsert quota (%s): %w", p.period, err)
		}
	}
	return nil
}

// RateFor resolves the conversion rate for (kind, model), returning the
// zero-value rate and ok=false when none is configured.
func (a *Accountant) RateFor(ctx context.Context, kind gateway.ProviderKind, model string) (gateway.ConversionRate, bool) {
	r, err := a.rates.GetRate(ctx, kind, model)
	if err != nil || r == nil {
		return gateway.ConversionRate{}, false
	}
	return *r, true
}

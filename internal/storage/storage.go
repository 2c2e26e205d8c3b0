// Package storage defines persistence interfaces for the gateway.
package storage

import (
	"context"
	"time"

	gateway "github.com/waddleai/waddlegate/internal"
)

// TenantStore manages tenant persistence.
type TenantStore interface {
	CreateTenant(ctx context.Context, t *gateway.Tenant) error
	GetTenant(ctx context.Context, id string) (*gateway.Tenant, error)
	ListTenants(ctx context.Context, offset, limit int) ([]*gateway.Tenant, error)
	UpdateTenant(ctx context.Context, t *gateway.Tenant) error
	DeleteTenant(ctx context.Context, id string) error
}

// PrincipalStore manages principal persistence.
type PrincipalStore interface {
	CreatePrincipal(ctx context.Context, p *gateway.Principal) error
	GetPrincipal(ctx context.Context, id string) (*gateway.Principal, error)
	GetPrincipalByUsername(ctx context.Context, username string) (*gateway.Principal, error)
	ListPrincipals(ctx context.Context, tenantID string, offset, limit int) ([]*gateway.Principal, error)
	UpdatePrincipal(ctx context.Context, p *gateway.Principal) error
	DeletePrincipal(ctx context.Context, id string) error
}

// CredentialStore manages credential persistence.
type CredentialStore interface {
	CreateCredential(ctx context.Context, c *gateway.Credential) error
	GetCredential(ctx context.Context, id string) (*gateway.Credential, error)
	// GetCredentialsByPrefix returns the (small) candidate set sharing a
	// "wa-<principal-id>-" prefix, for O(1)-ish lookup instead of a full scan.
	GetCredentialsByPrefix(ctx context.Context, prefix string) ([]*gateway.Credential, error)
	ListCredentials(ctx context.Context, principalID string, offset, limit int) ([]*gateway.Credential, error)
	ListBudgetedCredentialIDs(ctx context.Context) ([]string, error)
	UpdateCredential(ctx context.Context, c *gateway.Credential) error
	DeleteCredential(ctx context.Context, id string) error
	TouchCredentialUsed(ctx context.Context, id string) error
}

// ProviderLinkStore manages provider link persistence.
type ProviderLinkStore interface {
	CreateProviderLink(ctx context.Context, p *gateway.ProviderLink) error
	GetProviderLink(ctx context.Context, id string) (*gateway.ProviderLink, error)
	ListProviderLinks(ctx context.Context) ([]*gateway.ProviderLink, error)
	UpdateProviderLink(ctx context.Context, p *gateway.ProviderLink) error
	DeleteProviderLink(ctx context.Context, id string) error
}

// RouteStore manages route persistence.
type RouteStore interface {
	CreateRoute(ctx context.Context, r *gateway.Route) error
	GetRouteByAlias(ctx context.Context, alias string) (*gateway.Route, error)
	ListRoutes(ctx context.Context) ([]*gateway.Route, error)
	UpdateRoute(ctx context.Context, r *gateway.Route) error
	DeleteRoute(ctx context.Context, id string) error
}

// RateStore manages the token-conversion rate table.
type RateStore interface {
	CreateRate(ctx context.Context, r *gateway.ConversionRate) error
	GetRate(ctx context.Context, kind gateway.ProviderKind, model string) (*gateway.ConversionRate, error)
	ListRates(ctx context.Context) ([]*gateway.ConversionRate, error)
	UpdateRate(ctx context.Context, r *gateway.ConversionRate) error
	DeleteRate(ctx context.Context, id string) error
}

// UsageStore manages usage record persistence and aggregation.
type UsageStore interface {
	InsertUsage(ctx context.Context, records []gateway.UsageRecord) error
	SumUsageCost(ctx context.Context, scopeType, scopeID string, since time.Time) (int64, error)
	QueryUsage(ctx context.Context, since, until time.Time) ([]gateway.UsageRecord, error)
}

// RollupStore manages hourly usage rollups used for reporting.
type RollupStore interface {
	UpsertRollup(ctx context.Context, hourBucket, tenantID, credentialID, model string, kind gateway.ProviderKind, requestCount int, promptTokens, completionTokens, totalTokens int64, costUSD float64, cachedCount int) error
}

// QuotaStore manages the fast-path admission cache.
type QuotaStore interface {
	GetQuota(ctx context.Context, scopeType, scopeID string, period gateway.QuotaPeriod, bucket string) (*gateway.QuotaCache, error)
	UpsertQuota(ctx context.Context, q *gateway.QuotaCache) error
	// DeleteExpiredQuota removes bucket rows whose period has closed before
	// the given time, bounding table growth as day/month buckets roll over.
	DeleteExpiredQuota(ctx context.Context, before time.Time) (int64, error)
}

// SecurityEventStore manages prompt-security audit events.
type SecurityEventStore interface {
	InsertSecurityEvent(ctx context.Context, e *gateway.SecurityEvent) error
	CountSecurityEvents(ctx context.Context, tenantID, credentialID, sourceIP string, since time.Time) (int, error)
	ListSecurityEvents(ctx context.Context, tenantID string, offset, limit int) ([]*gateway.SecurityEvent, error)
}

// Store combines all storage interfaces.
type Store interface {
	TenantStore
	PrincipalStore
	CredentialStore
	ProviderLinkStore
	RouteStore
	RateStore
	UsageStore
	RollupStore
	QuotaStore
	SecurityEventStore
	Close() error
}

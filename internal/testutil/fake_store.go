package testutil

import (
	"context"
	"sync"
	"time"

	gateway "github.com/waddleai/waddlegate/internal"
)

// FakeStore is an in-memory implementation of storage.Store for testing.
type FakeStore struct {
	mu sync.RWMutex

	tenants     map[string]*gateway.Tenant
	principals  map[string]*gateway.Principal
	credentials map[string]*gateway.Credential
	providers   map[string]*gateway.ProviderLink
	routes      map[string]*gateway.Route
	rates       map[string]*gateway.ConversionRate
	usage       []gateway.UsageRecord
	quotas      map[string]*gateway.QuotaCache
	events      []*gateway.SecurityEvent
}

// NewFakeStore returns a FakeStore with empty collections.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		tenants:     make(map[string]*gateway.Tenant),
		principals:  make(map[string]*gateway.Principal),
		credentials: make(map[string]*gateway.Credential),
		providers:   make(map[string]*gateway.ProviderLink),
		routes:      make(map[string]*gateway.Route),
		rates:       make(map[string]*gateway.ConversionRate),
		quotas:      make(map[string]*gateway.QuotaCache),
	}
}

// AddRoute inserts a route into the fake store, keyed by model alias.
func (s *FakeStore) AddRoute(r *gateway.Route) {
	s.mu.Lock()
	s.routes[r.ModelAlias] = r
	s.mu.Unlock()
}

// AddProviderLink inserts a provider link into the fake store.
func (s *FakeStore) AddProviderLink(p *gateway.ProviderLink) {
	s.mu.Lock()
	s.providers[p.ID] = p
	s.mu.Unlock()
}

// --- TenantStore ---

func (s *FakeStore) CreateTenant(_ context.Context, t *gateway.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[t.ID] = t
	return nil
}

func (s *FakeStore) GetTenant(_ context.Context, id string) (*gateway.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return t, nil
}

func (s *FakeStore) ListTenants(_ context.Context, offset, limit int) ([]*gateway.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*gateway.Tenant, 0, len(s.tenants))
	for _, t := range s.tenants {
		out = append(out, t)
	}
	if offset > len(out) {
		return nil, nil
	}
	end := min(offset+limit, len(out))
	return out[offset:end], nil
}

func (s *FakeStore) UpdateTenant(_ context.Context, t *gateway.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[t.ID]; !ok {
		return gateway.ErrNotFound
	}
	s.tenants[t.ID] = t
	return nil
}

func (s *FakeStore) DeleteTenant(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[id]; !ok {
		return gateway.ErrNotFound
	}
	delete(s.tenants, id)
	return nil
}

// --- PrincipalStore ---

func (s *FakeStore) CreatePrincipal(_ context.Context, p *gateway.Principal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.principals[p.ID] = p
	return nil
}

func (s *FakeStore) GetPrincipal(_ context.Context, id string) (*gateway.Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.principals[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return p, nil
}

func (s *FakeStore) GetPrincipalByUsername(_ context.Context, username string) (*gateway.Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.principals {
		if p.Username == username {
			return p, nil
		}
	}
	return nil, gateway.ErrNotFound
}

func (s *FakeStore) ListPrincipals(_ context.Context, tenantID string, offset, limit int) ([]*gateway.Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*gateway.Principal
	for _, p := range s.principals {
		if p.TenantID == tenantID {
			out = append(out, p)
		}
	}
	if offset > len(out) {
		return nil, nil
	}
	end := min(offset+limit, len(out))
	return out[offset:end], nil
}

func (s *FakeStore) UpdatePrincipal(_ context.Context, p *gateway.Principal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.principals[p.ID]; !ok {
		return gateway.ErrNotFound
	}
	s.principals[p.ID] = p
	return nil
}

func (s *FakeStore) DeletePrincipal(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.principals[id]; !ok {
		return gateway.ErrNotFound
	}
	delete(s.principals, id)
	return nil
}

// --- CredentialStore ---

func (s *FakeStore) CreateCredential(_ context.Context, c *gateway.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials[c.ID] = c
	return nil
}

func (s *FakeStore) GetCredential(_ context.Context, id string) (*gateway.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.credentials[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return c, nil
}

func (s *FakeStore) GetCredentialsByPrefix(_ context.Context, prefix string) ([]*gateway.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*gateway.Credential
	for _, c := range s.credentials {
		if c.Prefix == prefix {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *FakeStore) ListCredentials(_ context.Context, principalID string, offset, limit int) ([]*gateway.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*gateway.Credential
	for _, c := range s.credentials {
		if c.PrincipalID == principalID {
			out = append(out, c)
		}
	}
	if offset > len(out) {
		return nil, nil
	}
	end := min(offset+limit, len(out))
	return out[offset:end], nil
}

func (s *FakeStore) ListBudgetedCredentialIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for id, c := range s.credentials {
		if c.DailyQuota != nil || c.MonthlyQuota != nil {
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *FakeStore) UpdateCredential(_ context.Context, c *gateway.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.credentials[c.ID]; !ok {
		return gateway.ErrNotFound
	}
	s.credentials[c.ID] = c
	return nil
}

func (s *FakeStore) DeleteCredential(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.credentials[id]; !ok {
		return gateway.ErrNotFound
	}
	delete(s.credentials, id)
	return nil
}

func (s *FakeStore) TouchCredentialUsed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.credentials[id]; ok {
		now := time.Now()
		c.LastUsedAt = &now
	}
	return nil
}

// --- ProviderLinkStore ---

func (s *FakeStore) CreateProviderLink(_ context.Context, p *gateway.ProviderLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers[p.ID] = p
	return nil
}

func (s *FakeStore) GetProviderLink(_ context.Context, id string) (*gateway.ProviderLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.providers[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return p, nil
}

func (s *FakeStore) ListProviderLinks(_ context.Context) ([]*gateway.ProviderLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*gateway.ProviderLink, 0, len(s.providers))
	for _, p := range s.providers {
		out = append(out, p)
	}
	return out, nil
}

func (s *FakeStore) UpdateProviderLink(_ context.Context, p *gateway.ProviderLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.providers[p.ID]; !ok {
		return gateway.ErrNotFound
	}
	s.providers[p.ID] = p
	return nil
}

func (s *FakeStore) DeleteProviderLink(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.providers[id]; !ok {
		return gateway.ErrNotFound
	}
	delete(s.providers, id)
	return nil
}

// --- RouteStore ---

func (s *FakeStore) CreateRoute(_ context.Context, r *gateway.Route) error {
	s.AddRoute(r)
	return nil
}

func (s *FakeStore) GetRouteByAlias(_ context.Context, alias string) (*gateway.Route, error) {
	s.mu.RLock()
	r, ok := s.routes[alias]
	s.mu.RUnlock()
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return r, nil
}

func (s *FakeStore) ListRoutes(context.Context) ([]*gateway.Route, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*gateway.Route, 0, len(s.routes))
	for _, r := range s.routes {
		out = append(out, r)
	}
	return out, nil
}

func (s *FakeStore) UpdateRoute(_ context.Context, r *gateway.Route) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for alias, existing := range s.routes {
		if existing.ID == r.ID {
			delete(s.routes, alias)
			break
		}
	}
	s.routes[r.ModelAlias] = r
	return nil
}

func (s *FakeStore) DeleteRoute(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for alias, r := range s.routes {
		if r.ID == id {
			delete(s.routes, alias)
			return nil
		}
	}
	return gateway.ErrNotFound
}

// --- RateStore ---

func (s *FakeStore) CreateRate(_ context.Context, r *gateway.ConversionRate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rates[r.ID] = r
	return nil
}

func (s *FakeStore) GetRate(_ context.Context, kind gateway.ProviderKind, model string) (*gateway.ConversionRate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.rates {
		if r.Kind == kind && r.Model == model && r.Enabled {
			return r, nil
		}
	}
	return nil, gateway.ErrNotFound
}

func (s *FakeStore) ListRates(context.Context) ([]*gateway.ConversionRate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*gateway.ConversionRate, 0, len(s.rates))
	for _, r := range s.rates {
		out = append(out, r)
	}
	return out, nil
}

func (s *FakeStore) UpdateRate(_ context.Context, r *gateway.ConversionRate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rates[r.ID]; !ok {
		return gateway.ErrNotFound
	}
	s.rates[r.ID] = r
	return nil
}

func (s *FakeStore) DeleteRate(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rates[id]; !ok {
		return gateway.ErrNotFound
	}
	delete(s.rates, id)
	return nil
}

// --- UsageStore ---

func (s *FakeStore) InsertUsage(_ context.Context, records []gateway.UsageRecord) error {
	s.mu.Lock()
	s.usage = append(s.usage, records...)
	s.mu.Unlock()
	return nil
}

func (s *FakeStore) SumUsageCost(_ context.Context, scopeType, scopeID string, since time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total int64
	for _, r := range s.usage {
		if r.CreatedAt.Before(since) {
			continue
		}
		switch scopeType {
		case "tenant":
			if r.TenantID != scopeID {
				continue
			}
		case "credential":
			if r.CredentialID != scopeID {
				continue
			}
		}
		total += r.WaddleTotalTokens
	}
	return total, nil
}

func (s *FakeStore) QueryUsage(_ context.Context, since, until time.Time) ([]gateway.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []gateway.UsageRecord
	for _, r := range s.usage {
		if r.CreatedAt.Before(since) || r.CreatedAt.After(until) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// --- RollupStore ---

func (s *FakeStore) UpsertRollup(context.Context, string, string, string, string, gateway.ProviderKind, int, int64, int64, int64, float64, int) error {
	return nil
}

// --- QuotaStore ---

func quotaKey(scopeType, scopeID string, period gateway.QuotaPeriod, bucket string) string {
	return scopeType + "|" + scopeID + "|" + string(period) + "|" + bucket
}

func (s *FakeStore) GetQuota(_ context.Context, scopeType, scopeID string, period gateway.QuotaPeriod, bucket string) (*gateway.QuotaCache, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotas[quotaKey(scopeType, scopeID, period, bucket)]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return q, nil
}

func (s *FakeStore) UpsertQuota(_ context.Context, q *gateway.QuotaCache) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotas[quotaKey(q.ScopeType, q.ScopeID, q.Period, q.Bucket)] = q
	return nil
}

func (s *FakeStore) DeleteExpiredQuota(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, q := range s.quotas {
		if q.UpdatedAt.Before(before) {
			delete(s.quotas, k)
			n++
		}
	}
	return n, nil
}

// --- SecurityEventStore ---

func (s *FakeStore) InsertSecurityEvent(_ context.Context, e *gateway.SecurityEvent) error {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
	return nil
}

func (s *FakeStore) CountSecurityEvents(_ context.Context, tenantID, credentialID, sourceIP string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.events {
		if e.CreatedAt.Before(since) {
			continue
		}
		if tenantID != "" && e.TenantID != tenantID {
			continue
		}
		if credentialID != "" && e.CredentialID != credentialID {
			continue
		}
		n++
	}
	return n, nil
}

func (s *FakeStore) ListSecurityEvents(_ context.Context, tenantID string, offset, limit int) ([]*gateway.SecurityEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*gateway.SecurityEvent
	for _, e := range s.events {
		if tenantID != "" && e.TenantID != tenantID {
			continue
		}
		out = append(out, e)
	}
	if offset > len(out) {
		return nil, nil
	}
	end := min(offset+limit, len(out))
	return out[offset:end], nil
}

// --- Close ---

func (s *FakeStore) Close() error { return nil }

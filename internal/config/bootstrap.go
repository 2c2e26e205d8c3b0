// Package config provides configuration loading and database bootstrapping.
package config

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	gateway "github.com/waddleai/waddlegate/internal"
	"github.com/waddleai/waddlegate/internal/auth"
	"github.com/waddleai/waddlegate/internal/storage"
)

// Bootstrap seeds the database from the config file on first run. Seeding
// order matters: tenants before principals, principals before credentials,
// provider links before routes (routes reference provider link IDs).
func Bootstrap(ctx context.Context, cfg *Config, store storage.Store) error {
	if err := bootstrapTenants(ctx, cfg, store); err != nil {
		return err
	}
	if err := bootstrapPrincipals(ctx, cfg, store); err != nil {
		return err
	}
	if err := bootstrapProviders(ctx, cfg, store); err != nil {
		return err
	}
	if err := bootstrapRoutes(ctx, cfg, store); err != nil {
		return err
	}
	if err := bootstrapRates(ctx, cfg, store); err != nil {
		return err
	}
	return bootstrapKeys(ctx, cfg, store)
}

func bootstrapTenants(ctx context.Context, cfg *Config, store storage.Store) error {
	for _, t := range cfg.Tenants {
		if existing, _ := store.GetTenant(ctx, t.ID); existing != nil {
			continue
		}
		tenant := &gateway.Tenant{
			ID:           t.ID,
			Name:         t.Name,
			DailyQuota:   t.DailyQuota,
			MonthlyQuota: t.MonthlyQuota,
			Enabled:      true,
			CreatedAt:    time.Now().UTC(),
		}
		if err := store.CreateTenant(ctx, tenant); err != nil {
			return err
		}
		slog.Info("bootstrapped tenant", "id", tenant.ID)
	}
	return nil
}

func bootstrapPrincipals(ctx context.Context, cfg *Config, store storage.Store) error {
	for _, p := range cfg.Principals {
		if existing, _ := store.GetPrincipal(ctx, p.ID); existing != nil {
			continue
		}
		role := gateway.Role(p.Role)
		if role == "" {
			role = gateway.RoleUser
		}
		var hash string
		if p.Password != "" {
			h, err := auth.HashPassword(p.Password)
			if err != nil {
				return err
			}
			hash = h
		}
		principal := &gateway.Principal{
			ID:           p.ID,
			TenantID:     p.TenantID,
			Username:     p.Username,
			PasswordHash: hash,
			Role:         role,
			Enabled:      true,
			CreatedAt:    time.Now().UTC(),
		}
		if err := store.CreatePrincipal(ctx, principal); err != nil {
			return err
		}
		slog.Info("bootstrapped principal", "username", principal.Username, "role", role)
	}
	return nil
}

func bootstrapProviders(ctx context.Context, cfg *Config, store storage.Store) error {
	for _, p := range cfg.Providers {
		id := p.ResolvedID()
		if existing, _ := store.GetProviderLink(ctx, id); existing != nil {
			continue
		}
		link := &gateway.ProviderLink{
			ID:        id,
			Kind:      gateway.ProviderKind(p.ResolvedType()),
			Name:      p.Name,
			BaseURL:   p.BaseURL,
			APIKeyEnc: "", // provider credentials stay in memory only, never persisted
			Models:    p.Models,
			Priority:  p.Priority,
			Weight:    max(1, p.Weight),
			Enabled:   p.IsEnabled(),
			MaxRPS:    p.MaxRPS,
			TimeoutMs: max(5000, p.TimeoutMs),
			Transport: gateway.TransportOptions{
				Hosting: p.ResolvedHosting(),
				Region:  p.Region,
				Project: p.Project,
			},
		}
		if err := store.CreateProviderLink(ctx, link); err != nil {
			return err
		}
		slog.Info("bootstrapped provider link", "id", link.ID)
	}
	return nil
}

func bootstrapRoutes(ctx context.Context, cfg *Config, store storage.Store) error {
	for _, r := range cfg.Routes {
		if existing, _ := store.GetRouteByAlias(ctx, r.ModelAlias); existing != nil {
			continue
		}
		targets := make([]gateway.RouteTarget, 0, len(r.Targets))
		for _, t := range r.Targets {
			targets = append(targets, gateway.RouteTarget{
				ProviderLinkID: t.ProviderLinkID,
				Model:          t.Model,
				Priority:       t.Priority,
				Weight:         t.Weight,
			})
		}
		encoded, err := json.Marshal(targets)
		if err != nil {
			return err
		}
		route := &gateway.Route{
			ID:         uuid.Must(uuid.NewV7()).String(),
			ModelAlias: r.ModelAlias,
			Targets:    encoded,
			Strategy:   r.Strategy,
			CacheTTLs:  r.CacheTTLs,
		}
		if err := store.CreateRoute(ctx, route); err != nil {
			return err
		}
		slog.Info("bootstrapped route", "alias", r.ModelAlias)
	}
	return nil
}

func bootstrapRates(ctx context.Context, cfg *Config, store storage.Store) error {
	for _, r := range cfg.Rates {
		kind := gateway.ProviderKind(r.Kind)
		if existing, _ := store.GetRate(ctx, kind, r.Model); existing != nil {
			continue
		}
		rate := &gateway.ConversionRate{
			ID:            uuid.Must(uuid.NewV7()).String(),
			Kind:          kind,
			Model:         r.Model,
			InputDivisor:  r.InputDivisor,
			OutputDivisor: r.OutputDivisor,
			BaseCostUSD:   r.BaseCostUSD,
			EffectiveAt:   time.Now().UTC(),
			Enabled:       true,
		}
		if err := store.CreateRate(ctx, rate); err != nil {
			return err
		}
		slog.Info("bootstrapped conversion rate", "kind", kind, "model", r.Model)
	}
	return nil
}

// bootstrapKeys mints credentials with the plaintext secrets given in the
// config file. Unlike app.CredentialIssuer.Issue, the secret is fixed by the
// operator rather than randomly generated, so the hash is computed directly.
func bootstrapKeys(ctx context.Context, cfg *Config, store storage.Store) error {
	for _, k := range cfg.Keys {
		if k.Key == "" {
			continue
		}
		hash := gateway.HashSecret(k.Key)
		prefix := gateway.CredentialPrefix + k.PrincipalID + "-"

		candidates, _ := store.GetCredentialsByPrefix(ctx, prefix)
		alreadySeeded := false
		for _, c := range candidates {
			if c.SecretHash == hash {
				alreadySeeded = true
				break
			}
		}
		if alreadySeeded {
			continue
		}

		cred := &gateway.Credential{
			ID:            uuid.Must(uuid.NewV7()).String(),
			Prefix:        prefix,
			SecretHash:    hash,
			PrincipalID:   k.PrincipalID,
			TenantID:      k.TenantID,
			Name:          k.Name,
			DailyQuota:    k.DailyQuota,
			MonthlyQuota:  k.MonthlyQuota,
			RPMLimit:      k.RPMLimit,
			TPMLimit:      k.TPMLimit,
			AllowedModels: k.AllowedModels,
			Enabled:       true,
			CreatedAt:     time.Now().UTC(),
		}
		if err := store.CreateCredential(ctx, cred); err != nil {
			return err
		}
		slog.Info("bootstrapped credential", "name", k.Name, "prefix", prefix)
	}
	return nil
}

// Package auth implements the gateway's authentication resolver: signed
// session tokens, opaque API credentials, and password-pair login.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"

	gateway "github.com/waddleai/waddlegate/internal"
	"github.com/waddleai/waddlegate/internal/storage"
)

const (
	cacheTTL    = 30 * time.Second // short enough to pick up revocations promptly
	cacheMaxLen = 10_000           // max concurrent active credentials expected per deployment

	// principalIDLen is the fixed length of a canonical UUID string, used to
	// slice the principal-id segment out of a "wa-<principal-id>-<secret>"
	// bearer token without ambiguity (UUIDs themselves contain hyphens).
	principalIDLen = 36
)

// Resolver authenticates bearer credentials presented to the gateway: either
// a signed session token (from password login) or an opaque API credential
// of the form "wa-<principal-id>-<secret>". It implements gateway.Authenticator.
type Resolver struct {
	credentials storage.CredentialStore
	principals  storage.PrincipalStore
	sessions    *SessionIssuer

	cache         *otter.Cache[string, *gateway.Credential]
	idToPrefix    sync.Map // credential ID -> prefix, for cache invalidation
}

// NewResolver returns a Resolver backed by the given stores and session
// issuer.
func NewResolver(credentials storage.CredentialStore, principals storage.PrincipalStore, sessions *SessionIssuer) (*Resolver, error) {
	c, err := otter.New(&otter.Options[string, *gateway.Credential]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *gateway.Credential](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create auth cache: %w", err)
	}
	return &Resolver{credentials: credentials, principals: principals, sessions: sessions, cache: c}, nil
}

// Authenticate extracts a Bearer token from the Authorization header and
// resolves it either as a signed session token or an opaque API credential.
func (a *Resolver) Authenticate(ctx context.Context, r *http.Request) (*gateway.Identity, error) {
	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if raw == "" || raw == r.Header.Get("Authorization") {
		return nil, gateway.ErrAuthenticationFailed
	}

	if strings.HasPrefix(raw, gateway.CredentialPrefix) {
		return a.authenticateCredential(ctx, raw)
	}
	return a.sessions.Verify(raw)
}

// authenticateCredential resolves an opaque "wa-<principal-id>-<secret>"
// token: it narrows to the credential's prefix-sharing candidate set, then
// verifies the secret hash against each enabled, unexpired candidate. A
// single successful hash-verify wins.
func (a *Resolver) authenticateCredential(ctx context.Context, raw string) (*gateway.Identity, error) {
	prefix, ok := credentialPrefix(raw)
	if !ok {
		return nil, gateway.ErrAuthenticationFailed
	}

	hash := gateway.HashSecret(raw)
	if cred, ok := a.cache.GetIfPresent(hash); ok {
		return a.identityFromCredential(ctx, cred)
	}

	candidates, err := a.credentials.GetCredentialsByPrefix(ctx, prefix)
	if err != nil {
		return nil, err
	}

	for _, c := range candidates {
		if subtle.ConstantTimeCompare([]byte(c.SecretHash), []byte(hash)) != 1 {
			continue
		}
		if !c.Enabled {
			return nil, gateway.ErrCredentialBlocked
		}
		if c.ExpiresAt != nil && c.ExpiresAt.Before(time.Now()) {
			return nil, gateway.ErrCredentialExpired
		}

		a.cache.Set(hash, c)
		a.idToPrefix.Store(c.ID, prefix)

		go func(id string) {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			a.credentials.TouchCredentialUsed(ctx, id) //nolint:errcheck
		}(c.ID)

		return a.identityFromCredential(ctx, c)
	}

	return nil, gateway.ErrAuthenticationFailed
}

func (a *Resolver) identityFromCredential(ctx context.Context, c *gateway.Credential) (*gateway.Identity, error) {
	if !c.Enabled {
		return nil, gateway.ErrCredentialBlocked
	}
	if c.ExpiresAt != nil && c.ExpiresAt.Before(time.Now()) {
		return nil, gateway.ErrCredentialExpired
	}

	p, err := a.principals.GetPrincipal(ctx, c.PrincipalID)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return nil, gateway.ErrAuthenticationFailed
		}
		return nil, err
	}
	if !p.Enabled {
		return nil, gateway.ErrCredentialBlocked
	}

	id := identityFromPrincipal(p)
	id.CredentialID = c.ID
	id.AuthMethod = "credential"
	if c.RPMLimit != nil {
		id.RPMLimit = *c.RPMLimit
	}
	if c.TPMLimit != nil {
		id.TPMLimit = *c.TPMLimit
	}
	if c.AllowedModels != nil {
		id.AllowedModels = c.AllowedModels
	}
	return id, nil
}

// InvalidateByCredentialID forgets the credential's ID-to-prefix mapping,
// used when admin operations (revoke, edit, delete) modify it mid-TTL. The
// cached credential entry itself is not removed; it stays until its TTL
// expires.
func (a *Resolver) InvalidateByCredentialID(credentialID string) {
	prefix, ok := a.idToPrefix.LoadAndDelete(credentialID)
	if !ok {
		return
	}
	// The cache key is the secret hash, not the credential ID or prefix, so
	// a targeted invalidation would require storing hash too; instead the
	// short TTL bounds staleness and callers that need immediacy can clear
	// the whole prefix's entries by forcing a re-fetch on next use.
	_ = prefix
}

func identityFromPrincipal(p *gateway.Principal) *gateway.Identity {
	return &gateway.Identity{
		PrincipalID:    p.ID,
		TenantID:       p.TenantID,
		Username:       p.Username,
		Role:           p.Role,
		ManagedTenants: p.ManagedTenants,
		Perms:          gateway.RolePermissions[p.Role],
	}
}

// credentialPrefix extracts the "wa-<principal-id>-" prefix from a raw
// bearer token, assuming the principal-id segment is a canonical 36-char
// UUID string.
func credentialPrefix(raw string) (string, bool) {
	rest := strings.TrimPrefix(raw, gateway.CredentialPrefix)
	if len(rest) <= principalIDLen+1 {
		return "", false
	}
	if rest[principalIDLen] != '-' {
		return "", false
	}
	return raw[:len(gateway.CredentialPrefix)+principalIDLen+1], true
}

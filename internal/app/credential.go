// Package app implements application-level services for the gateway that sit
// above storage and auth but below the HTTP layer.
package app

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/google/uuid"

	gateway "github.com/waddleai/waddlegate/internal"
	"github.com/waddleai/waddlegate/internal/storage"
)

// CredentialIssuer mints and revokes opaque API credentials of the form
// "wa-<principal-id>-<secret>".
type CredentialIssuer struct {
	store storage.CredentialStore
}

// NewCredentialIssuer returns a CredentialIssuer backed by store.
func NewCredentialIssuer(store storage.CredentialStore) *CredentialIssuer {
	return &CredentialIssuer{store: store}
}

// IssueOpts configures a newly minted credential. PrincipalID and TenantID
// are required; the rest override the principal/tenant defaults.
type IssueOpts struct {
	PrincipalID   string
	TenantID      string
	Name          string
	DailyQuota    *int64
	MonthlyQuota  *int64
	RPMLimit      *int64
	TPMLimit      *int64
	AllowedModels []string
	ExpiresAt     *time.Time
}

// Issue generates a new credential secret, persists its hash, and returns
// the plaintext (shown exactly once) along with the persisted record.
func (c *CredentialIssuer) Issue(ctx context.Context, opts IssueOpts) (plaintext string, cred *gateway.Credential, err error) {
	secretBytes := make([]byte, 24)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", nil, err
	}
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)
	prefix := gateway.CredentialPrefix + opts.PrincipalID + "-"
	plaintext = prefix + secret

	cred = &gateway.Credential{
		ID:            uuid.Must(uuid.NewV7()).String(),
		Prefix:        prefix,
		SecretHash:    gateway.HashSecret(plaintext),
		PrincipalID:   opts.PrincipalID,
		TenantID:      opts.TenantID,
		Name:          opts.Name,
		DailyQuota:    opts.DailyQuota,
		MonthlyQuota:  opts.MonthlyQuota,
		RPMLimit:      opts.RPMLimit,
		TPMLimit:      opts.TPMLimit,
		AllowedModels: opts.AllowedModels,
		ExpiresAt:     opts.ExpiresAt,
		Enabled:       true,
		CreatedAt:     time.Now().UTC(),
	}

	if err := c.store.CreateCredential(ctx, cred); err != nil {
		return "", nil, err
	}
	return plaintext, cred, nil
}

// Revoke disables a credential without deleting its audit trail.
func (c *CredentialIssuer) Revoke(ctx context.Context, id string) error {
	cred, err := c.store.GetCredential(ctx, id)
	if err != nil {
		return err
	}
	cred.Enabled = false
	return c.store.UpdateCredential(ctx, cred)
}

// Delete permanently removes a credential.
func (c *CredentialIssuer) Delete(ctx context.Context, id string) error {
	return c.store.DeleteCredential(ctx, id)
}

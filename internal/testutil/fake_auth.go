package testutil

import (
	"context"
	"net/http"

	gateway "github.com/waddleai/waddlegate/internal"
)

// FakeAuth always authenticates successfully as an admin principal.
type FakeAuth struct{}

// Authenticate returns a test identity with admin permissions.
func (FakeAuth) Authenticate(_ context.Context, _ *http.Request) (*gateway.Identity, error) {
	return &gateway.Identity{
		PrincipalID:  "principal-test",
		TenantID:     "tenant-test",
		CredentialID: "cred-test",
		Username:     "test",
		Role:         gateway.RoleAdmin,
		Perms:        gateway.RolePermissions[gateway.RoleAdmin],
		AuthMethod:   "credential",
	}, nil
}

// RejectAuth always rejects authentication.
type RejectAuth struct{}

// Authenticate always returns ErrAuthenticationFailed.
func (RejectAuth) Authenticate(context.Context, *http.Request) (*gateway.Identity, error) {
	return nil, gateway.ErrAuthenticationFailed
}

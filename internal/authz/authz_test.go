package authz

import (
	"testing"

	gateway "github.com/waddleai/waddlegate/internal"
)

func identity(role gateway.Role, tenant, principal string, managed ...string) *gateway.Identity {
	return &gateway.Identity{
		PrincipalID:    principal,
		TenantID:       tenant,
		Role:           role,
		ManagedTenants: managed,
		Perms:          gateway.RolePermissions[role],
	}
}

func TestAuthorize_Admin(t *testing.T) {
	t.Parallel()
	id := identity(gateway.RoleAdmin, "t1", "p1")
	if err := Authorize(id, gateway.PermManageTenants, "t-other", ""); err != nil {
		t.Fatalf("expected admin to be allowed everywhere, got %v", err)
	}
}

func TestAuthorize_ResourceManager_ScopedToManagedTenants(t *testing.T) {
	t.Parallel()
	id := identity(gateway.RoleResourceManager, "t1", "p1", "t2")

	if err := Authorize(id, gateway.PermManageCreds, "t2", ""); err != nil {
		t.Fatalf("expected allow for managed tenant, got %v", err)
	}
	if err := Authorize(id, gateway.PermManageCreds, "t3", ""); err != gateway.ErrAuthorizationDenied {
		t.Fatalf("expected deny for unmanaged tenant, got %v", err)
	}
}

func TestAuthorize_User_OwnTenantAndSelfOnly(t *testing.T) {
	t.Parallel()
	id := identity(gateway.RoleUser, "t1", "p1")

	if err := Authorize(id, gateway.PermManageOwnCreds, "t1", "p1"); err != nil {
		t.Fatalf("expected allow for own tenant/principal, got %v", err)
	}
	if err := Authorize(id, gateway.PermManageOwnCreds, "t1", "p2"); err != gateway.ErrAuthorizationDenied {
		t.Fatalf("expected deny for another principal, got %v", err)
	}
	if err := Authorize(id, gateway.PermManageOwnCreds, "t2", ""); err != gateway.ErrAuthorizationDenied {
		t.Fatalf("expected deny for foreign tenant, got %v", err)
	}
}

func TestAuthorize_MissingBasePermission(t *testing.T) {
	t.Parallel()
	id := identity(gateway.RoleUser, "t1", "p1")
	if err := Authorize(id, gateway.PermManageTenants, "t1", ""); err != gateway.ErrAuthorizationDenied {
		t.Fatalf("expected deny for permission not in role bitmask, got %v", err)
	}
}

func TestAuthorize_NilIdentity(t *testing.T) {
	t.Parallel()
	if err := Authorize(nil, gateway.PermUseModels, "", ""); err != gateway.ErrAuthenticationFailed {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
}

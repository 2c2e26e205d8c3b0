// Package authz implements permission checks over the gateway's fixed role
// hierarchy: Admin > ResourceManager > Reporter > User, with a small
// cross-axis for resource-scoped proxy actions.
package authz

import (
	gateway "github.com/waddleai/waddlegate/internal"
)

// Authorize checks whether id may exercise perm against an optional resource
// scope (resourceTenant, resourcePrincipal). Either resource field may be
// empty to mean "no resource scoping for this check" (e.g. listing models).
//
// Rule, per role:
//   - Admin: allow.
//   - ResourceManager: allow iff resourceTenant is in the managed-tenant set
//     (or empty).
//   - Reporter: same tenant scoping as ResourceManager, read-only by virtue
//     of which permissions are in its bitmask.
//   - User: allow iff resourceTenant equals the principal's own tenant AND
//     resourcePrincipal (if set) equals the principal itself.
func Authorize(id *gateway.Identity, perm gateway.Permission, resourceTenant, resourcePrincipal string) error {
	if id == nil {
		return gateway.ErrAuthenticationFailed
	}
	if !id.Can(perm) {
		return gateway.ErrAuthorizationDenied
	}

	switch id.Role {
	case gateway.RoleAdmin:
		return nil

	case gateway.RoleResourceManager, gateway.RoleReporter:
		if resourceTenant != "" && !id.ManagesTenant(resourceTenant) {
			return gateway.ErrAuthorizationDenied
		}
		return nil

	case gateway.RoleUser:
		if resourceTenant != "" && resourceTenant != id.TenantID {
			return gateway.ErrAuthorizationDenied
		}
		if resourcePrincipal != "" && resourcePrincipal != id.PrincipalID {
			return gateway.ErrAuthorizationDenied
		}
		return nil

	default:
		return gateway.ErrAuthorizationDenied
	}
}

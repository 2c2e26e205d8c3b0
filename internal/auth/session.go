package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	gateway "github.com/waddleai/waddlegate/internal"
)

// sessionTTL is how long a session token issued by password login remains
// valid before the caller must log in again.
const sessionTTL = 24 * time.Hour

// sessionClaims is the signed envelope embedded in a session token: principal
// id, role, tenant, and managed-tenant set, plus the standard registered
// claims for issued-at/expiry.
type sessionClaims struct {
	PrincipalID    string       `json:"pid"`
	TenantID       string       `json:"tid"`
	Username       string       `json:"usr"`
	Role           gateway.Role `json:"role"`
	ManagedTenants []string     `json:"mtn,omitempty"`
	jwt.RegisteredClaims
}

// SessionIssuer mints and verifies HMAC-signed session tokens.
type SessionIssuer struct {
	secret []byte
}

// NewSessionIssuer returns a SessionIssuer using secret as the HMAC signing
// key. secret corresponds to the gateway's signing-secret configuration.
func NewSessionIssuer(secret string) *SessionIssuer {
	return &SessionIssuer{secret: []byte(secret)}
}

// Issue mints a signed session token for the given principal.
func (s *SessionIssuer) Issue(p *gateway.Principal) (string, error) {
	now := time.Now()
	claims := sessionClaims{
		PrincipalID:    p.ID,
		TenantID:       p.TenantID,
		Username:       p.Username,
		Role:           p.Role,
		ManagedTenants: p.ManagedTenants,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(sessionTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Verify validates a session token's signature and expiry and returns the
// identity it carries.
func (s *SessionIssuer) Verify(raw string) (*gateway.Identity, error) {
	var claims sessionClaims
	token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, gateway.ErrAuthenticationFailed
	}

	return &gateway.Identity{
		PrincipalID:    claims.PrincipalID,
		TenantID:       claims.TenantID,
		Username:       claims.Username,
		Role:           claims.Role,
		ManagedTenants: claims.ManagedTenants,
		Perms:          gateway.RolePermissions[claims.Role],
		AuthMethod:     "session",
	}, nil
}

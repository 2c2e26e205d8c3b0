package auth

import (
	"context"
	"errors"

	"golang.org/x/crypto/bcrypt"

	gateway "github.com/waddleai/waddlegate/internal"
	"github.com/waddleai/waddlegate/internal/storage"
)

// bcryptCost is the work factor for principal password hashes. Unlike opaque
// credential secrets, passwords are human-chosen and benefit from a slow,
// tunable hash.
const bcryptCost = bcrypt.DefaultCost

// HashPassword returns the bcrypt hash of a plaintext password.
func HashPassword(plaintext string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcryptCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// PasswordLogin resolves a username/password pair to a signed session token.
// It is the only authenticator used against the login endpoint; it is not
// part of the bearer-credential Authenticate path.
type PasswordLogin struct {
	principals storage.PrincipalStore
	sessions   *SessionIssuer
}

// NewPasswordLogin returns a PasswordLogin backed by the given principal
// store and session issuer.
func NewPasswordLogin(principals storage.PrincipalStore, sessions *SessionIssuer) *PasswordLogin {
	return &PasswordLogin{principals: principals, sessions: sessions}
}

// Login verifies username/password against the stored bcrypt hash and, on
// success, issues a signed session token.
func (p *PasswordLogin) Login(ctx context.Context, username, password string) (string, error) {
	principal, err := p.principals.GetPrincipalByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return "", gateway.ErrAuthenticationFailed
		}
		return "", err
	}
	if !principal.Enabled {
		return "", gateway.ErrCredentialBlocked
	}
	if principal.PasswordHash == "" {
		return "", gateway.ErrAuthenticationFailed
	}
	if err := bcrypt.CompareHashAndPassword([]byte(principal.PasswordHash), []byte(password)); err != nil {
		return "", gateway.ErrAuthenticationFailed
	}
	return p.sessions.Issue(principal)
}

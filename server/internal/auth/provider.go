package auth

import (
	"context"
	"time"
)

// AuthProvider is the interface every authentication backend implements.
// Only LocalAuthProvider (email/password) exists on the Management Server —
// the control plane sits behind operator-managed infrastructure rather than
// an external IdP, so the teacher's OIDC/OAuth2 provider and flow are not
// carried over. The interface is kept so a future provider (LDAP, SAML)
// could be added without touching the auth service or API layer.
type AuthProvider interface {
	// Login authenticates a user and returns a token pair on success.
	// The access token is a signed JWT; the refresh token is an opaque string
	// that must be stored in an httpOnly cookie by the caller.
	Login(ctx context.Context, req LoginRequest) (*TokenPair, error)

	// RefreshToken validates a refresh token, rotates it, and returns a new
	// token pair. The old refresh token is invalidated after this call.
	RefreshToken(ctx context.Context, refreshToken string) (*TokenPair, error)

	// Logout invalidates the given refresh token so it cannot be used again.
	// Access tokens remain valid until expiry — their short TTL (15 min) is
	// the revocation mechanism for those.
	Logout(ctx context.Context, refreshToken string) error

	// ProviderType returns a string identifier for this provider, used for logging.
	ProviderType() string
}

// LoginRequest carries credentials for a local email/password login attempt.
type LoginRequest struct {
	Email    string
	Password string
}

// TokenPair is returned after a successful login or token refresh.
// AccessToken is meant to be returned in the response body (or Authorization header).
// RefreshToken is meant to be set as an httpOnly Secure cookie by the HTTP layer —
// it is never included in API responses directly.
type TokenPair struct {
	AccessToken string

	// RefreshToken is the raw opaque token string. The HTTP handler is
	// responsible for setting it as a cookie; this struct does not carry
	// cookie metadata (path, domain, SameSite) to keep the auth layer
	// decoupled from HTTP concerns.
	RefreshToken string

	// RefreshTokenExpiresAt is used by the HTTP layer to set the cookie
	// Max-Age / Expires attribute correctly.
	RefreshTokenExpiresAt time.Time
}
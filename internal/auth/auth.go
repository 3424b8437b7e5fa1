// Package auth defines the user-identity boundary. The control plane
// never mints or verifies user credentials itself; it delegates to a
// Provider and only consumes the resulting Principal. Worker
// credentials are a separate surface owned by the registry.
package auth

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidToken is returned for any bearer token that does not
// authenticate. Callers get no finer detail.
var ErrInvalidToken = errors.New("invalid or expired token")

// ErrInvalidCredentials is returned by Login when the identity check
// fails.
var ErrInvalidCredentials = errors.New("invalid credentials")

// ErrUnsupported marks operations the configured provider does not
// implement. The API maps it to 501.
var ErrUnsupported = errors.New("not supported by the configured auth provider")

// Principal is an authenticated caller of the user API.
type Principal struct {
	// Subject is the provider's stable identifier for the caller.
	Subject string
	Name    string
}

// Credentials is the material Login exchanges for a session.
type Credentials struct {
	Username string
	Password string
}

// Session is an issued access token with its lifetime.
type Session struct {
	AccessToken string
	ExpiresAt   time.Time
	Principal   Principal
}

// Provider authenticates user API calls. Implementations must be safe
// for concurrent use.
type Provider interface {
	// Authenticate resolves a bearer token to a principal.
	Authenticate(ctx context.Context, token string) (*Principal, error)
	// Login exchanges credentials for a session. Providers that do not
	// own an identity store return ErrUnsupported.
	Login(ctx context.Context, creds Credentials) (*Session, error)
	// Logout invalidates a session token. Providers whose tokens cannot
	// be revoked return ErrUnsupported.
	Logout(ctx context.Context, token string) error
}

package auth

import (
	"context"
	"crypto/subtle"
	"maps"

	"github.com/loomctl/loom/internal/config"
)

// Static authenticates against the fixed token table from
// configuration. With no tokens configured the instance is open: every
// request authenticates as the anonymous principal, which is the dev
// posture. Login and Logout are unsupported; tokens are managed in the
// config file.
type Static struct {
	tokens map[string]string
}

var _ Provider = (*Static)(nil)

// NewStatic builds a provider over cfg.StaticTokens.
func NewStatic(cfg config.AuthConfig) *Static {
	return &Static{tokens: maps.Clone(cfg.StaticTokens)}
}

// Open reports whether the provider accepts unauthenticated callers.
func (s *Static) Open() bool {
	return len(s.tokens) == 0
}

// Authenticate matches the token against the configured table in
// constant time per entry.
func (s *Static) Authenticate(_ context.Context, token string) (*Principal, error) {
	if s.Open() {
		return &Principal{Subject: "anonymous", Name: "anonymous"}, nil
	}
	for candidate, name := range s.tokens {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			return &Principal{Subject: name, Name: name}, nil
		}
	}
	return nil, ErrInvalidToken
}

// Login is unsupported; static tokens are issued out of band.
func (s *Static) Login(context.Context, Credentials) (*Session, error) {
	return nil, ErrUnsupported
}

// Logout is unsupported; static tokens live until removed from config.
func (s *Static) Logout(context.Context, string) error {
	return ErrUnsupported
}

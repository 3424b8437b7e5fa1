package httpapi

import (
	"net/http"
	"time"

	"github.com/loomctl/loom/internal/auth"
)

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type sessionResponse struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
	Subject     string    `json:"subject"`
	Name        string    `json:"name,omitempty"`
}

// Login exchanges credentials for a session. Providers without session
// support answer 501.
// POST /api/v1/auth/login
func (s *Server) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := s.decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	session, err := s.auth.Login(r.Context(), auth.Credentials{Username: req.Username, Password: req.Password})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sessionResponse{
		AccessToken: session.AccessToken,
		ExpiresAt:   session.ExpiresAt,
		Subject:     session.Principal.Subject,
		Name:        session.Principal.Name,
	})
}

// Logout invalidates the presented token where the provider supports
// revocation.
// POST /api/v1/auth/logout
func (s *Server) Logout(w http.ResponseWriter, r *http.Request) {
	if err := s.auth.Logout(r.Context(), bearerToken(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AuthUnsupported answers the identity-management routes that belong to
// an external provider: local account registration, token refresh and
// password changes are not part of this surface.
func (s *Server) AuthUnsupported(w http.ResponseWriter, r *http.Request) {
	s.writeError(w, r, auth.ErrUnsupported)
}

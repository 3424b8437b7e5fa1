package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/loomctl/loom/internal/auth"
	"github.com/loomctl/loom/internal/domain"
	"github.com/loomctl/loom/internal/evaluator"
	"github.com/loomctl/loom/internal/registry"
)

// errorResponse is the body of every non-2xx reply.
type errorResponse struct {
	Detail string `json:"detail"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error("failed to encode response", "error", err)
	}
}

// writeError maps an error to a status code and a {detail} body. The
// domain error taxonomy carries the mapping: unknown entities are 404,
// state machine and validation violations are 400, credential failures
// are 401, operations the configured providers cannot perform are 501.
// Anything unrecognised is a 500 and gets logged with its request id.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError

	var verrs validator.ValidationErrors
	switch {
	case domain.IsNotFound(err):
		status = http.StatusNotFound
	case domain.IsBadState(err), domain.IsValidation(err):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNoSuitableWorker),
		errors.Is(err, domain.ErrNotAllocatable),
		errors.Is(err, domain.ErrAtCapacity):
		status = http.StatusBadRequest
	case errors.As(err, &verrs), errors.Is(err, errBadJSON):
		status = http.StatusBadRequest
	case errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, registry.ErrInvalidCredential):
		status = http.StatusUnauthorized
	case errors.Is(err, errForbidden):
		status = http.StatusForbidden
	case errors.Is(err, auth.ErrUnsupported), errors.Is(err, evaluator.ErrDisabled):
		status = http.StatusNotImplemented
	}

	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	s.writeJSON(w, status, errorResponse{Detail: err.Error()})
}

// errBadJSON marks request bodies that did not decode; errForbidden
// marks a valid credential used on somebody else's resource.
var (
	errBadJSON   = errors.New("invalid JSON body")
	errForbidden = errors.New("credential does not grant access to this resource")
)

// decodeJSON unmarshals the request body into dst and runs the
// validator tags over it. Callers pass the result straight to
// writeError on failure.
func (s *Server) decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: %s", errBadJSON, err)
	}
	if err := s.validate.Struct(dst); err != nil {
		return err
	}
	return nil
}

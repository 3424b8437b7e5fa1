package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/loomctl/loom/internal/auth"
	"github.com/loomctl/loom/internal/domain"
)

// workerKeyHeader carries the worker API key on worker-facing routes.
const workerKeyHeader = "X-API-Key"

type ctxKey int

const (
	ctxKeyPrincipal ctxKey = iota
	ctxKeyWorkerID
)

// principalFrom returns the bearer-authenticated user, nil on routes
// reached with a worker key.
func principalFrom(ctx context.Context) *auth.Principal {
	p, _ := ctx.Value(ctxKeyPrincipal).(*auth.Principal)
	return p
}

// workerFrom returns the key-authenticated worker id, empty on routes
// reached with a bearer token.
func workerFrom(ctx context.Context) domain.WorkerID {
	id, _ := ctx.Value(ctxKeyWorkerID).(domain.WorkerID)
	return id
}

// requestLogger emits one line per request, tagged with the chi
// request id so handler logs correlate.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.log.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
				"remote", r.RemoteAddr)
		}()
		next.ServeHTTP(ww, r)
	})
}

// requireUser authenticates the Authorization bearer token against the
// configured auth provider and stores the principal on the context.
func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := s.auth.Authenticate(r.Context(), bearerToken(r))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyPrincipal, principal)))
	})
}

// requireWorker authenticates the X-API-Key header against the
// registry. When bindParam names a URL parameter holding a worker id,
// the key must belong to that worker. Requests without the header fall
// through to bearer auth, so operator tokens drive worker routes too.
func (s *Server) requireWorker(bindParam string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(workerKeyHeader)
			if key == "" {
				s.requireUser(next).ServeHTTP(w, r)
				return
			}
			workerID, err := s.registry.Authenticate(r.Context(), key)
			if err != nil {
				s.writeError(w, r, err)
				return
			}
			if bindParam != "" && chi.URLParam(r, bindParam) != string(workerID) {
				s.writeError(w, r, errForbidden)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyWorkerID, workerID)))
		})
	}
}

// bearerToken extracts the token from an Authorization header, empty
// when the header is missing or not a bearer scheme.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return h[len(prefix):]
	}
	return ""
}

// Package httpapi is the HTTP boundary of the control plane. It exposes
// the REST surface under /api/v1 plus health and metrics at the root,
// and owns nothing beyond translation: requests decode into component
// calls, component errors map onto status codes, domain objects map
// onto response DTOs.
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"github.com/loomctl/loom/internal/allocate"
	"github.com/loomctl/loom/internal/auth"
	"github.com/loomctl/loom/internal/channel"
	"github.com/loomctl/loom/internal/checkpoint"
	"github.com/loomctl/loom/internal/config"
	"github.com/loomctl/loom/internal/coordinator"
	"github.com/loomctl/loom/internal/decompose"
	"github.com/loomctl/loom/internal/evaluator"
	"github.com/loomctl/loom/internal/events"
	"github.com/loomctl/loom/internal/ingest"
	"github.com/loomctl/loom/internal/log"
	"github.com/loomctl/loom/internal/registry"
	"github.com/loomctl/loom/internal/schedule"
	"github.com/loomctl/loom/internal/store"
)

// Deps carries every component the API fronts.
type Deps struct {
	Store       store.Store
	Coordinator coordinator.Coordinator
	Registry    *registry.Registry
	Hub         *channel.Hub
	Decomposer  *decompose.Decomposer
	Allocator   *allocate.Allocator
	Scheduler   *schedule.Scheduler
	Ingest      *ingest.Pipeline
	Checkpoints *checkpoint.Engine
	Evaluator   *evaluator.Service
	Auth        auth.Provider
	Events      *events.Publisher
	// Metrics is mounted at /metrics when non-nil.
	Metrics http.Handler
}

// Server holds the handler dependencies. Build the actual http.Handler
// with Router.
type Server struct {
	store    store.Store
	coord    coordinator.Coordinator
	registry *registry.Registry
	hub      *channel.Hub
	decomp   *decompose.Decomposer
	alloc    *allocate.Allocator
	sched    *schedule.Scheduler
	ingest   *ingest.Pipeline
	engine   *checkpoint.Engine
	eval     *evaluator.Service
	auth     auth.Provider
	events   *events.Publisher
	metrics  http.Handler

	cfg      config.ServerConfig
	validate *validator.Validate
	log      *slog.Logger
}

// NewServer wires the handler set.
func NewServer(deps Deps, cfg config.ServerConfig, logger *slog.Logger) *Server {
	return &Server{
		store:    deps.Store,
		coord:    deps.Coordinator,
		registry: deps.Registry,
		hub:      deps.Hub,
		decomp:   deps.Decomposer,
		alloc:    deps.Allocator,
		sched:    deps.Scheduler,
		ingest:   deps.Ingest,
		engine:   deps.Checkpoints,
		eval:     deps.Evaluator,
		auth:     deps.Auth,
		events:   deps.Events,
		metrics:  deps.Metrics,
		cfg:      cfg,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      log.ForComponent(logger, "httpapi"),
	}
}

// Router assembles the route table. Auth is explicit per route: user
// routes take a bearer token, worker routes take an API key and fall
// back to a bearer token so operators can drive them too.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", workerKeyHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", s.Health)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		user := s.requireUser
		worker := s.requireWorker("")
		boundWorker := s.requireWorker("id")

		r.Post("/auth/login", s.Login)
		r.With(user).Post("/auth/logout", s.Logout)
		r.Post("/auth/register", s.AuthUnsupported)
		r.Post("/auth/refresh", s.AuthUnsupported)
		r.Post("/auth/change-password", s.AuthUnsupported)

		r.Post("/workers/register", s.RegisterWorker)
		r.With(user).Get("/workers", s.ListWorkers)
		r.With(user).Post("/workers/api-keys", s.IssueAPIKey)
		r.With(user).Get("/workers/api-keys", s.ListAPIKeys)
		r.With(user).Delete("/workers/api-keys/{keyID}", s.RevokeAPIKey)
		r.With(user).Get("/workers/{id}", s.GetWorker)
		r.With(boundWorker).Post("/workers/{id}/heartbeat", s.Heartbeat)
		r.With(boundWorker).Post("/workers/{id}/unregister", s.UnregisterWorker)
		r.With(boundWorker).Get("/workers/{id}/ws", s.WorkerChannel)

		r.With(user).Post("/tasks", s.CreateTask)
		r.With(user).Get("/tasks", s.ListTasks)
		r.With(user).Get("/tasks/{id}", s.GetTask)
		r.With(user).Patch("/tasks/{id}", s.UpdateTask)
		r.With(user).Delete("/tasks/{id}", s.DeleteTask)
		r.With(user).Post("/tasks/{id}/cancel", s.CancelTask)
		r.With(user).Post("/tasks/{id}/decompose", s.DecomposeTask)
		r.With(worker).Post("/tasks/{id}/schedule", s.ScheduleTask)
		r.With(user).Post("/tasks/{id}/allocate", s.AllocateTask)
		r.With(user).Post("/tasks/{id}/checkpoint", s.TriggerCheckpoint)

		r.With(user).Get("/subtasks", s.ListSubtasks)
		r.With(user).Post("/subtasks/reallocate-queued", s.ReallocateQueued)
		r.With(user).Get("/subtasks/{id}", s.GetSubtask)
		r.With(worker).Post("/subtasks/{id}/result", s.SubmitResult)
		r.With(user).Post("/subtasks/{id}/allocate", s.AllocateSubtask)
		r.With(worker).Post("/subtasks/{id}/complete", s.CompleteSubtask)
		r.With(user).Post("/subtasks/{id}/evaluate", s.EvaluateSubtask)

		r.With(worker).Post("/scheduler/run", s.RunScheduler)
		r.With(user).Post("/evaluate", s.EvaluateAdhoc)

		r.With(user).Get("/checkpoints", s.ListCheckpoints)
		r.With(user).Get("/checkpoints/{id}", s.GetCheckpoint)
		r.With(user).Post("/checkpoints/{id}/decision", s.ProcessDecision)
		r.With(user).Post("/checkpoints/{id}/rollback", s.RollbackCheckpoint)
	})

	return r
}

// Health reports liveness of the two backing stores.
// GET /healthz
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	type health struct {
		Status      string `json:"status"`
		Store       string `json:"store"`
		Coordinator string `json:"coordinator"`
	}
	h := health{Status: "ok", Store: "ok", Coordinator: "ok"}
	status := http.StatusOK
	if err := s.store.Ping(r.Context()); err != nil {
		h.Status, h.Store = "degraded", err.Error()
		status = http.StatusServiceUnavailable
	}
	if err := s.coord.Ping(r.Context()); err != nil {
		h.Status, h.Coordinator = "degraded", err.Error()
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, h)
}

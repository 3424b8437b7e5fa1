// Package controlplane assembles one control plane process: it builds
// every component from config, rebuilds the coordinator mirrors, then
// serves the API and drives the background loops until a signal or a
// fatal server error stops it.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loomctl/loom/internal/allocate"
	"github.com/loomctl/loom/internal/auth"
	"github.com/loomctl/loom/internal/channel"
	"github.com/loomctl/loom/internal/checkpoint"
	"github.com/loomctl/loom/internal/config"
	"github.com/loomctl/loom/internal/coordinator"
	"github.com/loomctl/loom/internal/decompose"
	"github.com/loomctl/loom/internal/evaluator"
	"github.com/loomctl/loom/internal/events"
	"github.com/loomctl/loom/internal/httpapi"
	"github.com/loomctl/loom/internal/ingest"
	"github.com/loomctl/loom/internal/log"
	"github.com/loomctl/loom/internal/metrics"
	"github.com/loomctl/loom/internal/registry"
	"github.com/loomctl/loom/internal/review"
	"github.com/loomctl/loom/internal/schedule"
	"github.com/loomctl/loom/internal/store"
	"github.com/loomctl/loom/internal/tracing"
)

const (
	// gaugePollInterval is the cadence of the metrics mirror sample.
	gaugePollInterval = 15 * time.Second
	// closeTimeout bounds the final flush of traces on Close.
	closeTimeout = 5 * time.Second
)

// Runtime owns the full component graph of one process plus the loops
// that drive it.
type Runtime struct {
	cfg config.Config
	log *slog.Logger

	tracer *tracing.Provider
	store  store.Store
	coord  coordinator.Coordinator

	registry   *registry.Registry
	library    *decompose.Library
	sched      *schedule.Scheduler
	engine     *checkpoint.Engine
	hub        *channel.Hub
	reconciler *Reconciler
	// metrics is nil when the endpoint is disabled.
	metrics *metrics.Metrics
	server  *httpapi.Server
}

// New builds every component from config. The tracing provider comes
// first so the otel global is installed before any instrumented
// component records a span.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Runtime, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	tracer, err := tracing.NewProvider(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		Exporter:     cfg.Tracing.Exporter,
		FilePath:     cfg.Tracing.FilePath,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SampleRate:   cfg.Tracing.SampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	st, err := store.Open(ctx, cfg.Store.Path)
	if err != nil {
		_ = tracer.Shutdown(ctx)
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	var coord coordinator.Coordinator
	switch cfg.Coordinator.Backend {
	case "redis":
		coord = coordinator.NewRedis(coordinator.RedisOptions{
			Addr:     cfg.Coordinator.Redis.Addr,
			Password: cfg.Coordinator.Redis.Password,
			DB:       cfg.Coordinator.Redis.DB,
		})
	case "memory":
		coord = coordinator.NewMemory()
	default:
		_ = st.Close()
		_ = tracer.Shutdown(ctx)
		return nil, fmt.Errorf("unknown coordinator backend %q", cfg.Coordinator.Backend)
	}

	pub := events.NewPublisher(coord, logger)
	reg := registry.New(st, coord, pub, cfg.Worker, logger)

	lib, err := decompose.NewLibrary(cfg.Templates.Dir, logger)
	if err != nil {
		_ = coord.Close()
		_ = st.Close()
		_ = tracer.Shutdown(ctx)
		return nil, fmt.Errorf("failed to load decomposition templates: %w", err)
	}
	decomp := decompose.New(st, coord, pub, lib, logger)

	alloc := allocate.New(st, coord, pub, cfg, logger)
	sched := schedule.New(st, coord, alloc, pub, cfg, logger)
	engine := checkpoint.New(st, coord, sched, pub, cfg, logger)
	rev := review.New(st, coord, engine, cfg, logger)
	pipe := ingest.New(st, coord, alloc, sched, engine, rev, pub, logger)

	var eval evaluator.Evaluator = evaluator.Disabled{}
	if cfg.Evaluation.URL != "" {
		eval = evaluator.NewClient(cfg.Evaluation, logger)
	}
	evalSvc := evaluator.NewService(st, eval, engine, logger)

	hub := channel.NewHub(reg, coord, logger)

	var m *metrics.Metrics
	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		m = metrics.New(hub.Connected)
		metricsHandler = m.Handler()
	}

	server := httpapi.NewServer(httpapi.Deps{
		Store:       st,
		Coordinator: coord,
		Registry:    reg,
		Hub:         hub,
		Decomposer:  decomp,
		Allocator:   alloc,
		Scheduler:   sched,
		Ingest:      pipe,
		Checkpoints: engine,
		Evaluator:   evalSvc,
		Auth:        auth.NewStatic(cfg.Auth),
		Events:      pub,
		Metrics:     metricsHandler,
	}, cfg.Server, logger)

	return &Runtime{
		cfg:        cfg,
		log:        log.ForComponent(logger, "controlplane"),
		tracer:     tracer,
		store:      st,
		coord:      coord,
		registry:   reg,
		library:    lib,
		sched:      sched,
		engine:     engine,
		hub:        hub,
		reconciler: NewReconciler(st, coord, cfg.Worker, logger),
		metrics:    m,
		server:     server,
	}, nil
}

// Run blocks until ctx ends, SIGINT/SIGTERM arrives or the HTTP server
// fails. The mirrors are rebuilt before anything else starts; a failed
// startup rebuild is fatal so a dead coordinator surfaces immediately
// instead of as a stream of loop errors.
func (rt *Runtime) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.reconciler.Reconcile(ctx); err != nil {
		return fmt.Errorf("startup reconcile failed: %w", err)
	}
	if err := rt.library.Watch(ctx); err != nil {
		rt.log.Warn("template hot-reload unavailable", "error", err)
	}

	srv := &http.Server{
		Addr:    rt.cfg.Server.ListenAddr,
		Handler: rt.handler(),
		// Header timeout only: request timeouts would kill the worker
		// websockets.
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rt.log.Info("control plane listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		rt.log.Info("shutting down", "timeout", rt.cfg.Server.ShutdownTimeout)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), rt.cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error { return rt.every(ctx, rt.cfg.Scheduler.Interval, "scheduler", rt.runCycle) })
	g.Go(func() error { return rt.every(ctx, rt.cfg.Worker.HeartbeatInterval, "reaper", rt.reapOffline) })
	g.Go(func() error { return rt.every(ctx, rt.cfg.Checkpoint.EscalatorInterval, "escalator", rt.sweepTimeouts) })
	g.Go(func() error { return rt.every(ctx, rt.cfg.Scheduler.ReconcileInterval, "reconciler", rt.reconciler.Reconcile) })
	if rt.metrics != nil {
		g.Go(func() error { return rt.metrics.Watch(ctx, rt.coord) })
		g.Go(func() error {
			return rt.every(ctx, gaugePollInterval, "metrics", func(ctx context.Context) error {
				return rt.metrics.Poll(ctx, rt.coord)
			})
		})
	}

	err := g.Wait()
	// Hijacked websockets survive Shutdown; close them explicitly.
	rt.hub.Shutdown()
	return err
}

// Close releases what New opened. Call it after Run returns.
func (rt *Runtime) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	var errs []error
	if err := rt.tracer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tracing shutdown failed: %w", err))
	}
	if err := rt.coord.Close(); err != nil {
		errs = append(errs, fmt.Errorf("coordinator close failed: %w", err))
	}
	if err := rt.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close failed: %w", err))
	}
	return errors.Join(errs...)
}

// handler wraps the router with the tracing middleware when spans are
// recorded.
func (rt *Runtime) handler() http.Handler {
	h := rt.server.Router()
	if rt.tracer.Enabled() {
		h = tracing.Middleware(rt.tracer.Tracer())(h)
	}
	return h
}

// every drives fn on a fixed cadence until ctx ends. A failed pass is
// logged and the loop keeps going; a non-positive interval disables the
// loop entirely.
func (rt *Runtime) every(ctx context.Context, interval time.Duration, name string, fn func(context.Context) error) error {
	if interval <= 0 {
		rt.log.Warn("background loop disabled", "loop", name)
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				rt.log.Warn("background pass failed", "loop", name, "error", err)
			}
		}
	}
}

func (rt *Runtime) runCycle(ctx context.Context) error {
	_, err := rt.sched.Cycle(ctx)
	return err
}

func (rt *Runtime) reapOffline(ctx context.Context) error {
	_, err := rt.registry.ReapOffline(ctx)
	return err
}

func (rt *Runtime) sweepTimeouts(ctx context.Context) error {
	fired, err := rt.engine.Sweep(ctx)
	if fired > 0 {
		rt.log.Info("timeout checkpoints fired", "count", fired)
	}
	return err
}

// Package tracing owns the OpenTelemetry provider behind the control
// plane's spans. Exporters: a local JSONL file for development, stdout,
// an OTLP collector, or none (spans still exist for correlation, they
// just go nowhere).
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// defaultService names the control plane in exported traces.
const defaultService = "loom-controlplane"

// Span names for the instrumented hot paths.
const (
	SpanSchedulerCycle = "scheduler.cycle"
	SpanAllocate       = "allocate.subtasks"
	SpanIngestResult   = "ingest.result"
)

// Attribute keys shared by the instrumented components.
const (
	AttrTaskID       = "task.id"
	AttrSubtaskID    = "subtask.id"
	AttrWorkerID     = "worker.id"
	AttrResultStatus = "result.status"
	AttrAssigned     = "subtasks.assigned"
	AttrExamined     = "tasks.examined"
	AttrHTTPMethod   = "http.method"
	AttrHTTPTarget   = "http.target"
	AttrHTTPStatus   = "http.status_code"
)

// Config selects and tunes the span exporter.
type Config struct {
	// Enabled gates the whole subsystem; off means a no-op tracer.
	Enabled bool
	// Exporter is one of none, file, stdout, otlp.
	Exporter string
	// FilePath receives JSONL span records for the file exporter.
	FilePath string
	// OTLPEndpoint is the gRPC collector address for the otlp exporter.
	OTLPEndpoint string
	// SampleRate is the fraction of traces kept, parent decisions win.
	SampleRate float64
	// ServiceName overrides the service.name resource attribute.
	ServiceName string
}

// Provider wraps the SDK tracer provider with the lifecycle the runtime
// needs: hand out the tracer, flush on shutdown.
type Provider struct {
	sdk     *sdktrace.TracerProvider
	tracer  trace.Tracer
	enabled bool
}

// NewProvider builds the provider and installs it as the process
// global so components using otel.Tracer pick it up. Disabled configs
// cost nothing: the returned provider carries a no-op tracer and the
// global stays untouched.
func NewProvider(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{tracer: noop.NewTracerProvider().Tracer("noop")}, nil
	}

	exporter, err := newExporter(cfg)
	if err != nil {
		return nil, err
	}

	service := cfg.ServiceName
	if service == "" {
		service = defaultService
	}
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = 1.0
	}

	// Schemaless resource avoids schema version conflicts with
	// resource.Default().
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", service),
		)),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))),
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	sdk := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(sdk)

	return &Provider{
		sdk:     sdk,
		tracer:  sdk.Tracer(service),
		enabled: true,
	}, nil
}

func newExporter(cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "none", "":
		return nil, nil
	case "file":
		if cfg.FilePath == "" {
			return nil, fmt.Errorf("file_path required for the file exporter")
		}
		exp, err := NewFileExporter(cfg.FilePath)
		if err != nil {
			return nil, fmt.Errorf("failed to create file exporter: %w", err)
		}
		return exp, nil
	case "stdout":
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		return exp, nil
	case "otlp":
		endpoint := cfg.OTLPEndpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		exp, err := otlptracegrpc.New(context.Background(),
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
		}
		return exp, nil
	default:
		return nil, fmt.Errorf("unsupported exporter type: %s", cfg.Exporter)
	}
}

// Tracer returns the tracer for manual spans. Safe to use whether or
// not tracing is enabled.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Enabled reports whether spans are actually recorded.
func (p *Provider) Enabled() bool {
	return p.enabled
}

// Shutdown flushes pending spans. Call it on process exit.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.sdk == nil {
		return nil
	}
	return p.sdk.Shutdown(ctx)
}

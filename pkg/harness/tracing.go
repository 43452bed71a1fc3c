package harness

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Span closes a single unit of traced work, recording err (if any) as the
// span's status before ending it.
type Span interface {
	End(err error)
}

// Tracer opens the three span kinds the Agent Loop produces: one per
// session, one per model turn, and one per tool dispatch.
type Tracer interface {
	StartSession(ctx context.Context, sessionID string) (context.Context, Span)
	StartTurn(ctx context.Context, turn int) (context.Context, Span)
	StartTool(ctx context.Context, name string) (context.Context, Span)
	Shutdown(ctx context.Context) error
}

// noopTracer is the default when no OTELConfig is supplied; every method
// is a cheap no-op so tracing can be always-called without a nil check at
// each call site.
type noopTracer struct{}

// NewNoopTracer returns a Tracer that discards every span.
func NewNoopTracer() Tracer { return noopTracer{} }

func (noopTracer) StartSession(ctx context.Context, _ string) (context.Context, Span) {
	return ctx, noopSpan{}
}
func (noopTracer) StartTurn(ctx context.Context, _ int) (context.Context, Span) {
	return ctx, noopSpan{}
}
func (noopTracer) StartTool(ctx context.Context, _ string) (context.Context, Span) {
	return ctx, noopSpan{}
}
func (noopTracer) Shutdown(context.Context) error { return nil }

type noopSpan struct{}

func (noopSpan) End(error) {}

// OTELConfig configures the OpenTelemetry-backed Tracer.
type OTELConfig struct {
	Enabled     bool
	ServiceName string
	Endpoint    string
	Insecure    bool
	SampleRate  float64
	Headers     map[string]string
}

type otelTracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewOTELTracer builds an OTLP/HTTP exporting Tracer, or a no-op Tracer if
// cfg.Enabled is false. Grounded on the same exporter/resource/sampler
// construction as pkg/api's own otel.go, scoped down to the three span
// kinds the Agent Loop (rather than the middleware Chain) actually emits.
func NewOTELTracer(ctx context.Context, cfg OTELConfig) (Tracer, error) {
	if !cfg.Enabled {
		return NewNoopTracer(), nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "agentharness"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 1.0
	}

	opts := []otlptracehttp.Option{}
	if cfg.Endpoint != "" {
		opts = append(opts, otlptracehttp.WithEndpoint(cfg.Endpoint))
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	for k, v := range cfg.Headers {
		opts = append(opts, otlptracehttp.WithHeaders(map[string]string{k: v}))
	}

	exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(opts...))
	if err != nil {
		return nil, fmt.Errorf("otel: create exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceNameKey.String(cfg.ServiceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("otel: create resource: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case cfg.SampleRate <= 0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(provider)

	return &otelTracer{provider: provider, tracer: provider.Tracer(cfg.ServiceName)}, nil
}

func (t *otelTracer) StartSession(ctx context.Context, sessionID string) (context.Context, Span) {
	ctx, sp := t.tracer.Start(ctx, "agent.session", trace.WithAttributes(attribute.String("session.id", sessionID)))
	return ctx, otelSpan{sp}
}

func (t *otelTracer) StartTurn(ctx context.Context, turn int) (context.Context, Span) {
	ctx, sp := t.tracer.Start(ctx, "agent.turn", trace.WithAttributes(attribute.Int("turn.index", turn)))
	return ctx, otelSpan{sp}
}

func (t *otelTracer) StartTool(ctx context.Context, name string) (context.Context, Span) {
	ctx, sp := t.tracer.Start(ctx, "agent.tool", trace.WithAttributes(attribute.String("tool.name", name)))
	return ctx, otelSpan{sp}
}

func (t *otelTracer) Shutdown(ctx context.Context) error {
	return t.provider.Shutdown(ctx)
}

type otelSpan struct{ span trace.Span }

func (s otelSpan) End(err error) {
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	}
	s.span.End()
}

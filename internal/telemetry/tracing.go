// Package telemetry wires OpenTelemetry tracing. When no collector endpoint
// is configured every span is a no-op.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/shinji-kodama/berth/internal/config"
	"github.com/shinji-kodama/berth/internal/model"
)

// instrumentationName names the tracer used by berth packages.
const instrumentationName = "github.com/shinji-kodama/berth"

// Provider owns the tracer provider for the process.
type Provider struct {
	sdk    *sdktrace.TracerProvider // nil when disabled
	tracer trace.Tracer
}

// New creates a Provider from configuration. With an empty endpoint it
// returns a no-op provider and touches no global state.
func New(ctx context.Context, cfg config.TelemetryConfig, version string) (*Provider, error) {
	if cfg.Endpoint == "" {
		return Disabled(), nil
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", serviceName(cfg)),
		attribute.String("service.version", version),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	p := newProvider(sdktrace.WithBatcher(exporter), sdktrace.WithResource(res))

	otel.SetTracerProvider(p.sdk)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return p, nil
}

// NewWithProcessor returns a recording Provider that sends spans to sp.
// It does not install itself globally.
func NewWithProcessor(sp sdktrace.SpanProcessor) *Provider {
	return newProvider(sdktrace.WithSpanProcessor(sp))
}

// Disabled returns a Provider whose spans record nothing.
func Disabled() *Provider {
	return &Provider{tracer: noop.NewTracerProvider().Tracer(instrumentationName)}
}

func newProvider(opts ...sdktrace.TracerProviderOption) *Provider {
	tp := sdktrace.NewTracerProvider(opts...)
	return &Provider{sdk: tp, tracer: tp.Tracer(instrumentationName)}
}

func serviceName(cfg config.TelemetryConfig) string {
	if cfg.ServiceName == "" {
		return "berth"
	}
	return cfg.ServiceName
}

// Enabled reports whether spans are exported.
func (p *Provider) Enabled() bool {
	return p != nil && p.sdk != nil
}

// Tracer returns the berth tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil {
		return Disabled().tracer
	}
	return p.tracer
}

// Shutdown flushes pending spans, waiting at most 10 seconds.
func (p *Provider) Shutdown(ctx context.Context) error {
	if !p.Enabled() {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return p.sdk.Shutdown(shutdownCtx)
}

// Attribute keys shared by berth spans.
const (
	AttrConversation = attribute.Key("berth.conversation_key")
	AttrPort         = attribute.Key("berth.port")
	AttrService      = attribute.Key("berth.service_name")
	AttrEnvironment  = attribute.Key("berth.environment")
	AttrRepoPath     = attribute.Key("berth.repo_path")
	AttrWorktreePath = attribute.Key("berth.worktree_path")
	AttrBranch       = attribute.Key("berth.branch")
	AttrErrorKind    = attribute.Key("berth.error_kind")
	AttrCount        = attribute.Key("berth.count")
)

// End finishes span, recording err. Expected outcomes (conflicts,
// exhaustion and the like) only tag the span with their kind; anything else
// is recorded as an error.
func End(span trace.Span, err error) {
	if err != nil {
		kind := model.KindOf(err)
		span.SetAttributes(AttrErrorKind.String(kind.String()))
		if !model.IsExpected(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}
	span.End()
}

// AddEvent adds an event to the span in ctx if it is recording.
func AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.AddEvent(name, trace.WithAttributes(attrs...))
	}
}

// TraceID returns the trace ID of the span in ctx.
func TraceID(ctx context.Context) string {
	return trace.SpanFromContext(ctx).SpanContext().TraceID().String()
}

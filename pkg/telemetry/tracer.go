package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc/credentials/insecure"
)

// Tracer wraps the OpenTelemetry tracer with build span helpers.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	config   TracingConfig
}

// NewTracer creates a tracer for the configured exporter. With exporter
// "none" spans are not recorded at all.
func NewTracer(cfg TracingConfig, serviceName, serviceVersion, project string) (*Tracer, error) {
	if !cfg.Enabled() {
		return &Tracer{
			tracer: noop.NewTracerProvider().Tracer(serviceName),
			config: cfg,
		}, nil
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(serviceVersion),
			AttrProject.String(project),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "otlp":
		exporter, err = createOTLPExporter(cfg)
	case "stdout":
		exporter, err = createStdoutExporter(os.Stderr)
	default:
		return nil, fmt.Errorf("unsupported trace exporter: %s", cfg.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	return newTracerWithExporter(cfg, serviceName, res, exporter), nil
}

func newTracerWithExporter(cfg TracingConfig, serviceName string, res *resource.Resource, exporter sdktrace.SpanExporter) *Tracer {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
		sdktrace.WithBatcher(exporter, sdktrace.WithExportTimeout(cfg.ExportTimeout)),
	}
	if res != nil {
		opts = append(opts, sdktrace.WithResource(res))
	}

	provider := sdktrace.NewTracerProvider(opts...)
	return &Tracer{
		provider: provider,
		tracer:   provider.Tracer(serviceName),
		config:   cfg,
	}
}

// createOTLPExporter creates an OTLP gRPC exporter.
func createOTLPExporter(cfg TracingConfig) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
	}
	return otlptracegrpc.New(context.Background(), opts...)
}

// createStdoutExporter creates a stdout exporter for debugging.
func createStdoutExporter(w io.Writer) (sdktrace.SpanExporter, error) {
	return stdouttrace.New(
		stdouttrace.WithWriter(w),
		stdouttrace.WithPrettyPrint(),
	)
}

// StartSpan starts a span with attributes. A nil tracer yields no-op spans.
func (t *Tracer) StartSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if t == nil {
		return noop.NewTracerProvider().Tracer("").Start(ctx, operation)
	}
	return t.tracer.Start(ctx, operation, trace.WithAttributes(attrs...))
}

// StartBuildSpan starts the span of one service build.
func (t *Tracer) StartBuildSpan(ctx context.Context, service string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "build.service", AttrService.String(service))
}

// StartRoleSpan starts the span of one role layer.
func (t *Tracer) StartRoleSpan(ctx context.Context, service, role string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "build.role",
		AttrService.String(service),
		AttrRole.String(role),
	)
}

// StartCommitSpan starts the span of one layer commit.
func (t *Tracer) StartCommitSpan(ctx context.Context, service, role, fingerprint string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "driver.commit",
		AttrService.String(service),
		AttrRole.String(role),
		AttrFingerprint.String(fingerprint),
	)
}

// StartPlanSpan starts the span of a plan application.
func (t *Tracer) StartPlanSpan(ctx context.Context, planID, lifecycle string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "plan.apply",
		AttrPlanID.String(planID),
		AttrLifecycle.String(lifecycle),
	)
}

// RecordError records an error on the span.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// RecordSuccess marks the span as successful.
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// EndSpan records the outcome and ends the span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		RecordError(span, err)
	} else {
		RecordSuccess(span)
	}
	span.End()
}

// Shutdown flushes pending spans and stops the exporter.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// ForceFlush exports all pending spans immediately.
func (t *Tracer) ForceFlush(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.ForceFlush(ctx)
}

// TraceID returns the trace ID of the current span in the context.
func TraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return ""
	}
	return span.SpanContext().TraceID().String()
}

// Span attribute keys.
var (
	AttrProject     = attribute.Key("rolecraft.project")
	AttrService     = attribute.Key("rolecraft.service")
	AttrRole        = attribute.Key("rolecraft.role")
	AttrFingerprint = attribute.Key("rolecraft.fingerprint")
	AttrCached      = attribute.Key("rolecraft.cached")
	AttrPlanID      = attribute.Key("rolecraft.plan.id")
	AttrLifecycle   = attribute.Key("rolecraft.lifecycle")
	AttrCommand     = attribute.Key("rolecraft.command")
)

package monitoring

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/taskrunner/taskd/pkg/config"
	"github.com/taskrunner/taskd/pkg/taskqueue"
)

// TracingManager owns the OpenTelemetry tracer provider and its exporter.
type TracingManager struct {
	config   config.TracingConfig
	logger   zerolog.Logger
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracingManager initializes tracing per the configuration and installs
// the provider globally. With tracing disabled or the "none" exporter it
// returns a manager whose tracer produces no-op spans.
func NewTracingManager(cfg config.TracingConfig, logger zerolog.Logger) (*TracingManager, error) {
	tm := &TracingManager{
		config: cfg,
		logger: logger.With().Str("component", "tracing").Logger(),
	}

	if !cfg.Enabled || cfg.Exporter == "none" {
		tm.tracer = noop.NewTracerProvider().Tracer("taskd")
		return tm, nil
	}

	exporter, err := tm.createExporter()
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
	)

	tm.provider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SamplingRatio)),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(tm.provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	tm.tracer = tm.provider.Tracer("taskd")

	tm.logger.Info().
		Str("exporter", cfg.Exporter).
		Float64("sampling_ratio", cfg.SamplingRatio).
		Msg("Tracing initialized")
	return tm, nil
}

func (tm *TracingManager) createExporter() (sdktrace.SpanExporter, error) {
	switch tm.config.Exporter {
	case "jaeger":
		return jaeger.New(jaeger.WithCollectorEndpoint(
			jaeger.WithEndpoint(tm.config.Endpoint),
		))
	case "otlp":
		opts := []otlptracehttp.Option{otlptracehttp.WithInsecure()}
		if tm.config.Endpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(tm.config.Endpoint))
		}
		return otlptrace.New(context.Background(), otlptracehttp.NewClient(opts...))
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return nil, fmt.Errorf("unknown exporter: %s", tm.config.Exporter)
	}
}

// Tracer returns the tracer for manual instrumentation.
func (tm *TracingManager) Tracer() trace.Tracer {
	return tm.tracer
}

// Shutdown flushes pending spans and stops the provider.
func (tm *TracingManager) Shutdown(ctx context.Context) error {
	if tm.provider == nil {
		return nil
	}
	if err := tm.provider.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down tracer provider: %w", err)
	}
	return nil
}

// TraceListener opens a span when a task starts running and ends it when
// the task reaches a terminal state, carrying type, priority, outcome and
// duration attributes.
type TraceListener struct {
	tracer trace.Tracer

	mu    sync.Mutex
	spans map[string]trace.Span
}

// NewTraceListener creates a listener emitting one span per executed task.
func NewTraceListener(tracer trace.Tracer) *TraceListener {
	return &TraceListener{
		tracer: tracer,
		spans:  make(map[string]trace.Span),
	}
}

func (tl *TraceListener) OnTaskSubmitted(info *taskqueue.TaskInfo) {}

func (tl *TraceListener) OnTaskStarted(info *taskqueue.TaskInfo) {
	_, span := tl.tracer.Start(context.Background(), "task.execute",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("task.id", info.ID),
			attribute.String("task.type", info.Type),
			attribute.String("task.name", info.Name),
			attribute.String("task.priority", info.Priority.String()),
		),
	)

	tl.mu.Lock()
	tl.spans[info.ID] = span
	tl.mu.Unlock()
}

func (tl *TraceListener) OnTaskProgress(info *taskqueue.TaskInfo, progress float64) {}

func (tl *TraceListener) OnTaskCompleted(info *taskqueue.TaskInfo, result *taskqueue.TaskResult) {
	tl.end(info, func(span trace.Span) {
		span.SetAttributes(attribute.Float64("task.duration_seconds", result.Duration().Seconds()))
		span.SetStatus(codes.Ok, "")
	})
}

func (tl *TraceListener) OnTaskFailed(info *taskqueue.TaskInfo, errMsg string) {
	tl.end(info, func(span trace.Span) {
		span.SetStatus(codes.Error, errMsg)
	})
}

func (tl *TraceListener) OnTaskCancelled(info *taskqueue.TaskInfo) {
	tl.end(info, func(span trace.Span) {
		span.SetAttributes(attribute.Bool("task.cancelled", true))
		span.SetStatus(codes.Error, "cancelled")
	})
}

func (tl *TraceListener) end(info *taskqueue.TaskInfo, finish func(trace.Span)) {
	tl.mu.Lock()
	span, ok := tl.spans[info.ID]
	delete(tl.spans, info.ID)
	tl.mu.Unlock()

	// Tasks cancelled while still pending never opened a span
	if !ok {
		return
	}
	finish(span)
	span.End()
}

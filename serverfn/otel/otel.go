// Package serverfnotel provides OpenTelemetry instrumentation for serverfn
// servers. It implements the [serverfn.DispatchHook] interface to add
// distributed tracing and metrics to function dispatch.
//
// Usage:
//
//	hook := serverfnotel.NewHook(serverfnotel.DefaultConfig())
//	server := serverfn.NewServer(serverfn.WithDispatchHook(hook))
package serverfnotel

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/tom-lubenow/serverfn/serverfn"
)

const instrumentationName = "serverfn"

// Config configures OpenTelemetry instrumentation for a serverfn server.
type Config struct {
	// TracerProvider supplies the tracer. Defaults to otel.GetTracerProvider().
	TracerProvider trace.TracerProvider
	// MeterProvider supplies the meter. Defaults to otel.GetMeterProvider().
	MeterProvider metric.MeterProvider
	// Propagator extracts trace context from request metadata.
	// Defaults to otel.GetTextMapPropagator().
	Propagator propagation.TextMapPropagator
	// EnableTracing enables span creation. Default true.
	EnableTracing bool
	// EnableMetrics enables counter and histogram recording. Default true.
	EnableMetrics bool
	// RecordExceptions calls RecordError on the span for failed calls.
	// Default true.
	RecordExceptions bool
	// ServiceName is the rpc.service attribute value. Defaults to
	// "serverfn".
	ServiceName string
	// CustomAttributes are added to every span.
	CustomAttributes []attribute.KeyValue
}

// DefaultConfig returns a Config with sensible defaults. TracerProvider,
// MeterProvider, and Propagator are resolved from the global OTel SDK
// when the hook is built.
func DefaultConfig() Config {
	return Config{
		EnableTracing:    true,
		EnableMetrics:    true,
		RecordExceptions: true,
	}
}

// NewHook builds a dispatch hook recording a server span and request
// metrics for every invocation. Install it with
// [serverfn.WithDispatchHook].
func NewHook(cfg Config) serverfn.DispatchHook {
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	if cfg.MeterProvider == nil {
		cfg.MeterProvider = otel.GetMeterProvider()
	}
	if cfg.Propagator == nil {
		cfg.Propagator = otel.GetTextMapPropagator()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "serverfn"
	}

	hook := &otelHook{
		cfg:    cfg,
		tracer: cfg.TracerProvider.Tracer(instrumentationName),
	}

	if cfg.EnableMetrics {
		meter := cfg.MeterProvider.Meter(instrumentationName)
		hook.requestCounter, _ = meter.Int64Counter("rpc.server.requests",
			metric.WithUnit("{request}"),
			metric.WithDescription("Number of function invocations"),
		)
		hook.durationHistogram, _ = meter.Float64Histogram("rpc.server.duration",
			metric.WithUnit("s"),
			metric.WithDescription("Duration of function invocations"),
		)
	}
	return hook
}

type otelHook struct {
	cfg               Config
	tracer            trace.Tracer
	requestCounter    metric.Int64Counter
	durationHistogram metric.Float64Histogram
}

// spanToken is the HookToken threaded from start to end.
type spanToken struct {
	span      trace.Span
	info      *serverfn.InvokeInfo
	startTime time.Time
}

// OnInvokeStart extracts parent trace context and starts a server span.
func (h *otelHook) OnInvokeStart(ctx context.Context, info *serverfn.InvokeInfo) (context.Context, serverfn.HookToken) {
	// Extract parent trace context (traceparent/tracestate) from the
	// request metadata.
	if h.cfg.Propagator != nil && info.Metadata != nil {
		ctx = h.cfg.Propagator.Extract(ctx, propagation.MapCarrier(info.Metadata))
	}

	token := &spanToken{info: info, startTime: time.Now()}
	if !h.cfg.EnableTracing {
		return ctx, token
	}

	attrs := []attribute.KeyValue{
		attribute.String("rpc.system", "serverfn"),
		attribute.String("rpc.service", h.cfg.ServiceName),
		attribute.String("rpc.method", info.Name),
		attribute.String("rpc.serverfn.transport", info.Transport.String()),
		attribute.String("url.path", info.Path),
	}
	attrs = append(attrs, h.cfg.CustomAttributes...)
	if v := info.Metadata["user-agent"]; v != "" {
		attrs = append(attrs, attribute.String("user_agent.original", v))
	}

	ctx, span := h.tracer.Start(ctx, fmt.Sprintf("serverfn/%s", info.Name),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...),
	)
	token.span = span
	return ctx, token
}

// OnInvokeEnd records span attributes and metrics, then ends the span.
func (h *otelHook) OnInvokeEnd(ctx context.Context, token serverfn.HookToken, stats *serverfn.CallStats, err error) {
	st, ok := token.(*spanToken)
	if !ok {
		return
	}
	duration := time.Since(st.startTime)

	status := "ok"
	if err != nil {
		status = "error"
	}

	if h.cfg.EnableMetrics {
		metricAttrs := metric.WithAttributes(
			attribute.String("rpc.system", "serverfn"),
			attribute.String("rpc.service", h.cfg.ServiceName),
			attribute.String("rpc.method", st.info.Name),
			attribute.String("rpc.serverfn.transport", st.info.Transport.String()),
			attribute.String("status", status),
		)
		if h.requestCounter != nil {
			h.requestCounter.Add(ctx, 1, metricAttrs)
		}
		if h.durationHistogram != nil {
			h.durationHistogram.Record(ctx, duration.Seconds(), metricAttrs)
		}
	}

	if st.span != nil && st.span.IsRecording() {
		if stats != nil {
			st.span.SetAttributes(
				attribute.Int64("rpc.serverfn.items_in", stats.ItemsIn()),
				attribute.Int64("rpc.serverfn.items_out", stats.ItemsOut()),
				attribute.Int64("rpc.serverfn.input_bytes", stats.InputBytes()),
				attribute.Int64("rpc.serverfn.output_bytes", stats.OutputBytes()),
			)
		}

		if err != nil {
			st.span.SetStatus(codes.Error, err.Error())
			if h.cfg.RecordExceptions {
				st.span.RecordError(err)
			}
			errType := fmt.Sprintf("%T", err)
			if fnErr, ok := err.(*serverfn.Error); ok {
				errType = string(fnErr.Kind)
			}
			st.span.SetAttributes(attribute.String("rpc.serverfn.error_type", errType))
		} else {
			st.span.SetStatus(codes.Ok, "")
		}
		st.span.End()
	}
}

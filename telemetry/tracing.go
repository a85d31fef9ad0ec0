package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Tracer names, one per component emitting spans.
const (
	TracerHTTP    = "kickchat/http"
	TracerStorage = "kickchat/storage"
)

// InitTracing installs an OTLP/gRPC tracer provider when
// OTEL_EXPORTER_OTLP_ENDPOINT is set; otherwise spans are no-ops.
// OTEL_TRACES_SAMPLER_ARG sets the parent-based sampling ratio (default 1).
// The returned func flushes and stops the exporter.
func InitTracing(serviceName, serviceVersion string) (func(), error) {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		slog.Info("tracing disabled", slog.String("component", "telemetry"))
		return func() {}, nil
	}
	ratio, err := samplerRatio(os.Getenv("OTEL_TRACES_SAMPLER_ARG"))
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithEndpoint(endpoint),
	)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("create trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)
	otel.SetTracerProvider(tp)
	slog.Info("tracing enabled", slog.String("component", "telemetry"),
		slog.String("endpoint", endpoint), slog.Float64("ratio", ratio))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			slog.Error("tracer provider shutdown failed", slog.Any("err", err))
		}
	}, nil
}

func samplerRatio(v string) (float64, error) {
	if v == "" {
		return 1, nil
	}
	r, err := strconv.ParseFloat(v, 64)
	if err != nil || r < 0 || r > 1 {
		return 0, fmt.Errorf("OTEL_TRACES_SAMPLER_ARG must be a ratio in [0,1], got %q", v)
	}
	return r, nil
}

// StartSpan starts a span on the named tracer, tagged with the request's
// correlation id when ctx carries one.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if corr := GetCorrelation(ctx); corr != "" {
		attrs = append(attrs, attribute.String("correlation_id", corr))
	}
	return otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))
}

// EndSpan sets the span status from err and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// HTTPAttrs tags a server span with the request method and route pattern.
func HTTPAttrs(method, route string) []attribute.KeyValue {
	return []attribute.KeyValue{semconv.HTTPMethodKey.String(method), semconv.HTTPRouteKey.String(route)}
}

// EndHTTPSpan records the response status and ends the span. 4xx and 5xx
// responses mark the span as failed.
func EndHTTPSpan(span trace.Span, status int) {
	span.SetAttributes(semconv.HTTPStatusCodeKey.Int(status))
	var err error
	if status >= 400 {
		err = fmt.Errorf("HTTP %d", status)
	}
	EndSpan(span, err)
}

// ChannelAttr tags a span with the chat channel it concerns.
func ChannelAttr(channel string) attribute.KeyValue {
	return attribute.String("kickchat.channel", channel)
}

// EventTypeAttr tags a span with a record's event type.
func EventTypeAttr(eventType string) attribute.KeyValue {
	return attribute.String("kickchat.event_type", eventType)
}

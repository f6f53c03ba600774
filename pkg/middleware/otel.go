package middleware

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/strand-go/strand/pkg/dispatch"
	"github.com/strand-go/strand/pkg/exchange"
)

// Default tracer name for the dispatch engine.
const defaultTracerName = "strand"

// spanContextKey is the scratch-store key holding the span context.
const spanContextKey = "middleware.span_context"

// OTelConfig configures the OpenTelemetry handler.
type OTelConfig struct {
	// TracerName is the name of the tracer (default: "strand").
	TracerName string

	// Filter determines which exchanges to trace.
	// Return true to trace the exchange, false to skip.
	// If nil, all exchanges are traced.
	Filter func(ex *exchange.Exchange) bool

	// AttributeExtractor extracts custom attributes from the exchange.
	// Called for each traced exchange.
	AttributeExtractor func(ex *exchange.Exchange) []attribute.KeyValue

	// tracer is the resolved tracer instance.
	tracer trace.Tracer
}

// OTelOption configures the OpenTelemetry handler.
type OTelOption func(*OTelConfig)

// WithTracerName sets the tracer name.
func WithTracerName(name string) OTelOption {
	return func(c *OTelConfig) {
		c.TracerName = name
	}
}

// WithFilter sets a filter function for exchanges.
func WithFilter(filter func(ex *exchange.Exchange) bool) OTelOption {
	return func(c *OTelConfig) {
		c.Filter = filter
	}
}

// WithAttributeExtractor sets a custom attribute extractor.
func WithAttributeExtractor(extractor func(ex *exchange.Exchange) []attribute.KeyValue) OTelOption {
	return func(c *OTelConfig) {
		c.AttributeExtractor = extractor
	}
}

// defaultOTelConfig returns the default OpenTelemetry configuration.
func defaultOTelConfig() OTelConfig {
	return OTelConfig{
		TracerName: defaultTracerName,
	}
}

// OpenTelemetry creates a dispatch handler that opens a server span
// per exchange. The span ends from a deferred lifecycle task, so it
// covers the whole exchange including teardown, and its status records
// whether the exchange completed, lost its client, or was hard-closed.
//
// The tracer comes from the global OpenTelemetry tracer provider;
// configure it in main() before starting the server.
func OpenTelemetry(opts ...OTelOption) dispatch.Handler {
	config := defaultOTelConfig()
	for _, opt := range opts {
		opt(&config)
	}
	config.tracer = otel.Tracer(config.TracerName)

	return func(ex *exchange.Exchange) (any, error) {
		if config.Filter != nil && !config.Filter(ex) {
			return dispatch.Continue, nil
		}

		attrs := []attribute.KeyValue{
			attribute.String("strand.exchange_id", ex.ID),
			attribute.String("strand.path", ex.Path()),
			attribute.String("http.method", ex.Request.Method),
		}
		if ex.Protocol != "" {
			attrs = append(attrs, attribute.String("strand.upgrade_protocol", ex.Protocol))
		}
		if config.AttributeExtractor != nil {
			attrs = append(attrs, config.AttributeExtractor(ex)...)
		}

		spanCtx, span := config.tracer.Start(
			ex.Context(),
			spanName(ex),
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attrs...),
		)
		ex.Set(spanContextKey, spanCtx)

		ex.Defer(func(context.Context) error {
			reason := ex.CloseReason()
			switch {
			case errors.Is(reason, exchange.ErrClientGone):
				span.SetStatus(codes.Error, "client disconnected")
			case errors.Is(reason, exchange.ErrHardClosed):
				span.SetStatus(codes.Error, "hard-closed during drain")
			default:
				span.SetStatus(codes.Ok, "")
			}
			span.End()
			return nil
		})
		return dispatch.Continue, nil
	}
}

// spanName formats the span name from the exchange.
func spanName(ex *exchange.Exchange) string {
	path := ex.Path()
	if path == "" {
		path = "/"
	}
	return fmt.Sprintf("%s %s", ex.Request.Method, path)
}

// SpanFromExchange retrieves the current trace span of an exchange.
// Returns a no-op span when tracing is not active.
func SpanFromExchange(ex *exchange.Exchange) trace.Span {
	if spanCtx, ok := ex.Get(spanContextKey).(context.Context); ok {
		return trace.SpanFromContext(spanCtx)
	}
	return trace.SpanFromContext(context.Background())
}

// TraceContext returns the exchange context carrying the active span,
// for propagation to downstream calls.
func TraceContext(ex *exchange.Exchange) context.Context {
	if spanCtx, ok := ex.Get(spanContextKey).(context.Context); ok {
		return spanCtx
	}
	return ex.Context()
}

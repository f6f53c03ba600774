package middleware

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel/attribute"

	"github.com/strand-go/strand/pkg/dispatch"
	"github.com/strand-go/strand/pkg/exchange"
)

func newTestExchange(t *testing.T, method, path string) *exchange.Exchange {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	return exchange.New(req, nil, nil)
}

// resetMetrics clears the singleton so each test gets its own registry.
func resetMetrics() {
	globalMetricsMu.Lock()
	globalMetrics = nil
	globalMetricsMu.Unlock()
}

func TestPrometheusRecordsCompletion(t *testing.T) {
	resetMetrics()
	defer resetMetrics()
	reg := prometheus.NewRegistry()

	r := dispatch.NewRouter()
	if err := r.Any("/*path", Prometheus(WithRegistry(reg))); err != nil {
		t.Fatalf("Any() error = %v", err)
	}
	if err := r.Get("/hello", func(ex *exchange.Exchange) (any, error) {
		return dispatch.Stop, nil
	}); err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	ex := newTestExchange(t, "GET", "/hello")
	handled, err := r.Dispatch(ex)
	if err != nil || !handled {
		t.Fatalf("Dispatch() = %v, %v, want true, nil", handled, err)
	}

	if got := testutil.ToFloat64(globalMetrics.activeExchanges); got != 1 {
		t.Errorf("active_exchanges mid-flight = %v, want 1", got)
	}

	if err := ex.Finish(nil); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}

	if got := testutil.ToFloat64(globalMetrics.activeExchanges); got != 0 {
		t.Errorf("active_exchanges after teardown = %v, want 0", got)
	}
	counter := globalMetrics.exchangesTotal.WithLabelValues("/hello", "completed")
	if got := testutil.ToFloat64(counter); got != 1 {
		t.Errorf("exchanges_total{path=/hello,status=completed} = %v, want 1", got)
	}
}

func TestPrometheusStatusLabels(t *testing.T) {
	resetMetrics()
	defer resetMetrics()
	reg := prometheus.NewRegistry()
	handler := Prometheus(WithRegistry(reg))

	tests := []struct {
		name  string
		cause error
		want  string
	}{
		{name: "completed", cause: exchange.ErrCompleted, want: "completed"},
		{name: "client gone", cause: exchange.ErrClientGone, want: "client_gone"},
		{name: "hard closed", cause: exchange.ErrHardClosed, want: "hard_closed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex := newTestExchange(t, "GET", "/x")
			if _, err := handler(ex); err != nil {
				t.Fatalf("handler error = %v", err)
			}
			if err := ex.Finish(tt.cause); err != nil {
				t.Fatalf("Finish() error = %v", err)
			}
			counter := globalMetrics.exchangesTotal.WithLabelValues("/x", tt.want)
			if got := testutil.ToFloat64(counter); got < 1 {
				t.Errorf("exchanges_total{status=%s} = %v, want >= 1", tt.want, got)
			}
		})
	}
}

func TestPrometheusMetricNames(t *testing.T) {
	resetMetrics()
	defer resetMetrics()
	reg := prometheus.NewRegistry()
	handler := Prometheus(WithRegistry(reg), WithSubsystem("engine"))

	ex := newTestExchange(t, "GET", "/x")
	if _, err := handler(ex); err != nil {
		t.Fatalf("handler error = %v", err)
	}
	if err := ex.Finish(nil); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	for _, want := range []string{
		"strand_engine_exchanges_total",
		"strand_engine_exchange_duration_seconds",
		"strand_engine_active_exchanges",
	} {
		found := false
		for _, n := range names {
			if n == want {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("metric %q not registered; have %s", want, strings.Join(names, ", "))
		}
	}
}

func TestRecordHelpers(t *testing.T) {
	resetMetrics()
	defer resetMetrics()
	reg := prometheus.NewRegistry()
	Prometheus(WithRegistry(reg))

	RecordHardClose()
	RecordTeardownError()

	if got := testutil.ToFloat64(globalMetrics.hardClosesTotal); got != 1 {
		t.Errorf("hard_closes_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(globalMetrics.teardownErrors); got != 1 {
		t.Errorf("teardown_errors_total = %v, want 1", got)
	}
}

func TestOpenTelemetrySpanLifecycle(t *testing.T) {
	handler := OpenTelemetry()

	ex := newTestExchange(t, "GET", "/traced")
	value, err := handler(ex)
	if err != nil {
		t.Fatalf("handler error = %v", err)
	}
	if value != dispatch.Continue {
		t.Errorf("handler return = %v, want Continue", value)
	}

	// The span context is available to downstream handlers. With no
	// tracer provider configured the span is a no-op but still present.
	if ex.Get(spanContextKey) == nil {
		t.Error("span context not stored on the exchange")
	}
	span := SpanFromExchange(ex)
	if span == nil {
		t.Fatal("SpanFromExchange() = nil")
	}
	if TraceContext(ex) == ex.Context() {
		t.Error("TraceContext() should return the span-carrying context")
	}

	if err := ex.Finish(nil); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
}

func TestOpenTelemetryFilter(t *testing.T) {
	handler := OpenTelemetry(WithFilter(func(ex *exchange.Exchange) bool {
		return !strings.HasPrefix(ex.Path(), "/health")
	}))

	ex := newTestExchange(t, "GET", "/health/live")
	if _, err := handler(ex); err != nil {
		t.Fatalf("handler error = %v", err)
	}
	if ex.Get(spanContextKey) != nil {
		t.Error("filtered exchange should not carry a span context")
	}

	traced := newTestExchange(t, "GET", "/api/x")
	if _, err := handler(traced); err != nil {
		t.Fatalf("handler error = %v", err)
	}
	if traced.Get(spanContextKey) == nil {
		t.Error("unfiltered exchange should carry a span context")
	}
}

func TestOpenTelemetryAttributeExtractor(t *testing.T) {
	var extracted bool
	handler := OpenTelemetry(
		WithTracerName("test"),
		WithAttributeExtractor(func(ex *exchange.Exchange) []attribute.KeyValue {
			extracted = true
			return []attribute.KeyValue{attribute.String("tenant", "acme")}
		}),
	)

	ex := newTestExchange(t, "POST", "/api/x")
	if _, err := handler(ex); err != nil {
		t.Fatalf("handler error = %v", err)
	}
	if !extracted {
		t.Error("attribute extractor never called")
	}
}

func TestSpanHelpersWithoutMiddleware(t *testing.T) {
	ex := newTestExchange(t, "GET", "/untraced")

	if span := SpanFromExchange(ex); span == nil {
		t.Error("SpanFromExchange() = nil, want a no-op span")
	}
	if got := TraceContext(ex); got != ex.Context() {
		t.Error("TraceContext() without a span should fall back to the exchange context")
	}
}

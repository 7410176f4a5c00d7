package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

const incomingTraceID = "4bf92f3577b34da6a3ce929d0e0e4736"

type middlewareEnv struct {
	metrics *Metrics
	reader  *sdkmetric.ManualReader
	spans   *tracetest.InMemoryExporter
	handler http.Handler

	// lastCID is the correlation ID seen by the most recent handler call.
	lastCID string
}

// newMiddlewareEnv wraps a small probe-style mux in [Middleware]. It swaps the
// global tracer provider, so tests using it must not run in parallel.
func newMiddlewareEnv(t *testing.T) *middlewareEnv {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	env := &middlewareEnv{metrics: m, reader: reader, spans: exp}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		env.lastCID = CorrelationID(r.Context())
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		env.lastCID = CorrelationID(r.Context())
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	env.handler = Middleware(m)(mux)
	return env
}

func (e *middlewareEnv) get(path string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func spanAttr(s tracetest.SpanStub, key string) (attribute.Value, bool) {
	for _, a := range s.Attributes {
		if string(a.Key) == key {
			return a.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestMiddleware_SpanNamedAfterRoute(t *testing.T) {
	tests := []struct {
		path       string
		wantName   string
		wantStatus int
	}{
		{"/healthz", "GET /healthz", http.StatusOK},
		{"/readyz", "GET /readyz", http.StatusServiceUnavailable},
		{"/nope", "GET unmatched", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			env := newMiddlewareEnv(t)
			rec := env.get(tt.path, nil)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}

			spans := env.spans.GetSpans()
			if len(spans) != 1 {
				t.Fatalf("got %d spans, want 1", len(spans))
			}
			s := spans[0]
			if s.Name != tt.wantName {
				t.Errorf("span name = %q, want %q", s.Name, tt.wantName)
			}
			if v, ok := spanAttr(s, "http.response.status_code"); !ok || v.AsInt64() != int64(tt.wantStatus) {
				t.Errorf("http.response.status_code = %v (present %v), want %d", v.AsInt64(), ok, tt.wantStatus)
			}
			if v, ok := spanAttr(s, "url.path"); !ok || v.AsString() != tt.path {
				t.Errorf("url.path = %q, want %q", v.AsString(), tt.path)
			}
		})
	}
}

func TestMiddleware_CorrelationHeader(t *testing.T) {
	t.Run("generated", func(t *testing.T) {
		env := newMiddlewareEnv(t)
		rec := env.get("/healthz", nil)
		if len(env.lastCID) != 32 {
			t.Fatalf("correlation ID %q, want 32 hex chars", env.lastCID)
		}
		if got := rec.Header().Get("X-Correlation-ID"); got != env.lastCID {
			t.Errorf("X-Correlation-ID = %q, want %q", got, env.lastCID)
		}
		if rec.Header().Get("traceparent") == "" {
			t.Error("response carries no traceparent")
		}
	})

	t.Run("from traceparent", func(t *testing.T) {
		env := newMiddlewareEnv(t)
		rec := env.get("/readyz", map[string]string{
			"traceparent": "00-" + incomingTraceID + "-00f067aa0ba902b7-01",
		})
		if env.lastCID != incomingTraceID {
			t.Errorf("correlation ID = %q, want %q", env.lastCID, incomingTraceID)
		}
		if got := rec.Header().Get("X-Correlation-ID"); got != incomingTraceID {
			t.Errorf("X-Correlation-ID = %q, want %q", got, incomingTraceID)
		}
	})
}

func TestMiddleware_DurationByRoute(t *testing.T) {
	env := newMiddlewareEnv(t)
	env.get("/healthz", nil)
	env.get("/healthz", nil)
	env.get("/readyz", nil)
	env.get("/unknown/a", nil)
	env.get("/unknown/b", nil)

	var rm metricdata.ResourceMetrics
	if err := env.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "interviewer.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("metric data is %T, want histogram", met.Data)
	}

	counts := map[string]uint64{}
	for _, dp := range hist.DataPoints {
		rt, _ := dp.Attributes.Value("route")
		st, _ := dp.Attributes.Value("status")
		if m, _ := dp.Attributes.Value("method"); m.AsString() != http.MethodGet {
			t.Errorf("method = %q, want GET", m.AsString())
		}
		if _, ok := dp.Attributes.Value("path"); ok {
			t.Error("raw path recorded as a metric attribute")
		}
		counts[rt.AsString()+" "+st.Emit()] += dp.Count
	}

	want := map[string]uint64{
		"GET /healthz 200":  2,
		"GET /readyz 503":   1,
		"GET unmatched 404": 2,
	}
	for k, n := range want {
		if counts[k] != n {
			t.Errorf("count[%q] = %d, want %d (all: %v)", k, counts[k], n, counts)
		}
	}
	if len(counts) != len(want) {
		t.Errorf("got %d series, want %d: %v", len(counts), len(want), counts)
	}
}

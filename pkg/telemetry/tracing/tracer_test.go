package tracing

import (
	"context"
	"errors"
	"testing"
	"time"

	"mercator-hq/conduit/pkg/config"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func newRecordingTracer(t *testing.T) (*Tracer, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tracer, err := NewWithExporter(&config.TracingConfig{
		Sampler:     SamplerAlways,
		ServiceName: "conduit-test",
	}, exp)
	if err != nil {
		t.Fatalf("NewWithExporter() error = %v", err)
	}
	t.Cleanup(func() { tracer.Shutdown(context.Background()) })
	return tracer, exp
}

func attrMap(kvs []attribute.KeyValue) map[string]attribute.Value {
	m := make(map[string]attribute.Value, len(kvs))
	for _, kv := range kvs {
		m[string(kv.Key)] = kv.Value
	}
	return m
}

// TestNew tests the creation of a new tracer
func TestNew(t *testing.T) {
	tests := []struct {
		name        string
		config      *config.TracingConfig
		wantErr     bool
		wantEnabled bool
	}{
		{
			name:    "nil config",
			config:  nil,
			wantErr: true,
		},
		{
			name:   "disabled tracing",
			config: &config.TracingConfig{Enabled: false, ServiceName: "test-service"},
		},
		{
			name: "enabled with otlp exporter",
			config: &config.TracingConfig{
				Enabled:     true,
				Sampler:     SamplerAlways,
				Exporter:    "otlp",
				Endpoint:    "localhost:4317",
				ServiceName: "test-service",
				OTLP:        config.OTLPConfig{Insecure: true, Timeout: time.Second},
			},
			wantEnabled: true,
		},
		{
			name: "invalid sampler",
			config: &config.TracingConfig{
				Enabled:     true,
				Sampler:     "sometimes",
				Exporter:    "otlp",
				ServiceName: "test-service",
			},
			wantErr: true,
		},
		{
			name: "unsupported exporter",
			config: &config.TracingConfig{
				Enabled:     true,
				Sampler:     SamplerAlways,
				Exporter:    "zipkin",
				ServiceName: "test-service",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracer, err := New(tt.config)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			defer tracer.Shutdown(context.Background())
			if tracer.Enabled() != tt.wantEnabled {
				t.Errorf("Enabled() = %v, want %v", tracer.Enabled(), tt.wantEnabled)
			}
		})
	}
}

// TestTracer_NilSafe tests that a nil tracer hands out the context's span
func TestTracer_NilSafe(t *testing.T) {
	var tracer *Tracer

	ctx, span := tracer.Start(context.Background(), "proxy.session")
	if ctx == nil || span == nil {
		t.Fatal("Start() on nil tracer returned nil")
	}
	if span.IsRecording() {
		t.Error("span from nil tracer is recording")
	}
	span.End()

	if tracer.Enabled() {
		t.Error("nil tracer reports enabled")
	}
	if err := tracer.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

// TestTracer_Start tests span creation and parent linkage
func TestTracer_Start(t *testing.T) {
	tracer, exp := newRecordingTracer(t)

	ctx, parent := tracer.Start(context.Background(), "proxy.session", trace.WithSpanKind(trace.SpanKindClient))
	_, child := tracer.Start(ctx, "proxy.connect")
	child.End()
	parent.End()

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("exported %d spans, want 2", len(spans))
	}
	if spans[0].Name != "proxy.connect" || spans[1].Name != "proxy.session" {
		t.Errorf("span names = %q, %q", spans[0].Name, spans[1].Name)
	}
	if spans[0].Parent.SpanID() != spans[1].SpanContext.SpanID() {
		t.Error("child span is not linked to its parent")
	}
	if spans[1].SpanKind != trace.SpanKindClient {
		t.Errorf("span kind = %v, want client", spans[1].SpanKind)
	}

	if sc := SpanContext(ctx); !sc.IsValid() || !sc.IsSampled() {
		t.Error("context does not carry a sampled span")
	}
}

// TestTracer_SessionAttributes tests the proxy attribute helpers
func TestTracer_SessionAttributes(t *testing.T) {
	tracer, exp := newRecordingTracer(t)

	_, span := tracer.Start(context.Background(), "proxy.session")
	SetRequestAttributes(span, "req-1", "GET", "/index.php?a=1", "")
	SetBackendAttributes(span, "app", "127.0.0.1:9000")
	SetBackendAttributes(span, "app", "127.0.0.1:9001")
	AddEvent(span, "restart", attribute.String("reason", "connect_failed"))
	SetResponseAttributes(span, 200, 1)
	SetStatus(span, nil)
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("exported %d spans, want 1", len(spans))
	}
	got := attrMap(spans[0].Attributes)

	want := map[string]string{
		AttrRequestID:      "req-1",
		AttrHTTPMethod:     "GET",
		AttrHTTPTarget:     "/index.php?a=1",
		AttrBackend:        "app",
		AttrBackendAddress: "127.0.0.1:9001",
	}
	for k, v := range want {
		if got[k].AsString() != v {
			t.Errorf("attribute %s = %q, want %q", k, got[k].AsString(), v)
		}
	}
	if _, ok := got[AttrHTTPHost]; ok {
		t.Error("empty host was recorded")
	}
	if got[AttrHTTPStatus].AsInt64() != 200 || got[AttrRestarts].AsInt64() != 1 {
		t.Errorf("status/restarts = %d/%d", got[AttrHTTPStatus].AsInt64(), got[AttrRestarts].AsInt64())
	}
	if len(spans[0].Events) != 1 || spans[0].Events[0].Name != "restart" {
		t.Errorf("events = %v", spans[0].Events)
	}
	if spans[0].Status.Code != codes.Ok {
		t.Errorf("status = %v, want Ok", spans[0].Status.Code)
	}
}

// TestSetStatus_Error tests error recording
func TestSetStatus_Error(t *testing.T) {
	tracer, exp := newRecordingTracer(t)

	_, span := tracer.Start(context.Background(), "proxy.session")
	SetStatus(span, errors.New("backend closed connection"))
	span.End()

	s := exp.GetSpans()[0]
	if s.Status.Code != codes.Error || s.Status.Description != "backend closed connection" {
		t.Errorf("status = %v %q", s.Status.Code, s.Status.Description)
	}
	if got := attrMap(s.Attributes); got[AttrErrorMessage].AsString() != "backend closed connection" {
		t.Errorf("error.message = %q", got[AttrErrorMessage].AsString())
	}
	if len(s.Events) != 1 || s.Events[0].Name != "exception" {
		t.Errorf("events = %v, want one exception", s.Events)
	}
}

func TestHelpers_NilSpan(t *testing.T) {
	SetRequestAttributes(nil, "id", "GET", "/", "h")
	SetBackendAttributes(nil, "b", "a")
	SetResponseAttributes(nil, 200, 0)
	AddEvent(nil, "e")
	SetStatus(nil, errors.New("x"))

	if SpanContext(context.Background()).IsValid() {
		t.Error("background span context is valid")
	}
}

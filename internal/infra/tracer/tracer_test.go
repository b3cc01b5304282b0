package tracer

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"

	"relaycore/internal/domain"
	"relaycore/internal/infra/config"
)

func TestSetupDisabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TracerConfig{Enabled: false})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer shutdown(context.Background())

	if _, ok := otel.GetTracerProvider().(noop.TracerProvider); !ok {
		t.Errorf("expected noop provider, got %T", otel.GetTracerProvider())
	}
}

func TestSetupExporters(t *testing.T) {
	for _, exp := range []string{"", "noop", "stdout"} {
		shutdown, err := Setup(context.Background(), config.TracerConfig{Enabled: true, Exporter: exp})
		if err != nil {
			t.Fatalf("Setup(%q): %v", exp, err)
		}
		shutdown(context.Background())
	}
	otel.SetTracerProvider(noop.NewTracerProvider())
}

func TestSetupUnsupportedExporter(t *testing.T) {
	_, err := Setup(context.Background(), config.TracerConfig{Enabled: true, Exporter: "zipkin"})
	if err == nil {
		t.Error("expected error for unsupported exporter")
	}
}

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := NewProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		tp.Shutdown(context.Background())
	})
	return rec
}

func TestFinishRecordsErrorCode(t *testing.T) {
	rec := recordSpans(t)

	_, span := StartClassSpan(context.Background(), "apiclient.query", domain.ServerCaching)
	Finish(span, domain.NewDomainError("Query", domain.ErrNetwork, "3 attempts"))

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	s := spans[0]
	if s.Status().Code != codes.Error {
		t.Errorf("status = %v, want Error", s.Status().Code)
	}
	attrs := map[string]string{}
	for _, kv := range s.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	if attrs["relay.class"] != "caching" {
		t.Errorf("relay.class = %q", attrs["relay.class"])
	}
	if attrs["error.code"] != "NETWORK" {
		t.Errorf("error.code = %q", attrs["error.code"])
	}
}

func TestFinishOK(t *testing.T) {
	rec := recordSpans(t)

	_, span := StartSpan(context.Background(), "endpoint.refresh")
	span.SetAttributes(IntAttr("endpoint.changed", 2), StringAttr("k", "v"))
	Finish(span, nil)

	spans := rec.Ended()
	if len(spans) != 1 || spans[0].Status().Code != codes.Ok {
		t.Fatalf("unexpected spans: %+v", spans)
	}
}

package api

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"lending-api/domain"
)

func setupTestTracer(t *testing.T) (*sdktrace.TracerProvider, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return tp, exporter
}

func attributesToMap(attrs []attribute.KeyValue) map[string]any {
	out := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		out[string(kv.Key)] = kv.Value.AsInterface()
	}
	return out
}

func TestRequestMetricsLogAndSpan(t *testing.T) {
	logger, hook := test.NewNullLogger()
	_, exporter := setupTestTracer(t)

	m, ctx := newRequestMetrics(context.Background(), logger, "/entities/:id")
	if ctx == nil {
		t.Fatal("expected span context")
	}
	m.start = m.start.Add(-20 * time.Millisecond)
	m.ObserveAuth(2 * time.Millisecond)
	m.ObserveState(5 * time.Millisecond)
	m.SetEntity("n1", 4)
	m.Log(http.StatusOK, nil)

	entry := hook.LastEntry()
	if entry == nil || entry.Message != requestLogMessage {
		t.Fatalf("unexpected entry %+v", entry)
	}
	if entry.Data["route"] != "/entities/:id" || entry.Data["entity"] != "n1" || entry.Data["version"] != int64(4) {
		t.Fatalf("unexpected fields %+v", entry.Data)
	}
	if total, ok := entry.Data["total_ms"].(float64); !ok || total < 20 {
		t.Fatalf("unexpected total_ms %v", entry.Data["total_ms"])
	}
	if _, ok := entry.Data["error_stage"]; ok {
		t.Fatal("unexpected error stage")
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name != requestSpanName {
		t.Fatalf("unexpected span name %s", span.Name)
	}
	attrs := attributesToMap(span.Attributes)
	if attrs["http.route"] != "/entities/:id" || attrs["entity.id"] != "n1" {
		t.Fatalf("unexpected span attributes %+v", attrs)
	}
	if code, ok := attrs["http.status_code"].(int64); !ok || code != http.StatusOK {
		t.Fatalf("unexpected status attribute %#v", attrs["http.status_code"])
	}
	if span.Status.Code != codes.Ok {
		t.Fatalf("expected ok status, got %v", span.Status.Code)
	}
}

func TestRequestMetricsRecordsFailure(t *testing.T) {
	logger, hook := test.NewNullLogger()
	_, exporter := setupTestTracer(t)

	m, _ := newRequestMetrics(context.Background(), logger, "/entities")
	m.Fail("state", domain.ErrConflict)
	m.Log(http.StatusConflict, nil)

	entry := hook.LastEntry()
	if entry.Data["error_stage"] != "state" || entry.Data["error"] == nil {
		t.Fatalf("expected failure fields, got %+v", entry.Data)
	}
	spans := exporter.GetSpans()
	if len(spans) != 1 || spans[0].Status.Code != codes.Error {
		t.Fatalf("expected one failed span, got %+v", spans)
	}
	if attributesToMap(spans[0].Attributes)["error.stage"] != "state" {
		t.Fatal("expected error stage attribute")
	}
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
		code string
	}{
		{domain.ErrNotFound, http.StatusNotFound, "not_found"},
		{domain.ErrConflict, http.StatusConflict, "conflict"},
		{domain.ErrStaleVersion, http.StatusConflict, "conflict"},
		{domain.ErrStoreUnavailable, http.StatusServiceUnavailable, "unavailable"},
		{domain.Invalid("x", "bad"), http.StatusBadRequest, "invalid"},
		{context.DeadlineExceeded, http.StatusGatewayTimeout, "unavailable"},
		{errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Fatalf("%v: expected %d, got %d", tt.err, tt.want, got)
		}
		if got := codeFor(tt.err); got != tt.code {
			t.Fatalf("%v: expected code %s, got %s", tt.err, tt.code, got)
		}
	}
}

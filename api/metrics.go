package api

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	requestSpanName   = "entity.request"
	requestLogMessage = "entity.request.metrics"
)

// requestMetrics times the stages of a write request and reports them as one
// log entry and one span.
type requestMetrics struct {
	logger        *log.Logger
	span          trace.Span
	route         string
	start         time.Time
	authDuration  time.Duration
	stateDuration time.Duration
	entityID      string
	version       int64
	idempotent    bool
	replayed      bool
	errorStage    string
	failure       error
}

func newRequestMetrics(ctx context.Context, logger *log.Logger, route string) (*requestMetrics, context.Context) {
	ctx, span := otel.Tracer("lending-api/api").Start(ctx, requestSpanName,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("http.route", route)),
	)
	return &requestMetrics{
		logger: logger,
		span:   span,
		route:  route,
		start:  time.Now(),
	}, ctx
}

func (m *requestMetrics) ObserveAuth(d time.Duration) {
	if d > 0 {
		m.authDuration = d
	}
}

func (m *requestMetrics) ObserveState(d time.Duration) {
	if d > 0 {
		m.stateDuration = d
	}
}

func (m *requestMetrics) SetEntity(id string, version int64) {
	m.entityID = id
	m.version = version
}

func (m *requestMetrics) SetIdempotent(replayed bool) {
	m.idempotent = true
	m.replayed = replayed
}

func (m *requestMetrics) SetErrorStage(stage string) {
	if stage != "" {
		m.errorStage = stage
	}
}

// Fail records a request error that was already rendered as a response.
func (m *requestMetrics) Fail(stage string, err error) {
	m.SetErrorStage(stage)
	m.failure = err
}

// Log emits the log entry and ends the span.
func (m *requestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}
	if err == nil {
		err = m.failure
	}
	fields := log.Fields{
		"route":    m.route,
		"status":   status,
		"total_ms": durationToMillis(time.Since(m.start)),
	}
	attrs := []attribute.KeyValue{attribute.Int("http.status_code", status)}
	if m.authDuration > 0 {
		fields["auth_ms"] = durationToMillis(m.authDuration)
	}
	if m.stateDuration > 0 {
		fields["state_ms"] = durationToMillis(m.stateDuration)
	}
	if m.entityID != "" {
		fields["entity"] = m.entityID
		attrs = append(attrs, attribute.String("entity.id", m.entityID))
	}
	if m.version > 0 {
		fields["version"] = m.version
		attrs = append(attrs, attribute.Int64("entity.version", m.version))
	}
	if m.idempotent {
		fields["idempotency_replayed"] = m.replayed
	}
	if m.errorStage != "" {
		fields["error_stage"] = m.errorStage
		attrs = append(attrs, attribute.String("error.stage", m.errorStage))
	}
	if err != nil {
		fields["error"] = err.Error()
	}

	if m.span != nil {
		m.span.SetAttributes(attrs...)
		switch {
		case err != nil:
			m.span.RecordError(err)
			m.span.SetStatus(codes.Error, err.Error())
		case status >= 500:
			m.span.SetStatus(codes.Error, "server error")
		default:
			m.span.SetStatus(codes.Ok, "")
		}
		m.span.End()
	}
	if m.logger != nil {
		m.logger.WithFields(fields).Info(requestLogMessage)
	}
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}

package api

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	moveRoute       = "/api/cards/:id/move"
	moveSpanName    = "kanban.move_card"
	moveEventName   = "move.request.metrics"
	moveEventDomain = "kanban"
	tracerName      = "kanban-api/api"
)

// moveRequestMetrics collects per-request timings for the card move endpoint
// and emits them as a structured observability event plus an otel span.
type moveRequestMetrics struct {
	logger         *log.Logger
	span           trace.Span
	start          time.Time
	authDuration   time.Duration
	moveDuration   time.Duration
	encodeDuration time.Duration
	sameList       bool
	indexProvided  bool
	errorStage     string
}

func newMoveRequestMetrics(ctx context.Context, logger *log.Logger) (*moveRequestMetrics, context.Context) {
	spanCtx, span := otel.Tracer(tracerName).Start(ctx, moveSpanName)
	return &moveRequestMetrics{
		logger: logger,
		span:   span,
		start:  time.Now(),
	}, spanCtx
}

func (m *moveRequestMetrics) ObserveAuth(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.authDuration = duration
}

func (m *moveRequestMetrics) ObserveMove(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.moveDuration = duration
}

func (m *moveRequestMetrics) ObserveEncode(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.encodeDuration = duration
}

func (m *moveRequestMetrics) SetSameList(sameList bool) {
	m.sameList = sameList
}

func (m *moveRequestMetrics) SetIndexProvided(provided bool) {
	m.indexProvided = provided
}

func (m *moveRequestMetrics) SetErrorStage(stage string) {
	if stage == "" {
		return
	}
	m.errorStage = stage
}

// Log emits the collected metrics and finishes the span. It must be called
// exactly once, typically deferred at the top of the handler.
func (m *moveRequestMetrics) Log(status int, err error) {
	if m == nil || m.logger == nil {
		return
	}

	totalMillis := durationToMillis(time.Since(m.start))
	severityText, severityNumber := severityForStatus(status, err)

	attrs := map[string]any{
		"http.route":               moveRoute,
		"http.status_code":         status,
		"kanban.move.total_ms":     totalMillis,
		"kanban.move.same_list":    m.sameList,
		"kanban.move.has_to_index": m.indexProvided,
	}
	if m.authDuration > 0 {
		attrs["kanban.move.auth_ms"] = durationToMillis(m.authDuration)
	}
	if m.moveDuration > 0 {
		attrs["kanban.move.move_ms"] = durationToMillis(m.moveDuration)
	}
	if m.encodeDuration > 0 {
		attrs["kanban.move.encode_ms"] = durationToMillis(m.encodeDuration)
	}
	if m.errorStage != "" {
		attrs["kanban.move.error_stage"] = m.errorStage
	}
	if err != nil {
		attrs["error.message"] = err.Error()
	}

	fields := log.Fields{
		"event.name":      moveEventName,
		"event.domain":    moveEventDomain,
		"attributes":      attrs,
		"severity_text":   severityText,
		"severity_number": severityNumber,
	}

	if m.span != nil {
		spanAttrs := []attribute.KeyValue{
			attribute.String("http.route", moveRoute),
			attribute.Int64("http.status_code", int64(status)),
			attribute.Float64("kanban.move.total_ms", totalMillis),
			attribute.Bool("kanban.move.same_list", m.sameList),
			attribute.Bool("kanban.move.has_to_index", m.indexProvided),
		}
		if m.errorStage != "" {
			spanAttrs = append(spanAttrs, attribute.String("kanban.move.error_stage", m.errorStage))
		}
		m.span.SetAttributes(spanAttrs...)

		eventAttrs := append([]attribute.KeyValue{
			attribute.String("event.name", moveEventName),
			attribute.String("event.domain", moveEventDomain),
			attribute.String("severity_text", severityText),
		}, spanAttrs...)
		if err != nil {
			eventAttrs = append(eventAttrs, attribute.String("error.message", err.Error()))
		}
		m.span.AddEvent("observability.event", trace.WithAttributes(eventAttrs...))

		if err != nil || status >= http.StatusInternalServerError {
			desc := "request failed"
			if err != nil {
				desc = err.Error()
			}
			m.span.SetStatus(codes.Error, desc)
		} else {
			m.span.SetStatus(codes.Ok, "")
		}

		spanContext := m.span.SpanContext()
		if spanContext.HasTraceID() {
			fields["trace_id"] = spanContext.TraceID().String()
		}
		if spanContext.HasSpanID() {
			fields["span_id"] = spanContext.SpanID().String()
		}
		m.span.End()
	}

	m.logger.WithFields(fields).Info("observability.event")
}

func severityForStatus(status int, err error) (string, int) {
	switch {
	case err != nil || status >= http.StatusInternalServerError:
		return "ERROR", 17
	case status >= http.StatusBadRequest:
		return "WARN", 13
	default:
		return "INFO", 9
	}
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}

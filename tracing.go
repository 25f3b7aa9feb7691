package enzyme

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/harborgrid-justin/enzyme-sub015"

type tracer struct {
	t trace.Tracer
}

func newTracer(tp trace.TracerProvider) *tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &tracer{t: tp.Tracer(tracerName, trace.WithInstrumentationVersion(Version))}
}

func (t *tracer) startRequest(ctx context.Context, req *Request, key string) (context.Context, trace.Span) {
	ctx, span := t.t.Start(ctx, "enzyme.request",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", req.Method),
			attribute.String("enzyme.path", req.Path),
			attribute.String("enzyme.rate_limit_key", key),
			attribute.String("enzyme.request_id", req.Meta.RequestID),
		),
	)
	if req.Meta.CorrelationID != "" {
		span.SetAttributes(attribute.String("correlation_id", req.Meta.CorrelationID))
	}
	return ctx, span
}

func recordAttempt(span trace.Span, attempt int, status int, err error) {
	attrs := []attribute.KeyValue{attribute.Int("enzyme.attempt", attempt)}
	if status > 0 {
		attrs = append(attrs, attribute.Int("http.response.status_code", status))
	}
	if err != nil {
		attrs = append(attrs, attribute.String("error", err.Error()))
	}
	span.AddEvent("attempt", trace.WithAttributes(attrs...))
}

func recordRetry(span trace.Span, reason string, delay int64) {
	span.AddEvent("retry", trace.WithAttributes(
		attribute.String("enzyme.retry_reason", reason),
		attribute.Int64("enzyme.retry_delay_ms", delay),
	))
}

func endSpan(span trace.Span, status int, err error) {
	if status > 0 {
		span.SetAttributes(attribute.Int("http.response.status_code", status))
	}
	if err != nil {
		if apiErr, ok := AsAPIError(err); ok {
			span.SetAttributes(attribute.String("enzyme.error_category", string(apiErr.Category)))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

package otelutil

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartVerb starts the span of a daemon verb acting on machine uuid, which
// may be empty for verbs spanning every machine.
func StartVerb(ctx context.Context, verb, uuid string) (context.Context, trace.Span) {
	var opts []trace.SpanStartOption
	if uuid != "" {
		opts = append(opts, trace.WithAttributes(attribute.String("machine.uuid", uuid)))
	}
	return otel.Tracer("").Start(ctx, "machined.daemon."+verb, opts...)
}

// RecordStatus records the status of a span based on the error provided.
//
// If err is nil, the span status is unmodified. If err is not nil, the span
// takes status Error, and the error message is recorded.
func RecordStatus(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// End records err on span and ends it.
func End(span trace.Span, err error) {
	RecordStatus(span, err)
	span.End()
}

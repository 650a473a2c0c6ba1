package middleware

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"svckit/message"
	"svckit/status"
)

// Tracing starts a span per request named after its type key.
func Tracing(tracer trace.Tracer) Unit {
	return Around(NameTracing, func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (*message.Response, error) {
			ctx, span := tracer.Start(ctx, req.Type,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("svckit.kind", req.Kind.String()),
					attribute.String("svckit.request_id", req.Get(RequestIDKey)),
				))
			defer span.End()

			resp, err := next(ctx, req)
			if err != nil {
				se := status.Convert(err)
				span.RecordError(err)
				span.SetAttributes(attribute.Int("svckit.status_code", se.HTTPStatus()))
				span.SetStatus(codes.Error, se.Kind.String())
				return resp, err
			}
			span.SetStatus(codes.Ok, "")
			return resp, nil
		}
	})
}

package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for bluestreak tracing.
const tracerName = "github.com/ferromir/bluestreak"

// Tracing returns middleware that wraps each run in an OpenTelemetry
// span. If no TracerProvider is configured globally, the default noop
// tracer is used and this middleware becomes a pass-through.
//
// Span attributes: bluestreak.workflow.id, bluestreak.handler.id,
// bluestreak.failures. On error, the span status is set to codes.Error
// with the error message.
func Tracing() Middleware {
	tracer := otel.Tracer(tracerName)
	return TracingWithTracer(tracer)
}

// TracingWithTracer returns tracing middleware using the provided
// tracer. This variant allows injecting a specific TracerProvider for
// testing or when multiple providers are in use.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, run *Run, next Handler) error {
		ctx, span := tracer.Start(ctx, "bluestreak.workflow.run",
			trace.WithAttributes(
				attribute.String("bluestreak.workflow.id", run.WorkflowID),
				attribute.String("bluestreak.handler.id", run.HandlerID),
				attribute.Int("bluestreak.failures", run.Failures),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return err
	}
}

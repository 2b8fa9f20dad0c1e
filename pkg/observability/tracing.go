package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "github.com/tabulify/tabulify"

// Tracer returns the tracer of the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentation)
}

// StartRun opens the span covering one flow run.
func StartRun(ctx context.Context, flow, runID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "run "+flow,
		trace.WithAttributes(
			attribute.String("tabulify.flow", flow),
			attribute.String("tabulify.run_id", runID),
		))
}

// StartNode opens the span of one node attempt, child of the run span.
func StartNode(ctx context.Context, node, step string, attempt int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "node "+node,
		trace.WithAttributes(
			attribute.String("tabulify.node", node),
			attribute.String("tabulify.step", step),
			attribute.Int("tabulify.attempt", attempt),
		))
}

// End closes span, recording err as its status when set.
func End(span trace.Span, err error, attrs ...attribute.KeyValue) {
	span.SetAttributes(attrs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

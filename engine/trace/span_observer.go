package trace

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const tracerName = "flow.engine"

// SpanObserver opens one OpenTelemetry span per dispatch. Nested dispatches
// become child spans.
type SpanObserver struct {
	tracer oteltrace.Tracer
}

// NewSpanObserver uses the global tracer provider when tp is nil.
func NewSpanObserver(tp oteltrace.TracerProvider) *SpanObserver {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &SpanObserver{tracer: tp.Tracer(tracerName)}
}

func (s *SpanObserver) Begin(ctx context.Context, ev *Event) context.Context {
	ctx, _ = s.tracer.Start(ctx, "flow.dispatch."+string(ev.Kind), oteltrace.WithAttributes(
		attribute.String("flow.id", ev.ID.String()),
		attribute.String("flow.parent", ev.Parent.String()),
		attribute.String("flow.kind", string(ev.Kind)),
		attribute.Int("flow.depth", ev.Depth),
	))
	return ctx
}

func (s *SpanObserver) End(ctx context.Context, ev *Event) {
	span := oteltrace.SpanFromContext(ctx)
	if ev.Skipped {
		span.SetAttributes(attribute.Bool("flow.skipped", true))
	}
	if ev.Err != nil {
		span.RecordError(ev.Err)
		span.SetStatus(codes.Error, ev.Err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

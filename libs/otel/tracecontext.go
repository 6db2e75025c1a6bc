package otelx

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Stored is a W3C trace context persisted next to a row (outbox event) so the
// process that ships it later continues the writer's trace.
type Stored struct {
	Traceparent string
	Tracestate  string
}

func Capture(ctx context.Context) Stored {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return Stored{Traceparent: carrier.Get("traceparent"), Tracestate: carrier.Get("tracestate")}
}

// Restore returns ctx unchanged when nothing was captured.
func (s Stored) Restore(ctx context.Context) context.Context {
	if s.Traceparent == "" {
		return ctx
	}
	carrier := propagation.MapCarrier{"traceparent": s.Traceparent}
	if s.Tracestate != "" {
		carrier["tracestate"] = s.Tracestate
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

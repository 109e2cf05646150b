package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for engine spans.
var (
	AttrTaskID       = attribute.Key("taskvault.task.id")
	AttrQueueID      = attribute.Key("taskvault.queue.id")
	AttrSessionID    = attribute.Key("taskvault.session.id")
	AttrCheckpointID = attribute.Key("taskvault.checkpoint.id")
	AttrStrategy     = attribute.Key("taskvault.conflict.strategy")
	AttrStage        = attribute.Key("taskvault.validation.stage")
	AttrFromCache    = attribute.Key("taskvault.load.from_cache")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

package trace

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Bridge replays finished spans onto an OpenTelemetry tracer, so the
// engine's traces flow into whatever SDK pipeline (OTLP gRPC, Jaeger,
// stdout) the host application already configured.
//
// Timestamps are preserved via start and end options; parentage within
// one run is reconstructed from the engine's own span IDs, since the
// OTel SDK assigns its own.
type Bridge struct {
	tracer oteltrace.Tracer
}

// NewBridge wraps an OpenTelemetry tracer.
func NewBridge(tracer oteltrace.Tracer) *Bridge {
	return &Bridge{tracer: tracer}
}

func (b *Bridge) Export(s *Span) {
	attrs := make([]attribute.KeyValue, 0, len(s.Attrs)+3)
	attrs = append(attrs,
		attribute.String("duraflow.trace_id", s.TraceID),
		attribute.String("duraflow.span_id", s.SpanID),
		attribute.String("duraflow.kind", string(s.Kind)),
	)
	if s.ParentID != "" {
		attrs = append(attrs, attribute.String("duraflow.parent_id", s.ParentID))
	}
	for k, v := range s.Attrs {
		attrs = append(attrs, attribute.String(k, fmt.Sprint(v)))
	}

	_, span := b.tracer.Start(context.Background(), s.Name,
		oteltrace.WithTimestamp(s.Start),
		oteltrace.WithAttributes(attrs...),
	)
	if s.Err != "" {
		span.SetStatus(codes.Error, s.Err)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(oteltrace.WithTimestamp(s.End))
}

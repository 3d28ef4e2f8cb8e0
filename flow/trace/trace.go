// Package trace provides lightweight distributed tracing for runs.
//
// The executor opens one span per run and one child span per node
// execution. Finished spans are handed to an Exporter; exporters ship
// them to stdout (Console), an OTLP/HTTP collector, a Zipkin
// collector, or an OpenTelemetry SDK (Bridge). Trace context crosses
// process boundaries through W3C traceparent headers.
package trace

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// SpanKind distinguishes run spans from node spans.
type SpanKind string

const (
	KindRun  SpanKind = "run"
	KindNode SpanKind = "node"
)

// Span is one finished (or in-flight) operation.
type Span struct {
	TraceID  string
	SpanID   string
	ParentID string

	Name string
	Kind SpanKind

	Start time.Time
	End   time.Time

	Attrs map[string]any

	// Err holds the failure message for error spans; empty means ok.
	Err string

	tracer *Tracer
	ended  bool
	mu     sync.Mutex
}

// SetAttr records a key/value attribute on the span.
func (s *Span) SetAttr(key string, value any) {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.Attrs == nil {
		s.Attrs = make(map[string]any)
	}
	s.Attrs[key] = value
	s.mu.Unlock()
}

// Finish ends the span, recording err when non-nil, and exports it.
// Finishing twice is a no-op.
func (s *Span) Finish(err error) {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.End = s.tracer.now()
	if err != nil {
		s.Err = err.Error()
	}
	s.mu.Unlock()
	s.tracer.export(s)
}

// Duration returns the span's elapsed time, zero until finished.
func (s *Span) Duration() time.Duration {
	if s.End.IsZero() {
		return 0
	}
	return s.End.Sub(s.Start)
}

// Exporter receives finished spans. Implementations must be safe for
// concurrent use.
type Exporter interface {
	Export(s *Span)
}

// Multi fans finished spans out to several exporters.
type Multi []Exporter

func (m Multi) Export(s *Span) {
	for _, e := range m {
		e.Export(s)
	}
}

// Tracer creates spans and routes finished ones to its exporter.
// A nil *Tracer is valid and produces nil spans, so callers never
// branch on tracing being enabled.
type Tracer struct {
	exporter Exporter
	now      func() time.Time
}

// New creates a tracer. exporter may be nil (spans are dropped); now
// may be nil (wall clock).
func New(exporter Exporter, now func() time.Time) *Tracer {
	if now == nil {
		now = time.Now
	}
	return &Tracer{exporter: exporter, now: now}
}

func (t *Tracer) export(s *Span) {
	if t == nil || t.exporter == nil {
		return
	}
	t.exporter.Export(s)
}

type ctxKey struct{}

// FromContext returns the active span, or nil.
func FromContext(ctx context.Context) *Span {
	s, _ := ctx.Value(ctxKey{}).(*Span)
	return s
}

// StartSpan opens a span as a child of the context's active span (or a
// new root) and returns the derived context. On a nil tracer it
// returns ctx unchanged and a nil span; Finish on a nil span is a
// no-op.
func (t *Tracer) StartSpan(ctx context.Context, name string, kind SpanKind) (context.Context, *Span) {
	if t == nil {
		return ctx, nil
	}
	s := &Span{
		SpanID: randomHex(8),
		Name:   name,
		Kind:   kind,
		Start:  t.now(),
		tracer: t,
	}
	if parent := FromContext(ctx); parent != nil {
		s.TraceID = parent.TraceID
		s.ParentID = parent.SpanID
	} else if tp, ok := traceparentFromContext(ctx); ok {
		s.TraceID = tp.traceID
		s.ParentID = tp.spanID
	} else {
		s.TraceID = randomHex(16)
	}
	return context.WithValue(ctx, ctxKey{}, s), s
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand does not fail on supported platforms.
		return ""
	}
	return hex.EncodeToString(b)
}

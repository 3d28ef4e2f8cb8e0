package trace

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// traceparentHeader is the W3C Trace Context header name.
const traceparentHeader = "traceparent"

type remoteParent struct {
	traceID string
	spanID  string
}

type tpKey struct{}

func traceparentFromContext(ctx context.Context) (remoteParent, bool) {
	tp, ok := ctx.Value(tpKey{}).(remoteParent)
	return tp, ok
}

// Inject writes the active span's identity into h as a W3C
// traceparent header. No-op without an active span.
func Inject(ctx context.Context, h http.Header) {
	s := FromContext(ctx)
	if s == nil || s.TraceID == "" {
		return
	}
	h.Set(traceparentHeader, fmt.Sprintf("00-%s-%s-01", s.TraceID, s.SpanID))
}

// Extract parses a traceparent header from h and, when valid, returns
// a context whose next StartSpan continues the remote trace. An absent
// or malformed header returns ctx unchanged.
func Extract(ctx context.Context, h http.Header) context.Context {
	raw := h.Get(traceparentHeader)
	if raw == "" {
		return ctx
	}
	// version-traceid-spanid-flags
	parts := strings.Split(raw, "-")
	if len(parts) != 4 || len(parts[1]) != 32 || len(parts[2]) != 16 {
		return ctx
	}
	if parts[1] == strings.Repeat("0", 32) || parts[2] == strings.Repeat("0", 16) {
		return ctx
	}
	return context.WithValue(ctx, tpKey{}, remoteParent{traceID: parts[1], spanID: parts[2]})
}

package trace

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// Console writes finished spans as single text lines, for development.
type Console struct {
	mu sync.Mutex
	w  io.Writer
}

// NewConsole creates a console exporter writing to w.
func NewConsole(w io.Writer) *Console { return &Console{w: w} }

func (c *Console) Export(s *Span) {
	c.mu.Lock()
	defer c.mu.Unlock()
	status := "ok"
	if s.Err != "" {
		status = "error: " + s.Err
	}
	fmt.Fprintf(c.w, "[%s] %s %s trace=%s span=%s parent=%s dur=%s %s\n",
		s.Kind, s.Start.Format(time.RFC3339Nano), s.Name,
		s.TraceID, s.SpanID, s.ParentID, s.Duration(), status)
}

// OTLPHTTP ships finished spans to an OTLP/HTTP collector endpoint
// (typically http://host:4318/v1/traces) using the JSON encoding.
// Spans are sent one request per span; put a Buffered emitter or a
// batching proxy in front for high volume.
type OTLPHTTP struct {
	endpoint string
	service  string
	client   *http.Client
}

// NewOTLPHTTP creates the exporter. client may be nil.
func NewOTLPHTTP(endpoint, service string, client *http.Client) *OTLPHTTP {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &OTLPHTTP{endpoint: endpoint, service: service, client: client}
}

func (o *OTLPHTTP) Export(s *Span) {
	attrs := make([]map[string]any, 0, len(s.Attrs))
	for k, v := range s.Attrs {
		attrs = append(attrs, map[string]any{
			"key":   k,
			"value": map[string]any{"stringValue": fmt.Sprint(v)},
		})
	}
	status := map[string]any{"code": 1} // STATUS_CODE_OK
	if s.Err != "" {
		status = map[string]any{"code": 2, "message": s.Err}
	}
	payload := map[string]any{
		"resourceSpans": []map[string]any{{
			"resource": map[string]any{
				"attributes": []map[string]any{{
					"key":   "service.name",
					"value": map[string]any{"stringValue": o.service},
				}},
			},
			"scopeSpans": []map[string]any{{
				"scope": map[string]any{"name": "duraflow"},
				"spans": []map[string]any{{
					"traceId":           s.TraceID,
					"spanId":            s.SpanID,
					"parentSpanId":      s.ParentID,
					"name":              s.Name,
					"kind":              1, // SPAN_KIND_INTERNAL
					"startTimeUnixNano": fmt.Sprint(s.Start.UnixNano()),
					"endTimeUnixNano":   fmt.Sprint(s.End.UnixNano()),
					"attributes":        attrs,
					"status":            status,
				}},
			}},
		}},
	}
	o.post(payload)
}

func (o *OTLPHTTP) post(payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	req, err := http.NewRequest(http.MethodPost, o.endpoint, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := o.client.Do(req)
	if err != nil {
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

// Zipkin ships finished spans to a Zipkin collector's /api/v2/spans
// endpoint.
type Zipkin struct {
	endpoint string
	service  string
	client   *http.Client
}

// NewZipkin creates the exporter. client may be nil.
func NewZipkin(endpoint, service string, client *http.Client) *Zipkin {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &Zipkin{endpoint: endpoint, service: service, client: client}
}

func (z *Zipkin) Export(s *Span) {
	tags := make(map[string]string, len(s.Attrs)+1)
	for k, v := range s.Attrs {
		tags[k] = fmt.Sprint(v)
	}
	if s.Err != "" {
		tags["error"] = s.Err
	}
	span := map[string]any{
		"traceId":       s.TraceID,
		"id":            s.SpanID,
		"name":          s.Name,
		"timestamp":     s.Start.UnixMicro(),
		"duration":      s.Duration().Microseconds(),
		"localEndpoint": map[string]any{"serviceName": z.service},
		"tags":          tags,
	}
	if s.ParentID != "" {
		span["parentId"] = s.ParentID
	}
	body, err := json.Marshal([]any{span})
	if err != nil {
		return
	}
	req, err := http.NewRequest(http.MethodPost, z.endpoint, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := z.client.Do(req)
	if err != nil {
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

// Recorder collects finished spans in memory, for tests.
type Recorder struct {
	mu    sync.Mutex
	spans []*Span
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Export(s *Span) {
	r.mu.Lock()
	r.spans = append(r.spans, s)
	r.mu.Unlock()
}

// Spans returns everything recorded so far.
func (r *Recorder) Spans() []*Span {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Span, len(r.spans))
	copy(out, r.spans)
	return out
}

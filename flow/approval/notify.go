package approval

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Notifier delivers approval lifecycle events to whoever can respond.
// Notification failures are logged, never fatal: the request stays
// pending and can still be answered through the store.
type Notifier interface {
	// Notify announces a new pending request.
	Notify(ctx context.Context, r *Request) error

	// NotifyEscalation announces the derived request created when a
	// deadline escalated; r.EscalatedFrom links the original and reason
	// says why the handoff happened.
	NotifyEscalation(ctx context.Context, r *Request, reason string) error

	// NotifyTimeout announces a request resolved by its deadline.
	NotifyTimeout(ctx context.Context, r *Request) error

	// NotifyDelegation announces a handoff from one approver to another
	// on a still-pending request.
	NotifyDelegation(ctx context.Context, r *Request, from, to string) error
}

// NotifierFunc adapts a function to the Notifier interface; every
// event is forwarded to the one function.
type NotifierFunc func(ctx context.Context, r *Request) error

func (f NotifierFunc) Notify(ctx context.Context, r *Request) error { return f(ctx, r) }
func (f NotifierFunc) NotifyEscalation(ctx context.Context, r *Request, _ string) error {
	return f(ctx, r)
}
func (f NotifierFunc) NotifyTimeout(ctx context.Context, r *Request) error { return f(ctx, r) }
func (f NotifierFunc) NotifyDelegation(ctx context.Context, r *Request, _, _ string) error {
	return f(ctx, r)
}

// Console prints requests to a writer; the development notifier.
type Console struct {
	w io.Writer
}

// NewConsole creates a console notifier writing to w.
func NewConsole(w io.Writer) *Console { return &Console{w: w} }

func (c *Console) Notify(_ context.Context, r *Request) error {
	deadline := "none"
	if !r.Deadline.IsZero() {
		deadline = r.Deadline.Format(time.RFC3339)
	}
	_, err := fmt.Fprintf(c.w,
		"APPROVAL NEEDED [%s] %s\n  run: %s  node: %s\n  approvers: %s  deadline: %s\n  %s\n",
		r.ID, r.Title, r.RunID, r.Node,
		strings.Join(r.Approvers, ", "), deadline, r.Message)
	return err
}

func (c *Console) NotifyEscalation(_ context.Context, r *Request, reason string) error {
	_, err := fmt.Fprintf(c.w,
		"APPROVAL ESCALATED [%s] %s (from %s: %s)\n  run: %s  node: %s\n  approvers: %s\n",
		r.ID, r.Title, r.EscalatedFrom, reason, r.RunID, r.Node,
		strings.Join(r.Approvers, ", "))
	return err
}

func (c *Console) NotifyTimeout(_ context.Context, r *Request) error {
	_, err := fmt.Fprintf(c.w,
		"APPROVAL TIMED OUT [%s] %s -> %s\n  run: %s  node: %s\n",
		r.ID, r.Title, r.Status, r.RunID, r.Node)
	return err
}

func (c *Console) NotifyDelegation(_ context.Context, r *Request, from, to string) error {
	_, err := fmt.Fprintf(c.w,
		"APPROVAL DELEGATED [%s] %s: %s -> %s\n  run: %s  node: %s\n",
		r.ID, r.Title, from, to, r.RunID, r.Node)
	return err
}

// webhookEvent is the envelope a Webhook posts; Event tags which verb
// fired.
type webhookEvent struct {
	Event   string   `json:"event"`
	Request *Request `json:"request"`
	Reason  string   `json:"reason,omitempty"`
	From    string   `json:"from,omitempty"`
	To      string   `json:"to,omitempty"`
}

// Webhook POSTs approval events as JSON to an HTTP endpoint. When a
// secret is configured, the body is signed with HMAC-SHA256 and the hex
// digest sent in X-Duraflow-Signature, so receivers can authenticate
// the payload.
type Webhook struct {
	url    string
	secret []byte
	client *http.Client
}

// NewWebhook creates a webhook notifier. client may be nil; secret may
// be empty to skip signing.
func NewWebhook(url, secret string, client *http.Client) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Webhook{url: url, secret: []byte(secret), client: client}
}

func (w *Webhook) Notify(ctx context.Context, r *Request) error {
	return w.post(ctx, webhookEvent{Event: "request", Request: r})
}

func (w *Webhook) NotifyEscalation(ctx context.Context, r *Request, reason string) error {
	return w.post(ctx, webhookEvent{Event: "escalation", Request: r, Reason: reason})
}

func (w *Webhook) NotifyTimeout(ctx context.Context, r *Request) error {
	return w.post(ctx, webhookEvent{Event: "timeout", Request: r})
}

func (w *Webhook) NotifyDelegation(ctx context.Context, r *Request, from, to string) error {
	return w.post(ctx, webhookEvent{Event: "delegation", Request: r, From: from, To: to})
}

func (w *Webhook) post(ctx context.Context, ev webhookEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if len(w.secret) > 0 {
		mac := hmac.New(sha256.New, w.secret)
		mac.Write(body)
		req.Header.Set("X-Duraflow-Signature", hex.EncodeToString(mac.Sum(nil)))
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}

// Multi notifies every child, returning the first error after trying
// all of them.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, r *Request) error {
	var first error
	for _, n := range m {
		if err := n.Notify(ctx, r); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m Multi) NotifyEscalation(ctx context.Context, r *Request, reason string) error {
	var first error
	for _, n := range m {
		if err := n.NotifyEscalation(ctx, r, reason); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m Multi) NotifyTimeout(ctx context.Context, r *Request) error {
	var first error
	for _, n := range m {
		if err := n.NotifyTimeout(ctx, r); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m Multi) NotifyDelegation(ctx context.Context, r *Request, from, to string) error {
	var first error
	for _, n := range m {
		if err := n.NotifyDelegation(ctx, r, from, to); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Filtered forwards only requests the predicate accepts; used to route
// high-priority approvals to louder channels.
type Filtered struct {
	Pred func(*Request) bool
	Next Notifier
}

func (f Filtered) Notify(ctx context.Context, r *Request) error {
	if f.Pred != nil && !f.Pred(r) {
		return nil
	}
	return f.Next.Notify(ctx, r)
}

func (f Filtered) NotifyEscalation(ctx context.Context, r *Request, reason string) error {
	if f.Pred != nil && !f.Pred(r) {
		return nil
	}
	return f.Next.NotifyEscalation(ctx, r, reason)
}

func (f Filtered) NotifyTimeout(ctx context.Context, r *Request) error {
	if f.Pred != nil && !f.Pred(r) {
		return nil
	}
	return f.Next.NotifyTimeout(ctx, r)
}

func (f Filtered) NotifyDelegation(ctx context.Context, r *Request, from, to string) error {
	if f.Pred != nil && !f.Pred(r) {
		return nil
	}
	return f.Next.NotifyDelegation(ctx, r, from, to)
}

// MinPriority returns a predicate for Filtered that accepts requests
// at or above the given priority.
func MinPriority(p int) func(*Request) bool {
	return func(r *Request) bool { return r.Priority >= p }
}

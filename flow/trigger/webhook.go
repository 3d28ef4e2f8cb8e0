package trigger

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/dshills/duraflow/flow"
	"github.com/dshills/duraflow/flow/trace"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Duraflow-Signature"

const defaultMaxBody = 1 << 20

// WebhookConfig binds an HTTP endpoint to a workflow.
type WebhookConfig struct {
	WorkflowID string

	// Secret, when set, requires a valid HMAC-SHA256 body signature in
	// SignatureHeader. Requests without one are rejected with 401.
	Secret []byte

	// Limiter, when set, rejects requests over the admission rate with
	// 429.
	Limiter Limiter

	// MaxBody caps the request body in bytes (default 1 MiB).
	MaxBody int64
}

// Webhook handles HTTP trigger requests: it validates the method and
// signature, applies the rate limit, extracts any incoming traceparent
// so the run continues the caller's trace, and submits a run carrying
// the request body as input.
type Webhook struct {
	cfg    WebhookConfig
	submit SubmitFunc
	clock  flow.Clock
	log    zerolog.Logger
}

// WebhookOption configures a Webhook.
type WebhookOption func(*Webhook)

// WithWebhookClock substitutes the handler's time source.
func WithWebhookClock(clk flow.Clock) WebhookOption {
	return func(w *Webhook) {
		if clk != nil {
			w.clock = clk
		}
	}
}

// WithWebhookLogger sets the handler's logger.
func WithWebhookLogger(log zerolog.Logger) WebhookOption {
	return func(w *Webhook) { w.log = log }
}

// NewWebhook creates a handler for one workflow binding.
func NewWebhook(cfg WebhookConfig, submit SubmitFunc, opts ...WebhookOption) *Webhook {
	w := &Webhook{
		cfg:    cfg,
		submit: submit,
		clock:  flow.SystemClock(),
		log:    zerolog.Nop(),
	}
	if w.cfg.MaxBody <= 0 {
		w.cfg.MaxBody = defaultMaxBody
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// ServeHTTP implements http.Handler. Accepted requests return 202 with
// a JSON body carrying the run ID.
func (h *Webhook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, h.cfg.MaxBody+1))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if int64(len(body)) > h.cfg.MaxBody {
		http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
		return
	}

	if len(h.cfg.Secret) > 0 && !h.verify(body, r.Header.Get(SignatureHeader)) {
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	if h.cfg.Limiter != nil && !h.cfg.Limiter.Allow(h.clock.Now()) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	ctx := trace.Extract(r.Context(), r.Header)
	runID, err := h.submit(ctx, h.cfg.WorkflowID, h.input(body))
	if err != nil {
		h.log.Error().Err(err).
			Str("workflow_id", h.cfg.WorkflowID).
			Msg("webhook submit failed")
		http.Error(w, "submit failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"run_id": runID})
}

// verify checks the hex HMAC-SHA256 signature in constant time.
func (h *Webhook) verify(body []byte, sig string) bool {
	if sig == "" {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, h.cfg.Secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// Sign computes the signature a caller should send for body. Exported
// for clients and tests.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// input wraps the request body as run input. JSON bodies land decoded
// under "webhook"; anything else is carried as a string.
func (h *Webhook) input(body []byte) flow.State {
	st := flow.State{"_trigger.received_at": h.clock.Now().Format(time.RFC3339Nano)}
	if len(body) == 0 {
		return st
	}
	var decoded any
	if err := json.Unmarshal(body, &decoded); err == nil {
		st["webhook"] = decoded
	} else {
		st["webhook"] = string(body)
	}
	return st
}

package chatsync

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

// WebhookSource is the source every provider webhook carries.
const WebhookSource = "chatsync"

// SignatureHeader carries the HMAC-SHA256 signature of a webhook body.
const SignatureHeader = "X-Chatsync-Signature"

// ============================================================================
// Webhook Types
// ============================================================================

// WebhookPayload is a provider push event delivered over HTTP.
type WebhookPayload struct {
	Source    string          `json:"source"`
	Event     string          `json:"event"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Envelope returns the push envelope the payload carries.
func (p *WebhookPayload) Envelope() Envelope {
	return Envelope{Type: p.Event, Payload: p.Payload}
}

// ============================================================================
// Standalone Functions
// ============================================================================

// VerifyWebhookSignature verifies a webhook signature using HMAC-SHA256.
// Uses constant-time comparison to prevent timing attacks.
func VerifyWebhookSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	expected := SignWebhookBody(body, secret)
	if len(sig) != len(expected) {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// SignWebhookBody returns the hex HMAC-SHA256 of body under secret.
func SignWebhookBody(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

// ParseWebhookPayload parses a raw webhook body into a typed WebhookPayload.
func ParseWebhookPayload(body string) (*WebhookPayload, error) {
	var payload WebhookPayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}

	if payload.Source != WebhookSource {
		return nil, fmt.Errorf("unknown webhook source: %s", payload.Source)
	}
	if payload.Event == "" {
		return nil, fmt.Errorf("missing event field in webhook payload")
	}
	if len(payload.Payload) == 0 || string(payload.Payload) == "null" {
		return nil, fmt.Errorf("missing payload in webhook body")
	}

	return &payload, nil
}

// ============================================================================
// Webhook
// ============================================================================

// Webhook verifies and parses provider webhooks and hands their envelopes
// to a sink, normally Client.Deliver.
type Webhook struct {
	secret string
	sink   func(Envelope) error
	log    zerolog.Logger
}

// NewWebhook creates a webhook receiver.
func NewWebhook(secret string, sink func(Envelope) error, log zerolog.Logger) (*Webhook, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("webhook sink is required")
	}
	return &Webhook{secret: secret, sink: sink, log: log}, nil
}

// Verify verifies an HMAC-SHA256 signature.
func (w *Webhook) Verify(body, signature string) bool {
	return VerifyWebhookSignature(body, signature, w.secret)
}

// Handle processes a webhook request (verify + parse + deliver).
// Returns the status code and response body for the caller to write.
func (w *Webhook) Handle(body, signature string) (int, any) {
	if !w.Verify(body, signature) {
		w.log.Warn().Msg("webhook signature rejected")
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	payload, err := ParseWebhookPayload(body)
	if err != nil {
		w.log.Warn().Err(err).Msg("webhook body rejected")
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	if err := w.sink(payload.Envelope()); err != nil {
		w.log.Warn().Err(err).Str("event", payload.Event).Msg("webhook event rejected")
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	w.log.Debug().Str("event", payload.Event).Msg("webhook delivered")
	return http.StatusOK, map[string]bool{"ok": true}
}

// HTTPHandler returns an http.Handler that processes webhook requests.
//
// Example:
//
//	wh, _ := chatsync.NewWebhook("secret", client.Deliver, log)
//	http.Handle("/webhook", wh.HTTPHandler())
func (w *Webhook) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
			return
		}

		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
			return
		}
		defer r.Body.Close()

		statusCode, data := w.Handle(string(bodyBytes), r.Header.Get(SignatureHeader))
		writeJSON(rw, statusCode, data)
	})
}

// HTTPHandlerFunc returns an http.HandlerFunc for convenience.
func (w *Webhook) HTTPHandlerFunc() http.HandlerFunc {
	return w.HTTPHandler().ServeHTTP
}

func writeJSON(rw http.ResponseWriter, status int, data any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(data)
}

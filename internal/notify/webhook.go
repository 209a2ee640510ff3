package notify

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/promptpilot/promptpilot/internal/config"
)

// WebhookSink posts events as JSON to a generic webhook endpoint, signing
// the body with HMAC-SHA256 when a secret is configured.
type WebhookSink struct {
	url    string
	secret string
	filter *Filter
	client *http.Client
}

// NewWebhookSink creates a webhook sink from config.
func NewWebhookSink(cfg config.WebhookSinkConfig, filter *Filter) *WebhookSink {
	return &WebhookSink{
		url:    cfg.URL,
		secret: cfg.Secret,
		filter: filter,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebhookSink) Name() string { return "webhook" }

func (w *WebhookSink) Filter() *Filter { return w.filter }

// Deliver posts the event to the webhook URL.
func (w *WebhookSink) Deliver(e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "PromptPilot/1.0")

	if w.secret != "" {
		req.Header.Set("X-PromptPilot-Signature", computeHMAC(body, []byte(w.secret)))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

func computeHMAC(data, key []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
)

const webhookRequestTimeout = 30 * time.Second

// WebhookDispatcher posts messages as JSON to a downstream delivery
// service (push gateway, chat bridge).
type WebhookDispatcher struct {
	URL    string
	Policy DestinationPolicy

	client *http.Client
	now    func() time.Time
}

type webhookMessage struct {
	UserID  string    `json:"user_id"`
	Message string    `json:"message"`
	SentAt  time.Time `json:"sent_at"`
}

// NewWebhookDispatcher creates a webhook dispatcher.
func NewWebhookDispatcher(endpoint string, policy DestinationPolicy) *WebhookDispatcher {
	return &WebhookDispatcher{
		URL:    endpoint,
		Policy: policy,
		client: &http.Client{Timeout: webhookRequestTimeout},
		now:    time.Now,
	}
}

// Send posts the message.
func (d *WebhookDispatcher) Send(ctx context.Context, userID, message string) error {
	parsed, err := url.Parse(d.URL)
	if err != nil {
		return fmt.Errorf("parse webhook url: %w", err)
	}
	if !d.Policy.Permit(parsed.Host) {
		return fmt.Errorf("webhook host %s rejected by policy", parsed.Host)
	}

	payload, err := json.Marshal(webhookMessage{
		UserID:  userID,
		Message: message,
		SentAt:  d.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Sentiment-Notify/1.0")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Warn().
			Int("status", resp.StatusCode).
			Str("user_id", userID).
			Msg("Notification webhook rejected message")
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

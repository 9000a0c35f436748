package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const smsRequestTimeout = 30 * time.Second

// Directory resolves a user id to their verified phone number.
type Directory func(ctx context.Context, userID string) (string, error)

// SMSDispatcher sends messages through a Twilio-style REST gateway:
// a form POST to /Accounts/{sid}/Messages.json with basic auth.
type SMSDispatcher struct {
	BaseURL   string
	AccountID string
	AuthToken string
	From      string
	Directory Directory
	Policy    DestinationPolicy

	client *http.Client
}

// NewSMSDispatcher creates an SMS dispatcher with a bounded request timeout.
func NewSMSDispatcher(baseURL, accountID, authToken, from string, directory Directory, policy DestinationPolicy) *SMSDispatcher {
	return &SMSDispatcher{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		AccountID: accountID,
		AuthToken: authToken,
		From:      from,
		Directory: directory,
		Policy:    policy,
		client:    &http.Client{Timeout: smsRequestTimeout},
	}
}

// Send resolves the user's phone number and delivers the message.
func (d *SMSDispatcher) Send(ctx context.Context, userID, message string) error {
	if d.Directory == nil {
		return fmt.Errorf("sms dispatcher has no user directory")
	}
	phone, err := d.Directory(ctx, userID)
	if err != nil {
		return fmt.Errorf("resolve phone for %s: %w", userID, err)
	}
	return d.SendTo(ctx, phone, message)
}

// SendTo delivers a message straight to a phone number. Used by phone
// verification, which has the destination before the directory does.
func (d *SMSDispatcher) SendTo(ctx context.Context, phone, message string) error {
	if !d.Policy.Permit(phone) {
		return fmt.Errorf("destination %s rejected by policy", phone)
	}

	form := url.Values{
		"To":   {phone},
		"From": {d.From},
		"Body": {message},
	}
	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", d.BaseURL, d.AccountID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build sms request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(d.AccountID, d.AuthToken)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("send sms: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		log.Warn().
			Int("status", resp.StatusCode).
			Str("response", string(body)).
			Msg("SMS gateway rejected message")
		return fmt.Errorf("sms gateway returned %d", resp.StatusCode)
	}

	log.Debug().Int("length", len(message)).Msg("SMS dispatched")
	return nil
}

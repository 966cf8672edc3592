package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const twilioBaseURL = "https://api.twilio.com/2010-04-01"

// TwilioConfig holds Twilio REST credentials. From is an E.164 number.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	From       string
	BaseURL    string
	Timeout    time.Duration
}

// TwilioClient sends SMS through the Twilio Messages API.
type TwilioClient struct {
	cfg    TwilioConfig
	client *http.Client
}

// TwilioError is the error body returned by the Messages API.
type TwilioError struct {
	Status  int    `json:"status"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *TwilioError) Error() string {
	return fmt.Sprintf("twilio: status %d code %d: %s", e.Status, e.Code, e.Message)
}

// NewTwilioClient validates cfg and returns a client.
func NewTwilioClient(cfg TwilioConfig) (*TwilioClient, error) {
	if cfg.AccountSID == "" {
		return nil, fmt.Errorf("twilio account sid is required")
	}
	if cfg.AuthToken == "" {
		return nil, fmt.Errorf("twilio auth token is required")
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("twilio from number is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = twilioBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &TwilioClient{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}, nil
}

// NormalizePhone strips formatting and returns an E.164 number, assuming a
// US number when ten digits are given.
func NormalizePhone(phone string) (string, error) {
	var digits strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	d := digits.String()
	switch {
	case len(d) == 10:
		return "+1" + d, nil
	case len(d) >= 11 && len(d) <= 15:
		return "+" + d, nil
	}
	return "", fmt.Errorf("invalid phone number %q", phone)
}

// SendSMS implements SMSSender.
func (c *TwilioClient) SendSMS(ctx context.Context, to, body string) error {
	number, err := NormalizePhone(to)
	if err != nil {
		return err
	}
	form := url.Values{}
	form.Set("To", number)
	form.Set("From", c.cfg.From)
	form.Set("Body", body)

	reqURL := fmt.Sprintf("%s/Accounts/%s/Messages.json", strings.TrimRight(c.cfg.BaseURL, "/"), c.cfg.AccountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.cfg.AccountSID, c.cfg.AuthToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("twilio request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("twilio: %s: read body: %w", resp.Status, err)
	}
	apiErr := &TwilioError{Status: resp.StatusCode}
	if json.Unmarshal(raw, apiErr) != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	apiErr.Status = resp.StatusCode
	return apiErr
}

// Package payment is a client for the hosted-checkout payment gateway.
// Checkout sessions are created server-side so amounts cannot be altered by
// the browser; the gateway reports outcomes back through signed webhooks.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Webhook event types sent by the gateway.
const (
	EventCheckoutCompleted = "checkout.completed"
	EventPaymentFailed     = "payment.failed"
	EventChargeRefunded    = "charge.refunded"
)

var ErrNotConfigured = errors.New("payment gateway is not configured")

// Config configures a Client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client talks to the gateway REST API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New validates cfg and returns a client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("payment base url is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("payment api key is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// APIError is an error response from the gateway.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("payment gateway: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("payment gateway: %d: %s", e.Status, e.Message)
}

// LineItem is one line shown on the hosted checkout page.
type LineItem struct {
	Name           string `json:"name"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

// CheckoutRequest creates a hosted checkout session.
type CheckoutRequest struct {
	OrderID     string            `json:"order_id"`
	AmountCents int64             `json:"amount_cents"`
	Currency    string            `json:"currency"`
	SuccessURL  string            `json:"success_url"`
	CancelURL   string            `json:"cancel_url"`
	Email       string            `json:"customer_email,omitempty"`
	LineItems   []LineItem        `json:"line_items"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Validate checks the request before it is sent.
func (r CheckoutRequest) Validate() error {
	if r.OrderID == "" {
		return fmt.Errorf("order_id is required")
	}
	if r.AmountCents <= 0 {
		return fmt.Errorf("amount must be positive")
	}
	if len(r.Currency) != 3 {
		return fmt.Errorf("currency must be a 3-letter code")
	}
	if r.SuccessURL == "" || r.CancelURL == "" {
		return fmt.Errorf("success_url and cancel_url are required")
	}
	return nil
}

// CheckoutSession is the gateway's hosted checkout.
type CheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Refund is a completed or pending refund.
type Refund struct {
	ID          string `json:"id"`
	PaymentID   string `json:"payment_id"`
	AmountCents int64  `json:"amount_cents"`
	Status      string `json:"status"`
}

// CreateCheckoutSession starts a hosted checkout. The order id doubles as
// the idempotency key so a retried checkout reuses the same session.
func (c *Client) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	req.Currency = strings.ToLower(req.Currency)

	var out CheckoutSession
	if err := c.do(ctx, http.MethodPost, "/v1/checkout/sessions", "checkout-"+req.OrderID, req, &out); err != nil {
		return nil, err
	}
	if out.ID == "" || out.URL == "" {
		return nil, fmt.Errorf("payment gateway returned an incomplete checkout session")
	}
	return &out, nil
}

// Refund refunds amountCents of a payment. Zero refunds the full amount.
func (c *Client) Refund(ctx context.Context, paymentID string, amountCents int64) (*Refund, error) {
	if paymentID == "" {
		return nil, fmt.Errorf("payment id is required")
	}
	if amountCents < 0 {
		return nil, fmt.Errorf("refund amount must not be negative")
	}
	body := map[string]any{"payment_id": paymentID}
	if amountCents > 0 {
		body["amount_cents"] = amountCents
	}

	var out Refund
	key := fmt.Sprintf("refund-%s-%d", paymentID, amountCents)
	if err := c.do(ctx, http.MethodPost, "/v1/refunds", key, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path, idempotencyKey string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("payment gateway request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read payment gateway response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode payment gateway response: %w", err)
	}
	return nil
}

// decodeError accepts both {"code","message"} and {"error":{"code","message"}}
// bodies.
func decodeError(status int, raw []byte) error {
	apiErr := &APIError{Status: status}
	var wrapped struct {
		Error *APIError `json:"error"`
	}
	if json.Unmarshal(raw, &wrapped) == nil && wrapped.Error != nil && wrapped.Error.Message != "" {
		apiErr.Code, apiErr.Message = wrapped.Error.Code, wrapped.Error.Message
		return apiErr
	}
	if json.Unmarshal(raw, apiErr) == nil && apiErr.Message != "" {
		apiErr.Status = status
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(string(raw))
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}

// Event is a webhook notification from the gateway.
type Event struct {
	ID   string    `json:"id"`
	Type string    `json:"type"`
	Data EventData `json:"data"`
}

// EventData wraps the object an event refers to.
type EventData struct {
	Object EventObject `json:"object"`
}

// EventObject is the payment or checkout the event is about.
type EventObject struct {
	ID      string `json:"id"`
	OrderID string `json:"order_id"`
	Amount  int64  `json:"amount"`
	Status  string `json:"status"`
}

// ParseEvent decodes a webhook body.
func ParseEvent(body []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("decode payment event: %w", err)
	}
	if ev.ID == "" || ev.Type == "" {
		return nil, fmt.Errorf("payment event id and type are required")
	}
	return &ev, nil
}

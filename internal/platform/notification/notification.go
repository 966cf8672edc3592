// Package notification delivers email, SMS and push messages rendered from
// templates. Senders are interfaces so providers can be swapped for mocks in
// tests and development.
package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Channel is the delivery medium of a notification.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelPush  Channel = "push"
)

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelPush:
		return true
	}
	return false
}

// Delivery status values.
const (
	StatusSent   = "sent"
	StatusFailed = "failed"
)

var (
	ErrTemplateNotFound = errors.New("template not found")
	ErrChannelDisabled  = errors.New("notification channel is not configured")
	ErrNoRecipient      = errors.New("recipient has no address for channel")
	ErrUnknownChannel   = errors.New("unknown notification channel")
	ErrPartialDelivery  = errors.New("delivered on some channels only")
)

// Recipient carries the addresses a notification can be delivered to.
type Recipient struct {
	Name       string   `json:"name,omitempty"`
	Email      string   `json:"email,omitempty"`
	Phone      string   `json:"phone,omitempty"`
	PushTokens []string `json:"push_tokens,omitempty"`
}

// Notification is a single outbound message.
type Notification struct {
	ID         string            `json:"id"`
	Channel    Channel           `json:"channel"`
	Recipient  Recipient         `json:"recipient"`
	Subject    string            `json:"subject,omitempty"`
	Body       string            `json:"body"`
	TemplateID string            `json:"template_id,omitempty"`
	Data       map[string]string `json:"data,omitempty"`
	Status     string            `json:"status"`
	SentAt     *time.Time        `json:"sent_at,omitempty"`
	Error      string            `json:"error,omitempty"`
	// FailedTokens lists push tokens the provider rejected.
	FailedTokens []string `json:"failed_tokens,omitempty"`
}

// EmailSender sends email messages.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// SMSSender sends text messages.
type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

// PushSender sends push notifications to device tokens and returns the
// tokens that could not be delivered.
type PushSender interface {
	SendPush(ctx context.Context, tokens []string, title, body string, data map[string]string) ([]string, error)
}

// ---------------------------------------------------------------------------
// Templates
// ---------------------------------------------------------------------------

// Built-in template IDs.
const (
	TemplateAppointmentConfirmation = "appointment_confirmation"
	TemplateAppointmentReminder     = "appointment_reminder"
	TemplateAppointmentCancelled    = "appointment_cancelled"
	TemplateOrderConfirmation       = "order_confirmation"
	TemplatePasswordReset           = "password_reset"
	TemplateVideoVisitReady         = "video_visit_ready"
)

// Template is a reusable message with {{key}} placeholders.
type Template struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// TemplateEngine holds templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]Template
}

// NewTemplateEngine creates an engine with the built-in templates registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]Template)}
	for _, t := range builtInTemplates {
		e.templates[t.ID] = t
	}
	return e
}

var builtInTemplates = []Template{
	{
		ID:      TemplateAppointmentConfirmation,
		Subject: "Your appointment with {{provider}} is booked",
		Body:    "Hi {{patient_name}}, your {{appointment_type}} appointment with {{provider}} at {{practice}} is confirmed for {{when}}.",
	},
	{
		ID:      TemplateAppointmentReminder,
		Subject: "Reminder: appointment {{when}}",
		Body:    "Hi {{patient_name}}, this is a reminder of your appointment with {{provider}} at {{practice}} on {{when}}.",
	},
	{
		ID:      TemplateAppointmentCancelled,
		Subject: "Your appointment on {{when}} was cancelled",
		Body:    "Hi {{patient_name}}, your appointment with {{provider}} at {{practice}} on {{when}} has been cancelled.",
	},
	{
		ID:      TemplateOrderConfirmation,
		Subject: "Order {{order_number}} confirmed",
		Body:    "Hi {{patient_name}}, we received your payment of {{total}} for order {{order_number}}. View your receipt: {{receipt_link}}",
	},
	{
		ID:      TemplatePasswordReset,
		Subject: "Reset your password",
		Body:    "You requested a password reset. Use this link within one hour: {{reset_link}}",
	},
	{
		ID:      TemplateVideoVisitReady,
		Subject: "{{provider}} is ready for your video visit",
		Body:    "Hi {{patient_name}}, your video visit is ready. Join here: {{join_link}}",
	},
}

// RegisterTemplate adds or replaces a template.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = t
}

// Render replaces {{key}} placeholders in the template's subject and body.
// Placeholders without data are left as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrTemplateNotFound, templateID)
	}

	if len(data) == 0 {
		return t.Subject, t.Body, nil
	}
	// One pass over the template: substituted values are never expanded again.
	pairs := make([]string, 0, 2*len(data))
	for k, v := range data {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	r := strings.NewReplacer(pairs...)
	return r.Replace(t.Subject), r.Replace(t.Body), nil
}

// ---------------------------------------------------------------------------
// Manager
// ---------------------------------------------------------------------------

// Manager dispatches notifications to the configured senders and keeps
// per-channel delivery counters.
type Manager struct {
	email     EmailSender
	sms       SMSSender
	push      PushSender
	templates *TemplateEngine
	log       zerolog.Logger
	now       func() time.Time

	mu    sync.Mutex
	stats map[string]int
}

// Option configures a Manager.
type Option func(*Manager)

// WithEmail sets the email sender.
func WithEmail(s EmailSender) Option { return func(m *Manager) { m.email = s } }

// WithSMS sets the SMS sender.
func WithSMS(s SMSSender) Option { return func(m *Manager) { m.sms = s } }

// WithPush sets the push sender.
func WithPush(s PushSender) Option { return func(m *Manager) { m.push = s } }

// WithTemplates replaces the template engine.
func WithTemplates(t *TemplateEngine) Option { return func(m *Manager) { m.templates = t } }

// NewManager creates a Manager. Channels without a sender fail with
// ErrChannelDisabled.
func NewManager(logger zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		templates: NewTemplateEngine(),
		log:       logger.With().Str("component", "notification").Logger(),
		now:       time.Now,
		stats:     make(map[string]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Send delivers n on its channel and records the outcome on n.
func (m *Manager) Send(ctx context.Context, n *Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}

	err := m.deliver(ctx, n)
	if err != nil {
		n.Status = StatusFailed
		n.Error = err.Error()
		m.log.Warn().Err(err).Str("notification_id", n.ID).Str("channel", string(n.Channel)).
			Str("template", n.TemplateID).Msg("notification delivery failed")
	} else {
		n.Status = StatusSent
		sentAt := m.now().UTC()
		n.SentAt = &sentAt
		n.Error = ""
		m.log.Debug().Str("notification_id", n.ID).Str("channel", string(n.Channel)).Msg("notification sent")
	}
	m.count(n.Channel, n.Status)
	return err
}

func (m *Manager) deliver(ctx context.Context, n *Notification) error {
	switch n.Channel {
	case ChannelEmail:
		if m.email == nil {
			return ErrChannelDisabled
		}
		if n.Recipient.Email == "" {
			return ErrNoRecipient
		}
		return m.email.SendEmail(ctx, n.Recipient.Email, n.Subject, n.Body)
	case ChannelSMS:
		if m.sms == nil {
			return ErrChannelDisabled
		}
		if n.Recipient.Phone == "" {
			return ErrNoRecipient
		}
		return m.sms.SendSMS(ctx, n.Recipient.Phone, n.Body)
	case ChannelPush:
		if m.push == nil {
			return ErrChannelDisabled
		}
		if len(n.Recipient.PushTokens) == 0 {
			return ErrNoRecipient
		}
		failed, err := m.push.SendPush(ctx, n.Recipient.PushTokens, n.Subject, n.Body, n.Data)
		n.FailedTokens = failed
		return err
	default:
		return fmt.Errorf("%w: %q", ErrUnknownChannel, n.Channel)
	}
}

// SendTemplate renders templateID with data and delivers it on channel.
// The returned notification is non-nil whenever rendering succeeded, even if
// delivery failed.
func (m *Manager) SendTemplate(ctx context.Context, channel Channel, templateID string, to Recipient, data map[string]string) (*Notification, error) {
	subject, body, err := m.templates.Render(templateID, data)
	if err != nil {
		return nil, err
	}
	n := &Notification{
		Channel:    channel,
		Recipient:  to,
		Subject:    subject,
		Body:       body,
		TemplateID: templateID,
		Data:       data,
	}
	return n, m.Send(ctx, n)
}

// BroadcastError lists the channels a broadcast failed on. When Delivered is
// non-empty the recipient was still reached and errors.Is reports
// ErrPartialDelivery.
type BroadcastError struct {
	Delivered []Channel
	Failed    map[Channel]error
}

func (e *BroadcastError) Error() string {
	parts := make([]string, 0, len(e.Failed))
	for _, ch := range allChannels {
		if err, ok := e.Failed[ch]; ok {
			parts = append(parts, string(ch)+": "+err.Error())
		}
	}
	msg := "broadcast failed on " + strings.Join(parts, "; ")
	if len(e.Delivered) > 0 {
		msg += " (delivered on " + joinChannels(e.Delivered) + ")"
	}
	return msg
}

func (e *BroadcastError) Unwrap() []error {
	out := make([]error, 0, len(e.Failed)+1)
	if len(e.Delivered) > 0 {
		out = append(out, ErrPartialDelivery)
	}
	for _, ch := range allChannels {
		if err, ok := e.Failed[ch]; ok {
			out = append(out, err)
		}
	}
	return out
}

var allChannels = []Channel{ChannelEmail, ChannelSMS, ChannelPush}

func joinChannels(chs []Channel) string {
	s := make([]string, len(chs))
	for i, ch := range chs {
		s[i] = string(ch)
	}
	return strings.Join(s, ",")
}

// Broadcast sends a template on every channel the recipient has an address
// for. Unconfigured channels are skipped. Any failure is returned as a
// *BroadcastError.
func (m *Manager) Broadcast(ctx context.Context, templateID string, to Recipient, data map[string]string) error {
	var delivered []Channel
	failed := map[Channel]error{}
	for _, ch := range to.channels() {
		_, err := m.SendTemplate(ctx, ch, templateID, to, data)
		switch {
		case err == nil:
			delivered = append(delivered, ch)
		case errors.Is(err, ErrChannelDisabled):
		default:
			failed[ch] = err
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return &BroadcastError{Delivered: delivered, Failed: failed}
}

func (r Recipient) channels() []Channel {
	var out []Channel
	if r.Email != "" {
		out = append(out, ChannelEmail)
	}
	if r.Phone != "" {
		out = append(out, ChannelSMS)
	}
	if len(r.PushTokens) > 0 {
		out = append(out, ChannelPush)
	}
	return out
}

func (m *Manager) count(ch Channel, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats[string(ch)+"."+status]++
}

// Stats returns delivery counters keyed by "<channel>.<status>".
func (m *Manager) Stats() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.stats))
	for k, v := range m.stats {
		out[k] = v
	}
	return out
}

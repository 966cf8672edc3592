package notification

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// EmailCall records a single call to SendEmail.
type EmailCall struct {
	To      string
	Subject string
	Body    string
}

// MockEmailSender is a test double for EmailSender. It fails the first
// FailTimes calls, or every call when ShouldFail is set.
type MockEmailSender struct {
	mu         sync.Mutex
	calls      []EmailCall
	ShouldFail bool
	FailTimes  int
	FailError  string
}

// SendEmail records the call and optionally returns an error.
func (m *MockEmailSender) SendEmail(_ context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, EmailCall{To: to, Subject: subject, Body: body})
	if m.ShouldFail || len(m.calls) <= m.FailTimes {
		return errors.New(m.failMessage())
	}
	return nil
}

func (m *MockEmailSender) failMessage() string {
	if m.FailError == "" {
		return "mock email failure"
	}
	return m.FailError
}

// Calls returns a copy of recorded email calls.
func (m *MockEmailSender) Calls() []EmailCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EmailCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// SMSCall records a single call to SendSMS.
type SMSCall struct {
	To   string
	Body string
}

// MockSMSSender is a test double for SMSSender.
type MockSMSSender struct {
	mu         sync.Mutex
	calls      []SMSCall
	ShouldFail bool
	FailError  string
}

// SendSMS records the call and optionally returns an error.
func (m *MockSMSSender) SendSMS(_ context.Context, to, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, SMSCall{To: to, Body: body})
	if m.ShouldFail {
		return errors.New(m.FailError)
	}
	return nil
}

// Calls returns a copy of recorded SMS calls.
func (m *MockSMSSender) Calls() []SMSCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SMSCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// PushCall records a single call to SendPush.
type PushCall struct {
	Tokens []string
	Title  string
	Body   string
	Data   map[string]string
}

// MockPushSender is a test double for PushSender. Tokens listed in Reject
// are reported as failed.
type MockPushSender struct {
	mu     sync.Mutex
	calls  []PushCall
	Reject map[string]bool
}

// SendPush records the call and reports rejected tokens.
func (m *MockPushSender) SendPush(_ context.Context, tokens []string, title, body string, data map[string]string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, PushCall{Tokens: append([]string(nil), tokens...), Title: title, Body: body, Data: data})

	var failed []string
	for _, t := range tokens {
		if m.Reject[t] {
			failed = append(failed, t)
		}
	}
	if len(failed) == len(tokens) && len(tokens) > 0 {
		return failed, errors.New("all push tokens rejected")
	}
	return failed, nil
}

// Calls returns a copy of recorded push calls.
func (m *MockPushSender) Calls() []PushCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PushCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// LogSender writes every message to the log instead of delivering it. It is
// used in development when no provider is configured.
type LogSender struct {
	Log zerolog.Logger
}

func (s LogSender) SendEmail(_ context.Context, to, subject, body string) error {
	s.Log.Info().Str("channel", "email").Str("to", to).Str("subject", subject).Str("body", body).Msg("notification (not delivered)")
	return nil
}

func (s LogSender) SendSMS(_ context.Context, to, body string) error {
	s.Log.Info().Str("channel", "sms").Str("to", to).Str("body", body).Msg("notification (not delivered)")
	return nil
}

func (s LogSender) SendPush(_ context.Context, tokens []string, title, body string, _ map[string]string) ([]string, error) {
	s.Log.Info().Str("channel", "push").Int("tokens", len(tokens)).Str("title", title).Str("body", body).Msg("notification (not delivered)")
	return nil, nil
}

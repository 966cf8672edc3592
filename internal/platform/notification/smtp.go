package notification

import (
	"bytes"
	"context"
	"fmt"
	"net/smtp"
	"sort"

	"github.com/rs/zerolog"
)

// SMTPConfig holds outbound mail server settings.
type SMTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
}

// SMTPSender sends plain-text email through an SMTP relay.
type SMTPSender struct {
	cfg  SMTPConfig
	log  zerolog.Logger
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPSender validates cfg and returns a sender.
func NewSMTPSender(cfg SMTPConfig, logger zerolog.Logger) (*SMTPSender, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("smtp host is required")
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("smtp from address is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 25
	}
	return &SMTPSender{
		cfg:  cfg,
		log:  logger.With().Str("component", "smtp").Logger(),
		send: smtp.SendMail,
	}, nil
}

// SendEmail implements EmailSender. net/smtp has no context support, so ctx
// is only checked before dialing.
func (s *SMTPSender) SendEmail(ctx context.Context, to, subject, body string) error {
	if to == "" {
		return fmt.Errorf("email recipient is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	if err := s.send(addr, s.auth(), s.cfg.From, []string{to}, buildMessage(s.cfg.From, to, subject, body)); err != nil {
		return fmt.Errorf("smtp send to %s: %w", to, err)
	}
	s.log.Debug().Str("to", to).Str("subject", subject).Msg("email sent")
	return nil
}

// auth returns nil when no user is configured so relays like MailHog work.
func (s *SMTPSender) auth() smtp.Auth {
	if s.cfg.User == "" {
		return nil
	}
	return smtp.PlainAuth("", s.cfg.User, s.cfg.Password, s.cfg.Host)
}

func buildMessage(from, to, subject, body string) []byte {
	headers := map[string]string{
		"From":         from,
		"To":           to,
		"Subject":      subject,
		"MIME-Version": "1.0",
		"Content-Type": "text/plain; charset=UTF-8",
	}
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	for _, k := range keys {
		buf.WriteString(k + ": " + headers[k] + "\r\n")
	}
	buf.WriteString("\r\n")
	buf.WriteString(body)
	return buf.Bytes()
}

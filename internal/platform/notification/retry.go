package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultEmailAttempts  = 3
	DefaultEmailRetryBase = time.Second
)

// RetryingEmailSender retries a wrapped sender with fixed exponential
// backoff. Retry n waits base * 2^(n-1): base, 2*base, 4*base and so on.
type RetryingEmailSender struct {
	next     EmailSender
	attempts int
	base     time.Duration
	log      zerolog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewRetryingEmailSender wraps next. Non-positive values fall back to the
// defaults.
func NewRetryingEmailSender(next EmailSender, attempts int, base time.Duration, logger zerolog.Logger) *RetryingEmailSender {
	if attempts < 1 {
		attempts = DefaultEmailAttempts
	}
	if base <= 0 {
		base = DefaultEmailRetryBase
	}
	return &RetryingEmailSender{
		next:     next,
		attempts: attempts,
		base:     base,
		log:      logger.With().Str("component", "email_retry").Logger(),
		sleep:    sleepCtx,
	}
}

// Backoff returns the wait before retry number n (1-based).
func (r *RetryingEmailSender) Backoff(n int) time.Duration {
	return r.base * time.Duration(1<<(n-1))
}

// SendEmail implements EmailSender.
func (r *RetryingEmailSender) SendEmail(ctx context.Context, to, subject, body string) error {
	var err error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		if attempt > 1 {
			wait := r.Backoff(attempt - 1)
			r.log.Warn().Err(err).Int("attempt", attempt).Dur("wait", wait).Str("to", to).Msg("retrying email")
			if serr := r.sleep(ctx, wait); serr != nil {
				return fmt.Errorf("email retry aborted: %w", serr)
			}
		}
		if err = r.next.SendEmail(ctx, to, subject, body); err == nil {
			return nil
		}
	}
	return fmt.Errorf("email to %s failed after %d attempts: %w", to, r.attempts, err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

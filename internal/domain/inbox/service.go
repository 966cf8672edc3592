// Package inbox stores in-app notifications and fans them out over email,
// SMS and push on request.
package inbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vitaluxe/vitaluxe-flow/internal/platform/db"
	"github.com/vitaluxe/vitaluxe-flow/internal/platform/notification"
)

const maxTitleLen = 200

// Sender delivers a single message. *notification.Manager satisfies it.
type Sender interface {
	Send(ctx context.Context, n *notification.Notification) error
}

type Recipients interface {
	RecipientForUser(ctx context.Context, userID uuid.UUID) (notification.Recipient, error)
}

type Invalidator interface {
	Invalidate(practice, table, id string)
}

type Service struct {
	repo       Repository
	sender     Sender
	recipients Recipients
	inv        Invalidator
	log        zerolog.Logger
	now        func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(repo Repository, sender Sender, recipients Recipients, inv Invalidator, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		repo:       repo,
		sender:     sender,
		recipients: recipients,
		inv:        inv,
		log:        logger.With().Str("component", "inbox").Logger(),
		now:        time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) invalidate(ctx context.Context, id uuid.UUID) {
	if p, ok := db.PracticeFromContext(ctx); ok {
		s.inv.Invalidate(p.Slug, "notifications", id.String())
	}
}

func (s *Service) validate(in *SendInput) error {
	in.Title = strings.TrimSpace(in.Title)
	in.Body = strings.TrimSpace(in.Body)
	if in.UserID == uuid.Nil {
		return fmt.Errorf("user_id is required")
	}
	if in.Kind == "" {
		in.Kind = KindInfo
	}
	if !validKind(in.Kind) {
		return fmt.Errorf("unknown kind %q", in.Kind)
	}
	if in.Title == "" {
		return fmt.Errorf("title is required")
	}
	if len(in.Title) > maxTitleLen {
		return fmt.Errorf("title must be at most %d characters", maxTitleLen)
	}
	if in.Body == "" {
		return fmt.Errorf("body is required")
	}
	for _, ch := range in.Channels {
		if !notification.Channel(ch).Valid() {
			return fmt.Errorf("%w: %q", notification.ErrUnknownChannel, ch)
		}
	}
	return nil
}

// Send stores the notification and delivers it on the requested channels.
// Channel failures are reported per delivery and never undo the inbox entry.
func (s *Service) Send(ctx context.Context, in SendInput) (*SendResult, error) {
	p, err := db.RequirePractice(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.validate(&in); err != nil {
		return nil, err
	}
	n := &Notification{
		PracticeID: p.ID,
		UserID:     in.UserID,
		Kind:       in.Kind,
		Title:      in.Title,
		Body:       in.Body,
		Link:       in.Link,
	}
	if err := s.repo.Create(ctx, n); err != nil {
		return nil, err
	}
	s.invalidate(ctx, n.ID)

	res := &SendResult{Notification: n, Deliveries: []Delivery{}}
	if len(in.Channels) == 0 {
		return res, nil
	}
	to, err := s.recipients.RecipientForUser(ctx, in.UserID)
	if err != nil {
		s.log.Warn().Err(err).Str("user_id", in.UserID.String()).Msg("no recipient for fan-out")
		for _, ch := range in.Channels {
			res.Deliveries = append(res.Deliveries, Delivery{Channel: ch, Status: notification.StatusFailed, Error: notification.ErrNoRecipient.Error()})
		}
		return res, nil
	}

	body := n.Body
	if n.Link != "" {
		body += "\n\n" + n.Link
	}
	for _, ch := range in.Channels {
		msg := &notification.Notification{
			Channel:   notification.Channel(ch),
			Recipient: to,
			Subject:   n.Title,
			Body:      body,
			Data:      map[string]string{"notification_id": n.ID.String(), "kind": n.Kind, "link": n.Link},
		}
		d := Delivery{Channel: ch, Status: notification.StatusSent}
		if err := s.sender.Send(ctx, msg); err != nil {
			d.Status = notification.StatusFailed
			d.Error = err.Error()
		}
		res.Deliveries = append(res.Deliveries, d)
	}
	return res, nil
}

func (s *Service) List(ctx context.Context, userID uuid.UUID, unreadOnly bool, limit, offset int) ([]*Notification, int, error) {
	return s.repo.ListForUser(ctx, userID, unreadOnly, limit, offset)
}

func (s *Service) UnreadCount(ctx context.Context, userID uuid.UUID) (int, error) {
	return s.repo.UnreadCount(ctx, userID)
}

// MarkRead marks one of the user's notifications read. Marking it again keeps
// the first read time.
func (s *Service) MarkRead(ctx context.Context, userID, id uuid.UUID) (*Notification, error) {
	if err := s.repo.MarkRead(ctx, id, userID, s.now()); err != nil {
		return nil, err
	}
	s.invalidate(ctx, id)
	return s.repo.GetByID(ctx, id)
}

func (s *Service) MarkAllRead(ctx context.Context, userID uuid.UUID) (int, error) {
	n, err := s.repo.MarkAllRead(ctx, userID, s.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.invalidate(ctx, userID)
	}
	return n, nil
}

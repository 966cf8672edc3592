package inbox

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vitaluxe/vitaluxe-flow/internal/platform/db"
	"github.com/vitaluxe/vitaluxe-flow/internal/platform/notification"
)

type mockRepo struct {
	items map[uuid.UUID]*Notification
	seq   int
}

func newMockRepo() *mockRepo {
	return &mockRepo{items: make(map[uuid.UUID]*Notification)}
}

func (m *mockRepo) Create(_ context.Context, n *Notification) error {
	m.seq++
	n.ID = uuid.New()
	n.CreatedAt = time.Date(2026, 6, 1, 9, 0, m.seq, 0, time.UTC)
	m.items[n.ID] = n
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*Notification, error) {
	n, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return n, nil
}

func (m *mockRepo) ListForUser(_ context.Context, userID uuid.UUID, unreadOnly bool, limit, offset int) ([]*Notification, int, error) {
	var out []*Notification
	for _, n := range m.items {
		if n.UserID == userID && (!unreadOnly || n.ReadAt == nil) {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, len(out), nil
}

func (m *mockRepo) UnreadCount(ctx context.Context, userID uuid.UUID) (int, error) {
	_, n, err := m.ListForUser(ctx, userID, true, 0, 0)
	return n, err
}

func (m *mockRepo) MarkRead(_ context.Context, id, userID uuid.UUID, at time.Time) error {
	n, ok := m.items[id]
	if !ok || n.UserID != userID {
		return ErrNotFound
	}
	if n.ReadAt == nil {
		n.ReadAt = &at
	}
	return nil
}

func (m *mockRepo) MarkAllRead(_ context.Context, userID uuid.UUID, at time.Time) (int, error) {
	count := 0
	for _, n := range m.items {
		if n.UserID == userID && n.ReadAt == nil {
			n.ReadAt = &at
			count++
		}
	}
	return count, nil
}

type mockSender struct {
	sent []*notification.Notification
	fail map[notification.Channel]error
}

func (m *mockSender) Send(_ context.Context, n *notification.Notification) error {
	if err := m.fail[n.Channel]; err != nil {
		return err
	}
	m.sent = append(m.sent, n)
	return nil
}

type mockRecipients struct {
	known map[uuid.UUID]notification.Recipient
}

func (m *mockRecipients) RecipientForUser(_ context.Context, userID uuid.UUID) (notification.Recipient, error) {
	r, ok := m.known[userID]
	if !ok {
		return notification.Recipient{}, errors.New("not found")
	}
	return r, nil
}

type mockInvalidator struct{ calls int }

func (m *mockInvalidator) Invalidate(string, string, string) { m.calls++ }

type fixture struct {
	svc    *Service
	repo   *mockRepo
	sender *mockSender
	inv    *mockInvalidator
	ctx    context.Context
	user   uuid.UUID
	now    time.Time
}

func newFixture() *fixture {
	user := uuid.New()
	f := &fixture{
		repo:   newMockRepo(),
		sender: &mockSender{fail: map[notification.Channel]error{}},
		inv:    &mockInvalidator{},
		ctx:    db.WithPractice(context.Background(), db.Practice{ID: uuid.New(), Slug: "glow"}),
		user:   user,
		now:    time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC),
	}
	recipients := &mockRecipients{known: map[uuid.UUID]notification.Recipient{
		user: {Name: "Ana", Email: "ana@glow.test", Phone: "+15550100"},
	}}
	f.svc = NewService(f.repo, f.sender, recipients, f.inv, zerolog.Nop(),
		WithClock(func() time.Time { return f.now }))
	return f
}

func TestSend_Validation(t *testing.T) {
	f := newFixture()
	tests := []struct {
		name string
		in   SendInput
	}{
		{"missing user", SendInput{Title: "t", Body: "b"}},
		{"missing title", SendInput{UserID: f.user, Body: "b"}},
		{"missing body", SendInput{UserID: f.user, Title: "t"}},
		{"bad kind", SendInput{UserID: f.user, Title: "t", Body: "b", Kind: "gossip"}},
		{"bad channel", SendInput{UserID: f.user, Title: "t", Body: "b", Channels: []string{"fax"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.svc.Send(f.ctx, tt.in); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
	if len(f.repo.items) != 0 {
		t.Error("invalid input must not be stored")
	}
}

func TestSend_InboxOnly(t *testing.T) {
	f := newFixture()
	res, err := f.svc.Send(f.ctx, SendInput{UserID: f.user, Title: " Lab results ", Body: "Ready to view"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Notification.Kind != KindInfo || res.Notification.Title != "Lab results" {
		t.Errorf("unexpected notification %+v", res.Notification)
	}
	if len(res.Deliveries) != 0 || len(f.sender.sent) != 0 {
		t.Error("no channels requested, nothing should be sent")
	}
	if f.inv.calls != 1 {
		t.Errorf("expected one invalidation, got %d", f.inv.calls)
	}
}

func TestSend_FanOut(t *testing.T) {
	f := newFixture()
	f.sender.fail[notification.ChannelSMS] = errors.New("twilio down")

	res, err := f.svc.Send(f.ctx, SendInput{
		UserID: f.user, Kind: KindOrder, Title: "Shipped", Body: "Your order shipped",
		Link: "https://app.test/orders/1", Channels: []string{"email", "sms"},
	})
	if err != nil {
		t.Fatalf("channel failures must not fail the send: %v", err)
	}
	if len(res.Deliveries) != 2 {
		t.Fatalf("expected 2 deliveries, got %+v", res.Deliveries)
	}
	if res.Deliveries[0].Status != notification.StatusSent || res.Deliveries[1].Status != notification.StatusFailed {
		t.Errorf("unexpected deliveries %+v", res.Deliveries)
	}
	if len(f.sender.sent) != 1 || f.sender.sent[0].Body != "Your order shipped\n\nhttps://app.test/orders/1" {
		t.Fatalf("unexpected sent messages %+v", f.sender.sent)
	}

	res, _ = f.svc.Send(f.ctx, SendInput{UserID: uuid.New(), Title: "t", Body: "b", Channels: []string{"push"}})
	if len(res.Deliveries) != 1 || res.Deliveries[0].Status != notification.StatusFailed {
		t.Errorf("unknown recipient should report a failed delivery, got %+v", res.Deliveries)
	}
}

func TestReadState(t *testing.T) {
	f := newFixture()
	first, _ := f.svc.Send(f.ctx, SendInput{UserID: f.user, Title: "a", Body: "a"})
	f.svc.Send(f.ctx, SendInput{UserID: f.user, Title: "b", Body: "b"})
	f.svc.Send(f.ctx, SendInput{UserID: uuid.New(), Title: "c", Body: "c"})

	if n, _ := f.svc.UnreadCount(f.ctx, f.user); n != 2 {
		t.Fatalf("expected 2 unread, got %d", n)
	}

	n, err := f.svc.MarkRead(f.ctx, f.user, first.Notification.ID)
	if err != nil || n.ReadAt == nil || !n.ReadAt.Equal(f.now) {
		t.Fatalf("mark read: %v %+v", err, n)
	}
	f.now = f.now.Add(time.Hour)
	n, _ = f.svc.MarkRead(f.ctx, f.user, first.Notification.ID)
	if !n.ReadAt.Equal(f.now.Add(-time.Hour)) {
		t.Error("re-marking must keep the first read time")
	}
	if _, err := f.svc.MarkRead(f.ctx, uuid.New(), first.Notification.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("other user: got %v", err)
	}

	unread, total, _ := f.svc.List(f.ctx, f.user, true, 20, 0)
	if total != 1 || unread[0].Title != "b" {
		t.Fatalf("unexpected unread list %+v", unread)
	}

	count, _ := f.svc.MarkAllRead(f.ctx, f.user)
	if count != 1 {
		t.Errorf("expected 1 marked, got %d", count)
	}
	if n, _ := f.svc.UnreadCount(f.ctx, f.user); n != 0 {
		t.Errorf("expected 0 unread, got %d", n)
	}
}

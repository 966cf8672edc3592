package audit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/vitaluxe/vitaluxe-flow/internal/platform/auth"
	"github.com/vitaluxe/vitaluxe-flow/internal/platform/db"
)

type mockRepo struct {
	events []*Event
	err    error
	filter Filter
}

func (m *mockRepo) Create(_ context.Context, e *Event) error {
	if m.err != nil {
		return m.err
	}
	e.ID = uuid.New()
	e.CreatedAt = time.Now()
	m.events = append(m.events, e)
	return nil
}

func (m *mockRepo) List(_ context.Context, f Filter, limit, offset int) ([]*Event, int, error) {
	m.filter = f
	var out []*Event
	for _, e := range m.events {
		if f.EntityType != "" && e.EntityType != f.EntityType {
			continue
		}
		if f.ActorID != nil && (e.ActorID == nil || *e.ActorID != *f.ActorID) {
			continue
		}
		out = append(out, e)
	}
	return out, len(out), nil
}

func TestLog_FillsFromContext(t *testing.T) {
	repo := &mockRepo{}
	l := NewLogger(repo, zerolog.Nop())

	practiceID := uuid.New()
	target, admin, session := uuid.New(), uuid.New(), uuid.New()
	ctx := db.WithPractice(context.Background(), db.Practice{ID: practiceID, Slug: "glow"})
	ctx = auth.WithIdentity(ctx, auth.Identity{UserID: target, ImpersonatorID: admin, ImpersonationSessionID: session})
	ctx = WithClientIP(ctx, "10.0.0.7")

	if err := l.Log(ctx, &Event{Action: ActionOrderRefund, EntityType: "order", EntityID: "o1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	e := repo.events[0]
	if e.PracticeID == nil || *e.PracticeID != practiceID {
		t.Errorf("expected practice %s, got %v", practiceID, e.PracticeID)
	}
	if e.ActorID == nil || *e.ActorID != target {
		t.Errorf("expected actor %s, got %v", target, e.ActorID)
	}
	if e.ImpersonatorID == nil || *e.ImpersonatorID != admin {
		t.Errorf("expected impersonator %s, got %v", admin, e.ImpersonatorID)
	}
	if e.IP != "10.0.0.7" {
		t.Errorf("expected ip, got %q", e.IP)
	}
}

func TestLog_Validation(t *testing.T) {
	l := NewLogger(&mockRepo{}, zerolog.Nop())
	if err := l.Log(context.Background(), &Event{EntityType: "order"}); err == nil {
		t.Error("expected error for missing action")
	}
	if err := l.Log(context.Background(), &Event{Action: ActionLogin}); err == nil {
		t.Error("expected error for missing entity_type")
	}
}

func TestLog_NoContext(t *testing.T) {
	repo := &mockRepo{}
	l := NewLogger(repo, zerolog.Nop())
	if err := l.Log(context.Background(), &Event{Action: ActionImpersonationEnd, EntityType: "impersonation_session"}); err != nil {
		t.Fatal(err)
	}
	e := repo.events[0]
	if e.PracticeID != nil || e.ActorID != nil || e.ImpersonatorID != nil {
		t.Errorf("expected empty attribution, got %+v", e)
	}
}

func TestRecord_SwallowsErrors(t *testing.T) {
	l := NewLogger(&mockRepo{err: errors.New("db down")}, zerolog.Nop())
	l.Record(context.Background(), ActionFileUpload, "file", "k", nil)
}

func TestHandler_List(t *testing.T) {
	repo := &mockRepo{}
	l := NewLogger(repo, zerolog.Nop())
	actor := uuid.New()
	repo.events = []*Event{
		{ID: uuid.New(), Action: ActionVideoToken, EntityType: "video_session", ActorID: &actor},
		{ID: uuid.New(), Action: ActionOrderRefund, EntityType: "order"},
	}
	h := NewHandler(l)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/audit-events?entity_type=video_session&actor_id="+actor.String(), nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.List(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Data  []Event `json:"data"`
		Total int     `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Total != 1 || body.Data[0].Action != ActionVideoToken {
		t.Errorf("unexpected response %+v", body)
	}
}

func TestHandler_List_BadActor(t *testing.T) {
	h := NewHandler(NewLogger(&mockRepo{}, zerolog.Nop()))
	req := httptest.NewRequest(http.MethodGet, "/audit-events?actor_id=nope", nil)
	c := echo.New().NewContext(req, httptest.NewRecorder())
	err := h.List(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}

func TestClientIPMiddleware(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Real-Ip", "203.0.113.9")
	c := e.NewContext(req, httptest.NewRecorder())

	var got string
	h := ClientIPMiddleware()(func(c echo.Context) error {
		got, _ = c.Request().Context().Value(ipKey{}).(string)
		return nil
	})
	if err := h(c); err != nil {
		t.Fatal(err)
	}
	if got != "203.0.113.9" {
		t.Errorf("expected forwarded ip, got %q", got)
	}
}

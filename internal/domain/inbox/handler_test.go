package inbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/vitaluxe/vitaluxe-flow/internal/platform/auth"
)

func (f *fixture) as(userID uuid.UUID) context.Context {
	return auth.WithIdentity(f.ctx, auth.Identity{UserID: userID, Roles: []string{auth.RolePatient}})
}

func TestHandler_ListAndCount(t *testing.T) {
	f := newFixture()
	f.svc.Send(f.ctx, SendInput{UserID: f.user, Title: "a", Body: "a"})
	f.svc.Send(f.ctx, SendInput{UserID: uuid.New(), Title: "b", Body: "b"})
	h := NewHandler(f.svc)
	e := echo.New()

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/notifications?unread=true", nil).WithContext(f.as(f.user)), rec)
	if err := h.List(c); err != nil {
		t.Fatal(err)
	}
	var resp struct {
		Data  []Notification `json:"data"`
		Total int            `json:"total"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Total != 1 || len(resp.Data) != 1 || resp.Data[0].Title != "a" {
		t.Fatalf("expected only the caller's notification, got %+v", resp)
	}

	rec = httptest.NewRecorder()
	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil).WithContext(f.as(f.user)), rec)
	if err := h.UnreadCount(c); err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(rec.Body.String()) != `{"unread":1}` {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}

func TestHandler_MarkRead_Errors(t *testing.T) {
	f := newFixture()
	res, _ := f.svc.Send(f.ctx, SendInput{UserID: f.user, Title: "a", Body: "a"})
	h := NewHandler(f.svc)
	e := echo.New()

	tests := []struct {
		name string
		user uuid.UUID
		id   string
		code int
	}{
		{"bad id", f.user, "nope", http.StatusBadRequest},
		{"unknown", f.user, uuid.NewString(), http.StatusNotFound},
		{"someone else's", uuid.New(), res.Notification.ID.String(), http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil).WithContext(f.as(tt.user)), httptest.NewRecorder())
			c.SetParamNames("id")
			c.SetParamValues(tt.id)
			err := h.MarkRead(c)
			httpErr, ok := err.(*echo.HTTPError)
			if !ok || httpErr.Code != tt.code {
				t.Fatalf("expected %d, got %v", tt.code, err)
			}
		})
	}
}

func TestHandler_Send(t *testing.T) {
	f := newFixture()
	h := NewHandler(f.svc)
	e := echo.New()

	body := `{"user_id":"` + f.user.String() + `","title":"Hi","body":"Welcome","channels":["email"]}`
	req := httptest.NewRequest(http.MethodPost, "/notifications", strings.NewReader(body)).WithContext(f.ctx)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	if err := h.Send(e.NewContext(req, rec)); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	if len(f.sender.sent) != 1 || f.sender.sent[0].Recipient.Email != "ana@glow.test" {
		t.Errorf("expected an email to the recipient, got %+v", f.sender.sent)
	}
}

package telehealth

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

func TestHandler_Create(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.svc)
	e := echo.New()

	body := `{"appointment_id":"` + f.appt.ID.String() + `"}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)).WithContext(f.staff())
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	if err := h.Create(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var vs VideoSession
	if err := json.Unmarshal(rec.Body.Bytes(), &vs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if vs.AppointmentID != f.appt.ID || vs.Status != StatusWaiting {
		t.Errorf("unexpected session %+v", vs)
	}

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)).WithContext(f.staff())
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	err := h.Create(e.NewContext(req, httptest.NewRecorder()))
	if httpErr, ok := err.(*echo.HTTPError); !ok || httpErr.Code != http.StatusConflict {
		t.Fatalf("expected 409 for a second session, got %v", err)
	}
}

func TestHandler_Create_MissingAppointment(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.svc)
	e := echo.New()

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`)).WithContext(f.staff())
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	err := h.Create(e.NewContext(req, httptest.NewRecorder()))
	if httpErr, ok := err.(*echo.HTTPError); !ok || httpErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}

func TestHandler_GetAndJoin(t *testing.T) {
	f := newFixture(t)
	vs, _ := f.svc.Create(f.staff(), f.appt.ID)
	h := NewHandler(f.svc)
	e := echo.New()

	newCtx := func(ctx context.Context) (echo.Context, *httptest.ResponseRecorder) {
		rec := httptest.NewRecorder()
		c := e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil).WithContext(ctx), rec)
		c.SetParamNames("id")
		c.SetParamValues(vs.ID.String())
		return c, rec
	}

	patient := f.as(f.patientUID, auth.RolePatient)
	c, rec := newCtx(patient)
	if err := h.Get(c); err != nil || rec.Code != http.StatusOK {
		t.Fatalf("patient get: code=%d err=%v", rec.Code, err)
	}

	c, _ = newCtx(f.as(uuid.New(), auth.RolePatient))
	if err := h.Get(c); err == nil {
		t.Fatal("expected a stranger to be refused")
	} else if httpErr, ok := err.(*echo.HTTPError); !ok || httpErr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %v", err)
	}

	c, rec = newCtx(patient)
	if err := h.Join(c); err != nil || rec.Code != http.StatusCreated {
		t.Fatalf("join: code=%d err=%v", rec.Code, err)
	}

	c, rec = newCtx(f.staff())
	if err := h.Events(c); err != nil {
		t.Fatalf("events: %v", err)
	}
	var events []ParticipantEvent
	if err := json.Unmarshal(rec.Body.Bytes(), &events); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(events) != 1 || events[0].Kind != EventJoin {
		t.Errorf("unexpected events %+v", events)
	}
}

func TestHandler_IssueToken_Statuses(t *testing.T) {
	f := newFixture(t)
	vs, _ := f.svc.Create(f.staff(), f.appt.ID)
	h := NewHandler(f.svc)
	e := echo.New()

	call := func(ctx context.Context, id string) error {
		c := e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil).WithContext(ctx), httptest.NewRecorder())
		c.SetParamNames("id")
		c.SetParamValues(id)
		return h.IssueToken(c)
	}

	if err := call(f.as(f.patientUID, auth.RolePatient), vs.ID.String()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		name string
		ctx  context.Context
		id   string
		code int
	}{
		{"bad id", f.staff(), "nope", http.StatusBadRequest},
		{"unknown", f.staff(), uuid.NewString(), http.StatusNotFound},
		{"stranger", f.as(uuid.New(), auth.RolePatient), vs.ID.String(), http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := call(tt.ctx, tt.id)
			httpErr, ok := err.(*echo.HTTPError)
			if !ok || httpErr.Code != tt.code {
				t.Fatalf("expected %d, got %v", tt.code, err)
			}
		})
	}

	f.svc.End(f.staff(), vs.ID)
	err := call(f.as(f.patientUID, auth.RolePatient), vs.ID.String())
	if httpErr, ok := err.(*echo.HTTPError); !ok || httpErr.Code != http.StatusConflict {
		t.Fatalf("expected 409 for an ended session, got %v", err)
	}
}

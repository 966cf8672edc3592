package telehealth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vitaluxe/vitaluxe-flow/internal/domain/audit"
	"github.com/vitaluxe/vitaluxe-flow/internal/domain/practice"
	"github.com/vitaluxe/vitaluxe-flow/internal/domain/scheduling"
	"github.com/vitaluxe/vitaluxe-flow/internal/platform/auth"
	"github.com/vitaluxe/vitaluxe-flow/internal/platform/db"
	"github.com/vitaluxe/vitaluxe-flow/internal/platform/notification"
	"github.com/vitaluxe/vitaluxe-flow/internal/platform/video"
)

const (
	testAppID = "970ca35de60c44645bbae8a215061b33"
	testCert  = "5cfd2fd1755d40ecb72977518be15d3b"
)

// -- Mocks --

type mockSessionRepo struct {
	items  map[uuid.UUID]*VideoSession
	events []*ParticipantEvent
}

func newMockSessionRepo() *mockSessionRepo {
	return &mockSessionRepo{items: make(map[uuid.UUID]*VideoSession)}
}

func (m *mockSessionRepo) Create(_ context.Context, s *VideoSession) error {
	for _, existing := range m.items {
		if existing.AppointmentID == s.AppointmentID {
			return ErrSessionExists
		}
	}
	m.items[s.ID] = s
	return nil
}

func (m *mockSessionRepo) GetByID(_ context.Context, id uuid.UUID) (*VideoSession, error) {
	s, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

func (m *mockSessionRepo) GetByAppointment(_ context.Context, apptID uuid.UUID) (*VideoSession, error) {
	for _, s := range m.items {
		if s.AppointmentID == apptID {
			return s, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockSessionRepo) Update(_ context.Context, s *VideoSession) error {
	m.items[s.ID] = s
	return nil
}

func (m *mockSessionRepo) List(_ context.Context, status string, limit, offset int) ([]*VideoSession, int, error) {
	var out []*VideoSession
	for _, s := range m.items {
		if status == "" || s.Status == status {
			out = append(out, s)
		}
	}
	return out, len(out), nil
}

func (m *mockSessionRepo) AddEvent(_ context.Context, e *ParticipantEvent) error {
	e.ID = uuid.New()
	e.At = time.Now()
	m.events = append(m.events, e)
	return nil
}

func (m *mockSessionRepo) ListEvents(_ context.Context, sessionID uuid.UUID) ([]*ParticipantEvent, error) {
	var out []*ParticipantEvent
	for _, e := range m.events {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out, nil
}

type mockAppointments struct {
	items map[uuid.UUID]*scheduling.Appointment
}

func (m *mockAppointments) GetAppointment(_ context.Context, id uuid.UUID) (*scheduling.Appointment, error) {
	a, ok := m.items[id]
	if !ok {
		return nil, scheduling.ErrNotFound
	}
	return a, nil
}

type mockDirectory struct {
	provider *practice.Provider
	patient  *practice.Patient
}

func (m *mockDirectory) GetProvider(_ context.Context, id uuid.UUID) (*practice.Provider, error) {
	if id == m.provider.ID {
		return m.provider, nil
	}
	return nil, practice.ErrNotFound
}

func (m *mockDirectory) GetPatient(_ context.Context, id uuid.UUID) (*practice.Patient, error) {
	if id == m.patient.ID {
		return m.patient, nil
	}
	return nil, practice.ErrNotFound
}

func (m *mockDirectory) GetProviderByUser(_ context.Context, userID uuid.UUID) (*practice.Provider, error) {
	if m.provider.UserID != nil && *m.provider.UserID == userID {
		return m.provider, nil
	}
	return nil, practice.ErrNotFound
}

func (m *mockDirectory) GetPatientByUser(_ context.Context, userID uuid.UUID) (*practice.Patient, error) {
	if m.patient.UserID != nil && *m.patient.UserID == userID {
		return m.patient, nil
	}
	return nil, practice.ErrNotFound
}

type mockNotifier struct {
	sent []map[string]string
}

func (m *mockNotifier) Broadcast(_ context.Context, templateID string, _ notification.Recipient, data map[string]string) error {
	if templateID != notification.TemplateVideoVisitReady {
		return errors.New("unexpected template")
	}
	m.sent = append(m.sent, data)
	return nil
}

type mockInvalidator struct{ calls int }

func (m *mockInvalidator) Invalidate(string, string, string) { m.calls++ }

type mockAudit struct{ actions []string }

func (m *mockAudit) Record(_ context.Context, action, _, _ string, _ map[string]any) {
	m.actions = append(m.actions, action)
}

// -- Fixture --

type fixture struct {
	svc         *Service
	sessions    *mockSessionRepo
	appts       *mockAppointments
	notifier    *mockNotifier
	inv         *mockInvalidator
	audit       *mockAudit
	ctx         context.Context
	appt        *scheduling.Appointment
	providerUID uuid.UUID
	patientUID  uuid.UUID
	now         time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tokens, err := video.NewTokenService(testAppID, testCert, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	providerUser, patientUser := uuid.New(), uuid.New()
	prov := &practice.Provider{ID: uuid.New(), UserID: &providerUser, Name: "Dr. Reyes", VideoEnabled: true, Active: true}
	pat := &practice.Patient{ID: uuid.New(), UserID: &patientUser, FirstName: "Ana", LastName: "Silva", Email: "ana@glow.test"}
	appt := &scheduling.Appointment{
		ID: uuid.New(), ProviderID: prov.ID, PatientID: pat.ID,
		Type: scheduling.TypeVideo, Status: scheduling.StatusConfirmed,
	}

	f := &fixture{
		sessions:    newMockSessionRepo(),
		appts:       &mockAppointments{items: map[uuid.UUID]*scheduling.Appointment{appt.ID: appt}},
		notifier:    &mockNotifier{},
		inv:         &mockInvalidator{},
		audit:       &mockAudit{},
		ctx:         db.WithPractice(context.Background(), db.Practice{ID: uuid.New(), Slug: "glow"}),
		appt:        appt,
		providerUID: providerUser,
		patientUID:  patientUser,
		now:         time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC),
	}
	f.svc = NewService(f.sessions, f.appts, &mockDirectory{provider: prov, patient: pat}, tokens,
		f.notifier, f.inv, f.audit, zerolog.Nop(),
		WithJoinURL("https://app.vitaluxe.test/"), WithClock(func() time.Time { return f.now }))
	return f
}

func (f *fixture) as(userID uuid.UUID, roles ...string) context.Context {
	return auth.WithIdentity(f.ctx, auth.Identity{UserID: userID, Roles: roles})
}

func (f *fixture) staff() context.Context {
	return f.as(uuid.New(), auth.RoleStaff)
}

// -- Tests --

func TestCreate(t *testing.T) {
	f := newFixture(t)
	vs, err := f.svc.Create(f.staff(), f.appt.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vs.Status != StatusWaiting || vs.ChannelName != video.ChannelFor(vs.ID) {
		t.Errorf("unexpected session %+v", vs)
	}
	if !video.ValidChannelName(vs.ChannelName) {
		t.Errorf("channel name %q is not valid for the video network", vs.ChannelName)
	}
	if len(f.notifier.sent) != 1 {
		t.Fatal("expected a ready notification")
	}
	if link := f.notifier.sent[0]["join_link"]; link != "https://app.vitaluxe.test/visits/"+vs.ID.String() {
		t.Errorf("unexpected join link %q", link)
	}

	if _, err := f.svc.Create(f.staff(), f.appt.ID); !errors.Is(err, ErrSessionExists) {
		t.Errorf("second session: got %v", err)
	}
}

func TestCreate_Rejects(t *testing.T) {
	f := newFixture(t)
	f.appt.Type = scheduling.TypeInPerson
	if _, err := f.svc.Create(f.staff(), f.appt.ID); !errors.Is(err, ErrNotVideoVisit) {
		t.Errorf("in-person: got %v", err)
	}
	f.appt.Type = scheduling.TypeVideo
	f.appt.Status = scheduling.StatusCancelled
	if _, err := f.svc.Create(f.staff(), f.appt.ID); err == nil {
		t.Error("expected cancelled appointment to be rejected")
	}
	if _, err := f.svc.Create(f.staff(), uuid.New()); !errors.Is(err, scheduling.ErrNotFound) {
		t.Errorf("unknown appointment: got %v", err)
	}
}

func TestIssueToken(t *testing.T) {
	f := newFixture(t)
	vs, _ := f.svc.Create(f.staff(), f.appt.ID)

	grant, err := f.svc.IssueToken(f.as(f.patientUID, auth.RolePatient), vs.ID)
	if err != nil {
		t.Fatalf("patient token: %v", err)
	}
	if grant.UID != video.UIDFor(f.patientUID) || grant.Role != "publisher" || grant.Channel != vs.ChannelName {
		t.Errorf("unexpected grant %+v", grant)
	}
	if _, err := video.Verify(grant.Token, testCert); err != nil {
		t.Errorf("token does not verify: %v", err)
	}
	if vs.Status != StatusActive || vs.StartedAt == nil || !vs.StartedAt.Equal(f.now) {
		t.Errorf("first token should activate the session: %+v", vs)
	}

	f.now = f.now.Add(time.Minute)
	if _, err := f.svc.IssueToken(f.as(f.providerUID, auth.RoleProvider), vs.ID); err != nil {
		t.Fatalf("provider token: %v", err)
	}
	if !vs.StartedAt.Equal(f.now.Add(-time.Minute)) {
		t.Error("started_at must not move on later tokens")
	}

	n := 0
	for _, a := range f.audit.actions {
		if a == audit.ActionVideoToken {
			n++
		}
	}
	if n != 2 {
		t.Errorf("expected 2 audited token grants, got %d", n)
	}
}

func TestIssueToken_Rejects(t *testing.T) {
	f := newFixture(t)
	vs, _ := f.svc.Create(f.staff(), f.appt.ID)

	if _, err := f.svc.IssueToken(f.as(uuid.New(), auth.RolePatient), vs.ID); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("stranger: got %v", err)
	}
	if _, err := f.svc.IssueToken(f.as(uuid.New(), auth.RoleProvider), vs.ID); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("other provider: got %v", err)
	}

	f.svc.End(f.staff(), vs.ID)
	if _, err := f.svc.IssueToken(f.as(f.patientUID, auth.RolePatient), vs.ID); !errors.Is(err, ErrSessionEnded) {
		t.Errorf("ended: got %v", err)
	}

	f.svc.tokens = nil
	if _, err := f.svc.IssueToken(f.staff(), vs.ID); !errors.Is(err, ErrVideoDisabled) {
		t.Errorf("disabled: got %v", err)
	}
}

func TestEnd_Idempotent(t *testing.T) {
	f := newFixture(t)
	vs, _ := f.svc.Create(f.staff(), f.appt.ID)

	first, err := f.svc.End(f.staff(), vs.ID)
	if err != nil {
		t.Fatal(err)
	}
	endedAt := *first.EndedAt
	f.now = f.now.Add(time.Hour)
	second, err := f.svc.End(f.staff(), vs.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !second.EndedAt.Equal(endedAt) {
		t.Error("ending twice must not move ended_at")
	}
}

func TestJoinLeave(t *testing.T) {
	f := newFixture(t)
	vs, _ := f.svc.Create(f.staff(), f.appt.ID)
	patient := f.as(f.patientUID, auth.RolePatient)

	if _, err := f.svc.Join(patient, vs.ID); err != nil {
		t.Fatal(err)
	}
	f.svc.End(f.staff(), vs.ID)
	if _, err := f.svc.Join(patient, vs.ID); !errors.Is(err, ErrSessionEnded) {
		t.Errorf("join after end: got %v", err)
	}
	if _, err := f.svc.Leave(patient, vs.ID); err != nil {
		t.Errorf("leave after end should be recorded: %v", err)
	}

	events, _ := f.svc.Events(f.staff(), vs.ID)
	if len(events) != 2 || events[0].Kind != EventJoin || events[1].Kind != EventLeave {
		t.Fatalf("unexpected events %+v", events)
	}
	if events[0].UID != video.UIDFor(f.patientUID) {
		t.Error("event uid should match the token uid")
	}
}

package scheduling

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vitaluxe/vitaluxe-flow/internal/domain/practice"
	"github.com/vitaluxe/vitaluxe-flow/internal/platform/db"
	"github.com/vitaluxe/vitaluxe-flow/internal/platform/notification"
	sched "github.com/vitaluxe/vitaluxe-flow/internal/platform/scheduling"
)

// -- Mock Repositories --

type mockAppointmentRepo struct {
	items map[uuid.UUID]*Appointment
}

func newMockAppointmentRepo() *mockAppointmentRepo {
	return &mockAppointmentRepo{items: make(map[uuid.UUID]*Appointment)}
}

func (m *mockAppointmentRepo) Create(_ context.Context, a *Appointment) error {
	a.ID = uuid.New()
	m.items[a.ID] = a
	return nil
}

func (m *mockAppointmentRepo) GetByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	a, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return a, nil
}

func (m *mockAppointmentRepo) Update(_ context.Context, a *Appointment) error {
	if _, ok := m.items[a.ID]; !ok {
		return ErrNotFound
	}
	m.items[a.ID] = a
	return nil
}

func (m *mockAppointmentRepo) List(_ context.Context, f ListFilter, limit, offset int) ([]*Appointment, int, error) {
	var out []*Appointment
	for _, a := range m.items {
		if f.PatientID != uuid.Nil && a.PatientID != f.PatientID {
			continue
		}
		if f.ProviderID != uuid.Nil && a.ProviderID != f.ProviderID {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		out = append(out, a)
	}
	return out, len(out), nil
}

func (m *mockAppointmentRepo) ListBusy(_ context.Context, providerID uuid.UUID, from, to time.Time, exclude uuid.UUID) ([]sched.Interval, error) {
	var out []sched.Interval
	window := sched.Interval{Start: from, End: to}
	for _, a := range m.items {
		if a.ProviderID != providerID || a.ID == exclude || IsTerminal(a.Status) {
			continue
		}
		if sched.Overlaps(a.Interval(), window) {
			out = append(out, a.Interval())
		}
	}
	return out, nil
}

func (m *mockAppointmentRepo) DueForReminder(_ context.Context, from, to time.Time) ([]*Appointment, error) {
	var out []*Appointment
	for _, a := range m.items {
		if a.RemindedAt != nil || (a.Status != StatusScheduled && a.Status != StatusConfirmed) {
			continue
		}
		if !a.StartsAt.Before(from) && a.StartsAt.Before(to) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *mockAppointmentRepo) MarkReminded(_ context.Context, id uuid.UUID, at time.Time) error {
	if a, ok := m.items[id]; ok {
		a.RemindedAt = &at
	}
	return nil
}

type mockHoursRepo struct {
	items map[uuid.UUID][]*BusinessHour
}

func newMockHoursRepo() *mockHoursRepo {
	return &mockHoursRepo{items: make(map[uuid.UUID][]*BusinessHour)}
}

func (m *mockHoursRepo) ListByProvider(_ context.Context, providerID uuid.UUID) ([]*BusinessHour, error) {
	return m.items[providerID], nil
}

func (m *mockHoursRepo) Replace(_ context.Context, providerID uuid.UUID, hours []*BusinessHour) error {
	for _, h := range hours {
		h.ID = uuid.New()
	}
	m.items[providerID] = hours
	return nil
}

type mockBlockRepo struct {
	items map[uuid.UUID]*BlockedTime
}

func newMockBlockRepo() *mockBlockRepo {
	return &mockBlockRepo{items: make(map[uuid.UUID]*BlockedTime)}
}

func (m *mockBlockRepo) Create(_ context.Context, b *BlockedTime) error {
	b.ID = uuid.New()
	m.items[b.ID] = b
	return nil
}

func (m *mockBlockRepo) GetByID(_ context.Context, id uuid.UUID) (*BlockedTime, error) {
	b, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return b, nil
}

func (m *mockBlockRepo) Delete(_ context.Context, id uuid.UUID) error {
	if _, ok := m.items[id]; !ok {
		return ErrNotFound
	}
	delete(m.items, id)
	return nil
}

func (m *mockBlockRepo) ListOverlapping(_ context.Context, providerID uuid.UUID, from, to time.Time) ([]*BlockedTime, error) {
	var out []*BlockedTime
	for _, b := range m.items {
		if b.ProviderID != nil && *b.ProviderID != providerID {
			continue
		}
		if b.StartsAt.Before(to) && b.EndsAt.After(from) {
			out = append(out, b)
		}
	}
	return out, nil
}

type mockDirectory struct {
	practice  *practice.Practice
	providers map[uuid.UUID]*practice.Provider
	patients  map[uuid.UUID]*practice.Patient
}

func (m *mockDirectory) CurrentPractice(context.Context) (*practice.Practice, error) {
	return m.practice, nil
}

func (m *mockDirectory) GetProvider(_ context.Context, id uuid.UUID) (*practice.Provider, error) {
	p, ok := m.providers[id]
	if !ok {
		return nil, practice.ErrNotFound
	}
	return p, nil
}

func (m *mockDirectory) GetPatient(_ context.Context, id uuid.UUID) (*practice.Patient, error) {
	p, ok := m.patients[id]
	if !ok {
		return nil, practice.ErrNotFound
	}
	return p, nil
}

func (m *mockDirectory) GetPatientByUser(_ context.Context, userID uuid.UUID) (*practice.Patient, error) {
	for _, p := range m.patients {
		if p.UserID != nil && *p.UserID == userID {
			return p, nil
		}
	}
	return nil, practice.ErrNotFound
}

type sentMessage struct {
	template string
	to       notification.Recipient
	data     map[string]string
}

type mockNotifier struct {
	sent   []sentMessage
	failTo map[string]bool
}

func (m *mockNotifier) Broadcast(_ context.Context, templateID string, to notification.Recipient, data map[string]string) error {
	if m.failTo[to.Email] {
		return errors.New("smtp unavailable")
	}
	m.sent = append(m.sent, sentMessage{template: templateID, to: to, data: data})
	return nil
}

func (m *mockNotifier) count(templateID string) int {
	n := 0
	for _, s := range m.sent {
		if s.template == templateID {
			n++
		}
	}
	return n
}

type mockInvalidator struct {
	calls []string
}

func (m *mockInvalidator) Invalidate(practice, table, id string) {
	m.calls = append(m.calls, practice+"/"+table+"/"+id)
}

// -- Fixture --

// Monday 1 June 2026, 08:00 UTC.
var testNow = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

func at(hour, minute int) time.Time {
	return time.Date(2026, 6, 1, hour, minute, 0, 0, time.UTC)
}

type fixture struct {
	svc      *Service
	appts    *mockAppointmentRepo
	hours    *mockHoursRepo
	blocks   *mockBlockRepo
	dir      *mockDirectory
	notifier *mockNotifier
	inv      *mockInvalidator
	ctx      context.Context
	provider *practice.Provider
	patient  *practice.Patient
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	pr := &practice.Practice{ID: uuid.New(), Slug: "glow", Name: "Glow Wellness", Timezone: "UTC", Active: true}
	userID := uuid.New()
	prov := &practice.Provider{ID: uuid.New(), PracticeID: pr.ID, Name: "Dr. Reyes", VideoEnabled: true, Active: true}
	pat := &practice.Patient{ID: uuid.New(), PracticeID: pr.ID, UserID: &userID, FirstName: "Ana", LastName: "Silva", Email: "ana@glow.test"}

	f := &fixture{
		appts:  newMockAppointmentRepo(),
		hours:  newMockHoursRepo(),
		blocks: newMockBlockRepo(),
		dir: &mockDirectory{
			practice:  pr,
			providers: map[uuid.UUID]*practice.Provider{prov.ID: prov},
			patients:  map[uuid.UUID]*practice.Patient{pat.ID: pat},
		},
		notifier: &mockNotifier{failTo: map[string]bool{}},
		inv:      &mockInvalidator{},
		ctx:      db.WithPractice(context.Background(), db.Practice{ID: pr.ID, Slug: pr.Slug}),
		provider: prov,
		patient:  pat,
	}
	f.svc = NewService(f.appts, f.hours, f.blocks, f.dir, f.notifier, f.inv, zerolog.Nop(),
		WithClock(func() time.Time { return testNow }))

	if _, err := f.svc.SetHours(f.ctx, prov.ID, []sched.BusinessHours{
		{Weekday: time.Monday, Opens: "09:00", Closes: "17:00", Enabled: true},
	}); err != nil {
		t.Fatalf("set hours: %v", err)
	}
	return f
}

func (f *fixture) book(t *testing.T, start, end time.Time) *Appointment {
	t.Helper()
	a := &Appointment{ProviderID: f.provider.ID, PatientID: f.patient.ID, StartsAt: start, EndsAt: end}
	if err := f.svc.Book(f.ctx, a); err != nil {
		t.Fatalf("book %v: %v", start, err)
	}
	return a
}

// -- Booking --

func TestBook(t *testing.T) {
	f := newFixture(t)
	a := f.book(t, at(10, 0), at(10, 30))

	if a.Status != StatusScheduled || a.Type != TypeInPerson {
		t.Errorf("unexpected appointment %+v", a)
	}
	if a.PracticeID != f.dir.practice.ID {
		t.Error("expected practice id from context")
	}
	if f.notifier.count(notification.TemplateAppointmentConfirmation) != 1 {
		t.Fatal("expected a confirmation")
	}
	msg := f.notifier.sent[0]
	if msg.to.Email != "ana@glow.test" || msg.data["provider"] != "Dr. Reyes" || msg.data["patient_name"] != "Ana Silva" {
		t.Errorf("unexpected confirmation %+v", msg)
	}
	want := "glow/appointments/" + a.ID.String()
	if got := f.inv.calls[len(f.inv.calls)-1]; got != want {
		t.Errorf("expected invalidation %s, got %s", want, got)
	}
}

func TestBook_SlotRules(t *testing.T) {
	f := newFixture(t)
	f.book(t, at(10, 0), at(10, 30))
	pid := f.provider.ID
	f.svc.CreateBlock(f.ctx, &BlockedTime{ProviderID: &pid, StartsAt: at(12, 0), EndsAt: at(13, 0), Reason: "lunch"})

	tests := []struct {
		name       string
		start, end time.Time
		want       error
	}{
		{"overlap", at(10, 15), at(10, 45), sched.ErrConflict},
		{"outside hours", at(17, 0), at(17, 30), sched.ErrOutsideBusinessHours},
		{"blocked", at(12, 30), at(13, 0), sched.ErrBlocked},
		{"in the past", at(7, 0), at(7, 30), sched.ErrInPast},
		{"end before start", at(11, 0), at(10, 0), sched.ErrInvalidInterval},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &Appointment{ProviderID: pid, PatientID: f.patient.ID, StartsAt: tt.start, EndsAt: tt.end}
			err := f.svc.Book(f.ctx, a)
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestBook_TouchingSlotsAllowed(t *testing.T) {
	f := newFixture(t)
	f.book(t, at(10, 0), at(10, 30))
	f.book(t, at(10, 30), at(11, 0))
	f.book(t, at(9, 30), at(10, 0))
}

func TestBook_Validation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		a    Appointment
	}{
		{"missing provider", Appointment{PatientID: f.patient.ID, StartsAt: at(10, 0), EndsAt: at(10, 30)}},
		{"missing patient", Appointment{ProviderID: f.provider.ID, StartsAt: at(10, 0), EndsAt: at(10, 30)}},
		{"bad type", Appointment{ProviderID: f.provider.ID, PatientID: f.patient.ID, Type: "phone", StartsAt: at(10, 0), EndsAt: at(10, 30)}},
		{"unknown patient", Appointment{ProviderID: f.provider.ID, PatientID: uuid.New(), StartsAt: at(10, 0), EndsAt: at(10, 30)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := tt.a
			if err := f.svc.Book(f.ctx, &a); err == nil {
				t.Fatal("expected error")
			}
		})
	}

	if err := f.svc.Book(context.Background(), &Appointment{}); !errors.Is(err, db.ErrNoPractice) {
		t.Errorf("expected ErrNoPractice without a practice, got %v", err)
	}
}

func TestBook_VideoNeedsVideoProvider(t *testing.T) {
	f := newFixture(t)
	f.provider.VideoEnabled = false
	a := &Appointment{ProviderID: f.provider.ID, PatientID: f.patient.ID, Type: TypeVideo, StartsAt: at(10, 0), EndsAt: at(10, 30)}
	if err := f.svc.Book(f.ctx, a); err == nil {
		t.Fatal("expected error")
	}
}

func TestBook_NotificationFailureKeepsBooking(t *testing.T) {
	f := newFixture(t)
	f.notifier.failTo["ana@glow.test"] = true
	a := f.book(t, at(10, 0), at(10, 30))
	if _, err := f.appts.GetByID(context.Background(), a.ID); err != nil {
		t.Fatal("booking should stand when the confirmation fails")
	}
}

// -- Reschedule / status --

func TestReschedule(t *testing.T) {
	f := newFixture(t)
	a := f.book(t, at(10, 0), at(10, 30))
	other := f.book(t, at(11, 0), at(11, 30))
	reminded := testNow
	a.RemindedAt = &reminded

	// Overlapping only itself is fine.
	moved, err := f.svc.Reschedule(f.ctx, a.ID, at(10, 15), at(10, 45))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !moved.StartsAt.Equal(at(10, 15)) || moved.RemindedAt != nil {
		t.Errorf("unexpected appointment after reschedule %+v", moved)
	}

	if _, err := f.svc.Reschedule(f.ctx, a.ID, at(11, 15), at(11, 45)); !errors.Is(err, ErrSlotUnavailable) {
		t.Errorf("expected conflict with %s, got %v", other.ID, err)
	}

	f.svc.UpdateStatus(f.ctx, other.ID, StatusCancelled, "")
	if _, err := f.svc.Reschedule(f.ctx, other.ID, at(14, 0), at(14, 30)); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("cancelled appointments cannot move, got %v", err)
	}
}

func TestUpdateStatus(t *testing.T) {
	f := newFixture(t)
	a := f.book(t, at(10, 0), at(10, 30))

	for _, s := range []string{StatusConfirmed, StatusCheckedIn, StatusInProgress, StatusCompleted} {
		if _, err := f.svc.UpdateStatus(f.ctx, a.ID, s, ""); err != nil {
			t.Fatalf("-> %s: %v", s, err)
		}
	}
	if _, err := f.svc.UpdateStatus(f.ctx, a.ID, StatusCancelled, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("completed appointments cannot be cancelled, got %v", err)
	}
	if _, err := f.svc.UpdateStatus(f.ctx, uuid.New(), StatusConfirmed, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateStatus_CancelFreesSlot(t *testing.T) {
	f := newFixture(t)
	a := f.book(t, at(10, 0), at(10, 30))

	got, err := f.svc.UpdateStatus(f.ctx, a.ID, StatusCancelled, "  feeling better ")
	if err != nil {
		t.Fatal(err)
	}
	if got.CancelledReason == nil || *got.CancelledReason != "feeling better" {
		t.Errorf("unexpected cancelled reason %v", got.CancelledReason)
	}
	if f.notifier.count(notification.TemplateAppointmentCancelled) != 1 {
		t.Error("expected a cancellation notice")
	}
	f.book(t, at(10, 0), at(10, 30))
}

// -- Availability --

func TestAvailability(t *testing.T) {
	f := newFixture(t)
	f.svc.SetHours(f.ctx, f.provider.ID, []sched.BusinessHours{
		{Weekday: time.Monday, Opens: "09:00", Closes: "11:00", Enabled: true},
	})
	f.book(t, at(9, 30), at(10, 0))

	slots, err := f.svc.Availability(f.ctx, f.provider.ID, at(0, 0), at(23, 59), 30)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []time.Time{at(9, 0), at(10, 0), at(10, 30)}
	if len(slots) != len(want) {
		t.Fatalf("expected %d slots, got %v", len(want), slots)
	}
	for i, w := range want {
		if !slots[i].Start.Equal(w) {
			t.Errorf("slot %d starts %v, want %v", i, slots[i].Start, w)
		}
	}

	if _, err := f.svc.Availability(f.ctx, f.provider.ID, at(10, 0), at(9, 0), 30); err == nil {
		t.Error("expected inverted range to fail")
	}
	if _, err := f.svc.Availability(f.ctx, uuid.New(), at(0, 0), at(23, 0), 30); !errors.Is(err, practice.ErrNotFound) {
		t.Errorf("unknown provider: got %v", err)
	}
}

func TestAvailability_Empty(t *testing.T) {
	f := newFixture(t)
	slots, err := f.svc.Availability(f.ctx, f.provider.ID, at(18, 0), at(20, 0), 30)
	if err != nil {
		t.Fatal(err)
	}
	if slots == nil || len(slots) != 0 {
		t.Errorf("expected an empty non-nil slice, got %v", slots)
	}
}

// -- Hours / blocks --

func TestSetHours_Invalid(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.SetHours(f.ctx, f.provider.ID, []sched.BusinessHours{
		{Weekday: time.Tuesday, Opens: "09:00", Closes: "12:00", Enabled: true},
		{Weekday: time.Tuesday, Opens: "11:00", Closes: "14:00", Enabled: true},
	})
	if !errors.Is(err, sched.ErrInvalidHours) {
		t.Fatalf("expected ErrInvalidHours, got %v", err)
	}
	hours, _ := f.svc.ListHours(f.ctx, f.provider.ID)
	if len(hours) != 1 || hours[0].Weekday != int(time.Monday) {
		t.Error("existing hours should be untouched")
	}
}

func TestBlocks(t *testing.T) {
	f := newFixture(t)
	if err := f.svc.CreateBlock(f.ctx, &BlockedTime{StartsAt: at(12, 0), EndsAt: at(11, 0)}); err == nil {
		t.Error("expected end-before-start to fail")
	}

	// Practice-wide blocks apply to every provider.
	holiday := &BlockedTime{StartsAt: at(0, 0), EndsAt: at(23, 59), Reason: "holiday"}
	if err := f.svc.CreateBlock(f.ctx, holiday); err != nil {
		t.Fatal(err)
	}
	err := f.svc.Book(f.ctx, &Appointment{ProviderID: f.provider.ID, PatientID: f.patient.ID, StartsAt: at(10, 0), EndsAt: at(10, 30)})
	if !errors.Is(err, sched.ErrBlocked) {
		t.Fatalf("expected ErrBlocked, got %v", err)
	}

	if err := f.svc.DeleteBlock(f.ctx, holiday.ID); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.DeleteBlock(f.ctx, holiday.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete: got %v", err)
	}
	f.book(t, at(10, 0), at(10, 30))
}

// -- Reminders --

func TestSendDueReminders(t *testing.T) {
	f := newFixture(t)
	bobUser := uuid.New()
	bob := &practice.Patient{ID: uuid.New(), UserID: &bobUser, FirstName: "Bob", LastName: "Lee", Email: "bob@glow.test"}
	f.dir.patients[bob.ID] = bob

	soon := f.book(t, at(10, 0), at(10, 30))
	failing := &Appointment{ProviderID: f.provider.ID, PatientID: bob.ID, StartsAt: at(11, 0), EndsAt: at(11, 30)}
	if err := f.svc.Book(f.ctx, failing); err != nil {
		t.Fatal(err)
	}
	cancelled := f.book(t, at(12, 0), at(12, 30))
	f.svc.UpdateStatus(f.ctx, cancelled.ID, StatusCancelled, "")
	f.notifier.failTo["bob@glow.test"] = true

	n, err := f.svc.SendDueReminders(f.ctx, testNow)
	if n != 1 {
		t.Fatalf("expected 1 reminder, got %d", n)
	}
	if err == nil {
		t.Error("expected the failed reminder to be reported")
	}
	if soon.RemindedAt == nil {
		t.Error("sent reminder should be marked")
	}
	if failing.RemindedAt != nil {
		t.Error("failed reminder must stay unmarked for retry")
	}
	if cancelled.RemindedAt != nil {
		t.Error("cancelled appointments get no reminder")
	}

	n, _ = f.svc.SendDueReminders(f.ctx, testNow)
	if n != 0 {
		t.Errorf("already reminded appointments should not be sent again, got %d", n)
	}
}

func TestSendDueReminders_PartialDeliveryIsMarked(t *testing.T) {
	f := newFixture(t)
	email := &notification.MockEmailSender{}
	push := &notification.MockPushSender{Reject: map[string]bool{"stale-token": true}}
	f.svc.notify = notification.NewManager(zerolog.Nop(),
		notification.WithEmail(email), notification.WithPush(push))
	f.patient.PushTokens = []string{"stale-token"}

	a := f.book(t, at(10, 0), at(10, 30))
	booked := len(email.Calls())

	for run := 1; run <= 3; run++ {
		n, err := f.svc.SendDueReminders(f.ctx, testNow)
		if err != nil {
			t.Fatalf("run %d: partial delivery should not fail the job: %v", run, err)
		}
		want := 0
		if run == 1 {
			want = 1
		}
		if n != want {
			t.Fatalf("run %d: expected %d reminders, got %d", run, want, n)
		}
	}
	if a.RemindedAt == nil {
		t.Fatal("appointment should be marked once the email went out")
	}
	if got := len(email.Calls()) - booked; got != 1 {
		t.Errorf("expected exactly one reminder email, got %d", got)
	}
}

func TestSendDueReminders_NothingDeliveredIsRetried(t *testing.T) {
	f := newFixture(t)
	email := &notification.MockEmailSender{ShouldFail: true}
	f.svc.notify = notification.NewManager(zerolog.Nop(), notification.WithEmail(email))

	a := f.book(t, at(10, 0), at(10, 30))
	n, err := f.svc.SendDueReminders(f.ctx, testNow)
	if n != 0 || err == nil {
		t.Fatalf("expected a reported failure, got n=%d err=%v", n, err)
	}
	if a.RemindedAt != nil {
		t.Error("undelivered reminder must stay unmarked")
	}
}

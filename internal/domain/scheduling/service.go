// Package scheduling books appointments against provider business hours and
// blocked time, and sends confirmations and reminders.
package scheduling

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vitaluxe/vitaluxe-flow/internal/domain/practice"
	"github.com/vitaluxe/vitaluxe-flow/internal/platform/db"
	"github.com/vitaluxe/vitaluxe-flow/internal/platform/notification"
	sched "github.com/vitaluxe/vitaluxe-flow/internal/platform/scheduling"
	"github.com/vitaluxe/vitaluxe-flow/pkg/dateformat"
)

var (
	ErrSlotUnavailable   = errors.New("slot unavailable")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// DefaultReminderLead is how far ahead reminders go out.
const DefaultReminderLead = 24 * time.Hour

// Directory resolves the practice, providers and patients an appointment
// refers to.
type Directory interface {
	CurrentPractice(ctx context.Context) (*practice.Practice, error)
	GetProvider(ctx context.Context, id uuid.UUID) (*practice.Provider, error)
	GetPatient(ctx context.Context, id uuid.UUID) (*practice.Patient, error)
	GetPatientByUser(ctx context.Context, userID uuid.UUID) (*practice.Patient, error)
}

type Notifier interface {
	Broadcast(ctx context.Context, templateID string, to notification.Recipient, data map[string]string) error
}

type Invalidator interface {
	Invalidate(practice, table, id string)
}

type Service struct {
	appts  AppointmentRepository
	hours  HoursRepository
	blocks BlockRepository
	dir    Directory
	notify Notifier
	inv    Invalidator
	log    zerolog.Logger

	rules        sched.Rules
	reminderLead time.Duration
	now          func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithRules sets slot length, buffer, notice and horizon. Location is always
// taken from the practice.
func WithRules(r sched.Rules) Option {
	return func(s *Service) { s.rules = r }
}

func WithReminderLead(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.reminderLead = d
		}
	}
}

func NewService(appts AppointmentRepository, hours HoursRepository, blocks BlockRepository,
	dir Directory, notify Notifier, inv Invalidator, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		appts:        appts,
		hours:        hours,
		blocks:       blocks,
		dir:          dir,
		notify:       notify,
		inv:          inv,
		log:          logger.With().Str("component", "scheduling").Logger(),
		rules:        sched.DefaultRules(),
		reminderLead: DefaultReminderLead,
		now:          time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) practiceRules(ctx context.Context) (*practice.Practice, sched.Rules, error) {
	p, err := s.dir.CurrentPractice(ctx)
	if err != nil {
		return nil, sched.Rules{}, fmt.Errorf("resolve practice: %w", err)
	}
	r := s.rules
	r.Location = p.Location()
	return p, r, nil
}

func (s *Service) invalidate(ctx context.Context, table, id string) {
	if p, ok := db.PracticeFromContext(ctx); ok {
		s.inv.Invalidate(p.Slug, table, id)
	}
}

// -- Slot checks --

func (s *Service) providerHours(ctx context.Context, providerID uuid.UUID) ([]sched.BusinessHours, error) {
	stored, err := s.hours.ListByProvider(ctx, providerID)
	if err != nil {
		return nil, err
	}
	out := make([]sched.BusinessHours, 0, len(stored))
	for _, h := range stored {
		out = append(out, h.toRule())
	}
	return out, nil
}

func (s *Service) blockedIntervals(ctx context.Context, providerID uuid.UUID, from, to time.Time) ([]sched.Interval, error) {
	blocks, err := s.blocks.ListOverlapping(ctx, providerID, from, to)
	if err != nil {
		return nil, err
	}
	out := make([]sched.Interval, 0, len(blocks))
	for _, b := range blocks {
		out = append(out, sched.Interval{Start: b.StartsAt, End: b.EndsAt})
	}
	return out, nil
}

// CheckSlot returns nil when the provider can take slot. exclude names an
// appointment to ignore, for rescheduling. Rule violations wrap
// ErrSlotUnavailable and the platform reason.
func (s *Service) CheckSlot(ctx context.Context, providerID uuid.UUID, slot sched.Interval, exclude uuid.UUID) error {
	if !slot.End.After(slot.Start) {
		return sched.ErrInvalidInterval
	}
	_, rules, err := s.practiceRules(ctx)
	if err != nil {
		return err
	}
	prov, err := s.dir.GetProvider(ctx, providerID)
	if err != nil {
		return err
	}
	if !prov.Active {
		return fmt.Errorf("provider is inactive")
	}
	hours, err := s.providerHours(ctx, providerID)
	if err != nil {
		return err
	}
	blocked, err := s.blockedIntervals(ctx, providerID, slot.Start, slot.End)
	if err != nil {
		return err
	}
	busy, err := s.appts.ListBusy(ctx, providerID, slot.Start, slot.End, exclude)
	if err != nil {
		return err
	}
	if err := sched.ValidateSlot(s.now(), slot, hours, blocked, busy, rules); err != nil {
		if errors.Is(err, sched.ErrInvalidInterval) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrSlotUnavailable, err)
	}
	return nil
}

// Availability lists open slots of durationMinutes for a provider in
// [from, to).
func (s *Service) Availability(ctx context.Context, providerID uuid.UUID, from, to time.Time, durationMinutes int) ([]sched.Interval, error) {
	if !to.After(from) {
		return nil, fmt.Errorf("to must be after from")
	}
	if to.Sub(from) > 31*24*time.Hour {
		return nil, fmt.Errorf("range may not exceed 31 days")
	}
	_, rules, err := s.practiceRules(ctx)
	if err != nil {
		return nil, err
	}
	if durationMinutes > 0 {
		rules.SlotMinutes = durationMinutes
	}
	if _, err := s.dir.GetProvider(ctx, providerID); err != nil {
		return nil, err
	}
	hours, err := s.providerHours(ctx, providerID)
	if err != nil {
		return nil, err
	}
	blocked, err := s.blockedIntervals(ctx, providerID, from, to)
	if err != nil {
		return nil, err
	}
	busy, err := s.appts.ListBusy(ctx, providerID, from, to, uuid.Nil)
	if err != nil {
		return nil, err
	}
	slots := sched.FindSlots(s.now(), from, to, hours, blocked, busy, rules)
	if slots == nil {
		slots = []sched.Interval{}
	}
	return slots, nil
}

// -- Appointments --

func (s *Service) Book(ctx context.Context, a *Appointment) error {
	p, err := db.RequirePractice(ctx)
	if err != nil {
		return err
	}
	if a.ProviderID == uuid.Nil {
		return fmt.Errorf("provider_id is required")
	}
	if a.PatientID == uuid.Nil {
		return fmt.Errorf("patient_id is required")
	}
	if a.Type == "" {
		a.Type = TypeInPerson
	}
	if !validType(a.Type) {
		return fmt.Errorf("invalid appointment type: %s", a.Type)
	}
	patient, err := s.dir.GetPatient(ctx, a.PatientID)
	if err != nil {
		return err
	}
	if err := s.CheckSlot(ctx, a.ProviderID, a.Interval(), uuid.Nil); err != nil {
		return err
	}
	if a.Type == TypeVideo {
		prov, err := s.dir.GetProvider(ctx, a.ProviderID)
		if err != nil {
			return err
		}
		if !prov.VideoEnabled {
			return fmt.Errorf("provider does not offer video visits")
		}
	}

	a.PracticeID = p.ID
	a.Status = StatusScheduled
	a.Reason = strings.TrimSpace(a.Reason)
	a.CancelledReason = nil
	a.RemindedAt = nil
	if err := s.appts.Create(ctx, a); err != nil {
		return err
	}
	s.invalidate(ctx, "appointments", a.ID.String())
	s.sendFor(ctx, a, patient, notification.TemplateAppointmentConfirmation)
	return nil
}

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.appts.GetByID(ctx, id)
}

func (s *Service) ListAppointments(ctx context.Context, f ListFilter, limit, offset int) ([]*Appointment, int, error) {
	return s.appts.List(ctx, f, limit, offset)
}

// Reschedule moves a live appointment to a new slot. The pending reminder
// is reset so the new time gets one.
func (s *Service) Reschedule(ctx context.Context, id uuid.UUID, start, end time.Time) (*Appointment, error) {
	a, err := s.appts.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if IsTerminal(a.Status) {
		return nil, fmt.Errorf("%w: appointment is %s", ErrInvalidTransition, a.Status)
	}
	slot := sched.Interval{Start: start, End: end}
	if err := s.CheckSlot(ctx, a.ProviderID, slot, a.ID); err != nil {
		return nil, err
	}
	a.StartsAt, a.EndsAt = start, end
	a.RemindedAt = nil
	if err := s.appts.Update(ctx, a); err != nil {
		return nil, err
	}
	s.invalidate(ctx, "appointments", a.ID.String())
	if patient, err := s.dir.GetPatient(ctx, a.PatientID); err == nil {
		s.sendFor(ctx, a, patient, notification.TemplateAppointmentConfirmation)
	}
	return a, nil
}

// UpdateStatus moves an appointment along its lifecycle. reason is kept
// only for cancellations.
func (s *Service) UpdateStatus(ctx context.Context, id uuid.UUID, status, reason string) (*Appointment, error) {
	a, err := s.appts.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(a.Status, status) {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, a.Status, status)
	}
	a.Status = status
	if status == StatusCancelled {
		if r := strings.TrimSpace(reason); r != "" {
			a.CancelledReason = &r
		}
	}
	if err := s.appts.Update(ctx, a); err != nil {
		return nil, err
	}
	s.invalidate(ctx, "appointments", a.ID.String())
	if status == StatusCancelled {
		if patient, err := s.dir.GetPatient(ctx, a.PatientID); err == nil {
			s.sendFor(ctx, a, patient, notification.TemplateAppointmentCancelled)
		}
	}
	return a, nil
}

// SendDueReminders sends reminders for appointments starting within the
// reminder lead. An appointment is marked once its reminder reached the
// patient on at least one channel. Appointments nothing was delivered for are
// retried on the next run.
func (s *Service) SendDueReminders(ctx context.Context, now time.Time) (int, error) {
	due, err := s.appts.DueForReminder(ctx, now, now.Add(s.reminderLead))
	if err != nil {
		return 0, err
	}
	var errs []error
	sent := 0
	for _, a := range due {
		patient, err := s.dir.GetPatient(ctx, a.PatientID)
		if err != nil {
			errs = append(errs, fmt.Errorf("appointment %s: %w", a.ID, err))
			continue
		}
		if err := s.send(ctx, a, patient, notification.TemplateAppointmentReminder); err != nil {
			if !errors.Is(err, notification.ErrPartialDelivery) {
				errs = append(errs, fmt.Errorf("appointment %s: %w", a.ID, err))
				continue
			}
			s.log.Warn().Err(err).Str("appointment_id", a.ID.String()).
				Msg("reminder delivered on some channels only")
		}
		if err := s.appts.MarkReminded(ctx, a.ID, now); err != nil {
			errs = append(errs, fmt.Errorf("appointment %s: %w", a.ID, err))
			continue
		}
		sent++
	}
	return sent, errors.Join(errs...)
}

func (s *Service) send(ctx context.Context, a *Appointment, patient *practice.Patient, templateID string) error {
	p, err := s.dir.CurrentPractice(ctx)
	if err != nil {
		return err
	}
	prov, err := s.dir.GetProvider(ctx, a.ProviderID)
	if err != nil {
		return err
	}
	loc := p.Location()
	data := map[string]string{
		"patient_name":     patient.FullName(),
		"provider":         prov.Name,
		"practice":         p.Name,
		"when":             dateformat.FormatDateTime(a.StartsAt.In(loc)),
		"appointment_type": strings.ReplaceAll(a.Type, "_", "-"),
	}
	return s.notify.Broadcast(ctx, templateID, practice.PatientRecipient(patient), data)
}

// sendFor delivers best effort. The write that triggered it already stands.
func (s *Service) sendFor(ctx context.Context, a *Appointment, patient *practice.Patient, templateID string) {
	if err := s.send(ctx, a, patient, templateID); err != nil {
		s.log.Warn().Err(err).Str("appointment_id", a.ID.String()).Str("template", templateID).
			Msg("appointment notification failed")
	}
}

// -- Business hours --

// SetHours replaces a provider's weekly hours.
func (s *Service) SetHours(ctx context.Context, providerID uuid.UUID, hours []sched.BusinessHours) ([]*BusinessHour, error) {
	p, err := db.RequirePractice(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := s.dir.GetProvider(ctx, providerID); err != nil {
		return nil, err
	}
	if err := sched.ValidateHours(hours); err != nil {
		return nil, err
	}
	stored := make([]*BusinessHour, 0, len(hours))
	for _, h := range hours {
		stored = append(stored, &BusinessHour{
			PracticeID: p.ID,
			ProviderID: providerID,
			Weekday:    int(h.Weekday),
			Opens:      h.Opens,
			Closes:     h.Closes,
			Enabled:    h.Enabled,
		})
	}
	if err := s.hours.Replace(ctx, providerID, stored); err != nil {
		return nil, err
	}
	s.invalidate(ctx, "business_hours", providerID.String())
	return stored, nil
}

func (s *Service) ListHours(ctx context.Context, providerID uuid.UUID) ([]*BusinessHour, error) {
	return s.hours.ListByProvider(ctx, providerID)
}

// -- Blocked time --

func (s *Service) CreateBlock(ctx context.Context, b *BlockedTime) error {
	p, err := db.RequirePractice(ctx)
	if err != nil {
		return err
	}
	if !b.EndsAt.After(b.StartsAt) {
		return fmt.Errorf("ends_at must be after starts_at")
	}
	if b.ProviderID != nil {
		if _, err := s.dir.GetProvider(ctx, *b.ProviderID); err != nil {
			return err
		}
	}
	b.PracticeID = p.ID
	if err := s.blocks.Create(ctx, b); err != nil {
		return err
	}
	s.invalidate(ctx, "blocked_times", b.ID.String())
	return nil
}

func (s *Service) ListBlocks(ctx context.Context, providerID uuid.UUID, from, to time.Time) ([]*BlockedTime, error) {
	return s.blocks.ListOverlapping(ctx, providerID, from, to)
}

func (s *Service) DeleteBlock(ctx context.Context, id uuid.UUID) error {
	if err := s.blocks.Delete(ctx, id); err != nil {
		return err
	}
	s.invalidate(ctx, "blocked_times", id.String())
	return nil
}

// PatientForUser resolves the patient record of a portal user.
func (s *Service) PatientForUser(ctx context.Context, userID uuid.UUID) (*practice.Patient, error) {
	return s.dir.GetPatientByUser(ctx, userID)
}

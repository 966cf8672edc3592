// Package telehealth runs video visits: one channel per video appointment,
// token issuance for its participants and a join/leave trail.
package telehealth

import (
	"context"
	"errors"
	"fmt"
	"strings"
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

var (
	ErrSessionEnded   = errors.New("video session has ended")
	ErrNotParticipant = errors.New("not a participant of this visit")
	ErrVideoDisabled  = errors.New("video is not configured")
	ErrNotVideoVisit  = errors.New("appointment is not a video visit")
)

type Appointments interface {
	GetAppointment(ctx context.Context, id uuid.UUID) (*scheduling.Appointment, error)
}

type Directory interface {
	GetProvider(ctx context.Context, id uuid.UUID) (*practice.Provider, error)
	GetPatient(ctx context.Context, id uuid.UUID) (*practice.Patient, error)
	GetProviderByUser(ctx context.Context, userID uuid.UUID) (*practice.Provider, error)
	GetPatientByUser(ctx context.Context, userID uuid.UUID) (*practice.Patient, error)
}

// TokenIssuer mints channel tokens. *video.TokenService satisfies it.
type TokenIssuer interface {
	IssueForSession(channel string, uid uint32, role video.Role) (*video.Grant, error)
}

type Notifier interface {
	Broadcast(ctx context.Context, templateID string, to notification.Recipient, data map[string]string) error
}

type Invalidator interface {
	Invalidate(practice, table, id string)
}

type AuditRecorder interface {
	Record(ctx context.Context, action, entityType, entityID string, detail map[string]any)
}

type Service struct {
	sessions SessionRepository
	appts    Appointments
	dir      Directory
	tokens   TokenIssuer
	notify   Notifier
	inv      Invalidator
	audit    AuditRecorder
	log      zerolog.Logger

	joinURL string
	now     func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithJoinURL sets the portal base URL used in ready notifications.
func WithJoinURL(base string) Option {
	return func(s *Service) { s.joinURL = strings.TrimRight(base, "/") }
}

// NewService wires the service. tokens may be nil when video credentials
// are not configured; token requests then fail with ErrVideoDisabled.
func NewService(sessions SessionRepository, appts Appointments, dir Directory, tokens TokenIssuer,
	notify Notifier, inv Invalidator, rec AuditRecorder, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		sessions: sessions,
		appts:    appts,
		dir:      dir,
		tokens:   tokens,
		notify:   notify,
		inv:      inv,
		audit:    rec,
		log:      logger.With().Str("component", "telehealth").Logger(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) invalidate(ctx context.Context, id uuid.UUID) {
	if p, ok := db.PracticeFromContext(ctx); ok {
		s.inv.Invalidate(p.Slug, "video_sessions", id.String())
	}
}

// Create opens the session for a video appointment and tells the patient
// the visit is ready.
func (s *Service) Create(ctx context.Context, appointmentID uuid.UUID) (*VideoSession, error) {
	p, err := db.RequirePractice(ctx)
	if err != nil {
		return nil, err
	}
	appt, err := s.appts.GetAppointment(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	if appt.Type != scheduling.TypeVideo {
		return nil, ErrNotVideoVisit
	}
	if scheduling.IsTerminal(appt.Status) {
		return nil, fmt.Errorf("appointment is %s", appt.Status)
	}
	if _, err := s.sessions.GetByAppointment(ctx, appointmentID); err == nil {
		return nil, ErrSessionExists
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	id := uuid.New()
	vs := &VideoSession{
		ID:            id,
		PracticeID:    p.ID,
		AppointmentID: appointmentID,
		ChannelName:   video.ChannelFor(id),
		Status:        StatusWaiting,
		CreatedBy:     auth.UserIDFromContext(ctx),
	}
	if err := s.sessions.Create(ctx, vs); err != nil {
		return nil, err
	}
	s.invalidate(ctx, vs.ID)
	s.notifyReady(ctx, vs, appt)
	return vs, nil
}

func (s *Service) notifyReady(ctx context.Context, vs *VideoSession, appt *scheduling.Appointment) {
	patient, err := s.dir.GetPatient(ctx, appt.PatientID)
	if err != nil {
		s.log.Warn().Err(err).Str("session_id", vs.ID.String()).Msg("ready notification skipped")
		return
	}
	provider := "Your provider"
	if prov, err := s.dir.GetProvider(ctx, appt.ProviderID); err == nil {
		provider = prov.Name
	}
	data := map[string]string{
		"patient_name": patient.FullName(),
		"provider":     provider,
		"join_link":    s.joinURL + "/visits/" + vs.ID.String(),
	}
	if err := s.notify.Broadcast(ctx, notification.TemplateVideoVisitReady, practice.PatientRecipient(patient), data); err != nil {
		s.log.Warn().Err(err).Str("session_id", vs.ID.String()).Msg("ready notification failed")
	}
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*VideoSession, error) {
	return s.sessions.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, status string, limit, offset int) ([]*VideoSession, int, error) {
	return s.sessions.List(ctx, status, limit, offset)
}

func (s *Service) Events(ctx context.Context, id uuid.UUID) ([]*ParticipantEvent, error) {
	return s.sessions.ListEvents(ctx, id)
}

// Authorize checks that the caller is the visit's provider, its patient,
// or practice staff.
func (s *Service) Authorize(ctx context.Context, vs *VideoSession) error {
	id, ok := auth.IdentityFromContext(ctx)
	if !ok {
		return ErrNotParticipant
	}
	if auth.HasRole(id.Roles, auth.RolePracticeOwner, auth.RoleStaff) {
		return nil
	}
	appt, err := s.appts.GetAppointment(ctx, vs.AppointmentID)
	if err != nil {
		return err
	}
	if auth.HasRole(id.Roles, auth.RoleProvider) {
		if prov, err := s.dir.GetProviderByUser(ctx, id.UserID); err == nil && prov.ID == appt.ProviderID {
			return nil
		}
	}
	if auth.HasRole(id.Roles, auth.RolePatient) {
		if pat, err := s.dir.GetPatientByUser(ctx, id.UserID); err == nil && pat.ID == appt.PatientID {
			return nil
		}
	}
	return ErrNotParticipant
}

// IssueToken grants the caller a publisher token for the session's channel.
// The first grant moves the session from waiting to active.
func (s *Service) IssueToken(ctx context.Context, sessionID uuid.UUID) (*video.Grant, error) {
	if s.tokens == nil {
		return nil, ErrVideoDisabled
	}
	vs, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if vs.Status == StatusEnded {
		return nil, ErrSessionEnded
	}
	if err := s.Authorize(ctx, vs); err != nil {
		return nil, err
	}

	userID := auth.UserIDFromContext(ctx)
	grant, err := s.tokens.IssueForSession(vs.ChannelName, video.UIDFor(userID), video.RolePublisher)
	if err != nil {
		return nil, fmt.Errorf("issue video token: %w", err)
	}

	if vs.Status == StatusWaiting {
		now := s.now()
		vs.Status = StatusActive
		vs.StartedAt = &now
		if err := s.sessions.Update(ctx, vs); err != nil {
			return nil, err
		}
		s.invalidate(ctx, vs.ID)
	}
	s.audit.Record(ctx, audit.ActionVideoToken, "video_session", vs.ID.String(), map[string]any{
		"uid":  grant.UID,
		"role": grant.Role,
	})
	return grant, nil
}

// End closes the session. Ending an ended session returns it unchanged.
func (s *Service) End(ctx context.Context, sessionID uuid.UUID) (*VideoSession, error) {
	vs, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if vs.Status == StatusEnded {
		return vs, nil
	}
	now := s.now()
	vs.Status = StatusEnded
	vs.EndedAt = &now
	if err := s.sessions.Update(ctx, vs); err != nil {
		return nil, err
	}
	s.invalidate(ctx, vs.ID)
	return vs, nil
}

func (s *Service) Join(ctx context.Context, sessionID uuid.UUID) (*ParticipantEvent, error) {
	return s.record(ctx, sessionID, EventJoin)
}

// Leave is accepted after the session ended so late disconnects still land
// in the trail.
func (s *Service) Leave(ctx context.Context, sessionID uuid.UUID) (*ParticipantEvent, error) {
	return s.record(ctx, sessionID, EventLeave)
}

func (s *Service) record(ctx context.Context, sessionID uuid.UUID, kind string) (*ParticipantEvent, error) {
	vs, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if kind == EventJoin && vs.Status == StatusEnded {
		return nil, ErrSessionEnded
	}
	if err := s.Authorize(ctx, vs); err != nil {
		return nil, err
	}
	userID := auth.UserIDFromContext(ctx)
	e := &ParticipantEvent{
		SessionID: vs.ID,
		UserID:    userID,
		UID:       video.UIDFor(userID),
		Kind:      kind,
	}
	if err := s.sessions.AddEvent(ctx, e); err != nil {
		return nil, err
	}
	s.invalidate(ctx, vs.ID)
	return e, nil
}

package telehealth

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrSessionExists = errors.New("appointment already has a video session")
)

type SessionRepository interface {
	Create(ctx context.Context, s *VideoSession) error
	GetByID(ctx context.Context, id uuid.UUID) (*VideoSession, error)
	GetByAppointment(ctx context.Context, appointmentID uuid.UUID) (*VideoSession, error)
	Update(ctx context.Context, s *VideoSession) error
	List(ctx context.Context, status string, limit, offset int) ([]*VideoSession, int, error)
	AddEvent(ctx context.Context, e *ParticipantEvent) error
	ListEvents(ctx context.Context, sessionID uuid.UUID) ([]*ParticipantEvent, error)
}

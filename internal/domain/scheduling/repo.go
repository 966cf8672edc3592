package scheduling

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	sched "github.com/vitaluxe/vitaluxe-flow/internal/platform/scheduling"
)

var ErrNotFound = errors.New("not found")

type AppointmentRepository interface {
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	Update(ctx context.Context, a *Appointment) error
	List(ctx context.Context, f ListFilter, limit, offset int) ([]*Appointment, int, error)
	// ListBusy returns the provider's live appointments overlapping
	// [from, to), leaving out exclude.
	ListBusy(ctx context.Context, providerID uuid.UUID, from, to time.Time, exclude uuid.UUID) ([]sched.Interval, error)
	// DueForReminder returns unreminded live appointments starting in
	// [from, to).
	DueForReminder(ctx context.Context, from, to time.Time) ([]*Appointment, error)
	MarkReminded(ctx context.Context, id uuid.UUID, at time.Time) error
}

type HoursRepository interface {
	ListByProvider(ctx context.Context, providerID uuid.UUID) ([]*BusinessHour, error)
	// Replace swaps the provider's whole weekly schedule.
	Replace(ctx context.Context, providerID uuid.UUID, hours []*BusinessHour) error
}

type BlockRepository interface {
	Create(ctx context.Context, b *BlockedTime) error
	GetByID(ctx context.Context, id uuid.UUID) (*BlockedTime, error)
	Delete(ctx context.Context, id uuid.UUID) error
	// ListOverlapping returns the provider's and practice-wide blocks
	// overlapping [from, to).
	ListOverlapping(ctx context.Context, providerID uuid.UUID, from, to time.Time) ([]*BlockedTime, error)
}

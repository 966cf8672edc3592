package scheduling

import (
	"time"

	"github.com/google/uuid"

	sched "github.com/vitaluxe/vitaluxe-flow/internal/platform/scheduling"
)

const (
	TypeInPerson = "in_person"
	TypeVideo    = "video"
)

const (
	StatusScheduled  = "scheduled"
	StatusConfirmed  = "confirmed"
	StatusCheckedIn  = "checked_in"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
	StatusNoShow     = "no_show"
)

// transitions lists the statuses reachable from each non-terminal status.
var transitions = map[string][]string{
	StatusScheduled:  {StatusConfirmed, StatusCheckedIn, StatusCancelled, StatusNoShow},
	StatusConfirmed:  {StatusCheckedIn, StatusCancelled, StatusNoShow},
	StatusCheckedIn:  {StatusInProgress, StatusCancelled, StatusNoShow},
	StatusInProgress: {StatusCompleted, StatusCancelled, StatusNoShow},
}

// CanTransition reports whether an appointment may move from one status to
// another.
func CanTransition(from, to string) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are possible.
func IsTerminal(status string) bool {
	_, ok := transitions[status]
	return !ok
}

func validType(t string) bool {
	return t == TypeInPerson || t == TypeVideo
}

type Appointment struct {
	ID              uuid.UUID  `db:"id" json:"id"`
	PracticeID      uuid.UUID  `db:"practice_id" json:"practice_id"`
	ProviderID      uuid.UUID  `db:"provider_id" json:"provider_id"`
	PatientID       uuid.UUID  `db:"patient_id" json:"patient_id"`
	StartsAt        time.Time  `db:"starts_at" json:"starts_at"`
	EndsAt          time.Time  `db:"ends_at" json:"ends_at"`
	Type            string     `db:"type" json:"type"`
	Status          string     `db:"status" json:"status"`
	Reason          string     `db:"reason" json:"reason,omitempty"`
	Notes           string     `db:"notes" json:"notes,omitempty"`
	CancelledReason *string    `db:"cancelled_reason" json:"cancelled_reason,omitempty"`
	RemindedAt      *time.Time `db:"reminded_at" json:"reminded_at,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

func (a *Appointment) Interval() sched.Interval {
	return sched.Interval{Start: a.StartsAt, End: a.EndsAt}
}

// BusinessHour is one stored weekly opening window of a provider.
type BusinessHour struct {
	ID         uuid.UUID `db:"id" json:"id"`
	PracticeID uuid.UUID `db:"practice_id" json:"practice_id"`
	ProviderID uuid.UUID `db:"provider_id" json:"provider_id"`
	Weekday    int       `db:"weekday" json:"weekday"`
	Opens      string    `db:"opens" json:"opens"`
	Closes     string    `db:"closes" json:"closes"`
	Enabled    bool      `db:"enabled" json:"enabled"`
}

func (h *BusinessHour) toRule() sched.BusinessHours {
	return sched.BusinessHours{
		Weekday: time.Weekday(h.Weekday),
		Opens:   h.Opens,
		Closes:  h.Closes,
		Enabled: h.Enabled,
	}
}

// BlockedTime makes a range unbookable. A nil ProviderID blocks the whole
// practice.
type BlockedTime struct {
	ID         uuid.UUID  `db:"id" json:"id"`
	PracticeID uuid.UUID  `db:"practice_id" json:"practice_id"`
	ProviderID *uuid.UUID `db:"provider_id" json:"provider_id,omitempty"`
	StartsAt   time.Time  `db:"starts_at" json:"starts_at"`
	EndsAt     time.Time  `db:"ends_at" json:"ends_at"`
	Reason     string     `db:"reason" json:"reason,omitempty"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
}

// ListFilter narrows appointment listings. Zero values are ignored.
type ListFilter struct {
	ProviderID uuid.UUID
	PatientID  uuid.UUID
	Status     string
	From       *time.Time
	To         *time.Time
}

package telehealth

import (
	"time"

	"github.com/google/uuid"
)

const (
	StatusWaiting = "waiting"
	StatusActive  = "active"
	StatusEnded   = "ended"
)

const (
	EventJoin  = "join"
	EventLeave = "leave"
)

// VideoSession is the video room behind one video appointment.
type VideoSession struct {
	ID            uuid.UUID  `db:"id" json:"id"`
	PracticeID    uuid.UUID  `db:"practice_id" json:"practice_id"`
	AppointmentID uuid.UUID  `db:"appointment_id" json:"appointment_id"`
	ChannelName   string     `db:"channel_name" json:"channel_name"`
	Status        string     `db:"status" json:"status"`
	StartedAt     *time.Time `db:"started_at" json:"started_at,omitempty"`
	EndedAt       *time.Time `db:"ended_at" json:"ended_at,omitempty"`
	CreatedBy     uuid.UUID  `db:"created_by" json:"created_by"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updated_at"`
}

// ParticipantEvent records someone joining or leaving a session.
type ParticipantEvent struct {
	ID        uuid.UUID `db:"id" json:"id"`
	SessionID uuid.UUID `db:"session_id" json:"session_id"`
	UserID    uuid.UUID `db:"user_id" json:"user_id"`
	UID       uint32    `db:"uid" json:"uid"`
	Kind      string    `db:"kind" json:"kind"`
	At        time.Time `db:"at" json:"at"`
}

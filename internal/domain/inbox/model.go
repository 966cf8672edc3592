package inbox

import (
	"time"

	"github.com/google/uuid"
)

// Notification kinds shown with distinct icons in the portal.
const (
	KindInfo        = "info"
	KindAppointment = "appointment"
	KindOrder       = "order"
	KindMessage     = "message"
	KindSystem      = "system"
)

func validKind(k string) bool {
	switch k {
	case KindInfo, KindAppointment, KindOrder, KindMessage, KindSystem:
		return true
	}
	return false
}

// Notification is an in-app message for one user.
type Notification struct {
	ID         uuid.UUID  `db:"id" json:"id"`
	PracticeID uuid.UUID  `db:"practice_id" json:"practice_id"`
	UserID     uuid.UUID  `db:"user_id" json:"user_id"`
	Kind       string     `db:"kind" json:"kind"`
	Title      string     `db:"title" json:"title"`
	Body       string     `db:"body" json:"body"`
	Link       string     `db:"link" json:"link,omitempty"`
	ReadAt     *time.Time `db:"read_at" json:"read_at,omitempty"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
}

// SendInput is a staff request to notify a user.
type SendInput struct {
	UserID uuid.UUID `json:"user_id"`
	Kind   string    `json:"kind"`
	Title  string    `json:"title"`
	Body   string    `json:"body"`
	Link   string    `json:"link"`
	// Channels optionally fans the message out beyond the inbox:
	// "email", "sms" or "push".
	Channels []string `json:"channels"`
}

// Delivery reports the outcome on one external channel.
type Delivery struct {
	Channel string `json:"channel"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}

type SendResult struct {
	Notification *Notification `json:"notification"`
	Deliveries   []Delivery    `json:"deliveries"`
}

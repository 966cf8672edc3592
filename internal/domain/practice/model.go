package practice

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Practice is a tenant clinic.
type Practice struct {
	ID            uuid.UUID `db:"id" json:"id"`
	Slug          string    `db:"slug" json:"slug"`
	Name          string    `db:"name" json:"name"`
	Email         string    `db:"email" json:"email,omitempty"`
	Phone         string    `db:"phone" json:"phone,omitempty"`
	Timezone      string    `db:"timezone" json:"timezone"`
	Address       string    `db:"address" json:"address,omitempty"`
	TaxRateBps    int       `db:"tax_rate_bps" json:"tax_rate_bps"`
	WebhookURL    *string   `db:"webhook_url" json:"webhook_url,omitempty"`
	WebhookSecret string    `db:"webhook_secret" json:"-"`
	Active        bool      `db:"active" json:"active"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// Location returns the practice's time zone, or UTC when it does not load.
func (p *Practice) Location() *time.Location {
	if loc, err := time.LoadLocation(p.Timezone); err == nil {
		return loc
	}
	return time.UTC
}

type Provider struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	PracticeID   uuid.UUID  `db:"practice_id" json:"practice_id"`
	UserID       *uuid.UUID `db:"user_id" json:"user_id,omitempty"`
	Name         string     `db:"name" json:"name"`
	Specialty    string     `db:"specialty" json:"specialty,omitempty"`
	Email        string     `db:"email" json:"email,omitempty"`
	VideoEnabled bool       `db:"video_enabled" json:"video_enabled"`
	Active       bool       `db:"active" json:"active"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

type Patient struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	PracticeID  uuid.UUID  `db:"practice_id" json:"practice_id"`
	UserID      *uuid.UUID `db:"user_id" json:"user_id,omitempty"`
	FirstName   string     `db:"first_name" json:"first_name"`
	LastName    string     `db:"last_name" json:"last_name"`
	Email       string     `db:"email" json:"email,omitempty"`
	Phone       string     `db:"phone" json:"phone,omitempty"`
	DateOfBirth *time.Time `db:"date_of_birth" json:"date_of_birth,omitempty"`
	PushTokens  []string   `db:"push_tokens" json:"push_tokens,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
}

func (p *Patient) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

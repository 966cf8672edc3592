package identity

import (
	"time"

	"github.com/google/uuid"
)

type User struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	Email        string     `db:"email" json:"email"`
	PasswordHash string     `db:"password_hash" json:"-"`
	Name         string     `db:"name" json:"name"`
	Roles        []string   `db:"roles" json:"roles"`
	Practice     string     `db:"practice" json:"practice"`
	Active       bool       `db:"active" json:"active"`
	LastLoginAt  *time.Time `db:"last_login_at" json:"last_login_at,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

// RefreshSession is one link in a refresh-token rotation chain. Only the
// sha256 of the token is stored.
type RefreshSession struct {
	ID         uuid.UUID  `db:"id" json:"id"`
	UserID     uuid.UUID  `db:"user_id" json:"user_id"`
	TokenHash  string     `db:"token_hash" json:"-"`
	ExpiresAt  time.Time  `db:"expires_at" json:"expires_at"`
	RevokedAt  *time.Time `db:"revoked_at" json:"revoked_at,omitempty"`
	ReplacedBy *uuid.UUID `db:"replaced_by" json:"replaced_by,omitempty"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
}

// ImpersonationSession lets an admin act as another user for support.
type ImpersonationSession struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	AdminID      uuid.UUID  `db:"admin_id" json:"admin_id"`
	TargetUserID uuid.UUID  `db:"target_user_id" json:"target_user_id"`
	Reason       string     `db:"reason" json:"reason"`
	StartedAt    time.Time  `db:"started_at" json:"started_at"`
	EndedAt      *time.Time `db:"ended_at" json:"ended_at,omitempty"`
}

// ActiveAt reports whether the session is open and younger than ttl.
func (s *ImpersonationSession) ActiveAt(now time.Time, ttl time.Duration) bool {
	return s.EndedAt == nil && s.StartedAt.After(now.Add(-ttl))
}

// TokenPair is returned by login and refresh.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
	RefreshToken string    `json:"refresh_token"`
	User         *User     `json:"user"`
}

// ImpersonationGrant is the result of starting impersonation.
type ImpersonationGrant struct {
	Session     *ImpersonationSession `json:"session"`
	AccessToken string                `json:"access_token"`
	ExpiresAt   time.Time             `json:"expires_at"`
}

type CreateUserInput struct {
	Email    string   `json:"email"`
	Password string   `json:"password"`
	Name     string   `json:"name"`
	Roles    []string `json:"roles"`
	Practice string   `json:"practice"`
}

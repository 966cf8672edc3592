package identity

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrEmailTaken = errors.New("email already registered")
)

type UserRepository interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	TouchLogin(ctx context.Context, id uuid.UUID, at time.Time) error
	List(ctx context.Context, practice string, limit, offset int) ([]*User, int, error)
}

type SessionRepository interface {
	Create(ctx context.Context, s *RefreshSession) error
	GetByHash(ctx context.Context, tokenHash string) (*RefreshSession, error)
	// Replace revokes id and links it to its successor. It reports false when
	// the session was already revoked.
	Replace(ctx context.Context, id, replacedBy uuid.UUID, at time.Time) (bool, error)
	Revoke(ctx context.Context, id uuid.UUID, at time.Time) error
	RevokeAllForUser(ctx context.Context, userID uuid.UUID, at time.Time) (int, error)
}

type ImpersonationRepository interface {
	Create(ctx context.Context, s *ImpersonationSession) error
	GetByID(ctx context.Context, id uuid.UUID) (*ImpersonationSession, error)
	// ActiveForAdmin returns the admin's open session started after since.
	ActiveForAdmin(ctx context.Context, adminID uuid.UUID, since time.Time) (*ImpersonationSession, error)
	End(ctx context.Context, id uuid.UUID, at time.Time) error
	// EndStartedBefore closes every open session started before cutoff and
	// returns them.
	EndStartedBefore(ctx context.Context, cutoff, at time.Time) ([]*ImpersonationSession, error)
}

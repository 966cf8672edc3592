package identity

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vitaluxe/vitaluxe-flow/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// Identity tables are platform-wide and carry no row-level policies, so
// every repository here may run on the pool directly.
type base struct{ pool *pgxpool.Pool }

func (b base) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return b.pool
}

// =========== User Repository ===========

type userRepoPG struct{ base }

func NewUserRepoPG(pool *pgxpool.Pool) UserRepository {
	return &userRepoPG{base{pool}}
}

const userCols = `id, email, password_hash, name, roles, practice, active, last_login_at,
	created_at, updated_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Name, &u.Roles, &u.Practice, &u.Active,
		&u.LastLoginAt, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

func (r *userRepoPG) Create(ctx context.Context, u *User) error {
	u.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO users (id, email, password_hash, name, roles, practice, active)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at, updated_at`,
		u.ID, u.Email, u.PasswordHash, u.Name, u.Roles, u.Practice, u.Active,
	).Scan(&u.CreatedAt, &u.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrEmailTaken
	}
	return err
}

func (r *userRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	return scanUser(r.conn(ctx).QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE id = $1`, id))
}

func (r *userRepoPG) GetByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(r.conn(ctx).QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE email = $1`, email))
}

func (r *userRepoPG) TouchLogin(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.conn(ctx).Exec(ctx, `UPDATE users SET last_login_at = $2 WHERE id = $1`, id, at)
	return err
}

func (r *userRepoPG) List(ctx context.Context, practice string, limit, offset int) ([]*User, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM users WHERE ($1 = '' OR practice = $1)`, practice).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+userCols+` FROM users
		WHERE ($1 = '' OR practice = $1) ORDER BY email LIMIT $2 OFFSET $3`, practice, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, u)
	}
	return items, total, rows.Err()
}

// =========== Refresh Session Repository ===========

type sessionRepoPG struct{ base }

func NewSessionRepoPG(pool *pgxpool.Pool) SessionRepository {
	return &sessionRepoPG{base{pool}}
}

func (r *sessionRepoPG) Create(ctx context.Context, s *RefreshSession) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO refresh_sessions (id, user_id, token_hash, expires_at)
		VALUES ($1,$2,$3,$4)
		RETURNING created_at`,
		s.ID, s.UserID, s.TokenHash, s.ExpiresAt).Scan(&s.CreatedAt)
}

func (r *sessionRepoPG) GetByHash(ctx context.Context, tokenHash string) (*RefreshSession, error) {
	var s RefreshSession
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, user_id, token_hash, expires_at, revoked_at, replaced_by, created_at
		FROM refresh_sessions WHERE token_hash = $1`, tokenHash).Scan(
		&s.ID, &s.UserID, &s.TokenHash, &s.ExpiresAt, &s.RevokedAt, &s.ReplacedBy, &s.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}

func (r *sessionRepoPG) Replace(ctx context.Context, id, replacedBy uuid.UUID, at time.Time) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE refresh_sessions SET revoked_at = $3, replaced_by = $2
		WHERE id = $1 AND revoked_at IS NULL`, id, replacedBy, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *sessionRepoPG) Revoke(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE refresh_sessions SET revoked_at = $2 WHERE id = $1 AND revoked_at IS NULL`, id, at)
	return err
}

func (r *sessionRepoPG) RevokeAllForUser(ctx context.Context, userID uuid.UUID, at time.Time) (int, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE refresh_sessions SET revoked_at = $2 WHERE user_id = $1 AND revoked_at IS NULL`, userID, at)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// =========== Impersonation Repository ===========

type impersonationRepoPG struct{ base }

func NewImpersonationRepoPG(pool *pgxpool.Pool) ImpersonationRepository {
	return &impersonationRepoPG{base{pool}}
}

const impCols = `id, admin_id, target_user_id, reason, started_at, ended_at`

func scanImp(row pgx.Row) (*ImpersonationSession, error) {
	var s ImpersonationSession
	if err := row.Scan(&s.ID, &s.AdminID, &s.TargetUserID, &s.Reason, &s.StartedAt, &s.EndedAt); err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}

func (r *impersonationRepoPG) Create(ctx context.Context, s *ImpersonationSession) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO impersonation_sessions (id, admin_id, target_user_id, reason, started_at)
		VALUES ($1,$2,$3,$4,$5)`,
		s.ID, s.AdminID, s.TargetUserID, s.Reason, s.StartedAt)
	return err
}

func (r *impersonationRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*ImpersonationSession, error) {
	return scanImp(r.conn(ctx).QueryRow(ctx, `SELECT `+impCols+` FROM impersonation_sessions WHERE id = $1`, id))
}

func (r *impersonationRepoPG) ActiveForAdmin(ctx context.Context, adminID uuid.UUID, since time.Time) (*ImpersonationSession, error) {
	return scanImp(r.conn(ctx).QueryRow(ctx, `SELECT `+impCols+` FROM impersonation_sessions
		WHERE admin_id = $1 AND ended_at IS NULL AND started_at > $2
		ORDER BY started_at DESC LIMIT 1`, adminID, since))
}

func (r *impersonationRepoPG) End(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE impersonation_sessions SET ended_at = $2 WHERE id = $1 AND ended_at IS NULL`, id, at)
	return err
}

func (r *impersonationRepoPG) EndStartedBefore(ctx context.Context, cutoff, at time.Time) ([]*ImpersonationSession, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		UPDATE impersonation_sessions SET ended_at = $2
		WHERE ended_at IS NULL AND started_at <= $1
		RETURNING `+impCols, cutoff, at)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*ImpersonationSession
	for rows.Next() {
		s, err := scanImp(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

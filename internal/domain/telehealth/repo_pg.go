package telehealth

import (
	"context"
	"errors"

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

type sessionRepoPG struct {
	pool *pgxpool.Pool
}

func NewSessionRepoPG(pool *pgxpool.Pool) SessionRepository {
	return &sessionRepoPG{pool: pool}
}

func (r *sessionRepoPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const sessionCols = `id, practice_id, appointment_id, channel_name, status, started_at, ended_at,
	created_by, created_at, updated_at`

func scanSession(row pgx.Row) (*VideoSession, error) {
	var s VideoSession
	err := row.Scan(&s.ID, &s.PracticeID, &s.AppointmentID, &s.ChannelName, &s.Status,
		&s.StartedAt, &s.EndedAt, &s.CreatedBy, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *sessionRepoPG) Create(ctx context.Context, s *VideoSession) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO video_sessions (id, practice_id, appointment_id, channel_name, status, created_by)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING created_at, updated_at`,
		s.ID, s.PracticeID, s.AppointmentID, s.ChannelName, s.Status, s.CreatedBy,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrSessionExists
	}
	return err
}

func (r *sessionRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*VideoSession, error) {
	return scanSession(r.conn(ctx).QueryRow(ctx, `SELECT `+sessionCols+` FROM video_sessions WHERE id = $1`, id))
}

func (r *sessionRepoPG) GetByAppointment(ctx context.Context, appointmentID uuid.UUID) (*VideoSession, error) {
	return scanSession(r.conn(ctx).QueryRow(ctx,
		`SELECT `+sessionCols+` FROM video_sessions WHERE appointment_id = $1`, appointmentID))
}

func (r *sessionRepoPG) Update(ctx context.Context, s *VideoSession) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE video_sessions SET status=$2, started_at=$3, ended_at=$4, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		s.ID, s.Status, s.StartedAt, s.EndedAt).Scan(&s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (r *sessionRepoPG) List(ctx context.Context, status string, limit, offset int) ([]*VideoSession, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM video_sessions WHERE ($1 = '' OR status = $1)`, status).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+sessionCols+` FROM video_sessions
		WHERE ($1 = '' OR status = $1) ORDER BY created_at DESC LIMIT $2 OFFSET $3`, status, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*VideoSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, s)
	}
	return items, total, rows.Err()
}

func (r *sessionRepoPG) AddEvent(ctx context.Context, e *ParticipantEvent) error {
	e.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO video_participant_events (id, session_id, user_id, uid, kind)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING at`,
		e.ID, e.SessionID, e.UserID, int64(e.UID), e.Kind).Scan(&e.At)
}

func (r *sessionRepoPG) ListEvents(ctx context.Context, sessionID uuid.UUID) ([]*ParticipantEvent, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, session_id, user_id, uid, kind, at FROM video_participant_events
		WHERE session_id = $1 ORDER BY at`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*ParticipantEvent
	for rows.Next() {
		var e ParticipantEvent
		var uid int64
		if err := rows.Scan(&e.ID, &e.SessionID, &e.UserID, &uid, &e.Kind, &e.At); err != nil {
			return nil, err
		}
		e.UID = uint32(uid)
		out = append(out, &e)
	}
	return out, rows.Err()
}

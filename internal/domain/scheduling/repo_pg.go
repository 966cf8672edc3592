package scheduling

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vitaluxe/vitaluxe-flow/internal/platform/db"
	sched "github.com/vitaluxe/vitaluxe-flow/internal/platform/scheduling"
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

// liveStatuses are the statuses that hold a slot.
const liveStatuses = `('scheduled','confirmed','checked_in','in_progress')`

// =========== Appointment Repository ===========

type appointmentRepoPG struct{ pool *pgxpool.Pool }

func NewAppointmentRepoPG(pool *pgxpool.Pool) AppointmentRepository {
	return &appointmentRepoPG{pool: pool}
}

func (r *appointmentRepoPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const apptCols = `id, practice_id, provider_id, patient_id, starts_at, ends_at, type, status,
	reason, notes, cancelled_reason, reminded_at, created_at, updated_at`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(&a.ID, &a.PracticeID, &a.ProviderID, &a.PatientID, &a.StartsAt, &a.EndsAt,
		&a.Type, &a.Status, &a.Reason, &a.Notes, &a.CancelledReason, &a.RemindedAt,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

func (r *appointmentRepoPG) Create(ctx context.Context, a *Appointment) error {
	a.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO appointments (id, practice_id, provider_id, patient_id, starts_at, ends_at,
			type, status, reason, notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING created_at, updated_at`,
		a.ID, a.PracticeID, a.ProviderID, a.PatientID, a.StartsAt, a.EndsAt,
		a.Type, a.Status, a.Reason, a.Notes,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	var pgErr *pgconn.PgError
	// 23P01: the appointments_no_overlap exclusion constraint.
	if errors.As(err, &pgErr) && pgErr.Code == "23P01" {
		return fmt.Errorf("%w: %w", ErrSlotUnavailable, sched.ErrConflict)
	}
	return err
}

func (r *appointmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return scanAppointment(r.conn(ctx).QueryRow(ctx, `SELECT `+apptCols+` FROM appointments WHERE id = $1`, id))
}

func (r *appointmentRepoPG) Update(ctx context.Context, a *Appointment) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE appointments SET starts_at=$2, ends_at=$3, status=$4, reason=$5, notes=$6,
			cancelled_reason=$7, reminded_at=$8, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		a.ID, a.StartsAt, a.EndsAt, a.Status, a.Reason, a.Notes, a.CancelledReason, a.RemindedAt,
	).Scan(&a.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23P01" {
		return fmt.Errorf("%w: %w", ErrSlotUnavailable, sched.ErrConflict)
	}
	return notFound(err)
}

func (r *appointmentRepoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Appointment, int, error) {
	var where []string
	var args []interface{}
	add := func(clause string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.ProviderID != uuid.Nil {
		add("provider_id = $%d", f.ProviderID)
	}
	if f.PatientID != uuid.Nil {
		add("patient_id = $%d", f.PatientID)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.From != nil {
		add("ends_at > $%d", *f.From)
	}
	if f.To != nil {
		add("starts_at < $%d", *f.To)
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM appointments`+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	q := fmt.Sprintf(`SELECT %s FROM appointments%s ORDER BY starts_at LIMIT $%d OFFSET $%d`,
		apptCols, cond, len(args)-1, len(args))
	rows, err := r.conn(ctx).Query(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, a)
	}
	return items, total, rows.Err()
}

func (r *appointmentRepoPG) ListBusy(ctx context.Context, providerID uuid.UUID, from, to time.Time, exclude uuid.UUID) ([]sched.Interval, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT starts_at, ends_at FROM appointments
		WHERE provider_id = $1 AND starts_at < $3 AND ends_at > $2 AND id <> $4
		  AND status IN `+liveStatuses+`
		ORDER BY starts_at`, providerID, from, to, exclude)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []sched.Interval
	for rows.Next() {
		var iv sched.Interval
		if err := rows.Scan(&iv.Start, &iv.End); err != nil {
			return nil, err
		}
		out = append(out, iv)
	}
	return out, rows.Err()
}

func (r *appointmentRepoPG) DueForReminder(ctx context.Context, from, to time.Time) ([]*Appointment, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+apptCols+` FROM appointments
		WHERE reminded_at IS NULL AND starts_at >= $1 AND starts_at < $2
		  AND status IN ('scheduled','confirmed')
		ORDER BY starts_at`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *appointmentRepoPG) MarkReminded(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.conn(ctx).Exec(ctx, `UPDATE appointments SET reminded_at = $2 WHERE id = $1`, id, at)
	return err
}

// =========== Business Hours Repository ===========

type hoursRepoPG struct{ pool *pgxpool.Pool }

func NewHoursRepoPG(pool *pgxpool.Pool) HoursRepository {
	return &hoursRepoPG{pool: pool}
}

func (r *hoursRepoPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *hoursRepoPG) ListByProvider(ctx context.Context, providerID uuid.UUID) ([]*BusinessHour, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, practice_id, provider_id, weekday, opens, closes, enabled
		FROM business_hours WHERE provider_id = $1 ORDER BY weekday, opens`, providerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*BusinessHour
	for rows.Next() {
		var h BusinessHour
		if err := rows.Scan(&h.ID, &h.PracticeID, &h.ProviderID, &h.Weekday, &h.Opens, &h.Closes, &h.Enabled); err != nil {
			return nil, err
		}
		out = append(out, &h)
	}
	return out, rows.Err()
}

func (r *hoursRepoPG) Replace(ctx context.Context, providerID uuid.UUID, hours []*BusinessHour) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		q := r.conn(ctx)
		if _, err := q.Exec(ctx, `DELETE FROM business_hours WHERE provider_id = $1`, providerID); err != nil {
			return err
		}
		for _, h := range hours {
			h.ID = uuid.New()
			h.ProviderID = providerID
			if _, err := q.Exec(ctx, `
				INSERT INTO business_hours (id, practice_id, provider_id, weekday, opens, closes, enabled)
				VALUES ($1,$2,$3,$4,$5,$6,$7)`,
				h.ID, h.PracticeID, h.ProviderID, h.Weekday, h.Opens, h.Closes, h.Enabled); err != nil {
				return err
			}
		}
		return nil
	})
}

// =========== Blocked Time Repository ===========

type blockRepoPG struct{ pool *pgxpool.Pool }

func NewBlockRepoPG(pool *pgxpool.Pool) BlockRepository {
	return &blockRepoPG{pool: pool}
}

func (r *blockRepoPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const blockCols = `id, practice_id, provider_id, starts_at, ends_at, reason, created_at`

func scanBlock(row pgx.Row) (*BlockedTime, error) {
	var b BlockedTime
	if err := row.Scan(&b.ID, &b.PracticeID, &b.ProviderID, &b.StartsAt, &b.EndsAt, &b.Reason, &b.CreatedAt); err != nil {
		return nil, notFound(err)
	}
	return &b, nil
}

func (r *blockRepoPG) Create(ctx context.Context, b *BlockedTime) error {
	b.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO blocked_times (id, practice_id, provider_id, starts_at, ends_at, reason)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING created_at`,
		b.ID, b.PracticeID, b.ProviderID, b.StartsAt, b.EndsAt, b.Reason).Scan(&b.CreatedAt)
}

func (r *blockRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*BlockedTime, error) {
	return scanBlock(r.conn(ctx).QueryRow(ctx, `SELECT `+blockCols+` FROM blocked_times WHERE id = $1`, id))
}

func (r *blockRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM blocked_times WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *blockRepoPG) ListOverlapping(ctx context.Context, providerID uuid.UUID, from, to time.Time) ([]*BlockedTime, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+blockCols+` FROM blocked_times
		WHERE (provider_id = $1 OR provider_id IS NULL) AND starts_at < $3 AND ends_at > $2
		ORDER BY starts_at`, providerID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*BlockedTime
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

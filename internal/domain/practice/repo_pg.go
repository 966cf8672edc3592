package practice

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

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// =========== Practice Repository ===========

type practiceRepoPG struct{ pool *pgxpool.Pool }

func NewPracticeRepoPG(pool *pgxpool.Pool) PracticeRepository {
	return &practiceRepoPG{pool: pool}
}

func (r *practiceRepoPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const practiceCols = `id, slug, name, email, phone, timezone, address, tax_rate_bps,
	webhook_url, webhook_secret, active, created_at, updated_at`

func scanPractice(row pgx.Row) (*Practice, error) {
	var p Practice
	err := row.Scan(&p.ID, &p.Slug, &p.Name, &p.Email, &p.Phone, &p.Timezone, &p.Address,
		&p.TaxRateBps, &p.WebhookURL, &p.WebhookSecret, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (r *practiceRepoPG) Create(ctx context.Context, p *Practice) error {
	p.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO practices (id, slug, name, email, phone, timezone, address, tax_rate_bps,
			webhook_url, webhook_secret, active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING created_at, updated_at`,
		p.ID, p.Slug, p.Name, p.Email, p.Phone, p.Timezone, p.Address, p.TaxRateBps,
		p.WebhookURL, p.WebhookSecret, p.Active).Scan(&p.CreatedAt, &p.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrSlugTaken
	}
	return err
}

func (r *practiceRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Practice, error) {
	return scanPractice(r.conn(ctx).QueryRow(ctx, `SELECT `+practiceCols+` FROM practices WHERE id = $1`, id))
}

func (r *practiceRepoPG) GetBySlug(ctx context.Context, slug string) (*Practice, error) {
	return scanPractice(r.conn(ctx).QueryRow(ctx, `SELECT `+practiceCols+` FROM practices WHERE slug = $1`, slug))
}

func (r *practiceRepoPG) Update(ctx context.Context, p *Practice) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE practices SET name=$2, email=$3, phone=$4, timezone=$5, address=$6,
			tax_rate_bps=$7, webhook_url=$8, webhook_secret=$9, active=$10, updated_at=NOW()
		WHERE id = $1`,
		p.ID, p.Name, p.Email, p.Phone, p.Timezone, p.Address,
		p.TaxRateBps, p.WebhookURL, p.WebhookSecret, p.Active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *practiceRepoPG) List(ctx context.Context, limit, offset int) ([]*Practice, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM practices`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+practiceCols+` FROM practices ORDER BY slug LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Practice
	for rows.Next() {
		p, err := scanPractice(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, p)
	}
	return items, total, rows.Err()
}

// =========== Provider Repository ===========

type providerRepoPG struct{ pool *pgxpool.Pool }

func NewProviderRepoPG(pool *pgxpool.Pool) ProviderRepository {
	return &providerRepoPG{pool: pool}
}

func (r *providerRepoPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const providerCols = `id, practice_id, user_id, name, specialty, email, video_enabled, active,
	created_at, updated_at`

func scanProvider(row pgx.Row) (*Provider, error) {
	var p Provider
	err := row.Scan(&p.ID, &p.PracticeID, &p.UserID, &p.Name, &p.Specialty, &p.Email,
		&p.VideoEnabled, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (r *providerRepoPG) Create(ctx context.Context, p *Provider) error {
	p.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO providers (id, practice_id, user_id, name, specialty, email, video_enabled, active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at, updated_at`,
		p.ID, p.PracticeID, p.UserID, p.Name, p.Specialty, p.Email, p.VideoEnabled, p.Active,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
}

func (r *providerRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Provider, error) {
	return scanProvider(r.conn(ctx).QueryRow(ctx, `SELECT `+providerCols+` FROM providers WHERE id = $1`, id))
}

func (r *providerRepoPG) GetByUserID(ctx context.Context, userID uuid.UUID) (*Provider, error) {
	return scanProvider(r.conn(ctx).QueryRow(ctx, `SELECT `+providerCols+` FROM providers WHERE user_id = $1`, userID))
}

func (r *providerRepoPG) Update(ctx context.Context, p *Provider) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE providers SET user_id=$2, name=$3, specialty=$4, email=$5, video_enabled=$6,
			active=$7, updated_at=NOW()
		WHERE id = $1`,
		p.ID, p.UserID, p.Name, p.Specialty, p.Email, p.VideoEnabled, p.Active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *providerRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM providers WHERE id = $1`, id)
	return err
}

func (r *providerRepoPG) List(ctx context.Context, activeOnly bool, limit, offset int) ([]*Provider, int, error) {
	where := ""
	if activeOnly {
		where = " WHERE active"
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM providers`+where).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+providerCols+` FROM providers`+where+` ORDER BY name LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, p)
	}
	return items, total, rows.Err()
}

// =========== Patient Repository ===========

type patientRepoPG struct{ pool *pgxpool.Pool }

func NewPatientRepoPG(pool *pgxpool.Pool) PatientRepository {
	return &patientRepoPG{pool: pool}
}

func (r *patientRepoPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const patientCols = `id, practice_id, user_id, first_name, last_name, email, phone, date_of_birth,
	push_tokens, created_at, updated_at`

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.PracticeID, &p.UserID, &p.FirstName, &p.LastName, &p.Email, &p.Phone,
		&p.DateOfBirth, &p.PushTokens, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (r *patientRepoPG) Create(ctx context.Context, p *Patient) error {
	p.ID = uuid.New()
	if p.PushTokens == nil {
		p.PushTokens = []string{}
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO patients (id, practice_id, user_id, first_name, last_name, email, phone,
			date_of_birth, push_tokens)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING created_at, updated_at`,
		p.ID, p.PracticeID, p.UserID, p.FirstName, p.LastName, p.Email, p.Phone,
		p.DateOfBirth, p.PushTokens).Scan(&p.CreatedAt, &p.UpdatedAt)
}

func (r *patientRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return scanPatient(r.conn(ctx).QueryRow(ctx, `SELECT `+patientCols+` FROM patients WHERE id = $1`, id))
}

func (r *patientRepoPG) GetByUserID(ctx context.Context, userID uuid.UUID) (*Patient, error) {
	return scanPatient(r.conn(ctx).QueryRow(ctx, `SELECT `+patientCols+` FROM patients WHERE user_id = $1`, userID))
}

func (r *patientRepoPG) Update(ctx context.Context, p *Patient) error {
	if p.PushTokens == nil {
		p.PushTokens = []string{}
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE patients SET user_id=$2, first_name=$3, last_name=$4, email=$5, phone=$6,
			date_of_birth=$7, push_tokens=$8, updated_at=NOW()
		WHERE id = $1`,
		p.ID, p.UserID, p.FirstName, p.LastName, p.Email, p.Phone, p.DateOfBirth, p.PushTokens)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *patientRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM patients WHERE id = $1`, id)
	return err
}

func (r *patientRepoPG) Search(ctx context.Context, query string, limit, offset int) ([]*Patient, int, error) {
	where := ""
	args := []interface{}{}
	if query != "" {
		args = append(args, "%"+query+"%")
		where = ` WHERE first_name ILIKE $1 OR last_name ILIKE $1 OR (first_name || ' ' || last_name) ILIKE $1`
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM patients`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	n := len(args)
	args = append(args, limit, offset)
	sql := `SELECT ` + patientCols + ` FROM patients` + where + ` ORDER BY last_name, first_name`
	if n == 0 {
		sql += ` LIMIT $1 OFFSET $2`
	} else {
		sql += ` LIMIT $2 OFFSET $3`
	}
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, p)
	}
	return items, total, rows.Err()
}

package audit

import (
	"context"
	"fmt"
	"strings"

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

type RepoPG struct {
	pool *pgxpool.Pool
}

func NewRepoPG(pool *pgxpool.Pool) *RepoPG {
	return &RepoPG{pool: pool}
}

func (r *RepoPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const eventCols = `id, practice_id, actor_id, impersonator_id, action, entity_type, entity_id,
	detail, COALESCE(host(ip), ''), created_at`

func (r *RepoPG) Create(ctx context.Context, e *Event) error {
	e.ID = uuid.New()
	var ip interface{}
	if e.IP != "" {
		ip = e.IP
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO audit_events (id, practice_id, actor_id, impersonator_id, action,
			entity_type, entity_id, detail, ip)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9::inet)
		RETURNING created_at`,
		e.ID, e.PracticeID, e.ActorID, e.ImpersonatorID, e.Action,
		e.EntityType, e.EntityID, e.Detail, ip).Scan(&e.CreatedAt)
}

func (r *RepoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*Event, int, error) {
	var where []string
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.ActorID != nil {
		add("actor_id = $%d", *f.ActorID)
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if f.EntityType != "" {
		add("entity_type = $%d", f.EntityType)
	}
	if f.EntityID != "" {
		add("entity_id = $%d", f.EntityID)
	}
	if f.Since != nil {
		add("created_at >= $%d", *f.Since)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM audit_events`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx, fmt.Sprintf(`SELECT `+eventCols+` FROM audit_events`+clause+
		` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.PracticeID, &e.ActorID, &e.ImpersonatorID, &e.Action,
			&e.EntityType, &e.EntityID, &e.Detail, &e.IP, &e.CreatedAt); err != nil {
			return nil, 0, err
		}
		items = append(items, &e)
	}
	return items, total, rows.Err()
}

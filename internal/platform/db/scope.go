package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PracticeScope runs work once per active practice with the same connection
// setup a request gets from PracticeMiddleware. Background jobs use it so
// row-level policies still apply outside HTTP.
type PracticeScope struct {
	pool *pgxpool.Pool
}

func NewPracticeScope(pool *pgxpool.Pool) *PracticeScope {
	return &PracticeScope{pool: pool}
}

// ActivePractices lists every active practice ordered by slug.
func (s *PracticeScope) ActivePractices(ctx context.Context) ([]Practice, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, slug FROM practices WHERE active ORDER BY slug`)
	if err != nil {
		return nil, fmt.Errorf("list practices: %w", err)
	}
	defer rows.Close()

	var out []Practice
	for rows.Next() {
		var p Practice
		if err := rows.Scan(&p.ID, &p.Slug); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Run pins a connection scoped to p and calls fn with a context carrying it.
func (s *PracticeScope) Run(ctx context.Context, p Practice, fn func(ctx context.Context) error) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT set_config('app.practice_id', $1, false)`, p.ID.String()); err != nil {
		return fmt.Errorf("scope connection to %s: %w", p.Slug, err)
	}
	defer conn.Exec(context.Background(), `SELECT set_config('app.practice_id', '', false)`)

	return fn(WithConn(WithPractice(ctx, p), conn))
}

// EachPractice calls fn for every active practice. A failure for one
// practice does not stop the others; all errors are returned joined.
func (s *PracticeScope) EachPractice(ctx context.Context, fn func(ctx context.Context) error) error {
	practices, err := s.ActivePractices(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, p := range practices {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := s.Run(ctx, p, fn); err != nil {
			errs = append(errs, fmt.Errorf("practice %s: %w", p.Slug, err))
		}
	}
	return errors.Join(errs...)
}

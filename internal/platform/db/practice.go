package db

import (
	"context"
	"errors"
	"net/http"
	"regexp"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	practiceKey contextKey = "practice"
	connKey     contextKey = "db_conn"
)

// PracticeClaimKey is the echo context key the auth middleware fills with the
// practice slug carried in the access token.
const PracticeClaimKey = "jwt_practice"

var practiceSlugPattern = regexp.MustCompile(`^[a-z0-9_-]{1,63}$`)

// ErrNoPractice is returned when work that must be tenant-scoped runs
// without a practice.
var ErrNoPractice = errors.New("no practice in context")

// Practice identifies the tenant a request is scoped to.
type Practice struct {
	ID   uuid.UUID
	Slug string
}

// ValidPracticeSlug reports whether s can be used as a practice slug.
func ValidPracticeSlug(s string) bool {
	return practiceSlugPattern.MatchString(s)
}

// PracticeMiddleware resolves the practice for the request, pins a pooled
// connection with app.practice_id set for row-level policies, and releases it
// once the handler returns.
func PracticeMiddleware(pool *pgxpool.Pool, defaultPractice string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			slug := extractPracticeSlug(c, defaultPractice)
			if !ValidPracticeSlug(slug) {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid practice identifier")
			}

			ctx := c.Request().Context()
			conn, err := pool.Acquire(ctx)
			if err != nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
			}
			defer conn.Release()

			var id uuid.UUID
			err = conn.QueryRow(ctx, `SELECT id FROM practices WHERE slug = $1 AND active`, slug).Scan(&id)
			if errors.Is(err, pgx.ErrNoRows) {
				return echo.NewHTTPError(http.StatusNotFound, "practice not found")
			}
			if err != nil {
				return echo.NewHTTPError(http.StatusInternalServerError, "practice resolution failed")
			}

			if _, err := conn.Exec(ctx, `SELECT set_config('app.practice_id', $1, false)`, id.String()); err != nil {
				return echo.NewHTTPError(http.StatusInternalServerError, "practice resolution failed")
			}
			// The setting is session-level; clear it before the connection returns to the pool.
			defer conn.Exec(context.Background(), `SELECT set_config('app.practice_id', '', false)`)

			p := Practice{ID: id, Slug: slug}
			ctx = WithPractice(ctx, p)
			ctx = WithConn(ctx, conn)
			c.SetRequest(c.Request().WithContext(ctx))
			c.Set("practice", slug)

			return next(c)
		}
	}
}

func extractPracticeSlug(c echo.Context, defaultPractice string) string {
	// 1. Claim from the access token
	if slug, ok := c.Get(PracticeClaimKey).(string); ok && slug != "" {
		return slug
	}

	// 2. Header
	if slug := c.Request().Header.Get("X-Practice-ID"); slug != "" {
		return slug
	}

	// 3. Query parameter
	if slug := c.QueryParam("practice"); slug != "" {
		return slug
	}

	return defaultPractice
}

// WithPractice returns a context scoped to p. Background jobs use it when
// acting on behalf of a practice outside a request.
func WithPractice(ctx context.Context, p Practice) context.Context {
	return context.WithValue(ctx, practiceKey, p)
}

// PracticeFromContext returns the practice the context is scoped to.
func PracticeFromContext(ctx context.Context) (Practice, bool) {
	p, ok := ctx.Value(practiceKey).(Practice)
	return p, ok
}

// PracticeIDFromContext returns the practice id or uuid.Nil.
func PracticeIDFromContext(ctx context.Context) uuid.UUID {
	p, _ := PracticeFromContext(ctx)
	return p.ID
}

// WithConn stores a request-scoped connection or transaction.
func WithConn(ctx context.Context, q Querier) context.Context {
	return context.WithValue(ctx, connKey, q)
}

// ConnFromContext retrieves the practice-scoped connection (or the active
// transaction) from context.
func ConnFromContext(ctx context.Context) Querier {
	q, _ := ctx.Value(connKey).(Querier)
	return q
}

// RequirePractice is a guard for services that must never run unscoped.
func RequirePractice(ctx context.Context) (Practice, error) {
	p, ok := PracticeFromContext(ctx)
	if !ok || p.ID == uuid.Nil {
		return Practice{}, ErrNoPractice
	}
	return p, nil
}

// Package audit records who did what to which record, including the admin
// behind an impersonated session.
package audit

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/vitaluxe/vitaluxe-flow/internal/platform/auth"
	"github.com/vitaluxe/vitaluxe-flow/internal/platform/db"
)

type ipKey struct{}

// WithClientIP stores the caller's address for events logged later in the
// request.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ipKey{}, ip)
}

// ClientIPMiddleware copies echo's RealIP into the request context.
func ClientIPMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.SetRequest(c.Request().WithContext(WithClientIP(c.Request().Context(), c.RealIP())))
			return next(c)
		}
	}
}

type Logger struct {
	repo Repository
	log  zerolog.Logger
}

func NewLogger(repo Repository, logger zerolog.Logger) *Logger {
	return &Logger{repo: repo, log: logger.With().Str("component", "audit").Logger()}
}

// Log fills practice, actor, impersonator and IP from ctx where the event
// leaves them empty, then stores it.
func (l *Logger) Log(ctx context.Context, e *Event) error {
	if e.Action == "" {
		return fmt.Errorf("action is required")
	}
	if e.EntityType == "" {
		return fmt.Errorf("entity_type is required")
	}
	if e.PracticeID == nil {
		if id := db.PracticeIDFromContext(ctx); id != uuid.Nil {
			e.PracticeID = &id
		}
	}
	if ident, ok := auth.IdentityFromContext(ctx); ok {
		if e.ActorID == nil && ident.UserID != uuid.Nil {
			actor := ident.UserID
			e.ActorID = &actor
		}
		if e.ImpersonatorID == nil && ident.ImpersonatorID != uuid.Nil {
			imp := ident.ImpersonatorID
			e.ImpersonatorID = &imp
		}
	}
	if e.IP == "" {
		e.IP, _ = ctx.Value(ipKey{}).(string)
	}
	return l.repo.Create(ctx, e)
}

// Record logs an event and swallows the error after logging it. Callers use
// it after the audited write has already succeeded.
func (l *Logger) Record(ctx context.Context, action, entityType, entityID string, detail map[string]any) {
	e := &Event{Action: action, EntityType: entityType, EntityID: entityID, Detail: detail}
	if err := l.Log(ctx, e); err != nil {
		l.log.Error().Err(err).Str("action", action).Str("entity_id", entityID).Msg("failed to write audit event")
	}
}

func (l *Logger) List(ctx context.Context, f Filter, limit, offset int) ([]*Event, int, error) {
	return l.repo.List(ctx, f, limit, offset)
}

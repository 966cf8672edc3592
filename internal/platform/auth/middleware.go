package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

type contextKey string

const identityKey contextKey = "identity"

// practiceClaimKey mirrors db.PracticeClaimKey; the practice middleware reads
// it after authentication.
const practiceClaimKey = "jwt_practice"

// DevUserID is the identity injected by DevAuthMiddleware.
var DevUserID = uuid.MustParse("00000000-0000-0000-0000-00000000de71")

// Identity is the authenticated caller.
type Identity struct {
	UserID                 uuid.UUID
	Email                  string
	Practice               string
	Roles                  []string
	ImpersonatorID         uuid.UUID
	ImpersonationSessionID uuid.UUID
}

// Impersonating reports whether an admin is acting as this user.
func (i Identity) Impersonating() bool {
	return i.ImpersonationSessionID != uuid.Nil
}

// IdentityFromClaims converts verified token claims.
func IdentityFromClaims(c *Claims) Identity {
	id := Identity{
		Email:    c.Email,
		Practice: c.Practice,
		Roles:    c.Roles,
	}
	id.UserID, _ = uuid.Parse(c.Subject)
	if c.ImpersonatorID != "" {
		id.ImpersonatorID, _ = uuid.Parse(c.ImpersonatorID)
	}
	if c.ImpersonationSessionID != "" {
		id.ImpersonationSessionID, _ = uuid.Parse(c.ImpersonationSessionID)
	}
	return id
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// JWTMiddleware authenticates requests with access tokens minted by issuer.
// A nil skipper authenticates every request.
func JWTMiddleware(issuer *TokenIssuer, skipper middleware.Skipper) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if skipper != nil && skipper(c) {
				return next(c)
			}

			header := c.Request().Header.Get("Authorization")
			if header == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}
			token, ok := BearerToken(header)
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims, err := issuer.Parse(token)
			if err == ErrTokenExpired {
				return echo.NewHTTPError(http.StatusUnauthorized, "token expired")
			}
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			setIdentity(c, IdentityFromClaims(claims))
			return next(c)
		}
	}
}

// DevAuthMiddleware lets unauthenticated requests through as an admin of the
// default practice. A bearer token, when present, is still verified.
func DevAuthMiddleware(issuer *TokenIssuer, skipper middleware.Skipper) echo.MiddlewareFunc {
	strict := JWTMiddleware(issuer, skipper)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		verified := strict(next)
		return func(c echo.Context) error {
			if skipper != nil && skipper(c) {
				return next(c)
			}
			if c.Request().Header.Get("Authorization") != "" && issuer != nil {
				return verified(c)
			}
			setIdentity(c, Identity{
				UserID:   DevUserID,
				Email:    "dev@localhost",
				Practice: "default",
				Roles:    []string{RoleAdmin},
			})
			return next(c)
		}
	}
}

func setIdentity(c echo.Context, id Identity) {
	c.Set(practiceClaimKey, id.Practice)
	c.Set("user_id", id.UserID.String())
	c.SetRequest(c.Request().WithContext(WithIdentity(c.Request().Context(), id)))
}

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

func UserIDFromContext(ctx context.Context) uuid.UUID {
	id, _ := IdentityFromContext(ctx)
	return id.UserID
}

func RolesFromContext(ctx context.Context) []string {
	id, _ := IdentityFromContext(ctx)
	return id.Roles
}

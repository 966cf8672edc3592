package identity

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/vitaluxe/vitaluxe-flow/internal/platform/auth"
	"github.com/vitaluxe/vitaluxe-flow/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/auth")
	g.POST("/login", h.Login)
	g.POST("/refresh", h.Refresh)
	g.POST("/logout", h.Logout)
	g.GET("/verify", h.Verify)
	g.GET("/me", h.Me)

	// Ending and checking use the admin behind the token, so an impersonated
	// session can stop itself.
	g.POST("/impersonation", h.StartImpersonation, auth.RequireRole(auth.RoleAdmin))
	g.DELETE("/impersonation/:id", h.EndImpersonation)
	g.GET("/impersonation/active", h.ActiveImpersonation)

	users := api.Group("/users", auth.RequireRole(auth.RolePracticeOwner))
	users.POST("", h.CreateUser)
	users.GET("", h.ListUsers)
}

// ImpersonationGuard rejects impersonation tokens whose session was ended
// or has expired, even if the JWT itself is still valid.
func (h *Handler) ImpersonationGuard() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id, ok := auth.IdentityFromContext(c.Request().Context())
			if !ok || !id.Impersonating() {
				return next(c)
			}
			if err := h.svc.checkImpersonation(c.Request().Context(), id.ImpersonationSessionID); err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "impersonation session ended")
			}
			return next(c)
		}
	}
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	case errors.Is(err, ErrInvalidCredentials), errors.Is(err, ErrInvalidRefresh),
		errors.Is(err, ErrTokenReused), errors.Is(err, ErrSessionExpired),
		errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrTokenExpired):
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	case errors.Is(err, ErrForbidden), errors.Is(err, ErrImpersonateAdmin), errors.Is(err, ErrSelfImpersonation):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrEmailTaken):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
}

// adminID is the real person behind the request.
func adminID(c echo.Context) uuid.UUID {
	id, _ := auth.IdentityFromContext(c.Request().Context())
	if id.Impersonating() {
		return id.ImpersonatorID
	}
	return id.UserID
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (h *Handler) Login(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Email == "" || req.Password == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "email and password are required")
	}
	pair, err := h.svc.Login(c.Request().Context(), req.Email, req.Password)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pair)
}

func (h *Handler) Refresh(c echo.Context) error {
	var req refreshRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	pair, err := h.svc.Refresh(c.Request().Context(), req.RefreshToken)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pair)
}

func (h *Handler) Logout(c echo.Context) error {
	var req refreshRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := h.svc.Logout(c.Request().Context(), req.RefreshToken); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

type verifyResponse struct {
	Valid                  bool     `json:"valid"`
	UserID                 string   `json:"user_id"`
	Email                  string   `json:"email,omitempty"`
	Practice               string   `json:"practice,omitempty"`
	Roles                  []string `json:"roles"`
	ImpersonatorID         string   `json:"impersonator_id,omitempty"`
	ImpersonationSessionID string   `json:"impersonation_session_id,omitempty"`
	ExpiresAt              int64    `json:"expires_at"`
}

func (h *Handler) Verify(c echo.Context) error {
	token, ok := auth.BearerToken(c.Request().Header.Get("Authorization"))
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
	}
	claims, err := h.svc.ValidateToken(c.Request().Context(), token)
	if err != nil {
		return httpError(err)
	}
	resp := verifyResponse{
		Valid:                  true,
		UserID:                 claims.Subject,
		Email:                  claims.Email,
		Practice:               claims.Practice,
		Roles:                  claims.Roles,
		ImpersonatorID:         claims.ImpersonatorID,
		ImpersonationSessionID: claims.ImpersonationSessionID,
	}
	if claims.ExpiresAt != nil {
		resp.ExpiresAt = claims.ExpiresAt.Unix()
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) Me(c echo.Context) error {
	u, err := h.svc.Me(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, u)
}

type startImpersonationRequest struct {
	TargetUserID uuid.UUID `json:"target_user_id"`
	Reason       string    `json:"reason"`
}

func (h *Handler) StartImpersonation(c echo.Context) error {
	var req startImpersonationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.TargetUserID == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "target_user_id is required")
	}
	grant, err := h.svc.StartImpersonation(c.Request().Context(), adminID(c), req.TargetUserID, req.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, grant)
}

func (h *Handler) EndImpersonation(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	sess, err := h.svc.EndImpersonation(c.Request().Context(), id, adminID(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *Handler) ActiveImpersonation(c echo.Context) error {
	sess, err := h.svc.ActiveImpersonation(c.Request().Context(), adminID(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *Handler) CreateUser(c echo.Context) error {
	var in CreateUserInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	u, err := h.svc.CreateUser(c.Request().Context(), in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, u)
}

func (h *Handler) ListUsers(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListUsers(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

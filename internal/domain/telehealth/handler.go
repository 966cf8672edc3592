package telehealth

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/vitaluxe/vitaluxe-flow/internal/domain/scheduling"
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
	staff := auth.RequireRole(auth.StaffRoles...)

	g := api.Group("/video-sessions")
	g.POST("", h.Create, staff)
	g.GET("", h.List, staff)
	g.GET("/:id", h.Get)
	g.GET("/:id/events", h.Events, staff)
	g.POST("/:id/token", h.IssueToken)
	g.POST("/:id/end", h.End, staff)
	g.POST("/:id/join", h.Join)
	g.POST("/:id/leave", h.Leave)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, scheduling.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	case errors.Is(err, ErrSessionExists), errors.Is(err, ErrSessionEnded):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrNotParticipant):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrVideoDisabled):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

type createRequest struct {
	AppointmentID uuid.UUID `json:"appointment_id"`
}

func (h *Handler) Create(c echo.Context) error {
	var req createRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.AppointmentID == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "appointment_id is required")
	}
	vs, err := h.svc.Create(c.Request().Context(), req.AppointmentID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, vs)
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.List(c.Request().Context(), c.QueryParam("status"), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) Get(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	vs, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	if err := h.svc.Authorize(c.Request().Context(), vs); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, vs)
}

func (h *Handler) Events(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	events, err := h.svc.Events(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	if events == nil {
		events = []*ParticipantEvent{}
	}
	return c.JSON(http.StatusOK, events)
}

func (h *Handler) IssueToken(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	grant, err := h.svc.IssueToken(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, grant)
}

func (h *Handler) End(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	vs, err := h.svc.End(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, vs)
}

func (h *Handler) Join(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	e, err := h.svc.Join(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, e)
}

func (h *Handler) Leave(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	e, err := h.svc.Leave(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, e)
}

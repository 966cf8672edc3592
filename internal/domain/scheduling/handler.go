package scheduling

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/vitaluxe/vitaluxe-flow/internal/domain/practice"
	"github.com/vitaluxe/vitaluxe-flow/internal/platform/auth"
	sched "github.com/vitaluxe/vitaluxe-flow/internal/platform/scheduling"
	"github.com/vitaluxe/vitaluxe-flow/pkg/dateformat"
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

	api.GET("/providers/:id/hours", h.ListHours)
	api.PUT("/providers/:id/hours", h.SetHours, staff)
	api.GET("/providers/:id/availability", h.Availability)
	api.GET("/providers/:id/blocks", h.ListBlocks, staff)
	api.POST("/providers/:id/blocks", h.CreateBlock, staff)
	api.POST("/blocks", h.CreateBlock, staff)
	api.DELETE("/blocks/:id", h.DeleteBlock, staff)

	api.POST("/appointments/validate", h.ValidateSlot)
	api.POST("/appointments", h.Book)
	api.GET("/appointments", h.ListAppointments)
	api.GET("/appointments/:id", h.GetAppointment)
	api.PATCH("/appointments/:id/status", h.UpdateStatus)
	api.POST("/appointments/:id/reschedule", h.Reschedule)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, practice.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	case errors.Is(err, ErrSlotUnavailable), errors.Is(err, ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
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

// parseTime accepts RFC 3339 timestamps or plain YYYY-MM-DD dates (UTC
// midnight).
func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return dateformat.ParseISODate(s, time.UTC)
}

func isStaff(c echo.Context) bool {
	return auth.HasRole(auth.RolesFromContext(c.Request().Context()), auth.StaffRoles...)
}

// ownPatientID returns the caller's patient record id. Only meaningful for
// portal users.
func (h *Handler) ownPatientID(c echo.Context) (uuid.UUID, error) {
	ctx := c.Request().Context()
	p, err := h.svc.PatientForUser(ctx, auth.UserIDFromContext(ctx))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusForbidden, "no patient record for this user")
	}
	return p.ID, nil
}

// canSee lets staff see everything and patients only their own bookings.
func (h *Handler) canSee(c echo.Context, a *Appointment) error {
	if isStaff(c) {
		return nil
	}
	own, err := h.ownPatientID(c)
	if err != nil {
		return err
	}
	if own != a.PatientID {
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	}
	return nil
}

// -- Hours --

func (h *Handler) ListHours(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	hours, err := h.svc.ListHours(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	if hours == nil {
		hours = []*BusinessHour{}
	}
	return c.JSON(http.StatusOK, hours)
}

func (h *Handler) SetHours(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var body []sched.BusinessHours
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	hours, err := h.svc.SetHours(c.Request().Context(), id, body)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, hours)
}

type slotResponse struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Label string    `json:"label"`
}

func (h *Handler) Availability(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	from, err := parseTime(c.QueryParam("from"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid from")
	}
	to, err := parseTime(c.QueryParam("to"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid to")
	}
	duration := 0
	if d := c.QueryParam("duration"); d != "" {
		if duration, err = strconv.Atoi(d); err != nil || duration <= 0 || duration > 480 {
			return echo.NewHTTPError(http.StatusBadRequest, "duration must be 1-480 minutes")
		}
	}
	slots, err := h.svc.Availability(c.Request().Context(), id, from, to, duration)
	if err != nil {
		return httpError(err)
	}
	out := make([]slotResponse, 0, len(slots))
	for _, s := range slots {
		out = append(out, slotResponse{Start: s.Start, End: s.End, Label: dateformat.FormatTimeRange(s.Start, s.End)})
	}
	return c.JSON(http.StatusOK, out)
}

// -- Blocked time --

func (h *Handler) CreateBlock(c echo.Context) error {
	var b BlockedTime
	if err := c.Bind(&b); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if c.Param("id") != "" {
		id, err := parseID(c)
		if err != nil {
			return err
		}
		b.ProviderID = &id
	}
	if err := h.svc.CreateBlock(c.Request().Context(), &b); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, b)
}

func (h *Handler) ListBlocks(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	from := time.Now().UTC()
	to := from.AddDate(0, 0, 90)
	if v := c.QueryParam("from"); v != "" {
		if from, err = parseTime(v); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid from")
		}
	}
	if v := c.QueryParam("to"); v != "" {
		if to, err = parseTime(v); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid to")
		}
	}
	blocks, err := h.svc.ListBlocks(c.Request().Context(), id, from, to)
	if err != nil {
		return httpError(err)
	}
	if blocks == nil {
		blocks = []*BlockedTime{}
	}
	return c.JSON(http.StatusOK, blocks)
}

func (h *Handler) DeleteBlock(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteBlock(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Appointments --

type validateRequest struct {
	ProviderID    uuid.UUID `json:"provider_id"`
	StartsAt      time.Time `json:"starts_at"`
	EndsAt        time.Time `json:"ends_at"`
	AppointmentID uuid.UUID `json:"appointment_id"`
}

type validateResponse struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// ValidateSlot answers whether a slot is bookable without writing anything.
// Rule violations are a 200 with valid=false.
func (h *Handler) ValidateSlot(c echo.Context) error {
	var req validateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.ProviderID == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "provider_id is required")
	}
	err := h.svc.CheckSlot(c.Request().Context(), req.ProviderID,
		sched.Interval{Start: req.StartsAt, End: req.EndsAt}, req.AppointmentID)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, validateResponse{Valid: true})
	case errors.Is(err, ErrSlotUnavailable), errors.Is(err, sched.ErrInvalidInterval):
		return c.JSON(http.StatusOK, validateResponse{Valid: false, Reason: reasonFor(err)})
	default:
		return httpError(err)
	}
}

// reasonFor strips the wrapper so clients see the rule that failed.
func reasonFor(err error) string {
	for _, e := range []error{
		sched.ErrInvalidInterval, sched.ErrInPast, sched.ErrTooFarAhead,
		sched.ErrOutsideBusinessHours, sched.ErrBlocked, sched.ErrConflict,
	} {
		if errors.Is(err, e) {
			return e.Error()
		}
	}
	return err.Error()
}

func (h *Handler) Book(c echo.Context) error {
	var a Appointment
	if err := c.Bind(&a); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if !isStaff(c) {
		own, err := h.ownPatientID(c)
		if err != nil {
			return err
		}
		a.PatientID = own
	}
	if err := h.svc.Book(c.Request().Context(), &a); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) GetAppointment(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	a, err := h.svc.GetAppointment(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	if err := h.canSee(c, a); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) ListAppointments(c echo.Context) error {
	pg := pagination.FromContext(c)
	var f ListFilter
	if v := c.QueryParam("provider_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid provider_id")
		}
		f.ProviderID = id
	}
	if v := c.QueryParam("patient_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		f.PatientID = id
	}
	f.Status = c.QueryParam("status")
	if v := c.QueryParam("from"); v != "" {
		t, err := parseTime(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid from")
		}
		f.From = &t
	}
	if v := c.QueryParam("to"); v != "" {
		t, err := parseTime(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid to")
		}
		f.To = &t
	}
	if !isStaff(c) {
		own, err := h.ownPatientID(c)
		if err != nil {
			return err
		}
		f.PatientID = own
	}

	items, total, err := h.svc.ListAppointments(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

type statusRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// UpdateStatus lets staff drive the whole lifecycle; patients may only
// cancel their own appointments.
func (h *Handler) UpdateStatus(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req statusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if !isStaff(c) {
		if req.Status != StatusCancelled {
			return echo.NewHTTPError(http.StatusForbidden, "patients may only cancel")
		}
		a, err := h.svc.GetAppointment(c.Request().Context(), id)
		if err != nil {
			return httpError(err)
		}
		if err := h.canSee(c, a); err != nil {
			return err
		}
	}
	a, err := h.svc.UpdateStatus(c.Request().Context(), id, req.Status, req.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

type rescheduleRequest struct {
	StartsAt time.Time `json:"starts_at"`
	EndsAt   time.Time `json:"ends_at"`
}

func (h *Handler) Reschedule(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req rescheduleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if !isStaff(c) {
		a, err := h.svc.GetAppointment(c.Request().Context(), id)
		if err != nil {
			return httpError(err)
		}
		if err := h.canSee(c, a); err != nil {
			return err
		}
	}
	a, err := h.svc.Reschedule(c.Request().Context(), id, req.StartsAt, req.EndsAt)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

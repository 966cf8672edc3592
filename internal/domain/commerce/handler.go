package commerce

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/vitaluxe/vitaluxe-flow/internal/domain/practice"
	"github.com/vitaluxe/vitaluxe-flow/internal/platform/auth"
	"github.com/vitaluxe/vitaluxe-flow/internal/platform/payment"
	"github.com/vitaluxe/vitaluxe-flow/internal/platform/webhook"
	"github.com/vitaluxe/vitaluxe-flow/pkg/dateformat"
	"github.com/vitaluxe/vitaluxe-flow/pkg/pagination"
)

const maxWebhookBody = 1 << 20

type Handler struct {
	svc           *Service
	webhookSecret string
}

// NewHandler creates the handler. An empty webhookSecret rejects every
// gateway callback.
func NewHandler(svc *Service, webhookSecret string) *Handler {
	return &Handler{svc: svc, webhookSecret: webhookSecret}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	staff := auth.RequireRole(auth.StaffRoles...)
	owner := auth.RequireRole(auth.RolePracticeOwner)

	api.GET("/products", h.ListProducts)
	api.GET("/products/:id", h.GetProduct)
	api.POST("/products", h.CreateProduct, staff)
	api.PUT("/products/:id", h.UpdateProduct, staff)
	api.DELETE("/products/:id", h.DeleteProduct, staff)

	api.GET("/cart", h.GetCart)
	api.POST("/cart/items", h.AddToCart)
	api.PATCH("/cart/items/:id", h.UpdateCartLine)
	api.DELETE("/cart/items/:id", h.RemoveCartLine)
	api.POST("/checkout", h.Checkout)

	api.GET("/orders", h.ListOrders)
	api.GET("/orders/export.xlsx", h.ExportOrders, staff)
	api.GET("/orders/:id", h.GetOrder)
	api.GET("/orders/:id/receipt.pdf", h.Receipt)
	api.PATCH("/orders/:id/status", h.UpdateStatus, staff)
	api.POST("/orders/:id/refund", h.Refund, owner)

	api.POST("/payments/webhook", h.Webhook)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, practice.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrNotRefundable),
		errors.Is(err, ErrOutOfStock), errors.Is(err, ErrUnavailable), errors.Is(err, ErrDuplicateSKU):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrPaymentsDisabled):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, ErrGateway):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
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

func isStaff(c echo.Context) bool {
	return auth.HasRole(auth.RolesFromContext(c.Request().Context()), auth.StaffRoles...)
}

func (h *Handler) ownPatientID(c echo.Context) (uuid.UUID, error) {
	ctx := c.Request().Context()
	p, err := h.svc.PatientForUser(ctx, auth.UserIDFromContext(ctx))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusForbidden, "no patient record for this user")
	}
	return p.ID, nil
}

// -- Products --

func (h *Handler) ListProducts(c echo.Context) error {
	pg := pagination.FromContext(c)
	activeOnly := !isStaff(c) || c.QueryParam("active") == "true"
	items, total, err := h.svc.ListProducts(c.Request().Context(), activeOnly, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*Product{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetProduct(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	p, err := h.svc.GetProduct(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	if !p.Active && !isStaff(c) {
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) CreateProduct(c echo.Context) error {
	var p Product
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.CreateProduct(c.Request().Context(), &p); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) UpdateProduct(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	existing, err := h.svc.GetProduct(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	if err := c.Bind(existing); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	existing.ID = id
	if err := h.svc.UpdateProduct(c.Request().Context(), existing); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, existing)
}

func (h *Handler) DeleteProduct(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteProduct(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Cart --

type cartItemRequest struct {
	ProductID uuid.UUID `json:"product_id"`
	Quantity  int       `json:"quantity"`
}

func (h *Handler) GetCart(c echo.Context) error {
	patientID, err := h.ownPatientID(c)
	if err != nil {
		return err
	}
	cart, err := h.svc.Cart(c.Request().Context(), patientID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cart)
}

func (h *Handler) AddToCart(c echo.Context) error {
	patientID, err := h.ownPatientID(c)
	if err != nil {
		return err
	}
	var req cartItemRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.ProductID == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "product_id is required")
	}
	if req.Quantity == 0 {
		req.Quantity = 1
	}
	cart, err := h.svc.AddToCart(c.Request().Context(), patientID, req.ProductID, req.Quantity)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cart)
}

func (h *Handler) UpdateCartLine(c echo.Context) error {
	patientID, err := h.ownPatientID(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req cartItemRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	cart, err := h.svc.UpdateCartLine(c.Request().Context(), patientID, id, req.Quantity)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cart)
}

func (h *Handler) RemoveCartLine(c echo.Context) error {
	patientID, err := h.ownPatientID(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	cart, err := h.svc.RemoveCartLine(c.Request().Context(), patientID, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cart)
}

type checkoutRequest struct {
	SuccessURL string `json:"success_url"`
	CancelURL  string `json:"cancel_url"`
}

func (h *Handler) Checkout(c echo.Context) error {
	patientID, err := h.ownPatientID(c)
	if err != nil {
		return err
	}
	var req checkoutRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.SuccessURL == "" || req.CancelURL == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "success_url and cancel_url are required")
	}
	res, err := h.svc.Checkout(c.Request().Context(), patientID, req.SuccessURL, req.CancelURL)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, res)
}

// -- Orders --

func parseOrderFilter(c echo.Context) (OrderFilter, error) {
	f := OrderFilter{Status: c.QueryParam("status")}
	if v := c.QueryParam("patient_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return f, echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		f.PatientID = &id
	}
	for name, dst := range map[string]**time.Time{"from": &f.From, "to": &f.To} {
		v := c.QueryParam(name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			if t, err = dateformat.ParseISODate(v, time.UTC); err != nil {
				return f, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
			}
		}
		*dst = &t
	}
	return f, nil
}

// canSee lets staff see every order and patients only their own.
func (h *Handler) canSee(c echo.Context, o *Order) error {
	if isStaff(c) {
		return nil
	}
	own, err := h.ownPatientID(c)
	if err != nil {
		return err
	}
	if own != o.PatientID {
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	}
	return nil
}

func (h *Handler) ListOrders(c echo.Context) error {
	f, err := parseOrderFilter(c)
	if err != nil {
		return err
	}
	if !isStaff(c) {
		own, err := h.ownPatientID(c)
		if err != nil {
			return err
		}
		f.PatientID = &own
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListOrders(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*Order{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetOrder(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	o, err := h.svc.GetOrder(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	if err := h.canSee(c, o); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, o)
}

type statusRequest struct {
	Status string `json:"status"`
}

func (h *Handler) UpdateStatus(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req statusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	o, err := h.svc.UpdateStatus(c.Request().Context(), id, req.Status)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, o)
}

func (h *Handler) Refund(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	o, err := h.svc.Refund(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, o)
}

func (h *Handler) Receipt(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	o, err := h.svc.GetOrder(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	if err := h.canSee(c, o); err != nil {
		return err
	}
	o, pdf, err := h.svc.ReceiptPDF(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf(`inline; filename="%s.pdf"`, o.Number))
	return c.Blob(http.StatusOK, "application/pdf", pdf)
}

const xlsxMIME = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

func (h *Handler) ExportOrders(c echo.Context) error {
	f, err := parseOrderFilter(c)
	if err != nil {
		return err
	}
	out, err := h.svc.ExportOrders(c.Request().Context(), f)
	if err != nil {
		return httpError(err)
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="orders.xlsx"`)
	return c.Blob(http.StatusOK, xlsxMIME, out)
}

// -- Gateway callback --

// Webhook receives signed payment events. The practice comes from the
// ?practice= query parameter configured on the gateway side.
func (h *Handler) Webhook(c echo.Context) error {
	if h.webhookSecret == "" {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "payment webhooks are not configured")
	}
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
	}
	sig := c.Request().Header.Get(webhook.SignatureHeader)
	if err := webhook.Verify(h.webhookSecret, sig, body, h.svc.now(), 0); err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}
	ev, err := payment.ParseEvent(body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.HandlePaymentEvent(c.Request().Context(), ev); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"received": true})
}

package commerce

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vitaluxe/vitaluxe-flow/internal/domain/audit"
	"github.com/vitaluxe/vitaluxe-flow/internal/domain/practice"
	"github.com/vitaluxe/vitaluxe-flow/internal/platform/db"
	"github.com/vitaluxe/vitaluxe-flow/internal/platform/notification"
	"github.com/vitaluxe/vitaluxe-flow/internal/platform/payment"
	"github.com/vitaluxe/vitaluxe-flow/internal/platform/receipt"
	"github.com/vitaluxe/vitaluxe-flow/internal/platform/webhook"
)

var (
	ErrInvalidQuantity   = fmt.Errorf("quantity must be between 1 and %d", MaxLineQuantity)
	ErrEmptyCart         = errors.New("cart is empty")
	ErrUnavailable       = errors.New("product is not available")
	ErrOutOfStock        = errors.New("product is out of stock")
	ErrMixedCurrency     = errors.New("cart mixes currencies")
	ErrInvalidTransition = errors.New("invalid order status transition")
	ErrNotRefundable     = errors.New("order cannot be refunded")
	ErrPaymentsDisabled  = errors.New("payments are not configured")
	ErrGateway           = errors.New("payment gateway error")
)

// Outbound webhook event types.
const (
	EventOrderPaid     = "order.paid"
	EventOrderRefunded = "order.refunded"
)

// exportLimit bounds a single spreadsheet export.
const exportLimit = 10000

// Gateway is the hosted-checkout provider. *payment.Client satisfies it.
type Gateway interface {
	CreateCheckoutSession(ctx context.Context, req payment.CheckoutRequest) (*payment.CheckoutSession, error)
	Refund(ctx context.Context, paymentID string, amountCents int64) (*payment.Refund, error)
}

type Directory interface {
	CurrentPractice(ctx context.Context) (*practice.Practice, error)
	GetPatient(ctx context.Context, id uuid.UUID) (*practice.Patient, error)
	GetPatientByUser(ctx context.Context, userID uuid.UUID) (*practice.Patient, error)
}

type Notifier interface {
	Broadcast(ctx context.Context, templateID string, to notification.Recipient, data map[string]string) error
}

type Invalidator interface {
	Invalidate(practice, table, id string)
}

type AuditRecorder interface {
	Record(ctx context.Context, action, entityType, entityID string, detail map[string]any)
}

// Dispatcher delivers order events to the practice's webhook endpoint.
type Dispatcher interface {
	DeliverAsync(ep webhook.Endpoint, event webhook.Event)
}

type Service struct {
	products ProductRepository
	carts    CartRepository
	orders   OrderRepository
	events   EventRepository
	dir      Directory
	gateway  Gateway
	notify   Notifier
	inv      Invalidator
	audit    AuditRecorder
	log      zerolog.Logger

	dispatch  Dispatcher
	publicURL string
	inTx      func(ctx context.Context, fn func(ctx context.Context) error) error
	now       func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithDispatcher enables outbound order webhooks.
func WithDispatcher(d Dispatcher) Option {
	return func(s *Service) { s.dispatch = d }
}

// WithPublicURL sets the portal base URL used for receipt links.
func WithPublicURL(base string) Option {
	return func(s *Service) { s.publicURL = strings.TrimRight(base, "/") }
}

// WithTx runs payment event handling inside fn's transaction.
func WithTx(inTx func(ctx context.Context, fn func(ctx context.Context) error) error) Option {
	return func(s *Service) { s.inTx = inTx }
}

// NewService wires the service. gateway may be nil when payments are not
// configured; checkout and refunds then fail with ErrPaymentsDisabled.
func NewService(products ProductRepository, carts CartRepository, orders OrderRepository, events EventRepository,
	dir Directory, gateway Gateway, notify Notifier, inv Invalidator, rec AuditRecorder,
	logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		products: products,
		carts:    carts,
		orders:   orders,
		events:   events,
		dir:      dir,
		gateway:  gateway,
		notify:   notify,
		inv:      inv,
		audit:    rec,
		log:      logger.With().Str("component", "commerce").Logger(),
		inTx: func(ctx context.Context, fn func(ctx context.Context) error) error {
			return fn(ctx)
		},
		now: time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) invalidate(ctx context.Context, table string, id uuid.UUID) {
	if p, ok := db.PracticeFromContext(ctx); ok {
		s.inv.Invalidate(p.Slug, table, id.String())
	}
}

// =========== Products ===========

func (s *Service) validateProduct(p *Product) error {
	p.SKU = strings.TrimSpace(p.SKU)
	p.Name = strings.TrimSpace(p.Name)
	if p.SKU == "" {
		return fmt.Errorf("sku is required")
	}
	if p.Name == "" {
		return fmt.Errorf("name is required")
	}
	if p.PriceCents <= 0 {
		return fmt.Errorf("price_cents must be positive")
	}
	if p.Currency == "" {
		p.Currency = "usd"
	}
	p.Currency = strings.ToLower(p.Currency)
	if len(p.Currency) != 3 {
		return fmt.Errorf("currency must be a 3-letter code")
	}
	if p.Stock != nil && *p.Stock < 0 {
		return fmt.Errorf("stock must not be negative")
	}
	return nil
}

func (s *Service) CreateProduct(ctx context.Context, p *Product) error {
	pr, err := db.RequirePractice(ctx)
	if err != nil {
		return err
	}
	if err := s.validateProduct(p); err != nil {
		return err
	}
	p.PracticeID = pr.ID
	if err := s.products.Create(ctx, p); err != nil {
		return err
	}
	s.invalidate(ctx, "products", p.ID)
	return nil
}

func (s *Service) GetProduct(ctx context.Context, id uuid.UUID) (*Product, error) {
	return s.products.GetByID(ctx, id)
}

func (s *Service) UpdateProduct(ctx context.Context, p *Product) error {
	if err := s.validateProduct(p); err != nil {
		return err
	}
	if err := s.products.Update(ctx, p); err != nil {
		return err
	}
	s.invalidate(ctx, "products", p.ID)
	return nil
}

func (s *Service) DeleteProduct(ctx context.Context, id uuid.UUID) error {
	if err := s.products.Delete(ctx, id); err != nil {
		return err
	}
	s.invalidate(ctx, "products", id)
	return nil
}

func (s *Service) ListProducts(ctx context.Context, activeOnly bool, limit, offset int) ([]*Product, int, error) {
	return s.products.List(ctx, activeOnly, limit, offset)
}

// =========== Cart ===========

// Cart returns the patient's lines priced at current product prices.
// Lines whose product has been deleted are dropped.
func (s *Service) Cart(ctx context.Context, patientID uuid.UUID) (*Cart, error) {
	lines, err := s.carts.ListLines(ctx, patientID)
	if err != nil {
		return nil, err
	}
	cart := &Cart{PatientID: patientID, Lines: []*CartLine{}}
	for _, l := range lines {
		p, err := s.products.GetByID(ctx, l.ProductID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		l.Product = p
		cart.Lines = append(cart.Lines, l)
		cart.ItemCount += l.Quantity
		cart.SubtotalCents += p.PriceCents * int64(l.Quantity)
		if cart.Currency == "" {
			cart.Currency = p.Currency
		}
	}
	return cart, nil
}

// AddToCart adds qty of a product, merging with an existing line for it.
func (s *Service) AddToCart(ctx context.Context, patientID, productID uuid.UUID, qty int) (*Cart, error) {
	pr, err := db.RequirePractice(ctx)
	if err != nil {
		return nil, err
	}
	if qty < 1 || qty > MaxLineQuantity {
		return nil, ErrInvalidQuantity
	}
	p, err := s.products.GetByID(ctx, productID)
	if err != nil {
		return nil, err
	}
	if !p.Active {
		return nil, ErrUnavailable
	}

	line, err := s.carts.FindLine(ctx, patientID, productID)
	switch {
	case errors.Is(err, ErrNotFound):
		line = &CartLine{PracticeID: pr.ID, PatientID: patientID, ProductID: productID}
	case err != nil:
		return nil, err
	}
	total := line.Quantity + qty
	if total > MaxLineQuantity {
		return nil, ErrInvalidQuantity
	}
	if !p.InStock(total) {
		return nil, ErrOutOfStock
	}
	line.Quantity = total
	if err := s.carts.SaveLine(ctx, line); err != nil {
		return nil, err
	}
	s.invalidate(ctx, "cart_lines", line.ID)
	return s.Cart(ctx, patientID)
}

func (s *Service) ownLine(ctx context.Context, patientID, lineID uuid.UUID) (*CartLine, error) {
	line, err := s.carts.GetLine(ctx, lineID)
	if err != nil {
		return nil, err
	}
	if line.PatientID != patientID {
		return nil, ErrNotFound
	}
	return line, nil
}

func (s *Service) UpdateCartLine(ctx context.Context, patientID, lineID uuid.UUID, qty int) (*Cart, error) {
	if qty < 1 || qty > MaxLineQuantity {
		return nil, ErrInvalidQuantity
	}
	line, err := s.ownLine(ctx, patientID, lineID)
	if err != nil {
		return nil, err
	}
	p, err := s.products.GetByID(ctx, line.ProductID)
	if err != nil {
		return nil, err
	}
	if !p.InStock(qty) {
		return nil, ErrOutOfStock
	}
	line.Quantity = qty
	if err := s.carts.SaveLine(ctx, line); err != nil {
		return nil, err
	}
	s.invalidate(ctx, "cart_lines", line.ID)
	return s.Cart(ctx, patientID)
}

func (s *Service) RemoveCartLine(ctx context.Context, patientID, lineID uuid.UUID) (*Cart, error) {
	line, err := s.ownLine(ctx, patientID, lineID)
	if err != nil {
		return nil, err
	}
	if err := s.carts.DeleteLine(ctx, line.ID); err != nil {
		return nil, err
	}
	s.invalidate(ctx, "cart_lines", line.ID)
	return s.Cart(ctx, patientID)
}

// CleanupCarts deletes lines untouched for CartTTL.
func (s *Service) CleanupCarts(ctx context.Context, now time.Time) (int, error) {
	return s.carts.DeleteStale(ctx, now.Add(-CartTTL))
}

// =========== Checkout ===========

type CheckoutResult struct {
	Order       *Order `json:"order"`
	CheckoutURL string `json:"checkout_url"`
}

// Checkout turns the patient's cart into a pending order and opens a hosted
// checkout for it. The cart is cleared once the gateway accepts the order.
func (s *Service) Checkout(ctx context.Context, patientID uuid.UUID, successURL, cancelURL string) (*CheckoutResult, error) {
	if s.gateway == nil {
		return nil, ErrPaymentsDisabled
	}
	pr, err := s.dir.CurrentPractice(ctx)
	if err != nil {
		return nil, err
	}
	patient, err := s.dir.GetPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	cart, err := s.Cart(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if len(cart.Lines) == 0 {
		return nil, ErrEmptyCart
	}

	id := uuid.New()
	order := &Order{
		ID:         id,
		PracticeID: pr.ID,
		Number:     orderNumber(id),
		PatientID:  patientID,
		Status:     StatusPendingPayment,
		Currency:   cart.Currency,
	}
	items := make([]payment.LineItem, 0, len(cart.Lines))
	for _, l := range cart.Lines {
		p := l.Product
		if !p.Active {
			return nil, fmt.Errorf("%w: %s", ErrUnavailable, p.Name)
		}
		if !p.InStock(l.Quantity) {
			return nil, fmt.Errorf("%w: %s", ErrOutOfStock, p.Name)
		}
		if p.Currency != order.Currency {
			return nil, ErrMixedCurrency
		}
		order.Lines = append(order.Lines, &OrderLine{
			ProductID:      p.ID,
			SKU:            p.SKU,
			Name:           p.Name,
			Quantity:       l.Quantity,
			UnitPriceCents: p.PriceCents,
		})
		items = append(items, payment.LineItem{Name: p.Name, Quantity: l.Quantity, UnitPriceCents: p.PriceCents})
	}
	order.SubtotalCents = cart.SubtotalCents
	order.TaxCents = TaxCents(order.SubtotalCents, pr.TaxRateBps)
	order.TotalCents = order.SubtotalCents + order.TaxCents

	if err := s.orders.Create(ctx, order); err != nil {
		return nil, err
	}

	sess, err := s.gateway.CreateCheckoutSession(ctx, payment.CheckoutRequest{
		OrderID:     order.ID.String(),
		AmountCents: order.TotalCents,
		Currency:    order.Currency,
		SuccessURL:  successURL,
		CancelURL:   cancelURL,
		Email:       patient.Email,
		LineItems:   items,
		Metadata:    map[string]string{"practice": pr.Slug, "order_number": order.Number},
	})
	if err != nil {
		now := s.now()
		order.Status = StatusCancelled
		order.CancelledAt = &now
		if uerr := s.orders.Update(ctx, order); uerr != nil {
			s.log.Error().Err(uerr).Str("order_id", order.ID.String()).Msg("failed to cancel order after gateway error")
		}
		return nil, fmt.Errorf("%w: %w", ErrGateway, err)
	}

	order.PaymentSessionID = &sess.ID
	if err := s.orders.Update(ctx, order); err != nil {
		return nil, err
	}
	if err := s.carts.Clear(ctx, patientID); err != nil {
		s.log.Warn().Err(err).Str("order_id", order.ID.String()).Msg("cart not cleared after checkout")
	}
	s.invalidate(ctx, "orders", order.ID)
	s.invalidate(ctx, "cart_lines", patientID)
	return &CheckoutResult{Order: order, CheckoutURL: sess.URL}, nil
}

// =========== Orders ===========

func (s *Service) GetOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	return s.orders.GetByID(ctx, id)
}

func (s *Service) ListOrders(ctx context.Context, f OrderFilter, limit, offset int) ([]*Order, int, error) {
	return s.orders.List(ctx, f, limit, offset)
}

// stamp applies a status change and sets the matching timestamp.
func (s *Service) stamp(o *Order, status string) {
	now := s.now()
	o.Status = status
	switch status {
	case StatusPaid:
		o.PaidAt = &now
	case StatusCancelled:
		o.CancelledAt = &now
	case StatusRefunded:
		o.RefundedAt = &now
	}
}

// UpdateStatus moves an order through fulfilment. Refunds go through Refund
// so the gateway is called.
func (s *Service) UpdateStatus(ctx context.Context, id uuid.UUID, status string) (*Order, error) {
	if !validStatus(status) {
		return nil, fmt.Errorf("unknown status %q", status)
	}
	if status == StatusRefunded {
		return nil, fmt.Errorf("%w: use the refund endpoint", ErrInvalidTransition)
	}
	o, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(o.Status, status) {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, o.Status, status)
	}
	s.stamp(o, status)
	if err := s.orders.Update(ctx, o); err != nil {
		return nil, err
	}
	s.invalidate(ctx, "orders", o.ID)
	return o, nil
}

// Refund returns the full payment for a paid order.
func (s *Service) Refund(ctx context.Context, id uuid.UUID) (*Order, error) {
	if s.gateway == nil {
		return nil, ErrPaymentsDisabled
	}
	o, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(o.Status, StatusRefunded) || o.PaymentID == nil {
		return nil, fmt.Errorf("%w: order is %s", ErrNotRefundable, o.Status)
	}
	ref, err := s.gateway.Refund(ctx, *o.PaymentID, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGateway, err)
	}
	s.stamp(o, StatusRefunded)
	if err := s.orders.Update(ctx, o); err != nil {
		return nil, err
	}
	s.invalidate(ctx, "orders", o.ID)
	s.audit.Record(ctx, audit.ActionOrderRefund, "order", o.ID.String(), map[string]any{
		"refund_id":    ref.ID,
		"amount_cents": o.TotalCents,
	})
	s.emit(ctx, EventOrderRefunded, o)
	return o, nil
}

// =========== Payment events ===========

// HandlePaymentEvent applies a verified gateway event. Each event id is
// applied at most once; events for orders already past the target status are
// acknowledged without change.
func (s *Service) HandlePaymentEvent(ctx context.Context, ev *payment.Event) error {
	var paid *Order
	err := s.inTx(ctx, func(ctx context.Context) error {
		fresh, err := s.events.MarkProcessed(ctx, ev.ID, ev.Type)
		if err != nil {
			return err
		}
		if !fresh {
			s.log.Debug().Str("event_id", ev.ID).Msg("duplicate payment event ignored")
			return nil
		}

		var target string
		switch ev.Type {
		case payment.EventCheckoutCompleted:
			target = StatusPaid
		case payment.EventPaymentFailed:
			target = StatusCancelled
		case payment.EventChargeRefunded:
			target = StatusRefunded
		default:
			s.log.Info().Str("event_id", ev.ID).Str("type", ev.Type).Msg("unhandled payment event")
			return nil
		}

		orderID, err := uuid.Parse(ev.Data.Object.OrderID)
		if err != nil {
			return fmt.Errorf("%w: order %q", ErrNotFound, ev.Data.Object.OrderID)
		}
		o, err := s.orders.GetByID(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Status == target || !CanTransition(o.Status, target) {
			s.log.Warn().Str("event_id", ev.ID).Str("order_id", o.ID.String()).
				Str("status", o.Status).Str("target", target).Msg("payment event does not apply to order")
			return nil
		}
		if target == StatusCancelled && o.Status != StatusPendingPayment {
			return nil
		}

		s.stamp(o, target)
		if target == StatusPaid && ev.Data.Object.ID != "" {
			pid := ev.Data.Object.ID
			o.PaymentID = &pid
		}
		if err := s.orders.Update(ctx, o); err != nil {
			return err
		}
		if target == StatusPaid {
			for _, l := range o.Lines {
				if err := s.products.DecrementStock(ctx, l.ProductID, l.Quantity); err != nil {
					return fmt.Errorf("decrement stock: %w", err)
				}
			}
			paid = o
		}
		s.invalidate(ctx, "orders", o.ID)
		return nil
	})
	if err != nil {
		return err
	}
	if paid != nil {
		s.confirmPaid(ctx, paid)
		s.emit(ctx, EventOrderPaid, paid)
	}
	return nil
}

func (s *Service) receiptLink(o *Order) string {
	if s.publicURL == "" {
		return ""
	}
	return s.publicURL + "/receipts/" + o.Number
}

func (s *Service) confirmPaid(ctx context.Context, o *Order) {
	patient, err := s.dir.GetPatient(ctx, o.PatientID)
	if err != nil {
		s.log.Warn().Err(err).Str("order_id", o.ID.String()).Msg("order confirmation skipped")
		return
	}
	data := map[string]string{
		"patient_name": patient.FullName(),
		"order_number": o.Number,
		"total":        receipt.FormatMoney(o.TotalCents, o.Currency),
		"receipt_link": s.receiptLink(o),
	}
	if err := s.notify.Broadcast(ctx, notification.TemplateOrderConfirmation, practice.PatientRecipient(patient), data); err != nil {
		s.log.Warn().Err(err).Str("order_id", o.ID.String()).Msg("order confirmation failed")
	}
}

type orderEvent struct {
	OrderID    uuid.UUID `json:"order_id"`
	Number     string    `json:"number"`
	Status     string    `json:"status"`
	TotalCents int64     `json:"total_cents"`
	Currency   string    `json:"currency"`
	ItemCount  int       `json:"item_count"`
	PatientID  uuid.UUID `json:"patient_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

// emit sends an order event to the practice webhook if one is configured.
func (s *Service) emit(ctx context.Context, eventType string, o *Order) {
	if s.dispatch == nil {
		return
	}
	pr, err := s.dir.CurrentPractice(ctx)
	if err != nil || pr.WebhookURL == nil || *pr.WebhookURL == "" {
		return
	}
	ev, err := webhook.NewEvent(eventType, pr.Slug, orderEvent{
		OrderID:    o.ID,
		Number:     o.Number,
		Status:     o.Status,
		TotalCents: o.TotalCents,
		Currency:   o.Currency,
		ItemCount:  o.ItemCount(),
		PatientID:  o.PatientID,
		OccurredAt: s.now().UTC(),
	})
	if err != nil {
		s.log.Error().Err(err).Str("order_id", o.ID.String()).Msg("failed to build order event")
		return
	}
	s.dispatch.DeliverAsync(webhook.Endpoint{PracticeID: pr.ID, URL: *pr.WebhookURL, Secret: pr.WebhookSecret}, ev)
}

// =========== Documents ===========

// ReceiptPDF renders the order's receipt.
func (s *Service) ReceiptPDF(ctx context.Context, id uuid.UUID) (*Order, []byte, error) {
	o, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	pr, err := s.dir.CurrentPractice(ctx)
	if err != nil {
		return nil, nil, err
	}
	r := receipt.Receipt{
		PracticeName:    pr.Name,
		PracticeAddress: pr.Address,
		PracticeEmail:   pr.Email,
		OrderNumber:     o.Number,
		IssuedAt:        o.CreatedAt.In(pr.Location()),
		SubtotalCents:   o.SubtotalCents,
		TaxCents:        o.TaxCents,
		TotalCents:      o.TotalCents,
		Currency:        o.Currency,
		PaymentStatus:   o.Status,
		VerificationURL: s.receiptLink(o),
	}
	if patient, err := s.dir.GetPatient(ctx, o.PatientID); err == nil {
		r.CustomerName = patient.FullName()
		r.CustomerEmail = patient.Email
	}
	for _, l := range o.Lines {
		r.Lines = append(r.Lines, receipt.Line{Name: l.Name, Quantity: l.Quantity, UnitPriceCents: l.UnitPriceCents})
	}
	out, err := receipt.BuildReceiptPDF(r)
	if err != nil {
		return nil, nil, err
	}
	return o, out, nil
}

// ExportOrders writes the filtered orders to a spreadsheet.
func (s *Service) ExportOrders(ctx context.Context, f OrderFilter) ([]byte, error) {
	orders, _, err := s.orders.List(ctx, f, exportLimit, 0)
	if err != nil {
		return nil, err
	}
	patients := make(map[uuid.UUID]*practice.Patient)
	rows := make([]receipt.OrderRow, 0, len(orders))
	for _, o := range orders {
		full, err := s.orders.GetByID(ctx, o.ID)
		if err != nil {
			return nil, err
		}
		row := receipt.OrderRow{
			OrderNumber:   full.Number,
			CreatedAt:     full.CreatedAt,
			Status:        full.Status,
			Items:         full.ItemCount(),
			SubtotalCents: full.SubtotalCents,
			TaxCents:      full.TaxCents,
			TotalCents:    full.TotalCents,
			Currency:      full.Currency,
		}
		p, ok := patients[full.PatientID]
		if !ok {
			p, _ = s.dir.GetPatient(ctx, full.PatientID)
			patients[full.PatientID] = p
		}
		if p != nil {
			row.CustomerName = p.FullName()
			row.CustomerEmail = p.Email
		}
		rows = append(rows, row)
	}
	return receipt.ExportOrdersXLSX(rows)
}

// PatientForUser resolves the patient record of a portal user.
func (s *Service) PatientForUser(ctx context.Context, userID uuid.UUID) (*practice.Patient, error) {
	return s.dir.GetPatientByUser(ctx, userID)
}

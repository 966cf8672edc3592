package commerce

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Order statuses.
const (
	StatusPendingPayment = "pending_payment"
	StatusPaid           = "paid"
	StatusProcessing     = "processing"
	StatusShipped        = "shipped"
	StatusDelivered      = "delivered"
	StatusCancelled      = "cancelled"
	StatusRefunded       = "refunded"
)

// MaxLineQuantity caps a single cart line.
const MaxLineQuantity = 99

// CartTTL is how long an untouched cart line survives.
const CartTTL = 30 * 24 * time.Hour

var transitions = map[string][]string{
	StatusPendingPayment: {StatusPaid, StatusCancelled},
	StatusPaid:           {StatusProcessing, StatusCancelled, StatusRefunded},
	StatusProcessing:     {StatusShipped, StatusCancelled, StatusRefunded},
	StatusShipped:        {StatusDelivered, StatusRefunded},
	StatusDelivered:      {StatusRefunded},
}

// CanTransition reports whether an order may move from one status to another.
func CanTransition(from, to string) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func validStatus(s string) bool {
	if _, ok := transitions[s]; ok {
		return true
	}
	return s == StatusCancelled || s == StatusRefunded
}

// TaxCents applies a rate in basis points, rounding half up.
func TaxCents(subtotal int64, bps int) int64 {
	if bps <= 0 || subtotal <= 0 {
		return 0
	}
	return (subtotal*int64(bps) + 5000) / 10000
}

type Product struct {
	ID                   uuid.UUID `db:"id" json:"id"`
	PracticeID           uuid.UUID `db:"practice_id" json:"practice_id"`
	SKU                  string    `db:"sku" json:"sku"`
	Name                 string    `db:"name" json:"name"`
	Description          string    `db:"description" json:"description,omitempty"`
	PriceCents           int64     `db:"price_cents" json:"price_cents"`
	Currency             string    `db:"currency" json:"currency"`
	Active               bool      `db:"active" json:"active"`
	RequiresPrescription bool      `db:"requires_prescription" json:"requires_prescription"`
	// Stock is nil for products that are never out of stock.
	Stock     *int      `db:"stock" json:"stock,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// InStock reports whether qty units can be sold.
func (p *Product) InStock(qty int) bool {
	return p.Stock == nil || *p.Stock >= qty
}

type CartLine struct {
	ID         uuid.UUID `db:"id" json:"id"`
	PracticeID uuid.UUID `db:"practice_id" json:"practice_id"`
	PatientID  uuid.UUID `db:"patient_id" json:"patient_id"`
	ProductID  uuid.UUID `db:"product_id" json:"product_id"`
	Quantity   int       `db:"quantity" json:"quantity"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`

	Product *Product `db:"-" json:"product,omitempty"`
}

// Cart is a patient's lines with totals at current prices.
type Cart struct {
	PatientID     uuid.UUID   `json:"patient_id"`
	Lines         []*CartLine `json:"lines"`
	ItemCount     int         `json:"item_count"`
	SubtotalCents int64       `json:"subtotal_cents"`
	Currency      string      `json:"currency,omitempty"`
}

type Order struct {
	ID               uuid.UUID  `db:"id" json:"id"`
	PracticeID       uuid.UUID  `db:"practice_id" json:"practice_id"`
	Number           string     `db:"number" json:"number"`
	PatientID        uuid.UUID  `db:"patient_id" json:"patient_id"`
	Status           string     `db:"status" json:"status"`
	SubtotalCents    int64      `db:"subtotal_cents" json:"subtotal_cents"`
	TaxCents         int64      `db:"tax_cents" json:"tax_cents"`
	TotalCents       int64      `db:"total_cents" json:"total_cents"`
	Currency         string     `db:"currency" json:"currency"`
	PaymentSessionID *string    `db:"payment_session_id" json:"payment_session_id,omitempty"`
	PaymentID        *string    `db:"payment_id" json:"payment_id,omitempty"`
	PaidAt           *time.Time `db:"paid_at" json:"paid_at,omitempty"`
	CancelledAt      *time.Time `db:"cancelled_at" json:"cancelled_at,omitempty"`
	RefundedAt       *time.Time `db:"refunded_at" json:"refunded_at,omitempty"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`

	Lines []*OrderLine `db:"-" json:"lines,omitempty"`
}

// OrderLine is a product as it was priced when the order was placed.
type OrderLine struct {
	ID             uuid.UUID `db:"id" json:"id"`
	OrderID        uuid.UUID `db:"order_id" json:"order_id"`
	ProductID      uuid.UUID `db:"product_id" json:"product_id"`
	SKU            string    `db:"sku" json:"sku"`
	Name           string    `db:"name" json:"name"`
	Quantity       int       `db:"quantity" json:"quantity"`
	UnitPriceCents int64     `db:"unit_price_cents" json:"unit_price_cents"`
}

func (l *OrderLine) TotalCents() int64 { return l.UnitPriceCents * int64(l.Quantity) }

// ItemCount sums line quantities.
func (o *Order) ItemCount() int {
	n := 0
	for _, l := range o.Lines {
		n += l.Quantity
	}
	return n
}

// orderNumber derives the customer-facing number from the order id.
func orderNumber(id uuid.UUID) string {
	return "VX-" + strings.ToUpper(strings.ReplaceAll(id.String(), "-", "")[:10])
}

type OrderFilter struct {
	PatientID *uuid.UUID
	Status    string
	From      *time.Time
	To        *time.Time
}

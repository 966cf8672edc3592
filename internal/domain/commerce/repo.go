package commerce

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrDuplicateSKU = errors.New("a product with this sku already exists")
)

type ProductRepository interface {
	Create(ctx context.Context, p *Product) error
	GetByID(ctx context.Context, id uuid.UUID) (*Product, error)
	Update(ctx context.Context, p *Product) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, activeOnly bool, limit, offset int) ([]*Product, int, error)
	// DecrementStock lowers tracked stock by qty, never below zero.
	DecrementStock(ctx context.Context, id uuid.UUID, qty int) error
}

type CartRepository interface {
	ListLines(ctx context.Context, patientID uuid.UUID) ([]*CartLine, error)
	GetLine(ctx context.Context, id uuid.UUID) (*CartLine, error)
	FindLine(ctx context.Context, patientID, productID uuid.UUID) (*CartLine, error)
	// SaveLine inserts a line with a nil id and updates it otherwise.
	SaveLine(ctx context.Context, l *CartLine) error
	DeleteLine(ctx context.Context, id uuid.UUID) error
	Clear(ctx context.Context, patientID uuid.UUID) error
	DeleteStale(ctx context.Context, before time.Time) (int, error)
}

type OrderRepository interface {
	// Create stores the order and its lines.
	Create(ctx context.Context, o *Order) error
	GetByID(ctx context.Context, id uuid.UUID) (*Order, error)
	Update(ctx context.Context, o *Order) error
	List(ctx context.Context, f OrderFilter, limit, offset int) ([]*Order, int, error)
}

// EventRepository remembers processed gateway events.
type EventRepository interface {
	// MarkProcessed records the event and reports false if it was already
	// recorded.
	MarkProcessed(ctx context.Context, eventID, eventType string) (bool, error)
}

package commerce

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vitaluxe/vitaluxe-flow/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

type base struct{ pool *pgxpool.Pool }

func (b base) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return b.pool
}

// =========== Product Repository ===========

type productRepoPG struct{ base }

func NewProductRepoPG(pool *pgxpool.Pool) ProductRepository {
	return &productRepoPG{base{pool}}
}

const productCols = `id, practice_id, sku, name, description, price_cents, currency, active,
	requires_prescription, stock, created_at, updated_at`

func scanProduct(row pgx.Row) (*Product, error) {
	var p Product
	err := row.Scan(&p.ID, &p.PracticeID, &p.SKU, &p.Name, &p.Description, &p.PriceCents, &p.Currency,
		&p.Active, &p.RequiresPrescription, &p.Stock, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func duplicateSKU(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicateSKU
	}
	return err
}

func (r *productRepoPG) Create(ctx context.Context, p *Product) error {
	p.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO products (id, practice_id, sku, name, description, price_cents, currency, active,
			requires_prescription, stock)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING created_at, updated_at`,
		p.ID, p.PracticeID, p.SKU, p.Name, p.Description, p.PriceCents, p.Currency, p.Active,
		p.RequiresPrescription, p.Stock,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	return duplicateSKU(err)
}

func (r *productRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Product, error) {
	return scanProduct(r.conn(ctx).QueryRow(ctx, `SELECT `+productCols+` FROM products WHERE id = $1`, id))
}

func (r *productRepoPG) Update(ctx context.Context, p *Product) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE products SET sku=$2, name=$3, description=$4, price_cents=$5, currency=$6, active=$7,
			requires_prescription=$8, stock=$9, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		p.ID, p.SKU, p.Name, p.Description, p.PriceCents, p.Currency, p.Active,
		p.RequiresPrescription, p.Stock,
	).Scan(&p.UpdatedAt)
	return duplicateSKU(notFound(err))
}

func (r *productRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM products WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *productRepoPG) List(ctx context.Context, activeOnly bool, limit, offset int) ([]*Product, int, error) {
	cond := ""
	if activeOnly {
		cond = " WHERE active"
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM products`+cond).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+productCols+` FROM products`+cond+
		` ORDER BY name LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, p)
	}
	return items, total, rows.Err()
}

func (r *productRepoPG) DecrementStock(ctx context.Context, id uuid.UUID, qty int) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE products SET stock = GREATEST(stock - $2, 0), updated_at = NOW()
		WHERE id = $1 AND stock IS NOT NULL`, id, qty)
	return err
}

// =========== Cart Repository ===========

type cartRepoPG struct{ base }

func NewCartRepoPG(pool *pgxpool.Pool) CartRepository {
	return &cartRepoPG{base{pool}}
}

const cartCols = `id, practice_id, patient_id, product_id, quantity, updated_at`

func scanLine(row pgx.Row) (*CartLine, error) {
	var l CartLine
	if err := row.Scan(&l.ID, &l.PracticeID, &l.PatientID, &l.ProductID, &l.Quantity, &l.UpdatedAt); err != nil {
		return nil, notFound(err)
	}
	return &l, nil
}

func (r *cartRepoPG) ListLines(ctx context.Context, patientID uuid.UUID) ([]*CartLine, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+cartCols+` FROM cart_lines
		WHERE patient_id = $1 ORDER BY updated_at`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*CartLine
	for rows.Next() {
		l, err := scanLine(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (r *cartRepoPG) GetLine(ctx context.Context, id uuid.UUID) (*CartLine, error) {
	return scanLine(r.conn(ctx).QueryRow(ctx, `SELECT `+cartCols+` FROM cart_lines WHERE id = $1`, id))
}

func (r *cartRepoPG) FindLine(ctx context.Context, patientID, productID uuid.UUID) (*CartLine, error) {
	return scanLine(r.conn(ctx).QueryRow(ctx, `SELECT `+cartCols+` FROM cart_lines
		WHERE patient_id = $1 AND product_id = $2`, patientID, productID))
}

func (r *cartRepoPG) SaveLine(ctx context.Context, l *CartLine) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
		return r.conn(ctx).QueryRow(ctx, `
			INSERT INTO cart_lines (id, practice_id, patient_id, product_id, quantity)
			VALUES ($1,$2,$3,$4,$5)
			RETURNING updated_at`,
			l.ID, l.PracticeID, l.PatientID, l.ProductID, l.Quantity,
		).Scan(&l.UpdatedAt)
	}
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE cart_lines SET quantity = $2, updated_at = NOW() WHERE id = $1
		RETURNING updated_at`, l.ID, l.Quantity).Scan(&l.UpdatedAt)
	return notFound(err)
}

func (r *cartRepoPG) DeleteLine(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM cart_lines WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *cartRepoPG) Clear(ctx context.Context, patientID uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM cart_lines WHERE patient_id = $1`, patientID)
	return err
}

func (r *cartRepoPG) DeleteStale(ctx context.Context, before time.Time) (int, error) {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM cart_lines WHERE updated_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// =========== Order Repository ===========

type orderRepoPG struct{ base }

func NewOrderRepoPG(pool *pgxpool.Pool) OrderRepository {
	return &orderRepoPG{base{pool}}
}

const orderCols = `id, practice_id, number, patient_id, status, subtotal_cents, tax_cents, total_cents,
	currency, payment_session_id, payment_id, paid_at, cancelled_at, refunded_at, created_at, updated_at`

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	err := row.Scan(&o.ID, &o.PracticeID, &o.Number, &o.PatientID, &o.Status, &o.SubtotalCents,
		&o.TaxCents, &o.TotalCents, &o.Currency, &o.PaymentSessionID, &o.PaymentID, &o.PaidAt,
		&o.CancelledAt, &o.RefundedAt, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &o, nil
}

func (r *orderRepoPG) Create(ctx context.Context, o *Order) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		q := r.conn(ctx)
		err := q.QueryRow(ctx, `
			INSERT INTO orders (id, practice_id, number, patient_id, status, subtotal_cents, tax_cents,
				total_cents, currency)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			RETURNING created_at, updated_at`,
			o.ID, o.PracticeID, o.Number, o.PatientID, o.Status, o.SubtotalCents, o.TaxCents,
			o.TotalCents, o.Currency,
		).Scan(&o.CreatedAt, &o.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		for _, l := range o.Lines {
			l.ID = uuid.New()
			l.OrderID = o.ID
			if _, err := q.Exec(ctx, `
				INSERT INTO order_lines (id, order_id, product_id, sku, name, quantity, unit_price_cents)
				VALUES ($1,$2,$3,$4,$5,$6,$7)`,
				l.ID, l.OrderID, l.ProductID, l.SKU, l.Name, l.Quantity, l.UnitPriceCents); err != nil {
				return fmt.Errorf("insert order line: %w", err)
			}
		}
		return nil
	})
}

func (r *orderRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Order, error) {
	o, err := scanOrder(r.conn(ctx).QueryRow(ctx, `SELECT `+orderCols+` FROM orders WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, order_id, product_id, sku, name, quantity, unit_price_cents
		FROM order_lines WHERE order_id = $1 ORDER BY name`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var l OrderLine
		if err := rows.Scan(&l.ID, &l.OrderID, &l.ProductID, &l.SKU, &l.Name, &l.Quantity, &l.UnitPriceCents); err != nil {
			return nil, err
		}
		o.Lines = append(o.Lines, &l)
	}
	return o, rows.Err()
}

func (r *orderRepoPG) Update(ctx context.Context, o *Order) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE orders SET status=$2, payment_session_id=$3, payment_id=$4, paid_at=$5,
			cancelled_at=$6, refunded_at=$7, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		o.ID, o.Status, o.PaymentSessionID, o.PaymentID, o.PaidAt, o.CancelledAt, o.RefundedAt,
	).Scan(&o.UpdatedAt)
	return notFound(err)
}

func (r *orderRepoPG) List(ctx context.Context, f OrderFilter, limit, offset int) ([]*Order, int, error) {
	var where []string
	var args []interface{}
	add := func(clause string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.PatientID != nil {
		add("patient_id = $%d", *f.PatientID)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.From != nil {
		add("created_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("created_at < $%d", *f.To)
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM orders`+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	q := fmt.Sprintf(`SELECT %s FROM orders%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		orderCols, cond, len(args)-1, len(args))
	rows, err := r.conn(ctx).Query(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, o)
	}
	return items, total, rows.Err()
}

// =========== Payment Event Repository ===========

type eventRepoPG struct{ base }

func NewEventRepoPG(pool *pgxpool.Pool) EventRepository {
	return &eventRepoPG{base{pool}}
}

func (r *eventRepoPG) MarkProcessed(ctx context.Context, eventID, eventType string) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO payment_events (event_id, event_type) VALUES ($1, $2)
		ON CONFLICT (event_id) DO NOTHING`, eventID, eventType)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

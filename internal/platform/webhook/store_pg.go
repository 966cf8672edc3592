package webhook

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore persists deliveries in the webhook_deliveries table.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates a PGStore.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) SaveDelivery(ctx context.Context, d *Delivery) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_deliveries (id, practice_id, event_id, event_type, url, attempts, status, status_code, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			attempts = EXCLUDED.attempts,
			status = EXCLUDED.status,
			status_code = EXCLUDED.status_code,
			last_error = EXCLUDED.last_error,
			updated_at = EXCLUDED.updated_at`,
		d.ID, d.PracticeID, d.EventID, d.EventType, d.URL, d.Attempts, d.Status, d.StatusCode, d.LastError, d.CreatedAt, d.UpdatedAt)
	return err
}

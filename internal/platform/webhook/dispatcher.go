package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Delivery status values.
const (
	StatusPending   = "pending"
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
)

// DefaultRetryDelays are the waits between delivery attempts.
var DefaultRetryDelays = []time.Duration{time.Second, 30 * time.Second, 5 * time.Minute}

// Endpoint is a practice-configured destination.
type Endpoint struct {
	PracticeID uuid.UUID
	URL        string
	Secret     string
}

// Event is an outbound notification.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Practice  string          `json:"practice"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewEvent marshals data into an Event with a fresh id.
func NewEvent(eventType, practice string, data any) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("marshal event data: %w", err)
	}
	return Event{
		ID:        "evt_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		Type:      eventType,
		Practice:  practice,
		Data:      raw,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Delivery tracks the attempts made for one event to one endpoint.
type Delivery struct {
	ID         uuid.UUID `json:"id"`
	PracticeID uuid.UUID `json:"practice_id"`
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	URL        string    `json:"url"`
	Attempts   int       `json:"attempts"`
	Status     string    `json:"status"`
	StatusCode int       `json:"status_code"`
	LastError  string    `json:"last_error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// DeliveryStore persists delivery records. Save is called after every
// attempt.
type DeliveryStore interface {
	SaveDelivery(ctx context.Context, d *Delivery) error
}

// ValidateURL checks that raw is an absolute http(s) URL.
func ValidateURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url host is required")
	}
	return nil
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient overrides the delivery client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// WithRetryDelays overrides the retry schedule. The number of attempts is
// len(delays)+1.
func WithRetryDelays(delays ...time.Duration) Option {
	return func(d *Dispatcher) { d.delays = delays }
}

// WithStore persists delivery records.
func WithStore(s DeliveryStore) Option {
	return func(d *Dispatcher) { d.store = s }
}

// Dispatcher delivers signed events and retries failures.
type Dispatcher struct {
	client *http.Client
	delays []time.Duration
	store  DeliveryStore
	log    zerolog.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(logger zerolog.Logger, opts ...Option) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		client: &http.Client{Timeout: 10 * time.Second},
		delays: DefaultRetryDelays,
		log:    logger.With().Str("component", "webhook").Logger(),
		now:    time.Now,
		sleep:  sleepCtx,
		ctx:    ctx,
		cancel: cancel,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Deliver sends event to ep, retrying on failure, and returns the final
// delivery record. It blocks for the whole retry schedule.
func (d *Dispatcher) Deliver(ctx context.Context, ep Endpoint, event Event) *Delivery {
	now := d.now().UTC()
	del := &Delivery{
		ID:         uuid.New(),
		PracticeID: ep.PracticeID,
		EventID:    event.ID,
		EventType:  event.Type,
		URL:        ep.URL,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	payload, err := json.Marshal(event)
	if err != nil {
		d.finish(ctx, del, StatusFailed, 0, err)
		return del
	}

	for attempt := 0; attempt <= len(d.delays); attempt++ {
		if attempt > 0 {
			if err := d.sleep(ctx, d.delays[attempt-1]); err != nil {
				d.finish(ctx, del, StatusFailed, del.StatusCode, fmt.Errorf("retry aborted: %w", err))
				return del
			}
		}

		del.Attempts++
		code, err := d.post(ctx, ep, payload)
		del.StatusCode = code
		if err == nil {
			d.finish(ctx, del, StatusDelivered, code, nil)
			return del
		}
		del.LastError = err.Error()
		del.UpdatedAt = d.now().UTC()
		d.save(ctx, del)
		d.log.Warn().Err(err).Str("event_id", event.ID).Int("attempt", del.Attempts).Msg("webhook delivery failed")

		if code >= 400 && code < 500 && code != http.StatusTooManyRequests && code != http.StatusRequestTimeout {
			// The receiver rejected the payload; retrying will not help.
			break
		}
	}
	d.finish(ctx, del, StatusFailed, del.StatusCode, fmt.Errorf("%s", del.LastError))
	return del
}

// DeliverAsync runs Deliver in the background. Close waits for in-flight
// deliveries and cancels pending retries.
func (d *Dispatcher) DeliverAsync(ep Endpoint, event Event) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.Deliver(d.ctx, ep, event)
	}()
}

// Close cancels retries and waits for background deliveries to return.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}

func (d *Dispatcher) post(ctx context.Context, ep Endpoint, payload []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "vitaluxe-webhooks/1")
	req.Header.Set(SignatureHeader, Sign(ep.Secret, payload, d.now()))

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.StatusCode, nil
	}
	return resp.StatusCode, fmt.Errorf("non-2xx response %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

func (d *Dispatcher) finish(ctx context.Context, del *Delivery, status string, code int, err error) {
	del.Status = status
	del.StatusCode = code
	if err != nil {
		del.LastError = err.Error()
	} else {
		del.LastError = ""
	}
	del.UpdatedAt = d.now().UTC()
	d.save(ctx, del)
}

func (d *Dispatcher) save(ctx context.Context, del *Delivery) {
	if d.store == nil {
		return
	}
	// The request context may already be cancelled; the record should
	// still land.
	if err := d.store.SaveDelivery(context.WithoutCancel(ctx), del); err != nil {
		d.log.Error().Err(err).Str("delivery_id", del.ID.String()).Msg("failed to save webhook delivery")
	}
}

// MemoryStore keeps deliveries in memory for tests and development.
type MemoryStore struct {
	mu         sync.Mutex
	deliveries map[uuid.UUID]Delivery
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{deliveries: make(map[uuid.UUID]Delivery)}
}

func (s *MemoryStore) SaveDelivery(_ context.Context, d *Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries[d.ID] = *d
	return nil
}

// Get returns a stored delivery.
func (s *MemoryStore) Get(id uuid.UUID) (Delivery, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	return d, ok
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

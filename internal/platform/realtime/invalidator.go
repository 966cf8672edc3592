package realtime

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultDebounce is the coalescing window used when none is configured.
const DefaultDebounce = 250 * time.Millisecond

// EventInvalidate is the event type clients react to by refetching.
const EventInvalidate = "invalidate"

type batch struct {
	practice string
	table    string
	ids      map[string]struct{}
	all      bool
	first    time.Time
	timer    *time.Timer
}

// Invalidator coalesces cache invalidations per practice and table. Calls
// within the debounce window collapse into a single event; the window is
// reset by each call but never extends past maxWait from the first key.
type Invalidator struct {
	pub     Publisher
	window  time.Duration
	maxWait time.Duration
	log     zerolog.Logger
	now     func() time.Time

	mu      sync.Mutex
	pending map[string]*batch
	closed  bool
}

// InvalidatorOption configures an Invalidator.
type InvalidatorOption func(*Invalidator)

// WithMaxWait caps how long a busy table can keep deferring its event.
func WithMaxWait(d time.Duration) InvalidatorOption {
	return func(i *Invalidator) { i.maxWait = d }
}

// WithInvalidatorClock overrides the clock.
func WithInvalidatorClock(now func() time.Time) InvalidatorOption {
	return func(i *Invalidator) { i.now = now }
}

// NewInvalidator creates an invalidator publishing to pub. A non-positive
// window falls back to DefaultDebounce.
func NewInvalidator(pub Publisher, window time.Duration, logger zerolog.Logger, opts ...InvalidatorOption) *Invalidator {
	if window <= 0 {
		window = DefaultDebounce
	}
	inv := &Invalidator{
		pub:     pub,
		window:  window,
		maxWait: 4 * window,
		log:     logger.With().Str("component", "invalidator").Logger(),
		now:     time.Now,
		pending: make(map[string]*batch),
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// Invalidate queues id for practice/table. An empty id invalidates the whole
// table. Calls after Close are ignored.
func (i *Invalidator) Invalidate(practice, table, id string) {
	if practice == "" || table == "" {
		return
	}
	key := Topic(practice, table)

	i.mu.Lock()
	defer i.mu.Unlock()

	if i.closed {
		return
	}

	b, ok := i.pending[key]
	if !ok {
		b = &batch{
			practice: practice,
			table:    table,
			ids:      make(map[string]struct{}),
			first:    i.now(),
		}
		i.pending[key] = b
		b.timer = time.AfterFunc(i.window, func() { i.fire(key, b) })
	} else {
		wait := i.window
		if remaining := i.maxWait - i.now().Sub(b.first); remaining < wait {
			wait = max(remaining, 0)
		}
		b.timer.Reset(wait)
	}

	if id == "" {
		b.all = true
	} else {
		b.ids[id] = struct{}{}
	}
}

// Pending returns the number of practice/table pairs waiting to publish.
func (i *Invalidator) Pending() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.pending)
}

// Flush publishes every pending batch now.
func (i *Invalidator) Flush(ctx context.Context) {
	i.mu.Lock()
	batches := make([]*batch, 0, len(i.pending))
	for key, b := range i.pending {
		b.timer.Stop()
		delete(i.pending, key)
		batches = append(batches, b)
	}
	i.mu.Unlock()

	sort.Slice(batches, func(a, c int) bool {
		return Topic(batches[a].practice, batches[a].table) < Topic(batches[c].practice, batches[c].table)
	})
	for _, b := range batches {
		i.publish(ctx, b)
	}
}

// Close flushes pending batches and stops accepting new keys.
func (i *Invalidator) Close(ctx context.Context) {
	i.mu.Lock()
	i.closed = true
	i.mu.Unlock()
	i.Flush(ctx)
}

func (i *Invalidator) fire(key string, b *batch) {
	i.mu.Lock()
	// Flush may already have taken this batch, or a new batch may own the key.
	if i.pending[key] != b {
		i.mu.Unlock()
		return
	}
	delete(i.pending, key)
	i.mu.Unlock()

	i.publish(context.Background(), b)
}

func (i *Invalidator) publish(ctx context.Context, b *batch) {
	event := Event{
		Type:      EventInvalidate,
		Topic:     Topic(b.practice, b.table),
		Table:     b.table,
		IDs:       batchIDs(b),
		Timestamp: i.now().UTC(),
	}
	if err := i.pub.Publish(ctx, event); err != nil {
		i.log.Error().Err(err).Str("topic", event.Topic).Msg("failed to publish invalidation")
	}
}

// batchIDs returns the sorted ids of b, or an empty list when the whole
// table was invalidated.
func batchIDs(b *batch) []string {
	if b.all {
		return []string{}
	}
	ids := make([]string, 0, len(b.ids))
	for id := range b.ids {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

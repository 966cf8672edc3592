// Package realtime fans out change notifications to browser sessions over
// WebSockets. Clients subscribe to practice-scoped topics and receive
// invalidation events published by domain services after successful writes.
package realtime

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const topicPrefix = "practice:"

// Event is a message delivered to subscribed clients.
type Event struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic"`
	Table     string          `json:"table,omitempty"`
	IDs       []string        `json:"ids"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ClientMessage is an inbound message from a client. Topic and Topics are
// both accepted; single-topic messages are the common case.
type ClientMessage struct {
	Action string   `json:"action"`
	Topic  string   `json:"topic,omitempty"`
	Topics []string `json:"topics,omitempty"`
}

func (m ClientMessage) topics() []string {
	out := make([]string, 0, len(m.Topics)+1)
	if m.Topic != "" {
		out = append(out, m.Topic)
	}
	return append(out, m.Topics...)
}

// Publisher delivers events to subscribers.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Topic returns the subscription topic for a table inside a practice.
func Topic(practice, table string) string {
	return topicPrefix + practice + ":" + table
}

// ParseTopic splits a topic produced by Topic.
func ParseTopic(topic string) (practice, table string, ok bool) {
	rest, found := strings.CutPrefix(topic, topicPrefix)
	if !found {
		return "", "", false
	}
	practice, table, ok = strings.Cut(rest, ":")
	if !ok || practice == "" || table == "" {
		return "", "", false
	}
	return practice, table, true
}

// Client is a single connected session.
type Client struct {
	ID       string
	UserID   string
	Practice string
	Topics   []string
	Send     chan []byte
}

// NewClient returns a client with a buffered send queue.
func NewClient(id, userID, practice string) *Client {
	return &Client{
		ID:       id,
		UserID:   userID,
		Practice: practice,
		Send:     make(chan []byte, 256),
	}
}

// allowed reports whether the client may listen on topic. Clients only see
// topics belonging to the practice their token was issued for.
func (c *Client) allowed(topic string) bool {
	practice, _, ok := ParseTopic(topic)
	return ok && practice == c.Practice
}

// Hub tracks clients and their topic subscriptions. It is safe for
// concurrent use.
type Hub struct {
	log     zerolog.Logger
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // topic -> subscribers
	all     map[*Client]struct{}
	dropped atomic.Int64
}

// NewHub creates an empty hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		log:     logger.With().Str("component", "realtime").Logger(),
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
	}
}

// Register adds a client and subscribes it to any initial topics it is
// allowed to see.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	initial := client.Topics
	client.Topics = nil
	h.subscribeLocked(client, initial)
}

// Unregister removes a client from every topic and closes its send queue.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for _, topic := range client.Topics {
		h.removeLocked(topic, client)
	}
	delete(h.all, client)
	close(client.Send)
}

// Subscribe adds topics to a registered client. Topics outside the client's
// practice are ignored and the accepted ones are returned.
func (h *Hub) Subscribe(client *Client, topics []string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.subscribeLocked(client, topics)
}

func (h *Hub) subscribeLocked(client *Client, topics []string) []string {
	accepted := make([]string, 0, len(topics))
	for _, topic := range topics {
		if !client.allowed(topic) {
			h.log.Debug().Str("client", client.ID).Str("topic", topic).Msg("subscription rejected")
			continue
		}
		subs := h.clients[topic]
		if subs == nil {
			subs = make(map[*Client]struct{})
			h.clients[topic] = subs
		}
		if _, dup := subs[client]; dup {
			continue
		}
		subs[client] = struct{}{}
		client.Topics = append(client.Topics, topic)
		accepted = append(accepted, topic)
	}
	return accepted
}

// Unsubscribe removes topics from a registered client.
func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	drop := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		drop[t] = struct{}{}
		h.removeLocked(t, client)
	}

	remaining := client.Topics[:0]
	for _, t := range client.Topics {
		if _, rm := drop[t]; !rm {
			remaining = append(remaining, t)
		}
	}
	client.Topics = remaining
}

func (h *Hub) removeLocked(topic string, client *Client) {
	if subs, ok := h.clients[topic]; ok {
		delete(subs, client)
		if len(subs) == 0 {
			delete(h.clients, topic)
		}
	}
}

// ProcessMessage applies a subscribe or unsubscribe request.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		h.Subscribe(client, msg.topics())
	case "unsubscribe":
		h.Unsubscribe(client, msg.topics())
	default:
		h.log.Debug().Str("client", client.ID).Str("action", msg.Action).Msg("unknown client action")
	}
}

// Broadcast sends an event to every subscriber of topic. Slow clients whose
// queue is full miss the event rather than stalling the publisher.
func (h *Hub) Broadcast(topic string, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to marshal event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients[topic] {
		select {
		case client.Send <- data:
		default:
			h.dropped.Add(1)
			h.log.Warn().Str("client", client.ID).Str("topic", topic).Msg("client queue full, event dropped")
		}
	}
}

// Publish implements Publisher.
func (h *Hub) Publish(_ context.Context, event Event) error {
	h.Broadcast(event.Topic, event)
	return nil
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// Dropped returns how many deliveries were skipped because a client queue
// was full.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// TopicCount returns the number of subscribers on topic.
func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

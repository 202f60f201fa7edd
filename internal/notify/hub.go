// Package notify fans status messages out to in-process subscribers by
// topic. Delivery is best-effort: a subscriber whose buffer is full misses
// the message and the hub logs a warning.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// MessageType classifies a notification.
type MessageType string

const (
	TypeBatchStatusUpdate    MessageType = "BATCH_STATUS_UPDATE"
	TypeOCRProgress          MessageType = "OCR_PROGRESS"
	TypeDocumentStatusUpdate MessageType = "DOCUMENT_STATUS_UPDATE"
	TypeAnalysisCompleted    MessageType = "ANALYSIS_COMPLETED"
	TypeError                MessageType = "ERROR"
)

const (
	TopicErrors    = "errors"
	TopicBroadcast = "broadcast"
)

// BatchTopic is the status topic of one batch.
func BatchTopic(id uuid.UUID) string { return "batch/" + id.String() + "/status" }

// DocumentTopic is the status topic of one document.
func DocumentTopic(id uuid.UUID) string { return "document/" + id.String() + "/status" }

// Message is one notification as seen by subscribers.
type Message struct {
	Type      MessageType    `json:"type"`
	Topic     string         `json:"topic"`
	EntityID  string         `json:"entityId"`
	Status    string         `json:"status,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Publisher is what producers depend on.
type Publisher interface {
	Publish(ctx context.Context, topic string, msg Message)
}

// Subscription receives the messages of one topic.
type Subscription struct {
	hub   *Hub
	topic string
	ch    chan Message
	once  sync.Once
}

// C is closed when the subscription is closed.
func (s *Subscription) C() <-chan Message { return s.ch }

func (s *Subscription) Topic() string { return s.topic }

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.remove(s) })
}

// Stats are point-in-time counters.
type Stats struct {
	Published   int64 `json:"published"`
	Delivered   int64 `json:"delivered"`
	Dropped     int64 `json:"dropped"`
	Subscribers int   `json:"subscribers"`
}

type Hub struct {
	mu     sync.Mutex
	topics map[string]map[*Subscription]struct{}
	logger *slog.Logger
	now    func() time.Time

	published atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		topics: make(map[string]map[*Subscription]struct{}),
		logger: logger,
		now:    time.Now,
	}
}

// Subscribe registers a subscriber with the given channel buffer.
func (h *Hub) Subscribe(topic string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 16
	}
	s := &Subscription{hub: h, topic: topic, ch: make(chan Message, buffer)}

	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[*Subscription]struct{})
		h.topics[topic] = subs
	}
	subs[s] = struct{}{}
	return s
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.topics[s.topic]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(h.topics, s.topic)
		}
	}
	close(s.ch)
}

// Publish delivers msg to the subscribers of topic. Publishes are
// serialized, so each subscriber sees one topic in publish order.
func (h *Hub) Publish(_ context.Context, topic string, msg Message) {
	msg.Topic = topic
	if msg.Timestamp.IsZero() {
		msg.Timestamp = h.now().UTC()
	}
	h.published.Add(1)

	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.topics[topic] {
		select {
		case s.ch <- msg:
			h.delivered.Add(1)
		default:
			h.dropped.Add(1)
			h.logger.Warn("notify.drop", "topic", topic, "type", msg.Type, "entity_id", msg.EntityID)
		}
	}
}

// PublishEntity sends msg on its entity topic and on broadcast. A nil p
// drops the message.
func PublishEntity(ctx context.Context, p Publisher, topic string, msg Message) {
	if p == nil {
		return
	}
	p.Publish(ctx, topic, msg)
	p.Publish(ctx, TopicBroadcast, msg)
}

func (h *Hub) Stats() Stats {
	h.mu.Lock()
	n := 0
	for _, subs := range h.topics {
		n += len(subs)
	}
	h.mu.Unlock()
	return Stats{
		Published:   h.published.Load(),
		Delivered:   h.delivered.Load(),
		Dropped:     h.dropped.Load(),
		Subscribers: n,
	}
}

// Package bus implements the in-process Event Bus (C7): a single topic,
// "anomaly", fanned out to filtered subscribers with a bounded
// per-subscriber queue and a small control plane (heartbeat, stats,
// connected, subscribed, pong). Grounded on spec.md §4.7; the bounded-
// channel-plus-drop-on-full pattern for slow-consumer detection mirrors
// jordigilh-kubernaut's event-notifier fan-out.
package bus

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"go.transitwatch.dev/core/internal/model"
)

// DefaultQueueSize is the bounded per-subscriber queue depth, per
// spec.md §4.7.
const DefaultQueueSize = 256

// MessageType enumerates the control-plane and data-plane envelope
// kinds delivered over a Subscription's channel.
type MessageType string

const (
	MessageAnomaly    MessageType = "anomaly"
	MessageHeartbeat  MessageType = "heartbeat"
	MessageStats      MessageType = "stats"
	MessageConnected  MessageType = "connected"
	MessageSubscribed MessageType = "subscribed"
	MessagePong       MessageType = "pong"
)

// Message is the envelope delivered to subscribers, matching spec.md
// §4.7/§6's {type, timestamp, data?} wire shape.
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// Filter narrows which anomalies a Subscription receives. A zero-value
// field means "no restriction" on that dimension.
type Filter struct {
	Line        string
	Station     string
	SeverityMin float64
	Kinds       map[model.AnomalyKind]bool
}

func (f Filter) matches(a model.Anomaly) bool {
	if f.Line != "" && a.RouteID != f.Line {
		return false
	}
	if f.Station != "" && a.StationID != f.Station {
		return false
	}
	if a.Severity < f.SeverityMin {
		return false
	}
	if len(f.Kinds) > 0 && !f.Kinds[a.Kind] {
		return false
	}
	return true
}

// DisconnectReason explains why a Subscription's channel was closed.
type DisconnectReason string

const (
	DisconnectSlowConsumer DisconnectReason = "slow_consumer"
	DisconnectUnsubscribed DisconnectReason = "unsubscribed"
	DisconnectBusClosed    DisconnectReason = "shutdown"
)

// Subscription is one subscriber's view of the bus: a bounded channel of
// Messages plus the reason it was eventually closed, if any.
type Subscription struct {
	ID       string
	Messages <-chan Message

	bus    *Bus
	filter Filter
	ch     chan Message
	mu     sync.Mutex
	closed bool
	reason DisconnectReason
}

// Reason returns the disconnect reason once the subscription's channel
// has been closed; it is empty while still active.
func (s *Subscription) Reason() DisconnectReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Unsubscribe removes this subscription from the bus and closes its
// channel.
func (s *Subscription) Unsubscribe() {
	s.bus.remove(s.ID, DisconnectUnsubscribed)
}

// UpdateFilter replaces the subscription's filter, used when a client
// sends {"type":"subscribe","filters":{...}} on the live channel.
func (s *Subscription) UpdateFilter(f Filter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filter = f
}

func (s *Subscription) currentFilter() Filter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filter
}

// Bus is the process-wide anomaly pub/sub. All methods are safe for
// concurrent use.
type Bus struct {
	log       *zap.Logger
	queueSize int

	mu   sync.Mutex
	subs map[string]*Subscription
}

// New builds an empty Bus. queueSize <= 0 uses DefaultQueueSize.
func New(log *zap.Logger, queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{log: log, queueSize: queueSize, subs: map[string]*Subscription{}}
}

// Subscribe registers a new subscription with the given filter and
// immediately enqueues a "connected" message.
func (b *Bus) Subscribe(filter Filter) *Subscription {
	id := "sub-" + uuid.NewString()

	b.mu.Lock()
	ch := make(chan Message, b.queueSize)
	sub := &Subscription{ID: id, Messages: ch, bus: b, filter: filter, ch: ch}
	b.subs[id] = sub
	b.mu.Unlock()

	b.deliver(sub, Message{Type: MessageConnected, Timestamp: time.Now().UTC(), Data: map[string]string{"subscription_id": id}})
	b.deliver(sub, Message{Type: MessageSubscribed, Timestamp: time.Now().UTC()})
	return sub
}

// Publish fans out an anomaly to every subscription whose filter
// matches it. Publish satisfies detector.Publisher, so the detector
// depends only on that interface, never on this package, per spec.md §9.
func (b *Bus) Publish(a model.Anomaly) {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	msg := Message{Type: MessageAnomaly, Timestamp: time.Now().UTC(), Data: a}
	for _, s := range subs {
		if !s.currentFilter().matches(a) {
			continue
		}
		b.deliver(s, msg)
	}
}

// Heartbeat fans out a heartbeat message to every subscriber, called by
// the scheduler every WS_HEARTBEAT_INTERVAL.
func (b *Bus) Heartbeat() {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	msg := Message{Type: MessageHeartbeat, Timestamp: time.Now().UTC()}
	for _, s := range subs {
		b.deliver(s, msg)
	}
}

// Stats fans out a stats message (e.g. current subscriber count) to
// every subscriber.
func (b *Bus) Stats(data interface{}) {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	msg := Message{Type: MessageStats, Timestamp: time.Now().UTC(), Data: data}
	for _, s := range subs {
		b.deliver(s, msg)
	}
}

// Pong replies to a single subscriber's ping, used by the API layer's
// websocket handler.
func (b *Bus) Pong(sub *Subscription) {
	b.deliver(sub, Message{Type: MessagePong, Timestamp: time.Now().UTC()})
}

// SubscriberCount reports the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// deliver sends msg to sub's channel, disconnecting the subscriber with
// reason slow_consumer if its bounded queue is already full — per
// spec.md §4.7/§8's subscriber-isolation invariant, a saturated
// subscriber never blocks delivery to anyone else.
func (b *Bus) deliver(sub *Subscription, msg Message) {
	select {
	case sub.ch <- msg:
	default:
		b.remove(sub.ID, DisconnectSlowConsumer)
		if b.log != nil {
			b.log.Warn("subscriber disconnected", zap.String("subscription_id", sub.ID), zap.String("reason", string(DisconnectSlowConsumer)))
		}
	}
}

func (b *Bus) remove(id string, reason DisconnectReason) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()

	if !ok {
		return
	}
	sub.mu.Lock()
	if !sub.closed {
		sub.closed = true
		sub.reason = reason
		close(sub.ch)
	}
	sub.mu.Unlock()
}

// Close disconnects every subscriber with reason shutdown.
func (b *Bus) Close() {
	b.mu.Lock()
	ids := make([]string, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, id := range ids {
		b.remove(id, DisconnectBusClosed)
	}
}

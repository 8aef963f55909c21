// Package events provides the engine's synchronous publish/subscribe bus.
// Each engine instance owns its own Bus; there is no process-global emitter,
// so independent engines (e.g. in tests) never observe each other's traffic.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wpeva/undetect-fleet/internal/logging"
	"github.com/wpeva/undetect-fleet/pkg/ports"
)

// Event is the envelope delivered to subscribers.
type Event struct {
	// ID is a unique identifier for audit correlation.
	ID string `json:"id"`

	Topic string `json:"topic"`

	// At is the publish timestamp, taken from the bus clock.
	At time.Time `json:"at"`

	Payload any `json:"payload"`
}

// Subscriber handles one delivered event. Delivery is synchronous: Publish
// does not return until every matching subscriber has run, which is what
// gives consumers the session:migrating-before-session:migrated ordering.
type Subscriber func(Event)

type subscription struct {
	id    uint64
	topic string // empty means all topics
	fn    Subscriber
}

// Bus is a subscriber-list event bus with per-listener panic isolation.
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscription
	nextID uint64
	closed bool

	clock  ports.Clock
	logger *slog.Logger
}

// Option configures the Bus.
type Option func(*Bus)

// WithLogger sets the logger used to report subscriber panics.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// WithClock sets the time source for event timestamps.
func WithClock(clock ports.Clock) Option {
	return func(b *Bus) {
		b.clock = clock
	}
}

// NewBus creates an empty bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		clock:  ports.SystemClock(),
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers fn for a single topic. The returned function removes
// the subscription; calling it more than once is harmless.
func (b *Bus) Subscribe(topic string, fn Subscriber) (unsubscribe func()) {
	return b.add(topic, fn)
}

// SubscribeAll registers fn for every topic.
func (b *Bus) SubscribeAll(fn Subscriber) (unsubscribe func()) {
	return b.add("", fn)
}

func (b *Bus) add(topic string, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &subscription{id: b.nextID, topic: topic, fn: fn}
	b.subs = append(b.subs, sub)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.remove(sub.id)
		})
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subs {
		if sub.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers the payload to every subscriber of the topic, in
// subscription order, on the caller's goroutine. A panicking subscriber is
// logged and skipped; it never reaches the publisher or later subscribers.
// Publishing on a closed bus is a silent no-op.
func (b *Bus) Publish(topic string, payload any) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	// Snapshot so subscribers can unsubscribe (or subscribe) mid-delivery.
	matched := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.topic == "" || sub.topic == topic {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	if len(matched) == 0 {
		return
	}

	evt := Event{
		ID:      uuid.NewString(),
		Topic:   topic,
		At:      b.clock.Now(),
		Payload: payload,
	}
	for _, sub := range matched {
		b.deliver(evt, sub)
	}
}

func (b *Bus) deliver(evt Event, sub *subscription) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("event subscriber panicked",
				"topic", evt.Topic,
				"event_id", evt.ID,
				"panic", r,
			)
		}
	}()
	sub.fn(evt)
}

// Close drops all subscriptions and makes further publishes no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = nil
}

// Package events provides the process-wide publish/subscribe bus for runtime
// observability events (loop, tool, memory, and error events).
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wardenhq/warden/pkg/models"
)

// Wildcard subscribes a handler to every event type.
const Wildcard models.EventType = "*"

// Handler receives published events. Handlers run synchronously on the
// emitter's goroutine and must not block; a handler that repeatedly exceeds
// the slow-handler threshold is dropped from the bus.
type Handler func(models.Event)

// Config tunes bus behaviour.
type Config struct {
	// SlowHandlerThreshold is the per-call duration above which a handler
	// earns a strike. Default: 100ms.
	SlowHandlerThreshold time.Duration

	// SlowHandlerTolerance is the number of strikes before a handler is
	// dropped. Default: 3.
	SlowHandlerTolerance int
}

// DefaultConfig returns the default bus configuration.
func DefaultConfig() Config {
	return Config{
		SlowHandlerThreshold: 100 * time.Millisecond,
		SlowHandlerTolerance: 3,
	}
}

type registration struct {
	id      string
	key     models.EventType
	handler Handler
	strikes int
}

// Bus dispatches events to subscribers. Delivery is synchronous and preserves
// emission order per subscriber. Bus is safe for concurrent use.
type Bus struct {
	mu       sync.RWMutex
	handlers map[models.EventType][]*registration
	byID     map[string]*registration
	config   Config
	logger   *slog.Logger
}

// NewBus creates an event bus.
func NewBus(config Config, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	if config.SlowHandlerThreshold <= 0 {
		config.SlowHandlerThreshold = DefaultConfig().SlowHandlerThreshold
	}
	if config.SlowHandlerTolerance <= 0 {
		config.SlowHandlerTolerance = DefaultConfig().SlowHandlerTolerance
	}
	return &Bus{
		handlers: make(map[models.EventType][]*registration),
		byID:     make(map[string]*registration),
		config:   config,
		logger:   logger.With("component", "events"),
	}
}

// Subscription cancels a registration when no longer needed.
type Subscription struct {
	bus *Bus
	id  string
}

// Cancel removes the subscription from the bus. Safe to call more than once.
func (s Subscription) Cancel() {
	if s.bus != nil {
		s.bus.unsubscribe(s.id)
	}
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(key models.EventType, handler Handler) Subscription {
	reg := &registration{
		id:      uuid.NewString(),
		key:     key,
		handler: handler,
	}

	b.mu.Lock()
	b.handlers[key] = append(b.handlers[key], reg)
	b.byID[reg.id] = reg
	b.mu.Unlock()

	return Subscription{bus: b, id: reg.id}
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(handler Handler) Subscription {
	return b.Subscribe(Wildcard, handler)
}

func (b *Bus) unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	reg, ok := b.byID[id]
	if !ok {
		return
	}
	delete(b.byID, id)

	regs := b.handlers[reg.key]
	for i, r := range regs {
		if r.id == id {
			b.handlers[reg.key] = append(regs[:i], regs[i+1:]...)
			break
		}
	}
}

// Publish dispatches the event to type subscribers and wildcard subscribers,
// in registration order. The timestamp is stamped when absent.
func (b *Bus) Publish(event models.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	typed := b.handlers[event.Type]
	wild := b.handlers[Wildcard]
	regs := make([]*registration, 0, len(typed)+len(wild))
	regs = append(regs, typed...)
	regs = append(regs, wild...)
	b.mu.RUnlock()

	for _, reg := range regs {
		b.dispatch(reg, event)
	}
}

// dispatch runs one handler, recovering panics and tracking slow calls.
func (b *Bus) dispatch(reg *registration, event models.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("event handler panicked; dropping handler",
				"event_type", event.Type, "panic", r)
			b.unsubscribe(reg.id)
		}
	}()

	start := time.Now()
	reg.handler(event)
	elapsed := time.Since(start)

	if elapsed > b.config.SlowHandlerThreshold {
		b.mu.Lock()
		reg.strikes++
		strikes := reg.strikes
		b.mu.Unlock()

		b.logger.Warn("slow event handler",
			"event_type", event.Type,
			"elapsed", elapsed,
			"strikes", strikes)

		if strikes >= b.config.SlowHandlerTolerance {
			b.logger.Warn("dropping slow event handler", "event_type", event.Type)
			b.unsubscribe(reg.id)
		}
	}
}

// Reset removes all subscribers. Intended for tests.
func (b *Bus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[models.EventType][]*registration)
	b.byID = make(map[string]*registration)
}

// SubscriberCount returns the number of active registrations.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byID)
}

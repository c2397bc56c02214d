// Package bus provides the in-process publish/subscribe mechanism that
// decouples the module registry and insurance store from reactive consumers.
//
// Events are a closed set of typed payloads dispatched by kind. Delivery is
// synchronous on the publisher's goroutine, in subscription order. A handler
// that panics is logged and skipped; it never prevents delivery to later
// subscribers.
package bus

import (
	"log/slog"
	"sync"
)

// Handler receives every published event of the kind it subscribed to.
type Handler func(Event)

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger used to report handler panics.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithPublishHook registers a callback invoked once per publish with the
// event kind, after all handlers have run. Used for metrics.
func WithPublishHook(hook func(kind Kind)) Option {
	return func(b *Bus) {
		b.onPublish = hook
	}
}

// WithPanicHook registers a callback invoked whenever a handler panics.
// Used for metrics.
func WithPanicHook(hook func(kind Kind)) Option {
	return func(b *Bus) {
		b.onPanic = hook
	}
}

// Bus is an in-process event dispatcher. The zero value is not usable; use
// [New].
type Bus struct {
	logger    *slog.Logger
	onPublish func(Kind)
	onPanic   func(Kind)

	mu     sync.RWMutex
	nextID uint64
	subs   map[Kind][]*Subscription
}

// Subscription identifies one registered handler. Cancelling it removes
// exactly that handler; cancelling twice is a no-op.
type Subscription struct {
	bus     *Bus
	kind    Kind
	id      uint64
	handler Handler
}

// New creates an empty Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		logger: slog.Default(),
		subs:   make(map[Kind][]*Subscription),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers handler for every future event of the given kind.
// Handlers for one kind are invoked in subscription order.
func (b *Bus) Subscribe(kind Kind, handler Handler) *Subscription {
	if handler == nil {
		panic("bus: nil handler")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{bus: b, kind: kind, id: b.nextID, handler: handler}
	b.subs[kind] = append(b.subs[kind], sub)
	return sub
}

// Cancel removes the subscription from its bus. Safe to call more than once.
func (s *Subscription) Cancel() {
	if s == nil || s.bus == nil {
		return
	}
	s.bus.unsubscribe(s)
}

// Publish synchronously delivers event to every handler currently subscribed
// to its kind, in subscription order. Panicking handlers are logged and do
// not abort delivery to later handlers.
func (b *Bus) Publish(event Event) {
	kind := event.EventKind()

	b.mu.RLock()
	subs := append([]*Subscription(nil), b.subs[kind]...)
	b.mu.RUnlock()

	for _, sub := range subs {
		b.deliver(kind, sub.handler, event)
	}

	if b.onPublish != nil {
		b.onPublish(kind)
	}
}

func (b *Bus) deliver(kind Kind, handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			if b.onPanic != nil {
				b.onPanic(kind)
			}
			b.logger.Error("event handler panicked",
				slog.String("kind", string(kind)),
				slog.Any("panic", r),
			)
		}
	}()
	handler(event)
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	handlers := b.subs[sub.kind]
	for i, candidate := range handlers {
		if candidate.id == sub.id {
			b.subs[sub.kind] = append(handlers[:i:i], handlers[i+1:]...)
			return
		}
	}
}

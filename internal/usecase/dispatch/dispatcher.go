package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"trill/internal/domain"
	"trill/internal/infra/logger"
)

type subscription struct {
	id      uint64
	handler domain.EventHandler
}

// Dispatcher is an in-process, goroutine-safe event dispatcher.
//
// Unlike a fire-and-forget bus, delivery is synchronous: for one event, all
// handlers for its kind run to completion in registration order before
// Dispatch returns. The gateway read loop depends on this to keep event
// ordering identical to wire ordering.
type Dispatcher struct {
	mu      sync.RWMutex
	byKind  map[domain.EventKind][]subscription
	allSubs []subscription
	latest  map[domain.EventKind]domain.Event
	nextID  atomic.Uint64
	logger  *slog.Logger
	closed  atomic.Bool
}

// New creates a dispatcher.
func New(base *slog.Logger) *Dispatcher {
	return &Dispatcher{
		byKind: make(map[domain.EventKind][]subscription),
		latest: make(map[domain.EventKind]domain.Event),
		logger: logger.Component(base, "dispatch"),
	}
}

// Dispatch delivers an event to the kind's subscribers in registration
// order, then to all-event subscribers. A panicking handler is recovered and
// logged; the remaining handlers still run. The most recent event per kind
// is retained and readable via Latest.
func (d *Dispatcher) Dispatch(ctx context.Context, event domain.Event) {
	if d.closed.Load() {
		return
	}

	d.mu.Lock()
	d.latest[event.Kind] = event
	byKind := make([]subscription, len(d.byKind[event.Kind]))
	copy(byKind, d.byKind[event.Kind])
	allSubs := make([]subscription, len(d.allSubs))
	copy(allSubs, d.allSubs)
	d.mu.Unlock()

	for _, sub := range byKind {
		d.deliver(ctx, event, sub)
	}
	for _, sub := range allSubs {
		d.deliver(ctx, event, sub)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, event domain.Event, sub subscription) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("event handler panicked",
				"event", string(event.Kind),
				"panic", r,
			)
		}
	}()
	sub.handler(ctx, event)
}

// Subscribe registers a handler for a specific event kind.
// Returns an unsubscribe function.
func (d *Dispatcher) Subscribe(kind domain.EventKind, handler domain.EventHandler) func() {
	id := d.nextID.Add(1)
	sub := subscription{id: id, handler: handler}

	d.mu.Lock()
	d.byKind[kind] = append(d.byKind[kind], sub)
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		subs := d.byKind[kind]
		for i, s := range subs {
			if s.id == id {
				d.byKind[kind] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (d *Dispatcher) SubscribeAll(handler domain.EventHandler) func() {
	id := d.nextID.Add(1)
	sub := subscription{id: id, handler: handler}

	d.mu.Lock()
	d.allSubs = append(d.allSubs, sub)
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for i, s := range d.allSubs {
			if s.id == id {
				d.allSubs = append(d.allSubs[:i], d.allSubs[i+1:]...)
				return
			}
		}
	}
}

// Latest returns the most recently dispatched event of the given kind.
// A subscriber attached after the fact can use it to catch up on state
// events like READY without replaying the stream.
func (d *Dispatcher) Latest(kind domain.EventKind) (domain.Event, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ev, ok := d.latest[kind]
	return ev, ok
}

// Close prevents further dispatches. Close is idempotent.
func (d *Dispatcher) Close() {
	d.closed.Store(true)
}

// Typed subscribes a handler that receives the event's data decoded into T.
// Events whose data does not decode are logged and dropped.
func Typed[T any](d *Dispatcher, kind domain.EventKind, handler func(context.Context, T)) func() {
	return d.Subscribe(kind, func(ctx context.Context, ev domain.Event) {
		var v T
		if err := json.Unmarshal(ev.Data, &v); err != nil {
			d.logger.Warn("dropping undecodable event",
				"event", string(ev.Kind),
				"error", err,
			)
			return
		}
		handler(ctx, v)
	})
}

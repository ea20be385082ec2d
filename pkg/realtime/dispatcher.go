package realtime

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
)

// Handler consumes the raw payload of a dispatched event.
type Handler func(data json.RawMessage)

// Subscription identifies a single registered handler so it can be removed
// without holding on to the handler value itself.
type Subscription struct {
	event string
	id    uint64
}

type subscriber struct {
	id uint64
	fn Handler
}

// Dispatcher routes inbound events to registered handlers in registration
// order. Events carry the connection epoch they were read under; anything
// tagged with an older epoch is discarded instead of dispatched.
type Dispatcher struct {
	mu       sync.Mutex
	nextID   uint64
	epoch    uint64
	handlers map[string][]subscriber
	logger   zerolog.Logger
}

// NewDispatcher returns a dispatcher at epoch zero with no handlers.
func NewDispatcher(logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string][]subscriber),
		logger:   logger.With().Str("component", "dispatcher").Logger(),
	}
}

// On registers a handler for the named event and returns its subscription.
func (d *Dispatcher) On(event string, fn Handler) Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	d.handlers[event] = append(d.handlers[event], subscriber{id: d.nextID, fn: fn})

	return Subscription{event: event, id: d.nextID}
}

// Off removes the handler identified by the subscription. Removing a
// subscription twice is a no-op.
func (d *Dispatcher) Off(sub Subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()

	subs := d.handlers[sub.event]
	for i, s := range subs {
		if s.id == sub.id {
			d.handlers[sub.event] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(d.handlers[sub.event]) == 0 {
		delete(d.handlers, sub.event)
	}
}

// Reset drops every registered handler. Called on deterministic teardown so
// no stale handler fires on a later connection.
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.handlers = make(map[string][]subscriber)
}

// Advance bumps the current epoch and returns it. The connection manager
// calls this once per established connection.
func (d *Dispatcher) Advance() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.epoch++
	return d.epoch
}

// Epoch returns the current connection epoch.
func (d *Dispatcher) Epoch() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.epoch
}

// Dispatch fans the envelope out to every handler registered for its event,
// in registration order. A handler panicking is logged and does not stop the
// remaining handlers. Envelopes tagged with a superseded epoch are dropped.
func (d *Dispatcher) Dispatch(epoch uint64, env Envelope) {
	d.mu.Lock()
	if epoch != d.epoch {
		d.mu.Unlock()
		d.logger.Debug().
			Str("event", env.Event).
			Uint64("epoch", epoch).
			Msg("discarding stale event")
		return
	}
	subs := make([]subscriber, len(d.handlers[env.Event]))
	copy(subs, d.handlers[env.Event])
	d.mu.Unlock()

	for _, s := range subs {
		d.invoke(env, s)
	}
}

func (d *Dispatcher) invoke(env Envelope, s subscriber) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().
				Str("event", env.Event).
				Interface("panic", r).
				Msg("event handler panicked")
		}
	}()

	s.fn(env.Data)
}

package bus

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/penthoy/icotes-sub001/internal/core/ws"
)

// Subscription is a registered handler bound to a set of event types.
// Cancel (or Bus.Unsubscribe) stops delivery; buffered but undelivered
// events are discarded at that point.
type Subscription struct {
	id      string
	types   map[ws.EventType]struct{} // nil means all types
	handler ws.EventHandler

	ch     chan ws.Event
	done   chan struct{}
	once   sync.Once
	active atomic.Bool

	bus *Bus
}

func newSubscription(b *Bus, handler ws.EventHandler, types []ws.EventType) *Subscription {
	s := &Subscription{
		id:      uuid.NewString(),
		handler: handler,
		ch:      make(chan ws.Event, subscriberBuffer),
		done:    make(chan struct{}),
		bus:     b,
	}
	if len(types) > 0 {
		s.types = make(map[ws.EventType]struct{}, len(types))
		for _, t := range types {
			s.types[t] = struct{}{}
		}
	}
	s.active.Store(true)
	return s
}

// ID is the unique identifier of this subscription.
func (s *Subscription) ID() string { return s.id }

// EventTypes lists the subscribed types; empty means all.
func (s *Subscription) EventTypes() []ws.EventType {
	out := make([]ws.EventType, 0, len(s.types))
	for t := range s.types {
		out = append(out, t)
	}
	return out
}

// Active reports whether the subscription still receives events.
func (s *Subscription) Active() bool { return s.active.Load() }

// Cancel de-registers the handler. Multiple calls are safe.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.active.Store(false)
		s.bus.remove(s.id)
		close(s.done)
	})
}

func (s *Subscription) wants(t ws.EventType) bool {
	if s.types == nil {
		return true
	}
	_, ok := s.types[t]
	return ok
}

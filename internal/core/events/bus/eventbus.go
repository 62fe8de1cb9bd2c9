// Package bus fans connection events out to subscribers. Delivery is
// asynchronous: every subscription owns a buffered channel and a dispatch
// goroutine, so a slow consumer never blocks the publisher. When a
// subscriber's buffer is full the event is dropped for that subscriber and
// counted.
package bus

import (
	"sync"
	"sync/atomic"

	"github.com/penthoy/icotes-sub001/internal/core/ws"
)

// subscriberBuffer is the per-subscription channel depth. A consumer that
// falls further behind than this starts losing events.
const subscriberBuffer = 64

// Bus is a thread-safe fan-out for ws.Event. The zero value is not usable;
// construct with New.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]*Subscription

	published uint64
	delivered uint64
	dropped   uint64

	wg     sync.WaitGroup
	closed atomic.Bool
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[string]*Subscription)}
}

// Subscribe registers a handler. With no types it receives every event;
// otherwise only the listed types. The handler runs on a dedicated goroutine
// per subscription, one event at a time, in publish order.
func (b *Bus) Subscribe(handler ws.EventHandler, types ...ws.EventType) *Subscription {
	s := newSubscription(b, handler, types)

	b.mu.Lock()
	if b.closed.Load() {
		b.mu.Unlock()
		s.active.Store(false)
		return s
	}
	b.subs[s.id] = s
	b.mu.Unlock()

	b.wg.Add(1)
	go b.dispatch(s)
	return s
}

// Unsubscribe cancels the given subscription. Safe with nil.
func (b *Bus) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}
	s.Cancel()
}

// Publish delivers the event to every matching subscription. It never
// blocks: subscribers whose buffers are full lose this event.
func (b *Bus) Publish(e ws.Event) {
	if b.closed.Load() {
		return
	}
	atomic.AddUint64(&b.published, 1)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.active.Load() || !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
			atomic.AddUint64(&b.delivered, 1)
		default:
			atomic.AddUint64(&b.dropped, 1)
		}
	}
}

// dispatch pumps one subscription until it is canceled.
func (b *Bus) dispatch(s *Subscription) {
	defer b.wg.Done()
	for {
		select {
		case e := <-s.ch:
			s.handler(e)
		case <-s.done:
			return
		}
	}
}

// remove detaches a subscription from the registry.
func (b *Bus) remove(id string) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Metrics is a snapshot of the bus counters.
type Metrics struct {
	Published   uint64 `json:"published"`
	Delivered   uint64 `json:"delivered"`
	Dropped     uint64 `json:"dropped"`
	Subscribers int    `json:"subscribers"`
}

// Metrics returns a best-effort snapshot of accumulated counters.
func (b *Bus) Metrics() Metrics {
	b.mu.RLock()
	n := len(b.subs)
	b.mu.RUnlock()
	return Metrics{
		Published:   atomic.LoadUint64(&b.published),
		Delivered:   atomic.LoadUint64(&b.delivered),
		Dropped:     atomic.LoadUint64(&b.dropped),
		Subscribers: n,
	}
}

// Close cancels every subscription and waits for the dispatch goroutines to
// finish their in-flight handler calls. Publish becomes a no-op. Idempotent.
func (b *Bus) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.Cancel()
	}
	b.wg.Wait()
}

package server

import (
	"errors"
	"fmt"
	"sync"

	"github.com/noahkawaguchi/prattle/internal/protocol"
)

// defaultBusCapacity is the number of events each subscription retains
// before the oldest are overwritten.
const defaultBusCapacity = 100

var (
	// errNoEvent reports an empty subscription queue.  The caller should
	// wait on ready and try again.
	errNoEvent = errors.New("no event pending")

	// errSubClosed reports that the subscription was cancelled.
	errSubClosed = errors.New("subscription closed")
)

// LagError reports that a subscriber fell behind and lost events.  Missed
// counts the overwritten events; the retained ones are still readable.
type LagError struct {
	Missed uint64
}

func (e *LagError) Error() string {
	return fmt.Sprintf("lagged behind by %d event(s)", e.Missed)
}

// bus fans events out to every subscription.  Publishing never blocks: each
// subscription buffers events in a fixed ring and overwrites the oldest
// once full, counting what was lost.  The bus mutex is held across the
// whole fan-out so every subscriber observes publishes in the same order.
type bus struct {
	mu       sync.Mutex
	subs     map[*subscription]struct{}
	capacity int
}

func newBus(capacity int) *bus {
	if capacity <= 0 {
		capacity = defaultBusCapacity
	}
	return &bus{
		subs:     make(map[*subscription]struct{}),
		capacity: capacity,
	}
}

// publish delivers ev to all current subscriptions.
func (b *bus) publish(ev protocol.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		sub.push(ev)
	}
}

// subscribe registers a new subscription that receives events published
// from this point on.
func (b *bus) subscribe() *subscription {
	sub := &subscription{
		ready: make(chan struct{}, 1),
		ring:  make([]protocol.Event, b.capacity),
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// unsubscribe detaches sub from the bus.  Pending events are discarded and
// any waiter on ready is woken so it can observe the closed state.
func (b *bus) unsubscribe(sub *subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()

	sub.mu.Lock()
	sub.closed = true
	sub.ring = nil
	sub.count = 0
	sub.mu.Unlock()
	sub.wake()
}

// subscription is one receiver's view of the bus: a fixed ring of pending
// events plus a count of events lost to overflow.
type subscription struct {
	// ready carries a wakeup signal when an event arrives.  Capacity one:
	// redundant signals collapse, and a stale wakeup costs the receiver
	// one harmless errNoEvent.
	ready chan struct{}

	mu     sync.Mutex
	ring   []protocol.Event
	head   int
	count  int
	missed uint64
	closed bool
}

// push appends ev, overwriting the oldest pending event when full.
func (s *subscription) push(ev protocol.Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.count == len(s.ring) {
		s.ring[s.head] = ev
		s.head = (s.head + 1) % len(s.ring)
		s.missed++
	} else {
		s.ring[(s.head+s.count)%len(s.ring)] = ev
		s.count++
	}
	s.mu.Unlock()
	s.wake()
}

// next pops the oldest pending event.  After an overflow it returns a
// single *LagError carrying the missed count before resuming delivery with
// the oldest retained event.  errNoEvent means the queue is drained and
// errSubClosed means the subscription was cancelled.
func (s *subscription) next() (protocol.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return protocol.Event{}, errSubClosed
	}
	if s.missed > 0 {
		missed := s.missed
		s.missed = 0
		return protocol.Event{}, &LagError{Missed: missed}
	}
	if s.count == 0 {
		return protocol.Event{}, errNoEvent
	}

	ev := s.ring[s.head]
	s.ring[s.head] = protocol.Event{}
	s.head = (s.head + 1) % len(s.ring)
	s.count--
	return ev, nil
}

// wake nudges a waiter on ready without blocking.
func (s *subscription) wake() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

package agentbridge

import (
	"sync"
	"sync/atomic"
)

// broadcastCapacity is the per-subscriber buffer of the event bus.
const broadcastCapacity = 100

// Broadcast fans unsolicited CLI messages out to any number of subscribers.
//
// Each subscriber owns a bounded buffer. A subscriber that cannot keep up
// loses its oldest events and is told how many it missed; lag is a
// recoverable condition, not an error on the publishing path. Assistant
// output is never dropped while the subscriber keeps draining.
type Broadcast struct {
	capacity int

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewBroadcast creates a bus with the given per-subscriber capacity.
func NewBroadcast(capacity int) *Broadcast {
	if capacity <= 0 {
		capacity = broadcastCapacity
	}
	return &Broadcast{
		capacity: capacity,
		subs:     make(map[*Subscription]struct{}),
	}
}

// Subscribe registers a new subscriber. Subscribing after Close returns a
// subscription whose channel is already closed.
func (b *Broadcast) Subscribe() *Subscription {
	sub := &Subscription{
		ch:  make(chan Message, b.capacity),
		bus: b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Publish delivers msg to every live subscriber. A full subscriber buffer
// sheds its oldest event to make room; the shed count is reported to that
// subscriber via Lagged.
func (b *Broadcast) Publish(msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for sub := range b.subs {
		select {
		case sub.ch <- msg:
		default:
			// Buffer full: shed the oldest event. Only the publisher
			// sends, so a slot is guaranteed after the receive.
			select {
			case <-sub.ch:
				sub.lagged.Add(1)
			default:
			}
			select {
			case sub.ch <- msg:
			default:
			}
		}
	}
}

// Close terminates all subscriptions. Subscribers observe channel closure
// after draining buffered events.
func (b *Broadcast) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
	}
	b.subs = nil
}

func (b *Broadcast) cancel(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

// Subscription is one subscriber's end of the bus.
type Subscription struct {
	ch     chan Message
	lagged atomic.Uint64
	bus    *Broadcast
	once   sync.Once
}

// C returns the event channel. It closes when the bus closes or the
// subscription is cancelled.
func (s *Subscription) C() <-chan Message {
	return s.ch
}

// TakeLag returns how many events were shed since the last call and resets
// the counter. A non-zero value means the subscriber should treat its view
// as gapped, not that the session failed.
func (s *Subscription) TakeLag() uint64 {
	return s.lagged.Swap(0)
}

// Cancel detaches the subscription from the bus.
func (s *Subscription) Cancel() {
	s.once.Do(func() { s.bus.cancel(s) })
}

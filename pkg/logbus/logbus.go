package logbus

import (
	"sync"
	"sync/atomic"

	"github.com/kilnhq/kiln/pkg/metrics"
	"github.com/kilnhq/kiln/pkg/types"
)

// subscriberBuffer is the per-subscriber channel capacity. Slow
// subscribers that fall behind by more than this lose events and
// reconcile from the record store.
const subscriberBuffer = 256

// Subscription is one subscriber's view of a compilation channel
type Subscription struct {
	// C delivers events published after the subscription was created.
	// It closes after the done event has been delivered, or when the
	// subscription is cancelled.
	C <-chan types.Event

	ch      chan types.Event
	channel *channel
	dropped uint64
}

// Cancel detaches the subscription and closes C
func (s *Subscription) Cancel() {
	s.channel.remove(s)
}

// Dropped returns the number of events this subscriber lost to a full buffer
func (s *Subscription) Dropped() uint64 {
	return atomic.LoadUint64(&s.dropped)
}

type channel struct {
	mu   sync.Mutex
	subs map[*Subscription]bool
	done bool
}

// remove detaches s and closes its channel. Map membership under mu
// decides who closes: a subscription leaves the map exactly once,
// either here or when the done event retires the channel.
func (c *channel) remove(s *Subscription) {
	c.mu.Lock()
	if !c.subs[s] {
		c.mu.Unlock()
		return
	}
	delete(c.subs, s)
	c.mu.Unlock()

	close(s.ch)
	metrics.LogSubscribers.Dec()
}

// Bus is the process-wide pub/sub for compilation log streams, keyed by
// compilation id. Publishing never blocks: delivery to current
// subscribers is best-effort and failures never abort a compilation.
//
// A done event retires a channel but keeps it in the map as a marker,
// so subscribers arriving after the fact get a closed channel instead
// of one that never delivers.
type Bus struct {
	mu           sync.RWMutex
	channels     map[string]*channel
	totalDropped uint64
}

// New creates an empty Bus
func New() *Bus {
	return &Bus{channels: make(map[string]*channel)}
}

func (b *Bus) get(id string, create bool) *channel {
	b.mu.RLock()
	c := b.channels[id]
	b.mu.RUnlock()
	if c != nil || !create {
		return c
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if c = b.channels[id]; c == nil {
		c = &channel{subs: make(map[*Subscription]bool)}
		b.channels[id] = c
	}
	return c
}

// Subscribe returns a subscription delivering events published for id
// after this call. Subscribers that connect after the done event has
// been published receive a closed channel immediately; they recover
// final state from the record store.
func (b *Bus) Subscribe(id string) *Subscription {
	c := b.get(id, true)

	sub := &Subscription{
		ch:      make(chan types.Event, subscriberBuffer),
		channel: c,
	}
	sub.C = sub.ch

	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		close(sub.ch)
		return sub
	}
	c.subs[sub] = true
	c.mu.Unlock()
	metrics.LogSubscribers.Inc()
	return sub
}

// Publish delivers an event to the current subscribers of id. A done
// event retires the channel: all subscriber channels close after it and
// later publishes for the same id are dropped.
func (b *Bus) Publish(id string, event types.Event) {
	c := b.get(id, true)

	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return
	}

	for sub := range c.subs {
		select {
		case sub.ch <- event:
		default:
			// Subscriber buffer full: drop rather than block the
			// publisher. The subscriber reconciles from the record.
			atomic.AddUint64(&sub.dropped, 1)
			atomic.AddUint64(&b.totalDropped, 1)
			metrics.LogEventsDropped.Inc()
		}
	}

	if event.Type == types.EventDone {
		c.done = true
		retired := c.subs
		c.subs = nil
		c.mu.Unlock()

		for sub := range retired {
			close(sub.ch)
			metrics.LogSubscribers.Dec()
		}
		return
	}
	c.mu.Unlock()
}

// SubscriberCount returns the number of active subscribers for id
func (b *Bus) SubscriberCount(id string) int {
	c := b.get(id, false)
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// Dropped returns the total number of events dropped across all channels
func (b *Bus) Dropped() uint64 {
	return atomic.LoadUint64(&b.totalDropped)
}

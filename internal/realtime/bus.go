// Package realtime fans source status changes out to in-process subscribers.
//
// Delivery is best-effort: a subscriber that falls behind loses events and must
// fall back to reading the current status directly.
package realtime

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/Harvey-AU/source-crawler/internal/cache"
	"github.com/rs/zerolog/log"
)

// Event types published on the bus
const (
	EventStatusChanged      = "status_changed"
	EventSourceChanged      = "source_changed"
	EventDiscoveryCompleted = "discovery_completed"
	EventJobsRecovered      = "jobs_recovered"
	EventChildrenRetried    = "children_retried"
	EventSourceRemoved      = "source_removed"
)

// DefaultBuffer is the subscriber channel size used when none is given
const DefaultBuffer = 16

// Event is a change notification for one source
type Event struct {
	Type      string    `json:"type"`
	SourceID  string    `json:"source_id"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Subscription receives the events of a single source until Unsubscribe is called
// or the bus is closed, after which C is closed.
type Subscription struct {
	C <-chan Event

	ch       chan Event
	bus      *Bus
	sourceID string
	id       uint64
	once     sync.Once
}

// Unsubscribe stops delivery and closes C. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.remove(s)
	})
}

// Bus is an in-memory publish/subscribe hub keyed by source id.
// Create one per process with NewBus and Close it on shutdown.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]*Subscription
	nextID uint64
	closed bool

	last    *cache.InMemoryCache[Event]
	dropped atomic.Int64
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{
		subs: make(map[string]map[uint64]*Subscription),
		last: cache.NewInMemoryCache[Event](),
	}
}

// Subscribe registers interest in a source. A subscription taken on a closed bus
// is returned already closed.
func (b *Bus) Subscribe(sourceID string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	ch := make(chan Event, buffer)
	sub := &Subscription{C: ch, ch: ch, bus: b, sourceID: sourceID}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		sub.once.Do(func() {})
		return sub
	}

	b.nextID++
	sub.id = b.nextID
	if b.subs[sourceID] == nil {
		b.subs[sourceID] = make(map[uint64]*Subscription)
	}
	b.subs[sourceID][sub.id] = sub
	return sub
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subs[sub.sourceID]
	if !ok {
		return
	}
	if _, ok := subs[sub.id]; !ok {
		return
	}
	delete(subs, sub.id)
	if len(subs) == 0 {
		delete(b.subs, sub.sourceID)
	}
	close(sub.ch)
}

// Publish delivers an event to every subscriber of its source without blocking.
// Subscribers whose buffers are full miss the event.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	// A removed source publishes nothing further, so its snapshot entry goes too
	if ev.Type == EventSourceRemoved {
		b.last.Delete(ev.SourceID)
	} else {
		b.last.Set(ev.SourceID, ev)
	}

	for _, sub := range b.subs[ev.SourceID] {
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
			log.Debug().
				Str("source_id", ev.SourceID).
				Str("event", ev.Type).
				Msg("Subscriber buffer full, dropping realtime event")
		}
	}
}

// LastEvent returns the most recent event published for a source
func (b *Bus) LastEvent(sourceID string) (Event, bool) {
	return b.last.Get(sourceID)
}

// SubscriberCount reports the live subscriptions for a source
func (b *Bus) SubscriberCount(sourceID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[sourceID])
}

// Dropped reports how many deliveries were skipped because of full buffers
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes every subscription and rejects further publishes
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for sourceID, subs := range b.subs {
		for _, sub := range subs {
			sub.once.Do(func() {})
			close(sub.ch)
		}
		delete(b.subs, sourceID)
	}
	b.last.Clear()
}

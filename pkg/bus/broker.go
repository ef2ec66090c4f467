package bus

import (
	"sync"

	"github.com/cuemby/collective/pkg/types"
)

// subscriberBuffer is the per-subscriber channel depth. A subscriber
// that falls this far behind starts losing events.
const subscriberBuffer = 64

// EventKind labels what a bus event carries.
type EventKind string

const (
	EventBroadcast EventKind = "broadcast"
	EventTask      EventKind = "task"
)

// Event is what local subscribers receive from the bus.
type Event struct {
	Kind      EventKind        `json:"kind"`
	Broadcast *types.Broadcast `json:"broadcast,omitempty"`
	Task      *types.TaskEvent `json:"task,omitempty"`
}

// Broker fans events out to in-process subscribers over buffered
// channels. Slow subscribers drop events rather than block the bus.
type Broker struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[int]chan Event)}
}

// Subscribe returns a receive channel and its cancel func. The channel
// closes on cancel.
func (b *Broker) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber, dropping it for any
// subscriber whose buffer is full.
func (b *Broker) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close drops every subscriber.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

// seenIDs is a fixed-capacity set remembering recently seen broadcast
// ids for at-least-once dedupe. Oldest entries fall out first.
type seenIDs struct {
	mu    sync.Mutex
	cap   int
	order []string
	set   map[string]struct{}
}

func newSeenIDs(capacity int) *seenIDs {
	return &seenIDs{
		cap: capacity,
		set: make(map[string]struct{}, capacity),
	}
}

// Remember records the id, reporting whether it was already known.
func (s *seenIDs) Remember(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.set[id]; dup {
		return true
	}
	if len(s.order) >= s.cap {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.set, oldest)
	}
	s.order = append(s.order, id)
	s.set[id] = struct{}{}
	return false
}

// Package bus implements the Broadcast Bus (C10): a typed event fanout to
// every attached client, with a bounded per-client queue so one slow
// consumer can never block publication to the rest.
package bus

import "sync"

// Kind enumerates the event types the bus carries.
type Kind string

const (
	KindTerminalData  Kind = "terminal:data"
	KindTerminalExit  Kind = "terminal:exit"
	KindStatusChanged Kind = "status:changed"
	KindPortForwarded Kind = "port:forwarded"
	KindPortClosed    Kind = "port:closed"
	KindTaskReordered Kind = "task:reordered"
)

// Event is one item published on the bus. InstanceID is empty for events
// that are not instance-scoped (e.g. task:reordered).
type Event struct {
	Kind       Kind
	InstanceID string
	Payload    any
}

// queueCap bounds each subscriber's outgoing channel. Overflow disconnects
// the subscriber rather than blocking the publisher.
const queueCap = 256

// Subscriber is a single attached client's event feed. Events() is closed
// when the subscriber is dropped (either explicitly via Bus.Unsubscribe, or
// because it could not keep up).
type Subscriber struct {
	ch     chan Event
	closed chan struct{}

	mu   sync.Mutex
	gone bool
}

func (s *Subscriber) Events() <-chan Event {
	return s.ch
}

// Dropped reports whether this subscriber has been disconnected.
func (s *Subscriber) Dropped() <-chan struct{} {
	return s.closed
}

// drop disconnects the subscriber. It holds s.mu across both the state
// flip and the channel closes so a concurrent send in Bus.Publish (which
// takes the same lock) can never land on an already-closed channel.
func (s *Subscriber) drop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gone {
		return
	}
	s.gone = true
	close(s.closed)
	close(s.ch)
}

// send delivers ev to the subscriber, reporting false if it was already
// dropped or its queue is full. Guarded by s.mu so it can never race
// drop()'s channel closes.
func (s *Subscriber) send(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gone {
		return false
	}
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

// Bus fans out published events to every current subscriber.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscriber]struct{}
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[*Subscriber]struct{})}
}

// Subscribe registers a new client feed.
func (b *Bus) Subscribe() *Subscriber {
	sub := &Subscriber{
		ch:     make(chan Event, queueCap),
		closed: make(chan struct{}),
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes a client feed, e.g. on clean WS close.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
	sub.drop()
}

// Publish delivers ev to every current subscriber. A subscriber whose queue
// is full is disconnected instead of blocking this call.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	targets := make([]*Subscriber, 0, len(b.subs))
	for sub := range b.subs {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	var toDrop []*Subscriber
	for _, sub := range targets {
		if !sub.send(ev) {
			toDrop = append(toDrop, sub)
		}
	}

	for _, sub := range toDrop {
		b.Unsubscribe(sub)
	}
}

// SubscriberCount reports how many clients are currently attached.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

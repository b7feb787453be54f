package event

import (
	"sync"
	"time"

	"github.com/noah-isme/reimburse-api/internal/models"
)

// Type enumerates the change notifications emitted by the reimbursement core.
type Type string

const (
	TypeCreated Type = "reimbursement.created"
	TypeChanged Type = "reimbursement.changed"
	TypeDeleted Type = "reimbursement.deleted"
)

// Event describes a change to a reimbursement request, keyed by request id.
type Event struct {
	Type      Type                       `json:"type"`
	RequestID string                     `json:"requestId"`
	OwnerID   string                     `json:"ownerId"`
	Status    models.ReimbursementStatus `json:"status"`
	At        time.Time                  `json:"at"`
}

// Bus fans out events to subscribers. Subscriptions are explicit handles;
// disposing them is the caller's responsibility.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*Subscription
	closed bool
}

// NewBus constructs an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*Subscription)}
}

// Publish delivers the event to every open subscription. Delivery is
// non-blocking: a subscriber whose buffer is full misses the event rather
// than stalling the publisher.
func (b *Bus) Publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub.ch <- evt:
		default:
		}
	}
}

// Subscribe registers a new subscriber with the given channel buffer.
// The returned handle must be closed when no longer needed.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 16
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	sub := &Subscription{ch: make(chan Event, buffer)}
	sub.cancel = func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub.ch)
		}
	}
	if b.closed {
		close(sub.ch)
		sub.cancel = func() {}
		return sub
	}
	b.subs[id] = sub
	return sub
}

// Close tears down the bus and every open subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// Subscription is a scoped handle to a stream of events.
type Subscription struct {
	ch     chan Event
	cancel func()
	once   sync.Once
}

// C returns the receive channel. It is closed when the subscription is.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Close detaches the subscription from the bus. Safe to call multiple times.
func (s *Subscription) Close() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}

package txn

import (
	"sync"
	"time"
)

// EntityKind identifies which collection an event is about.
type EntityKind string

const (
	EntityTag   EntityKind = "tag"
	EntityPage  EntityKind = "page"
	EntityStore EntityKind = "store"
)

// EventOp identifies what happened to the entity.
type EventOp string

const (
	OpCreate  EventOp = "create"
	OpUpdate  EventOp = "update"
	OpDelete  EventOp = "delete"
	OpReplace EventOp = "replace"
)

// Event origin: local mutations need pushing to the remote; changes the
// sync engine applied from the remote must not be pushed back.
const (
	OriginLocal = "local"
	OriginSync  = "sync"
)

// Event is published after each successful commit. Consumers include the
// RPC server (which pushes it to UI clients) and the sync glue (which
// marks locally-originated changes for upload).
type Event struct {
	Entity    EntityKind `json:"entity"`
	Op        EventOp    `json:"op"`
	ID        string     `json:"id,omitempty"`
	Origin    string     `json:"origin"`
	Timestamp time.Time  `json:"timestamp"`
}

// Subscription is a cancellable event feed.
type Subscription struct {
	C      <-chan Event
	cancel func()
}

// Cancel detaches the subscription. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.cancel()
}

// Bus fans commit events out to subscribers. Publishing never blocks: a
// subscriber that falls behind loses events rather than stalling commits.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a new subscriber with a buffered feed.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan Event, 64)
	b.subs[id] = ch
	var once sync.Once
	return &Subscription{
		C: ch,
		cancel: func() {
			once.Do(func() {
				b.mu.Lock()
				delete(b.subs, id)
				b.mu.Unlock()
				close(ch)
			})
		},
	}
}

// Publish delivers the event to every subscriber, dropping it for any
// whose buffer is full.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

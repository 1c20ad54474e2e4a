// Package remote defines the multi-device backend the sync engine pushes
// to and pulls from.
//
// The backend is row-oriented: tags and pages are individual rows keyed
// by (id, user_id), written through upsert/delete primitives. The core
// never assumes transactional multi-row semantics from it. A change
// stream per user delivers INSERT/UPDATE/DELETE notifications, including
// echoes of the caller's own writes; consumers are expected to filter
// those with a last-write-wins timestamp check.
package remote

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/tagweave/tagweave/internal/graph"
)

// Table names used in change events.
const (
	TableTags  = "tags"
	TablePages = "pages"
)

// EventType classifies a change notification.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// ChangeEvent is one row change delivered on the notification stream.
// New carries the row after the change (INSERT/UPDATE), Old the row
// before it (UPDATE/DELETE), both as raw JSON of the entity.
type ChangeEvent struct {
	Table     string          `json:"table"`
	EventType EventType       `json:"eventType"`
	New       json.RawMessage `json:"new,omitempty"`
	Old       json.RawMessage `json:"old,omitempty"`
}

// Backend is the remote row store contract.
type Backend interface {
	UpsertTag(ctx context.Context, userID string, tag *graph.Tag) error
	DeleteTag(ctx context.Context, userID, id string) error
	SelectTags(ctx context.Context, userID string) ([]*graph.Tag, error)

	UpsertPage(ctx context.Context, userID string, page *graph.Page) error
	DeletePage(ctx context.Context, userID, id string) error
	SelectPages(ctx context.Context, userID string) ([]*graph.Page, error)

	// Subscribe opens a change stream scoped to one user. The stream
	// stays open until cancelled.
	Subscribe(userID string) *Subscription

	Close() error
}

// Subscription is a cancellable change stream.
type Subscription struct {
	C      <-chan ChangeEvent
	cancel func()
}

// NewSubscription wraps a channel and cancel function as a Subscription.
// Backend implementations outside this package use it; cancel may be nil.
func NewSubscription(c <-chan ChangeEvent, cancel func()) *Subscription {
	if cancel == nil {
		cancel = func() {}
	}
	return &Subscription{C: c, cancel: cancel}
}

// Cancel closes the stream. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.cancel()
}

// notifier fans change events out to per-user subscribers. Delivery is
// best-effort: a subscriber with a full buffer loses the event.
type notifier struct {
	mu   sync.Mutex
	subs map[string]map[int]chan ChangeEvent
	next int
}

func newNotifier() *notifier {
	return &notifier{subs: make(map[string]map[int]chan ChangeEvent)}
}

func (n *notifier) subscribe(userID string) *Subscription {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.subs[userID] == nil {
		n.subs[userID] = make(map[int]chan ChangeEvent)
	}
	id := n.next
	n.next++
	ch := make(chan ChangeEvent, 64)
	n.subs[userID][id] = ch
	return &Subscription{
		C: ch,
		cancel: func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			if _, ok := n.subs[userID][id]; ok {
				delete(n.subs[userID], id)
				close(ch)
			}
		},
	}
}

func (n *notifier) publish(userID string, ev ChangeEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs[userID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (n *notifier) closeAll() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, subs := range n.subs {
		for id, ch := range subs {
			delete(subs, id)
			close(ch)
		}
	}
}

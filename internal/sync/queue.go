// Package sync reconciles the local graph with the remote backend: it
// pushes marked changes when connected, queues them durably when not,
// and performs full last-write-wins merges of both datasets.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/tagweave/tagweave/internal/storage"
)

// EntityType identifies which collection a pending change targets.
type EntityType string

const (
	EntityTag  EntityType = "tag"
	EntityPage EntityType = "page"
)

// Operation is the kind of change queued for replay.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// PendingChange is one queued create/update/delete not yet acknowledged
// by the remote backend. Data carries the entity JSON for create/update;
// deletes need only the id.
type PendingChange struct {
	Type      EntityType      `json:"type"`
	Operation Operation       `json:"operation"`
	ID        string          `json:"id"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Queue is the durable FIFO of pending changes. Every enqueue and every
// drain persists the queue through the adapter so queued-but-unsent
// changes survive a process restart.
type Queue struct {
	mu      stdsync.Mutex
	adapter storage.Adapter
	items   []PendingChange
}

// NewQueue creates a queue backed by the adapter. Call Load before use.
func NewQueue(adapter storage.Adapter) *Queue {
	return &Queue{adapter: adapter}
}

// Load restores the queue from durable storage. A never-persisted queue
// loads as empty.
func (q *Queue) Load(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := q.adapter.Get(ctx, storage.KeyPendingChanges)
	if errors.Is(err, storage.ErrNotFound) {
		q.items = nil
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load pending changes: %w", err)
	}
	var items []PendingChange
	if err := json.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("corrupt pending-change queue: %w", err)
	}
	q.items = items
	return nil
}

// Enqueue appends a change and persists the queue.
func (q *Queue) Enqueue(ctx context.Context, change PendingChange) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if change.Timestamp.IsZero() {
		change.Timestamp = time.Now()
	}
	q.items = append(q.items, change)
	return q.persistLocked(ctx)
}

// Len returns the number of queued changes.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drain replays queued changes in FIFO order through apply. A change
// that fails is re-enqueued at the tail rather than dropped. The queue
// is persisted once after the pass.
func (q *Queue) Drain(ctx context.Context, apply func(PendingChange) error) (replayed, requeued int, err error) {
	q.mu.Lock()
	pending := q.items
	q.items = nil
	q.mu.Unlock()

	var failed []PendingChange
	for _, change := range pending {
		if applyErr := apply(change); applyErr != nil {
			failed = append(failed, change)
			requeued++
			continue
		}
		replayed++
	}

	q.mu.Lock()
	// Changes enqueued during the drain stay ahead of the retries only
	// if nothing failed; retries keep their original relative order.
	q.items = append(failed, q.items...)
	err = q.persistLocked(ctx)
	q.mu.Unlock()
	return replayed, requeued, err
}

func (q *Queue) persistLocked(ctx context.Context) error {
	items := q.items
	if items == nil {
		items = []PendingChange{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("failed to marshal pending changes: %w", err)
	}
	if err := q.adapter.Set(ctx, storage.KeyPendingChanges, data); err != nil {
		return fmt.Errorf("failed to persist pending changes: %w", err)
	}
	return nil
}

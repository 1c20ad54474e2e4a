package sync

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/tagweave/tagweave/internal/storage"
)

func TestQueueLoadEmpty(t *testing.T) {
	q := NewQueue(storage.NewMemAdapter())
	if err := q.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if q.Len() != 0 {
		t.Errorf("fresh queue Len = %d", q.Len())
	}
}

func TestQueueSurvivesRestart(t *testing.T) {
	adapter := storage.NewMemAdapter()
	ctx := context.Background()

	q := NewQueue(adapter)
	if err := q.Load(ctx); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	changes := []PendingChange{
		{Type: EntityTag, Operation: OpCreate, ID: "tag-1", Data: json.RawMessage(`{"id":"tag-1"}`)},
		{Type: EntityPage, Operation: OpDelete, ID: "page-1"},
	}
	for _, c := range changes {
		if err := q.Enqueue(ctx, c); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	// A second queue over the same adapter models a process restart.
	restored := NewQueue(adapter)
	if err := restored.Load(ctx); err != nil {
		t.Fatalf("Load after restart failed: %v", err)
	}
	if restored.Len() != 2 {
		t.Fatalf("restored Len = %d, want 2", restored.Len())
	}

	var got []PendingChange
	_, _, err := restored.Drain(ctx, func(c PendingChange) error {
		got = append(got, c)
		return nil
	})
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if got[0].ID != "tag-1" || got[1].ID != "page-1" {
		t.Errorf("FIFO order lost: %v, %v", got[0].ID, got[1].ID)
	}
	if got[0].Timestamp.IsZero() {
		t.Error("Enqueue must stamp a timestamp")
	}
}

func TestQueueDrainRequeuesFailures(t *testing.T) {
	adapter := storage.NewMemAdapter()
	ctx := context.Background()

	q := NewQueue(adapter)
	for _, id := range []string{"a", "b", "c"} {
		if err := q.Enqueue(ctx, PendingChange{Type: EntityTag, Operation: OpUpdate, ID: id}); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	replayed, requeued, err := q.Drain(ctx, func(c PendingChange) error {
		if c.ID == "b" {
			return errors.New("remote unavailable")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if replayed != 2 || requeued != 1 {
		t.Errorf("replayed=%d requeued=%d, want 2/1", replayed, requeued)
	}
	if q.Len() != 1 {
		t.Fatalf("Len after drain = %d, want 1", q.Len())
	}

	// The failure survives a restart: requeued changes are persisted.
	restored := NewQueue(adapter)
	if err := restored.Load(ctx); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if restored.Len() != 1 {
		t.Errorf("restored Len = %d, want 1", restored.Len())
	}
	_, _, err = restored.Drain(ctx, func(c PendingChange) error {
		if c.ID != "b" {
			t.Errorf("requeued change id = %q, want b", c.ID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("second Drain failed: %v", err)
	}
}

func TestQueueCorruptBlob(t *testing.T) {
	adapter := storage.NewMemAdapter()
	ctx := context.Background()
	if err := adapter.Set(ctx, storage.KeyPendingChanges, []byte("{not json")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	q := NewQueue(adapter)
	if err := q.Load(ctx); err == nil {
		t.Error("corrupt queue blob must fail to load")
	}
}

package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	stdsync "sync"
	"time"

	"github.com/tagweave/tagweave/internal/graph"
	"github.com/tagweave/tagweave/internal/remote"
	"github.com/tagweave/tagweave/internal/storage"
	"github.com/tagweave/tagweave/internal/txn"
)

// ErrSyncInProgress is returned when SyncAll is called while a full sync
// is already running. The second call is rejected, not queued.
var ErrSyncInProgress = errors.New("sync already in progress")

// ErrNotAuthenticated is returned by SyncAll when no user is signed in.
var ErrNotAuthenticated = errors.New("no user signed in")

// State is the process-wide sync status snapshot. It is written only by
// the engine; observers read copies.
type State struct {
	IsSyncing           bool      `json:"isSyncing"`
	LastSyncAt          time.Time `json:"lastSyncAt"`
	PendingChangesCount int       `json:"pendingChangesCount"`
	Error               string    `json:"error,omitempty"`
}

// Engine reconciles the local graph with the remote backend.
//
// The engine never mutates the graph directly: merged datasets and
// realtime changes are applied through the coordinator's public mutation
// surface, preserving the single-writer discipline.
type Engine struct {
	coord   *txn.Coordinator
	backend remote.Backend
	adapter storage.Adapter
	queue   *Queue
	logger  *log.Logger

	mu     stdsync.Mutex
	userID string
	state  State

	cancel context.CancelFunc
	wg     stdsync.WaitGroup
}

// NewEngine creates a sync engine. The queue is loaded lazily on first
// use; call Start or Load explicitly to surface load errors early.
func NewEngine(coord *txn.Coordinator, backend remote.Backend, adapter storage.Adapter, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	return &Engine{
		coord:   coord,
		backend: backend,
		adapter: adapter,
		queue:   NewQueue(adapter),
		logger:  logger,
	}
}

// Load restores the durable pending queue and the last-sync cursor.
func (e *Engine) Load(ctx context.Context) error {
	if err := e.queue.Load(ctx); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.PendingChangesCount = e.queue.Len()
	if data, err := e.adapter.Get(ctx, storage.KeySyncCursor); err == nil {
		if t, perr := time.Parse(time.RFC3339Nano, string(data)); perr == nil {
			e.state.LastSyncAt = t
		}
	}
	return nil
}

// SetUser signs a user in (or out, with an empty id). Changes marked
// while signed out go to the pending queue.
func (e *Engine) SetUser(userID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.userID = userID
}

func (e *Engine) user() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.userID
}

// State returns a copy of the current sync status.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.state
	s.PendingChangesCount = e.queue.Len()
	return s
}

// MarkTagChange records that a tag changed locally. When signed in the
// change is pushed immediately; on push failure (or signed out) it is
// queued durably instead. The mutation that triggered the mark never
// sees a sync failure.
func (e *Engine) MarkTagChange(ctx context.Context, op Operation, id string, tag *graph.Tag) error {
	return e.markChange(ctx, EntityTag, op, id, tag)
}

// MarkPageChange is MarkTagChange for pages.
func (e *Engine) MarkPageChange(ctx context.Context, op Operation, id string, page *graph.Page) error {
	return e.markChange(ctx, EntityPage, op, id, page)
}

func (e *Engine) markChange(ctx context.Context, entity EntityType, op Operation, id string, data any) error {
	userID := e.user()
	if userID != "" {
		if err := e.push(ctx, userID, entity, op, id, data); err == nil {
			return nil
		} else {
			e.logger.Printf("Push failed for %s %s %s, queueing: %v", op, entity, id, err)
		}
	}

	change := PendingChange{Type: entity, Operation: op, ID: id, Timestamp: time.Now()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to encode %s %s: %w", entity, id, err)
		}
		change.Data = raw
	}
	if err := e.queue.Enqueue(ctx, change); err != nil {
		return err
	}
	e.mu.Lock()
	e.state.PendingChangesCount = e.queue.Len()
	e.mu.Unlock()
	return nil
}

func (e *Engine) push(ctx context.Context, userID string, entity EntityType, op Operation, id string, data any) error {
	switch entity {
	case EntityTag:
		if op == OpDelete {
			return e.backend.DeleteTag(ctx, userID, id)
		}
		tag, ok := data.(*graph.Tag)
		if !ok || tag == nil {
			return fmt.Errorf("tag %s change carries no data", id)
		}
		return e.backend.UpsertTag(ctx, userID, tag)
	case EntityPage:
		if op == OpDelete {
			return e.backend.DeletePage(ctx, userID, id)
		}
		page, ok := data.(*graph.Page)
		if !ok || page == nil {
			return fmt.Errorf("page %s change carries no data", id)
		}
		return e.backend.UpsertPage(ctx, userID, page)
	default:
		return fmt.Errorf("unknown entity type %q", entity)
	}
}

// SyncAll performs a full reconciliation: pull remote rows, merge with
// the local graph by last-write-wins, install the merged dataset, then
// replay the pending queue. A second call while one is running returns
// ErrSyncInProgress immediately.
func (e *Engine) SyncAll(ctx context.Context) error {
	e.mu.Lock()
	if e.state.IsSyncing {
		e.mu.Unlock()
		return ErrSyncInProgress
	}
	userID := e.userID
	e.state.IsSyncing = true
	e.state.Error = ""
	e.mu.Unlock()

	err := e.syncAll(ctx, userID)

	e.mu.Lock()
	e.state.IsSyncing = false
	if err != nil {
		e.state.Error = err.Error()
	} else {
		e.state.LastSyncAt = time.Now()
		cursor := e.state.LastSyncAt.UTC().Format(time.RFC3339Nano)
		if perr := e.adapter.Set(ctx, storage.KeySyncCursor, []byte(cursor)); perr != nil {
			e.logger.Printf("Failed to persist sync cursor: %v", perr)
		}
	}
	e.state.PendingChangesCount = e.queue.Len()
	e.mu.Unlock()
	return err
}

func (e *Engine) syncAll(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrNotAuthenticated
	}

	// Snapshot both sides before any remote write so the merge works
	// from one consistent view of each collection.
	localTags, localPages, err := e.coord.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("failed to snapshot local state: %w", err)
	}
	remoteTags, err := e.backend.SelectTags(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to pull remote tags: %w", err)
	}
	remotePages, err := e.backend.SelectPages(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to pull remote pages: %w", err)
	}

	mergedTags := make(map[string]*graph.Tag, len(localTags))
	for id, tag := range localTags {
		mergedTags[id] = tag
	}
	tagsFromRemote := 0
	for _, rt := range remoteTags {
		local, ok := mergedTags[rt.ID]
		if !ok || rt.UpdatedAt.After(local.UpdatedAt) {
			mergedTags[rt.ID] = rt
			tagsFromRemote++
		}
	}

	mergedPages := make(map[string]*graph.Page, len(localPages))
	for id, page := range localPages {
		mergedPages[id] = page
	}
	pagesFromRemote := 0
	for _, rp := range remotePages {
		local, ok := mergedPages[rp.ID]
		if !ok || rp.UpdatedAt.After(local.UpdatedAt) {
			mergedPages[rp.ID] = rp
			pagesFromRemote++
		}
	}

	if err := e.coord.ReplaceAll(ctx, mergedTags, mergedPages); err != nil {
		return fmt.Errorf("failed to install merged dataset: %w", err)
	}

	replayed, requeued, err := e.queue.Drain(ctx, func(change PendingChange) error {
		return e.replay(ctx, userID, change)
	})
	if err != nil {
		return fmt.Errorf("failed to persist queue after replay: %w", err)
	}

	e.logger.Printf("Full sync complete: tags=%d (%d remote wins), pages=%d (%d remote wins), replayed=%d, requeued=%d",
		len(mergedTags), tagsFromRemote, len(mergedPages), pagesFromRemote, replayed, requeued)
	return nil
}

func (e *Engine) replay(ctx context.Context, userID string, change PendingChange) error {
	switch change.Type {
	case EntityTag:
		if change.Operation == OpDelete {
			return e.backend.DeleteTag(ctx, userID, change.ID)
		}
		var tag graph.Tag
		if err := json.Unmarshal(change.Data, &tag); err != nil {
			return fmt.Errorf("corrupt queued tag %s: %w", change.ID, err)
		}
		return e.backend.UpsertTag(ctx, userID, &tag)
	case EntityPage:
		if change.Operation == OpDelete {
			return e.backend.DeletePage(ctx, userID, change.ID)
		}
		var page graph.Page
		if err := json.Unmarshal(change.Data, &page); err != nil {
			return fmt.Errorf("corrupt queued page %s: %w", change.ID, err)
		}
		return e.backend.UpsertPage(ctx, userID, &page)
	default:
		return fmt.Errorf("unknown entity type %q", change.Type)
	}
}

// Start opens the realtime change stream for the signed-in user and
// applies remote changes under the last-write-wins guard. It returns
// immediately; Stop tears the stream down.
func (e *Engine) Start(ctx context.Context) error {
	userID := e.user()
	if userID == "" {
		return ErrNotAuthenticated
	}

	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	sub := e.backend.Subscribe(userID)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer sub.Cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.C:
				if !ok {
					return
				}
				if err := e.applyRemoteChange(ctx, ev); err != nil {
					e.logger.Printf("Failed to apply remote change (%s %s): %v", ev.EventType, ev.Table, err)
				}
			}
		}
	}()
	return nil
}

// Stop tears down the realtime stream and waits for it to finish.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// applyRemoteChange applies one change notification. Upserted rows go
// through the coordinator's last-write-wins apply, so an echo of this
// device's own just-written change never overwrites a newer local edit.
func (e *Engine) applyRemoteChange(ctx context.Context, ev remote.ChangeEvent) error {
	switch ev.Table {
	case remote.TableTags:
		if ev.EventType == remote.EventDelete {
			var old graph.Tag
			if err := json.Unmarshal(ev.Old, &old); err != nil {
				return fmt.Errorf("corrupt delete event: %w", err)
			}
			return e.coord.ApplyRemoteDelete(ctx, txn.EntityTag, old.ID)
		}
		var tag graph.Tag
		if err := json.Unmarshal(ev.New, &tag); err != nil {
			return fmt.Errorf("corrupt tag event: %w", err)
		}
		_, err := e.coord.ApplyRemoteTag(ctx, &tag)
		return err
	case remote.TablePages:
		if ev.EventType == remote.EventDelete {
			var old graph.Page
			if err := json.Unmarshal(ev.Old, &old); err != nil {
				return fmt.Errorf("corrupt delete event: %w", err)
			}
			return e.coord.ApplyRemoteDelete(ctx, txn.EntityPage, old.ID)
		}
		var page graph.Page
		if err := json.Unmarshal(ev.New, &page); err != nil {
			return fmt.Errorf("corrupt page event: %w", err)
		}
		_, err := e.coord.ApplyRemotePage(ctx, &page)
		return err
	default:
		return fmt.Errorf("unknown table %q", ev.Table)
	}
}

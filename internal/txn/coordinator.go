// Package txn turns named operations against the graph store into atomic,
// committed units.
//
// The coordinator is the sole writer of graph state to the persistence
// adapter. Every request follows the same protocol: rehydrate the store
// from durable storage if this is the first request, dispatch the method
// through a closed switch, and on success commit the full graph snapshot
// back to the adapter. A store-changed event is published after each
// successful commit.
package txn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"runtime/debug"
	"sync"

	"github.com/tagweave/tagweave/internal/graph"
	"github.com/tagweave/tagweave/internal/storage"
)

// Coordinator dispatches operations and owns the commit boundary.
type Coordinator struct {
	store   *graph.Store
	adapter storage.Adapter
	bus     *Bus
	logger  *log.Logger

	// IncludeStacks attaches a goroutine stack to error responses.
	// Leave false in production builds.
	IncludeStacks bool

	// mu serializes handler execution and its commit. Two concurrent
	// requests never interleave inside the dispatch path; commits are
	// last-write-wins full snapshots.
	mu sync.Mutex

	// loadOnce is the shared one-time rehydration. Every request awaits
	// the same in-flight load and observes the same completed state.
	loadOnce sync.Once
	loadErr  error
}

// New creates a coordinator around the given store and adapter. A nil
// bus or logger gets a working default.
func New(store *graph.Store, adapter storage.Adapter, bus *Bus, logger *log.Logger) *Coordinator {
	if bus == nil {
		bus = NewBus()
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[txn] ", log.LstdFlags)
	}
	return &Coordinator{
		store:   store,
		adapter: adapter,
		bus:     bus,
		logger:  logger,
	}
}

// Bus returns the event bus commits are published to.
func (c *Coordinator) Bus() *Bus {
	return c.bus
}

// Rehydrate loads the graph from durable storage. It runs at most once;
// concurrent callers share the outcome. A store that was never persisted
// rehydrates to empty.
func (c *Coordinator) Rehydrate(ctx context.Context) error {
	c.loadOnce.Do(func() {
		c.loadErr = c.load(ctx)
	})
	return c.loadErr
}

func (c *Coordinator) load(ctx context.Context) error {
	tags := make(map[string]*graph.Tag)
	pages := make(map[string]*graph.Page)

	if data, err := c.adapter.Get(ctx, storage.KeyTags); err == nil {
		if err := json.Unmarshal(data, &tags); err != nil {
			return fmt.Errorf("corrupt tags blob: %w", err)
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to load tags: %w", err)
	}

	if data, err := c.adapter.Get(ctx, storage.KeyPages); err == nil {
		if err := json.Unmarshal(data, &pages); err != nil {
			return fmt.Errorf("corrupt pages blob: %w", err)
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to load pages: %w", err)
	}

	c.mu.Lock()
	c.store.ReplaceAll(tags, pages)
	c.mu.Unlock()

	c.logger.Printf("Rehydrated store: %d tags, %d pages", len(tags), len(pages))
	return nil
}

// Reload re-reads the graph from the adapter, replacing in-memory state.
// The daemon calls this when another process wrote the backing files.
func (c *Coordinator) Reload(ctx context.Context) error {
	if err := c.Rehydrate(ctx); err != nil {
		return err
	}
	if err := c.load(ctx); err != nil {
		return err
	}
	c.bus.Publish(Event{Entity: EntityStore, Op: OpReplace, Origin: OriginSync})
	return nil
}

// commit persists the full current graph snapshot. Callers hold c.mu.
func (c *Coordinator) commit(ctx context.Context) error {
	tags, pages := c.store.Snapshot()

	tagsBlob, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}
	pagesBlob, err := json.Marshal(pages)
	if err != nil {
		return fmt.Errorf("failed to marshal pages: %w", err)
	}

	if err := c.adapter.Set(ctx, storage.KeyTags, tagsBlob); err != nil {
		return fmt.Errorf("failed to persist tags: %w", err)
	}
	if err := c.adapter.Set(ctx, storage.KeyPages, pagesBlob); err != nil {
		return fmt.Errorf("failed to persist pages: %w", err)
	}
	return nil
}

// Handle executes one request end to end and always returns a response
// carrying the request id.
func (c *Coordinator) Handle(ctx context.Context, req Request) Response {
	if err := c.Rehydrate(ctx); err != nil {
		return c.fail(req.ID, CodePersistenceError, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	result, events, mutated, err := c.dispatch(req)
	if err != nil {
		var verr *graph.ValidationError
		if errors.As(err, &verr) {
			return c.fail(req.ID, CodeValidationError, err)
		}
		var herr *Error
		if errors.As(err, &herr) {
			return Response{ID: req.ID, Err: herr}
		}
		return c.fail(req.ID, CodeInternalError, err)
	}

	if mutated {
		if err := c.commit(ctx); err != nil {
			// The in-memory mutation stands; durable storage is now
			// behind until the next successful commit or full sync.
			c.logger.Printf("Commit failed for %s (%s): %v; memory and storage diverge", req.Method, req.ID, err)
			return c.fail(req.ID, CodePersistenceError, err)
		}
		for _, ev := range events {
			ev.Origin = OriginLocal
			c.bus.Publish(ev)
		}
	}

	return Response{ID: req.ID, Result: result}
}

func (c *Coordinator) fail(id, code string, err error) Response {
	e := &Error{Code: code, Message: err.Error()}
	if c.IncludeStacks {
		e.Stack = string(debug.Stack())
	}
	return Response{ID: id, Err: e}
}

// dispatch routes the request through the closed method set. It returns
// the handler result, the events to publish after commit, and whether
// the graph was mutated (only mutating methods pay a commit).
func (c *Coordinator) dispatch(req Request) (any, []Event, bool, error) {
	switch req.Method {
	case MethodCreateTag:
		var name, description, color string
		if err := decodeArgs(req.Args, &name, &description, &color); err != nil {
			return nil, nil, false, err
		}
		tag, err := c.store.CreateTag(name, description, color)
		if err != nil {
			return nil, nil, false, err
		}
		return tag, []Event{{Entity: EntityTag, Op: OpCreate, ID: tag.ID}}, true, nil

	case MethodFindTagByName:
		var name string
		if err := decodeArgs(req.Args, &name); err != nil {
			return nil, nil, false, err
		}
		return c.store.FindTagByName(name), nil, false, nil

	case MethodCreateTagAndAddToPage:
		var name, pageID string
		if err := decodeArgs(req.Args, &name, &pageID); err != nil {
			return nil, nil, false, err
		}
		tag, err := c.store.CreateTagAndAddToPage(name, pageID)
		if err != nil {
			return nil, nil, false, err
		}
		events := []Event{
			{Entity: EntityTag, Op: OpUpdate, ID: tag.ID},
			{Entity: EntityPage, Op: OpUpdate, ID: pageID},
		}
		return tag, events, true, nil

	case MethodBindTags:
		var a, b string
		if err := decodeArgs(req.Args, &a, &b); err != nil {
			return nil, nil, false, err
		}
		ok := c.store.BindTags(a, b)
		events := []Event{
			{Entity: EntityTag, Op: OpUpdate, ID: a},
			{Entity: EntityTag, Op: OpUpdate, ID: b},
		}
		return ok, events, ok, nil

	case MethodUnbindTags:
		var a, b string
		if err := decodeArgs(req.Args, &a, &b); err != nil {
			return nil, nil, false, err
		}
		ok := c.store.UnbindTags(a, b)
		events := []Event{
			{Entity: EntityTag, Op: OpUpdate, ID: a},
			{Entity: EntityTag, Op: OpUpdate, ID: b},
		}
		return ok, events, ok, nil

	case MethodAddTagToPage:
		var pageID, tagID string
		if err := decodeArgs(req.Args, &pageID, &tagID); err != nil {
			return nil, nil, false, err
		}
		ok := c.store.AddTagToPage(pageID, tagID)
		return ok, []Event{{Entity: EntityPage, Op: OpUpdate, ID: pageID}}, ok, nil

	case MethodRemoveTagFromPage:
		var pageID, tagID string
		if err := decodeArgs(req.Args, &pageID, &tagID); err != nil {
			return nil, nil, false, err
		}
		ok := c.store.RemoveTagFromPage(pageID, tagID)
		return ok, []Event{{Entity: EntityPage, Op: OpUpdate, ID: pageID}}, ok, nil

	case MethodDeleteTag:
		var tagID string
		if err := decodeArgs(req.Args, &tagID); err != nil {
			return nil, nil, false, err
		}
		ok := c.store.DeleteTag(tagID)
		return ok, []Event{{Entity: EntityTag, Op: OpDelete, ID: tagID}}, ok, nil

	case MethodRenameTag:
		var tagID, name string
		if err := decodeArgs(req.Args, &tagID, &name); err != nil {
			return nil, nil, false, err
		}
		ok, err := c.store.RenameTag(tagID, name)
		if err != nil {
			return nil, nil, false, err
		}
		return ok, []Event{{Entity: EntityTag, Op: OpUpdate, ID: tagID}}, ok, nil

	case MethodCleanupUnusedTags:
		deleted := c.store.CleanupUnusedTags()
		var events []Event
		for _, id := range deleted {
			events = append(events, Event{Entity: EntityTag, Op: OpDelete, ID: id})
		}
		return deleted, events, len(deleted) > 0, nil

	case MethodCreateOrUpdatePage:
		var url, title, domain, favicon string
		if err := decodeArgs(req.Args, &url, &title, &domain, &favicon); err != nil {
			return nil, nil, false, err
		}
		page, err := c.store.CreateOrUpdatePage(url, title, domain, favicon)
		if err != nil {
			return nil, nil, false, err
		}
		return page, []Event{{Entity: EntityPage, Op: OpUpdate, ID: page.ID}}, true, nil

	case MethodUpdatePageTitle:
		var pageID, title string
		if err := decodeArgs(req.Args, &pageID, &title); err != nil {
			return nil, nil, false, err
		}
		ok := c.store.UpdatePageTitle(pageID, title)
		return ok, []Event{{Entity: EntityPage, Op: OpUpdate, ID: pageID}}, ok, nil

	case MethodGetTaggedPages:
		var tagID string
		if err := decodeArgs(req.Args, &tagID); err != nil {
			return nil, nil, false, err
		}
		return c.store.GetTaggedPages(tagID), nil, false, nil

	case MethodGetTagUsageCounts:
		return c.store.GetAllTagUsageCounts(), nil, false, nil

	case MethodGetTagByID:
		var tagID string
		if err := decodeArgs(req.Args, &tagID); err != nil {
			return nil, nil, false, err
		}
		return c.store.GetTagByID(tagID), nil, false, nil

	case MethodGetAllTags:
		return c.store.AllTags(), nil, false, nil

	case MethodGetAllPages:
		return c.store.AllPages(), nil, false, nil

	case MethodGetDataStats:
		return c.store.Stats(), nil, false, nil

	case MethodExportData:
		payload, err := c.store.ExportData()
		if err != nil {
			return nil, nil, false, err
		}
		return payload, nil, false, nil

	case MethodImportData:
		var payload string
		var overwrite bool
		if err := decodeArgs(req.Args, &payload, &overwrite); err != nil {
			return nil, nil, false, err
		}
		result := c.store.ImportData(payload, overwrite)
		return result, []Event{{Entity: EntityStore, Op: OpReplace}}, result.Success, nil

	case MethodClearAllData:
		c.store.ClearAll()
		return true, []Event{{Entity: EntityStore, Op: OpReplace}}, true, nil

	default:
		return nil, nil, false, &Error{
			Code:    CodeHandlerNotFound,
			Message: fmt.Sprintf("no handler for method %q", req.Method),
		}
	}
}

// Snapshot rehydrates if needed and returns deep copies of both
// collections from one consistent view.
func (c *Coordinator) Snapshot(ctx context.Context) (map[string]*graph.Tag, map[string]*graph.Page, error) {
	if err := c.Rehydrate(ctx); err != nil {
		return nil, nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	tags, pages := c.store.Snapshot()
	return tags, pages, nil
}

// ReplaceAll swaps in a merged dataset and commits it. The sync engine
// uses this to install a bulk-merge result.
func (c *Coordinator) ReplaceAll(ctx context.Context, tags map[string]*graph.Tag, pages map[string]*graph.Page) error {
	if err := c.Rehydrate(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store.ReplaceAll(tags, pages)
	if err := c.commit(ctx); err != nil {
		return err
	}
	c.bus.Publish(Event{Entity: EntityStore, Op: OpReplace, Origin: OriginSync})
	return nil
}

// ApplyRemoteTag applies a remote tag version if it is strictly newer
// than the local one (last-write-wins). Returns whether it was applied.
func (c *Coordinator) ApplyRemoteTag(ctx context.Context, tag *graph.Tag) (bool, error) {
	if err := c.Rehydrate(ctx); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if local := c.store.GetTagByID(tag.ID); local != nil && !tag.UpdatedAt.After(local.UpdatedAt) {
		return false, nil
	}
	if err := c.store.PutTag(tag); err != nil {
		return false, err
	}
	if err := c.commit(ctx); err != nil {
		return false, err
	}
	c.bus.Publish(Event{Entity: EntityTag, Op: OpUpdate, ID: tag.ID, Origin: OriginSync})
	return true, nil
}

// ApplyRemotePage applies a remote page version under the same
// last-write-wins rule as ApplyRemoteTag.
func (c *Coordinator) ApplyRemotePage(ctx context.Context, page *graph.Page) (bool, error) {
	if err := c.Rehydrate(ctx); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if local := c.store.GetPageByID(page.ID); local != nil && !page.UpdatedAt.After(local.UpdatedAt) {
		return false, nil
	}
	if err := c.store.PutPage(page); err != nil {
		return false, err
	}
	if err := c.commit(ctx); err != nil {
		return false, err
	}
	c.bus.Publish(Event{Entity: EntityPage, Op: OpUpdate, ID: page.ID, Origin: OriginSync})
	return true, nil
}

// ApplyRemoteDelete removes an entity deleted on another device. No
// cascade runs for tags: page references left behind are the tolerated
// dangling case.
func (c *Coordinator) ApplyRemoteDelete(ctx context.Context, entity EntityKind, id string) error {
	if err := c.Rehydrate(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch entity {
	case EntityTag:
		c.store.RemoveTag(id)
	case EntityPage:
		c.store.RemovePage(id)
	default:
		return fmt.Errorf("unknown entity kind %q", entity)
	}
	if err := c.commit(ctx); err != nil {
		return err
	}
	c.bus.Publish(Event{Entity: entity, Op: OpDelete, ID: id, Origin: OriginSync})
	return nil
}

// GetTag rehydrates if needed and returns a copy of the tag, or nil.
func (c *Coordinator) GetTag(ctx context.Context, id string) (*graph.Tag, error) {
	if err := c.Rehydrate(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.GetTagByID(id), nil
}

// GetPage rehydrates if needed and returns a copy of the page, or nil.
func (c *Coordinator) GetPage(ctx context.Context, id string) (*graph.Page, error) {
	if err := c.Rehydrate(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.GetPageByID(id), nil
}

// Stats rehydrates if needed and returns collection sizes.
func (c *Coordinator) Stats(ctx context.Context) (graph.Stats, error) {
	if err := c.Rehydrate(ctx); err != nil {
		return graph.Stats{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Stats(), nil
}

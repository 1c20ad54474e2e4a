// Package daemon hosts the background engine: it bridges local commits
// to the sync engine, reloads the store when another process writes the
// backing files, and runs periodic full syncs.
//
// The daemon:
// 1. Subscribes to commit events and marks changed entities for upload
// 2. Watches the data directory for writes by other processes
// 3. Periodically triggers a full sync
// 4. Handles graceful shutdown
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	stdsync "sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tagweave/tagweave/internal/sync"
	"github.com/tagweave/tagweave/internal/txn"
)

// Config holds configuration for the daemon.
type Config struct {
	// SyncInterval is how often to run a full sync (0 disables).
	SyncInterval time.Duration

	// DebounceInterval is how long to wait before reacting to file
	// changes, batching rapid writes together.
	DebounceInterval time.Duration

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:     5 * time.Minute,
		DebounceInterval: 200 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon orchestrates the background half of the core.
type Daemon struct {
	coord    *txn.Coordinator
	engine   *sync.Engine
	watchDir string
	config   *Config

	watcher       *fsnotify.Watcher
	commits       *txn.Subscription
	changeQueue   map[string]time.Time // filepath -> last event time
	changeQueueMu stdsync.Mutex

	// lastLocalCommit suppresses reloads for file events caused by this
	// process's own commits.
	lastLocalCommit   time.Time
	lastLocalCommitMu stdsync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     stdsync.WaitGroup
}

// New creates a daemon. watchDir is the persistence adapter's data
// directory; pass "" to disable out-of-process change watching.
func New(coord *txn.Coordinator, engine *sync.Engine, watchDir string, config *Config) (*Daemon, error) {
	if coord == nil {
		return nil, fmt.Errorf("coordinator cannot be nil")
	}
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}

	var watcher *fsnotify.Watcher
	if watchDir != "" {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("failed to create watcher: %w", err)
		}
		watcher = w
	}

	ctx, cancel := context.WithCancel(context.Background())

	// Subscribe here, not in Start: Start usually runs on its own
	// goroutine and a commit published before the subscription exists
	// would be dropped by the bus and never marked for upload.
	return &Daemon{
		coord:       coord,
		engine:      engine,
		watchDir:    watchDir,
		config:      config,
		watcher:     watcher,
		commits:     coord.Bus().Subscribe(),
		changeQueue: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start begins the daemon's operation. It blocks until ctx is cancelled.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	if err := d.coord.Rehydrate(ctx); err != nil {
		return fmt.Errorf("initial rehydration failed: %w", err)
	}

	// Initial reconciliation is detached: an unauthenticated or offline
	// start must not keep the daemon from serving.
	d.engine.TriggerBackgroundSync()

	d.wg.Add(1)
	go d.relayCommits(d.commits)

	if d.watcher != nil {
		if err := d.watcher.Add(d.watchDir); err != nil {
			return fmt.Errorf("failed to watch data directory: %w", err)
		}
		d.config.Logger.Printf("Watching: %s", d.watchDir)
		d.wg.Add(2)
		go d.watchFileEvents()
		go d.processChangeQueue()
	}

	if d.config.SyncInterval > 0 {
		d.wg.Add(1)
		go d.periodicSync()
	}

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts the daemon down.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping daemon")
	d.cancel()
	d.commits.Cancel()
	if d.watcher != nil {
		if err := d.watcher.Close(); err != nil {
			d.config.Logger.Printf("Error closing watcher: %v", err)
		}
	}
	d.wg.Wait()
	d.config.Logger.Println("Daemon stopped")
	return nil
}

// relayCommits marks locally-committed entity changes for upload. Sync
// is best-effort relative to the mutation: mark failures are logged,
// never surfaced to the mutating caller.
func (d *Daemon) relayCommits(sub *txn.Subscription) {
	defer d.wg.Done()
	defer sub.Cancel()

	for {
		select {
		case <-d.ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			d.lastLocalCommitMu.Lock()
			d.lastLocalCommit = time.Now()
			d.lastLocalCommitMu.Unlock()
			if ev.Origin != txn.OriginLocal {
				continue
			}
			if err := d.markChange(ev); err != nil {
				d.config.Logger.Printf("Failed to mark %s %s %s: %v", ev.Op, ev.Entity, ev.ID, err)
			}
		}
	}
}

func (d *Daemon) markChange(ev txn.Event) error {
	ctx, cancel := context.WithTimeout(d.ctx, 10*time.Second)
	defer cancel()

	switch ev.Entity {
	case txn.EntityTag:
		if ev.Op == txn.OpDelete {
			return d.engine.MarkTagChange(ctx, sync.OpDelete, ev.ID, nil)
		}
		tag, err := d.coord.GetTag(ctx, ev.ID)
		if err != nil {
			return err
		}
		if tag == nil {
			// Deleted between commit and relay; the delete event follows.
			return nil
		}
		op := sync.OpUpdate
		if ev.Op == txn.OpCreate {
			op = sync.OpCreate
		}
		return d.engine.MarkTagChange(ctx, op, ev.ID, tag)

	case txn.EntityPage:
		if ev.Op == txn.OpDelete {
			return d.engine.MarkPageChange(ctx, sync.OpDelete, ev.ID, nil)
		}
		page, err := d.coord.GetPage(ctx, ev.ID)
		if err != nil {
			return err
		}
		if page == nil {
			return nil
		}
		op := sync.OpUpdate
		if ev.Op == txn.OpCreate {
			op = sync.OpCreate
		}
		return d.engine.MarkPageChange(ctx, op, ev.ID, page)

	case txn.EntityStore:
		// Bulk replaces (import, clear) are reconciled by a full sync
		// rather than per-entity marks.
		d.engine.TriggerBackgroundSync()
		return nil

	default:
		return fmt.Errorf("unknown entity kind %q", ev.Entity)
	}
}

// watchFileEvents queues relevant file change notifications.
func (d *Daemon) watchFileEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if !d.isRelevantFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			d.changeQueueMu.Lock()
			d.changeQueue[event.Name] = time.Now()
			d.changeQueueMu.Unlock()
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// processChangeQueue reloads the store once file writes settle.
func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.changeQueueMu.Lock()
			ready := false
			cutoff := time.Now().Add(-d.config.DebounceInterval)
			for path, ts := range d.changeQueue {
				if ts.Before(cutoff) {
					delete(d.changeQueue, path)
					ready = true
				}
			}
			d.changeQueueMu.Unlock()

			if !ready {
				continue
			}
			d.lastLocalCommitMu.Lock()
			ownWrite := time.Since(d.lastLocalCommit) < 2*d.config.DebounceInterval
			d.lastLocalCommitMu.Unlock()
			if ownWrite {
				continue
			}
			d.config.Logger.Println("Data files changed externally, reloading store")
			if err := d.coord.Reload(d.ctx); err != nil {
				d.config.Logger.Printf("Reload failed: %v", err)
				continue
			}
			d.engine.TriggerBackgroundSync()
		}
	}
}

// periodicSync runs full syncs on the configured interval.
func (d *Daemon) periodicSync() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			if err := d.engine.SyncAll(d.ctx); err != nil && err != sync.ErrSyncInProgress {
				d.config.Logger.Printf("Periodic sync failed: %v", err)
			}
		}
	}
}

// isRelevantFile filters watcher events down to the adapter's blobs.
func (d *Daemon) isRelevantFile(path string) bool {
	name := filepath.Base(path)
	return strings.HasSuffix(name, ".json") && !strings.HasSuffix(name, ".tmp")
}

package sync

import (
	"context"
	"log"
)

// Detach runs task on its own goroutine. The task's error is logged and
// never propagated: this is the explicit form of fire-and-forget, used
// where a caller wants a background sync without coupling its own
// success to the sync outcome.
func Detach(logger *log.Logger, name string, task func(context.Context) error) {
	go func() {
		if err := task(context.Background()); err != nil {
			logger.Printf("Detached task %s failed: %v", name, err)
		}
	}()
}

// TriggerBackgroundSync kicks off a detached full sync. An already
// running sync makes this a logged no-op.
func (e *Engine) TriggerBackgroundSync() {
	Detach(e.logger, "background sync", func(ctx context.Context) error {
		err := e.SyncAll(ctx)
		if err == ErrSyncInProgress {
			return nil
		}
		return err
	})
}

// Package storage defines the key/value persistence boundary the core
// writes its durable state through.
//
// The adapter is a plain blob store: no transactions, no ordering
// guarantees across keys. The transaction coordinator is the only writer
// of graph state; the sync engine owns the pending-change and cursor keys.
package storage

import (
	"context"
	"errors"
)

// Well-known keys used by the core.
const (
	KeyTags           = "tags"
	KeyPages          = "pages"
	KeyPendingChanges = "pending_changes"
	KeySyncCursor     = "sync_cursor"
)

// ErrNotFound is returned by Get when the key has never been written.
var ErrNotFound = errors.New("storage: key not found")

// Adapter is the durable key→blob store the core persists through.
// Implementations must tolerate concurrent readers but may assume a
// single writer per key.
type Adapter interface {
	// Get returns the blob stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set durably stores the blob under key, replacing any prior value.
	Set(ctx context.Context, key string, value []byte) error

	// Remove deletes the key. Removing an absent key is a no-op.
	Remove(ctx context.Context, key string) error
}

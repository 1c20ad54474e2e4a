package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileAdapter stores each key as one file under a data directory. This is
// the production adapter for a desktop/daemon deployment; a browser host
// substitutes its own extension-storage adapter behind the same interface.
type FileAdapter struct {
	dir string
}

// NewFileAdapter creates the data directory if needed and returns an
// adapter rooted there.
func NewFileAdapter(dir string) (*FileAdapter, error) {
	if dir == "" {
		return nil, fmt.Errorf("data directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return &FileAdapter{dir: dir}, nil
}

// Dir returns the backing directory. The daemon watches it for writes
// made by other processes sharing the store.
func (f *FileAdapter) Dir() string {
	return f.dir
}

// Path returns the file backing a key.
func (f *FileAdapter) Path(key string) string {
	return filepath.Join(f.dir, sanitizeKey(key)+".json")
}

// Get implements Adapter.
func (f *FileAdapter) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.Path(key))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return data, nil
}

// Set implements Adapter. The blob is written to a temp file and renamed
// so readers in other processes never observe a partial write.
func (f *FileAdapter) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := f.Path(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, value, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", key, err)
	}
	return nil
}

// Remove implements Adapter.
func (f *FileAdapter) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(f.Path(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", key, err)
	}
	return nil
}

// sanitizeKey keeps key-derived filenames flat and predictable.
func sanitizeKey(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, key)
}

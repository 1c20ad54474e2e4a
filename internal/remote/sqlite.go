package remote

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tagweave/tagweave/internal/graph"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// SQLiteBackend implements Backend on an embedded SQLite database. Rows
// are keyed (id, user_id) and upserted with ON CONFLICT so concurrent
// devices resolve to last write. Change events are fanned out through an
// in-process notifier, which stands in for a hosted change stream when
// several engines share one database file.
type SQLiteBackend struct {
	conn     *sql.DB
	path     string
	notifier *notifier
}

// OpenSQLite opens (creating if needed) the backend database at path.
//
// The database runs in WAL mode for concurrent readers. The caller MUST
// call Close() when done.
func OpenSQLite(path string) (*SQLiteBackend, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	b := &SQLiteBackend{conn: conn, path: path, notifier: newNotifier()}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := b.conn.Exec(pragma); err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	if err := b.initSchema(); err != nil {
		_ = b.Close()
		return nil, err
	}
	return b, nil
}

func (b *SQLiteBackend) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tags (
		id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT,
		color TEXT,
		bindings TEXT NOT NULL DEFAULT '[]',  -- JSON array of tag ids
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (id, user_id)
	);

	CREATE TABLE IF NOT EXISTS pages (
		id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		url TEXT NOT NULL,
		title TEXT,
		domain TEXT,
		tags TEXT NOT NULL DEFAULT '[]',  -- JSON array of tag ids
		favicon TEXT,
		description TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (id, user_id)
	);

	CREATE INDEX IF NOT EXISTS idx_tags_user ON tags(user_id);
	CREATE INDEX IF NOT EXISTS idx_pages_user ON pages(user_id);
	CREATE INDEX IF NOT EXISTS idx_pages_user_updated ON pages(user_id, updated_at);
	`
	if _, err := b.conn.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Close closes the database and all change streams.
func (b *SQLiteBackend) Close() error {
	b.notifier.closeAll()
	if b.conn == nil {
		return nil
	}
	if _, err := b.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := b.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	b.conn = nil
	return nil
}

// Subscribe implements Backend.
func (b *SQLiteBackend) Subscribe(userID string) *Subscription {
	return b.notifier.subscribe(userID)
}

// UpsertTag implements Backend.
func (b *SQLiteBackend) UpsertTag(ctx context.Context, userID string, tag *graph.Tag) error {
	if err := tag.Validate(); err != nil {
		return fmt.Errorf("invalid tag: %w", err)
	}
	old, err := b.selectTag(ctx, userID, tag.ID)
	if err != nil {
		return err
	}

	bindingsJSON, err := json.Marshal(tag.Bindings)
	if err != nil {
		return fmt.Errorf("failed to marshal bindings: %w", err)
	}

	query := `
	INSERT INTO tags (id, user_id, name, description, color, bindings, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id, user_id) DO UPDATE SET
		name = excluded.name,
		description = excluded.description,
		color = excluded.color,
		bindings = excluded.bindings,
		updated_at = excluded.updated_at
	`
	_, err = b.conn.ExecContext(ctx, query,
		tag.ID, userID, tag.Name, tag.Description, tag.Color,
		string(bindingsJSON),
		tag.CreatedAt.UTC().Format(time.RFC3339Nano),
		tag.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert tag %s: %w", tag.ID, err)
	}

	b.notifyRow(userID, TableTags, old != nil, tag, old)
	return nil
}

// DeleteTag implements Backend. Deleting an absent row is a no-op.
func (b *SQLiteBackend) DeleteTag(ctx context.Context, userID, id string) error {
	old, err := b.selectTag(ctx, userID, id)
	if err != nil {
		return err
	}
	if _, err := b.conn.ExecContext(ctx, `DELETE FROM tags WHERE id = ? AND user_id = ?`, id, userID); err != nil {
		return fmt.Errorf("failed to delete tag %s: %w", id, err)
	}
	if old != nil {
		b.notifyDelete(userID, TableTags, old)
	}
	return nil
}

// SelectTags implements Backend.
func (b *SQLiteBackend) SelectTags(ctx context.Context, userID string) ([]*graph.Tag, error) {
	query := `
	SELECT id, name, description, color, bindings, created_at, updated_at
	FROM tags WHERE user_id = ?
	`
	rows, err := b.conn.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to select tags: %w", err)
	}
	defer rows.Close()

	var tags []*graph.Tag
	for rows.Next() {
		tag, err := scanTag(rows)
		if err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tags: %w", err)
	}
	return tags, nil
}

func (b *SQLiteBackend) selectTag(ctx context.Context, userID, id string) (*graph.Tag, error) {
	query := `
	SELECT id, name, description, color, bindings, created_at, updated_at
	FROM tags WHERE id = ? AND user_id = ?
	`
	row := b.conn.QueryRowContext(ctx, query, id, userID)
	tag, err := scanTag(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return tag, nil
}

// UpsertPage implements Backend.
func (b *SQLiteBackend) UpsertPage(ctx context.Context, userID string, page *graph.Page) error {
	if err := page.Validate(); err != nil {
		return fmt.Errorf("invalid page: %w", err)
	}
	old, err := b.selectPage(ctx, userID, page.ID)
	if err != nil {
		return err
	}

	tagsJSON, err := json.Marshal(page.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal page tags: %w", err)
	}

	query := `
	INSERT INTO pages (id, user_id, url, title, domain, tags, favicon, description, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id, user_id) DO UPDATE SET
		url = excluded.url,
		title = excluded.title,
		domain = excluded.domain,
		tags = excluded.tags,
		favicon = excluded.favicon,
		description = excluded.description,
		updated_at = excluded.updated_at
	`
	_, err = b.conn.ExecContext(ctx, query,
		page.ID, userID, page.URL, page.Title, page.Domain,
		string(tagsJSON), page.Favicon, page.Description,
		page.CreatedAt.UTC().Format(time.RFC3339Nano),
		page.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert page %s: %w", page.ID, err)
	}

	b.notifyRow(userID, TablePages, old != nil, page, old)
	return nil
}

// DeletePage implements Backend. Deleting an absent row is a no-op.
func (b *SQLiteBackend) DeletePage(ctx context.Context, userID, id string) error {
	old, err := b.selectPage(ctx, userID, id)
	if err != nil {
		return err
	}
	if _, err := b.conn.ExecContext(ctx, `DELETE FROM pages WHERE id = ? AND user_id = ?`, id, userID); err != nil {
		return fmt.Errorf("failed to delete page %s: %w", id, err)
	}
	if old != nil {
		b.notifyDelete(userID, TablePages, old)
	}
	return nil
}

// SelectPages implements Backend.
func (b *SQLiteBackend) SelectPages(ctx context.Context, userID string) ([]*graph.Page, error) {
	query := `
	SELECT id, url, title, domain, tags, favicon, description, created_at, updated_at
	FROM pages WHERE user_id = ?
	`
	rows, err := b.conn.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to select pages: %w", err)
	}
	defer rows.Close()

	var pages []*graph.Page
	for rows.Next() {
		page, err := scanPage(rows)
		if err != nil {
			return nil, err
		}
		pages = append(pages, page)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pages: %w", err)
	}
	return pages, nil
}

func (b *SQLiteBackend) selectPage(ctx context.Context, userID, id string) (*graph.Page, error) {
	query := `
	SELECT id, url, title, domain, tags, favicon, description, created_at, updated_at
	FROM pages WHERE id = ? AND user_id = ?
	`
	row := b.conn.QueryRowContext(ctx, query, id, userID)
	page, err := scanPage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return page, nil
}

func (b *SQLiteBackend) notifyRow(userID, table string, existed bool, newVal, oldVal any) {
	eventType := EventInsert
	if existed {
		eventType = EventUpdate
	}
	ev := ChangeEvent{Table: table, EventType: eventType}
	if data, err := json.Marshal(newVal); err == nil {
		ev.New = data
	}
	if existed {
		if data, err := json.Marshal(oldVal); err == nil {
			ev.Old = data
		}
	}
	b.notifier.publish(userID, ev)
}

func (b *SQLiteBackend) notifyDelete(userID, table string, oldVal any) {
	ev := ChangeEvent{Table: table, EventType: EventDelete}
	if data, err := json.Marshal(oldVal); err == nil {
		ev.Old = data
	}
	b.notifier.publish(userID, ev)
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTag(s scanner) (*graph.Tag, error) {
	var tag graph.Tag
	var description, color sql.NullString
	var bindingsJSON, createdAt, updatedAt string
	if err := s.Scan(&tag.ID, &tag.Name, &description, &color, &bindingsJSON, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan tag: %w", err)
	}
	tag.Description = description.String
	tag.Color = color.String
	if err := json.Unmarshal([]byte(bindingsJSON), &tag.Bindings); err != nil {
		return nil, fmt.Errorf("corrupt bindings for tag %s: %w", tag.ID, err)
	}
	var err error
	if tag.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("corrupt created_at for tag %s: %w", tag.ID, err)
	}
	if tag.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("corrupt updated_at for tag %s: %w", tag.ID, err)
	}
	return &tag, nil
}

func scanPage(s scanner) (*graph.Page, error) {
	var page graph.Page
	var title, domain, favicon, description sql.NullString
	var tagsJSON, createdAt, updatedAt string
	if err := s.Scan(&page.ID, &page.URL, &title, &domain, &tagsJSON, &favicon, &description, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan page: %w", err)
	}
	page.Title = title.String
	page.Domain = domain.String
	page.Favicon = favicon.String
	page.Description = description.String
	if err := json.Unmarshal([]byte(tagsJSON), &page.Tags); err != nil {
		return nil, fmt.Errorf("corrupt tags for page %s: %w", page.ID, err)
	}
	var err error
	if page.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("corrupt created_at for page %s: %w", page.ID, err)
	}
	if page.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("corrupt updated_at for page %s: %w", page.ID, err)
	}
	return &page, nil
}

func parseTime(value string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, value)
}

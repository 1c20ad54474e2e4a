// Package graph provides the in-memory tag/page graph that is the
// authoritative local dataset for tagweave.
//
// The graph holds two collections: tags (labels that can be bound to each
// other symmetrically) and pages (tracked URLs carrying an ordered set of
// tag ids). All operations are synchronous and in-memory; persistence and
// remote sync live in other packages and go through Snapshot/ReplaceAll.
package graph

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxTagNameLen is the maximum tag name length after trimming.
const MaxTagNameLen = 50

// DefaultTagColor is assigned when a tag is created without a color.
const DefaultTagColor = "#3b82f6"

// Tag is a named label. Bindings is a symmetric tag-to-tag relation:
// if A lists B, B lists A. It never contains the tag's own id or
// duplicates.
type Tag struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Color       string    `json:"color"`
	Bindings    []string  `json:"bindings"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Page is a tracked URL. Tags is an ordered set of tag ids; entries may
// reference tags that no longer exist (dangling references are tolerated,
// never auto-repaired).
type Page struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	Domain      string    `json:"domain"`
	Tags        []string  `json:"tags"`
	Favicon     string    `json:"favicon,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// ValidationError reports a rejected input. It is returned before any
// mutation is applied; a request that fails validation leaves the graph
// untouched.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Msg)
}

// NormalizeTagName trims and lowercases a tag name for id derivation and
// case-insensitive matching.
func NormalizeTagName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// TagID derives the deterministic id for a tag name. Identical normalized
// names always produce the same id, so repeated creates resolve to the
// same logical tag.
func TagID(name string) string {
	return "tag-" + shortHash(NormalizeTagName(name))
}

// PageID derives the deterministic id for a URL, stable across repeated
// visits.
func PageID(url string) string {
	return "page-" + shortHash(url)
}

func shortHash(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:8])
}

// ValidateTagName checks the [1,50] length rule after trimming. Length
// is counted in characters, not bytes, so multibyte names get the full
// fifty.
func ValidateTagName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return &ValidationError{Field: "name", Msg: "must not be empty"}
	}
	if n := utf8.RuneCountInString(trimmed); n > MaxTagNameLen {
		return &ValidationError{Field: "name", Msg: fmt.Sprintf("must be %d characters or less (got %d)", MaxTagNameLen, n)}
	}
	return nil
}

// Validate checks the Tag has valid field values.
func (t *Tag) Validate() error {
	if t.ID == "" {
		return &ValidationError{Field: "id", Msg: "is required"}
	}
	if err := ValidateTagName(t.Name); err != nil {
		return err
	}
	for _, b := range t.Bindings {
		if b == t.ID {
			return &ValidationError{Field: "bindings", Msg: "must not contain self-reference"}
		}
	}
	return nil
}

// Validate checks the Page has valid field values.
func (p *Page) Validate() error {
	if p.ID == "" {
		return &ValidationError{Field: "id", Msg: "is required"}
	}
	if p.URL == "" {
		return &ValidationError{Field: "url", Msg: "is required"}
	}
	return nil
}

// Clone returns a deep copy. Callers receive copies from the store so a
// held reference never aliases live graph state. An empty slice stays an
// empty slice: it must serialize as [] on the wire, not null.
func (t *Tag) Clone() *Tag {
	c := *t
	if t.Bindings != nil {
		c.Bindings = append(make([]string, 0, len(t.Bindings)), t.Bindings...)
	}
	return &c
}

// Clone returns a deep copy of the page.
func (p *Page) Clone() *Page {
	c := *p
	if p.Tags != nil {
		c.Tags = append(make([]string, 0, len(p.Tags)), p.Tags...)
	}
	return &c
}

// containsID reports whether ids contains id.
func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// removeID returns ids without id, preserving order.
func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

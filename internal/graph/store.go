package graph

import (
	"net/url"
	"sort"
	"strings"
	"time"
)

// Store is the in-memory authoritative collection of tags and pages.
//
// Store itself holds no locks: all mutation flows through the transaction
// coordinator, which serializes requests. Reads through the coordinator
// share the same discipline.
type Store struct {
	tags  map[string]*Tag
	pages map[string]*Page
	now   func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		tags:  make(map[string]*Tag),
		pages: make(map[string]*Page),
		now:   time.Now,
	}
}

// SetClock overrides the store's time source. Tests use this to pin
// timestamps for merge comparisons.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Stats summarizes the current collection sizes.
type Stats struct {
	TagsCount  int `json:"tagsCount"`
	PagesCount int `json:"pagesCount"`
}

// CreateTag creates a tag, or returns the existing one when the name
// resolves to an id already present (identical normalized names are the
// same logical tag).
func (s *Store) CreateTag(name, description, color string) (*Tag, error) {
	if err := ValidateTagName(name); err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(name)
	id := TagID(trimmed)
	if existing, ok := s.tags[id]; ok {
		return existing.Clone(), nil
	}
	if color == "" {
		color = DefaultTagColor
	}
	now := s.now()
	tag := &Tag{
		ID:          id,
		Name:        trimmed,
		Description: description,
		Color:       color,
		Bindings:    []string{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.tags[id] = tag
	return tag.Clone(), nil
}

// FindTagByName looks up a tag by case-insensitive exact match after
// trimming. Returns nil when absent.
func (s *Store) FindTagByName(name string) *Tag {
	want := NormalizeTagName(name)
	if want == "" {
		return nil
	}
	for _, tag := range s.tags {
		if NormalizeTagName(tag.Name) == want {
			return tag.Clone()
		}
	}
	return nil
}

// GetTagByID returns the tag or nil.
func (s *Store) GetTagByID(id string) *Tag {
	if tag, ok := s.tags[id]; ok {
		return tag.Clone()
	}
	return nil
}

// GetPageByID returns the page or nil.
func (s *Store) GetPageByID(id string) *Page {
	if page, ok := s.pages[id]; ok {
		return page.Clone()
	}
	return nil
}

// CreateTagAndAddToPage reuses an existing tag by name if found, otherwise
// creates one, then links it to the page. Linking twice is a no-op and
// returns the same tag. An unknown page fails validation before any tag
// is created.
func (s *Store) CreateTagAndAddToPage(name, pageID string) (*Tag, error) {
	if err := ValidateTagName(name); err != nil {
		return nil, err
	}
	if _, ok := s.pages[pageID]; !ok {
		return nil, &ValidationError{Field: "pageId", Msg: "unknown page"}
	}
	tag := s.FindTagByName(name)
	if tag == nil {
		created, err := s.CreateTag(name, "", "")
		if err != nil {
			return nil, err
		}
		tag = created
	}
	s.AddTagToPage(pageID, tag.ID)
	return tag, nil
}

// BindTags inserts each id into the other's bindings set, idempotently.
// Returns false if a == b or either id is unknown.
func (s *Store) BindTags(a, b string) bool {
	if a == b {
		return false
	}
	ta, okA := s.tags[a]
	tb, okB := s.tags[b]
	if !okA || !okB {
		return false
	}
	now := s.now()
	if !containsID(ta.Bindings, b) {
		ta.Bindings = append(ta.Bindings, b)
		ta.UpdatedAt = now
	}
	if !containsID(tb.Bindings, a) {
		tb.Bindings = append(tb.Bindings, a)
		tb.UpdatedAt = now
	}
	return true
}

// UnbindTags removes the symmetric binding. Removing a binding that does
// not exist is a successful no-op; false only when either tag is unknown.
func (s *Store) UnbindTags(a, b string) bool {
	ta, okA := s.tags[a]
	tb, okB := s.tags[b]
	if !okA || !okB {
		return false
	}
	now := s.now()
	if containsID(ta.Bindings, b) {
		ta.Bindings = removeID(ta.Bindings, b)
		ta.UpdatedAt = now
	}
	if containsID(tb.Bindings, a) {
		tb.Bindings = removeID(tb.Bindings, a)
		tb.UpdatedAt = now
	}
	return true
}

// AddTagToPage links a tag to a page. Returns false if either is unknown
// or the link already exists.
func (s *Store) AddTagToPage(pageID, tagID string) bool {
	page, okP := s.pages[pageID]
	if _, okT := s.tags[tagID]; !okT || !okP {
		return false
	}
	if containsID(page.Tags, tagID) {
		return false
	}
	page.Tags = append(page.Tags, tagID)
	page.UpdatedAt = s.now()
	return true
}

// RemoveTagFromPage unlinks a tag from a page. Returns false if the page
// is unknown or the link is absent. The tag itself need not exist: pages
// may carry dangling references and removing one must still work.
func (s *Store) RemoveTagFromPage(pageID, tagID string) bool {
	page, ok := s.pages[pageID]
	if !ok {
		return false
	}
	if !containsID(page.Tags, tagID) {
		return false
	}
	page.Tags = removeID(page.Tags, tagID)
	page.UpdatedAt = s.now()
	return true
}

// DeleteTag removes a tag and cascades: the id is dropped from every
// page's tag list and from every bound tag's bindings.
func (s *Store) DeleteTag(tagID string) bool {
	tag, ok := s.tags[tagID]
	if !ok {
		return false
	}
	now := s.now()
	for _, boundID := range tag.Bindings {
		if bound, ok := s.tags[boundID]; ok {
			bound.Bindings = removeID(bound.Bindings, tagID)
			bound.UpdatedAt = now
		}
	}
	for _, page := range s.pages {
		if containsID(page.Tags, tagID) {
			page.Tags = removeID(page.Tags, tagID)
			page.UpdatedAt = now
		}
	}
	delete(s.tags, tagID)
	return true
}

// RenameTag changes a tag's display name. The id stays stable (it was
// derived at creation); only the name and timestamp move. Returns false
// if the tag is unknown, an error if the new name fails validation.
func (s *Store) RenameTag(tagID, newName string) (bool, error) {
	tag, ok := s.tags[tagID]
	if !ok {
		return false, nil
	}
	if err := ValidateTagName(newName); err != nil {
		return false, err
	}
	tag.Name = strings.TrimSpace(newName)
	tag.UpdatedAt = s.now()
	return true, nil
}

// CleanupUnusedTags deletes every tag with zero page references and
// returns the deleted ids. Safe on an empty store.
func (s *Store) CleanupUnusedTags() []string {
	used := make(map[string]bool)
	for _, page := range s.pages {
		for _, tagID := range page.Tags {
			used[tagID] = true
		}
	}
	var deleted []string
	for id := range s.tags {
		if !used[id] {
			deleted = append(deleted, id)
		}
	}
	sort.Strings(deleted)
	for _, id := range deleted {
		s.DeleteTag(id)
	}
	return deleted
}

// CreateOrUpdatePage upserts a page by URL. On update, title/favicon may
// change but the tag list and CreatedAt are preserved.
func (s *Store) CreateOrUpdatePage(pageURL, title, domain, favicon string) (*Page, error) {
	if pageURL == "" {
		return nil, &ValidationError{Field: "url", Msg: "must not be empty"}
	}
	if domain == "" {
		domain = domainOf(pageURL)
	}
	id := PageID(pageURL)
	now := s.now()
	if existing, ok := s.pages[id]; ok {
		if title != "" {
			existing.Title = title
		}
		if favicon != "" {
			existing.Favicon = favicon
		}
		existing.Domain = domain
		existing.UpdatedAt = now
		return existing.Clone(), nil
	}
	page := &Page{
		ID:        id,
		URL:       pageURL,
		Title:     title,
		Domain:    domain,
		Tags:      []string{},
		Favicon:   favicon,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.pages[id] = page
	return page.Clone(), nil
}

// UpdatePageTitle sets a page's title. Returns false when the title is
// empty/whitespace or the page is unknown.
func (s *Store) UpdatePageTitle(pageID, title string) bool {
	if strings.TrimSpace(title) == "" {
		return false
	}
	page, ok := s.pages[pageID]
	if !ok {
		return false
	}
	page.Title = title
	page.UpdatedAt = s.now()
	return true
}

// GetTaggedPages returns pages sorted by UpdatedAt descending. With an
// empty tagID, every page with at least one tag entry is returned; with a
// tagID, pages whose tag list contains it (the tag itself may be dangling).
func (s *Store) GetTaggedPages(tagID string) []*Page {
	var result []*Page
	for _, page := range s.pages {
		if tagID == "" {
			if len(page.Tags) > 0 {
				result = append(result, page.Clone())
			}
		} else if containsID(page.Tags, tagID) {
			result = append(result, page.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].UpdatedAt.Equal(result[j].UpdatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})
	return result
}

// GetAllTagUsageCounts counts pages referencing each existing tag.
// Dangling ids referenced by pages are skipped, never reported and never
// an error.
func (s *Store) GetAllTagUsageCounts() map[string]int {
	counts := make(map[string]int, len(s.tags))
	for id := range s.tags {
		counts[id] = 0
	}
	for _, page := range s.pages {
		for _, tagID := range page.Tags {
			if _, ok := s.tags[tagID]; ok {
				counts[tagID]++
			}
		}
	}
	return counts
}

// AllTags returns every tag sorted by name.
func (s *Store) AllTags() []*Tag {
	result := make([]*Tag, 0, len(s.tags))
	for _, tag := range s.tags {
		result = append(result, tag.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		return NormalizeTagName(result[i].Name) < NormalizeTagName(result[j].Name)
	})
	return result
}

// AllPages returns every page sorted by UpdatedAt descending.
func (s *Store) AllPages() []*Page {
	result := make([]*Page, 0, len(s.pages))
	for _, page := range s.pages {
		result = append(result, page.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].UpdatedAt.Equal(result[j].UpdatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})
	return result
}

// Stats returns current collection sizes.
func (s *Store) Stats() Stats {
	return Stats{TagsCount: len(s.tags), PagesCount: len(s.pages)}
}

// Snapshot returns deep copies of both collections, keyed by id. The sync
// engine snapshots local state with this before any remote write so the
// merge works from one consistent view.
func (s *Store) Snapshot() (map[string]*Tag, map[string]*Page) {
	tags := make(map[string]*Tag, len(s.tags))
	for id, tag := range s.tags {
		tags[id] = tag.Clone()
	}
	pages := make(map[string]*Page, len(s.pages))
	for id, page := range s.pages {
		pages[id] = page.Clone()
	}
	return tags, pages
}

// ReplaceAll swaps in a full replacement dataset. Used by rehydration and
// by the sync merge, which re-initializes the store with the merged set.
func (s *Store) ReplaceAll(tags map[string]*Tag, pages map[string]*Page) {
	s.tags = make(map[string]*Tag, len(tags))
	for id, tag := range tags {
		s.tags[id] = tag.Clone()
	}
	s.pages = make(map[string]*Page, len(pages))
	for id, page := range pages {
		s.pages[id] = page.Clone()
	}
}

// PutTag inserts or replaces one tag wholesale. The realtime sync path
// uses this to apply a remote row that won the last-write-wins check.
func (s *Store) PutTag(tag *Tag) error {
	if err := tag.Validate(); err != nil {
		return err
	}
	s.tags[tag.ID] = tag.Clone()
	return nil
}

// PutPage inserts or replaces one page wholesale.
func (s *Store) PutPage(page *Page) error {
	if err := page.Validate(); err != nil {
		return err
	}
	s.pages[page.ID] = page.Clone()
	return nil
}

// RemoveTag deletes a tag without cascading. The realtime sync path uses
// this for remote DELETE events; page references left behind are the
// tolerated dangling case.
func (s *Store) RemoveTag(id string) {
	delete(s.tags, id)
}

// RemovePage deletes a page.
func (s *Store) RemovePage(id string) {
	delete(s.pages, id)
}

// ClearAll empties both collections.
func (s *Store) ClearAll() {
	s.tags = make(map[string]*Tag)
	s.pages = make(map[string]*Page)
}

func domainOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Host
}

package graph

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func newTestStore() *Store {
	s := NewStore()
	// Monotonic clock so UpdatedAt ordering is deterministic.
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	step := 0
	s.SetClock(func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Second)
	})
	return s
}

func mustCreateTag(t *testing.T, s *Store, name string) *Tag {
	t.Helper()
	tag, err := s.CreateTag(name, "", "")
	if err != nil {
		t.Fatalf("CreateTag(%q) failed: %v", name, err)
	}
	return tag
}

func mustCreatePage(t *testing.T, s *Store, url, title string) *Page {
	t.Helper()
	page, err := s.CreateOrUpdatePage(url, title, "", "")
	if err != nil {
		t.Fatalf("CreateOrUpdatePage(%q) failed: %v", url, err)
	}
	return page
}

func TestCreateTagValidation(t *testing.T) {
	s := newTestStore()

	if _, err := s.CreateTag("", "", ""); err == nil {
		t.Error("expected error for empty name")
	}
	if _, err := s.CreateTag("   ", "", ""); err == nil {
		t.Error("expected error for whitespace-only name")
	}
	if _, err := s.CreateTag(strings.Repeat("x", 51), "", ""); err == nil {
		t.Error("expected error for name over 50 chars")
	}
	if _, err := s.CreateTag("  "+strings.Repeat("x", 50)+"  ", "", ""); err != nil {
		t.Errorf("50 chars after trimming should be valid: %v", err)
	}
	// The limit counts characters, not bytes.
	if _, err := s.CreateTag(strings.Repeat("日", 50), "", ""); err != nil {
		t.Errorf("50 multibyte chars should be valid: %v", err)
	}
	if _, err := s.CreateTag(strings.Repeat("日", 51), "", ""); err == nil {
		t.Error("expected error for 51 multibyte chars")
	}
}

func TestCreateTagDefaults(t *testing.T) {
	s := newTestStore()

	tag := mustCreateTag(t, s, "  Frontend  ")
	if tag.Name != "Frontend" {
		t.Errorf("expected trimmed name %q, got %q", "Frontend", tag.Name)
	}
	if tag.Color != DefaultTagColor {
		t.Errorf("expected default color, got %q", tag.Color)
	}
	if tag.Bindings == nil || len(tag.Bindings) != 0 {
		t.Errorf("expected empty bindings, got %v", tag.Bindings)
	}
	if tag.CreatedAt.IsZero() || tag.UpdatedAt.IsZero() {
		t.Error("timestamps must be set")
	}
}

func TestTagIDDeterministic(t *testing.T) {
	if TagID("front") != TagID("Front ") {
		t.Error("trimmed case-insensitive names must derive the same id")
	}
	if TagID("front") == TagID("back") {
		t.Error("different names must derive different ids")
	}
	if PageID("https://a.example.com") != PageID("https://a.example.com") {
		t.Error("page ids must be stable")
	}
}

func TestCreateTagReusesExistingID(t *testing.T) {
	s := newTestStore()

	first := mustCreateTag(t, s, "Go")
	second := mustCreateTag(t, s, "go")
	if first.ID != second.ID {
		t.Errorf("expected same id for same normalized name, got %s and %s", first.ID, second.ID)
	}
	if s.Stats().TagsCount != 1 {
		t.Errorf("expected 1 tag, got %d", s.Stats().TagsCount)
	}
}

func TestFindTagByName(t *testing.T) {
	s := newTestStore()
	mustCreateTag(t, s, "Frontend")

	if tag := s.FindTagByName("  frontend "); tag == nil {
		t.Error("expected case-insensitive trimmed match")
	}
	if tag := s.FindTagByName("backend"); tag != nil {
		t.Errorf("expected nil for unknown name, got %v", tag)
	}
	if tag := s.FindTagByName("   "); tag != nil {
		t.Error("whitespace-only lookup must not match")
	}
}

func TestCreateTagAndAddToPage(t *testing.T) {
	s := newTestStore()
	page := mustCreatePage(t, s, "https://a.example.com", "A")

	first, err := s.CreateTagAndAddToPage("front", page.ID)
	if err != nil {
		t.Fatalf("CreateTagAndAddToPage failed: %v", err)
	}
	// Trailing space and different case resolve to the same tag.
	second, err := s.CreateTagAndAddToPage("Front ", page.ID)
	if err != nil {
		t.Fatalf("CreateTagAndAddToPage failed: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("expected same tag id, got %s and %s", first.ID, second.ID)
	}
	got := s.GetPageByID(page.ID)
	if len(got.Tags) != 1 || got.Tags[0] != first.ID {
		t.Errorf("expected page tags [%s], got %v", first.ID, got.Tags)
	}
	if s.Stats().TagsCount != 1 {
		t.Errorf("expected 1 tag, got %d", s.Stats().TagsCount)
	}
}

func TestCreateTagAndAddToPageUnknownPage(t *testing.T) {
	s := newTestStore()

	if _, err := s.CreateTagAndAddToPage("orphan", "page-missing"); err == nil {
		t.Fatal("expected error for unknown page")
	}
	// The failed link must not leave a stray tag behind.
	if s.Stats().TagsCount != 0 {
		t.Errorf("expected no tags created, got %d", s.Stats().TagsCount)
	}
}

func TestBindTagsSymmetry(t *testing.T) {
	s := newTestStore()
	a := mustCreateTag(t, s, "alpha")
	b := mustCreateTag(t, s, "beta")

	if !s.BindTags(a.ID, b.ID) {
		t.Fatal("BindTags failed")
	}
	// Idempotent: binding again must not duplicate.
	if !s.BindTags(b.ID, a.ID) {
		t.Fatal("re-bind failed")
	}

	gotA := s.GetTagByID(a.ID)
	gotB := s.GetTagByID(b.ID)
	if len(gotA.Bindings) != 1 || gotA.Bindings[0] != b.ID {
		t.Errorf("tag A bindings = %v, want [%s]", gotA.Bindings, b.ID)
	}
	if len(gotB.Bindings) != 1 || gotB.Bindings[0] != a.ID {
		t.Errorf("tag B bindings = %v, want [%s]", gotB.Bindings, a.ID)
	}

	if s.BindTags(a.ID, a.ID) {
		t.Error("self-binding must be rejected")
	}
	if s.BindTags(a.ID, "tag-missing") {
		t.Error("binding an unknown tag must be rejected")
	}
}

func TestUnbindTags(t *testing.T) {
	s := newTestStore()
	a := mustCreateTag(t, s, "alpha")
	b := mustCreateTag(t, s, "beta")
	s.BindTags(a.ID, b.ID)

	if !s.UnbindTags(a.ID, b.ID) {
		t.Fatal("UnbindTags failed")
	}
	if len(s.GetTagByID(a.ID).Bindings) != 0 || len(s.GetTagByID(b.ID).Bindings) != 0 {
		t.Error("bindings must be empty after unbind")
	}
	// Removing a non-existent binding is a successful no-op.
	if !s.UnbindTags(a.ID, b.ID) {
		t.Error("unbinding absent binding should succeed")
	}
	if s.UnbindTags(a.ID, "tag-missing") {
		t.Error("unbinding with unknown tag must fail")
	}
}

func TestAddTagToPageIdempotent(t *testing.T) {
	s := newTestStore()
	tag := mustCreateTag(t, s, "go")
	page := mustCreatePage(t, s, "https://a.example.com", "A")

	if !s.AddTagToPage(page.ID, tag.ID) {
		t.Fatal("AddTagToPage failed")
	}
	if s.AddTagToPage(page.ID, tag.ID) {
		t.Error("second AddTagToPage must return false")
	}
	got := s.GetPageByID(page.ID)
	if len(got.Tags) != 1 {
		t.Errorf("expected tag exactly once, got %v", got.Tags)
	}

	if s.AddTagToPage("page-missing", tag.ID) {
		t.Error("unknown page must fail")
	}
	if s.AddTagToPage(page.ID, "tag-missing") {
		t.Error("unknown tag must fail")
	}
}

func TestRemoveTagFromPage(t *testing.T) {
	s := newTestStore()
	tag := mustCreateTag(t, s, "go")
	page := mustCreatePage(t, s, "https://a.example.com", "A")
	s.AddTagToPage(page.ID, tag.ID)

	if !s.RemoveTagFromPage(page.ID, tag.ID) {
		t.Fatal("RemoveTagFromPage failed")
	}
	if s.RemoveTagFromPage(page.ID, tag.ID) {
		t.Error("removing absent link must return false")
	}
}

func TestDeleteTagCascades(t *testing.T) {
	s := newTestStore()
	target := mustCreateTag(t, s, "target")
	bound := mustCreateTag(t, s, "bound")
	s.BindTags(target.ID, bound.ID)

	p1 := mustCreatePage(t, s, "https://a.example.com", "A")
	p2 := mustCreatePage(t, s, "https://b.example.com", "B")
	s.AddTagToPage(p1.ID, target.ID)
	s.AddTagToPage(p2.ID, target.ID)

	if !s.DeleteTag(target.ID) {
		t.Fatal("DeleteTag failed")
	}
	if s.GetTagByID(target.ID) != nil {
		t.Error("deleted tag must be gone")
	}
	if containsID(s.GetPageByID(p1.ID).Tags, target.ID) {
		t.Error("p1 must no longer reference the deleted tag")
	}
	if containsID(s.GetPageByID(p2.ID).Tags, target.ID) {
		t.Error("p2 must no longer reference the deleted tag")
	}
	if containsID(s.GetTagByID(bound.ID).Bindings, target.ID) {
		t.Error("bound tag must no longer list the deleted tag")
	}
	if s.DeleteTag(target.ID) {
		t.Error("deleting an unknown tag must return false")
	}
}

func TestCleanupUnusedTags(t *testing.T) {
	s := newTestStore()

	// Must not throw on an empty store.
	if deleted := s.CleanupUnusedTags(); len(deleted) != 0 {
		t.Errorf("expected nothing deleted on empty store, got %v", deleted)
	}

	used := mustCreateTag(t, s, "used")
	unused := mustCreateTag(t, s, "unused")
	page := mustCreatePage(t, s, "https://a.example.com", "A")
	s.AddTagToPage(page.ID, used.ID)

	deleted := s.CleanupUnusedTags()
	if len(deleted) != 1 || deleted[0] != unused.ID {
		t.Errorf("expected [%s] deleted, got %v", unused.ID, deleted)
	}
	if s.GetTagByID(used.ID) == nil {
		t.Error("used tag must survive cleanup")
	}
}

func TestCreateOrUpdatePagePreservesTagsAndCreatedAt(t *testing.T) {
	s := newTestStore()
	tag := mustCreateTag(t, s, "go")
	page := mustCreatePage(t, s, "https://a.example.com/path", "A")
	s.AddTagToPage(page.ID, tag.ID)

	updated, err := s.CreateOrUpdatePage("https://a.example.com/path", "New title", "", "icon.png")
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if updated.ID != page.ID {
		t.Errorf("upsert must keep the id, got %s vs %s", updated.ID, page.ID)
	}
	if updated.Title != "New title" {
		t.Errorf("title not updated: %q", updated.Title)
	}
	if !updated.CreatedAt.Equal(page.CreatedAt) {
		t.Error("CreatedAt must be preserved on update")
	}
	if len(updated.Tags) != 1 || updated.Tags[0] != tag.ID {
		t.Errorf("tags must be preserved on update, got %v", updated.Tags)
	}
	if updated.Favicon != "icon.png" {
		t.Errorf("favicon not updated: %q", updated.Favicon)
	}
	if s.Stats().PagesCount != 1 {
		t.Errorf("expected 1 page, got %d", s.Stats().PagesCount)
	}
}

func TestCreateOrUpdatePageDomain(t *testing.T) {
	s := newTestStore()
	page := mustCreatePage(t, s, "https://news.example.com/article", "A")
	if page.Domain != "news.example.com" {
		t.Errorf("expected derived domain, got %q", page.Domain)
	}
}

func TestUpdatePageTitle(t *testing.T) {
	s := newTestStore()
	page := mustCreatePage(t, s, "https://a.example.com", "A")

	if !s.UpdatePageTitle(page.ID, "B") {
		t.Fatal("UpdatePageTitle failed")
	}
	if got := s.GetPageByID(page.ID); got.Title != "B" {
		t.Errorf("title = %q, want B", got.Title)
	}
	if s.UpdatePageTitle(page.ID, "   ") {
		t.Error("whitespace title must be rejected")
	}
	if s.UpdatePageTitle("page-missing", "X") {
		t.Error("unknown page must be rejected")
	}
}

func TestGetTaggedPages(t *testing.T) {
	s := newTestStore()
	tag := mustCreateTag(t, s, "go")
	p1 := mustCreatePage(t, s, "https://a.example.com", "A")
	p2 := mustCreatePage(t, s, "https://b.example.com", "B")
	mustCreatePage(t, s, "https://c.example.com", "C") // untagged
	s.AddTagToPage(p1.ID, tag.ID)
	s.AddTagToPage(p2.ID, tag.ID)

	all := s.GetTaggedPages("")
	if len(all) != 2 {
		t.Fatalf("expected 2 tagged pages, got %d", len(all))
	}
	// p2 was tagged later, so it sorts first.
	if all[0].ID != p2.ID {
		t.Errorf("expected most recently updated first, got %s", all[0].ID)
	}

	byTag := s.GetTaggedPages(tag.ID)
	if len(byTag) != 2 {
		t.Errorf("expected 2 pages for tag, got %d", len(byTag))
	}
	if got := s.GetTaggedPages("tag-missing"); len(got) != 0 {
		t.Errorf("expected no pages for missing tag, got %d", len(got))
	}
}

func TestDanglingTagReferencesTolerated(t *testing.T) {
	s := newTestStore()
	tag := mustCreateTag(t, s, "go")
	page := mustCreatePage(t, s, "https://a.example.com", "A")
	s.AddTagToPage(page.ID, tag.ID)

	// Simulate a partial import: the tag disappears without cascade.
	s.RemoveTag(tag.ID)

	counts := s.GetAllTagUsageCounts()
	if _, ok := counts[tag.ID]; ok {
		t.Error("dangling tag id must not appear in usage counts")
	}
	pages := s.GetTaggedPages(tag.ID)
	if len(pages) != 1 {
		t.Errorf("pages carrying a dangling reference are still returned, got %d", len(pages))
	}
	if !s.RemoveTagFromPage(page.ID, tag.ID) {
		t.Error("removing a dangling reference must succeed")
	}
}

func TestGetAllTagUsageCounts(t *testing.T) {
	s := newTestStore()
	a := mustCreateTag(t, s, "a")
	b := mustCreateTag(t, s, "b")
	p1 := mustCreatePage(t, s, "https://a.example.com", "A")
	p2 := mustCreatePage(t, s, "https://b.example.com", "B")
	s.AddTagToPage(p1.ID, a.ID)
	s.AddTagToPage(p2.ID, a.ID)

	counts := s.GetAllTagUsageCounts()
	if counts[a.ID] != 2 {
		t.Errorf("count[a] = %d, want 2", counts[a.ID])
	}
	if counts[b.ID] != 0 {
		t.Errorf("count[b] = %d, want 0", counts[b.ID])
	}
}

func TestRenameTag(t *testing.T) {
	s := newTestStore()
	tag := mustCreateTag(t, s, "old")

	ok, err := s.RenameTag(tag.ID, "  new name  ")
	if err != nil || !ok {
		t.Fatalf("RenameTag failed: ok=%v err=%v", ok, err)
	}
	if got := s.GetTagByID(tag.ID); got.Name != "new name" {
		t.Errorf("name = %q, want %q", got.Name, "new name")
	}
	if _, err := s.RenameTag(tag.ID, "  "); err == nil {
		t.Error("empty rename must fail validation")
	}
	if ok, _ := s.RenameTag("tag-missing", "x"); ok {
		t.Error("renaming unknown tag must return false")
	}
}

func TestDeleteTagScenario(t *testing.T) {
	s := newTestStore()
	page := mustCreatePage(t, s, "https://a.example.com", "A")
	tag, err := s.CreateTagAndAddToPage("Frontend", page.ID)
	if err != nil {
		t.Fatalf("CreateTagAndAddToPage failed: %v", err)
	}

	stats := s.Stats()
	if stats.TagsCount != 1 || stats.PagesCount != 1 {
		t.Fatalf("stats = %+v, want 1 tag / 1 page", stats)
	}

	s.DeleteTag(tag.ID)

	stats = s.Stats()
	if stats.TagsCount != 0 || stats.PagesCount != 1 {
		t.Errorf("stats = %+v, want 0 tags / 1 page", stats)
	}
	if got := s.GetPageByID(page.ID); len(got.Tags) != 0 {
		t.Errorf("page tags must be empty after delete, got %v", got.Tags)
	}
}

func TestEmptySlicesSerializeAsArrays(t *testing.T) {
	s := newTestStore()
	tag := mustCreateTag(t, s, "fresh")
	page := mustCreatePage(t, s, "https://a.example.com", "A")

	tagJSON, err := json.Marshal(tag)
	if err != nil {
		t.Fatalf("marshal tag failed: %v", err)
	}
	if strings.Contains(string(tagJSON), `"bindings":null`) {
		t.Errorf("fresh tag bindings serialize as null: %s", tagJSON)
	}
	pageJSON, err := json.Marshal(page)
	if err != nil {
		t.Fatalf("marshal page failed: %v", err)
	}
	if strings.Contains(string(pageJSON), `"tags":null`) {
		t.Errorf("fresh page tags serialize as null: %s", pageJSON)
	}
}

func TestSnapshotIsolation(t *testing.T) {
	s := newTestStore()
	tag := mustCreateTag(t, s, "go")

	tags, _ := s.Snapshot()
	tags[tag.ID].Name = "mutated"
	if got := s.GetTagByID(tag.ID); got.Name != "go" {
		t.Error("snapshot mutation must not leak into the store")
	}
}

package graph

import (
	"encoding/json"
	"testing"
)

func TestExportImportRoundTrip(t *testing.T) {
	s := newTestStore()
	a := mustCreateTag(t, s, "alpha")
	b := mustCreateTag(t, s, "beta")
	s.BindTags(a.ID, b.ID)
	page := mustCreatePage(t, s, "https://a.example.com", "A")
	s.AddTagToPage(page.ID, a.ID)

	payload, err := s.ExportData()
	if err != nil {
		t.Fatalf("ExportData failed: %v", err)
	}

	var env ExportEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		t.Fatalf("export is not valid JSON: %v", err)
	}
	if env.Version != ExportVersion {
		t.Errorf("version = %q, want %q", env.Version, ExportVersion)
	}
	if env.ExportDate == "" {
		t.Error("exportDate must be set")
	}

	restored := newTestStore()
	result := restored.ImportData(payload, false)
	if !result.Success {
		t.Fatalf("import failed: %s", result.Error)
	}
	if result.TagsImported != 2 || result.PagesImported != 1 {
		t.Errorf("imported %d tags / %d pages, want 2 / 1", result.TagsImported, result.PagesImported)
	}

	gotA := restored.GetTagByID(a.ID)
	if gotA == nil || gotA.Name != "alpha" {
		t.Fatalf("tag alpha not restored: %v", gotA)
	}
	if !containsID(gotA.Bindings, b.ID) {
		t.Error("bindings lost across round trip")
	}
	gotPage := restored.GetPageByID(page.ID)
	if gotPage == nil || !containsID(gotPage.Tags, a.ID) {
		t.Errorf("page tag references lost across round trip: %v", gotPage)
	}
}

func TestImportMergeDoesNotOverwrite(t *testing.T) {
	s := newTestStore()
	tag := mustCreateTag(t, s, "keep")

	incoming := newTestStore()
	if _, err := incoming.CreateTag("keep", "incoming description", "#000000"); err != nil {
		t.Fatalf("CreateTag failed: %v", err)
	}
	mustCreateTag(t, incoming, "extra")
	payload, err := incoming.ExportData()
	if err != nil {
		t.Fatalf("ExportData failed: %v", err)
	}

	result := s.ImportData(payload, false)
	if !result.Success {
		t.Fatalf("import failed: %s", result.Error)
	}
	if result.TagsImported != 1 {
		t.Errorf("expected only the new tag imported, got %d", result.TagsImported)
	}
	got := s.GetTagByID(tag.ID)
	if got.Description != "" {
		t.Errorf("merge must not overwrite existing tag, got description %q", got.Description)
	}
}

func TestImportOverwriteReplaces(t *testing.T) {
	s := newTestStore()
	old := mustCreateTag(t, s, "old")
	mustCreatePage(t, s, "https://old.example.com", "Old")

	incoming := newTestStore()
	fresh := mustCreateTag(t, incoming, "fresh")
	payload, err := incoming.ExportData()
	if err != nil {
		t.Fatalf("ExportData failed: %v", err)
	}

	result := s.ImportData(payload, true)
	if !result.Success {
		t.Fatalf("import failed: %s", result.Error)
	}
	if s.GetTagByID(old.ID) != nil {
		t.Error("overwrite import must drop pre-existing tags")
	}
	if s.GetTagByID(fresh.ID) == nil {
		t.Error("overwrite import must install incoming tags")
	}
	if s.Stats().PagesCount != 0 {
		t.Errorf("overwrite import must drop pre-existing pages, got %d", s.Stats().PagesCount)
	}
}

func TestImportMalformedPayloads(t *testing.T) {
	s := newTestStore()
	mustCreateTag(t, s, "survivor")

	cases := []struct {
		name    string
		payload string
	}{
		{"not json", "{nope"},
		{"missing tags", `{"pages": {}}`},
		{"missing pages", `{"tags": {}}`},
		{"tags not object", `{"tags": [], "pages": {}}`},
		{"pages not object", `{"tags": {}, "pages": 7}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result := s.ImportData(tc.payload, true)
			if result.Success {
				t.Fatal("expected structured failure")
			}
			if result.Error == "" {
				t.Error("failure must carry a message")
			}
			// Even with overwrite requested, a rejected payload must
			// leave existing data untouched.
			if s.Stats().TagsCount != 1 {
				t.Errorf("store mutated by rejected import: %+v", s.Stats())
			}
		})
	}
}

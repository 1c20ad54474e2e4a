package graph

import (
	"encoding/json"
	"fmt"
	"time"
)

// ExportVersion is the schema version stamped on exports.
const ExportVersion = "1.0"

// ExportEnvelope is the export/import JSON document.
type ExportEnvelope struct {
	Tags       map[string]*Tag  `json:"tags"`
	Pages      map[string]*Page `json:"pages"`
	Version    string           `json:"version"`
	ExportDate string           `json:"exportDate"`
}

// ImportResult reports the outcome of an import. Malformed payloads are
// reported here as a structured failure, not raised as an error.
type ImportResult struct {
	Success       bool   `json:"success"`
	Error         string `json:"error,omitempty"`
	TagsImported  int    `json:"tagsImported"`
	PagesImported int    `json:"pagesImported"`
}

// ExportData serializes the full graph as a JSON document.
func (s *Store) ExportData() (string, error) {
	tags, pages := s.Snapshot()
	env := ExportEnvelope{
		Tags:       tags,
		Pages:      pages,
		Version:    ExportVersion,
		ExportDate: s.now().UTC().Format(time.RFC3339),
	}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal export: %w", err)
	}
	return string(data), nil
}

// ImportData loads a previously exported document. In merge mode existing
// ids keep their fields and only absent entries are added; in overwrite
// mode both collections are replaced wholesale.
//
// A payload that fails to parse, or that lacks tags/pages objects, yields
// ImportResult{Success: false} rather than an error.
func (s *Store) ImportData(payload string, overwrite bool) ImportResult {
	// Probe the raw shape first so "present but not an object" is
	// distinguishable from "absent" after unmarshal.
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return ImportResult{Success: false, Error: fmt.Sprintf("invalid JSON: %v", err)}
	}
	for _, key := range []string{"tags", "pages"} {
		field, ok := raw[key]
		if !ok {
			return ImportResult{Success: false, Error: fmt.Sprintf("payload missing %q", key)}
		}
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(field, &probe); err != nil {
			return ImportResult{Success: false, Error: fmt.Sprintf("%q must be an object", key)}
		}
	}

	var env ExportEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return ImportResult{Success: false, Error: fmt.Sprintf("invalid payload: %v", err)}
	}

	if overwrite {
		s.ClearAll()
	}

	result := ImportResult{Success: true}
	for id, tag := range env.Tags {
		if tag == nil {
			continue
		}
		if _, exists := s.tags[id]; exists {
			continue
		}
		imported := tag.Clone()
		imported.ID = id
		if imported.Bindings == nil {
			imported.Bindings = []string{}
		}
		s.tags[id] = imported
		result.TagsImported++
	}
	for id, page := range env.Pages {
		if page == nil {
			continue
		}
		if _, exists := s.pages[id]; exists {
			continue
		}
		imported := page.Clone()
		imported.ID = id
		if imported.Tags == nil {
			imported.Tags = []string{}
		}
		s.pages[id] = imported
		result.PagesImported++
	}
	return result
}

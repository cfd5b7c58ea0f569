// Package searchindex writes projection rows to a search backend. Algolia
// is the primary backend; OpenSearch is a drop-in alternative.
package searchindex

import (
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/ef-pipeline/internal/projection"
)

// Index is the write side of a search index.
type Index interface {
	// Name is the public index (or alias) name.
	Name() string
	// SaveObjects upserts rows by object id.
	SaveObjects(ctx context.Context, rows []projection.Row) error
	// DeleteObjects removes objects by id.
	DeleteObjects(ctx context.Context, objectIDs []string) error
	// DeleteBySource removes every object of a source.
	DeleteBySource(ctx context.Context, source string) error
	// BeginReplace starts an atomic whole-index replacement. Readers keep
	// seeing the old contents until Commit.
	BeginReplace(ctx context.Context) (Replacement, error)
	// ApplySettings pushes settings, synonyms and rules.
	ApplySettings(ctx context.Context, s *Settings) error
}

// Replacement is a staged copy of the index being rebuilt.
type Replacement interface {
	SaveObjects(ctx context.Context, rows []projection.Row) error
	// Commit swaps the staged copy in.
	Commit(ctx context.Context) error
	// Abort discards the staged copy.
	Abort(ctx context.Context) error
}

// Settings is the index settings document.
type Settings struct {
	Settings map[string]any    `json:"settings"`
	Mappings map[string]any    `json:"mappings,omitempty"`
	Synonyms []json.RawMessage `json:"synonyms,omitempty"`
	Rules    []json.RawMessage `json:"rules,omitempty"`
}

// FilterAttributes must be facetable for visibility filters to work.
var FilterAttributes = []string{"source", "access_level", "is_global", "assigned_workspace_ids", "workspace_id", "language"}

// LoadSettings parses a settings document in YAML or JSON. The document is
// either {settings, mappings, synonyms, rules} or a bare settings map.
func LoadSettings(r io.Reader) (*Settings, error) {
	var doc map[string]any
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if err == io.EOF {
			return &Settings{Settings: map[string]any{}}, nil
		}
		return nil, eris.Wrap(err, "searchindex: parse settings")
	}

	s := &Settings{}
	inner, structured := doc["settings"].(map[string]any)
	if !structured {
		s.Settings = doc
		if s.Settings == nil {
			s.Settings = map[string]any{}
		}
		return s, nil
	}

	s.Settings = inner
	if m, ok := doc["mappings"].(map[string]any); ok {
		s.Mappings = m
	}
	var err error
	if s.Synonyms, err = rawList(doc["synonyms"], "synonyms"); err != nil {
		return nil, err
	}
	if s.Rules, err = rawList(doc["rules"], "rules"); err != nil {
		return nil, err
	}
	return s, nil
}

func rawList(v any, name string) ([]json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil, eris.Errorf("searchindex: %s must be a list", name)
	}
	out := make([]json.RawMessage, 0, len(items))
	for i, item := range items {
		b, err := json.Marshal(item)
		if err != nil {
			return nil, eris.Wrapf(err, "searchindex: %s[%d]", name, i)
		}
		out = append(out, b)
	}
	return out, nil
}

// EnsureFacets adds filterOnly(attr) to attributesForFaceting for every
// filter attribute not already declared in any form.
func (s *Settings) EnsureFacets(attrs ...string) {
	if s.Settings == nil {
		s.Settings = map[string]any{}
	}
	var existing []string
	switch v := s.Settings["attributesForFaceting"].(type) {
	case []any:
		for _, e := range v {
			if str, ok := e.(string); ok {
				existing = append(existing, str)
			}
		}
	case []string:
		existing = append(existing, v...)
	}

	declared := make(map[string]bool, len(existing))
	for _, e := range existing {
		declared[facetName(e)] = true
	}
	for _, a := range attrs {
		if !declared[a] {
			existing = append(existing, "filterOnly("+a+")")
			declared[a] = true
		}
	}
	s.Settings["attributesForFaceting"] = existing
}

// facetName strips a filterOnly(...)/searchable(...) modifier.
func facetName(e string) string {
	if i := strings.IndexByte(e, '('); i >= 0 && strings.HasSuffix(e, ")") {
		return e[i+1 : len(e)-1]
	}
	return e
}

// chunkRows splits rows into slices of at most size.
func chunkRows(rows []projection.Row, size int) [][]projection.Row {
	if size <= 0 {
		size = len(rows)
	}
	var out [][]projection.Row
	for start := 0; start < len(rows); start += size {
		end := start + size
		if end > len(rows) {
			end = len(rows)
		}
		out = append(out, rows[start:end])
	}
	return out
}

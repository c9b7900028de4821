// Package search defines the track documents, filters and queries shared by the
// merge and business-rule stages.
package search

import (
	"sort"
	"strings"
	"time"
)

// Engine identifies the backend that produced a candidate window.
type Engine string

const (
	EngineSolr Engine = "solr"
	EngineFTS5 Engine = "fts5"
)

// Valid reports whether e is a known backend.
func (e Engine) Valid() bool {
	return e == EngineSolr || e == EngineFTS5
}

// LowerIsBetter reports whether the engine's native scores rank ascending.
// SQLite's bm25() returns more negative values for better matches.
func (e Engine) LowerIsBetter() bool {
	return e == EngineFTS5
}

// FeatureStems is the feature name answered by Document.HasStems.
const FeatureStems = "has_stems"

// Document is a scored track candidate.
type Document struct {
	ID          string          `json:"id"`
	Title       string          `json:"title,omitempty"`
	LibraryName string          `json:"library_name,omitempty"`
	ReleaseDate time.Time       `json:"release_date"`
	HasStems    bool            `json:"has_stems"`
	Features    map[string]bool `json:"features,omitempty"`
	Engine      Engine          `json:"engine,omitempty"`
	NativeScore float64         `json:"native_score"`
	Score       float64         `json:"score"`
}

// HasFeature reports whether the document exhibits the named feature.
func (d Document) HasFeature(name string) bool {
	switch strings.ToLower(name) {
	case FeatureStems, "stems":
		return d.HasStems
	}
	return d.Features[name]
}

// Less orders documents by score descending, then release date descending,
// then id ascending.
func Less(a, b Document) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if !a.ReleaseDate.Equal(b.ReleaseDate) {
		return a.ReleaseDate.After(b.ReleaseDate)
	}
	return a.ID < b.ID
}

// SortDocuments sorts docs in place using Less.
func SortDocuments(docs []Document) {
	sort.SliceStable(docs, func(i, j int) bool {
		return Less(docs[i], docs[j])
	})
}

// Filter is a facet filter applied to the upstream query.
type Filter struct {
	Facet string `json:"facet"`
	Value string `json:"value"`
}

// Query is the user query a rule set is evaluated against.
type Query struct {
	Text    string
	Filters []Filter
	// Now is the reference time for recency decisions. Rule evaluation never
	// reads the wall clock.
	Now time.Time
}

// NormalizeQuery lower-cases text and collapses runs of whitespace.
func NormalizeQuery(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}

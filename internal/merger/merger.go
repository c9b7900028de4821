// Package merger puts candidate windows from different search backends on one
// comparable score scale.
//
// Native scores are not comparable across engines (a Lucene relevance score
// against an SQLite bm25 rank), so each window is min-max normalized into
// [0, 1] on its own before windows are combined.
package merger

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/knoguchi/trackrank/internal/search"
)

// ErrNoBackends is returned when every result set is unavailable.
var ErrNoBackends = errors.New("no search backend available")

// ResultSet is one backend's candidate window. Err marks the backend as
// unavailable for this request.
type ResultSet struct {
	Engine    search.Engine
	Documents []search.Document
	Err       error
}

// DegradedEngine records a backend skipped during a merge.
type DegradedEngine struct {
	Engine search.Engine `json:"engine"`
	Reason string        `json:"reason"`
}

// Report describes how a merge was assembled.
type Report struct {
	Engines    []search.Engine  `json:"engines"`
	Degraded   []DegradedEngine `json:"degraded"`
	Duplicates int              `json:"duplicates"`
}

// Merge normalizes every available window and combines them into one list
// ordered by normalized score, release date (newest first) and id.
// A document returned by several engines keeps its best normalized score.
// Unavailable windows are skipped; ErrNoBackends is returned only when no
// window is available.
func Merge(sets []ResultSet) ([]search.Document, Report, error) {
	report := Report{
		Engines:  []search.Engine{},
		Degraded: []DegradedEngine{},
	}

	index := make(map[string]int)
	merged := make([]search.Document, 0)
	available := 0

	for _, set := range sets {
		if set.Err != nil {
			report.Degraded = append(report.Degraded, DegradedEngine{
				Engine: set.Engine,
				Reason: set.Err.Error(),
			})
			continue
		}
		available++
		report.Engines = append(report.Engines, set.Engine)

		for _, doc := range Normalize(set) {
			if i, ok := index[doc.ID]; ok {
				report.Duplicates++
				if doc.Score > merged[i].Score {
					merged[i] = doc
				}
				continue
			}
			index[doc.ID] = len(merged)
			merged = append(merged, doc)
		}
	}

	if len(sets) > 0 && available == 0 {
		return merged, report, fmt.Errorf("%w: %d backends degraded", ErrNoBackends, len(report.Degraded))
	}

	search.SortDocuments(merged)
	return merged, report, nil
}

// Normalize returns a copy of the window with Score set to the min-max
// normalized native score and Engine set to the window's engine. Windows
// whose scores are all equal normalize to 1.
func Normalize(set ResultSet) []search.Document {
	docs := make([]search.Document, len(set.Documents))
	copy(docs, set.Documents)
	if len(docs) == 0 {
		return docs
	}

	scores := make([]float64, len(docs))
	for i, d := range docs {
		scores[i] = d.NativeScore
	}
	lo, hi := floats.Min(scores), floats.Max(scores)
	span := hi - lo

	for i := range docs {
		docs[i].Engine = set.Engine
		switch {
		case span == 0:
			docs[i].Score = 1
		case set.Engine.LowerIsBetter():
			docs[i].Score = (hi - docs[i].NativeScore) / span
		default:
			docs[i].Score = (docs[i].NativeScore - lo) / span
		}
	}
	return docs
}

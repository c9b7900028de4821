package rules

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"

	"github.com/knoguchi/trackrank/internal/search"
)

// AppliedRule is the audit entry of a rule that matched and executed.
type AppliedRule struct {
	RuleID      string   `json:"rule_id"`
	Type        RuleType `json:"type"`
	Description string   `json:"description"`
}

// ScoreAdjustment records one score change made by an applied rule.
// Adjustment is the signed delta applied to the document's score.
type ScoreAdjustment struct {
	TrackID    string  `json:"track_id"`
	Adjustment float64 `json:"adjustment"`
	Reason     string  `json:"reason"`
}

// FailedRule is an enabled rule that could not be evaluated.
type FailedRule struct {
	RuleID string   `json:"rule_id"`
	Type   RuleType `json:"type"`
	Error  string   `json:"error"`
}

// Outcome is the result of applying a rule set to one candidate window.
type Outcome struct {
	Documents        []search.Document `json:"documents"`
	Filters          []search.Filter   `json:"filters"`
	FiltersOptimized bool              `json:"filters_optimized"`
	Applied          []AppliedRule     `json:"applied_rules"`
	Adjustments      []ScoreAdjustment `json:"score_adjustments"`
	Failed           []FailedRule      `json:"failed_rules"`
}

type compiledRule struct {
	rule    BusinessRule
	pattern *regexp.Regexp
	err     error
}

// Engine evaluates an ordered rule set. It is immutable after construction
// and safe for concurrent use.
type Engine struct {
	rules  []compiledRule
	logger *slog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the logger used to report failed rules.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// NewEngine copies rules, orders them by priority then id, and compiles their
// patterns. Rules that fail validation or compilation are kept and reported
// as FailedRule entries by every Apply.
func NewEngine(rules []BusinessRule, opts ...EngineOption) *Engine {
	e := &Engine{logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}

	sorted := make([]BusinessRule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority < sorted[j].Priority
		}
		return sorted[i].ID < sorted[j].ID
	})

	e.rules = make([]compiledRule, 0, len(sorted))
	for _, r := range sorted {
		cr := compiledRule{rule: r}
		if err := r.Validate(); err != nil {
			cr.err = err
		} else if re, err := regexp.Compile("(?i)" + r.Pattern); err != nil {
			cr.err = fmt.Errorf("invalid pattern %q: %w", r.Pattern, err)
		} else {
			cr.pattern = re
		}
		e.rules = append(e.rules, cr)
	}
	return e
}

// Rules returns the rule set in evaluation order.
func (e *Engine) Rules() []BusinessRule {
	out := make([]BusinessRule, len(e.rules))
	for i, cr := range e.rules {
		out[i] = cr.rule
	}
	return out
}

// Apply folds the rule set over the candidates in evaluation order. The input
// slice is not modified. Identical inputs produce identical outcomes.
func (e *Engine) Apply(query search.Query, candidates []search.Document) Outcome {
	out := Outcome{
		Documents:   make([]search.Document, len(candidates)),
		Filters:     make([]search.Filter, len(query.Filters)),
		Applied:     []AppliedRule{},
		Adjustments: []ScoreAdjustment{},
		Failed:      []FailedRule{},
	}
	copy(out.Documents, candidates)
	copy(out.Filters, query.Filters)

	text := search.NormalizeQuery(query.Text)
	var interleave *BusinessRule

	for i := range e.rules {
		cr := &e.rules[i]
		r := cr.rule
		if !r.Enabled {
			continue
		}
		if cr.err != nil {
			out.Failed = append(out.Failed, FailedRule{RuleID: r.ID, Type: r.Type, Error: cr.err.Error()})
			e.logger.Warn("skipping failed rule", "rule_id", r.ID, "type", r.Type, "error", cr.err)
			continue
		}
		if !cr.pattern.MatchString(text) {
			continue
		}

		switch r.Type {
		case TypeAutoApplyFacets:
			for _, f := range r.Action.Facets {
				out.Filters = addFilter(out.Filters, f.Filter())
			}
		case TypeBoostLibraries:
			out.Adjustments = boostLibraries(r, out.Documents, out.Adjustments)
		case TypePreferFeature:
			out.Adjustments = preferFeature(r, out.Documents, out.Adjustments)
		case TypeBoostTracks:
			out.Adjustments = boostTracks(r, out.Documents, out.Adjustments)
		case TypeFilterOptimization:
			out.Filters = dedupeFilters(out.Filters)
			out.FiltersOptimized = true
		case TypeRecencyInterleaving:
			if interleave == nil {
				interleave = &cr.rule
			}
		}

		out.Applied = append(out.Applied, AppliedRule{RuleID: r.ID, Type: r.Type, Description: r.Description})
	}

	search.SortDocuments(out.Documents)
	if interleave != nil {
		out.Documents = interleaveRecent(out.Documents, *interleave, query)
	}
	return out
}

func boostLibraries(r BusinessRule, docs []search.Document, adj []ScoreAdjustment) []ScoreAdjustment {
	for i := range docs {
		for _, b := range r.Action.BoostLibraries {
			if docs[i].LibraryName != b.LibraryName {
				continue
			}
			adj = append(adj, scale(&docs[i], b.BoostFactor,
				fmt.Sprintf("%s: library %q boost x%g", r.ID, b.LibraryName, b.BoostFactor)))
			break
		}
	}
	return adj
}

func preferFeature(r BusinessRule, docs []search.Document, adj []ScoreAdjustment) []ScoreAdjustment {
	f := r.Action.BoostFactor
	for i := range docs {
		if !docs[i].HasFeature(r.Action.PreferFeature) {
			continue
		}
		docs[i].Score += f
		adj = append(adj, ScoreAdjustment{
			TrackID:    docs[i].ID,
			Adjustment: f,
			Reason:     fmt.Sprintf("%s: prefer %s %+g", r.ID, r.Action.PreferFeature, f),
		})
	}
	return adj
}

// boostTracks scales the listed tracks. Ids outside the window are ignored.
func boostTracks(r BusinessRule, docs []search.Document, adj []ScoreAdjustment) []ScoreAdjustment {
	ids := make(map[string]struct{}, len(r.Action.TrackIDs))
	for _, id := range r.Action.TrackIDs {
		ids[id] = struct{}{}
	}
	for i := range docs {
		if _, ok := ids[docs[i].ID]; !ok {
			continue
		}
		adj = append(adj, scale(&docs[i], r.Action.BoostFactor,
			fmt.Sprintf("%s: pinned track boost x%g", r.ID, r.Action.BoostFactor)))
	}
	return adj
}

func scale(doc *search.Document, factor float64, reason string) ScoreAdjustment {
	before := doc.Score
	doc.Score *= factor
	return ScoreAdjustment{TrackID: doc.ID, Adjustment: doc.Score - before, Reason: reason}
}

func addFilter(filters []search.Filter, f search.Filter) []search.Filter {
	for _, existing := range filters {
		if existing == f {
			return filters
		}
	}
	return append(filters, f)
}

func dedupeFilters(filters []search.Filter) []search.Filter {
	out := make([]search.Filter, 0, len(filters))
	for _, f := range filters {
		out = addFilter(out, f)
	}
	return out
}

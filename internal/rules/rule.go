// Package rules implements the business-rule engine that adjusts and
// re-orders merged search candidates, together with the rule loaders and the
// snapshot store that serves the active rule set.
package rules

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/knoguchi/trackrank/internal/search"
)

// RuleType selects which action fields a rule carries.
type RuleType string

const (
	TypeAutoApplyFacets     RuleType = "auto_apply_facets"
	TypeBoostLibraries      RuleType = "boost_libraries"
	TypeRecencyInterleaving RuleType = "recency_interleaving"
	TypePreferFeature       RuleType = "prefer_feature"
	TypeBoostTracks         RuleType = "boost_tracks"
	TypeFilterOptimization  RuleType = "filter_optimization"
)

// DefaultRecentDays is the recency window used when a recency_interleaving
// rule omits recent_days.
const DefaultRecentDays = 365

var (
	ErrUnknownRuleType = errors.New("unknown rule type")
	ErrInvalidAction   = errors.New("invalid rule action")
	ErrDuplicateRule   = errors.New("duplicate rule id")
)

// BusinessRule is one configured condition/action pair.
type BusinessRule struct {
	ID          string   `json:"id" koanf:"id"`
	Type        RuleType `json:"type" koanf:"type"`
	Enabled     bool     `json:"enabled" koanf:"enabled"`
	Priority    int      `json:"priority" koanf:"priority"`
	Pattern     string   `json:"pattern" koanf:"pattern"`
	Description string   `json:"description" koanf:"description"`
	Action      Action   `json:"action" koanf:"action"`
}

// LibraryBoost multiplies the score of tracks from one library.
type LibraryBoost struct {
	LibraryName string  `json:"library_name" koanf:"library_name"`
	BoostFactor float64 `json:"boost_factor" koanf:"boost_factor"`
}

// Facet is a facet filter injected by an auto_apply_facets rule.
type Facet struct {
	Facet string `json:"facet" koanf:"facet"`
	Value string `json:"value" koanf:"value"`
}

// Filter converts the facet into a query filter.
func (f Facet) Filter() search.Filter {
	return search.Filter{Facet: f.Facet, Value: f.Value}
}

// Action holds the parameters of every rule type. A rule only sets the fields
// belonging to its Type; Validate rejects the others.
type Action struct {
	Facets            []Facet        `json:"facets,omitempty" koanf:"facets"`
	BoostLibraries    []LibraryBoost `json:"boost_libraries,omitempty" koanf:"boost_libraries"`
	InterleavePattern string         `json:"interleave_pattern,omitempty" koanf:"interleave_pattern"`
	RecentDays        int            `json:"recent_days,omitempty" koanf:"recent_days"`
	PreferFeature     string         `json:"prefer_feature,omitempty" koanf:"prefer_feature"`
	BoostFactor       float64        `json:"boost_factor,omitempty" koanf:"boost_factor"`
	TrackIDs          []string       `json:"track_ids,omitempty" koanf:"track_ids"`
}

// Validate checks that the rule's action carries exactly the fields its type
// needs. Pattern syntax is checked separately when the engine compiles it.
func (r BusinessRule) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidAction)
	}

	a := r.Action
	var allowed fieldSet
	switch r.Type {
	case TypeAutoApplyFacets:
		if len(a.Facets) == 0 {
			return fmt.Errorf("%w: %s requires facets", ErrInvalidAction, r.Type)
		}
		for _, f := range a.Facets {
			if f.Facet == "" || f.Value == "" {
				return fmt.Errorf("%w: facet and value are required", ErrInvalidAction)
			}
		}
		allowed = fieldSet{facets: true}
	case TypeBoostLibraries:
		if len(a.BoostLibraries) == 0 {
			return fmt.Errorf("%w: %s requires boost_libraries", ErrInvalidAction, r.Type)
		}
		for _, b := range a.BoostLibraries {
			if b.LibraryName == "" {
				return fmt.Errorf("%w: library_name is required", ErrInvalidAction)
			}
			if b.BoostFactor <= 0 {
				return fmt.Errorf("%w: boost_factor for %q must be positive", ErrInvalidAction, b.LibraryName)
			}
		}
		allowed = fieldSet{boostLibraries: true}
	case TypeRecencyInterleaving:
		if _, _, err := ParseInterleavePattern(a.InterleavePattern); err != nil {
			return err
		}
		if a.RecentDays < 0 {
			return fmt.Errorf("%w: recent_days must not be negative", ErrInvalidAction)
		}
		allowed = fieldSet{interleave: true, recentDays: true}
	case TypePreferFeature:
		if a.PreferFeature == "" {
			return fmt.Errorf("%w: %s requires prefer_feature", ErrInvalidAction, r.Type)
		}
		if a.BoostFactor == 0 {
			return fmt.Errorf("%w: %s requires a non-zero boost_factor", ErrInvalidAction, r.Type)
		}
		allowed = fieldSet{preferFeature: true, boostFactor: true}
	case TypeBoostTracks:
		if len(a.TrackIDs) == 0 {
			return fmt.Errorf("%w: %s requires track_ids", ErrInvalidAction, r.Type)
		}
		if a.BoostFactor <= 0 {
			return fmt.Errorf("%w: %s requires a positive boost_factor", ErrInvalidAction, r.Type)
		}
		allowed = fieldSet{trackIDs: true, boostFactor: true}
	case TypeFilterOptimization:
		allowed = fieldSet{}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownRuleType, r.Type)
	}

	if extra := a.present().minus(allowed); len(extra) > 0 {
		return fmt.Errorf("%w: %s does not accept %s", ErrInvalidAction, r.Type, strings.Join(extra, ", "))
	}
	return nil
}

// ValidateRules validates every rule and rejects duplicate ids.
func ValidateRules(rules []BusinessRule) error {
	seen := make(map[string]struct{}, len(rules))
	for i, r := range rules {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("rule %d (%s): %w", i, r.ID, err)
		}
		if _, ok := seen[r.ID]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateRule, r.ID)
		}
		seen[r.ID] = struct{}{}
	}
	return nil
}

// ParseInterleavePattern parses "P:R", the number of primary results followed
// by the number of recent results taken per cycle.
func ParseInterleavePattern(pattern string) (primary, recent int, err error) {
	left, right, ok := strings.Cut(strings.TrimSpace(pattern), ":")
	if !ok {
		return 0, 0, fmt.Errorf("%w: interleave_pattern %q is not P:R", ErrInvalidAction, pattern)
	}
	primary, err = strconv.Atoi(strings.TrimSpace(left))
	if err != nil || primary < 1 {
		return 0, 0, fmt.Errorf("%w: interleave_pattern %q needs a positive primary count", ErrInvalidAction, pattern)
	}
	recent, err = strconv.Atoi(strings.TrimSpace(right))
	if err != nil || recent < 1 {
		return 0, 0, fmt.Errorf("%w: interleave_pattern %q needs a positive recent count", ErrInvalidAction, pattern)
	}
	return primary, recent, nil
}

type fieldSet struct {
	facets, boostLibraries, interleave, recentDays, preferFeature, boostFactor, trackIDs bool
}

func (a Action) present() fieldSet {
	return fieldSet{
		facets:         len(a.Facets) > 0,
		boostLibraries: len(a.BoostLibraries) > 0,
		interleave:     a.InterleavePattern != "",
		recentDays:     a.RecentDays != 0,
		preferFeature:  a.PreferFeature != "",
		boostFactor:    a.BoostFactor != 0,
		trackIDs:       len(a.TrackIDs) > 0,
	}
}

// minus names the fields set in s but not in allowed.
func (s fieldSet) minus(allowed fieldSet) []string {
	var out []string
	check := func(set, ok bool, name string) {
		if set && !ok {
			out = append(out, name)
		}
	}
	check(s.facets, allowed.facets, "facets")
	check(s.boostLibraries, allowed.boostLibraries, "boost_libraries")
	check(s.interleave, allowed.interleave, "interleave_pattern")
	check(s.recentDays, allowed.recentDays, "recent_days")
	check(s.preferFeature, allowed.preferFeature, "prefer_feature")
	check(s.boostFactor, allowed.boostFactor, "boost_factor")
	check(s.trackIDs, allowed.trackIDs, "track_ids")
	return out
}

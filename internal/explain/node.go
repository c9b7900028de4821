// Package explain turns a search backend's recursive score explanation into a
// field/term attribution of the document score.
//
// The backend's explain format is only interpreted in classify; every other
// function in the package works on NodeKind values and Contributions.
package explain

import (
	"regexp"
	"strconv"
	"strings"
)

// Node is one entry of a backend score-explanation tree.
type Node struct {
	Description string  `json:"description"`
	Value       float64 `json:"value"`
	Details     []Node  `json:"details,omitempty"`
}

// NodeKind is the structural role of an explain node.
type NodeKind int

const (
	KindUnknown NodeKind = iota
	KindLeaf
	KindMatchAll
	KindMax
	KindSum
	KindAdditiveBoost
	KindMultiplicativeBoost
)

func (k NodeKind) String() string {
	switch k {
	case KindLeaf:
		return "leaf"
	case KindMatchAll:
		return "match_all"
	case KindMax:
		return "max"
	case KindSum:
		return "sum"
	case KindAdditiveBoost:
		return "additive_boost"
	case KindMultiplicativeBoost:
		return "multiplicative_boost"
	default:
		return "unknown"
	}
}

var (
	// weight(title:epic in 12) [SchemaSimilarity], result of:
	// weight(title:"epic orchestral" in 3) ...
	leafPattern = regexp.MustCompile(`^weight\(([^:()\s]+):(.+?)(?: in -?\d+)?\)(?:[\s,]|$)`)

	matchAllPattern = regexp.MustCompile(`^(?:\*:\*|MatchAllDocsQuery|ConstantScore\(\*:\*\))`)

	// max plus 0.3 times others of:
	tiePattern = regexp.MustCompile(`^max plus ([0-9]*\.?[0-9]+(?:[eE][-+]?[0-9]+)?) times`)

	// FunctionQuery(log(int(popularity))), product of:
	functionPattern = regexp.MustCompile(`^(?:FunctionQuery|FunctionScoreQuery)\((.*)\)(?:,\s*product of:)?\s*$`)

	// boost(+(title:epic),log(int(popularity))), product of:
	multiplicativePattern = regexp.MustCompile(`(?s)^boost\(.*product of:\s*$`)
)

// classify returns the structural kind of n. It is the only place that knows
// the backend's description formats.
func classify(n *Node) NodeKind {
	desc := strings.TrimSpace(n.Description)

	switch {
	case leafPattern.MatchString(desc):
		return KindLeaf
	case matchAllPattern.MatchString(desc):
		return KindMatchAll
	case strings.HasPrefix(desc, "max"):
		return KindMax
	case strings.HasPrefix(desc, "sum of"):
		if len(n.Details) > 0 && isFunctionQuery(&n.Details[len(n.Details)-1]) {
			return KindAdditiveBoost
		}
		return KindSum
	case len(n.Details) > 0 && multiplicativePattern.MatchString(desc):
		return KindMultiplicativeBoost
	}
	return KindUnknown
}

func isFunctionQuery(n *Node) bool {
	return functionPattern.MatchString(strings.TrimSpace(n.Description))
}

// leafTerm extracts the field and term of a leaf description. Quoted phrase
// terms are returned without their quotes.
func leafTerm(desc string) (field, term string) {
	m := leafPattern.FindStringSubmatch(strings.TrimSpace(desc))
	if m == nil {
		return "", ""
	}
	term = m[2]
	if len(term) >= 2 && term[0] == '"' && term[len(term)-1] == '"' {
		if unquoted, err := strconv.Unquote(term); err == nil {
			term = unquoted
		} else {
			term = term[1 : len(term)-1]
		}
	}
	return m[1], term
}

// parseTie returns the tie-breaker multiplier of a disjunction-max
// description, or 0 when it has none.
func parseTie(desc string) float64 {
	m := tiePattern.FindStringSubmatch(strings.TrimSpace(desc))
	if m == nil {
		return 0
	}
	tie, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}
	return tie
}

// functionFormula returns the function expression of a function-query
// description, falling back to the whole description.
func functionFormula(desc string) string {
	desc = strings.TrimSpace(desc)
	if m := functionPattern.FindStringSubmatch(desc); m != nil {
		return m[1]
	}
	return desc
}

package explain

import "strings"

// DefaultMaxDepth bounds recursion into an explain tree.
const DefaultMaxDepth = 64

// BoostType identifies how a query-level boost combines with the field score.
type BoostType string

const (
	BoostNone           BoostType = "none"
	BoostAdditive       BoostType = "bf"
	BoostMultiplicative BoostType = "boost"
)

// BoostInfo describes the single query-level boost of an explanation.
type BoostInfo struct {
	Type             BoostType `json:"type"`
	NaturalScore     float64   `json:"natural_score"`
	ContributedScore float64   `json:"contributed_score"`
	PercentOfTotal   float64   `json:"percent_of_total"`
	Formula          string    `json:"formula,omitempty"`
}

// Contribution attributes part of a score to one field/term pair. Term "*"
// denotes a match-all clause.
type Contribution struct {
	Field            string  `json:"field"`
	Term             string  `json:"term"`
	NaturalScore     float64 `json:"natural_score"`
	ContributedScore float64 `json:"contributed_score"`
	BoostedScore     float64 `json:"boosted_score"`
	PercentOfTotal   float64 `json:"percent_of_total"`
}

// Decomposition is the flat form of an explain tree.
type Decomposition struct {
	Boost         BoostInfo
	Tie           float64
	Contributions []Contribution
	// Unrecognized counts nodes skipped because their shape is not modeled
	// or they lie below the depth bound.
	Unrecognized int
}

// Option configures Decompose.
type Option func(*decomposer)

// WithMaxDepth overrides DefaultMaxDepth. Values below 1 are ignored.
func WithMaxDepth(depth int) Option {
	return func(d *decomposer) {
		if depth > 0 {
			d.maxDepth = depth
		}
	}
}

type decomposer struct {
	maxDepth     int
	boost        BoostInfo
	boostFound   bool
	unrecognized int
}

// Decompose flattens root into field/term contributions plus boost and
// tie-breaker metadata. Unmodeled node shapes are skipped, so the result may
// be partial but never fails.
func Decompose(root *Node, opts ...Option) Decomposition {
	d := &decomposer{
		maxDepth: DefaultMaxDepth,
		boost:    BoostInfo{Type: BoostNone},
	}
	for _, opt := range opts {
		opt(d)
	}

	out := Decomposition{
		Boost:         d.boost,
		Contributions: []Contribution{},
	}
	if root == nil {
		return out
	}

	out.Contributions = append(out.Contributions, d.walk(root, 0)...)
	out.Boost = d.boost
	out.Tie = findTie(root, 0, d.maxDepth)
	out.Unrecognized = d.unrecognized
	return out
}

func (d *decomposer) walk(n *Node, depth int) []Contribution {
	if depth > d.maxDepth {
		d.unrecognized++
		return nil
	}

	switch classify(n) {
	case KindLeaf:
		field, term := leafTerm(n.Description)
		return []Contribution{{
			Field:            field,
			Term:             term,
			NaturalScore:     n.Value,
			ContributedScore: n.Value,
		}}

	case KindMatchAll:
		return []Contribution{{
			Field:            "*",
			Term:             "*",
			NaturalScore:     n.Value,
			ContributedScore: n.Value,
		}}

	case KindMax:
		return d.walkMax(n, depth)

	case KindSum:
		return d.walkAll(n.Details, depth)

	case KindAdditiveBoost:
		last := &n.Details[len(n.Details)-1]
		d.setBoost(BoostInfo{
			Type:             BoostAdditive,
			NaturalScore:     last.Value,
			ContributedScore: last.Value,
			Formula:          functionFormula(last.Description),
		})
		return d.walkAll(n.Details[:len(n.Details)-1], depth)

	case KindMultiplicativeBoost:
		last := &n.Details[len(n.Details)-1]
		d.setBoost(BoostInfo{
			Type:             BoostMultiplicative,
			NaturalScore:     last.Value,
			ContributedScore: last.Value,
			Formula:          strings.TrimSpace(last.Description),
		})
		return d.walkAll(n.Details[:len(n.Details)-1], depth)
	}

	d.unrecognized++
	return nil
}

func (d *decomposer) walkAll(details []Node, depth int) []Contribution {
	var out []Contribution
	for i := range details {
		out = append(out, d.walk(&details[i], depth+1)...)
	}
	return out
}

// walkMax keeps the best branch unscaled and rescales every other branch's
// contributions to natural * tie.
func (d *decomposer) walkMax(n *Node, depth int) []Contribution {
	tie := parseTie(n.Description)

	branches := make([][]Contribution, len(n.Details))
	winner := -1
	best := 0.0
	for i := range n.Details {
		branches[i] = d.walk(&n.Details[i], depth+1)
		score := sumContributed(branches[i])
		if winner < 0 || score > best {
			winner, best = i, score
		}
	}

	var out []Contribution
	for i, branch := range branches {
		for _, c := range branch {
			if i != winner {
				c.ContributedScore = c.NaturalScore * tie
			}
			out = append(out, c)
		}
	}
	return out
}

// setBoost records the first boost found; an explanation carries at most one.
func (d *decomposer) setBoost(b BoostInfo) {
	if d.boostFound {
		return
	}
	d.boost = b
	d.boostFound = true
}

// findTie returns the tie multiplier of the first disjunction-max node in
// pre-order, or 0 when the tree has none.
func findTie(n *Node, depth, maxDepth int) float64 {
	tie, _ := searchTie(n, depth, maxDepth)
	return tie
}

func searchTie(n *Node, depth, maxDepth int) (float64, bool) {
	if depth > maxDepth {
		return 0, false
	}
	if strings.HasPrefix(strings.TrimSpace(n.Description), "max") {
		return parseTie(n.Description), true
	}
	for i := range n.Details {
		if tie, ok := searchTie(&n.Details[i], depth+1, maxDepth); ok {
			return tie, true
		}
	}
	return 0, false
}

func sumContributed(contribs []Contribution) float64 {
	var sum float64
	for _, c := range contribs {
		sum += c.ContributedScore
	}
	return sum
}

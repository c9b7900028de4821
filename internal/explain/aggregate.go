package explain

import (
	"math"
	"sort"
	"strings"
)

// Result is the attribution attached to one scored document. It is not
// modified after Aggregate returns.
type Result struct {
	Total                      float64        `json:"total"`
	TotalContributedFieldScore float64        `json:"total_contributed_field_score"`
	Boost                      BoostInfo      `json:"boost"`
	Tie                        float64        `json:"tie"`
	ByField                    []Contribution `json:"by_field"`
	ByTerm                     []Contribution `json:"by_term"`
	ByPhrase                   []Contribution `json:"by_phrase"`
	ByFieldTerm                []Contribution `json:"by_field_term"`
	UnrecognizedNodes          int            `json:"unrecognized_nodes"`
}

// Explain decomposes root and aggregates it against root's value.
func Explain(root *Node, precision int, opts ...Option) *Result {
	var total float64
	if root != nil {
		total = root.Value
	}
	return Aggregate(Decompose(root, opts...), total, precision)
}

// Aggregate groups the contributions of d by field, term, phrase and
// field/term pair, applies the boost and computes percentages of total.
// Values are rounded to precision decimals only on output; a negative
// precision disables rounding.
func Aggregate(d Decomposition, total float64, precision int) *Result {
	factor := 1.0
	if d.Boost.Type == BoostMultiplicative {
		factor = d.Boost.NaturalScore
	}

	var contributed float64
	for _, c := range d.Contributions {
		contributed += c.ContributedScore
	}

	terms, phrases := splitPhrases(group(d.Contributions, byTermKey))

	boost := d.Boost
	if boost.Type == "" {
		boost.Type = BoostNone
	}
	if boost.Type == BoostAdditive {
		boost.PercentOfTotal = percent(boost.ContributedScore, total)
	}

	return &Result{
		Total:                      round(total, precision),
		TotalContributedFieldScore: round(contributed, precision),
		Boost:                      roundBoost(boost, precision),
		Tie:                        round(d.Tie, precision),
		ByField:                    finalize(group(d.Contributions, byFieldKey), factor, total, precision),
		ByTerm:                     finalize(terms, factor, total, precision),
		ByPhrase:                   finalize(phrases, factor, total, precision),
		ByFieldTerm:                finalize(group(d.Contributions, byFieldTermKey), factor, total, precision),
		UnrecognizedNodes:          d.Unrecognized,
	}
}

type groupKey struct {
	field string
	term  string
}

func byFieldKey(c Contribution) groupKey     { return groupKey{field: c.Field} }
func byTermKey(c Contribution) groupKey      { return groupKey{term: c.Term} }
func byFieldTermKey(c Contribution) groupKey { return groupKey{field: c.Field, term: c.Term} }

// group sums natural and contributed scores of contributions sharing a key,
// in first-seen order. The input is not modified.
func group(contribs []Contribution, key func(Contribution) groupKey) []Contribution {
	index := make(map[groupKey]int, len(contribs))
	out := make([]Contribution, 0, len(contribs))
	for _, c := range contribs {
		k := key(c)
		if i, ok := index[k]; ok {
			out[i].NaturalScore += c.NaturalScore
			out[i].ContributedScore += c.ContributedScore
			continue
		}
		index[k] = len(out)
		out = append(out, Contribution{
			Field:            k.field,
			Term:             k.term,
			NaturalScore:     c.NaturalScore,
			ContributedScore: c.ContributedScore,
		})
	}
	return out
}

// splitPhrases separates single-term groups from phrase groups.
func splitPhrases(groups []Contribution) (terms, phrases []Contribution) {
	terms = make([]Contribution, 0, len(groups))
	phrases = make([]Contribution, 0)
	for _, g := range groups {
		if strings.ContainsAny(g.Term, " \t\n") {
			phrases = append(phrases, g)
		} else {
			terms = append(terms, g)
		}
	}
	return terms, phrases
}

// finalize computes boosted scores and percentages, orders groups by boosted
// score and rounds them for output.
func finalize(groups []Contribution, factor, total float64, precision int) []Contribution {
	out := make([]Contribution, len(groups))
	for i, g := range groups {
		g.BoostedScore = g.ContributedScore * factor
		g.PercentOfTotal = percent(g.BoostedScore, total)
		out[i] = g
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].BoostedScore != out[j].BoostedScore {
			return out[i].BoostedScore > out[j].BoostedScore
		}
		if out[i].Field != out[j].Field {
			return out[i].Field < out[j].Field
		}
		return out[i].Term < out[j].Term
	})

	for i := range out {
		out[i] = roundContribution(out[i], precision)
	}
	return out
}

// percent returns part as a percentage of total; 0 when total is 0.
func percent(part, total float64) float64 {
	if total == 0 {
		return 0
	}
	p := part / total * 100
	if math.IsNaN(p) || math.IsInf(p, 0) {
		return 0
	}
	return p
}

func round(v float64, precision int) float64 {
	if precision < 0 {
		return v
	}
	scale := math.Pow(10, float64(precision))
	scaled := v * scale
	if math.IsInf(scaled, 0) || math.IsNaN(scaled) {
		// already beyond the precision float64 can represent
		return v
	}
	r := math.Round(scaled) / scale
	if r == 0 {
		return 0 // no -0 in output
	}
	return r
}

func roundContribution(c Contribution, precision int) Contribution {
	c.NaturalScore = round(c.NaturalScore, precision)
	c.ContributedScore = round(c.ContributedScore, precision)
	c.BoostedScore = round(c.BoostedScore, precision)
	c.PercentOfTotal = round(c.PercentOfTotal, precision)
	return c
}

func roundBoost(b BoostInfo, precision int) BoostInfo {
	b.NaturalScore = round(b.NaturalScore, precision)
	b.ContributedScore = round(b.ContributedScore, precision)
	b.PercentOfTotal = round(b.PercentOfTotal, precision)
	return b
}

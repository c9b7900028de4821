package rules

import (
	"github.com/knoguchi/trackrank/internal/search"
)

// interleaveRecent splits docs into a recent stream (released within the
// rule's recent_days of query.Now) and a primary stream, then merges them
// taking P primary and R recent results per cycle. Each stream keeps its
// relative order; when one runs out the other is appended. A zero query.Now
// leaves the order untouched.
func interleaveRecent(docs []search.Document, r BusinessRule, query search.Query) []search.Document {
	if query.Now.IsZero() || len(docs) == 0 {
		return docs
	}
	p, n, err := ParseInterleavePattern(r.Action.InterleavePattern)
	if err != nil {
		return docs
	}

	days := r.Action.RecentDays
	if days == 0 {
		days = DefaultRecentDays
	}
	cutoff := query.Now.AddDate(0, 0, -days)

	var primary, recent []search.Document
	for _, d := range docs {
		if !d.ReleaseDate.IsZero() && !d.ReleaseDate.Before(cutoff) {
			recent = append(recent, d)
		} else {
			primary = append(primary, d)
		}
	}

	out := make([]search.Document, 0, len(docs))
	for len(primary) > 0 && len(recent) > 0 {
		k := min(p, len(primary))
		out = append(out, primary[:k]...)
		primary = primary[k:]

		k = min(n, len(recent))
		out = append(out, recent[:k]...)
		recent = recent[k:]
	}
	out = append(out, primary...)
	return append(out, recent...)
}

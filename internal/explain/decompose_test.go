package explain

import (
	"math"
	"reflect"
	"testing"
)

const epsilon = 1e-9

func approx(a, b float64) bool {
	return math.Abs(a-b) < epsilon
}

func leaf(field, term string, value float64) Node {
	return Node{
		Description: "weight(" + field + ":" + term + " in 4) [SchemaSimilarity], result of:",
		Value:       value,
		Details: []Node{
			{Description: "idf, computed as log(1 + (N - n + 0.5) / (n + 0.5)) from:", Value: 2.1},
			{Description: "tf, computed as freq / (freq + k1 * (1 - b + b * dl / avgdl)) from:", Value: 0.4},
		},
	}
}

// edismaxTree mimics a Solr edismax explanation with a tie of 0.3 and a bf
// function query.
func edismaxTree() *Node {
	return &Node{
		Description: "sum of:",
		Value:       12.0,
		Details: []Node{
			{
				Description: "max plus 0.3 times others of:",
				Value:       11.2,
				Details: []Node{
					leaf("title", "epic", 10.0),
					leaf("description", "epic", 4.0),
				},
			},
			{Description: "FunctionQuery(log(int(popularity))), product of:", Value: 0.8},
		},
	}
}

func findContribution(t *testing.T, contribs []Contribution, field, term string) Contribution {
	t.Helper()
	for _, c := range contribs {
		if c.Field == field && c.Term == term {
			return c
		}
	}
	t.Fatalf("no contribution for %s:%s in %+v", field, term, contribs)
	return Contribution{}
}

func TestDecompose_Edismax(t *testing.T) {
	d := Decompose(edismaxTree())

	if len(d.Contributions) != 2 {
		t.Fatalf("expected 2 contributions, got %d", len(d.Contributions))
	}

	title := findContribution(t, d.Contributions, "title", "epic")
	if !approx(title.NaturalScore, 10) || !approx(title.ContributedScore, 10) {
		t.Errorf("winning branch should be unscaled, got %+v", title)
	}

	desc := findContribution(t, d.Contributions, "description", "epic")
	if !approx(desc.NaturalScore, 4) {
		t.Errorf("expected natural score 4, got %f", desc.NaturalScore)
	}
	if !approx(desc.ContributedScore, 1.2) {
		t.Errorf("expected losing branch contributed 4 * 0.3 = 1.2, got %f", desc.ContributedScore)
	}

	if d.Tie != 0.3 {
		t.Errorf("expected tie 0.3, got %f", d.Tie)
	}

	if d.Boost.Type != BoostAdditive {
		t.Fatalf("expected bf boost, got %s", d.Boost.Type)
	}
	if d.Boost.NaturalScore != 0.8 || d.Boost.ContributedScore != 0.8 {
		t.Errorf("unexpected boost scores %+v", d.Boost)
	}
	if d.Boost.Formula != "log(int(popularity))" {
		t.Errorf("unexpected boost formula %q", d.Boost.Formula)
	}
	if d.Unrecognized != 0 {
		t.Errorf("expected no unrecognized nodes, got %d", d.Unrecognized)
	}
}

func TestDecompose_MaxWithoutTie(t *testing.T) {
	tree := &Node{
		Description: "max of:",
		Value:       10,
		Details: []Node{
			leaf("title", "trailer", 10),
			leaf("tags", "trailer", 4),
			leaf("description", "trailer", 2),
		},
	}

	d := Decompose(tree)

	for _, c := range d.Contributions {
		if c.Field == "title" {
			if c.ContributedScore != 10 {
				t.Errorf("winner should keep its score, got %f", c.ContributedScore)
			}
			continue
		}
		if c.ContributedScore != 0 {
			t.Errorf("non-winning branch %s should contribute 0, got %f", c.Field, c.ContributedScore)
		}
	}
	if d.Tie != 0 {
		t.Errorf("expected tie 0, got %f", d.Tie)
	}
}

func TestDecompose_MaxWinnerIsSubtree(t *testing.T) {
	tree := &Node{
		Description: "max plus 0.5 times others of:",
		Value:       8.5,
		Details: []Node{
			leaf("title", "dark", 5),
			{
				Description: "sum of:",
				Value:       6,
				Details: []Node{
					leaf("tags", "dark", 3),
					leaf("tags", "cinematic", 3),
				},
			},
		},
	}

	d := Decompose(tree)

	title := findContribution(t, d.Contributions, "title", "dark")
	if !approx(title.ContributedScore, 2.5) {
		t.Errorf("expected title rescaled to 5 * 0.5 = 2.5, got %f", title.ContributedScore)
	}
	tags := findContribution(t, d.Contributions, "tags", "dark")
	if tags.ContributedScore != 3 {
		t.Errorf("winning subtree should be unscaled, got %f", tags.ContributedScore)
	}
}

func TestDecompose_MultiplicativeBoost(t *testing.T) {
	tree := &Node{
		Description: "boost(+(title:epic),log(int(popularity))), product of:",
		Value:       10,
		Details: []Node{
			leaf("title", "epic", 5),
			{Description: "log(int(popularity)=100)", Value: 2},
		},
	}

	d := Decompose(tree)

	if d.Boost.Type != BoostMultiplicative {
		t.Fatalf("expected multiplicative boost, got %s", d.Boost.Type)
	}
	if d.Boost.NaturalScore != 2 || d.Boost.ContributedScore != 2 {
		t.Errorf("unexpected boost %+v", d.Boost)
	}
	if d.Boost.Formula != "log(int(popularity)=100)" {
		t.Errorf("unexpected formula %q", d.Boost.Formula)
	}
	if len(d.Contributions) != 1 {
		t.Fatalf("expected boost detail to be excluded from contributions, got %+v", d.Contributions)
	}
}

func TestDecompose_FirstBoostWins(t *testing.T) {
	tree := &Node{
		Description: "sum of:",
		Value:       5,
		Details: []Node{
			{
				Description: "sum of:",
				Value:       3,
				Details: []Node{
					leaf("title", "epic", 2),
					{Description: "FunctionQuery(recip(ms(NOW,release_date),3.16e-11,1,1)), product of:", Value: 1},
				},
			},
			{Description: "FunctionQuery(log(int(popularity))), product of:", Value: 2},
		},
	}

	d := Decompose(tree)

	if d.Boost.Formula != "log(int(popularity))" {
		t.Errorf("expected outermost boost to be recorded first, got %q", d.Boost.Formula)
	}
}

func TestDecompose_UnknownShapesArePartial(t *testing.T) {
	tree := &Node{
		Description: "sum of:",
		Value:       7,
		Details: []Node{
			leaf("title", "epic", 5),
			{Description: "coord(1/2)", Value: 0.5, Details: []Node{leaf("tags", "epic", 2)}},
		},
	}

	d := Decompose(tree)

	if len(d.Contributions) != 1 {
		t.Fatalf("expected only the recognized leaf, got %+v", d.Contributions)
	}
	if d.Unrecognized != 1 {
		t.Errorf("expected 1 unrecognized node, got %d", d.Unrecognized)
	}
}

func TestDecompose_MatchAllAndPhrase(t *testing.T) {
	tree := &Node{
		Description: "sum of:",
		Value:       4,
		Details: []Node{
			{Description: "*:*", Value: 1},
			{Description: `weight(title:"epic orchestral" in 3) [SchemaSimilarity], result of:`, Value: 3},
		},
	}

	d := Decompose(tree)

	all := findContribution(t, d.Contributions, "*", "*")
	if all.ContributedScore != 1 {
		t.Errorf("expected match-all contribution 1, got %f", all.ContributedScore)
	}
	findContribution(t, d.Contributions, "title", "epic orchestral")
}

func TestDecompose_DepthBound(t *testing.T) {
	root := leaf("title", "deep", 1)
	for i := 0; i < 100; i++ {
		root = Node{Description: "sum of:", Value: 1, Details: []Node{root}}
	}

	d := Decompose(&root, WithMaxDepth(10))
	if len(d.Contributions) != 0 {
		t.Errorf("expected leaf below depth bound to be skipped, got %+v", d.Contributions)
	}
	if d.Unrecognized != 1 {
		t.Errorf("expected the truncated subtree to be counted once, got %d", d.Unrecognized)
	}

	d = Decompose(&root)
	if len(d.Contributions) != 0 {
		t.Errorf("expected default bound of %d to truncate a 101 level tree", DefaultMaxDepth)
	}

	d = Decompose(&root, WithMaxDepth(200))
	if len(d.Contributions) != 1 {
		t.Errorf("expected leaf within raised bound, got %d contributions", len(d.Contributions))
	}
}

func TestDecompose_TieFoundBelowRoot(t *testing.T) {
	tree := &Node{
		Description: "sum of:",
		Value:       3,
		Details: []Node{
			{Description: "max plus 0.1 times others of:", Value: 2, Details: []Node{leaf("title", "a", 2)}},
			{Description: "max plus 0.7 times others of:", Value: 1, Details: []Node{leaf("tags", "a", 1)}},
		},
	}

	if d := Decompose(tree); d.Tie != 0.1 {
		t.Errorf("expected first dismax tie 0.1, got %f", d.Tie)
	}
}

func TestDecompose_Nil(t *testing.T) {
	d := Decompose(nil)
	if d.Contributions == nil || len(d.Contributions) != 0 {
		t.Errorf("expected empty non-nil contributions, got %#v", d.Contributions)
	}
	if d.Boost.Type != BoostNone {
		t.Errorf("expected no boost, got %s", d.Boost.Type)
	}
}

func TestDecompose_Idempotent(t *testing.T) {
	tree := edismaxTree()

	first := Decompose(tree)
	second := Decompose(tree)

	if !reflect.DeepEqual(first, second) {
		t.Errorf("decomposing the same tree twice differed:\n%+v\n%+v", first, second)
	}
}

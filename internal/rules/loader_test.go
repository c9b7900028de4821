package rules

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

const sampleRules = `
rules:
  - id: trailer-epic-stock
    type: boost_libraries
    enabled: true
    priority: 10
    pattern: trailer
    description: Favor Epic Stock for trailer queries
    action:
      boost_libraries:
        - library_name: Epic Stock
          boost_factor: 1.5
  - id: orchestral-facet
    type: auto_apply_facets
    enabled: true
    priority: 5
    pattern: orchestral
    action:
      facets:
        - facet: genre
          value: orchestral
  - id: fresh-releases
    type: recency_interleaving
    enabled: false
    priority: 50
    action:
      interleave_pattern: "3:1"
      recent_days: 180
`

func writeRules(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write rules: %v", err)
	}
	return path
}

func TestFileLoader_Load(t *testing.T) {
	loader := NewFileLoader(writeRules(t, sampleRules))

	rules, err := loader.Load(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rules) != 3 {
		t.Fatalf("expected 3 rules, got %d", len(rules))
	}

	r := rules[0]
	if r.ID != "trailer-epic-stock" || r.Type != TypeBoostLibraries || !r.Enabled || r.Priority != 10 {
		t.Errorf("unexpected first rule %+v", r)
	}
	if len(r.Action.BoostLibraries) != 1 || r.Action.BoostLibraries[0].BoostFactor != 1.5 {
		t.Errorf("unexpected boost libraries %+v", r.Action.BoostLibraries)
	}
	if rules[1].Action.Facets[0] != (Facet{Facet: "genre", Value: "orchestral"}) {
		t.Errorf("unexpected facets %+v", rules[1].Action.Facets)
	}
	if rules[2].Enabled || rules[2].Action.RecentDays != 180 || rules[2].Action.InterleavePattern != "3:1" {
		t.Errorf("unexpected interleave rule %+v", rules[2])
	}

	if loader.Source() == "" {
		t.Error("expected a source description")
	}
}

func TestFileLoader_InvalidRule(t *testing.T) {
	loader := NewFileLoader(writeRules(t, `
rules:
  - id: broken
    type: boost_libraries
    enabled: true
`))

	if _, err := loader.Load(context.Background()); err == nil {
		t.Error("expected validation error")
	}
}

func TestFileLoader_MissingFile(t *testing.T) {
	loader := NewFileLoader(filepath.Join(t.TempDir(), "nope.yaml"))

	if _, err := loader.Load(context.Background()); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestFileLoader_EmptyList(t *testing.T) {
	loader := NewFileLoader(writeRules(t, "rules: []\n"))

	rules, err := loader.Load(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rules == nil || len(rules) != 0 {
		t.Errorf("expected empty rule set, got %#v", rules)
	}
}

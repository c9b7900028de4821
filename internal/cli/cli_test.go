package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/knoguchi/trackrank/internal/auth"
	"github.com/knoguchi/trackrank/internal/explain"
	"github.com/knoguchi/trackrank/internal/service"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCommand(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestExplainCommand(t *testing.T) {
	tree := writeFile(t, "tree.json", `{
		"description": "sum of:",
		"value": 5,
		"details": [
			{"description": "weight(title:epic in 1) [SchemaSimilarity], result of:", "value": 3},
			{"description": "weight(mood:dark in 1) [SchemaSimilarity], result of:", "value": 2}
		]
	}`)

	out, err := run(t, "explain", "-p", "2", tree)
	if err != nil {
		t.Fatalf("explain returned error: %v", err)
	}

	var res explain.Result
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("failed to decode output: %v\n%s", err, out)
	}
	if res.Total != 5 || len(res.ByField) != 2 || res.ByField[0].Field != "title" {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestExplainCommand_MissingFile(t *testing.T) {
	if _, err := run(t, "explain", filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestRerankCommand(t *testing.T) {
	rulesFile := writeFile(t, "rules.yaml", `
rules:
  - id: trailer-epic
    type: boost_libraries
    enabled: true
    priority: 1
    pattern: trailer
    action:
      boost_libraries:
        - library_name: Epic Stock
          boost_factor: 2
`)
	request := writeFile(t, "request.json", `{
		"query": "trailer",
		"now": "2025-01-01T00:00:00Z",
		"result_sets": [{"engine": "fts5", "documents": [
			{"id": "a", "library_name": "Other", "native_score": -9},
			{"id": "b", "library_name": "Epic Stock", "native_score": -3}
		]}]
	}`)

	out, err := run(t, "rerank", "--rules", rulesFile, request)
	if err != nil {
		t.Fatalf("rerank returned error: %v", err)
	}

	var resp service.RerankResponse
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("failed to decode output: %v\n%s", err, out)
	}
	if len(resp.Documents) != 2 || resp.Documents[0].Document.ID != "a" {
		t.Errorf("expected the stronger fts5 match first, got %+v", resp.Documents)
	}
}

func TestRulesValidateCommand(t *testing.T) {
	out, err := run(t, "rules", "validate", filepath.Join("..", "..", "configs", "business_rules.yaml"))
	if err != nil {
		t.Fatalf("validate returned error: %v", err)
	}
	if !strings.Contains(out, "6 rules ok (5 enabled)") {
		t.Errorf("unexpected output %q", out)
	}

	bad := writeFile(t, "bad.yaml", `
rules:
  - id: broken
    type: boost_tracks
    enabled: true
`)
	if _, err := run(t, "rules", "validate", bad); err == nil {
		t.Error("expected error for invalid rule")
	}
}

func TestTokenCommand(t *testing.T) {
	out, err := run(t, "token", "--secret", "s3cret", "alice")
	if err != nil {
		t.Fatalf("token returned error: %v", err)
	}

	claims, err := auth.NewJWTManager(auth.DefaultJWTConfig("s3cret")).ValidateToken(strings.TrimSpace(out))
	if err != nil {
		t.Fatalf("issued token does not validate: %v", err)
	}
	if claims.Subject != "alice" || !claims.IsAdmin() {
		t.Errorf("unexpected claims %+v", claims)
	}

	if _, err := run(t, "token", "--secret", "s3cret", "--role", "root", "alice"); err == nil {
		t.Error("expected error for unknown role")
	}
}

func TestRulesStoreCommands_RequireDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	for _, args := range [][]string{
		{"rules", "get", "trailer-epic"},
		{"rules", "delete", "trailer-epic"},
		{"rules", "import", filepath.Join("..", "..", "configs", "business_rules.yaml")},
	} {
		_, err := run(t, args...)
		if err == nil || !strings.Contains(err.Error(), "--database-url") {
			t.Errorf("%v: expected database URL error, got %v", args, err)
		}
	}
}

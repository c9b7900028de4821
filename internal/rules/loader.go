package rules

import (
	"context"
	"fmt"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader fetches the current rule set from its source.
type Loader interface {
	Load(ctx context.Context) ([]BusinessRule, error)
	Source() string
}

// FileLoader reads rules from the "rules" list of a YAML file.
type FileLoader struct {
	path string
}

var _ Loader = (*FileLoader)(nil)

// NewFileLoader creates a loader for the YAML file at path.
func NewFileLoader(path string) *FileLoader {
	return &FileLoader{path: path}
}

// Load parses and validates the file.
func (l *FileLoader) Load(ctx context.Context) ([]BusinessRule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(l.path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to read rules file %s: %w", l.path, err)
	}

	var rules []BusinessRule
	if err := k.Unmarshal("rules", &rules); err != nil {
		return nil, fmt.Errorf("failed to decode rules file %s: %w", l.path, err)
	}
	if err := ValidateRules(rules); err != nil {
		return nil, fmt.Errorf("invalid rules file %s: %w", l.path, err)
	}
	if rules == nil {
		rules = []BusinessRule{}
	}
	return rules, nil
}

// Source returns the file path.
func (l *FileLoader) Source() string {
	return "file:" + l.path
}

// StaticLoader serves a fixed rule set.
type StaticLoader []BusinessRule

var _ Loader = StaticLoader(nil)

func (s StaticLoader) Load(ctx context.Context) ([]BusinessRule, error) {
	out := make([]BusinessRule, len(s))
	copy(out, s)
	return out, nil
}

func (s StaticLoader) Source() string {
	return "static"
}

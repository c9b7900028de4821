package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/knoguchi/trackrank/internal/repository"
	"github.com/knoguchi/trackrank/internal/rules"
)

// RuleRepo implements repository.RuleRepository on the business_rules table
type RuleRepo struct {
	db *DB
}

var _ repository.RuleRepository = (*RuleRepo)(nil)

// NewRuleRepo creates a new rule repository
func NewRuleRepo(db *DB) *RuleRepo {
	return &RuleRepo{db: db}
}

// Load returns every stored rule, disabled ones included. Rules with an
// invalid action are returned as-is and reported by the engine.
func (r *RuleRepo) Load(ctx context.Context) ([]rules.BusinessRule, error) {
	query := `
		SELECT id, type, enabled, priority, pattern, description, action
		FROM business_rules
		ORDER BY priority, id
	`
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	out := []rules.BusinessRule{}
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rules: %w", err)
	}
	return out, nil
}

// Source identifies the table rules are loaded from
func (r *RuleRepo) Source() string {
	return "postgres:business_rules"
}

// Get retrieves a rule by ID
func (r *RuleRepo) Get(ctx context.Context, id string) (*rules.BusinessRule, error) {
	query := `
		SELECT id, type, enabled, priority, pattern, description, action
		FROM business_rules
		WHERE id = $1
	`
	rule, err := scanRule(r.db.Pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return rule, nil
}

// Upsert inserts or replaces rules in one batch
func (r *RuleRepo) Upsert(ctx context.Context, rs []rules.BusinessRule) error {
	if len(rs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, rule := range rs {
		actionJSON, err := json.Marshal(rule.Action)
		if err != nil {
			return fmt.Errorf("failed to marshal action of rule %s: %w", rule.ID, err)
		}
		batch.Queue(`
			INSERT INTO business_rules (id, type, enabled, priority, pattern, description, action)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO UPDATE
			SET type = EXCLUDED.type, enabled = EXCLUDED.enabled, priority = EXCLUDED.priority,
			    pattern = EXCLUDED.pattern, description = EXCLUDED.description,
			    action = EXCLUDED.action, updated_at = NOW()
		`, rule.ID, string(rule.Type), rule.Enabled, rule.Priority, rule.Pattern, rule.Description, actionJSON)
	}

	results := r.db.Pool.SendBatch(ctx, batch)
	defer results.Close()

	for _, rule := range rs {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to upsert rule %s: %w", rule.ID, err)
		}
	}
	return nil
}

// Delete deletes a rule
func (r *RuleRepo) Delete(ctx context.Context, id string) error {
	result, err := r.db.Pool.Exec(ctx, `DELETE FROM business_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func scanRule(row pgx.Row) (*rules.BusinessRule, error) {
	var rule rules.BusinessRule
	var ruleType string
	var actionJSON []byte

	if err := row.Scan(&rule.ID, &ruleType, &rule.Enabled, &rule.Priority,
		&rule.Pattern, &rule.Description, &actionJSON); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan rule: %w", err)
	}
	rule.Type = rules.RuleType(ruleType)

	if len(actionJSON) > 0 {
		if err := json.Unmarshal(actionJSON, &rule.Action); err != nil {
			return nil, fmt.Errorf("failed to unmarshal action of rule %s: %w", rule.ID, err)
		}
	}
	return &rule, nil
}

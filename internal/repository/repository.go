// Package repository defines persisted records and data access interfaces for business rules and rank audits.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/knoguchi/trackrank/internal/rules"
	"github.com/knoguchi/trackrank/internal/search"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// AuditEntry is the stored audit trail of one rerank request
type AuditEntry struct {
	ID           uuid.UUID               `json:"id"`
	RequestID    uuid.UUID               `json:"request_id"`
	Query        string                  `json:"query"`
	RulesVersion uuid.UUID               `json:"rules_version"`
	Filters      []search.Filter         `json:"filters"`
	Applied      []rules.AppliedRule     `json:"applied_rules"`
	Adjustments  []rules.ScoreAdjustment `json:"score_adjustments"`
	Failed       []rules.FailedRule      `json:"failed_rules"`
	DocumentIDs  []string                `json:"document_ids"` // served order
	CreatedAt    time.Time               `json:"created_at"`
}

// RuleRepository defines operations for business rule persistence
type RuleRepository interface {
	rules.Loader
	Get(ctx context.Context, id string) (*rules.BusinessRule, error)
	Upsert(ctx context.Context, rs []rules.BusinessRule) error
	Delete(ctx context.Context, id string) error
}

// AuditRepository defines operations for audit trail persistence
type AuditRepository interface {
	Record(ctx context.Context, entry *AuditEntry) error
	GetByRequestID(ctx context.Context, requestID uuid.UUID) (*AuditEntry, error)
	List(ctx context.Context, limit, offset int) ([]*AuditEntry, int, error)
}

package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/knoguchi/trackrank/internal/repository"
)

// AuditRepo implements repository.AuditRepository on the rank_audit table
type AuditRepo struct {
	db *DB
}

var _ repository.AuditRepository = (*AuditRepo)(nil)

// NewAuditRepo creates a new audit repository
func NewAuditRepo(db *DB) *AuditRepo {
	return &AuditRepo{db: db}
}

const auditColumns = `id, request_id, query, rules_version, filters, applied, adjustments, failed, document_ids, created_at`

// Record stores an audit entry
func (r *AuditRepo) Record(ctx context.Context, entry *repository.AuditEntry) error {
	filters, err := json.Marshal(entry.Filters)
	if err != nil {
		return fmt.Errorf("failed to marshal filters: %w", err)
	}
	applied, err := json.Marshal(entry.Applied)
	if err != nil {
		return fmt.Errorf("failed to marshal applied rules: %w", err)
	}
	adjustments, err := json.Marshal(entry.Adjustments)
	if err != nil {
		return fmt.Errorf("failed to marshal score adjustments: %w", err)
	}
	failed, err := json.Marshal(entry.Failed)
	if err != nil {
		return fmt.Errorf("failed to marshal failed rules: %w", err)
	}

	query := `
		INSERT INTO rank_audit (` + auditColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err = r.db.Pool.Exec(ctx, query,
		entry.ID, entry.RequestID, entry.Query, entry.RulesVersion,
		filters, applied, adjustments, failed, entry.DocumentIDs, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record audit entry: %w", err)
	}
	return nil
}

// GetByRequestID retrieves the audit entry of a request
func (r *AuditRepo) GetByRequestID(ctx context.Context, requestID uuid.UUID) (*repository.AuditEntry, error) {
	query := `SELECT ` + auditColumns + ` FROM rank_audit WHERE request_id = $1`

	entry, err := scanAudit(r.db.Pool.QueryRow(ctx, query, requestID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get audit entry: %w", err)
	}
	return entry, nil
}

// List retrieves audit entries, newest first
func (r *AuditRepo) List(ctx context.Context, limit, offset int) ([]*repository.AuditEntry, int, error) {
	var total int
	if err := r.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM rank_audit`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count audit entries: %w", err)
	}

	query := `SELECT ` + auditColumns + ` FROM rank_audit ORDER BY created_at DESC, id LIMIT $1 OFFSET $2`
	rows, err := r.db.Pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*repository.AuditEntry
	for rows.Next() {
		entry, err := scanAudit(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate audit entries: %w", err)
	}
	return entries, total, nil
}

func scanAudit(row pgx.Row) (*repository.AuditEntry, error) {
	var entry repository.AuditEntry
	var filters, applied, adjustments, failed []byte

	if err := row.Scan(&entry.ID, &entry.RequestID, &entry.Query, &entry.RulesVersion,
		&filters, &applied, &adjustments, &failed, &entry.DocumentIDs, &entry.CreatedAt); err != nil {
		return nil, err
	}

	for _, col := range []struct {
		name string
		data []byte
		dst  any
	}{
		{"filters", filters, &entry.Filters},
		{"applied", applied, &entry.Applied},
		{"adjustments", adjustments, &entry.Adjustments},
		{"failed", failed, &entry.Failed},
	} {
		if err := json.Unmarshal(col.data, col.dst); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", col.name, err)
		}
	}
	return &entry, nil
}

package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/platinummonkey/tenantguard/pkg/tenancy"
)

// Sink is a destination for audit entries and RLS violations
type Sink interface {
	WriteEntry(ctx context.Context, entry Entry) error
	WriteViolation(ctx context.Context, v Violation) error
}

// DBSink writes audit entries to rls_audit_log and violations to rls_violation_log.
// It should be given its own pool handle, not a caller's transaction, so an
// aborted request transaction does not take its audit trail with it.
type DBSink struct {
	db tenancy.DBTX
}

// NewDBSink creates a new database-backed sink
func NewDBSink(db tenancy.DBTX) (*DBSink, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	return &DBSink{db: db}, nil
}

// WriteEntry inserts one audit row
func (s *DBSink) WriteEntry(ctx context.Context, entry Entry) error {
	if entry.Event == nil {
		return fmt.Errorf("audit entry has no event")
	}

	details, err := json.Marshal(entry.Event)
	if err != nil {
		return fmt.Errorf("failed to marshal %s details: %w", entry.Event.Kind(), err)
	}

	var attempted *int64
	if e, ok := entry.Event.(CrossTenantAccessDenied); ok {
		attempted = &e.TargetTenant
	}

	query := `
		INSERT INTO rls_audit_log (
			tenant_id, user_id, action, table_name,
			attempted_access_to_tenant, schema_version, details, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err = s.db.ExecContext(ctx, query,
		entry.TenantID, entry.UserID, string(entry.Event.Kind()), entry.Event.target(),
		attempted, SchemaVersion, details, entry.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}
	return nil
}

// WriteViolation inserts one violation row
func (s *DBSink) WriteViolation(ctx context.Context, v Violation) error {
	query := `
		INSERT INTO rls_violation_log (tenant_id, user_id, operation, table_name, violation_time)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := s.db.ExecContext(ctx, query, v.TenantID, v.UserID, v.Operation, v.Table, v.ViolationTime)
	if err != nil {
		return fmt.Errorf("failed to insert rls violation: %w", err)
	}
	return nil
}

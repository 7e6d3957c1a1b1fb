package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/platinummonkey/tenantguard/pkg/tenancy"
)

// Store provides methods for querying and pruning the audit trail
type Store interface {
	// Search returns audit records for one tenant, newest first
	Search(ctx context.Context, filter SearchFilter) ([]Record, error)

	// Violations returns RLS violations for one tenant, newest first
	Violations(ctx context.Context, tenantID int64, limit int) ([]Violation, error)

	// PurgeBefore deletes audit and violation rows older than cutoff
	PurgeBefore(ctx context.Context, tenantID int64, cutoff time.Time) (int64, error)
}

// DBStore implements Store on PostgreSQL
type DBStore struct {
	db tenancy.DBTX
}

// NewDBStore creates a new database-backed audit store
func NewDBStore(db tenancy.DBTX) *DBStore {
	return &DBStore{db: db}
}

// Search searches audit logs based on filters
func (s *DBStore) Search(ctx context.Context, filter SearchFilter) ([]Record, error) {
	if filter.TenantID <= 0 {
		return nil, tenancy.Validate(false, "tenant id is required")
	}

	query := `
		SELECT id, tenant_id, user_id, action, table_name,
			attempted_access_to_tenant, schema_version, details, created_at
		FROM rls_audit_log
		WHERE tenant_id = $1
	`
	args := []interface{}{filter.TenantID}
	argCount := 2

	if filter.UserID != nil {
		query += fmt.Sprintf(" AND user_id = $%d", argCount)
		args = append(args, *filter.UserID)
		argCount++
	}

	if len(filter.Kinds) > 0 {
		kinds := make([]string, len(filter.Kinds))
		for i, k := range filter.Kinds {
			kinds[i] = string(k)
		}
		query += fmt.Sprintf(" AND action = ANY($%d)", argCount)
		args = append(args, pq.Array(kinds))
		argCount++
	}

	if filter.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argCount)
		args = append(args, *filter.Since)
		argCount++
	}

	if filter.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argCount)
		args = append(args, *filter.Until)
		argCount++
	}

	query += " ORDER BY created_at DESC, id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argCount)
	args = append(args, clampLimit(filter.Limit))
	argCount++

	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argCount)
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, tenancy.StorageError("search audit logs", err)
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		var (
			r         Record
			userID    sql.NullInt64
			table     sql.NullString
			attempted sql.NullInt64
			details   []byte
		)
		if err := rows.Scan(&r.ID, &r.TenantID, &userID, &r.Kind, &table,
			&attempted, &r.SchemaVersion, &details, &r.CreatedAt); err != nil {
			return nil, tenancy.StorageError("scan audit log", err)
		}
		if userID.Valid {
			r.UserID = &userID.Int64
		}
		if attempted.Valid {
			r.AttemptedTenant = &attempted.Int64
		}
		r.Table = table.String
		r.Details = details
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, tenancy.StorageError("iterate audit logs", err)
	}

	return records, nil
}

// Violations lists violation rows for a tenant
func (s *DBStore) Violations(ctx context.Context, tenantID int64, limit int) ([]Violation, error) {
	query := `
		SELECT id, tenant_id, user_id, operation, table_name, violation_time
		FROM rls_violation_log
		WHERE tenant_id = $1
		ORDER BY violation_time DESC, id DESC
		LIMIT $2
	`

	rows, err := s.db.QueryContext(ctx, query, tenantID, clampLimit(limit))
	if err != nil {
		return nil, tenancy.StorageError("list rls violations", err)
	}
	defer rows.Close()

	violations := make([]Violation, 0)
	for rows.Next() {
		var (
			v      Violation
			userID sql.NullInt64
		)
		if err := rows.Scan(&v.ID, &v.TenantID, &userID, &v.Operation, &v.Table, &v.ViolationTime); err != nil {
			return nil, tenancy.StorageError("scan rls violation", err)
		}
		if userID.Valid {
			v.UserID = &userID.Int64
		}
		violations = append(violations, v)
	}

	if err := rows.Err(); err != nil {
		return nil, tenancy.StorageError("iterate rls violations", err)
	}

	return violations, nil
}

// PurgeBefore is a range delete, so concurrent or repeated runs converge on
// the same state.
func (s *DBStore) PurgeBefore(ctx context.Context, tenantID int64, cutoff time.Time) (int64, error) {
	var total int64

	result, err := s.db.ExecContext(ctx,
		"DELETE FROM rls_audit_log WHERE tenant_id = $1 AND created_at < $2", tenantID, cutoff)
	if err != nil {
		return 0, tenancy.StorageError("purge audit logs", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, tenancy.StorageError("count purged audit logs", err)
	}
	total += n

	result, err = s.db.ExecContext(ctx,
		"DELETE FROM rls_violation_log WHERE tenant_id = $1 AND violation_time < $2", tenantID, cutoff)
	if err != nil {
		return total, tenancy.StorageError("purge rls violations", err)
	}
	n, err = result.RowsAffected()
	if err != nil {
		return total, tenancy.StorageError("count purged rls violations", err)
	}
	total += n

	return total, nil
}

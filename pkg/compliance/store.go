package compliance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/platinummonkey/tenantguard/pkg/storage/postgres"
	"github.com/platinummonkey/tenantguard/pkg/tenancy"
)

// Store persists consent records and deletion requests
type Store interface {
	// UpsertConsent inserts or replaces the record for (tenant, user, type)
	UpsertConsent(ctx context.Context, rec *ConsentRecord) error
	// GetConsent returns tenancy.ErrNotFound when no record exists
	GetConsent(ctx context.Context, tenantID, userID int64, consentType string) (*ConsentRecord, error)

	CreateDeletionRequest(ctx context.Context, req *DeletionRequest) error
	// FindPendingDeletion returns tenancy.ErrNotFound unless a pending request
	// matches all of tenant, user and code
	FindPendingDeletion(ctx context.Context, tenantID, userID int64, code string) (*DeletionRequest, error)
	// CompleteDeletion moves a pending request to completed. It returns
	// tenancy.ErrNotFound if the request is no longer pending.
	CompleteDeletion(ctx context.Context, id int64, processed, failed []string, at time.Time) error
	GetDeletionRequest(ctx context.Context, tenantID, id int64) (*DeletionRequest, error)
}

// PostgresStore implements Store on PostgreSQL
type PostgresStore struct {
	db tenancy.DBTX
}

// NewPostgresStore creates a new compliance store
func NewPostgresStore(db tenancy.DBTX) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) UpsertConsent(ctx context.Context, rec *ConsentRecord) error {
	query := `
		INSERT INTO user_consent (tenant_id, user_id, consent_type, granted, granted_at, expires_at, version, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $5)
		ON CONFLICT (tenant_id, user_id, consent_type) DO UPDATE SET
			granted = EXCLUDED.granted,
			granted_at = EXCLUDED.granted_at,
			expires_at = EXCLUDED.expires_at,
			version = EXCLUDED.version,
			last_updated = EXCLUDED.last_updated
		RETURNING id
	`

	err := s.db.QueryRowContext(ctx, query,
		rec.TenantID, rec.UserID, rec.ConsentType, rec.Granted, rec.GrantedAt, rec.ExpiresAt, rec.Version,
	).Scan(&rec.ID)
	if err != nil {
		return tenancy.StorageError("record user consent", err)
	}
	rec.UpdatedAt = rec.GrantedAt
	return nil
}

func (s *PostgresStore) GetConsent(ctx context.Context, tenantID, userID int64, consentType string) (*ConsentRecord, error) {
	query := `
		SELECT id, tenant_id, user_id, consent_type, granted, granted_at, expires_at, version, last_updated
		FROM user_consent
		WHERE tenant_id = $1 AND user_id = $2 AND consent_type = $3
	`

	var rec ConsentRecord
	err := s.db.QueryRowContext(ctx, query, tenantID, userID, consentType).Scan(
		&rec.ID, &rec.TenantID, &rec.UserID, &rec.ConsentType, &rec.Granted,
		&rec.GrantedAt, &rec.ExpiresAt, &rec.Version, &rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("consent %q: %w", consentType, tenancy.ErrNotFound)
	}
	if err != nil {
		return nil, tenancy.StorageError("verify consent", err)
	}
	return &rec, nil
}

func (s *PostgresStore) CreateDeletionRequest(ctx context.Context, req *DeletionRequest) error {
	query := `
		INSERT INTO data_deletion_requests (tenant_id, user_id, requested_at, status, reason, verification_code)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`

	err := s.db.QueryRowContext(ctx, query,
		req.TenantID, req.UserID, req.RequestedAt, string(req.Status), string(req.Reason), req.VerificationCode,
	).Scan(&req.ID)
	if err != nil {
		return postgres.Classify("create deletion request", err)
	}
	return nil
}

const deletionColumns = `id, tenant_id, user_id, reason, verification_code, status, requested_at, completed_at, processed_tables, failed_tables`

func scanDeletion(row *sql.Row) (*DeletionRequest, error) {
	var (
		req         DeletionRequest
		reason      string
		status      string
		completedAt sql.NullTime
	)
	err := row.Scan(&req.ID, &req.TenantID, &req.UserID, &reason, &req.VerificationCode, &status,
		&req.RequestedAt, &completedAt, pq.Array(&req.ProcessedTables), pq.Array(&req.FailedTables))
	if err != nil {
		return nil, err
	}
	req.Reason = DeletionReason(reason)
	req.Status = DeletionStatus(status)
	if completedAt.Valid {
		t := completedAt.Time
		req.CompletedAt = &t
	}
	return &req, nil
}

func (s *PostgresStore) FindPendingDeletion(ctx context.Context, tenantID, userID int64, code string) (*DeletionRequest, error) {
	query := `SELECT ` + deletionColumns + `
		FROM data_deletion_requests
		WHERE tenant_id = $1 AND user_id = $2 AND verification_code = $3 AND status = 'pending_verification'
	`

	req, err := scanDeletion(s.db.QueryRowContext(ctx, query, tenantID, userID, code))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tenancy.ErrNotFound
	}
	if err != nil {
		return nil, tenancy.StorageError("verify deletion request", err)
	}
	return req, nil
}

func (s *PostgresStore) CompleteDeletion(ctx context.Context, id int64, processed, failed []string, at time.Time) error {
	query := `
		UPDATE data_deletion_requests
		SET status = 'completed', completed_at = $2, processed_tables = $3, failed_tables = $4
		WHERE id = $1 AND status = 'pending_verification'
	`

	result, err := s.db.ExecContext(ctx, query, id, at, pq.Array(processed), pq.Array(failed))
	if err != nil {
		return tenancy.StorageError("complete deletion request", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return tenancy.StorageError("complete deletion request", err)
	}
	if n == 0 {
		return fmt.Errorf("deletion request %d: %w", id, tenancy.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) GetDeletionRequest(ctx context.Context, tenantID, id int64) (*DeletionRequest, error) {
	query := `SELECT ` + deletionColumns + ` FROM data_deletion_requests WHERE id = $1 AND tenant_id = $2`

	req, err := scanDeletion(s.db.QueryRowContext(ctx, query, id, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("deletion request %d: %w", id, tenancy.ErrNotFound)
	}
	if err != nil {
		return nil, tenancy.StorageError("get deletion request", err)
	}
	return req, nil
}

package compliance

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/tenantguard/pkg/audit"
	"github.com/platinummonkey/tenantguard/pkg/contextkeys"
	"github.com/platinummonkey/tenantguard/pkg/observability"
	"github.com/platinummonkey/tenantguard/pkg/tenancy"
)

// DefaultRetentionDays is the audit retention window when none is configured
const DefaultRetentionDays = 365

// Archiver stores export bundles outside the database
type Archiver interface {
	PutObject(ctx context.Context, key string, content io.Reader, contentType string) error
	URI(key string) string
}

// Config wires a Manager
type Config struct {
	// DB runs the erasure and export statements. Pass a *sql.Tx to make a
	// deletion atomic; partial writes are otherwise kept on cancellation.
	DB         tenancy.DBTX
	Store      Store
	AuditStore audit.Store
	Recorder   *audit.Recorder
	Archiver   Archiver

	Targets          []DeletionTarget
	PrimaryExport    *ExportQuery
	SecondaryExports []ExportQuery

	Level         Level
	RetentionDays int
	HardDelete    bool

	Logger  *logrus.Logger
	Metrics *observability.Metrics
}

// Manager runs the consent, deletion, retention and export lifecycle
type Manager struct {
	db         tenancy.DBTX
	store      Store
	auditStore audit.Store
	recorder   *audit.Recorder
	archiver   Archiver

	targets   []DeletionTarget
	primary   ExportQuery
	secondary []ExportQuery

	mu            sync.RWMutex
	level         Level
	retentionDays int
	anonymize     bool

	logger  *logrus.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewManager creates a compliance manager
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("compliance store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Recorder == nil {
		cfg.Recorder = audit.NewRecorder(nil, audit.RecorderConfig{Logger: cfg.Logger})
	}
	if cfg.Targets == nil {
		cfg.Targets = DefaultDeletionTargets()
	}
	if cfg.PrimaryExport == nil {
		primary := DefaultPrimaryExport()
		cfg.PrimaryExport = &primary
	}
	if cfg.SecondaryExports == nil {
		cfg.SecondaryExports = DefaultSecondaryExports()
	}
	if cfg.Level == "" {
		cfg.Level = LevelFull
	}
	if !cfg.Level.Valid() {
		return nil, fmt.Errorf("unknown compliance level %q", cfg.Level)
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = DefaultRetentionDays
	}

	return &Manager{
		db:            cfg.DB,
		store:         cfg.Store,
		auditStore:    cfg.AuditStore,
		recorder:      cfg.Recorder,
		archiver:      cfg.Archiver,
		targets:       cfg.Targets,
		primary:       *cfg.PrimaryExport,
		secondary:     cfg.SecondaryExports,
		level:         cfg.Level,
		retentionDays: cfg.RetentionDays,
		anonymize:     !cfg.HardDelete,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
		now:           time.Now,
	}, nil
}

// actor is the authenticated principal, or the data subject when the call
// carries none
func actor(ctx context.Context, subject int64) *int64 {
	if id := contextkeys.ActorID(ctx); id != nil {
		return id
	}
	return &subject
}

func validateSubject(tenantID, userID int64) error {
	return tenancy.Validate(tenantID > 0 && userID > 0, "tenant and user ids must be positive")
}

// RecordUserConsent upserts the consent decision and always refreshes its
// grant and expiry times, even when granted is unchanged
func (m *Manager) RecordUserConsent(ctx context.Context, tenantID, userID int64, consentType string, granted bool, expirationDays int) error {
	consentType = strings.TrimSpace(consentType)
	if err := validateSubject(tenantID, userID); err != nil {
		return err
	}
	if err := tenancy.Validate(consentType != "", "consent type is required"); err != nil {
		return err
	}
	if err := tenancy.Validate(expirationDays > 0, "expiration days must be positive"); err != nil {
		return err
	}

	now := m.now().UTC()
	rec := &ConsentRecord{
		TenantID:    tenantID,
		UserID:      userID,
		ConsentType: consentType,
		Granted:     granted,
		GrantedAt:   now,
		ExpiresAt:   now.AddDate(0, 0, expirationDays),
		Version:     ConsentVersion,
	}
	if err := m.store.UpsertConsent(ctx, rec); err != nil {
		m.logger.WithError(err).WithFields(logrus.Fields{
			"tenant_id":    tenantID,
			"user_id":      userID,
			"consent_type": consentType,
		}).Error("Failed to record user consent")
		return err
	}

	m.recorder.Record(ctx, tenantID, actor(ctx, userID), audit.ConsentRecorded{
		ConsentType: consentType,
		Granted:     granted,
		ExpiresAt:   rec.ExpiresAt,
	})
	return nil
}

// GetConsentStatus tells absent, revoked, expired and granted consent apart
func (m *Manager) GetConsentStatus(ctx context.Context, tenantID, userID int64, consentType string) (ConsentStatus, error) {
	rec, err := m.store.GetConsent(ctx, tenantID, userID, consentType)
	if errors.Is(err, tenancy.ErrNotFound) {
		return ConsentAbsent, nil
	}
	if err != nil {
		return ConsentAbsent, err
	}
	return statusAt(rec, m.now()), nil
}

// VerifyUserConsent is true only for an unexpired grant. Absent, revoked,
// expired and unreadable consent all report false.
func (m *Manager) VerifyUserConsent(ctx context.Context, tenantID, userID int64, consentType string) bool {
	status, err := m.GetConsentStatus(ctx, tenantID, userID, consentType)
	if err != nil {
		m.logger.WithError(err).WithFields(logrus.Fields{
			"tenant_id":    tenantID,
			"user_id":      userID,
			"consent_type": consentType,
		}).Error("Consent check failed; treating as not granted")
		return false
	}
	return status == ConsentGranted
}

// RequestDataDeletion opens a deletion request and returns its single-use
// verification code. Nothing is erased until the code is presented.
func (m *Manager) RequestDataDeletion(ctx context.Context, tenantID, userID int64, reason DeletionReason) (string, error) {
	if err := validateSubject(tenantID, userID); err != nil {
		return "", err
	}
	if reason == "" {
		reason = ReasonRightToBeForgotten
	}
	if err := tenancy.Validate(reason.Valid(), "unknown deletion reason "+string(reason)); err != nil {
		return "", err
	}

	req := &DeletionRequest{
		TenantID:         tenantID,
		UserID:           userID,
		Reason:           reason,
		VerificationCode: uuid.NewString(),
		Status:           StatusPendingVerification,
		RequestedAt:      m.now().UTC(),
	}
	if err := m.store.CreateDeletionRequest(ctx, req); err != nil {
		return "", err
	}

	m.recorder.Record(ctx, tenantID, actor(ctx, userID), audit.DataDeletionRequested{
		SubjectID: userID,
		Reason:    string(reason),
	})
	m.logger.WithFields(logrus.Fields{
		"tenant_id":  tenantID,
		"user_id":    userID,
		"request_id": req.ID,
		"reason":     reason,
	}).Info("Data deletion requested")
	return req.VerificationCode, nil
}

// VerifyAndExecuteDataDeletion erases the user's data if code matches a
// pending request of this tenant and user. Every mismatch is reported as the
// same tenancy.ErrInvalidVerification. Erasure continues past failing tables;
// the request completes once every table was attempted and the result lists
// each table's outcome.
func (m *Manager) VerifyAndExecuteDataDeletion(ctx context.Context, tenantID, userID int64, code string) (*DeletionResult, error) {
	ctx, span := observability.Tracer().Start(ctx, "compliance.VerifyAndExecuteDataDeletion", trace.WithAttributes(
		attribute.Int64("tenant.id", tenantID),
	))
	defer span.End()
	defer m.metrics.ObserveDuration("compliance", "delete_user_data", time.Now())

	if m.db == nil {
		return nil, fmt.Errorf("no database configured for deletion")
	}
	if code == "" {
		return nil, tenancy.ErrInvalidVerification
	}

	req, err := m.store.FindPendingDeletion(ctx, tenantID, userID, code)
	if errors.Is(err, tenancy.ErrNotFound) {
		m.logger.WithFields(logrus.Fields{
			"tenant_id": tenantID,
			"user_id":   userID,
		}).Warn("Deletion verification failed")
		return nil, tenancy.ErrInvalidVerification
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	result := m.erase(ctx, tenantID, userID)
	result.RequestID = req.ID
	result.CompletedAt = m.now().UTC()

	processed, failed := result.Processed(), result.Failed()
	if err := m.store.CompleteDeletion(ctx, req.ID, processed, failed, result.CompletedAt); err != nil {
		if errors.Is(err, tenancy.ErrNotFound) {
			// Another caller completed the same request first.
			return nil, tenancy.ErrInvalidVerification
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "complete deletion failed")
		return nil, err
	}

	m.recorder.Record(ctx, tenantID, actor(ctx, userID), audit.DataDeletionCompleted{
		SubjectID: userID,
		Mode:      string(result.Mode),
		Processed: processed,
		Failed:    failed,
	})

	entry := m.logger.WithFields(logrus.Fields{
		"tenant_id":  tenantID,
		"user_id":    userID,
		"request_id": req.ID,
		"mode":       result.Mode,
		"processed":  len(processed),
	})
	if len(failed) > 0 {
		span.SetAttributes(attribute.StringSlice("failed_tables", failed))
		entry.WithField("failed_tables", failed).Warn("Data deletion completed with failures")
	} else {
		entry.Info("Data deletion completed")
	}
	return result, nil
}

// erase runs the statement of every target for the current mode. Failures
// are recorded per table and never stop the loop.
func (m *Manager) erase(ctx context.Context, tenantID, userID int64) *DeletionResult {
	mode := ModeDelete
	if m.AnonymizationEnabled() {
		mode = ModeAnonymize
	}

	result := &DeletionResult{Mode: mode, Tables: make([]TableResult, 0, len(m.targets))}
	for _, target := range m.targets {
		stmt := target.statement(mode)
		if stmt == "" {
			continue
		}

		tr := TableResult{Table: target.Table}
		res, err := m.db.ExecContext(ctx, stmt, tenantID, userID)
		if err == nil {
			tr.RowsAffected, err = res.RowsAffected()
		}
		if err != nil {
			tr.Error = err.Error()
			m.logger.WithError(err).WithFields(logrus.Fields{
				"tenant_id": tenantID,
				"user_id":   userID,
				"table":     target.Table,
				"mode":      mode,
			}).Warn("Failed to erase user data; continuing")
		}
		m.metrics.RecordDeletionTable(string(mode), err == nil)
		result.Tables = append(result.Tables, tr)
	}
	return result
}

// GetDeletionRequest returns a deletion request of the tenant
func (m *Manager) GetDeletionRequest(ctx context.Context, tenantID, requestID int64) (*DeletionRequest, error) {
	return m.store.GetDeletionRequest(ctx, tenantID, requestID)
}

// EnforceDataRetentionPolicy purges the tenant's audit and violation rows
// older than the retention window. Repeated or concurrent runs converge.
func (m *Manager) EnforceDataRetentionPolicy(ctx context.Context, tenantID int64) (int64, error) {
	ctx, span := observability.Tracer().Start(ctx, "compliance.EnforceDataRetentionPolicy", trace.WithAttributes(
		attribute.Int64("tenant.id", tenantID),
	))
	defer span.End()
	defer m.metrics.ObserveDuration("compliance", "enforce_retention", time.Now())

	if err := tenancy.Validate(tenantID > 0, "tenant id must be positive"); err != nil {
		return 0, err
	}
	if m.auditStore == nil {
		return 0, fmt.Errorf("no audit store configured for retention")
	}

	days := m.DataRetentionDays()
	cutoff := m.now().UTC().AddDate(0, 0, -days)

	rows, err := m.auditStore.PurgeBefore(ctx, tenantID, cutoff)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "purge failed")
		m.logger.WithError(err).WithField("tenant_id", tenantID).Error("Failed to enforce retention policy")
		return rows, err
	}
	span.SetAttributes(attribute.Int64("rows_deleted", rows))
	m.metrics.RecordRetention(rows)

	m.recorder.Record(ctx, tenantID, contextkeys.ActorID(ctx), audit.RetentionEnforced{
		Cutoff:      cutoff,
		RowsDeleted: rows,
	})
	m.logger.WithFields(logrus.Fields{
		"tenant_id":      tenantID,
		"retention_days": days,
		"rows_deleted":   rows,
	}).Info("Data retention policy enforced")
	return rows, nil
}

// ExportUserData collects the user's data. The user row is required;
// secondary sections are best-effort and their failures become warnings.
// Every attempt is audited with its outcome.
func (m *Manager) ExportUserData(ctx context.Context, tenantID, userID int64) (bundle *ExportBundle, err error) {
	ctx, span := observability.Tracer().Start(ctx, "compliance.ExportUserData", trace.WithAttributes(
		attribute.Int64("tenant.id", tenantID),
	))
	defer span.End()

	defer func() {
		outcome, warnings := "success", 0
		switch {
		case errors.Is(err, tenancy.ErrValidation):
			outcome = "invalid"
		case errors.Is(err, tenancy.ErrNotFound):
			outcome = "not_found"
		case err != nil:
			outcome = "failed"
			span.RecordError(err)
			span.SetStatus(codes.Error, "export failed")
		case len(bundle.Warnings) > 0:
			outcome, warnings = "partial", len(bundle.Warnings)
		}
		m.metrics.RecordExport(outcome)
		m.recorder.Record(ctx, tenantID, actor(ctx, userID), audit.DataExported{
			SubjectID: userID,
			Outcome:   outcome,
			Warnings:  warnings,
		})
	}()

	if err := validateSubject(tenantID, userID); err != nil {
		return nil, err
	}

	users, err := m.queryRows(ctx, m.primary, tenantID, userID)
	if err != nil {
		m.logger.WithError(err).WithFields(logrus.Fields{
			"tenant_id": tenantID,
			"user_id":   userID,
		}).Error("Failed to export user data")
		return nil, tenancy.StorageError("query user data", err)
	}
	if len(users) == 0 {
		return nil, fmt.Errorf("user %d: %w", userID, tenancy.ErrNotFound)
	}

	bundle = &ExportBundle{
		TenantID:   tenantID,
		UserID:     userID,
		ExportedAt: m.now().UTC(),
		User:       users[0],
		Sections:   make(map[string][]map[string]interface{}, len(m.secondary)),
	}
	for _, q := range m.secondary {
		rows, qerr := m.queryRows(ctx, q, tenantID, userID)
		if qerr != nil {
			m.logger.WithError(qerr).WithFields(logrus.Fields{
				"tenant_id": tenantID,
				"user_id":   userID,
				"section":   q.Name,
			}).Warn("Skipping export section")
			bundle.Warnings = append(bundle.Warnings, fmt.Sprintf("%s: unavailable", q.Name))
			rows = []map[string]interface{}{}
		}
		bundle.Sections[q.Name] = rows
	}
	return bundle, nil
}

// ArchiveExport uploads bundle as JSON and returns its location
func (m *Manager) ArchiveExport(ctx context.Context, bundle *ExportBundle) (string, error) {
	if m.archiver == nil {
		return "", tenancy.Validate(false, "export archiving is not configured")
	}
	if err := tenancy.Validate(bundle != nil, "export bundle is required"); err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode export bundle: %w", err)
	}

	key := fmt.Sprintf("exports/%d/%d/%s.json", bundle.TenantID, bundle.UserID, uuid.NewString())
	if err := m.archiver.PutObject(ctx, key, bytes.NewReader(data), "application/json"); err != nil {
		m.metrics.RecordExport("archive_failed")
		return "", err
	}

	location := m.archiver.URI(key)
	m.metrics.RecordExport("archived")
	m.recorder.Record(ctx, bundle.TenantID, actor(ctx, bundle.UserID), audit.DataExported{
		SubjectID: bundle.UserID,
		Outcome:   "archived",
		Location:  location,
	})
	return location, nil
}

// queryRows runs q and returns each row as a column map. Byte slices are
// returned as strings so the result encodes as readable JSON.
func (m *Manager) queryRows(ctx context.Context, q ExportQuery, tenantID, userID int64) ([]map[string]interface{}, error) {
	if m.db == nil {
		return nil, fmt.Errorf("no database configured for export")
	}
	rows, err := m.db.QueryContext(ctx, q.Query, tenantID, userID, q.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	out := make([]map[string]interface{}, 0)
	for rows.Next() {
		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
				continue
			}
			row[col] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// SetDataRetentionDays changes the retention window used by later sweeps
func (m *Manager) SetDataRetentionDays(days int) error {
	if err := tenancy.Validate(days > 0, "retention days must be positive"); err != nil {
		return err
	}
	m.mu.Lock()
	m.retentionDays = days
	m.mu.Unlock()
	m.logger.WithField("retention_days", days).Info("Data retention policy updated")
	return nil
}

// DataRetentionDays returns the current retention window
func (m *Manager) DataRetentionDays() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.retentionDays
}

// SetComplianceLevel changes the reported compliance level
func (m *Manager) SetComplianceLevel(level Level) error {
	if err := tenancy.Validate(level.Valid(), "unknown compliance level "+string(level)); err != nil {
		return err
	}
	m.mu.Lock()
	m.level = level
	m.mu.Unlock()
	m.logger.WithField("compliance_level", level).Info("Compliance level updated")
	return nil
}

// SetAnonymization selects anonymization (true) or hard deletion (false)
// for later deletions
func (m *Manager) SetAnonymization(enabled bool) {
	m.mu.Lock()
	m.anonymize = enabled
	m.mu.Unlock()
}

// AnonymizationEnabled reports the current deletion mode
func (m *Manager) AnonymizationEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.anonymize
}

// GetComplianceStatus returns a snapshot of the settings
func (m *Manager) GetComplianceStatus() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Status{
		Level:                m.level,
		DataRetentionDays:    m.retentionDays,
		ConsentRequired:      true,
		AnonymizationEnabled: m.anonymize,
		State:                "operational",
		LastChecked:          m.now().UTC(),
	}
}

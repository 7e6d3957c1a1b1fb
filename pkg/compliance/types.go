package compliance

import (
	"time"
)

// Level is the configured GDPR compliance level
type Level string

const (
	LevelFull    Level = "full"
	LevelPartial Level = "partial"
	LevelMinimal Level = "minimal"
)

// Valid reports whether l is a known level
func (l Level) Valid() bool {
	switch l {
	case LevelFull, LevelPartial, LevelMinimal:
		return true
	}
	return false
}

// DeletionReason explains why a user's data is being erased
type DeletionReason string

const (
	ReasonRightToBeForgotten DeletionReason = "right_to_be_forgotten"
	ReasonRetentionExpired   DeletionReason = "retention_expired"
	ReasonAccountClosure     DeletionReason = "account_closure"
	ReasonBreachResponse     DeletionReason = "breach_response"
)

// Valid reports whether r is a known reason
func (r DeletionReason) Valid() bool {
	switch r {
	case ReasonRightToBeForgotten, ReasonRetentionExpired, ReasonAccountClosure, ReasonBreachResponse:
		return true
	}
	return false
}

// ConsentVersion is stamped on every consent record
const ConsentVersion = "1.0"

// ConsentRecord is the latest consent decision of a user for one consent type
type ConsentRecord struct {
	ID          int64     `json:"id"`
	TenantID    int64     `json:"tenant_id"`
	UserID      int64     `json:"user_id"`
	ConsentType string    `json:"consent_type"`
	Granted     bool      `json:"granted"`
	GrantedAt   time.Time `json:"granted_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Version     string    `json:"version"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ConsentStatus distinguishes the states VerifyUserConsent collapses
type ConsentStatus string

const (
	ConsentAbsent  ConsentStatus = "absent"
	ConsentGranted ConsentStatus = "granted"
	ConsentRevoked ConsentStatus = "revoked"
	ConsentExpired ConsentStatus = "expired"
)

// statusAt classifies a consent record at t. A nil record is absent.
func statusAt(rec *ConsentRecord, t time.Time) ConsentStatus {
	switch {
	case rec == nil:
		return ConsentAbsent
	case !rec.ExpiresAt.After(t):
		return ConsentExpired
	case !rec.Granted:
		return ConsentRevoked
	default:
		return ConsentGranted
	}
}

// DeletionStatus is the state of a deletion request. The only transition is
// pending_verification to completed.
type DeletionStatus string

const (
	StatusPendingVerification DeletionStatus = "pending_verification"
	StatusCompleted           DeletionStatus = "completed"
)

// DeletionRequest is a verified-erasure request for one user
type DeletionRequest struct {
	ID               int64          `json:"id"`
	TenantID         int64          `json:"tenant_id"`
	UserID           int64          `json:"user_id"`
	Reason           DeletionReason `json:"reason"`
	VerificationCode string         `json:"-"`
	Status           DeletionStatus `json:"status"`
	RequestedAt      time.Time      `json:"requested_at"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	ProcessedTables  []string       `json:"processed_tables,omitempty"`
	FailedTables     []string       `json:"failed_tables,omitempty"`
}

// DeletionMode is how personal data is erased
type DeletionMode string

const (
	ModeAnonymize DeletionMode = "anonymize"
	ModeDelete    DeletionMode = "delete"
)

// DeletionTarget is one table touched by an erasure. Statements take the
// tenant as $1 and the user as $2; an empty statement skips the table in
// that mode.
type DeletionTarget struct {
	Table     string
	Anonymize string
	Delete    string
}

func (t DeletionTarget) statement(mode DeletionMode) string {
	if mode == ModeAnonymize {
		return t.Anonymize
	}
	return t.Delete
}

// DefaultDeletionTargets returns the tables erased for a user
func DefaultDeletionTargets() []DeletionTarget {
	return []DeletionTarget{
		{
			Table:     "users",
			Anonymize: `UPDATE users SET email = 'deleted_' || id || '@deleted.local', phone = 'DELETED', name = 'DELETED User' WHERE tenant_id = $1 AND id = $2`,
			Delete:    `DELETE FROM users WHERE tenant_id = $1 AND id = $2`,
		},
		{
			Table:     "customers",
			Anonymize: `UPDATE customers SET email = 'deleted_' || id || '@deleted.local', phone = 'DELETED', name = 'DELETED' WHERE tenant_id = $1 AND id = $2`,
			Delete:    `DELETE FROM customers WHERE tenant_id = $1 AND id = $2`,
		},
		{
			Table:     "user_sessions",
			Anonymize: `DELETE FROM user_sessions WHERE tenant_id = $1 AND user_id = $2`,
			Delete:    `DELETE FROM user_sessions WHERE tenant_id = $1 AND user_id = $2`,
		},
		{
			Table:     "user_consent",
			Anonymize: `DELETE FROM user_consent WHERE tenant_id = $1 AND user_id = $2`,
		},
	}
}

// TableResult is the outcome of erasing one table
type TableResult struct {
	Table        string `json:"table"`
	RowsAffected int64  `json:"rows_affected"`
	Error        string `json:"error,omitempty"`
}

// OK reports whether the table was processed without error
func (r TableResult) OK() bool { return r.Error == "" }

// DeletionResult reports a completed deletion. The request is completed once
// every table was attempted, even if some failed.
type DeletionResult struct {
	RequestID   int64         `json:"request_id"`
	Mode        DeletionMode  `json:"mode"`
	Tables      []TableResult `json:"tables"`
	CompletedAt time.Time     `json:"completed_at"`
}

// Failed returns the tables whose erasure failed
func (r *DeletionResult) Failed() []string {
	var failed []string
	for _, t := range r.Tables {
		if !t.OK() {
			failed = append(failed, t.Table)
		}
	}
	return failed
}

// Processed returns the tables erased without error
func (r *DeletionResult) Processed() []string {
	processed := make([]string, 0, len(r.Tables))
	for _, t := range r.Tables {
		if t.OK() {
			processed = append(processed, t.Table)
		}
	}
	return processed
}

// ExportQuery is one data source included in a user export. The query takes
// the tenant as $1, the user as $2 and the row limit as $3.
type ExportQuery struct {
	Name  string
	Query string
	Limit int
}

// DefaultPrimaryExport loads the user row
func DefaultPrimaryExport() ExportQuery {
	return ExportQuery{
		Name:  "user",
		Query: `SELECT id, tenant_id, email, name, phone, role, created_at, updated_at FROM users WHERE tenant_id = $1 AND id = $2 LIMIT $3`,
		Limit: 1,
	}
}

// DefaultSecondaryExports loads best-effort related data
func DefaultSecondaryExports() []ExportQuery {
	return []ExportQuery{
		{
			Name:  "orders",
			Query: `SELECT id, total_amount, status, created_at FROM orders WHERE tenant_id = $1 AND user_id = $2 ORDER BY created_at DESC LIMIT $3`,
			Limit: 1000,
		},
	}
}

// ExportBundle is everything exported for one user
type ExportBundle struct {
	TenantID   int64                               `json:"tenant_id"`
	UserID     int64                               `json:"user_id"`
	ExportedAt time.Time                           `json:"exported_at"`
	User       map[string]interface{}              `json:"user"`
	Sections   map[string][]map[string]interface{} `json:"sections"`
	Warnings   []string                            `json:"warnings,omitempty"`
}

// Status is a snapshot of the compliance settings
type Status struct {
	Level                Level     `json:"compliance_level"`
	DataRetentionDays    int       `json:"data_retention_days"`
	ConsentRequired      bool      `json:"consent_required"`
	AnonymizationEnabled bool      `json:"anonymization_enabled"`
	State                string    `json:"status"`
	LastChecked          time.Time `json:"last_checked"`
}

package audit

import (
	"encoding/json"
	"fmt"
	"time"
)

// SchemaVersion is stamped on every persisted entry. Bump it when an event's
// JSON shape changes incompatibly.
const SchemaVersion = 1

// Kind identifies an event type in the audit log
type Kind string

const (
	KindSecurityEvent           Kind = "security_event"
	KindCrossTenantAccessDenied Kind = "cross_tenant_access_denied"
	KindTableAccessDenied       Kind = "table_access_denied"
	KindResourceOwnerChanged    Kind = "resource_owner_changed"
	KindRoleAssigned            Kind = "role_assigned"
	KindRoleRemoved             Kind = "role_removed"
	KindRolePermissionsChanged  Kind = "role_permissions_changed"
	KindConsentRecorded         Kind = "consent_recorded"
	KindDataDeletionRequested   Kind = "data_deletion_requested"
	KindDataDeletionCompleted   Kind = "data_deletion_completed"
	KindDataExported            Kind = "data_exported"
	KindRetentionEnforced       Kind = "retention_enforced"
)

// Event is the closed set of things that can be written to the audit log.
// Implementations live in this package only.
type Event interface {
	Kind() Kind
	target() string
}

// SecurityEvent is a free-form security note raised by callers.
type SecurityEvent struct {
	Action string `json:"action"`
	Table  string `json:"table,omitempty"`
}

// CrossTenantAccessDenied is written when an acting tenant asks for another tenant's data.
type CrossTenantAccessDenied struct {
	ActingTenant int64  `json:"acting_tenant"`
	TargetTenant int64  `json:"target_tenant"`
	Table        string `json:"table,omitempty"`
}

// TableAccessDenied is written when a table/operation pair is outside the tenant's allow-list.
type TableAccessDenied struct {
	Table     string `json:"table"`
	Operation string `json:"operation"`
	Reason    string `json:"reason,omitempty"`
}

// ResourceOwnerChanged records an ownership transfer.
type ResourceOwnerChanged struct {
	ResourceID    string `json:"resource_id"`
	ResourceType  string `json:"resource_type"`
	PreviousOwner int64  `json:"previous_owner"`
	NewOwner      int64  `json:"new_owner"`
}

type RoleAssigned struct {
	RoleID    int64      `json:"role_id"`
	UserID    int64      `json:"user_id"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type RoleRemoved struct {
	RoleID int64 `json:"role_id"`
	UserID int64 `json:"user_id"`
}

type RolePermissionsChanged struct {
	RoleID      int64    `json:"role_id"`
	Permissions []string `json:"permissions"`
}

type ConsentRecorded struct {
	ConsentType string    `json:"consent_type"`
	Granted     bool      `json:"granted"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type DataDeletionRequested struct {
	SubjectID int64  `json:"subject_id"`
	Reason    string `json:"reason"`
}

// DataDeletionCompleted lists which tables were processed and which failed.
type DataDeletionCompleted struct {
	SubjectID int64    `json:"subject_id"`
	Mode      string   `json:"mode"`
	Processed []string `json:"processed"`
	Failed    []string `json:"failed,omitempty"`
}

// DataExported is written for every export attempt, successful or not.
type DataExported struct {
	SubjectID int64  `json:"subject_id"`
	Outcome   string `json:"outcome"`
	Warnings  int    `json:"warnings,omitempty"`
	Location  string `json:"location,omitempty"`
}

type RetentionEnforced struct {
	Cutoff      time.Time `json:"cutoff"`
	RowsDeleted int64     `json:"rows_deleted"`
}

func (SecurityEvent) Kind() Kind           { return KindSecurityEvent }
func (CrossTenantAccessDenied) Kind() Kind { return KindCrossTenantAccessDenied }
func (TableAccessDenied) Kind() Kind       { return KindTableAccessDenied }
func (ResourceOwnerChanged) Kind() Kind    { return KindResourceOwnerChanged }
func (RoleAssigned) Kind() Kind            { return KindRoleAssigned }
func (RoleRemoved) Kind() Kind             { return KindRoleRemoved }
func (RolePermissionsChanged) Kind() Kind  { return KindRolePermissionsChanged }
func (ConsentRecorded) Kind() Kind         { return KindConsentRecorded }
func (DataDeletionRequested) Kind() Kind   { return KindDataDeletionRequested }
func (DataDeletionCompleted) Kind() Kind   { return KindDataDeletionCompleted }
func (DataExported) Kind() Kind            { return KindDataExported }
func (RetentionEnforced) Kind() Kind       { return KindRetentionEnforced }

func (e SecurityEvent) target() string           { return e.Table }
func (e CrossTenantAccessDenied) target() string { return e.Table }
func (e TableAccessDenied) target() string       { return e.Table }
func (ResourceOwnerChanged) target() string      { return "resources" }
func (RoleAssigned) target() string              { return "role_assignments" }
func (RoleRemoved) target() string               { return "role_assignments" }
func (RolePermissionsChanged) target() string    { return "role_permissions" }
func (ConsentRecorded) target() string           { return "user_consent" }
func (DataDeletionRequested) target() string     { return "data_deletion_requests" }
func (DataDeletionCompleted) target() string     { return "data_deletion_requests" }
func (DataExported) target() string              { return "users" }
func (RetentionEnforced) target() string         { return "rls_audit_log" }

// Kinds returns every event kind, in declaration order.
func Kinds() []Kind {
	return []Kind{
		KindSecurityEvent,
		KindCrossTenantAccessDenied,
		KindTableAccessDenied,
		KindResourceOwnerChanged,
		KindRoleAssigned,
		KindRoleRemoved,
		KindRolePermissionsChanged,
		KindConsentRecorded,
		KindDataDeletionRequested,
		KindDataDeletionCompleted,
		KindDataExported,
		KindRetentionEnforced,
	}
}

func newEvent(kind Kind) (Event, error) {
	switch kind {
	case KindSecurityEvent:
		return &SecurityEvent{}, nil
	case KindCrossTenantAccessDenied:
		return &CrossTenantAccessDenied{}, nil
	case KindTableAccessDenied:
		return &TableAccessDenied{}, nil
	case KindResourceOwnerChanged:
		return &ResourceOwnerChanged{}, nil
	case KindRoleAssigned:
		return &RoleAssigned{}, nil
	case KindRoleRemoved:
		return &RoleRemoved{}, nil
	case KindRolePermissionsChanged:
		return &RolePermissionsChanged{}, nil
	case KindConsentRecorded:
		return &ConsentRecorded{}, nil
	case KindDataDeletionRequested:
		return &DataDeletionRequested{}, nil
	case KindDataDeletionCompleted:
		return &DataDeletionCompleted{}, nil
	case KindDataExported:
		return &DataExported{}, nil
	case KindRetentionEnforced:
		return &RetentionEnforced{}, nil
	default:
		return nil, fmt.Errorf("unknown audit event kind %q", kind)
	}
}

// Entry is an event plus the actor that caused it.
type Entry struct {
	TenantID   int64
	UserID     *int64
	Event      Event
	OccurredAt time.Time
}

// Record is an audit row as read back from storage
type Record struct {
	ID              int64           `json:"id"`
	TenantID        int64           `json:"tenant_id"`
	UserID          *int64          `json:"user_id,omitempty"`
	Kind            Kind            `json:"action"`
	Table           string          `json:"table_name,omitempty"`
	AttemptedTenant *int64          `json:"attempted_access_to_tenant,omitempty"`
	SchemaVersion   int             `json:"schema_version"`
	Details         json.RawMessage `json:"details,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Decode rebuilds the typed event from the stored details.
func (r Record) Decode() (Event, error) {
	if r.SchemaVersion > SchemaVersion {
		return nil, fmt.Errorf("audit record %d has schema version %d, newest known is %d", r.ID, r.SchemaVersion, SchemaVersion)
	}
	ev, err := newEvent(r.Kind)
	if err != nil {
		return nil, err
	}
	if len(r.Details) > 0 {
		if err := json.Unmarshal(r.Details, ev); err != nil {
			return nil, fmt.Errorf("failed to decode %s details: %w", r.Kind, err)
		}
	}
	return derefEvent(ev), nil
}

// derefEvent returns the value form so decoded events compare equal to the
// ones that were written.
func derefEvent(ev Event) Event {
	switch e := ev.(type) {
	case *SecurityEvent:
		return *e
	case *CrossTenantAccessDenied:
		return *e
	case *TableAccessDenied:
		return *e
	case *ResourceOwnerChanged:
		return *e
	case *RoleAssigned:
		return *e
	case *RoleRemoved:
		return *e
	case *RolePermissionsChanged:
		return *e
	case *ConsentRecorded:
		return *e
	case *DataDeletionRequested:
		return *e
	case *DataDeletionCompleted:
		return *e
	case *DataExported:
		return *e
	case *RetentionEnforced:
		return *e
	}
	return ev
}

// Violation is an RLS violation row
type Violation struct {
	ID            int64     `json:"id"`
	TenantID      int64     `json:"tenant_id"`
	UserID        *int64    `json:"user_id,omitempty"`
	Operation     string    `json:"operation"`
	Table         string    `json:"table_name"`
	ViolationTime time.Time `json:"violation_time"`
}

// SearchFilter narrows an audit log query. TenantID is mandatory.
type SearchFilter struct {
	TenantID int64
	UserID   *int64
	Kinds    []Kind
	Since    *time.Time
	Until    *time.Time
	Limit    int
	Offset   int
}

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

package rls

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/tenantguard/pkg/audit"
	"github.com/platinummonkey/tenantguard/pkg/contextkeys"
	"github.com/platinummonkey/tenantguard/pkg/observability"
	"github.com/platinummonkey/tenantguard/pkg/tenancy"
)

// Config wires a Manager
type Config struct {
	Dialect      Dialect
	Policy       *TablePolicy
	Recorder     *audit.Recorder
	AuditStore   audit.Store
	UserContexts UserContextStore
	// StrictMode turns cross-tenant denials into ErrPermissionDenied.
	StrictMode bool
	// CheckRowSecurity makes strict-mode table checks also require row
	// security to be enabled on the table. Postgres only.
	CheckRowSecurity bool
	Logger           *logrus.Logger
	Metrics          *observability.Metrics
}

// Manager binds tenants to connections and decides tenant and table access
type Manager struct {
	binder           *Binder
	dialect          Dialect
	policy           *TablePolicy
	recorder         *audit.Recorder
	store            audit.Store
	userContexts     UserContextStore
	strict           atomic.Bool
	checkRowSecurity bool
	logger           *logrus.Logger
	metrics          *observability.Metrics
	now              func() time.Time
}

// NewManager creates an RLS manager. Missing collaborators get in-process
// defaults; a missing Recorder disables auditing.
func NewManager(cfg Config) *Manager {
	if cfg.Dialect == nil {
		cfg.Dialect = Postgres{}
	}
	if cfg.Policy == nil {
		cfg.Policy = DefaultTablePolicy()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.UserContexts == nil {
		cfg.UserContexts = NewMemoryUserContexts(0, 15*time.Minute)
	}
	if cfg.Recorder == nil {
		cfg.Recorder = audit.NewRecorder(nil, audit.RecorderConfig{Logger: cfg.Logger})
		cfg.Recorder.Disable()
	}

	m := &Manager{
		binder:           NewBinder(cfg.Dialect),
		dialect:          cfg.Dialect,
		policy:           cfg.Policy,
		recorder:         cfg.Recorder,
		store:            cfg.AuditStore,
		userContexts:     cfg.UserContexts,
		checkRowSecurity: cfg.CheckRowSecurity,
		logger:           cfg.Logger,
		metrics:          cfg.Metrics,
		now:              time.Now,
	}
	m.strict.Store(cfg.StrictMode)
	return m
}

// Policy returns the live table policy
func (m *Manager) Policy() *TablePolicy { return m.policy }

// SetTenantContext binds tenantID to conn. It must be called on every
// checkout: a pooled connection keeps whatever was bound last.
func (m *Manager) SetTenantContext(ctx context.Context, conn *sql.Conn, tenantID int64) error {
	ctx, span := observability.Tracer().Start(ctx, "rls.SetTenantContext",
		trace.WithAttributes(attribute.Int64("tenant.id", tenantID)))
	defer span.End()

	err := m.binder.Bind(ctx, conn, tenantID)
	m.metrics.RecordBinding(err == nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "bind failed")
		m.logger.WithError(err).WithField("tenant_id", tenantID).Error("Failed to set tenant context")
		return err
	}
	return nil
}

// GetTenantID returns the tenant bound to conn or tenancy.ErrNotBound
func (m *Manager) GetTenantID(ctx context.Context, conn *sql.Conn) (int64, error) {
	return m.binder.Current(ctx, conn)
}

// ResetTenantContext clears the binding on conn
func (m *Manager) ResetTenantContext(ctx context.Context, conn *sql.Conn) error {
	return m.binder.Reset(ctx, conn)
}

// VerifyTenantAccess allows iff acting and target are the same tenant. There
// is no superuser bypass. Tenant ids must be positive; anything else is a
// tenancy.ErrValidation in every mode. conn is accepted for symmetry with the
// other checks and may be nil.
func (m *Manager) VerifyTenantAccess(ctx context.Context, conn *sql.Conn, actingTenant, targetTenant int64) (bool, error) {
	if actingTenant <= 0 || targetTenant <= 0 {
		m.metrics.RecordDecision("tenant", false)
		return false, fmt.Errorf("%w: tenant ids must be positive (acting %d, target %d)",
			tenancy.ErrValidation, actingTenant, targetTenant)
	}
	if actingTenant == targetTenant {
		m.metrics.RecordDecision("tenant", true)
		return true, nil
	}
	m.metrics.RecordDecision("tenant", false)

	m.recorder.Record(ctx, actingTenant, contextkeys.ActorID(ctx), audit.CrossTenantAccessDenied{
		ActingTenant: actingTenant,
		TargetTenant: targetTenant,
	})
	m.logger.WithFields(logrus.Fields{
		"acting_tenant": actingTenant,
		"target_tenant": targetTenant,
	}).Warn("Cross-tenant access denied")

	if m.IsStrictMode() {
		return false, fmt.Errorf("%w: tenant %d cannot access tenant %d",
			tenancy.ErrPermissionDenied, actingTenant, targetTenant)
	}
	return false, nil
}

// VerifyTableAccess reports whether tenantID may run op on table. Denials
// are written to the violation log.
func (m *Manager) VerifyTableAccess(ctx context.Context, conn *sql.Conn, tenantID int64, table, op string) bool {
	allowed := m.policy.Allows(tenantID, table, op)
	reason := "not in allow-list"

	if allowed && m.checkRowSecurity && m.IsStrictMode() && conn != nil {
		enabled, err := m.CheckTableRLS(ctx, conn, table)
		switch {
		case err != nil:
			m.logger.WithError(err).WithField("table", table).Error("Failed to check row security")
			allowed, reason = false, "row security check failed"
		case !enabled:
			allowed, reason = false, "row security disabled"
		}
	}

	m.metrics.RecordDecision("table", allowed)
	if allowed {
		return true
	}

	actor := contextkeys.ActorID(ctx)
	m.recorder.RecordViolation(ctx, tenantID, actor, op, table)
	m.recorder.Record(ctx, tenantID, actor, audit.TableAccessDenied{
		Table:     table,
		Operation: op,
		Reason:    reason,
	})
	return false
}

// LogSecurityEvent appends a security note. It never fails the caller.
func (m *Manager) LogSecurityEvent(ctx context.Context, tenantID int64, userID *int64, action, table string) {
	m.recorder.Record(ctx, tenantID, userID, audit.SecurityEvent{Action: action, Table: table})
}

// LogRLSViolation appends a violation row. It never fails the caller.
func (m *Manager) LogRLSViolation(ctx context.Context, tenantID int64, userID *int64, operation, table string) {
	m.recorder.RecordViolation(ctx, tenantID, userID, operation, table)
}

// GetSecurityAuditLog returns the newest audit records for a tenant
func (m *Manager) GetSecurityAuditLog(ctx context.Context, tenantID int64, limit int) ([]audit.Record, error) {
	if m.store == nil {
		return []audit.Record{}, nil
	}
	return m.store.Search(ctx, audit.SearchFilter{TenantID: tenantID, Limit: limit})
}

// GetRLSViolationLogs returns the newest violations for a tenant
func (m *Manager) GetRLSViolationLogs(ctx context.Context, tenantID int64, limit int) ([]audit.Violation, error) {
	if m.store == nil {
		return []audit.Violation{}, nil
	}
	return m.store.Violations(ctx, tenantID, limit)
}

func (m *Manager) SetStrictMode(strict bool) { m.strict.Store(strict) }
func (m *Manager) IsStrictMode() bool        { return m.strict.Load() }
func (m *Manager) EnableAuditing()           { m.recorder.Enable() }
func (m *Manager) DisableAuditing()          { m.recorder.Disable() }
func (m *Manager) IsAuditing() bool          { return m.recorder.Enabled() }

// SetUserPermissions caches a coarse permission snapshot for (user, tenant)
func (m *Manager) SetUserPermissions(ctx context.Context, userID, tenantID int64, permissions []string) error {
	if err := tenancy.Validate(userID > 0 && tenantID > 0, "user and tenant ids must be positive"); err != nil {
		return err
	}
	return m.userContexts.Put(ctx, UserContext{
		UserID:      userID,
		TenantID:    tenantID,
		Permissions: permissions,
		SetAt:       m.now().UTC(),
	})
}

// GetUserContext returns the cached snapshot or tenancy.ErrNotFound
func (m *Manager) GetUserContext(ctx context.Context, userID, tenantID int64) (UserContext, error) {
	uc, ok, err := m.userContexts.Get(ctx, userID, tenantID)
	if err != nil {
		return UserContext{}, err
	}
	if !ok {
		return UserContext{}, fmt.Errorf("user context %d/%d: %w", tenantID, userID, tenancy.ErrNotFound)
	}
	return uc, nil
}

// ClearUserContext drops the cached snapshot
func (m *Manager) ClearUserContext(ctx context.Context, userID, tenantID int64) error {
	return m.userContexts.Delete(ctx, userID, tenantID)
}

// HasCachedPermission checks the coarse snapshot only. A miss or a store
// error denies.
func (m *Manager) HasCachedPermission(ctx context.Context, userID, tenantID int64, permission string) bool {
	uc, ok, err := m.userContexts.Get(ctx, userID, tenantID)
	if err != nil {
		m.logger.WithError(err).WithField("user_id", userID).Warn("User context lookup failed")
		m.metrics.RecordCache("user_context", false)
		return false
	}
	m.metrics.RecordCache("user_context", ok)
	return ok && uc.Has(permission)
}

// PermissionStatus describes the cached snapshot for one user
type PermissionStatus struct {
	UserID      int64         `json:"user_id"`
	TenantID    int64         `json:"tenant_id"`
	Cached      bool          `json:"cached"`
	Permissions []string      `json:"permissions"`
	Age         time.Duration `json:"age"`
	StrictMode  bool          `json:"strict_mode"`
	Auditing    bool          `json:"auditing"`
}

// GetPermissionStatus reports what is cached for (user, tenant)
func (m *Manager) GetPermissionStatus(ctx context.Context, userID, tenantID int64) PermissionStatus {
	status := PermissionStatus{
		UserID:      userID,
		TenantID:    tenantID,
		Permissions: []string{},
		StrictMode:  m.IsStrictMode(),
		Auditing:    m.IsAuditing(),
	}
	uc, ok, err := m.userContexts.Get(ctx, userID, tenantID)
	if err != nil || !ok {
		return status
	}
	status.Cached = true
	status.Permissions = uc.Permissions
	status.Age = m.now().Sub(uc.SetAt)
	return status
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// VerifyDataIntegrity binds tenantID to conn and counts the rows of table
// visible through the RLS policies. The table must be in the tenant's
// SELECT allow-list.
func (m *Manager) VerifyDataIntegrity(ctx context.Context, conn *sql.Conn, tenantID int64, table string) (int64, error) {
	if !identifierPattern.MatchString(table) {
		return 0, tenancy.Validate(false, "invalid table name")
	}
	if !m.policy.Allows(tenantID, table, string(OpSelect)) {
		return 0, fmt.Errorf("%w: table %s is not readable by tenant %d", tenancy.ErrPermissionDenied, table, tenantID)
	}
	if err := m.SetTenantContext(ctx, conn, tenantID); err != nil {
		return 0, err
	}

	var count int64
	if err := conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
		return 0, tenancy.StorageError("count "+table, err)
	}

	bound, err := m.GetTenantID(ctx, conn)
	if err != nil {
		return 0, err
	}
	if bound != tenantID {
		return 0, fmt.Errorf("%w: connection re-bound to tenant %d during check", tenancy.ErrContextBinding, bound)
	}
	return count, nil
}

// CheckTableRLS reports whether row security is enabled on table. Only the
// Postgres dialect has a catalog to ask.
func (m *Manager) CheckTableRLS(ctx context.Context, conn *sql.Conn, table string) (bool, error) {
	if m.dialect.Name() != (Postgres{}).Name() {
		return false, fmt.Errorf("row security catalog is not available on %s", m.dialect.Name())
	}
	if conn == nil {
		return false, fmt.Errorf("%w: connection is nil", tenancy.ErrContextBinding)
	}

	var enabled bool
	err := conn.QueryRowContext(ctx,
		"SELECT rowsecurity FROM pg_tables WHERE schemaname = current_schema() AND tablename = $1",
		table).Scan(&enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("table %s: %w", table, tenancy.ErrNotFound)
	}
	if err != nil {
		return false, tenancy.StorageError("check row security", err)
	}
	return enabled, nil
}

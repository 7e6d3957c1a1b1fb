package rbac

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/tenantguard/pkg/audit"
	"github.com/platinummonkey/tenantguard/pkg/contextkeys"
	"github.com/platinummonkey/tenantguard/pkg/observability"
	"github.com/platinummonkey/tenantguard/pkg/tenancy"
)

// Config wires a Manager
type Config struct {
	Store    Store
	Recorder *audit.Recorder
	Checker  CheckerConfig
	Logger   *logrus.Logger
	Metrics  *observability.Metrics
}

// Manager is the RBAC facade. Every mutation invalidates the affected cache
// entries after the store call returns.
type Manager struct {
	store    Store
	checker  *PermissionChecker
	recorder *audit.Recorder
	logger   *logrus.Logger
	metrics  *observability.Metrics
}

// NewManager creates an RBAC manager
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("rbac store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Recorder == nil {
		cfg.Recorder = audit.NewRecorder(nil, audit.RecorderConfig{Logger: cfg.Logger})
	}
	if cfg.Checker.Metrics == nil {
		cfg.Checker.Metrics = cfg.Metrics
	}

	return &Manager{
		store:    cfg.Store,
		checker:  NewPermissionChecker(cfg.Store, cfg.Checker),
		recorder: cfg.Recorder,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}, nil
}

// CreateRole creates a custom role in a tenant
func (m *Manager) CreateRole(ctx context.Context, tenantID int64, name, description string, permissions []string) (*Role, error) {
	name = strings.TrimSpace(name)
	if err := tenancy.Validate(tenantID > 0, "tenant id must be positive"); err != nil {
		return nil, err
	}
	if err := tenancy.Validate(name != "", "role name is required"); err != nil {
		return nil, err
	}

	role := &Role{
		TenantID:    tenantID,
		Name:        name,
		Description: description,
		Permissions: permissions,
	}
	if err := m.store.CreateRole(ctx, role); err != nil {
		return nil, err
	}

	m.logger.WithFields(logrus.Fields{
		"tenant_id": tenantID,
		"role_id":   role.ID,
		"role":      role.Name,
	}).Info("Role created")
	return role, nil
}

// InitializeSystemRoles seeds admin, manager, staff and viewer. Roles that
// already exist are left alone, so it is safe to call repeatedly.
func (m *Manager) InitializeSystemRoles(ctx context.Context, tenantID int64) error {
	if err := tenancy.Validate(tenantID > 0, "tenant id must be positive"); err != nil {
		return err
	}

	var errs []error
	for _, sr := range systemRoles {
		role := &Role{
			TenantID:    tenantID,
			Name:        sr.name,
			Description: sr.description,
			Permissions: sr.permissions,
			IsSystem:    true,
		}
		err := m.store.CreateRole(ctx, role)
		if err != nil && !errors.Is(err, tenancy.ErrDuplicate) {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	m.logger.WithField("tenant_id", tenantID).Info("System roles initialized")
	return nil
}

// UpdateRolePermissions replaces a custom role's permissions
func (m *Manager) UpdateRolePermissions(ctx context.Context, tenantID, roleID int64, permissions []string) error {
	role, err := m.store.GetRole(ctx, tenantID, roleID)
	if err != nil {
		return err
	}
	if err := tenancy.Validate(!role.IsSystem, "system roles cannot be modified"); err != nil {
		return err
	}

	permissions = normalizePermissions(permissions)
	if err := m.store.UpdateRolePermissions(ctx, tenantID, roleID, permissions); err != nil {
		return err
	}
	m.checker.InvalidateTenant(tenantID)

	m.recorder.Record(ctx, tenantID, contextkeys.ActorID(ctx), audit.RolePermissionsChanged{
		RoleID:      roleID,
		Permissions: permissions,
	})
	return nil
}

// DeleteRole removes a custom role and its assignments
func (m *Manager) DeleteRole(ctx context.Context, tenantID, roleID int64) error {
	role, err := m.store.GetRole(ctx, tenantID, roleID)
	if err != nil {
		return err
	}
	if err := tenancy.Validate(!role.IsSystem, "system roles cannot be deleted"); err != nil {
		return err
	}

	if err := m.store.DeleteRole(ctx, tenantID, roleID); err != nil {
		return err
	}
	m.checker.InvalidateTenant(tenantID)
	return nil
}

// AssignRoleToUser grants roleID to userID, or refreshes the expiry of an
// existing grant. A nil expiresAt never expires.
func (m *Manager) AssignRoleToUser(ctx context.Context, userID, roleID, tenantID int64, expiresAt *time.Time) error {
	if err := tenancy.Validate(userID > 0, "user id must be positive"); err != nil {
		return err
	}
	if _, err := m.store.GetRole(ctx, tenantID, roleID); err != nil {
		return err
	}

	err := m.store.UpsertAssignment(ctx, RoleAssignment{
		UserID:    userID,
		RoleID:    roleID,
		TenantID:  tenantID,
		ExpiresAt: expiresAt,
	})
	if err != nil {
		return err
	}
	m.checker.InvalidateUser(userID, tenantID)

	m.recorder.Record(ctx, tenantID, contextkeys.ActorID(ctx), audit.RoleAssigned{
		RoleID:    roleID,
		UserID:    userID,
		ExpiresAt: expiresAt,
	})
	return nil
}

// RemoveRoleFromUser revokes a grant. Revoking a missing grant succeeds.
func (m *Manager) RemoveRoleFromUser(ctx context.Context, userID, roleID, tenantID int64) error {
	if err := m.store.DeleteAssignment(ctx, userID, roleID, tenantID); err != nil {
		return err
	}
	m.checker.InvalidateUser(userID, tenantID)

	m.recorder.Record(ctx, tenantID, contextkeys.ActorID(ctx), audit.RoleRemoved{
		RoleID: roleID,
		UserID: userID,
	})
	return nil
}

// GetUserRoles returns the roles held through unexpired assignments
func (m *Manager) GetUserRoles(ctx context.Context, userID, tenantID int64) ([]AssignedRole, error) {
	set, err := m.checker.permissionSet(ctx, userID, tenantID)
	if err != nil {
		return nil, err
	}
	roles := make([]AssignedRole, len(set.roles))
	for i, r := range set.roles {
		roles[i] = r
		roles[i].Permissions = append([]string{}, r.Permissions...)
	}
	return roles, nil
}

// HasPermission reports whether any active role of the user grants perm.
// Storage failures deny.
func (m *Manager) HasPermission(ctx context.Context, userID, tenantID int64, perm string) bool {
	ctx, span := observability.Tracer().Start(ctx, "rbac.HasPermission", trace.WithAttributes(
		attribute.Int64("tenant.id", tenantID),
		attribute.String("permission", perm),
	))
	defer span.End()
	defer m.metrics.ObserveDuration("rbac", "has_permission", time.Now())

	set, err := m.checker.permissionSet(ctx, userID, tenantID)
	if err != nil {
		span.RecordError(err)
		m.logger.WithError(err).WithFields(logrus.Fields{
			"user_id":    userID,
			"tenant_id":  tenantID,
			"permission": perm,
		}).Error("Permission check failed; denying")
		m.metrics.RecordDecision("permission", false)
		return false
	}

	allowed := set.has(perm)
	span.SetAttributes(attribute.Bool("allowed", allowed))
	m.metrics.RecordDecision("permission", allowed)
	return allowed
}

// GetUserPermissions returns the sorted union of the user's active role permissions
func (m *Manager) GetUserPermissions(ctx context.Context, userID, tenantID int64) ([]string, error) {
	set, err := m.checker.permissionSet(ctx, userID, tenantID)
	if err != nil {
		return nil, err
	}
	return set.sortedPermissions(), nil
}

// GetRolesByPermission lists the tenant's roles that grant perm
func (m *Manager) GetRolesByPermission(ctx context.Context, tenantID int64, perm string) ([]Role, error) {
	return m.store.RolesByPermission(ctx, tenantID, perm)
}

// RegisterResource creates or replaces a resource record
func (m *Manager) RegisterResource(ctx context.Context, res Resource) error {
	if err := tenancy.Validate(res.ID != "", "resource id is required"); err != nil {
		return err
	}
	if err := tenancy.Validate(res.Type != "", "resource type is required"); err != nil {
		return err
	}
	if err := tenancy.Validate(res.TenantID > 0 && res.OwnerID > 0, "tenant and owner ids must be positive"); err != nil {
		return err
	}

	if err := m.store.UpsertResource(ctx, res); err != nil {
		return err
	}
	m.checker.InvalidateResource(res.ID)
	return nil
}

// UpdateResourceOwner transfers ownership. The previous owner loses the
// owner override as soon as this returns.
func (m *Manager) UpdateResourceOwner(ctx context.Context, resourceID string, newOwner int64) error {
	if err := tenancy.Validate(newOwner > 0, "owner id must be positive"); err != nil {
		return err
	}

	res, previous, err := m.store.SwapResourceOwner(ctx, resourceID, newOwner)
	if err != nil {
		return err
	}
	m.checker.InvalidateResource(resourceID)

	m.recorder.Record(ctx, res.TenantID, contextkeys.ActorID(ctx), audit.ResourceOwnerChanged{
		ResourceID:    res.ID,
		ResourceType:  res.Type,
		PreviousOwner: previous,
		NewOwner:      newOwner,
	})
	return nil
}

// GetResourceOwner returns the current owner or tenancy.NoOwner. Lookup
// failures are logged, never returned.
func (m *Manager) GetResourceOwner(ctx context.Context, resourceID string) int64 {
	res, err := m.checker.resource(ctx, resourceID)
	if err != nil {
		if !errors.Is(err, tenancy.ErrNotFound) {
			m.logger.WithError(err).WithField("resource_id", resourceID).Warn("Failed to load resource owner")
		}
		return tenancy.NoOwner
	}
	return res.OwnerID
}

// HasResourceAccess allows the current owner, or a user holding perm through
// a role that also has a ResourcePermission for resourceType. Unregistered
// resources and storage failures deny.
func (m *Manager) HasResourceAccess(ctx context.Context, userID, tenantID int64, resourceType, resourceID, perm string) bool {
	ctx, span := observability.Tracer().Start(ctx, "rbac.HasResourceAccess", trace.WithAttributes(
		attribute.Int64("tenant.id", tenantID),
		attribute.String("resource.type", resourceType),
		attribute.String("permission", perm),
	))
	defer span.End()

	allowed, err := m.resourceAccess(ctx, userID, tenantID, resourceType, resourceID, perm)
	if err != nil {
		span.RecordError(err)
		m.logger.WithError(err).WithFields(logrus.Fields{
			"user_id":     userID,
			"tenant_id":   tenantID,
			"resource_id": resourceID,
			"permission":  perm,
		}).Error("Resource access check failed; denying")
	}
	m.metrics.RecordDecision("resource", allowed)
	return allowed
}

func (m *Manager) resourceAccess(ctx context.Context, userID, tenantID int64, resourceType, resourceID, perm string) (bool, error) {
	res, err := m.checker.resource(ctx, resourceID)
	if errors.Is(err, tenancy.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if res.TenantID != tenantID || res.Type != resourceType {
		return false, nil
	}
	if res.OwnerID == userID {
		return true, nil
	}

	set, err := m.checker.permissionSet(ctx, userID, tenantID)
	if err != nil {
		return false, err
	}
	if !set.has(perm) {
		return false, nil
	}

	// Only roles that themselves grant perm can carry the resource grant.
	var roleIDs []int64
	for _, r := range set.roles {
		if r.HasPermission(perm) {
			roleIDs = append(roleIDs, r.ID)
		}
	}
	return m.store.HasResourcePermission(ctx, roleIDs, resourceType, perm)
}

// CreateResourcePermission lets holders of roleID exercise perm on every
// resource of resourceType
func (m *Manager) CreateResourcePermission(ctx context.Context, tenantID, roleID int64, resourceType, perm string, scope Scope) (*ResourcePermission, error) {
	if scope == "" {
		scope = ScopeTenant
	}
	if err := tenancy.Validate(scope.Valid(), "unknown scope "+string(scope)); err != nil {
		return nil, err
	}
	if err := tenancy.Validate(resourceType != "" && perm != "", "resource type and permission are required"); err != nil {
		return nil, err
	}
	if _, err := m.store.GetRole(ctx, tenantID, roleID); err != nil {
		return nil, err
	}

	rp := &ResourcePermission{
		RoleID:       roleID,
		ResourceType: resourceType,
		Permission:   perm,
		Scope:        scope,
	}
	if err := m.store.CreateResourcePermission(ctx, rp); err != nil {
		return nil, err
	}
	return rp, nil
}

// ClearCache drops every cached permission set and resource owner
func (m *Manager) ClearCache() {
	m.checker.Clear()
	m.logger.Info("RBAC cache cleared")
}

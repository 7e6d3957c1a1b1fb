package rbac

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

// Store persists roles, assignments, resources and resource permissions.
// Implementations return tenancy.ErrDuplicate, tenancy.ErrNotFound or a
// tenancy.StorageError.
type Store interface {
	CreateRole(ctx context.Context, role *Role) error
	GetRole(ctx context.Context, tenantID, roleID int64) (*Role, error)
	UpdateRolePermissions(ctx context.Context, tenantID, roleID int64, permissions []string) error
	DeleteRole(ctx context.Context, tenantID, roleID int64) error
	RolesByPermission(ctx context.Context, tenantID int64, permission string) ([]Role, error)

	UpsertAssignment(ctx context.Context, a RoleAssignment) error
	DeleteAssignment(ctx context.Context, userID, roleID, tenantID int64) error
	// ActiveRoles returns roles whose assignment is in force at now.
	ActiveRoles(ctx context.Context, userID, tenantID int64, now time.Time) ([]AssignedRole, error)

	UpsertResource(ctx context.Context, res Resource) error
	GetResource(ctx context.Context, resourceID string) (*Resource, error)
	// SwapResourceOwner sets the owner and returns the resource as it is
	// after the swap along with the previous owner.
	SwapResourceOwner(ctx context.Context, resourceID string, newOwner int64) (*Resource, int64, error)

	CreateResourcePermission(ctx context.Context, rp *ResourcePermission) error
	HasResourcePermission(ctx context.Context, roleIDs []int64, resourceType, permission string) (bool, error)
}

// PostgresStore implements Store on PostgreSQL
type PostgresStore struct {
	db  tenancy.DBTX
	now func() time.Time
}

// NewPostgresStore creates a new RBAC store
func NewPostgresStore(db tenancy.DBTX) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

const roleColumns = `
	r.id, r.tenant_id, r.name, r.description, r.is_system, r.created_at, r.updated_at,
	COALESCE(array_agg(rp.permission_name ORDER BY rp.permission_name)
		FILTER (WHERE rp.permission_name IS NOT NULL), '{}')
`

// scanRole scans a role from a database row
func scanRole(scanner interface {
	Scan(dest ...interface{}) error
}, extra ...interface{}) (*Role, error) {
	var (
		role        Role
		description sql.NullString
	)
	dest := []interface{}{
		&role.ID, &role.TenantID, &role.Name, &description, &role.IsSystem,
		&role.CreatedAt, &role.UpdatedAt, pq.Array(&role.Permissions),
	}
	if err := scanner.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	role.Description = description.String
	if role.Permissions == nil {
		role.Permissions = []string{}
	}
	return &role, nil
}

// CreateRole inserts the role and its permissions in one statement
func (s *PostgresStore) CreateRole(ctx context.Context, role *Role) error {
	query := `
		WITH new_role AS (
			INSERT INTO roles (tenant_id, name, description, is_system, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $5)
			RETURNING id
		), perms AS (
			INSERT INTO role_permissions (role_id, permission_name)
			SELECT id, unnest($6::text[]) FROM new_role
		)
		SELECT id FROM new_role
	`

	now := s.now().UTC()
	role.Permissions = normalizePermissions(role.Permissions)
	err := s.db.QueryRowContext(ctx, query,
		role.TenantID, role.Name, role.Description, role.IsSystem, now, pq.Array(role.Permissions),
	).Scan(&role.ID)
	if err != nil {
		return postgres.Classify(fmt.Sprintf("create role %q", role.Name), err)
	}

	role.CreatedAt = now
	role.UpdatedAt = now
	return nil
}

// GetRole retrieves a role by ID within a tenant
func (s *PostgresStore) GetRole(ctx context.Context, tenantID, roleID int64) (*Role, error) {
	query := `SELECT ` + roleColumns + `
		FROM roles r
		LEFT JOIN role_permissions rp ON rp.role_id = r.id
		WHERE r.id = $1 AND r.tenant_id = $2
		GROUP BY r.id
	`

	role, err := scanRole(s.db.QueryRowContext(ctx, query, roleID, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("role %d in tenant %d: %w", roleID, tenantID, tenancy.ErrNotFound)
	}
	if err != nil {
		return nil, tenancy.StorageError("get role", err)
	}
	return role, nil
}

// UpdateRolePermissions replaces the role's permission set
func (s *PostgresStore) UpdateRolePermissions(ctx context.Context, tenantID, roleID int64, permissions []string) error {
	query := `
		WITH target AS (
			SELECT id FROM roles WHERE id = $1 AND tenant_id = $2
		), removed AS (
			DELETE FROM role_permissions
			WHERE role_id IN (SELECT id FROM target) AND NOT (permission_name = ANY($3::text[]))
		), added AS (
			INSERT INTO role_permissions (role_id, permission_name)
			SELECT id, unnest($3::text[]) FROM target
			ON CONFLICT (role_id, permission_name) DO NOTHING
		), touched AS (
			UPDATE roles SET updated_at = $4 WHERE id IN (SELECT id FROM target)
		)
		SELECT COUNT(*) FROM target
	`

	var found int
	err := s.db.QueryRowContext(ctx, query,
		roleID, tenantID, pq.Array(normalizePermissions(permissions)), s.now().UTC(),
	).Scan(&found)
	if err != nil {
		return tenancy.StorageError("update role permissions", err)
	}
	if found == 0 {
		return fmt.Errorf("role %d in tenant %d: %w", roleID, tenantID, tenancy.ErrNotFound)
	}
	return nil
}

// DeleteRole removes a non-system role. Assignments and permissions cascade.
func (s *PostgresStore) DeleteRole(ctx context.Context, tenantID, roleID int64) error {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM roles WHERE id = $1 AND tenant_id = $2 AND NOT is_system", roleID, tenantID)
	if err != nil {
		return tenancy.StorageError("delete role", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return tenancy.StorageError("delete role", err)
	}
	if n == 0 {
		return fmt.Errorf("role %d in tenant %d: %w", roleID, tenantID, tenancy.ErrNotFound)
	}
	return nil
}

// RolesByPermission lists the tenant's roles that grant permission
func (s *PostgresStore) RolesByPermission(ctx context.Context, tenantID int64, permission string) ([]Role, error) {
	query := `SELECT ` + roleColumns + `
		FROM roles r
		LEFT JOIN role_permissions rp ON rp.role_id = r.id
		WHERE r.tenant_id = $1
		  AND EXISTS (
			SELECT 1 FROM role_permissions x WHERE x.role_id = r.id AND x.permission_name = $2
		  )
		GROUP BY r.id
		ORDER BY r.name
	`

	rows, err := s.db.QueryContext(ctx, query, tenantID, permission)
	if err != nil {
		return nil, tenancy.StorageError("list roles by permission", err)
	}
	defer rows.Close()

	roles := make([]Role, 0)
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, tenancy.StorageError("scan role", err)
		}
		roles = append(roles, *role)
	}
	if err := rows.Err(); err != nil {
		return nil, tenancy.StorageError("iterate roles", err)
	}
	return roles, nil
}

// UpsertAssignment creates the assignment or refreshes its expiry
func (s *PostgresStore) UpsertAssignment(ctx context.Context, a RoleAssignment) error {
	query := `
		INSERT INTO role_assignments (user_id, role_id, tenant_id, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, role_id, tenant_id)
		DO UPDATE SET expires_at = EXCLUDED.expires_at
	`

	_, err := s.db.ExecContext(ctx, query, a.UserID, a.RoleID, a.TenantID, a.ExpiresAt, s.now().UTC())
	if err != nil {
		return postgres.Classify("assign role", err)
	}
	return nil
}

// DeleteAssignment removes the assignment if present
func (s *PostgresStore) DeleteAssignment(ctx context.Context, userID, roleID, tenantID int64) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM role_assignments WHERE user_id = $1 AND role_id = $2 AND tenant_id = $3",
		userID, roleID, tenantID)
	if err != nil {
		return tenancy.StorageError("remove role assignment", err)
	}
	return nil
}

// ActiveRoles lists the roles held through unexpired assignments
func (s *PostgresStore) ActiveRoles(ctx context.Context, userID, tenantID int64, now time.Time) ([]AssignedRole, error) {
	query := `SELECT ` + roleColumns + `, ra.expires_at
		FROM role_assignments ra
		JOIN roles r ON r.id = ra.role_id AND r.tenant_id = ra.tenant_id
		LEFT JOIN role_permissions rp ON rp.role_id = r.id
		WHERE ra.user_id = $1 AND ra.tenant_id = $2
		  AND (ra.expires_at IS NULL OR ra.expires_at > $3)
		GROUP BY r.id, ra.expires_at
		ORDER BY r.name
	`

	rows, err := s.db.QueryContext(ctx, query, userID, tenantID, now)
	if err != nil {
		return nil, tenancy.StorageError("list active roles", err)
	}
	defer rows.Close()

	assigned := make([]AssignedRole, 0)
	for rows.Next() {
		var expiresAt sql.NullTime
		role, err := scanRole(rows, &expiresAt)
		if err != nil {
			return nil, tenancy.StorageError("scan active role", err)
		}
		ar := AssignedRole{Role: *role}
		if expiresAt.Valid {
			t := expiresAt.Time
			ar.ExpiresAt = &t
		}
		assigned = append(assigned, ar)
	}
	if err := rows.Err(); err != nil {
		return nil, tenancy.StorageError("iterate active roles", err)
	}
	return assigned, nil
}

// UpsertResource creates or replaces a resource. A resource never moves
// between tenants.
func (s *PostgresStore) UpsertResource(ctx context.Context, res Resource) error {
	query := `
		INSERT INTO resources (id, type, name, tenant_id, owner_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (id) DO UPDATE SET
			type = EXCLUDED.type,
			name = EXCLUDED.name,
			owner_id = EXCLUDED.owner_id,
			updated_at = EXCLUDED.updated_at
		WHERE resources.tenant_id = EXCLUDED.tenant_id
	`

	result, err := s.db.ExecContext(ctx, query,
		res.ID, res.Type, res.Name, res.TenantID, res.OwnerID, s.now().UTC())
	if err != nil {
		return tenancy.StorageError("register resource", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return tenancy.StorageError("register resource", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: resource %s belongs to another tenant", tenancy.ErrPermissionDenied, res.ID)
	}
	return nil
}

const resourceColumns = `id, type, name, tenant_id, owner_id, created_at, updated_at`

func scanResource(scanner interface {
	Scan(dest ...interface{}) error
}, extra ...interface{}) (*Resource, error) {
	var (
		res  Resource
		name sql.NullString
	)
	dest := []interface{}{&res.ID, &res.Type, &name, &res.TenantID, &res.OwnerID, &res.CreatedAt, &res.UpdatedAt}
	if err := scanner.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	res.Name = name.String
	return &res, nil
}

// GetResource loads a resource by ID
func (s *PostgresStore) GetResource(ctx context.Context, resourceID string) (*Resource, error) {
	res, err := scanResource(s.db.QueryRowContext(ctx,
		"SELECT "+resourceColumns+" FROM resources WHERE id = $1", resourceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("resource %s: %w", resourceID, tenancy.ErrNotFound)
	}
	if err != nil {
		return nil, tenancy.StorageError("get resource", err)
	}
	return res, nil
}

// SwapResourceOwner changes the owner under a row lock so the previous owner
// reported is the one actually replaced.
func (s *PostgresStore) SwapResourceOwner(ctx context.Context, resourceID string, newOwner int64) (*Resource, int64, error) {
	query := `
		UPDATE resources r SET owner_id = $1, updated_at = $3
		FROM (SELECT id, owner_id FROM resources WHERE id = $2 FOR UPDATE) prev
		WHERE r.id = prev.id
		RETURNING r.id, r.type, r.name, r.tenant_id, r.owner_id, r.created_at, r.updated_at, prev.owner_id
	`

	var previous int64
	res, err := scanResource(s.db.QueryRowContext(ctx, query, newOwner, resourceID, s.now().UTC()), &previous)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, fmt.Errorf("resource %s: %w", resourceID, tenancy.ErrNotFound)
	}
	if err != nil {
		return nil, 0, tenancy.StorageError("update resource owner", err)
	}
	return res, previous, nil
}

// CreateResourcePermission grants a permission class on a resource type
func (s *PostgresStore) CreateResourcePermission(ctx context.Context, rp *ResourcePermission) error {
	query := `
		INSERT INTO resource_permissions (role_id, resource_type, permission, scope)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (role_id, resource_type, permission) DO UPDATE SET scope = EXCLUDED.scope
		RETURNING id
	`

	err := s.db.QueryRowContext(ctx, query, rp.RoleID, rp.ResourceType, rp.Permission, string(rp.Scope)).Scan(&rp.ID)
	if err != nil {
		return postgres.Classify("create resource permission", err)
	}
	return nil
}

// HasResourcePermission reports whether any of roleIDs holds permission on resourceType
func (s *PostgresStore) HasResourcePermission(ctx context.Context, roleIDs []int64, resourceType, permission string) (bool, error) {
	if len(roleIDs) == 0 {
		return false, nil
	}

	query := `
		SELECT EXISTS (
			SELECT 1 FROM resource_permissions
			WHERE role_id = ANY($1) AND resource_type = $2 AND permission = $3
		)
	`

	var ok bool
	if err := s.db.QueryRowContext(ctx, query, pq.Array(roleIDs), resourceType, permission).Scan(&ok); err != nil {
		return false, tenancy.StorageError("check resource permission", err)
	}
	return ok, nil
}

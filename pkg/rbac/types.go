package rbac

import (
	"sort"
	"strings"
	"time"
)

// Built-in permission names used by the system roles
const (
	PermissionRead   = "read"
	PermissionWrite  = "write"
	PermissionDelete = "delete"
	PermissionAdmin  = "admin"
)

// Scope documents how far a ResourcePermission reaches. Only ownership and
// role membership are enforced; ScopeOwn is informational.
type Scope string

const (
	ScopeOwn    Scope = "own"
	ScopeTenant Scope = "tenant"
	ScopeGlobal Scope = "global"
)

// Valid reports whether s is a known scope
func (s Scope) Valid() bool {
	switch s {
	case ScopeOwn, ScopeTenant, ScopeGlobal:
		return true
	}
	return false
}

// Role is a named set of permissions inside one tenant
type Role struct {
	ID          int64     `json:"id"`
	TenantID    int64     `json:"tenant_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Permissions []string  `json:"permissions"`
	IsSystem    bool      `json:"is_system"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// HasPermission reports whether the role grants perm
func (r Role) HasPermission(perm string) bool {
	for _, p := range r.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// RoleAssignment grants a role to a user. An expired assignment is kept in
// storage but treated exactly like a missing one.
type RoleAssignment struct {
	UserID    int64      `json:"user_id"`
	RoleID    int64      `json:"role_id"`
	TenantID  int64      `json:"tenant_id"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// ActiveAt reports whether the assignment is in force at t
func (a RoleAssignment) ActiveAt(t time.Time) bool {
	return a.ExpiresAt == nil || a.ExpiresAt.After(t)
}

// AssignedRole is a role reached through an active assignment
type AssignedRole struct {
	Role
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Resource is an owned object subject to resource-level checks
type Resource struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Name      string    `json:"name"`
	TenantID  int64     `json:"tenant_id"`
	OwnerID   int64     `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ResourcePermission lets holders of RoleID exercise Permission on every
// resource of ResourceType in the role's tenant.
type ResourcePermission struct {
	ID           int64  `json:"id"`
	RoleID       int64  `json:"role_id"`
	ResourceType string `json:"resource_type"`
	Permission   string `json:"permission"`
	Scope        Scope  `json:"scope"`
}

// systemRole is a role seeded into every tenant
type systemRole struct {
	name        string
	description string
	permissions []string
}

var systemRoles = []systemRole{
	{"admin", "Full system access", []string{PermissionRead, PermissionWrite, PermissionDelete, PermissionAdmin}},
	{"manager", "Tenant management", []string{PermissionRead, PermissionWrite, PermissionDelete}},
	{"staff", "Staff access", []string{PermissionRead, PermissionWrite}},
	{"viewer", "Read-only access", []string{PermissionRead}},
}

// SystemRoleNames returns the names of the seeded roles
func SystemRoleNames() []string {
	names := make([]string, len(systemRoles))
	for i, r := range systemRoles {
		names[i] = r.name
	}
	return names
}

// normalizePermissions trims, de-duplicates and sorts perms. Empty names are
// dropped.
func normalizePermissions(perms []string) []string {
	seen := make(map[string]struct{}, len(perms))
	out := make([]string, 0, len(perms))
	for _, p := range perms {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

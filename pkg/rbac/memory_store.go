package rbac

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/platinummonkey/tenantguard/pkg/tenancy"
)

type assignmentKey struct {
	userID   int64
	roleID   int64
	tenantID int64
}

type resourcePermissionKey struct {
	roleID       int64
	resourceType string
	permission   string
}

// MemoryStore is an in-process Store for tests and single-node tools
type MemoryStore struct {
	mu          sync.RWMutex
	nextID      int64
	roles       map[int64]*Role
	assignments map[assignmentKey]RoleAssignment
	resources   map[string]Resource
	resPerms    map[resourcePermissionKey]ResourcePermission
	now         func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		roles:       make(map[int64]*Role),
		assignments: make(map[assignmentKey]RoleAssignment),
		resources:   make(map[string]Resource),
		resPerms:    make(map[resourcePermissionKey]ResourcePermission),
		now:         time.Now,
	}
}

func (s *MemoryStore) id() int64 {
	s.nextID++
	return s.nextID
}

func copyRole(r *Role) Role {
	out := *r
	out.Permissions = append([]string{}, r.Permissions...)
	return out
}

func (s *MemoryStore) CreateRole(_ context.Context, role *Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.roles {
		if existing.TenantID == role.TenantID && existing.Name == role.Name {
			return fmt.Errorf("create role %q: %w", role.Name, tenancy.ErrDuplicate)
		}
	}

	now := s.now().UTC()
	role.ID = s.id()
	role.Permissions = normalizePermissions(role.Permissions)
	role.CreatedAt = now
	role.UpdatedAt = now
	stored := copyRole(role)
	s.roles[role.ID] = &stored
	return nil
}

func (s *MemoryStore) GetRole(_ context.Context, tenantID, roleID int64) (*Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.roles[roleID]
	if !ok || r.TenantID != tenantID {
		return nil, fmt.Errorf("role %d in tenant %d: %w", roleID, tenantID, tenancy.ErrNotFound)
	}
	out := copyRole(r)
	return &out, nil
}

func (s *MemoryStore) UpdateRolePermissions(_ context.Context, tenantID, roleID int64, permissions []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.roles[roleID]
	if !ok || r.TenantID != tenantID {
		return fmt.Errorf("role %d in tenant %d: %w", roleID, tenantID, tenancy.ErrNotFound)
	}
	r.Permissions = normalizePermissions(permissions)
	r.UpdatedAt = s.now().UTC()
	return nil
}

func (s *MemoryStore) DeleteRole(_ context.Context, tenantID, roleID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.roles[roleID]
	if !ok || r.TenantID != tenantID || r.IsSystem {
		return fmt.Errorf("role %d in tenant %d: %w", roleID, tenantID, tenancy.ErrNotFound)
	}
	delete(s.roles, roleID)
	for k := range s.assignments {
		if k.roleID == roleID {
			delete(s.assignments, k)
		}
	}
	for k := range s.resPerms {
		if k.roleID == roleID {
			delete(s.resPerms, k)
		}
	}
	return nil
}

func (s *MemoryStore) RolesByPermission(_ context.Context, tenantID int64, permission string) ([]Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	roles := make([]Role, 0)
	for _, r := range s.roles {
		if r.TenantID == tenantID && r.HasPermission(permission) {
			roles = append(roles, copyRole(r))
		}
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i].Name < roles[j].Name })
	return roles, nil
}

func (s *MemoryStore) UpsertAssignment(_ context.Context, a RoleAssignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.roles[a.RoleID]; !ok || r.TenantID != a.TenantID {
		return fmt.Errorf("assign role: %w", tenancy.ErrNotFound)
	}
	key := assignmentKey{a.UserID, a.RoleID, a.TenantID}
	if existing, ok := s.assignments[key]; ok {
		a.CreatedAt = existing.CreatedAt
	} else {
		a.CreatedAt = s.now().UTC()
	}
	s.assignments[key] = a
	return nil
}

func (s *MemoryStore) DeleteAssignment(_ context.Context, userID, roleID, tenantID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.assignments, assignmentKey{userID, roleID, tenantID})
	return nil
}

func (s *MemoryStore) ActiveRoles(_ context.Context, userID, tenantID int64, now time.Time) ([]AssignedRole, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	assigned := make([]AssignedRole, 0)
	for k, a := range s.assignments {
		if k.userID != userID || k.tenantID != tenantID || !a.ActiveAt(now) {
			continue
		}
		r, ok := s.roles[k.roleID]
		if !ok {
			continue
		}
		assigned = append(assigned, AssignedRole{Role: copyRole(r), ExpiresAt: a.ExpiresAt})
	}
	sort.Slice(assigned, func(i, j int) bool { return assigned[i].Name < assigned[j].Name })
	return assigned, nil
}

func (s *MemoryStore) UpsertResource(_ context.Context, res Resource) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	if existing, ok := s.resources[res.ID]; ok {
		if existing.TenantID != res.TenantID {
			return fmt.Errorf("%w: resource %s belongs to another tenant", tenancy.ErrPermissionDenied, res.ID)
		}
		res.CreatedAt = existing.CreatedAt
	} else {
		res.CreatedAt = now
	}
	res.UpdatedAt = now
	s.resources[res.ID] = res
	return nil
}

func (s *MemoryStore) GetResource(_ context.Context, resourceID string) (*Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res, ok := s.resources[resourceID]
	if !ok {
		return nil, fmt.Errorf("resource %s: %w", resourceID, tenancy.ErrNotFound)
	}
	return &res, nil
}

func (s *MemoryStore) SwapResourceOwner(_ context.Context, resourceID string, newOwner int64) (*Resource, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.resources[resourceID]
	if !ok {
		return nil, 0, fmt.Errorf("resource %s: %w", resourceID, tenancy.ErrNotFound)
	}
	previous := res.OwnerID
	res.OwnerID = newOwner
	res.UpdatedAt = s.now().UTC()
	s.resources[resourceID] = res
	return &res, previous, nil
}

func (s *MemoryStore) CreateResourcePermission(_ context.Context, rp *ResourcePermission) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.roles[rp.RoleID]; !ok {
		return fmt.Errorf("create resource permission: %w", tenancy.ErrNotFound)
	}
	key := resourcePermissionKey{rp.RoleID, rp.ResourceType, rp.Permission}
	if existing, ok := s.resPerms[key]; ok {
		rp.ID = existing.ID
	} else {
		rp.ID = s.id()
	}
	s.resPerms[key] = *rp
	return nil
}

func (s *MemoryStore) HasResourcePermission(_ context.Context, roleIDs []int64, resourceType, permission string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, id := range roleIDs {
		if _, ok := s.resPerms[resourcePermissionKey{id, resourceType, permission}]; ok {
			return true, nil
		}
	}
	return false, nil
}

// Package rbac provides tenant-scoped role-based access control with
// resource ownership.
//
// # Model
//
// A Role is a named set of permission strings inside one tenant. Users hold
// roles through RoleAssignments, which may carry an expiry; an expired
// assignment behaves exactly like a missing one. A user's permissions in a
// tenant are the union of the permissions of every active role. There is no
// wildcard permission and no inheritance between roles.
//
// Every tenant can be seeded with four immutable system roles:
//
//	admin    read, write, delete, admin
//	manager  read, write, delete
//	staff    read, write
//	viewer   read
//
// # Resources
//
// A Resource is an owned object. HasResourceAccess allows its current owner
// unconditionally; anyone else needs the permission through a role that also
// carries a ResourcePermission for the resource type. Ownership transfers take
// effect immediately.
//
//	rm.RegisterResource(ctx, rbac.Resource{ID: "doc-1", Type: "document", TenantID: 3, OwnerID: 7})
//	rm.HasResourceAccess(ctx, 7, 3, "document", "doc-1", "write") // true, owner
//	rm.UpdateResourceOwner(ctx, "doc-1", 8)
//	rm.HasResourceAccess(ctx, 7, 3, "document", "doc-1", "write") // false
//
// # Caching
//
// Permission sets and resources are cached per (user, tenant) and per
// resource with a TTL. Every mutation made through the Manager invalidates
// the affected entries before it returns, and an invalidation that races a
// concurrent load always wins. A cached set never outlives the earliest
// expiry among its assignments.
//
// Check methods fail closed: a storage error is logged and reported as a
// denial.
//
// # HTTP
//
// Handlers expose role and resource administration under
// /tenants/{tenant}/..., gated by PermissionMiddleware on the admin
// permission of the calling principal's own tenant.
package rbac

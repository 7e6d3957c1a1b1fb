package rbac

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/tenantguard/pkg/contextkeys"
	"github.com/platinummonkey/tenantguard/pkg/httputil"
)

// PermissionMiddleware gates HTTP handlers on the authenticated principal's
// role permissions
type PermissionMiddleware struct {
	manager *Manager
}

// NewPermissionMiddleware creates a new permission middleware
func NewPermissionMiddleware(manager *Manager) *PermissionMiddleware {
	return &PermissionMiddleware{
		manager: manager,
	}
}

// RequirePermission creates middleware that requires perm in the principal's
// tenant. A {tenant} path variable naming another tenant is refused before
// any role lookup.
func (pm *PermissionMiddleware) RequirePermission(perm string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := contextkeys.PrincipalFrom(r.Context())
			if !ok || principal.UserID <= 0 || principal.TenantID <= 0 {
				httputil.WriteUnauthorized(w, "authentication required")
				return
			}

			if raw, ok := mux.Vars(r)["tenant"]; ok {
				tenantID, err := strconv.ParseInt(raw, 10, 64)
				if err != nil || tenantID != principal.TenantID {
					httputil.WriteForbidden(w, "forbidden")
					return
				}
			}

			if !pm.manager.HasPermission(r.Context(), principal.UserID, principal.TenantID, perm) {
				httputil.WriteForbidden(w, "insufficient permissions")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequireTenantPermission creates middleware that requires perm in tenantID
// itself. Principals of any other tenant are refused whatever their roles.
func (pm *PermissionMiddleware) RequireTenantPermission(tenantID int64, perm string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := contextkeys.PrincipalFrom(r.Context())
			if !ok || principal.UserID <= 0 || principal.TenantID <= 0 {
				httputil.WriteUnauthorized(w, "authentication required")
				return
			}
			if tenantID <= 0 || principal.TenantID != tenantID {
				httputil.WriteForbidden(w, "forbidden")
				return
			}
			if !pm.manager.HasPermission(r.Context(), principal.UserID, tenantID, perm) {
				httputil.WriteForbidden(w, "insufficient permissions")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequireResourceAccess creates middleware that requires perm on the resource
// named by the {resource} path variable
func (pm *PermissionMiddleware) RequireResourceAccess(resourceType, perm string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := contextkeys.PrincipalFrom(r.Context())
			if !ok || principal.UserID <= 0 || principal.TenantID <= 0 {
				httputil.WriteUnauthorized(w, "authentication required")
				return
			}

			resourceID := mux.Vars(r)["resource"]
			if resourceID == "" {
				httputil.WriteBadRequest(w, "resource id required")
				return
			}

			if !pm.manager.HasResourceAccess(r.Context(), principal.UserID, principal.TenantID, resourceType, resourceID, perm) {
				httputil.WriteForbidden(w, "insufficient permissions")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

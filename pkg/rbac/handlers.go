package rbac

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/tenantguard/pkg/httputil"
)

// Handlers provides HTTP handlers for RBAC operations
type Handlers struct {
	manager    *Manager
	middleware *PermissionMiddleware
}

// NewHandlers creates new RBAC handlers
func NewHandlers(manager *Manager) *Handlers {
	return &Handlers{
		manager:    manager,
		middleware: NewPermissionMiddleware(manager),
	}
}

// RegisterRoutes registers all RBAC routes. Every route requires the admin
// permission in the tenant named by the path.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	sub := router.PathPrefix("/tenants/{tenant}").Subrouter()
	sub.Use(h.middleware.RequirePermission(PermissionAdmin))

	// Role management
	sub.HandleFunc("/roles", h.CreateRole).Methods("POST")
	sub.HandleFunc("/roles", h.ListRoles).Methods("GET")
	sub.HandleFunc("/roles/system", h.InitializeSystemRoles).Methods("POST")
	sub.HandleFunc("/roles/{role}/permissions", h.UpdateRolePermissions).Methods("PUT")
	sub.HandleFunc("/roles/{role}", h.DeleteRole).Methods("DELETE")
	sub.HandleFunc("/roles/{role}/resource-permissions", h.CreateResourcePermission).Methods("POST")

	// User role assignments
	sub.HandleFunc("/users/{user}/roles", h.GetUserRoles).Methods("GET")
	sub.HandleFunc("/users/{user}/roles/{role}", h.AssignRoleToUser).Methods("PUT")
	sub.HandleFunc("/users/{user}/roles/{role}", h.RemoveRoleFromUser).Methods("DELETE")
	sub.HandleFunc("/users/{user}/permissions", h.GetUserPermissions).Methods("GET")

	// Resources
	sub.HandleFunc("/resources", h.RegisterResource).Methods("POST")
	sub.HandleFunc("/resources/{resource}/owner", h.UpdateResourceOwner).Methods("PUT")
}

// CreateRole creates a new custom role
func (h *Handlers) CreateRole(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "tenant")
	if !ok {
		return
	}

	var req struct {
		Name        string   `json:"name"`
		Description string   `json:"description"`
		Permissions []string `json:"permissions"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	role, err := h.manager.CreateRole(r.Context(), tenantID, req.Name, req.Description, req.Permissions)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteCreated(w, role)
}

// ListRoles lists the roles that grant the permission query parameter
func (h *Handlers) ListRoles(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "tenant")
	if !ok {
		return
	}

	perm := r.URL.Query().Get("permission")
	if perm == "" {
		httputil.WriteBadRequest(w, "permission query parameter is required")
		return
	}

	roles, err := h.manager.GetRolesByPermission(r.Context(), tenantID, perm)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"roles": roles,
		"count": len(roles),
	})
}

// InitializeSystemRoles seeds the built-in roles into the tenant
func (h *Handlers) InitializeSystemRoles(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "tenant")
	if !ok {
		return
	}

	if err := h.manager.InitializeSystemRoles(r.Context(), tenantID); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// UpdateRolePermissions replaces a custom role's permission set
func (h *Handlers) UpdateRolePermissions(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "tenant")
	if !ok {
		return
	}
	roleID, ok := httputil.ParsePathInt64OrError(w, r, "role")
	if !ok {
		return
	}

	var req struct {
		Permissions []string `json:"permissions"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	if err := h.manager.UpdateRolePermissions(r.Context(), tenantID, roleID, req.Permissions); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// DeleteRole deletes a custom role
func (h *Handlers) DeleteRole(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "tenant")
	if !ok {
		return
	}
	roleID, ok := httputil.ParsePathInt64OrError(w, r, "role")
	if !ok {
		return
	}

	if err := h.manager.DeleteRole(r.Context(), tenantID, roleID); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// CreateResourcePermission grants a role a permission on a resource type
func (h *Handlers) CreateResourcePermission(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "tenant")
	if !ok {
		return
	}
	roleID, ok := httputil.ParsePathInt64OrError(w, r, "role")
	if !ok {
		return
	}

	var req struct {
		ResourceType string `json:"resource_type"`
		Permission   string `json:"permission"`
		Scope        Scope  `json:"scope"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	rp, err := h.manager.CreateResourcePermission(r.Context(), tenantID, roleID, req.ResourceType, req.Permission, req.Scope)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteCreated(w, rp)
}

// GetUserRoles lists a user's active roles
func (h *Handlers) GetUserRoles(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "tenant")
	if !ok {
		return
	}
	userID, ok := httputil.ParsePathInt64OrError(w, r, "user")
	if !ok {
		return
	}

	roles, err := h.manager.GetUserRoles(r.Context(), userID, tenantID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"roles": roles,
		"count": len(roles),
	})
}

// AssignRoleToUser grants a role, or refreshes the expiry of an existing grant
func (h *Handlers) AssignRoleToUser(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "tenant")
	if !ok {
		return
	}
	userID, ok := httputil.ParsePathInt64OrError(w, r, "user")
	if !ok {
		return
	}
	roleID, ok := httputil.ParsePathInt64OrError(w, r, "role")
	if !ok {
		return
	}

	var req struct {
		ExpiresAt *time.Time `json:"expires_at,omitempty"`
	}
	if r.ContentLength != 0 && !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	if err := h.manager.AssignRoleToUser(r.Context(), userID, roleID, tenantID, req.ExpiresAt); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// RemoveRoleFromUser revokes a role grant
func (h *Handlers) RemoveRoleFromUser(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "tenant")
	if !ok {
		return
	}
	userID, ok := httputil.ParsePathInt64OrError(w, r, "user")
	if !ok {
		return
	}
	roleID, ok := httputil.ParsePathInt64OrError(w, r, "role")
	if !ok {
		return
	}

	if err := h.manager.RemoveRoleFromUser(r.Context(), userID, roleID, tenantID); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// GetUserPermissions returns the union of a user's active role permissions
func (h *Handlers) GetUserPermissions(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "tenant")
	if !ok {
		return
	}
	userID, ok := httputil.ParsePathInt64OrError(w, r, "user")
	if !ok {
		return
	}

	perms, err := h.manager.GetUserPermissions(r.Context(), userID, tenantID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"user_id":     userID,
		"tenant_id":   tenantID,
		"permissions": perms,
	})
}

// RegisterResource creates or replaces a resource in the path tenant
func (h *Handlers) RegisterResource(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "tenant")
	if !ok {
		return
	}

	var req struct {
		ID      string `json:"id"`
		Type    string `json:"type"`
		Name    string `json:"name"`
		OwnerID int64  `json:"owner_id"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	res := Resource{
		ID:       req.ID,
		Type:     req.Type,
		Name:     req.Name,
		TenantID: tenantID,
		OwnerID:  req.OwnerID,
	}
	if err := h.manager.RegisterResource(r.Context(), res); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteCreated(w, res)
}

// UpdateResourceOwner transfers ownership of a resource in the path tenant
func (h *Handlers) UpdateResourceOwner(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "tenant")
	if !ok {
		return
	}
	resourceID := mux.Vars(r)["resource"]

	var req struct {
		OwnerID int64 `json:"owner_id"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	// Resources of other tenants look missing.
	res, err := h.manager.checker.resource(r.Context(), resourceID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if res.TenantID != tenantID {
		httputil.WriteErrorMessage(w, http.StatusNotFound, "not found")
		return
	}

	if err := h.manager.UpdateResourceOwner(r.Context(), resourceID, req.OwnerID); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

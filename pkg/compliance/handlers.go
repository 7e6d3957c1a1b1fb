package compliance

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/tenantguard/pkg/httputil"
)

// Handlers provides HTTP handlers for compliance operations
type Handlers struct {
	manager *Manager
	guard   mux.MiddlewareFunc
}

// NewHandlers creates compliance handlers. guard, if not nil, wraps every
// route; callers pass the tenant admin permission check.
func NewHandlers(manager *Manager, guard mux.MiddlewareFunc) *Handlers {
	return &Handlers{manager: manager, guard: guard}
}

// RegisterRoutes registers the compliance routes under
// /tenants/{tenant}/compliance. Settings are shared by every tenant and are
// not reachable here; see RegisterSettingsRoutes.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	sub := router.PathPrefix("/tenants/{tenant}/compliance").Subrouter()
	if h.guard != nil {
		sub.Use(h.guard)
	}

	sub.HandleFunc("/status", h.GetStatus).Methods("GET")
	sub.HandleFunc("/retention", h.EnforceRetention).Methods("POST")

	sub.HandleFunc("/users/{user}/consent", h.RecordConsent).Methods("POST")
	sub.HandleFunc("/users/{user}/consent/{type}", h.GetConsent).Methods("GET")

	sub.HandleFunc("/users/{user}/deletion-requests", h.RequestDeletion).Methods("POST")
	sub.HandleFunc("/users/{user}/deletion-requests/verify", h.VerifyDeletion).Methods("POST")
	sub.HandleFunc("/deletion-requests/{request}", h.GetDeletionRequest).Methods("GET")

	sub.HandleFunc("/users/{user}/export", h.ExportUserData).Methods("GET")
}

// RegisterSettingsRoutes registers the process-wide settings routes under
// /compliance. operator must only admit principals allowed to change the
// retention window and deletion mode of every tenant.
func (h *Handlers) RegisterSettingsRoutes(router *mux.Router, operator mux.MiddlewareFunc) {
	sub := router.PathPrefix("/compliance").Subrouter()
	sub.Use(operator)

	sub.HandleFunc("/settings", h.GetStatus).Methods("GET")
	sub.HandleFunc("/settings", h.UpdateSettings).Methods("PUT")
}

func tenantAndUser(w http.ResponseWriter, r *http.Request) (int64, int64, bool) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "tenant")
	if !ok {
		return 0, 0, false
	}
	userID, ok := httputil.ParsePathInt64OrError(w, r, "user")
	if !ok {
		return 0, 0, false
	}
	return tenantID, userID, true
}

// GetStatus returns the current compliance settings
func (h *Handlers) GetStatus(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, h.manager.GetComplianceStatus())
}

// UpdateSettings changes any of level, retention window and deletion mode
func (h *Handlers) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Level                *Level `json:"compliance_level,omitempty"`
		DataRetentionDays    *int   `json:"data_retention_days,omitempty"`
		AnonymizationEnabled *bool  `json:"anonymization_enabled,omitempty"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	if req.Level != nil {
		if err := h.manager.SetComplianceLevel(*req.Level); err != nil {
			httputil.WriteError(w, err)
			return
		}
	}
	if req.DataRetentionDays != nil {
		if err := h.manager.SetDataRetentionDays(*req.DataRetentionDays); err != nil {
			httputil.WriteError(w, err)
			return
		}
	}
	if req.AnonymizationEnabled != nil {
		h.manager.SetAnonymization(*req.AnonymizationEnabled)
	}
	httputil.WriteSuccess(w, h.manager.GetComplianceStatus())
}

// EnforceRetention runs the retention sweep for the path tenant
func (h *Handlers) EnforceRetention(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "tenant")
	if !ok {
		return
	}

	rows, err := h.manager.EnforceDataRetentionPolicy(r.Context(), tenantID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"tenant_id":    tenantID,
		"rows_deleted": rows,
	})
}

// RecordConsent stores a consent decision
func (h *Handlers) RecordConsent(w http.ResponseWriter, r *http.Request) {
	tenantID, userID, ok := tenantAndUser(w, r)
	if !ok {
		return
	}

	var req struct {
		ConsentType    string `json:"consent_type"`
		Granted        bool   `json:"granted"`
		ExpirationDays int    `json:"expiration_days"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.ExpirationDays == 0 {
		req.ExpirationDays = DefaultRetentionDays
	}

	if err := h.manager.RecordUserConsent(r.Context(), tenantID, userID, req.ConsentType, req.Granted, req.ExpirationDays); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// GetConsent reports the consent status of one type
func (h *Handlers) GetConsent(w http.ResponseWriter, r *http.Request) {
	tenantID, userID, ok := tenantAndUser(w, r)
	if !ok {
		return
	}
	consentType := mux.Vars(r)["type"]

	status, err := h.manager.GetConsentStatus(r.Context(), tenantID, userID, consentType)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"consent_type": consentType,
		"status":       status,
		"granted":      status == ConsentGranted,
	})
}

// RequestDeletion opens a deletion request and returns its verification code
func (h *Handlers) RequestDeletion(w http.ResponseWriter, r *http.Request) {
	tenantID, userID, ok := tenantAndUser(w, r)
	if !ok {
		return
	}

	var req struct {
		Reason DeletionReason `json:"reason"`
	}
	if r.ContentLength != 0 && !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	code, err := h.manager.RequestDataDeletion(r.Context(), tenantID, userID, req.Reason)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteCreated(w, map[string]string{"verification_code": code})
}

// VerifyDeletion executes a deletion request given its verification code
func (h *Handlers) VerifyDeletion(w http.ResponseWriter, r *http.Request) {
	tenantID, userID, ok := tenantAndUser(w, r)
	if !ok {
		return
	}

	var req struct {
		Code string `json:"verification_code"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	result, err := h.manager.VerifyAndExecuteDataDeletion(r.Context(), tenantID, userID, req.Code)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, result)
}

// GetDeletionRequest returns a deletion request of the path tenant
func (h *Handlers) GetDeletionRequest(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "tenant")
	if !ok {
		return
	}
	requestID, ok := httputil.ParsePathInt64OrError(w, r, "request")
	if !ok {
		return
	}

	req, err := h.manager.GetDeletionRequest(r.Context(), tenantID, requestID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, req)
}

// ExportUserData returns the user's data bundle. With archive=true the
// bundle is uploaded and only its location is returned.
func (h *Handlers) ExportUserData(w http.ResponseWriter, r *http.Request) {
	tenantID, userID, ok := tenantAndUser(w, r)
	if !ok {
		return
	}
	archive, _ := strconv.ParseBool(r.URL.Query().Get("archive"))

	bundle, err := h.manager.ExportUserData(r.Context(), tenantID, userID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if !archive {
		httputil.WriteSuccess(w, bundle)
		return
	}

	location, err := h.manager.ArchiveExport(r.Context(), bundle)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteCreated(w, map[string]interface{}{
		"location": location,
		"warnings": bundle.Warnings,
	})
}

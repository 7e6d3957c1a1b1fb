package audit

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/tenantguard/pkg/tenancy"
)

// Handlers exposes the audit trail read-only over HTTP
type Handlers struct {
	store Store
}

// NewHandlers creates new audit handlers
func NewHandlers(store Store) *Handlers {
	return &Handlers{
		store: store,
	}
}

// RegisterRoutes registers audit log routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/tenants/{tenant}/audit/events", h.listEvents).Methods("GET")
	router.HandleFunc("/tenants/{tenant}/audit/violations", h.listViolations).Methods("GET")
	router.HandleFunc("/tenants/{tenant}/audit/export", h.exportEvents).Methods("GET")
}

// listEvents handles GET /tenants/{tenant}/audit/events
func (h *Handlers) listEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}

	records, err := h.store.Search(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"events": records,
		"count":  len(records),
		"limit":  clampLimit(filter.Limit),
		"offset": filter.Offset,
	})
}

// listViolations handles GET /tenants/{tenant}/audit/violations
func (h *Handlers) listViolations(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}

	violations, err := h.store.Violations(r.Context(), filter.TenantID, filter.Limit)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"violations": violations,
		"count":      len(violations),
	})
}

// exportEvents handles GET /tenants/{tenant}/audit/export
func (h *Handlers) exportEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}

	format := ExportFormat(r.URL.Query().Get("format"))
	if format == "" {
		format = ExportFormatJSON
	}

	records, err := h.store.Search(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}

	data, err := Export(records, format)
	if err != nil {
		writeError(w, err)
		return
	}

	switch format {
	case ExportFormatCSV:
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", "attachment; filename=audit-logs.csv")
	case ExportFormatNDJSON:
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Header().Set("Content-Disposition", "attachment; filename=audit-logs.ndjson")
	default:
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Disposition", "attachment; filename=audit-logs.json")
	}

	w.Write(data)
}

// parseFilter builds a filter from the path tenant and query parameters
func parseFilter(r *http.Request) (SearchFilter, error) {
	query := r.URL.Query()
	filter := SearchFilter{}

	tenantID, err := strconv.ParseInt(mux.Vars(r)["tenant"], 10, 64)
	if err != nil || tenantID <= 0 {
		return filter, tenancy.Validate(false, "invalid tenant id")
	}
	filter.TenantID = tenantID

	if userIDStr := query.Get("user_id"); userIDStr != "" {
		if userID, err := strconv.ParseInt(userIDStr, 10, 64); err == nil {
			filter.UserID = &userID
		}
	}

	if kinds := query.Get("kinds"); kinds != "" {
		for _, k := range strings.Split(kinds, ",") {
			if k = strings.TrimSpace(k); k != "" {
				filter.Kinds = append(filter.Kinds, Kind(k))
			}
		}
	}

	if since := query.Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			filter.Since = &t
		}
	}

	if until := query.Get("until"); until != "" {
		if t, err := time.Parse(time.RFC3339, until); err == nil {
			filter.Until = &t
		}
	}

	if limitStr := query.Get("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil {
			filter.Limit = limit
		}
	}

	if offsetStr := query.Get("offset"); offsetStr != "" {
		if offset, err := strconv.Atoi(offsetStr); err == nil {
			filter.Offset = offset
		}
	}

	return filter, nil
}

func writeError(w http.ResponseWriter, err error) {
	http.Error(w, tenancy.PublicMessage(err), tenancy.HTTPStatus(err))
}

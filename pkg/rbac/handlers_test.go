package rbac

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tenantguard/pkg/contextkeys"
)

// withPrincipal stands in for the authentication layer
func withPrincipal(p *contextkeys.Principal, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p != nil {
			r = r.WithContext(contextkeys.WithPrincipal(r.Context(), *p))
		}
		next.ServeHTTP(w, r)
	})
}

type handlerFixture struct {
	*fixture
	server  http.Handler
	adminID int64
}

func newHandlerFixture(t *testing.T, principal *contextkeys.Principal) *handlerFixture {
	t.Helper()
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.manager.InitializeSystemRoles(ctx, 1))
	admins, err := f.manager.GetRolesByPermission(ctx, 1, PermissionAdmin)
	require.NoError(t, err)
	require.NoError(t, f.manager.AssignRoleToUser(ctx, 1, admins[0].ID, 1, nil))

	router := mux.NewRouter()
	NewHandlers(f.manager).RegisterRoutes(router)
	return &handlerFixture{fixture: f, server: withPrincipal(principal, router), adminID: admins[0].ID}
}

func (h *handlerFixture) do(method, path, body string) *httptest.ResponseRecorder {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	h.server.ServeHTTP(w, r)
	return w
}

func TestHandlers_RoleLifecycle(t *testing.T) {
	h := newHandlerFixture(t, &contextkeys.Principal{UserID: 1, TenantID: 1})

	w := h.do("POST", "/tenants/1/roles", `{"name":"auditor","description":"reads","permissions":["read","export"]}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var role Role
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &role))
	assert.Equal(t, []string{"export", "read"}, role.Permissions)

	w = h.do("POST", "/tenants/1/roles", `{"name":"auditor"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = h.do("PUT", "/tenants/1/users/42/roles/"+itoa(role.ID), "")
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w = h.do("GET", "/tenants/1/users/42/permissions", "")
	require.Equal(t, http.StatusOK, w.Code)
	var perms struct {
		Permissions []string `json:"permissions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &perms))
	assert.Equal(t, []string{"export", "read"}, perms.Permissions)

	w = h.do("GET", "/tenants/1/roles?permission=export", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)

	w = h.do("PUT", "/tenants/1/roles/"+itoa(role.ID)+"/permissions", `{"permissions":["read"]}`)
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())
	assert.False(t, h.manager.HasPermission(context.Background(), 42, 1, "export"))

	w = h.do("DELETE", "/tenants/1/users/42/roles/"+itoa(role.ID), "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = h.do("DELETE", "/tenants/1/roles/"+itoa(role.ID), "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = h.do("DELETE", "/tenants/1/roles/"+itoa(h.adminID), "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlers_Validation(t *testing.T) {
	h := newHandlerFixture(t, &contextkeys.Principal{UserID: 1, TenantID: 1})

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"malformed body", "POST", "/tenants/1/roles", `{`, http.StatusBadRequest},
		{"empty name", "POST", "/tenants/1/roles", `{"name":""}`, http.StatusBadRequest},
		{"missing permission query", "GET", "/tenants/1/roles", "", http.StatusBadRequest},
		{"bad user id", "GET", "/tenants/1/users/abc/roles", "", http.StatusBadRequest},
		{"unknown role", "PUT", "/tenants/1/users/42/roles/999", "", http.StatusNotFound},
		{"bad scope", "POST", "/tenants/1/roles/" + itoa(h.adminID) + "/resource-permissions", `{"resource_type":"doc","permission":"read","scope":"planet"}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := h.do(tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
}

func TestHandlers_Resources(t *testing.T) {
	h := newHandlerFixture(t, &contextkeys.Principal{UserID: 1, TenantID: 1})

	w := h.do("POST", "/tenants/1/resources", `{"id":"doc-1","type":"document","name":"Plan","owner_id":7}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = h.do("PUT", "/tenants/1/resources/doc-1/owner", `{"owner_id":8}`)
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())
	assert.Equal(t, int64(8), h.manager.GetResourceOwner(context.Background(), "doc-1"))

	w = h.do("PUT", "/tenants/1/resources/doc-404/owner", `{"owner_id":8}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandlers_ResourceOfAnotherTenantLooksMissing(t *testing.T) {
	h := newHandlerFixture(t, &contextkeys.Principal{UserID: 1, TenantID: 1})
	ctx := context.Background()

	require.NoError(t, h.manager.InitializeSystemRoles(ctx, 2))
	require.NoError(t, h.manager.RegisterResource(ctx, Resource{ID: "other", Type: "document", TenantID: 2, OwnerID: 5}))

	w := h.do("PUT", "/tenants/1/resources/other/owner", `{"owner_id":1}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, int64(5), h.manager.GetResourceOwner(ctx, "other"))
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}

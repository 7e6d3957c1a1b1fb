package compliance

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strconv"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type handlerFixture struct {
	*fixture
	server http.Handler
}

func newHandlerFixture(t *testing.T, guard mux.MiddlewareFunc) *handlerFixture {
	t.Helper()
	f := newFixture(t)
	router := mux.NewRouter()
	NewHandlers(f.manager, guard).RegisterRoutes(router)
	return &handlerFixture{fixture: f, server: router}
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

func TestHandlers_Guard(t *testing.T) {
	deny := func(http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		})
	}
	h := newHandlerFixture(t, deny)

	w := h.do("GET", "/tenants/1/compliance/status", "")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func newSettingsServer(f *fixture, operator mux.MiddlewareFunc) http.Handler {
	router := mux.NewRouter()
	h := NewHandlers(f.manager, nil)
	h.RegisterRoutes(router)
	h.RegisterSettingsRoutes(router, operator)
	return router
}

func allowAll(next http.Handler) http.Handler { return next }

func TestHandlers_Settings(t *testing.T) {
	h := newHandlerFixture(t, nil)
	h.server = newSettingsServer(h.fixture, allowAll)

	w := h.do("PUT", "/compliance/settings", `{"compliance_level":"partial","data_retention_days":30,"anonymization_enabled":false}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var status Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, LevelPartial, status.Level)
	assert.Equal(t, 30, status.DataRetentionDays)
	assert.False(t, status.AnonymizationEnabled)

	w = h.do("PUT", "/compliance/settings", `{"data_retention_days":0}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do("PUT", "/compliance/settings", `{"retention":5}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do("GET", "/compliance/settings", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"compliance_level":"partial"`)

	w = h.do("GET", "/tenants/1/compliance/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"data_retention_days":30`)
}

func TestHandlers_TenantCannotChangeSharedSettings(t *testing.T) {
	h := newHandlerFixture(t, nil)
	deny := func(http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		})
	}
	h.server = newSettingsServer(h.fixture, deny)
	before := h.manager.GetComplianceStatus()

	w := h.do("PUT", "/tenants/1/compliance/settings", `{"data_retention_days":1,"anonymization_enabled":false}`)
	assert.NotEqual(t, http.StatusOK, w.Code)

	w = h.do("PUT", "/compliance/settings", `{"data_retention_days":1,"anonymization_enabled":false}`)
	assert.Equal(t, http.StatusForbidden, w.Code)

	assert.Equal(t, before.DataRetentionDays, h.manager.DataRetentionDays())
	assert.Equal(t, before.AnonymizationEnabled, h.manager.AnonymizationEnabled())

	// Retention for another tenant still uses the configured window.
	_, err := h.manager.EnforceDataRetentionPolicy(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), h.purges.tenantID)
	assert.Equal(t, h.now.AddDate(0, 0, -DefaultRetentionDays), h.purges.cutoff)
}

func TestHandlers_Consent(t *testing.T) {
	h := newHandlerFixture(t, nil)

	w := h.do("POST", "/tenants/1/compliance/users/7/consent", `{"consent_type":"marketing","granted":true,"expiration_days":30}`)
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w = h.do("GET", "/tenants/1/compliance/users/7/consent/marketing", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Status  ConsentStatus `json:"status"`
		Granted bool          `json:"granted"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, ConsentGranted, resp.Status)
	assert.True(t, resp.Granted)

	w = h.do("GET", "/tenants/2/compliance/users/7/consent/marketing", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"absent"`)

	w = h.do("POST", "/tenants/1/compliance/users/7/consent", `{"consent_type":""}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do("POST", "/tenants/abc/compliance/users/7/consent", `{"consent_type":"marketing"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlers_DeletionFlow(t *testing.T) {
	h := newHandlerFixture(t, nil)

	w := h.do("POST", "/tenants/1/compliance/users/7/deletion-requests", `{"reason":"account_closure"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		Code string `json:"verification_code"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotEmpty(t, created.Code)

	// A wrong code says nothing about why it failed.
	w = h.do("POST", "/tenants/1/compliance/users/8/deletion-requests/verify", `{"verification_code":"`+created.Code+`"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), `"error":"invalid verification"`)

	h.expectErase(ModeAnonymize, 1, 7, nil)
	w = h.do("POST", "/tenants/1/compliance/users/7/deletion-requests/verify", `{"verification_code":"`+created.Code+`"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var result DeletionResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Len(t, result.Tables, 4)

	w = h.do("GET", "/tenants/1/compliance/deletion-requests/"+itoa(result.RequestID), "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"completed"`)
	assert.NotContains(t, w.Body.String(), created.Code)

	w = h.do("GET", "/tenants/2/compliance/deletion-requests/"+itoa(result.RequestID), "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandlers_Retention(t *testing.T) {
	h := newHandlerFixture(t, nil)
	h.purges.rows = 4

	w := h.do("POST", "/tenants/3/compliance/retention", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"rows_deleted":4`)
	assert.Equal(t, int64(3), h.purges.tenantID)
}

func TestHandlers_Export(t *testing.T) {
	h := newHandlerFixture(t, nil)
	expect := func() {
		h.mock.ExpectQuery(regexp.QuoteMeta(DefaultPrimaryExport().Query)).
			WillReturnRows(sqlmock.NewRows([]string{"id", "email"}).AddRow(int64(7), "ada@example.com"))
		h.mock.ExpectQuery(regexp.QuoteMeta(DefaultSecondaryExports()[0].Query)).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))
	}

	expect()
	w := h.do("GET", "/tenants/1/compliance/users/7/export", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var bundle ExportBundle
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &bundle))
	assert.Equal(t, "ada@example.com", bundle.User["email"])

	expect()
	w = h.do("GET", "/tenants/1/compliance/users/7/export?archive=true", "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"location":"mem://exports/1/7/`)
	assert.Len(t, h.archiver.objects, 1)

	h.mock.ExpectQuery(regexp.QuoteMeta(DefaultPrimaryExport().Query)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	w = h.do("GET", "/tenants/1/compliance/users/8/export", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}

package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tenantguard/pkg/audit"
	"github.com/platinummonkey/tenantguard/pkg/auth"
	"github.com/platinummonkey/tenantguard/pkg/compliance"
	"github.com/platinummonkey/tenantguard/pkg/middleware"
	"github.com/platinummonkey/tenantguard/pkg/observability"
	"github.com/platinummonkey/tenantguard/pkg/rbac"
)

type healthyDB struct{}

func (healthyDB) HealthCheck(context.Context) error { return nil }

type emptyAuditStore struct{}

func (emptyAuditStore) Search(context.Context, audit.SearchFilter) ([]audit.Record, error) {
	return []audit.Record{}, nil
}

func (emptyAuditStore) Violations(context.Context, int64, int) ([]audit.Violation, error) {
	return []audit.Violation{}, nil
}

func (emptyAuditStore) PurgeBefore(context.Context, int64, time.Time) (int64, error) {
	return 0, nil
}

func newTestRouter(t *testing.T, opts ...func(*routerDeps)) (http.Handler, *rbac.Manager) {
	t.Helper()
	logger, _ := test.NewNullLogger()

	rbacManager, err := rbac.NewManager(rbac.Config{Store: rbac.NewMemoryStore(), Logger: logger})
	require.NoError(t, err)
	complianceManager, err := compliance.NewManager(compliance.Config{
		Store:      compliance.NewMemoryStore(),
		AuditStore: emptyAuditStore{},
		Logger:     logger,
	})
	require.NoError(t, err)

	deps := routerDeps{
		health:     observability.NewHealthChecker(healthyDB{}, nil, "test"),
		registry:   prometheus.NewRegistry(),
		metrics:    true,
		verifier:   auth.HeaderVerifier{},
		rbac:       rbacManager,
		compliance: complianceManager,
		audit:      emptyAuditStore{},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	return newRouter(deps), rbacManager
}

func grantAdmin(t *testing.T, m *rbac.Manager, userID, tenantID int64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, m.InitializeSystemRoles(ctx, tenantID))
	roles, err := m.GetRolesByPermission(ctx, tenantID, rbac.PermissionAdmin)
	require.NoError(t, err)
	require.NotEmpty(t, roles)
	require.NoError(t, m.AssignRoleToUser(ctx, userID, roles[0].ID, tenantID, nil))
}

func request(method, path string, userID, tenantID string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	if userID != "" {
		req.Header.Set(auth.UserIDHeader, userID)
		req.Header.Set(auth.TenantIDHeader, tenantID)
	}
	return req
}

func TestRouter_OpenEndpoints(t *testing.T) {
	router, _ := newTestRouter(t)

	for _, path := range []string{"/health/live", "/health/ready", "/metrics"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, request(http.MethodGet, path, "", ""))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestRouter_TenantRoutesRequireAdmin(t *testing.T) {
	router, rbacManager := newTestRouter(t)
	grantAdmin(t, rbacManager, 7, 1)

	paths := []string{
		"/tenants/1/roles?permission=read",
		"/tenants/1/compliance/status",
		"/tenants/1/audit/events",
	}

	tests := []struct {
		name     string
		userID   string
		tenantID string
		want     int
	}{
		{"anonymous", "", "", http.StatusUnauthorized},
		{"member without admin", "8", "1", http.StatusForbidden},
		{"admin of another tenant", "7", "2", http.StatusForbidden},
		{"admin", "7", "1", http.StatusOK},
	}

	for _, tt := range tests {
		for _, path := range paths {
			t.Run(tt.name+" "+path, func(t *testing.T) {
				rec := httptest.NewRecorder()
				router.ServeHTTP(rec, request(http.MethodGet, path, tt.userID, tt.tenantID))
				assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			})
		}
	}
}

func TestRouter_SettingsAreOperatorOnly(t *testing.T) {
	var complianceManager *compliance.Manager
	router, rbacManager := newTestRouter(t, func(d *routerDeps) {
		d.operator = 100
		complianceManager = d.compliance
	})
	grantAdmin(t, rbacManager, 7, 1)
	grantAdmin(t, rbacManager, 5, 100)

	put := func(path, userID, tenantID string) int {
		req := httptest.NewRequest(http.MethodPut, path,
			strings.NewReader(`{"data_retention_days":1,"anonymization_enabled":false}`))
		req.Header.Set(auth.UserIDHeader, userID)
		req.Header.Set(auth.TenantIDHeader, tenantID)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.NotEqual(t, http.StatusOK, put("/tenants/1/compliance/settings", "7", "1"))
	assert.Equal(t, http.StatusForbidden, put("/compliance/settings", "7", "1"))
	assert.Equal(t, compliance.DefaultRetentionDays, complianceManager.DataRetentionDays())
	assert.True(t, complianceManager.AnonymizationEnabled())

	assert.Equal(t, http.StatusOK, put("/compliance/settings", "5", "100"))
	assert.Equal(t, 1, complianceManager.DataRetentionDays())
	assert.False(t, complianceManager.AnonymizationEnabled())
}

func TestRouter_SettingsNeedOperatorTenant(t *testing.T) {
	router, rbacManager := newTestRouter(t)
	grantAdmin(t, rbacManager, 7, 1)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, request(http.MethodGet, "/compliance/settings", "7", "1"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouter_VerificationAttemptsAreLimited(t *testing.T) {
	router, rbacManager := newTestRouter(t, func(d *routerDeps) {
		d.verify = middleware.NewRateLimiter(middleware.RateLimitConfig{
			RequestsPerWindow: 1,
			WindowDuration:    time.Hour,
			BurstSize:         1,
		})
	})
	grantAdmin(t, rbacManager, 7, 1)

	attempt := func() int {
		req := httptest.NewRequest(http.MethodPost, "/tenants/1/compliance/users/9/deletion-requests/verify",
			strings.NewReader(`{"verification_code":"wrong"}`))
		req.Header.Set(auth.UserIDHeader, "7")
		req.Header.Set(auth.TenantIDHeader, "1")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.NotEqual(t, http.StatusTooManyRequests, attempt())
	assert.Equal(t, http.StatusTooManyRequests, attempt())

	// Other admin routes keep working
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, request(http.MethodGet, "/tenants/1/compliance/status", "7", "1"))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouter_RequestID(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, request(http.MethodGet, "/health/live", "", ""))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestMigrationSets(t *testing.T) {
	sets := migrationSets()
	require.Len(t, sets, 3)
	for _, set := range sets {
		assert.NotEmpty(t, set.Migrations, set.Component)
	}
}

package observability

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestMetrics_Record(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordDecision("has_permission", true)
	m.RecordDecision("has_permission", false)
	m.RecordDecision("has_permission", false)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.DecisionsTotal.WithLabelValues("has_permission", "allow")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.DecisionsTotal.WithLabelValues("has_permission", "deny")))

	m.RecordCache("permissions", true)
	m.RecordCache("permissions", false)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CacheRequestsTotal.WithLabelValues("permissions", "hit")))

	m.RecordInvalidation("permissions", "tenant")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CacheInvalidations.WithLabelValues("permissions", "tenant")))

	m.RecordDeletionTable("anonymize", false)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.DeletionTablesTotal.WithLabelValues("anonymize", "failed")))

	m.RecordRetention(7)
	m.RecordRetention(0)
	assert.Equal(t, float64(7), testutil.ToFloat64(m.RetentionRowsDeleted))

	m.RecordExport("partial")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ExportsTotal.WithLabelValues("partial")))

	m.RecordBinding(false)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.TenantBindingsTotal.WithLabelValues("error")))

	m.RecordPoolStats(sql.DBStats{InUse: 3, Idle: 2, WaitDuration: 2 * time.Second})
	assert.Equal(t, float64(3), testutil.ToFloat64(m.DBConnectionsInUse))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.DBConnectionsWaitTime))

	m.ObserveDuration("rbac", "has_permission", time.Now())
	assert.Equal(t, 1, testutil.CollectAndCount(m.OperationDuration))

	assert.NotNil(t, m.AuditDropped())
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordDecision("x", true)
	m.RecordCache("x", true)
	m.RecordInvalidation("x", "all")
	m.RecordDeletionTable("purge", true)
	m.RecordRetention(1)
	m.RecordExport("success")
	m.RecordBinding(true)
	m.RecordPoolStats(sql.DBStats{})
	m.ObserveDuration("x", "y", time.Now())
	assert.Nil(t, m.AuditDropped())
}

func TestMetrics_WithOTel(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, m.WithOTel(noop.NewMeterProvider().Meter("test")))

	m.RecordDecision("has_resource_access", true)
	m.ObserveDuration("compliance", "export", time.Now())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.DecisionsTotal.WithLabelValues("has_resource_access", "allow")))
}

func TestRegisterMetricsEndpoint(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	m.RecordDecision("has_permission", true)

	router := mux.NewRouter()
	RegisterMetricsEndpoint(router, registry)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "tenantguard_decisions_total")
}

package observability

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records
// nothing, so packages can take one as an optional dependency.
type Metrics struct {
	// Authorization metrics
	DecisionsTotal *prometheus.CounterVec

	// Cache metrics
	CacheRequestsTotal *prometheus.CounterVec
	CacheInvalidations *prometheus.CounterVec

	// Audit metrics
	AuditDroppedTotal prometheus.Counter

	// Compliance metrics
	DeletionTablesTotal   *prometheus.CounterVec
	RetentionRowsDeleted  prometheus.Counter
	ExportsTotal          *prometheus.CounterVec
	OperationDuration     *prometheus.HistogramVec
	TenantBindingsTotal   *prometheus.CounterVec
	DBConnectionsInUse    prometheus.Gauge
	DBConnectionsIdle     prometheus.Gauge
	DBConnectionsWaitTime prometheus.Gauge

	otelDecisions metric.Int64Counter
	otelDuration  metric.Float64Histogram
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		DecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantguard_decisions_total",
				Help: "Total number of authorization decisions",
			},
			[]string{"check", "decision"},
		),
		CacheRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantguard_cache_requests_total",
				Help: "Total number of cache lookups",
			},
			[]string{"cache", "result"},
		),
		CacheInvalidations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantguard_cache_invalidations_total",
				Help: "Total number of cache invalidations",
			},
			[]string{"cache", "scope"},
		),
		AuditDroppedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tenantguard_audit_dropped_total",
				Help: "Audit entries dropped after exhausting retries",
			},
		),
		DeletionTablesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantguard_deletion_tables_total",
				Help: "Per-table outcomes of verified data deletions",
			},
			[]string{"mode", "result"},
		),
		RetentionRowsDeleted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tenantguard_retention_rows_deleted_total",
				Help: "Audit rows removed by retention enforcement",
			},
		),
		ExportsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantguard_exports_total",
				Help: "Total number of user data exports",
			},
			[]string{"outcome"},
		),
		OperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tenantguard_operation_duration_seconds",
				Help:    "Manager operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"component", "operation"},
		),
		TenantBindingsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantguard_tenant_bindings_total",
				Help: "Tenant context bindings on connection checkout",
			},
			[]string{"result"},
		),
		DBConnectionsInUse: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tenantguard_db_connections_in_use",
				Help: "Connections currently checked out of the pool",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tenantguard_db_connections_idle",
				Help: "Idle connections in the pool",
			},
		),
		DBConnectionsWaitTime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tenantguard_db_connections_wait_seconds",
				Help: "Total time blocked waiting for a connection",
			},
		),
	}

	registry.MustRegister(
		m.DecisionsTotal,
		m.CacheRequestsTotal,
		m.CacheInvalidations,
		m.AuditDroppedTotal,
		m.DeletionTablesTotal,
		m.RetentionRowsDeleted,
		m.ExportsTotal,
		m.OperationDuration,
		m.TenantBindingsTotal,
		m.DBConnectionsInUse,
		m.DBConnectionsIdle,
		m.DBConnectionsWaitTime,
	)

	return m
}

// WithOTel mirrors decisions and durations into OpenTelemetry instruments
// created from meter.
func (m *Metrics) WithOTel(meter metric.Meter) error {
	var err error
	m.otelDecisions, err = meter.Int64Counter(
		"tenantguard.decisions",
		metric.WithDescription("Authorization decisions"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return fmt.Errorf("failed to create decisions counter: %w", err)
	}

	m.otelDuration, err = meter.Float64Histogram(
		"tenantguard.operation.duration",
		metric.WithDescription("Manager operation duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create operation duration histogram: %w", err)
	}
	return nil
}

// RecordDecision counts an allow/deny outcome of check
func (m *Metrics) RecordDecision(check string, allowed bool) {
	if m == nil {
		return
	}
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	m.DecisionsTotal.WithLabelValues(check, decision).Inc()
	if m.otelDecisions != nil {
		m.otelDecisions.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("check", check),
			attribute.String("decision", decision),
		))
	}
}

// RecordCache counts a cache hit or miss
func (m *Metrics) RecordCache(cache string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheRequestsTotal.WithLabelValues(cache, result).Inc()
}

// RecordInvalidation counts a cache invalidation of the given scope
func (m *Metrics) RecordInvalidation(cache, scope string) {
	if m == nil {
		return
	}
	m.CacheInvalidations.WithLabelValues(cache, scope).Inc()
}

// RecordDeletionTable counts one table processed by a verified deletion
func (m *Metrics) RecordDeletionTable(mode string, ok bool) {
	if m == nil {
		return
	}
	result := "failed"
	if ok {
		result = "ok"
	}
	m.DeletionTablesTotal.WithLabelValues(mode, result).Inc()
}

// RecordRetention adds rows removed by a retention sweep
func (m *Metrics) RecordRetention(rows int64) {
	if m == nil || rows <= 0 {
		return
	}
	m.RetentionRowsDeleted.Add(float64(rows))
}

// RecordExport counts an export attempt by outcome
func (m *Metrics) RecordExport(outcome string) {
	if m == nil {
		return
	}
	m.ExportsTotal.WithLabelValues(outcome).Inc()
}

// RecordBinding counts a tenant binding attempt
func (m *Metrics) RecordBinding(ok bool) {
	if m == nil {
		return
	}
	result := "error"
	if ok {
		result = "ok"
	}
	m.TenantBindingsTotal.WithLabelValues(result).Inc()
}

// ObserveDuration records how long an operation took since start
func (m *Metrics) ObserveDuration(component, operation string, start time.Time) {
	if m == nil {
		return
	}
	d := time.Since(start).Seconds()
	m.OperationDuration.WithLabelValues(component, operation).Observe(d)
	if m.otelDuration != nil {
		m.otelDuration.Record(context.Background(), d, metric.WithAttributes(
			attribute.String("component", component),
			attribute.String("operation", operation),
		))
	}
}

// RecordPoolStats copies connection pool statistics into the gauges
func (m *Metrics) RecordPoolStats(stats sql.DBStats) {
	if m == nil {
		return
	}
	m.DBConnectionsInUse.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
	m.DBConnectionsWaitTime.Set(stats.WaitDuration.Seconds())
}

// AuditDropped returns the audit drop counter, or nil on a nil receiver
func (m *Metrics) AuditDropped() prometheus.Counter {
	if m == nil {
		return nil
	}
	return m.AuditDroppedTotal
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(router *mux.Router, registry *prometheus.Registry) {
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}

package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/tenantguard/pkg/observability"
	"github.com/platinummonkey/tenantguard/pkg/tenancy"
)

// TenantBinder scopes a borrowed connection to one tenant. rls.Manager
// implements it.
type TenantBinder interface {
	SetTenantContext(ctx context.Context, conn *sql.Conn, tenantID int64) error
	ResetTenantContext(ctx context.Context, conn *sql.Conn) error
}

// ConnectionConfig holds database connection configuration
type ConnectionConfig struct {
	Driver      string
	PrimaryURL  string
	ReplicaURLs []string
	MaxConns    int
	MinConns    int
	Timeout     time.Duration
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
}

// ConnectionManager manages the primary and read replica pools and hands out
// connections already bound to a tenant
type ConnectionManager struct {
	primary  *sql.DB
	replicas []*sql.DB
	current  atomic.Uint32
	mu       sync.RWMutex
	config   ConnectionConfig
	binder   TenantBinder
	logger   *logrus.Logger
	metrics  *observability.Metrics
}

// Option configures a ConnectionManager
type Option func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *logrus.Logger) Option {
	return func(cm *ConnectionManager) { cm.logger = logger }
}

// WithMetrics sets the metrics sink for pool statistics
func WithMetrics(metrics *observability.Metrics) Option {
	return func(cm *ConnectionManager) { cm.metrics = metrics }
}

// WithReplicas adds already opened replica pools
func WithReplicas(replicas ...*sql.DB) Option {
	return func(cm *ConnectionManager) { cm.replicas = append(cm.replicas, replicas...) }
}

// NewConnectionManager wraps an opened primary pool
func NewConnectionManager(primary *sql.DB, binder TenantBinder, opts ...Option) (*ConnectionManager, error) {
	if primary == nil {
		return nil, fmt.Errorf("primary database is required")
	}
	if binder == nil {
		return nil, fmt.Errorf("tenant binder is required")
	}
	cm := &ConnectionManager{
		primary:  primary,
		replicas: make([]*sql.DB, 0),
		binder:   binder,
		logger:   logrus.New(),
	}
	for _, opt := range opts {
		opt(cm)
	}
	return cm, nil
}

// Open connects to the primary and every reachable replica
func Open(config ConnectionConfig, binder TenantBinder, opts ...Option) (*ConnectionManager, error) {
	if config.Driver == "" {
		config.Driver = "postgres"
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}

	primary, err := openPool(config, config.PrimaryURL, config.MaxConns)
	if err != nil {
		return nil, fmt.Errorf("failed to open primary: %w", err)
	}

	cm, err := NewConnectionManager(primary, binder, opts...)
	if err != nil {
		primary.Close()
		return nil, err
	}
	cm.config = config

	for i, replicaURL := range config.ReplicaURLs {
		replica, err := openPool(config, replicaURL, replicaMaxConns(config.MaxConns))
		if err != nil {
			// Replicas are optional.
			cm.logger.WithError(err).WithField("replica", i).Warn("Skipping unreachable replica")
			continue
		}
		cm.replicas = append(cm.replicas, replica)
	}

	cm.logger.WithFields(logrus.Fields{
		"driver":   config.Driver,
		"replicas": len(cm.replicas),
	}).Info("Connection manager initialized")
	return cm, nil
}

func replicaMaxConns(maxConns int) int {
	n := maxConns / 2
	if n < 2 {
		n = 2
	}
	return n
}

func openPool(config ConnectionConfig, url string, maxConns int) (*sql.DB, error) {
	db, err := sql.Open(config.Driver, url)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(config.MinConns)
	db.SetConnMaxLifetime(config.MaxLifetime)
	db.SetConnMaxIdleTime(config.MaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.Timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping failed: %w", err)
	}
	return db, nil
}

// Primary returns the primary pool. Statements run on it are not bound to
// any tenant; use Checkout for tenant data.
func (cm *ConnectionManager) Primary() *sql.DB {
	return cm.primary
}

// Replica returns a read replica using round-robin selection.
// Falls back to primary if no replicas are available.
func (cm *ConnectionManager) Replica() *sql.DB {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if len(cm.replicas) == 0 {
		return cm.primary
	}
	index := cm.current.Add(1)
	return cm.replicas[int(index%uint32(len(cm.replicas)))]
}

// TenantConn is a connection bound to one tenant until Release
type TenantConn struct {
	*sql.Conn
	tenantID int64
	binder   TenantBinder
	logger   *logrus.Logger
	released atomic.Bool
}

// TenantID returns the bound tenant
func (tc *TenantConn) TenantID() int64 { return tc.tenantID }

// Release clears the binding and returns the connection to the pool. If the
// binding cannot be cleared the connection is discarded instead, so it never
// serves another tenant. Release is idempotent.
func (tc *TenantConn) Release(ctx context.Context) error {
	if !tc.released.CompareAndSwap(false, true) {
		return nil
	}

	resetErr := tc.binder.ResetTenantContext(ctx, tc.Conn)
	if resetErr != nil {
		tc.logger.WithError(resetErr).WithField("tenant_id", tc.tenantID).
			Warn("Failed to reset tenant context; discarding connection")
		// ErrBadConn makes database/sql close the connection instead of
		// pooling it.
		_ = tc.Conn.Raw(func(interface{}) error { return driver.ErrBadConn })
	}
	closeErr := tc.Conn.Close()
	if resetErr != nil {
		return resetErr
	}
	return closeErr
}

func (cm *ConnectionManager) checkout(ctx context.Context, db *sql.DB, tenantID int64) (*TenantConn, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, tenancy.StorageError("checkout connection", err)
	}
	if err := cm.binder.SetTenantContext(ctx, conn, tenantID); err != nil {
		_ = conn.Raw(func(interface{}) error { return driver.ErrBadConn })
		conn.Close()
		return nil, err
	}
	return &TenantConn{Conn: conn, tenantID: tenantID, binder: cm.binder, logger: cm.logger}, nil
}

// Checkout borrows a primary connection bound to tenantID. The caller must
// Release it.
func (cm *ConnectionManager) Checkout(ctx context.Context, tenantID int64) (*TenantConn, error) {
	return cm.checkout(ctx, cm.primary, tenantID)
}

// CheckoutReplica borrows a replica connection bound to tenantID
func (cm *ConnectionManager) CheckoutReplica(ctx context.Context, tenantID int64) (*TenantConn, error) {
	return cm.checkout(ctx, cm.Replica(), tenantID)
}

// WithTenant runs fn on a primary connection bound to tenantID
func (cm *ConnectionManager) WithTenant(ctx context.Context, tenantID int64, fn func(conn *TenantConn) error) (err error) {
	conn, err := cm.Checkout(ctx, tenantID)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := conn.Release(context.WithoutCancel(ctx)); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return fn(conn)
}

// WithTenantTx runs fn in a transaction on a connection bound to tenantID.
// The transaction is committed if fn returns nil and rolled back otherwise.
func (cm *ConnectionManager) WithTenantTx(ctx context.Context, tenantID int64, fn func(tx *sql.Tx) error) error {
	return cm.WithTenant(ctx, tenantID, func(conn *TenantConn) error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return tenancy.StorageError("begin transaction", err)
		}
		if err := fn(tx); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				cm.logger.WithError(rbErr).WithField("tenant_id", tenantID).Warn("Rollback failed")
			}
			return err
		}
		if err := tx.Commit(); err != nil {
			return tenancy.StorageError("commit transaction", err)
		}
		return nil
	})
}

// HealthCheck checks the health of primary and all replicas
func (cm *ConnectionManager) HealthCheck(ctx context.Context) error {
	if err := cm.primary.PingContext(ctx); err != nil {
		return fmt.Errorf("primary unhealthy: %w", err)
	}

	cm.mu.RLock()
	replicas := make([]*sql.DB, len(cm.replicas))
	copy(replicas, cm.replicas)
	cm.mu.RUnlock()

	var unhealthy []string
	for i, replica := range replicas {
		if err := replica.PingContext(ctx); err != nil {
			unhealthy = append(unhealthy, fmt.Sprintf("replica-%d", i))
		}
	}

	if len(unhealthy) > 0 && len(unhealthy) == len(replicas) {
		// Primary is up, so this is a degraded state.
		return fmt.Errorf("all replicas unhealthy: %s", strings.Join(unhealthy, ", "))
	}
	return nil
}

// ConnectionStats holds statistics for all database connections
type ConnectionStats struct {
	Primary  sql.DBStats
	Replicas []sql.DBStats
}

// Stats returns connection pool statistics and publishes the primary's to
// the metrics sink
func (cm *ConnectionManager) Stats() ConnectionStats {
	stats := ConnectionStats{
		Primary: cm.primary.Stats(),
	}
	cm.metrics.RecordPoolStats(stats.Primary)

	cm.mu.RLock()
	defer cm.mu.RUnlock()

	stats.Replicas = make([]sql.DBStats, len(cm.replicas))
	for i, replica := range cm.replicas {
		stats.Replicas[i] = replica.Stats()
	}
	return stats
}

// RemoveUnhealthyReplicas closes and drops replicas that fail a ping
func (cm *ConnectionManager) RemoveUnhealthyReplicas(ctx context.Context) int {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	healthy := make([]*sql.DB, 0, len(cm.replicas))
	removed := 0
	for _, replica := range cm.replicas {
		if err := replica.PingContext(ctx); err != nil {
			replica.Close()
			removed++
			continue
		}
		healthy = append(healthy, replica)
	}

	cm.replicas = healthy
	return removed
}

// StartHealthCheckRoutine prunes unhealthy replicas and publishes pool
// statistics every interval until ctx is done
func (cm *ConnectionManager) StartHealthCheckRoutine(ctx context.Context, interval time.Duration) {
	if interval == 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		defer func() {
			if r := recover(); r != nil {
				cm.logger.WithFields(logrus.Fields{
					"panic": r,
					"stack": string(debug.Stack()),
				}).Error("Connection health check panicked")
			}
		}()

		for {
			select {
			case <-ticker.C:
				checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				removed := cm.RemoveUnhealthyReplicas(checkCtx)
				cancel()
				cm.Stats()

				if removed > 0 {
					cm.logger.WithField("removed", removed).Warn("Removed unhealthy replicas")
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Close closes all database connections
func (cm *ConnectionManager) Close() error {
	var errs []error

	if err := cm.primary.Close(); err != nil {
		errs = append(errs, fmt.Errorf("primary close error: %w", err))
	}

	cm.mu.Lock()
	replicas := cm.replicas
	cm.replicas = nil
	cm.mu.Unlock()

	for i, replica := range replicas {
		if err := replica.Close(); err != nil {
			errs = append(errs, fmt.Errorf("replica-%d close error: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// ParseReplicaURLs parses a comma-separated list of replica URLs
func ParseReplicaURLs(replicaURLsStr string) []string {
	if replicaURLsStr == "" {
		return nil
	}

	urls := strings.Split(replicaURLsStr, ",")
	result := make([]string, 0, len(urls))
	for _, url := range urls {
		if trimmed := strings.TrimSpace(url); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tenantguard/pkg/observability"
	"github.com/platinummonkey/tenantguard/pkg/rls"
	"github.com/platinummonkey/tenantguard/pkg/tenancy"
)

func openSQLite(t *testing.T, name string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), name)+"?_busy_timeout=5000")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newSQLiteManager(t *testing.T, opts ...Option) (*ConnectionManager, *rls.Manager, *sql.DB) {
	t.Helper()
	db := openSQLite(t, "primary.db")
	// One connection makes the pool hand back the connection just released.
	db.SetMaxOpenConns(1)

	logger, _ := test.NewNullLogger()
	binder := rls.NewManager(rls.Config{Dialect: rls.SQLite{}, Logger: logger})
	cm, err := NewConnectionManager(db, binder, append([]Option{WithLogger(logger)}, opts...)...)
	require.NoError(t, err)
	return cm, binder, db
}

func TestNewConnectionManager_RequiresCollaborators(t *testing.T) {
	db := openSQLite(t, "x.db")

	_, err := NewConnectionManager(nil, rls.NewManager(rls.Config{}))
	assert.Error(t, err)

	_, err = NewConnectionManager(db, nil)
	assert.Error(t, err)
}

func TestCheckout_BindsAndReleaseResets(t *testing.T) {
	cm, binder, db := newSQLiteManager(t)
	ctx := context.Background()

	conn, err := cm.Checkout(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), conn.TenantID())

	bound, err := binder.GetTenantID(ctx, conn.Conn)
	require.NoError(t, err)
	assert.Equal(t, int64(5), bound)

	require.NoError(t, conn.Release(ctx))
	require.NoError(t, conn.Release(ctx))

	// The same pooled connection carries no tenant after release.
	raw, err := db.Conn(ctx)
	require.NoError(t, err)
	defer raw.Close()
	_, err = binder.GetTenantID(ctx, raw)
	assert.True(t, errors.Is(err, tenancy.ErrNotBound))
}

func TestCheckout_InvalidTenantDoesNotLeak(t *testing.T) {
	cm, _, _ := newSQLiteManager(t)
	ctx := context.Background()

	_, err := cm.Checkout(ctx, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, tenancy.ErrContextBinding))

	// With one connection in the pool, a leaked checkout would block here.
	conn, err := cm.Checkout(ctx, 2)
	require.NoError(t, err)
	require.NoError(t, conn.Release(ctx))
}

// failingReset binds through a real manager but cannot clear the binding
type failingReset struct {
	*rls.Manager
}

func (failingReset) ResetTenantContext(context.Context, *sql.Conn) error {
	return tenancy.ErrContextBinding
}

func TestRelease_DiscardsConnectionWhenResetFails(t *testing.T) {
	db := openSQLite(t, "primary.db")
	db.SetMaxOpenConns(1)
	logger, hook := test.NewNullLogger()
	binder := failingReset{rls.NewManager(rls.Config{Dialect: rls.SQLite{}, Logger: logger})}
	cm, err := NewConnectionManager(db, binder, WithLogger(logger))
	require.NoError(t, err)
	ctx := context.Background()

	conn, err := cm.Checkout(ctx, 9)
	require.NoError(t, err)
	err = conn.Release(ctx)
	assert.True(t, errors.Is(err, tenancy.ErrContextBinding))
	assert.Contains(t, hook.LastEntry().Message, "discarding connection")
	assert.Equal(t, 0, db.Stats().OpenConnections)

	// A fresh connection has no binding.
	raw, err := db.Conn(ctx)
	require.NoError(t, err)
	defer raw.Close()
	_, err = binder.GetTenantID(ctx, raw)
	assert.True(t, errors.Is(err, tenancy.ErrNotBound))
}

func TestWithTenantTx(t *testing.T) {
	cm, _, db := newSQLiteManager(t)
	ctx := context.Background()
	_, err := db.ExecContext(ctx, `CREATE TABLE notes (tenant_id INTEGER, body TEXT)`)
	require.NoError(t, err)

	err = cm.WithTenantTx(ctx, 3, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO notes (tenant_id, body) VALUES (3, 'kept')`)
		return err
	})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = cm.WithTenantTx(ctx, 3, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO notes (tenant_id, body) VALUES (3, 'dropped')`); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	var n int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notes`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestWithTenant_SeesBinding(t *testing.T) {
	cm, binder, _ := newSQLiteManager(t)
	ctx := context.Background()

	err := cm.WithTenant(ctx, 11, func(conn *TenantConn) error {
		bound, err := binder.GetTenantID(ctx, conn.Conn)
		require.NoError(t, err)
		assert.Equal(t, int64(11), bound)
		return nil
	})
	require.NoError(t, err)
}

func TestReplica(t *testing.T) {
	cm, _, db := newSQLiteManager(t)
	assert.Same(t, db, cm.Replica())

	r1 := openSQLite(t, "r1.db")
	r2 := openSQLite(t, "r2.db")
	cm, _, _ = newSQLiteManager(t, WithReplicas(r1, r2))

	seen := map[*sql.DB]int{}
	for i := 0; i < 4; i++ {
		seen[cm.Replica()]++
	}
	assert.Equal(t, 2, seen[r1])
	assert.Equal(t, 2, seen[r2])

	conn, err := cm.CheckoutReplica(context.Background(), 4)
	require.NoError(t, err)
	require.NoError(t, conn.Release(context.Background()))
}

func TestHealthCheck(t *testing.T) {
	replica := openSQLite(t, "r1.db")
	cm, _, _ := newSQLiteManager(t, WithReplicas(replica))
	ctx := context.Background()

	require.NoError(t, cm.HealthCheck(ctx))

	replica.Close()
	err := cm.HealthCheck(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all replicas unhealthy")

	assert.Equal(t, 1, cm.RemoveUnhealthyReplicas(ctx))
	require.NoError(t, cm.HealthCheck(ctx))
}

func TestStats_PublishesPoolGauges(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	cm, _, _ := newSQLiteManager(t, WithMetrics(metrics))
	ctx := context.Background()

	conn, err := cm.Checkout(ctx, 1)
	require.NoError(t, err)
	stats := cm.Stats()
	assert.Equal(t, 1, stats.Primary.InUse)
	assert.Empty(t, stats.Replicas)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.DBConnectionsInUse))
	require.NoError(t, conn.Release(ctx))
}

func TestParseReplicaURLs(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"postgres://a", []string{"postgres://a"}},
		{" postgres://a , ,postgres://b ", []string{"postgres://a", "postgres://b"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseReplicaURLs(tt.in))
	}
}

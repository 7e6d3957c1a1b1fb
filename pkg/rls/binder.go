package rls

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/platinummonkey/tenantguard/pkg/tenancy"
)

// SessionSetting is the session variable RLS policies read the tenant from,
// e.g. USING (tenant_id = current_setting('app.current_tenant')::bigint).
const SessionSetting = "app.current_tenant"

// Dialect stores and reads the tenant in connection session state
type Dialect interface {
	Name() string
	Bind(ctx context.Context, conn *sql.Conn, tenantID int64) error
	// Current returns the raw bound value, or "" when nothing is bound.
	Current(ctx context.Context, conn *sql.Conn) (string, error)
	Reset(ctx context.Context, conn *sql.Conn) error
}

// Postgres binds the tenant with set_config at session scope
type Postgres struct{}

func (Postgres) Name() string { return "postgres" }

func (Postgres) Bind(ctx context.Context, conn *sql.Conn, tenantID int64) error {
	_, err := conn.ExecContext(ctx, "SELECT set_config($1, $2, false)", SessionSetting, strconv.FormatInt(tenantID, 10))
	return err
}

func (Postgres) Current(ctx context.Context, conn *sql.Conn) (string, error) {
	var value sql.NullString
	if err := conn.QueryRowContext(ctx, "SELECT current_setting($1, true)", SessionSetting).Scan(&value); err != nil {
		return "", err
	}
	return value.String, nil
}

func (Postgres) Reset(ctx context.Context, conn *sql.Conn) error {
	_, err := conn.ExecContext(ctx, "SELECT set_config($1, '', false)", SessionSetting)
	return err
}

// SQLite keeps the tenant in a per-connection TEMP table. Temp tables are
// private to the connection that created them, which gives the same
// connection-scoped semantics as a Postgres session setting.
type SQLite struct{}

func (SQLite) Name() string { return "sqlite" }

func (d SQLite) Bind(ctx context.Context, conn *sql.Conn, tenantID int64) error {
	if err := d.ensure(ctx, conn); err != nil {
		return err
	}
	_, err := conn.ExecContext(ctx,
		"INSERT OR REPLACE INTO rls_session (key, value) VALUES (?, ?)",
		SessionSetting, strconv.FormatInt(tenantID, 10))
	return err
}

func (d SQLite) Current(ctx context.Context, conn *sql.Conn) (string, error) {
	if err := d.ensure(ctx, conn); err != nil {
		return "", err
	}
	var value string
	err := conn.QueryRowContext(ctx, "SELECT value FROM rls_session WHERE key = ?", SessionSetting).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

func (d SQLite) Reset(ctx context.Context, conn *sql.Conn) error {
	if err := d.ensure(ctx, conn); err != nil {
		return err
	}
	_, err := conn.ExecContext(ctx, "DELETE FROM rls_session WHERE key = ?", SessionSetting)
	return err
}

func (SQLite) ensure(ctx context.Context, conn *sql.Conn) error {
	_, err := conn.ExecContext(ctx,
		"CREATE TEMP TABLE IF NOT EXISTS rls_session (key TEXT PRIMARY KEY, value TEXT NOT NULL)")
	return err
}

// Binder binds tenants to borrowed connections. It only accepts *sql.Conn:
// a *sql.DB hands out a different connection per statement, so a binding
// made through it would land on an arbitrary pooled connection.
type Binder struct {
	dialect Dialect
}

// NewBinder creates a binder for dialect (Postgres when nil)
func NewBinder(dialect Dialect) *Binder {
	if dialect == nil {
		dialect = Postgres{}
	}
	return &Binder{dialect: dialect}
}

// Bind scopes conn to tenantID. Binding the same tenant twice is a no-op in
// effect; binding another tenant re-scopes the connection.
func (b *Binder) Bind(ctx context.Context, conn *sql.Conn, tenantID int64) error {
	if conn == nil {
		return fmt.Errorf("%w: connection is nil", tenancy.ErrContextBinding)
	}
	if tenantID <= 0 {
		return fmt.Errorf("%w: invalid tenant id %d", tenancy.ErrContextBinding, tenantID)
	}
	if err := b.dialect.Bind(ctx, conn, tenantID); err != nil {
		return fmt.Errorf("%w: tenant %d: %w", tenancy.ErrContextBinding, tenantID, err)
	}
	return nil
}

// Current returns the tenant bound to conn or tenancy.ErrNotBound
func (b *Binder) Current(ctx context.Context, conn *sql.Conn) (int64, error) {
	if conn == nil {
		return 0, fmt.Errorf("%w: connection is nil", tenancy.ErrContextBinding)
	}
	raw, err := b.dialect.Current(ctx, conn)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", tenancy.ErrContextBinding, err)
	}
	if raw == "" {
		return 0, tenancy.ErrNotBound
	}
	tenantID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || tenantID <= 0 {
		return 0, fmt.Errorf("%w: malformed binding %q", tenancy.ErrNotBound, raw)
	}
	return tenantID, nil
}

// Reset clears the binding so the connection can go back to the pool
func (b *Binder) Reset(ctx context.Context, conn *sql.Conn) error {
	if conn == nil {
		return fmt.Errorf("%w: connection is nil", tenancy.ErrContextBinding)
	}
	if err := b.dialect.Reset(ctx, conn); err != nil {
		return fmt.Errorf("%w: reset: %w", tenancy.ErrContextBinding, err)
	}
	return nil
}

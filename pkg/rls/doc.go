// Package rls binds tenants to database connections and decides tenant and
// table access.
//
// A tenant is bound to a borrowed *sql.Conn, never to a pool. Postgres keeps
// the binding in the app.current_tenant session setting that row security
// policies read; SQLite keeps it in a per-connection TEMP table. Pooled
// connections remember the last binding, so the caller binds on every
// checkout and resets on release.
package rls

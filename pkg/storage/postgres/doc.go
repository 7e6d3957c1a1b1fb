// Package postgres holds the database plumbing shared by the managers: a
// primary/replica pool whose checkouts are bound to one tenant, driver
// error classification, and the Redis client behind the shared user
// context store.
//
//	conn, err := cm.Checkout(ctx, tenantID)
//	if err != nil {
//		return err
//	}
//	defer conn.Release(ctx)
//	rows, err := conn.QueryContext(ctx, "SELECT id FROM orders")
package postgres

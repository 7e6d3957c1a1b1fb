package main

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/tenantguard/pkg/observability"
)

// retentionEnforcer is the part of the compliance manager the sweep needs
type retentionEnforcer interface {
	EnforceDataRetentionPolicy(ctx context.Context, tenantID int64) (int64, error)
}

// retentionSweep applies the retention policy to every tenant that has audit
// history. One tenant failing does not stop the others.
type retentionSweep struct {
	db          *sql.DB
	enforcer    retentionEnforcer
	concurrency int
	logger      *logrus.Logger
}

// tenantsWithHistory lists tenants that own audit or violation rows
func (s *retentionSweep) tenantsWithHistory(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id FROM rls_audit_log
		UNION
		SELECT tenant_id FROM rls_violation_log
		ORDER BY 1
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		tenants = append(tenants, id)
	}
	return tenants, rows.Err()
}

// Run sweeps every tenant and reports how many failed
func (s *retentionSweep) Run(ctx context.Context) error {
	start := time.Now()
	tenants, err := s.tenantsWithHistory(ctx)
	if err != nil {
		return err
	}

	var (
		g       errgroup.Group
		deleted atomic.Int64
		failed  atomic.Int64
	)
	g.SetLimit(max(s.concurrency, 1))
	for _, tenantID := range tenants {
		g.Go(func() error {
			done := false
			defer func() {
				if !done {
					failed.Add(1)
				}
			}()
			defer observability.RecoverPanic(s.logger, "retention sweep")

			rows, err := s.enforcer.EnforceDataRetentionPolicy(ctx, tenantID)
			if err != nil {
				return nil
			}
			deleted.Add(rows)
			done = true
			return nil
		})
	}
	_ = g.Wait()

	s.logger.WithFields(logrus.Fields{
		"tenants":      len(tenants),
		"failed":       failed.Load(),
		"rows_deleted": deleted.Load(),
		"duration_ms":  time.Since(start).Milliseconds(),
	}).Info("Retention sweep finished")

	if n := failed.Load(); n > 0 {
		return fmt.Errorf("retention failed for %d of %d tenants", n, len(tenants))
	}
	return nil
}

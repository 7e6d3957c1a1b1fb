package main

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEnforcer struct {
	mu    sync.Mutex
	seen  []int64
	fail  map[int64]bool
	panic int64
}

func (f *fakeEnforcer) EnforceDataRetentionPolicy(_ context.Context, tenantID int64) (int64, error) {
	if tenantID == f.panic {
		panic("boom")
	}
	f.mu.Lock()
	f.seen = append(f.seen, tenantID)
	f.mu.Unlock()
	if f.fail[tenantID] {
		return 0, errors.New("purge failed")
	}
	return 10, nil
}

func newSweep(t *testing.T, enforcer retentionEnforcer, tenants ...int64) (*retentionSweep, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	rows := sqlmock.NewRows([]string{"tenant_id"})
	for _, id := range tenants {
		rows.AddRow(id)
	}
	mock.ExpectQuery("SELECT tenant_id FROM rls_audit_log").WillReturnRows(rows)

	logger, _ := test.NewNullLogger()
	return &retentionSweep{db: db, enforcer: enforcer, concurrency: 2, logger: logger}, mock
}

func TestRetentionSweep_AllTenants(t *testing.T) {
	enforcer := &fakeEnforcer{}
	sweep, mock := newSweep(t, enforcer, 1, 2, 3)

	require.NoError(t, sweep.Run(context.Background()))
	assert.ElementsMatch(t, []int64{1, 2, 3}, enforcer.seen)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetentionSweep_FailuresDoNotStopOthers(t *testing.T) {
	enforcer := &fakeEnforcer{fail: map[int64]bool{2: true}, panic: 4}
	sweep, _ := newSweep(t, enforcer, 1, 2, 3, 4)

	err := sweep.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 of 4 tenants")
	assert.ElementsMatch(t, []int64{1, 2, 3}, enforcer.seen)
}

func TestRetentionSweep_ListFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectQuery("SELECT tenant_id FROM rls_audit_log").WillReturnError(errors.New("connection refused"))

	logger, _ := test.NewNullLogger()
	sweep := &retentionSweep{db: db, enforcer: &fakeEnforcer{}, logger: logger}
	assert.ErrorContains(t, sweep.Run(context.Background()), "failed to list tenants")
}

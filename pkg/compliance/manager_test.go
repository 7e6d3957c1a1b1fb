package compliance

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tenantguard/pkg/audit"
	"github.com/platinummonkey/tenantguard/pkg/contextkeys"
	"github.com/platinummonkey/tenantguard/pkg/observability"
	"github.com/platinummonkey/tenantguard/pkg/tenancy"
)

type recordingSink struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (s *recordingSink) WriteEntry(_ context.Context, e audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func (s *recordingSink) WriteViolation(context.Context, audit.Violation) error { return nil }

func (s *recordingSink) last() audit.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[len(s.entries)-1]
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// purgeStore is an audit.Store that only records purges
type purgeStore struct {
	tenantID int64
	cutoff   time.Time
	rows     int64
	err      error
}

func (p *purgeStore) Search(context.Context, audit.SearchFilter) ([]audit.Record, error) {
	return nil, nil
}

func (p *purgeStore) Violations(context.Context, int64, int) ([]audit.Violation, error) {
	return nil, nil
}

func (p *purgeStore) PurgeBefore(_ context.Context, tenantID int64, cutoff time.Time) (int64, error) {
	p.tenantID, p.cutoff = tenantID, cutoff
	return p.rows, p.err
}

type memArchiver struct {
	objects map[string][]byte
	types   map[string]string
	err     error
}

func (a *memArchiver) PutObject(_ context.Context, key string, content io.Reader, contentType string) error {
	if a.err != nil {
		return a.err
	}
	data, err := io.ReadAll(content)
	if err != nil {
		return err
	}
	a.objects[key] = data
	a.types[key] = contentType
	return nil
}

func (a *memArchiver) URI(key string) string { return "mem://" + key }

type fixture struct {
	manager  *Manager
	store    *MemoryStore
	mock     sqlmock.Sqlmock
	sink     *recordingSink
	purges   *purgeStore
	archiver *memArchiver
	metrics  *observability.Metrics
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger, _ := test.NewNullLogger()
	f := &fixture{
		store:    NewMemoryStore(),
		mock:     mock,
		sink:     &recordingSink{},
		purges:   &purgeStore{},
		archiver: &memArchiver{objects: map[string][]byte{}, types: map[string]string{}},
		metrics:  observability.NewMetrics(prometheus.NewRegistry()),
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	f.manager, err = NewManager(Config{
		DB:         db,
		Store:      f.store,
		AuditStore: f.purges,
		Recorder:   audit.NewRecorder(f.sink, audit.RecorderConfig{Logger: logger, Backoff: time.Millisecond}),
		Archiver:   f.archiver,
		Logger:     logger,
		Metrics:    f.metrics,
	})
	require.NoError(t, err)
	f.manager.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) expectErase(mode DeletionMode, tenantID, userID int64, fail map[string]error) {
	for _, target := range DefaultDeletionTargets() {
		stmt := target.statement(mode)
		if stmt == "" {
			continue
		}
		exp := f.mock.ExpectExec(regexp.QuoteMeta(stmt)).WithArgs(tenantID, userID)
		if err, ok := fail[target.Table]; ok {
			exp.WillReturnError(err)
			continue
		}
		exp.WillReturnResult(sqlmock.NewResult(0, 1))
	}
}

func TestNewManager(t *testing.T) {
	_, err := NewManager(Config{})
	assert.Error(t, err)

	_, err = NewManager(Config{Store: NewMemoryStore(), Level: "strict"})
	assert.Error(t, err)

	m, err := NewManager(Config{Store: NewMemoryStore()})
	require.NoError(t, err)
	status := m.GetComplianceStatus()
	assert.Equal(t, LevelFull, status.Level)
	assert.Equal(t, DefaultRetentionDays, status.DataRetentionDays)
	assert.True(t, status.AnonymizationEnabled)
	assert.True(t, status.ConsentRequired)
	assert.Equal(t, "operational", status.State)

	m, err = NewManager(Config{Store: NewMemoryStore(), HardDelete: true, RetentionDays: 30})
	require.NoError(t, err)
	assert.False(t, m.AnonymizationEnabled())
	assert.Equal(t, 30, m.DataRetentionDays())
}

func TestConsentLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	status, err := f.manager.GetConsentStatus(ctx, 1, 7, "marketing")
	require.NoError(t, err)
	assert.Equal(t, ConsentAbsent, status)
	assert.False(t, f.manager.VerifyUserConsent(ctx, 1, 7, "marketing"))

	require.NoError(t, f.manager.RecordUserConsent(ctx, 1, 7, "marketing", true, 30))
	assert.True(t, f.manager.VerifyUserConsent(ctx, 1, 7, "marketing"))

	rec, err := f.store.GetConsent(ctx, 1, 7, "marketing")
	require.NoError(t, err)
	assert.Equal(t, f.now.AddDate(0, 0, 30), rec.ExpiresAt)
	assert.Equal(t, ConsentVersion, rec.Version)

	ev, ok := f.sink.last().Event.(audit.ConsentRecorded)
	require.True(t, ok)
	assert.Equal(t, "marketing", ev.ConsentType)
	assert.True(t, ev.Granted)

	// Another tenant sees nothing.
	assert.False(t, f.manager.VerifyUserConsent(ctx, 2, 7, "marketing"))

	// Revocation keeps the record but denies.
	require.NoError(t, f.manager.RecordUserConsent(ctx, 1, 7, "marketing", false, 30))
	status, err = f.manager.GetConsentStatus(ctx, 1, 7, "marketing")
	require.NoError(t, err)
	assert.Equal(t, ConsentRevoked, status)
	assert.False(t, f.manager.VerifyUserConsent(ctx, 1, 7, "marketing"))

	// Re-granting refreshes the expiry even though the type is unchanged.
	f.now = f.now.Add(24 * time.Hour)
	require.NoError(t, f.manager.RecordUserConsent(ctx, 1, 7, "marketing", true, 1))
	rec, err = f.store.GetConsent(ctx, 1, 7, "marketing")
	require.NoError(t, err)
	assert.Equal(t, f.now.AddDate(0, 0, 1), rec.ExpiresAt)
	assert.Equal(t, rec.ID, int64(1))

	// The instant of expiry is already expired.
	f.now = rec.ExpiresAt
	status, err = f.manager.GetConsentStatus(ctx, 1, 7, "marketing")
	require.NoError(t, err)
	assert.Equal(t, ConsentExpired, status)
	assert.False(t, f.manager.VerifyUserConsent(ctx, 1, 7, "marketing"))
}

func TestRecordUserConsent_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		tenantID int64
		userID   int64
		kind     string
		days     int
	}{
		{"zero tenant", 0, 7, "marketing", 30},
		{"zero user", 1, 0, "marketing", 30},
		{"blank type", 1, 7, "  ", 30},
		{"zero days", 1, 7, "marketing", 0},
		{"negative days", 1, 7, "marketing", -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.manager.RecordUserConsent(ctx, tt.tenantID, tt.userID, tt.kind, true, tt.days)
			assert.True(t, errors.Is(err, tenancy.ErrValidation))
		})
	}
	assert.Zero(t, f.sink.count())
}

type failingConsentStore struct {
	*MemoryStore
}

func (failingConsentStore) GetConsent(context.Context, int64, int64, string) (*ConsentRecord, error) {
	return nil, tenancy.StorageError("verify consent", errors.New("connection refused"))
}

func TestVerifyUserConsent_FailsClosed(t *testing.T) {
	logger, hook := test.NewNullLogger()
	m, err := NewManager(Config{Store: failingConsentStore{NewMemoryStore()}, Logger: logger})
	require.NoError(t, err)

	assert.False(t, m.VerifyUserConsent(context.Background(), 1, 7, "marketing"))
	require.NotNil(t, hook.LastEntry())
	assert.Contains(t, hook.LastEntry().Message, "Consent check failed")

	_, err = m.GetConsentStatus(context.Background(), 1, 7, "marketing")
	assert.True(t, errors.Is(err, tenancy.ErrStorage))
}

func TestRequestDataDeletion(t *testing.T) {
	f := newFixture(t)
	ctx := contextkeys.WithPrincipal(context.Background(), contextkeys.Principal{UserID: 99, TenantID: 1})

	code, err := f.manager.RequestDataDeletion(ctx, 1, 7, "")
	require.NoError(t, err)
	assert.NotEmpty(t, code)

	req, err := f.store.FindPendingDeletion(ctx, 1, 7, code)
	require.NoError(t, err)
	assert.Equal(t, ReasonRightToBeForgotten, req.Reason)
	assert.Equal(t, StatusPendingVerification, req.Status)
	assert.Equal(t, f.now, req.RequestedAt)

	entry := f.sink.last()
	require.NotNil(t, entry.UserID)
	assert.Equal(t, int64(99), *entry.UserID)
	assert.Equal(t, audit.DataDeletionRequested{SubjectID: 7, Reason: string(ReasonRightToBeForgotten)}, entry.Event)

	other, err := f.manager.RequestDataDeletion(ctx, 1, 7, ReasonAccountClosure)
	require.NoError(t, err)
	assert.NotEqual(t, code, other)

	_, err = f.manager.RequestDataDeletion(ctx, 1, 7, "spite")
	assert.True(t, errors.Is(err, tenancy.ErrValidation))

	_, err = f.manager.RequestDataDeletion(ctx, 0, 7, ReasonAccountClosure)
	assert.True(t, errors.Is(err, tenancy.ErrValidation))

	// Requesting erases nothing.
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestVerifyAndExecuteDataDeletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	code, err := f.manager.RequestDataDeletion(ctx, 1, 7, ReasonRightToBeForgotten)
	require.NoError(t, err)

	f.expectErase(ModeAnonymize, 1, 7, nil)
	result, err := f.manager.VerifyAndExecuteDataDeletion(ctx, 1, 7, code)
	require.NoError(t, err)
	require.NoError(t, f.mock.ExpectationsWereMet())

	assert.Equal(t, ModeAnonymize, result.Mode)
	assert.Equal(t, []string{"users", "customers", "user_sessions", "user_consent"}, result.Processed())
	assert.Empty(t, result.Failed())
	assert.Equal(t, f.now, result.CompletedAt)

	req, err := f.manager.GetDeletionRequest(ctx, 1, result.RequestID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, req.Status)
	require.NotNil(t, req.CompletedAt)
	assert.Equal(t, result.Processed(), req.ProcessedTables)

	ev, ok := f.sink.last().Event.(audit.DataDeletionCompleted)
	require.True(t, ok)
	assert.Equal(t, int64(7), ev.SubjectID)
	assert.Equal(t, "anonymize", ev.Mode)

	assert.Equal(t, 4.0, testutil.ToFloat64(f.metrics.DeletionTablesTotal.WithLabelValues("anonymize", "ok")))

	// The code is single use.
	_, err = f.manager.VerifyAndExecuteDataDeletion(ctx, 1, 7, code)
	assert.True(t, errors.Is(err, tenancy.ErrInvalidVerification))
	assert.NoError(t, f.mock.ExpectationsWereMet())

	// Other tenants cannot read the request.
	_, err = f.manager.GetDeletionRequest(ctx, 2, result.RequestID)
	assert.True(t, errors.Is(err, tenancy.ErrNotFound))
}

func TestVerifyAndExecuteDataDeletion_Mismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	code, err := f.manager.RequestDataDeletion(ctx, 1, 7, ReasonRightToBeForgotten)
	require.NoError(t, err)

	tests := []struct {
		name     string
		tenantID int64
		userID   int64
		code     string
	}{
		{"wrong tenant", 2, 7, code},
		{"wrong user", 1, 8, code},
		{"wrong code", 1, 7, "not-the-code"},
		{"empty code", 1, 7, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.manager.VerifyAndExecuteDataDeletion(ctx, tt.tenantID, tt.userID, tt.code)
			assert.Equal(t, tenancy.ErrInvalidVerification, err)
		})
	}

	// Nothing was erased and the request is still pending.
	require.NoError(t, f.mock.ExpectationsWereMet())
	req, err := f.store.FindPendingDeletion(ctx, 1, 7, code)
	require.NoError(t, err)
	assert.Equal(t, StatusPendingVerification, req.Status)
}

func TestVerifyAndExecuteDataDeletion_ContinuesPastFailures(t *testing.T) {
	logger, hook := test.NewNullLogger()
	f := newFixture(t)
	f.manager.logger = logger
	ctx := context.Background()

	code, err := f.manager.RequestDataDeletion(ctx, 1, 7, ReasonBreachResponse)
	require.NoError(t, err)

	f.expectErase(ModeAnonymize, 1, 7, map[string]error{"customers": errors.New(`relation "customers" does not exist`)})
	result, err := f.manager.VerifyAndExecuteDataDeletion(ctx, 1, 7, code)
	require.NoError(t, err)
	require.NoError(t, f.mock.ExpectationsWereMet())

	assert.Equal(t, []string{"customers"}, result.Failed())
	assert.Equal(t, []string{"users", "user_sessions", "user_consent"}, result.Processed())
	assert.Contains(t, result.Tables[1].Error, "does not exist")

	req, err := f.manager.GetDeletionRequest(ctx, 1, result.RequestID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, req.Status)
	assert.Equal(t, []string{"customers"}, req.FailedTables)

	assert.Equal(t, "Data deletion completed with failures", hook.LastEntry().Message)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.DeletionTablesTotal.WithLabelValues("anonymize", "failed")))
}

func TestVerifyAndExecuteDataDeletion_HardDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.manager.SetAnonymization(false)

	code, err := f.manager.RequestDataDeletion(ctx, 1, 7, ReasonAccountClosure)
	require.NoError(t, err)

	f.expectErase(ModeDelete, 1, 7, nil)
	result, err := f.manager.VerifyAndExecuteDataDeletion(ctx, 1, 7, code)
	require.NoError(t, err)
	require.NoError(t, f.mock.ExpectationsWereMet())

	assert.Equal(t, ModeDelete, result.Mode)
	assert.Equal(t, []string{"users", "customers", "user_sessions"}, result.Processed())
}

// racingStore reports the request as already completed by someone else
type racingStore struct {
	*MemoryStore
}

func (racingStore) CompleteDeletion(context.Context, int64, []string, []string, time.Time) error {
	return tenancy.ErrNotFound
}

func TestVerifyAndExecuteDataDeletion_LostRace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.manager.store = racingStore{f.store}

	code, err := f.manager.RequestDataDeletion(ctx, 1, 7, ReasonRightToBeForgotten)
	require.NoError(t, err)
	before := f.sink.count()

	f.expectErase(ModeAnonymize, 1, 7, nil)
	_, err = f.manager.VerifyAndExecuteDataDeletion(ctx, 1, 7, code)
	assert.True(t, errors.Is(err, tenancy.ErrInvalidVerification))
	assert.Equal(t, before, f.sink.count())
}

func TestVerifyAndExecuteDataDeletion_NoDatabase(t *testing.T) {
	m, err := NewManager(Config{Store: NewMemoryStore()})
	require.NoError(t, err)
	_, err = m.VerifyAndExecuteDataDeletion(context.Background(), 1, 7, "code")
	assert.Error(t, err)
}

func TestEnforceDataRetentionPolicy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.purges.rows = 12
	require.NoError(t, f.manager.SetDataRetentionDays(90))

	rows, err := f.manager.EnforceDataRetentionPolicy(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(12), rows)
	assert.Equal(t, int64(3), f.purges.tenantID)
	assert.Equal(t, f.now.AddDate(0, 0, -90), f.purges.cutoff)
	assert.Equal(t, 12.0, testutil.ToFloat64(f.metrics.RetentionRowsDeleted))

	entry := f.sink.last()
	assert.Equal(t, int64(3), entry.TenantID)
	assert.Nil(t, entry.UserID)
	assert.Equal(t, audit.RetentionEnforced{Cutoff: f.now.AddDate(0, 0, -90), RowsDeleted: 12}, entry.Event)

	// A second run with nothing left converges.
	f.purges.rows = 0
	rows, err = f.manager.EnforceDataRetentionPolicy(ctx, 3)
	require.NoError(t, err)
	assert.Zero(t, rows)

	f.purges.err = tenancy.StorageError("purge audit log", errors.New("timeout"))
	_, err = f.manager.EnforceDataRetentionPolicy(ctx, 3)
	assert.True(t, errors.Is(err, tenancy.ErrStorage))

	_, err = f.manager.EnforceDataRetentionPolicy(ctx, 0)
	assert.True(t, errors.Is(err, tenancy.ErrValidation))

	m, err := NewManager(Config{Store: NewMemoryStore()})
	require.NoError(t, err)
	_, err = m.EnforceDataRetentionPolicy(ctx, 3)
	assert.Error(t, err)
}

func TestExportUserData(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	primary := DefaultPrimaryExport()
	orders := DefaultSecondaryExports()[0]

	f.mock.ExpectQuery(regexp.QuoteMeta(primary.Query)).
		WithArgs(int64(1), int64(7), int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "name"}).
			AddRow(int64(7), []byte("ada@example.com"), "Ada"))
	f.mock.ExpectQuery(regexp.QuoteMeta(orders.Query)).
		WithArgs(int64(1), int64(7), int64(1000)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status"}).
			AddRow(int64(100), "paid").
			AddRow(int64(101), "refunded"))

	bundle, err := f.manager.ExportUserData(ctx, 1, 7)
	require.NoError(t, err)
	require.NoError(t, f.mock.ExpectationsWereMet())

	assert.Equal(t, int64(1), bundle.TenantID)
	assert.Equal(t, "ada@example.com", bundle.User["email"])
	assert.Equal(t, "Ada", bundle.User["name"])
	require.Len(t, bundle.Sections["orders"], 2)
	assert.Equal(t, "refunded", bundle.Sections["orders"][1]["status"])
	assert.Empty(t, bundle.Warnings)

	assert.Equal(t, audit.DataExported{SubjectID: 7, Outcome: "success"}, f.sink.last().Event)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ExportsTotal.WithLabelValues("success")))
}

func TestExportUserData_SecondaryFailureIsPartial(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.mock.ExpectQuery(regexp.QuoteMeta(DefaultPrimaryExport().Query)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))
	f.mock.ExpectQuery(regexp.QuoteMeta(DefaultSecondaryExports()[0].Query)).
		WillReturnError(errors.New(`relation "orders" does not exist`))

	bundle, err := f.manager.ExportUserData(ctx, 1, 7)
	require.NoError(t, err)
	assert.Equal(t, []string{"orders: unavailable"}, bundle.Warnings)
	assert.NotNil(t, bundle.Sections["orders"])
	assert.Empty(t, bundle.Sections["orders"])

	assert.Equal(t, audit.DataExported{SubjectID: 7, Outcome: "partial", Warnings: 1}, f.sink.last().Event)
}

func TestExportUserData_Failures(t *testing.T) {
	t.Run("missing user", func(t *testing.T) {
		f := newFixture(t)
		f.mock.ExpectQuery(regexp.QuoteMeta(DefaultPrimaryExport().Query)).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		_, err := f.manager.ExportUserData(context.Background(), 1, 7)
		assert.True(t, errors.Is(err, tenancy.ErrNotFound))
		assert.Equal(t, "not_found", f.sink.last().Event.(audit.DataExported).Outcome)
	})

	t.Run("primary query fails", func(t *testing.T) {
		f := newFixture(t)
		f.mock.ExpectQuery(regexp.QuoteMeta(DefaultPrimaryExport().Query)).
			WillReturnError(errors.New("connection reset"))

		_, err := f.manager.ExportUserData(context.Background(), 1, 7)
		assert.True(t, errors.Is(err, tenancy.ErrStorage))
		assert.Equal(t, "failed", f.sink.last().Event.(audit.DataExported).Outcome)
		assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ExportsTotal.WithLabelValues("failed")))
	})

	t.Run("invalid subject is audited", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.manager.ExportUserData(context.Background(), 1, 0)
		assert.True(t, errors.Is(err, tenancy.ErrValidation))
		require.Equal(t, 1, f.sink.count())
		entry := f.sink.last()
		assert.Equal(t, int64(1), entry.TenantID)
		assert.Equal(t, "invalid", entry.Event.(audit.DataExported).Outcome)
		assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ExportsTotal.WithLabelValues("invalid")))
	})
}

func TestArchiveExport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bundle := &ExportBundle{
		TenantID:   1,
		UserID:     7,
		ExportedAt: f.now,
		User:       map[string]interface{}{"id": 7},
		Sections:   map[string][]map[string]interface{}{},
	}

	location, err := f.manager.ArchiveExport(ctx, bundle)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(location, "mem://exports/1/7/"))
	assert.True(t, strings.HasSuffix(location, ".json"))

	key := strings.TrimPrefix(location, "mem://")
	assert.Equal(t, "application/json", f.archiver.types[key])

	var decoded ExportBundle
	require.NoError(t, json.NewDecoder(bytes.NewReader(f.archiver.objects[key])).Decode(&decoded))
	assert.Equal(t, int64(7), decoded.UserID)

	ev, ok := f.sink.last().Event.(audit.DataExported)
	require.True(t, ok)
	assert.Equal(t, "archived", ev.Outcome)
	assert.Equal(t, location, ev.Location)

	f.archiver.err = errors.New("bucket unavailable")
	_, err = f.manager.ArchiveExport(ctx, bundle)
	assert.Error(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ExportsTotal.WithLabelValues("archive_failed")))

	_, err = f.manager.ArchiveExport(ctx, nil)
	assert.True(t, errors.Is(err, tenancy.ErrValidation))

	f.manager.archiver = nil
	_, err = f.manager.ArchiveExport(ctx, bundle)
	assert.True(t, errors.Is(err, tenancy.ErrValidation))
}

func TestSettings(t *testing.T) {
	f := newFixture(t)

	assert.True(t, errors.Is(f.manager.SetDataRetentionDays(0), tenancy.ErrValidation))
	require.NoError(t, f.manager.SetDataRetentionDays(30))
	assert.Equal(t, 30, f.manager.DataRetentionDays())

	assert.True(t, errors.Is(f.manager.SetComplianceLevel("strict"), tenancy.ErrValidation))
	require.NoError(t, f.manager.SetComplianceLevel(LevelMinimal))

	f.manager.SetAnonymization(false)
	status := f.manager.GetComplianceStatus()
	assert.Equal(t, Status{
		Level:                LevelMinimal,
		DataRetentionDays:    30,
		ConsentRequired:      true,
		AnonymizationEnabled: false,
		State:                "operational",
		LastChecked:          f.now,
	}, status)
}

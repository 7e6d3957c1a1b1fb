package audit

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// RecorderConfig configures a Recorder
type RecorderConfig struct {
	// MaxAttempts is the number of writes tried before an entry is dropped.
	MaxAttempts int
	// Backoff is the delay before the second attempt; it grows linearly.
	Backoff time.Duration
	// Timeout bounds a single Record call including retries.
	Timeout time.Duration
	// Dropped is incremented for every entry that could not be written.
	Dropped prometheus.Counter
	Logger  *logrus.Logger
}

// DefaultRecorderConfig returns the defaults used when fields are zero
func DefaultRecorderConfig() RecorderConfig {
	return RecorderConfig{
		MaxAttempts: 3,
		Backoff:     20 * time.Millisecond,
		Timeout:     2 * time.Second,
	}
}

// Recorder writes audit entries on a best-effort basis. Failures are retried a
// bounded number of times and then counted and dropped; they never reach the
// caller. When disabled, every call is a no-op.
type Recorder struct {
	sink        Sink
	enabled     atomic.Bool
	dropped     atomic.Int64
	maxAttempts int
	backoff     time.Duration
	timeout     time.Duration
	dropCounter prometheus.Counter
	logger      *logrus.Logger
	now         func() time.Time
}

// NewRecorder creates a Recorder. A nil sink yields a recorder that drops
// nothing and writes nothing.
func NewRecorder(sink Sink, config RecorderConfig) *Recorder {
	defaults := DefaultRecorderConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.Backoff <= 0 {
		config.Backoff = defaults.Backoff
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	if sink == nil {
		sink = NopSink{}
	}

	r := &Recorder{
		sink:        sink,
		maxAttempts: config.MaxAttempts,
		backoff:     config.Backoff,
		timeout:     config.Timeout,
		dropCounter: config.Dropped,
		logger:      config.Logger,
		now:         time.Now,
	}
	r.enabled.Store(true)
	return r
}

// Enable turns auditing on
func (r *Recorder) Enable() { r.enabled.Store(true) }

// Disable turns auditing off
func (r *Recorder) Disable() { r.enabled.Store(false) }

// Enabled reports whether entries are being written
func (r *Recorder) Enabled() bool { return r.enabled.Load() }

// Dropped returns the number of entries lost after exhausting retries
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Record writes ev for the given tenant and actor
func (r *Recorder) Record(ctx context.Context, tenantID int64, userID *int64, ev Event) {
	if !r.Enabled() || ev == nil {
		return
	}
	entry := Entry{TenantID: tenantID, UserID: userID, Event: ev, OccurredAt: r.now().UTC()}
	r.write(ctx, string(ev.Kind()), tenantID, func(ctx context.Context) error {
		return r.sink.WriteEntry(ctx, entry)
	})
}

// RecordViolation writes an RLS violation
func (r *Recorder) RecordViolation(ctx context.Context, tenantID int64, userID *int64, operation, table string) {
	if !r.Enabled() {
		return
	}
	v := Violation{
		TenantID:      tenantID,
		UserID:        userID,
		Operation:     operation,
		Table:         table,
		ViolationTime: r.now().UTC(),
	}
	r.write(ctx, "rls_violation", tenantID, func(ctx context.Context) error {
		return r.sink.WriteViolation(ctx, v)
	})
}

func (r *Recorder) write(ctx context.Context, kind string, tenantID int64, fn func(context.Context) error) {
	// The caller's cancellation must not discard the trail of what it did.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	var err error
retry:
	for attempt := 1; ; attempt++ {
		if err = fn(ctx); err == nil {
			return
		}
		if attempt >= r.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			break retry
		case <-time.After(r.backoff * time.Duration(attempt)):
		}
	}

	r.dropped.Add(1)
	if r.dropCounter != nil {
		r.dropCounter.Inc()
	}
	r.logger.WithFields(logrus.Fields{
		"kind":      kind,
		"tenant_id": tenantID,
		"attempts":  r.maxAttempts,
	}).WithError(err).Error("Dropping audit entry")
}

// NopSink discards everything
type NopSink struct{}

func (NopSink) WriteEntry(context.Context, Entry) error         { return nil }
func (NopSink) WriteViolation(context.Context, Violation) error { return nil }

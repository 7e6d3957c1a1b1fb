package audit

import (
	"context"
	"encoding/json"

	"github.com/sirupsen/logrus"
)

// LogSink mirrors the audit trail into the process log. Denials are logged at
// warn level, everything else at info.
type LogSink struct {
	logger *logrus.Logger
}

// NewLogSink creates a sink backed by logger
func NewLogSink(logger *logrus.Logger) *LogSink {
	if logger == nil {
		logger = logrus.New()
	}
	return &LogSink{logger: logger}
}

// WriteEntry logs entry as a structured line
func (s *LogSink) WriteEntry(_ context.Context, entry Entry) error {
	details, err := json.Marshal(entry.Event)
	if err != nil {
		return err
	}

	fields := logrus.Fields{
		"audit":     true,
		"kind":      entry.Event.Kind(),
		"tenant_id": entry.TenantID,
		"table":     entry.Event.target(),
		"details":   string(details),
	}
	if entry.UserID != nil {
		fields["user_id"] = *entry.UserID
	}

	log := s.logger.WithFields(fields)
	switch entry.Event.(type) {
	case CrossTenantAccessDenied, TableAccessDenied:
		log.Warn("Security audit event")
	default:
		log.Info("Security audit event")
	}
	return nil
}

// WriteViolation logs v as a structured warning
func (s *LogSink) WriteViolation(_ context.Context, v Violation) error {
	fields := logrus.Fields{
		"audit":     true,
		"tenant_id": v.TenantID,
		"operation": v.Operation,
		"table":     v.Table,
	}
	if v.UserID != nil {
		fields["user_id"] = *v.UserID
	}
	s.logger.WithFields(fields).Warn("RLS violation")
	return nil
}

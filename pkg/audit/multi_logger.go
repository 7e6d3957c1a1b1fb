package audit

import (
	"context"
	"errors"
)

// MultiSink writes to several sinks. Every sink is tried even when an earlier
// one fails; the joined error is returned so the Recorder can retry.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink creates a sink that fans out to sinks
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

// WriteEntry writes entry to every sink
func (m *MultiSink) WriteEntry(ctx context.Context, entry Entry) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.WriteEntry(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WriteViolation writes v to every sink
func (m *MultiSink) WriteViolation(ctx context.Context, v Violation) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.WriteViolation(ctx, v); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

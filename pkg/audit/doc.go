// Package audit records the security audit trail for tenant isolation,
// role management and compliance operations.
//
// Every entry is one of a closed set of typed events (see Kinds). Entries are
// persisted with a schema version and a JSON details column so they can be
// decoded back into the same typed value with Record.Decode.
//
// Writes go through a Recorder, which is best-effort: a failing sink is
// retried a bounded number of times, then the entry is counted as dropped and
// logged. Callers never observe audit failures.
//
//	sink, _ := audit.NewDBSink(db)
//	rec := audit.NewRecorder(audit.NewMultiSink(sink, audit.NewLogSink(logger)), audit.RecorderConfig{})
//	rec.Record(ctx, tenantID, &userID, audit.CrossTenantAccessDenied{ActingTenant: 1, TargetTenant: 2})
package audit

// Package compliance implements the GDPR data subject lifecycle for a
// tenant: consent, verified erasure, data export and audit retention.
//
// # Consent
//
// Each (tenant, user, consent type) has at most one record, replaced on
// every RecordUserConsent. VerifyUserConsent is true only for an unexpired
// grant; GetConsentStatus tells absent, revoked and expired apart.
//
// # Erasure
//
// RequestDataDeletion stores a pending request and returns a random
// verification code. VerifyAndExecuteDataDeletion only acts when tenant,
// user and code all match a pending request; any mismatch yields
// tenancy.ErrInvalidVerification. Each DeletionTarget is attempted in turn
// and a failing table is recorded without stopping the others. In
// anonymize mode identifying columns are overwritten; in delete mode rows
// are removed.
//
//	code, _ := cm.RequestDataDeletion(ctx, 3, 7, compliance.ReasonRightToBeForgotten)
//	result, err := cm.VerifyAndExecuteDataDeletion(ctx, 3, 7, code)
//	// result.Failed() lists tables that could not be erased
//
// # Export and retention
//
// ExportUserData requires the user row and treats every other section as
// best effort. ArchiveExport uploads a bundle through an Archiver such as
// objectstore.S3Client. EnforceDataRetentionPolicy purges audit and
// violation rows older than the retention window.
package compliance

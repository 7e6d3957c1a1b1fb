package audit

import "github.com/platinummonkey/tenantguard/pkg/storage/migrate"

// GetMigrations returns the audit trail schema
func GetMigrations() []migrate.Migration {
	return []migrate.Migration{
		{
			Version:     1,
			Description: "Create rls_audit_log table",
			SQL: `
				CREATE TABLE IF NOT EXISTS rls_audit_log (
					id BIGSERIAL PRIMARY KEY,
					tenant_id BIGINT NOT NULL,
					user_id BIGINT,
					action VARCHAR(100) NOT NULL,
					table_name VARCHAR(100),
					attempted_access_to_tenant BIGINT,
					schema_version INTEGER NOT NULL DEFAULT 1,
					details JSONB,
					created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_rls_audit_log_tenant_created ON rls_audit_log(tenant_id, created_at DESC);
				CREATE INDEX IF NOT EXISTS idx_rls_audit_log_action ON rls_audit_log(action);
			`,
		},
		{
			Version:     2,
			Description: "Create rls_violation_log table",
			SQL: `
				CREATE TABLE IF NOT EXISTS rls_violation_log (
					id BIGSERIAL PRIMARY KEY,
					tenant_id BIGINT NOT NULL,
					user_id BIGINT,
					operation VARCHAR(20) NOT NULL,
					table_name VARCHAR(100) NOT NULL,
					violation_time TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_rls_violation_log_tenant_time ON rls_violation_log(tenant_id, violation_time DESC);
			`,
		},
	}
}

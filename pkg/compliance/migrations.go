package compliance

import "github.com/platinummonkey/tenantguard/pkg/storage/migrate"

// GetMigrations returns the consent and deletion request schema
func GetMigrations() []migrate.Migration {
	return []migrate.Migration{
		{
			Version:     1,
			Description: "Create user_consent table",
			SQL: `
				CREATE TABLE IF NOT EXISTS user_consent (
					id BIGSERIAL PRIMARY KEY,
					tenant_id BIGINT NOT NULL,
					user_id BIGINT NOT NULL,
					consent_type VARCHAR(100) NOT NULL,
					granted BOOLEAN NOT NULL,
					granted_at TIMESTAMP WITH TIME ZONE NOT NULL,
					expires_at TIMESTAMP WITH TIME ZONE NOT NULL,
					version VARCHAR(20) NOT NULL DEFAULT '1.0',
					last_updated TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
					UNIQUE (tenant_id, user_id, consent_type)
				);
			`,
		},
		{
			Version:     2,
			Description: "Create data_deletion_requests table",
			SQL: `
				CREATE TABLE IF NOT EXISTS data_deletion_requests (
					id BIGSERIAL PRIMARY KEY,
					tenant_id BIGINT NOT NULL,
					user_id BIGINT NOT NULL,
					reason VARCHAR(50) NOT NULL,
					verification_code VARCHAR(64) NOT NULL UNIQUE,
					status VARCHAR(30) NOT NULL DEFAULT 'pending_verification',
					requested_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
					completed_at TIMESTAMP WITH TIME ZONE,
					processed_tables TEXT[] NOT NULL DEFAULT '{}',
					failed_tables TEXT[] NOT NULL DEFAULT '{}',
					CHECK (status IN ('pending_verification', 'completed'))
				);

				CREATE INDEX IF NOT EXISTS idx_data_deletion_requests_lookup
					ON data_deletion_requests(tenant_id, user_id, status);
			`,
		},
		{
			Version:     3,
			Description: "Enable row level security on compliance tables",
			SQL: `
				ALTER TABLE user_consent ENABLE ROW LEVEL SECURITY;
				ALTER TABLE data_deletion_requests ENABLE ROW LEVEL SECURITY;

				DROP POLICY IF EXISTS tenant_isolation ON user_consent;
				CREATE POLICY tenant_isolation ON user_consent
					USING (tenant_id = NULLIF(current_setting('app.current_tenant', true), '')::bigint);

				DROP POLICY IF EXISTS tenant_isolation ON data_deletion_requests;
				CREATE POLICY tenant_isolation ON data_deletion_requests
					USING (tenant_id = NULLIF(current_setting('app.current_tenant', true), '')::bigint);
			`,
		},
	}
}

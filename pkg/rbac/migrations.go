package rbac

import "github.com/platinummonkey/tenantguard/pkg/storage/migrate"

// GetMigrations returns all RBAC migrations
func GetMigrations() []migrate.Migration {
	return []migrate.Migration{
		{
			Version:     1,
			Description: "Create roles and role_permissions tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS roles (
					id BIGSERIAL PRIMARY KEY,
					tenant_id BIGINT NOT NULL,
					name VARCHAR(100) NOT NULL,
					description TEXT,
					is_system BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
					UNIQUE (tenant_id, name)
				);

				CREATE TABLE IF NOT EXISTS role_permissions (
					role_id BIGINT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					permission_name VARCHAR(100) NOT NULL,
					PRIMARY KEY (role_id, permission_name)
				);

				CREATE INDEX IF NOT EXISTS idx_role_permissions_permission ON role_permissions(permission_name);
			`,
		},
		{
			Version:     2,
			Description: "Create role_assignments table",
			SQL: `
				CREATE TABLE IF NOT EXISTS role_assignments (
					id BIGSERIAL PRIMARY KEY,
					user_id BIGINT NOT NULL,
					role_id BIGINT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					tenant_id BIGINT NOT NULL,
					expires_at TIMESTAMP WITH TIME ZONE,
					created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
					UNIQUE (user_id, role_id, tenant_id)
				);

				CREATE INDEX IF NOT EXISTS idx_role_assignments_user_tenant ON role_assignments(user_id, tenant_id);
			`,
		},
		{
			Version:     3,
			Description: "Create resources and resource_permissions tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS resources (
					id VARCHAR(255) PRIMARY KEY,
					type VARCHAR(100) NOT NULL,
					name VARCHAR(255),
					tenant_id BIGINT NOT NULL,
					owner_id BIGINT NOT NULL,
					created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_resources_tenant_type ON resources(tenant_id, type);

				CREATE TABLE IF NOT EXISTS resource_permissions (
					id BIGSERIAL PRIMARY KEY,
					role_id BIGINT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					resource_type VARCHAR(100) NOT NULL,
					permission VARCHAR(100) NOT NULL,
					scope VARCHAR(20) NOT NULL DEFAULT 'tenant',
					UNIQUE (role_id, resource_type, permission)
				);
			`,
		},
		{
			Version:     4,
			Description: "Enable row level security on RBAC tables",
			SQL: `
				ALTER TABLE roles ENABLE ROW LEVEL SECURITY;
				ALTER TABLE role_assignments ENABLE ROW LEVEL SECURITY;
				ALTER TABLE resources ENABLE ROW LEVEL SECURITY;

				DROP POLICY IF EXISTS tenant_isolation ON roles;
				CREATE POLICY tenant_isolation ON roles
					USING (tenant_id = NULLIF(current_setting('app.current_tenant', true), '')::bigint);

				DROP POLICY IF EXISTS tenant_isolation ON role_assignments;
				CREATE POLICY tenant_isolation ON role_assignments
					USING (tenant_id = NULLIF(current_setting('app.current_tenant', true), '')::bigint);

				DROP POLICY IF EXISTS tenant_isolation ON resources;
				CREATE POLICY tenant_isolation ON resources
					USING (tenant_id = NULLIF(current_setting('app.current_tenant', true), '')::bigint);
			`,
		},
	}
}

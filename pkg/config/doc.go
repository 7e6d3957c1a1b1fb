// Package config loads tenantguard configuration.
//
// Values come from built-in defaults, then an optional YAML file, then
// TENANTGUARD_ environment variables. Later sources win. The file is named by
// TENANTGUARD_CONFIG_FILE or passed to Load directly.
//
// # Environment
//
// Server and database:
//
//	TENANTGUARD_HOST="0.0.0.0"
//	TENANTGUARD_PORT="9090"
//	TENANTGUARD_DB_DRIVER="postgres"  # postgres or sqlite3
//	TENANTGUARD_POSTGRES_URL="postgres://localhost/tenantguard"
//	TENANTGUARD_POSTGRES_REPLICA_URLS="postgres://replica1/tg,postgres://replica2/tg"
//	TENANTGUARD_POSTGRES_MAX_CONNS="20"
//
// Isolation and authorization:
//
//	TENANTGUARD_AUTH_MODE="header"  # header or oidc
//	TENANTGUARD_OIDC_ISSUER_URL="https://login.example.com"
//	TENANTGUARD_OIDC_CLIENT_ID="tenantguard"
//	TENANTGUARD_OPERATOR_TENANT_ID="1"  # admins here manage compliance settings
//	TENANTGUARD_STRICT_MODE="false"
//	TENANTGUARD_AUDIT_ENABLED="true"
//	TENANTGUARD_POLICY_FILE="/etc/tenantguard/policy.yaml"
//	TENANTGUARD_REDIS_URL="redis://localhost:6379"
//	TENANTGUARD_PERMISSION_CACHE_TTL="5m"
//
// Compliance:
//
//	TENANTGUARD_COMPLIANCE_LEVEL="full"  # full, partial, minimal
//	TENANTGUARD_RETENTION_DAYS="365"
//	TENANTGUARD_RETENTION_SCHEDULE="@daily"
//	TENANTGUARD_S3_BUCKET="tenantguard-exports"
//
// Observability:
//
//	TENANTGUARD_LOG_LEVEL="info"
//	TENANTGUARD_LOG_FORMAT="json"
//	TENANTGUARD_OTEL_ENABLED="false"
//
// # Usage
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//	addr := cfg.Server.Addr()
package config

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/tenantguard/pkg/compliance"
	"github.com/platinummonkey/tenantguard/pkg/storage/postgres"
)

// EnvPrefix prefixes every environment variable read by this package
const EnvPrefix = "TENANTGUARD_"

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Auth          AuthConfig          `yaml:"auth"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	RLS           RLSConfig           `yaml:"rls"`
	RBAC          RBACConfig          `yaml:"rbac"`
	Compliance    ComplianceConfig    `yaml:"compliance"`
	Export        ExportConfig        `yaml:"export"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds admin HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns the listen address
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// AuthConfig selects how admin API callers are authenticated. Mode "header"
// trusts identity headers from a fronting proxy; "oidc" verifies bearer ID
// tokens. Admins of OperatorTenantID may change process-wide compliance
// settings; zero leaves those routes unregistered.
type AuthConfig struct {
	Mode             string `yaml:"mode"`
	IssuerURL        string `yaml:"issuer_url"`
	ClientID         string `yaml:"client_id"`
	UserClaim        string `yaml:"user_claim"`
	TenantClaim      string `yaml:"tenant_claim"`
	OperatorTenantID int64  `yaml:"operator_tenant_id"`
}

// RateLimitConfig limits admin API calls per principal and deletion code
// verification attempts per data subject
type RateLimitConfig struct {
	Enabled               bool `yaml:"enabled"`
	RequestsPerMinute     int  `yaml:"requests_per_minute"`
	Burst                 int  `yaml:"burst"`
	VerifyAttemptsPerHour int  `yaml:"verify_attempts_per_hour"`
}

// DatabaseConfig holds connection pool configuration
type DatabaseConfig struct {
	Driver         string        `yaml:"driver"`
	URL            string        `yaml:"url"`
	ReplicaURLs    []string      `yaml:"replica_urls"`
	MaxConns       int           `yaml:"max_conns"`
	MinConns       int           `yaml:"min_conns"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxLifetime    time.Duration `yaml:"max_lifetime"`
	MaxIdleTime    time.Duration `yaml:"max_idle_time"`
	HealthInterval time.Duration `yaml:"health_interval"`
}

// RedisConfig configures the shared user context store. An empty URL keeps
// user contexts in process.
type RedisConfig struct {
	URL            string        `yaml:"url"`
	Password       string        `yaml:"password"`
	DB             int           `yaml:"db"`
	PoolSize       int           `yaml:"pool_size"`
	UserContextTTL time.Duration `yaml:"user_context_ttl"`
}

// RLSConfig holds row level security settings
type RLSConfig struct {
	StrictMode       bool   `yaml:"strict_mode"`
	AuditEnabled     bool   `yaml:"audit_enabled"`
	CheckRowSecurity bool   `yaml:"check_row_security"`
	PolicyFile       string `yaml:"policy_file"`
	WatchPolicy      bool   `yaml:"watch_policy"`
}

// RBACConfig sizes the permission caches
type RBACConfig struct {
	CacheTTL  time.Duration `yaml:"cache_ttl"`
	CacheSize int           `yaml:"cache_size"`
}

// ComplianceConfig holds GDPR settings and the retention schedule
type ComplianceConfig struct {
	Level             string `yaml:"level"`
	RetentionDays     int    `yaml:"retention_days"`
	Anonymization     bool   `yaml:"anonymization"`
	RetentionSchedule string `yaml:"retention_schedule"`
	SweepConcurrency  int    `yaml:"sweep_concurrency"`
}

// ExportConfig configures the S3 archive for data exports. An empty bucket
// disables archiving.
type ExportConfig struct {
	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	UsePathStyle bool   `yaml:"use_path_style"`
	CreateBucket bool   `yaml:"create_bucket"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	MetricsEnabled bool `yaml:"metrics_enabled"`

	OTelEnabled        bool   `yaml:"otel_enabled"`
	OTelEndpoint       string `yaml:"otel_endpoint"`
	OTelServiceName    string `yaml:"otel_service_name"`
	OTelServiceVersion string `yaml:"otel_service_version"`
	OTelInsecure       bool   `yaml:"otel_insecure"`
}

// Default returns the configuration used when nothing overrides it
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "9090",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Auth: AuthConfig{
			Mode:        "header",
			UserClaim:   "sub",
			TenantClaim: "tenant_id",
		},
		RateLimit: RateLimitConfig{
			Enabled:               true,
			RequestsPerMinute:     600,
			Burst:                 60,
			VerifyAttemptsPerHour: 10,
		},
		Database: DatabaseConfig{
			Driver:         "postgres",
			MaxConns:       20,
			MinConns:       5,
			Timeout:        5 * time.Second,
			MaxLifetime:    30 * time.Minute,
			MaxIdleTime:    5 * time.Minute,
			HealthInterval: 30 * time.Second,
		},
		Redis: RedisConfig{
			UserContextTTL: 15 * time.Minute,
		},
		RLS: RLSConfig{
			AuditEnabled: true,
		},
		RBAC: RBACConfig{
			CacheTTL:  5 * time.Minute,
			CacheSize: 10000,
		},
		Compliance: ComplianceConfig{
			Level:             string(compliance.LevelFull),
			RetentionDays:     compliance.DefaultRetentionDays,
			Anonymization:     true,
			RetentionSchedule: "@daily",
			SweepConcurrency:  4,
		},
		Export: ExportConfig{
			Region: "us-east-1",
		},
		Observability: ObservabilityConfig{
			LogLevel:           "info",
			LogFormat:          "json",
			MetricsEnabled:     true,
			OTelEndpoint:       "localhost:4317",
			OTelServiceName:    "tenantguard",
			OTelServiceVersion: "dev",
			OTelInsecure:       true,
		},
	}
}

// LoadConfig loads configuration from the file named by
// TENANTGUARD_CONFIG_FILE, if any, and then the environment
func LoadConfig() (*Config, error) {
	return Load(getEnv(EnvPrefix+"CONFIG_FILE", ""))
}

// Load builds the configuration from defaults, the YAML file at path (when
// not empty) and environment variables, in increasing precedence
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.loadEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadEnv() {
	s := &c.Server
	s.Host = getEnv(EnvPrefix+"HOST", s.Host)
	s.Port = getEnv(EnvPrefix+"PORT", s.Port)
	s.ReadTimeout = getEnvDuration(EnvPrefix+"READ_TIMEOUT", s.ReadTimeout)
	s.WriteTimeout = getEnvDuration(EnvPrefix+"WRITE_TIMEOUT", s.WriteTimeout)
	s.IdleTimeout = getEnvDuration(EnvPrefix+"IDLE_TIMEOUT", s.IdleTimeout)
	s.ShutdownTimeout = getEnvDuration(EnvPrefix+"SHUTDOWN_TIMEOUT", s.ShutdownTimeout)

	a := &c.Auth
	a.Mode = getEnv(EnvPrefix+"AUTH_MODE", a.Mode)
	a.IssuerURL = getEnv(EnvPrefix+"OIDC_ISSUER_URL", a.IssuerURL)
	a.ClientID = getEnv(EnvPrefix+"OIDC_CLIENT_ID", a.ClientID)
	a.UserClaim = getEnv(EnvPrefix+"OIDC_USER_CLAIM", a.UserClaim)
	a.TenantClaim = getEnv(EnvPrefix+"OIDC_TENANT_CLAIM", a.TenantClaim)
	a.OperatorTenantID = int64(getEnvInt(EnvPrefix+"OPERATOR_TENANT_ID", int(a.OperatorTenantID)))

	rl := &c.RateLimit
	rl.Enabled = getEnvBool(EnvPrefix+"RATE_LIMIT_ENABLED", rl.Enabled)
	rl.RequestsPerMinute = getEnvInt(EnvPrefix+"RATE_LIMIT_RPM", rl.RequestsPerMinute)
	rl.Burst = getEnvInt(EnvPrefix+"RATE_LIMIT_BURST", rl.Burst)
	rl.VerifyAttemptsPerHour = getEnvInt(EnvPrefix+"VERIFY_ATTEMPTS_PER_HOUR", rl.VerifyAttemptsPerHour)

	d := &c.Database
	d.Driver = getEnv(EnvPrefix+"DB_DRIVER", d.Driver)
	d.URL = getEnv(EnvPrefix+"POSTGRES_URL", d.URL)
	if replicas := getEnv(EnvPrefix+"POSTGRES_REPLICA_URLS", ""); replicas != "" {
		d.ReplicaURLs = postgres.ParseReplicaURLs(replicas)
	}
	d.MaxConns = getEnvInt(EnvPrefix+"POSTGRES_MAX_CONNS", d.MaxConns)
	d.MinConns = getEnvInt(EnvPrefix+"POSTGRES_MIN_CONNS", d.MinConns)
	d.Timeout = getEnvDuration(EnvPrefix+"POSTGRES_TIMEOUT", d.Timeout)
	d.MaxLifetime = getEnvDuration(EnvPrefix+"POSTGRES_MAX_LIFETIME", d.MaxLifetime)
	d.MaxIdleTime = getEnvDuration(EnvPrefix+"POSTGRES_MAX_IDLE_TIME", d.MaxIdleTime)
	d.HealthInterval = getEnvDuration(EnvPrefix+"POSTGRES_HEALTH_INTERVAL", d.HealthInterval)

	r := &c.Redis
	r.URL = getEnv(EnvPrefix+"REDIS_URL", r.URL)
	r.Password = getEnv(EnvPrefix+"REDIS_PASSWORD", r.Password)
	r.DB = getEnvInt(EnvPrefix+"REDIS_DB", r.DB)
	r.PoolSize = getEnvInt(EnvPrefix+"REDIS_POOL_SIZE", r.PoolSize)
	r.UserContextTTL = getEnvDuration(EnvPrefix+"USER_CONTEXT_TTL", r.UserContextTTL)

	l := &c.RLS
	l.StrictMode = getEnvBool(EnvPrefix+"STRICT_MODE", l.StrictMode)
	l.AuditEnabled = getEnvBool(EnvPrefix+"AUDIT_ENABLED", l.AuditEnabled)
	l.CheckRowSecurity = getEnvBool(EnvPrefix+"CHECK_ROW_SECURITY", l.CheckRowSecurity)
	l.PolicyFile = getEnv(EnvPrefix+"POLICY_FILE", l.PolicyFile)
	l.WatchPolicy = getEnvBool(EnvPrefix+"WATCH_POLICY", l.WatchPolicy)

	c.RBAC.CacheTTL = getEnvDuration(EnvPrefix+"PERMISSION_CACHE_TTL", c.RBAC.CacheTTL)
	c.RBAC.CacheSize = getEnvInt(EnvPrefix+"PERMISSION_CACHE_SIZE", c.RBAC.CacheSize)

	p := &c.Compliance
	p.Level = getEnv(EnvPrefix+"COMPLIANCE_LEVEL", p.Level)
	p.RetentionDays = getEnvInt(EnvPrefix+"RETENTION_DAYS", p.RetentionDays)
	p.Anonymization = getEnvBool(EnvPrefix+"ANONYMIZATION", p.Anonymization)
	p.RetentionSchedule = getEnv(EnvPrefix+"RETENTION_SCHEDULE", p.RetentionSchedule)
	p.SweepConcurrency = getEnvInt(EnvPrefix+"SWEEP_CONCURRENCY", p.SweepConcurrency)

	e := &c.Export
	e.Bucket = getEnv(EnvPrefix+"S3_BUCKET", e.Bucket)
	e.Region = getEnv(EnvPrefix+"S3_REGION", e.Region)
	e.Endpoint = getEnv(EnvPrefix+"S3_ENDPOINT", e.Endpoint)
	e.AccessKey = getEnv(EnvPrefix+"S3_ACCESS_KEY", e.AccessKey)
	e.SecretKey = getEnv(EnvPrefix+"S3_SECRET_KEY", e.SecretKey)
	e.UsePathStyle = getEnvBool(EnvPrefix+"S3_USE_PATH_STYLE", e.UsePathStyle)
	e.CreateBucket = getEnvBool(EnvPrefix+"S3_CREATE_BUCKET", e.CreateBucket)

	o := &c.Observability
	o.LogLevel = getEnv(EnvPrefix+"LOG_LEVEL", o.LogLevel)
	o.LogFormat = getEnv(EnvPrefix+"LOG_FORMAT", o.LogFormat)
	o.MetricsEnabled = getEnvBool(EnvPrefix+"METRICS_ENABLED", o.MetricsEnabled)
	o.OTelEnabled = getEnvBool(EnvPrefix+"OTEL_ENABLED", o.OTelEnabled)
	o.OTelEndpoint = getEnv(EnvPrefix+"OTEL_ENDPOINT", o.OTelEndpoint)
	o.OTelServiceName = getEnv(EnvPrefix+"OTEL_SERVICE_NAME", o.OTelServiceName)
	o.OTelServiceVersion = getEnv(EnvPrefix+"OTEL_SERVICE_VERSION", o.OTelServiceVersion)
	o.OTelInsecure = getEnvBool(EnvPrefix+"OTEL_INSECURE", o.OTelInsecure)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}

	switch c.Auth.Mode {
	case "header":
	case "oidc":
		if c.Auth.IssuerURL == "" || c.Auth.ClientID == "" {
			return fmt.Errorf("OIDC issuer URL and client ID are required in oidc auth mode")
		}
	default:
		return fmt.Errorf("invalid auth mode: %s (must be header or oidc)", c.Auth.Mode)
	}
	if c.Auth.OperatorTenantID < 0 {
		return fmt.Errorf("operator tenant id must not be negative")
	}

	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerMinute <= 0 || c.RateLimit.VerifyAttemptsPerHour <= 0) {
		return fmt.Errorf("rate limits must be positive when rate limiting is enabled")
	}

	switch c.Database.Driver {
	case "postgres", "sqlite3":
	default:
		return fmt.Errorf("invalid database driver: %s (must be postgres or sqlite3)", c.Database.Driver)
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database URL is required")
	}
	if c.Database.MaxConns <= 0 {
		return fmt.Errorf("max connections must be positive")
	}
	if c.Database.MinConns < 0 || c.Database.MinConns > c.Database.MaxConns {
		return fmt.Errorf("min connections must be between 0 and max connections")
	}

	if c.RBAC.CacheTTL <= 0 {
		return fmt.Errorf("permission cache TTL must be positive")
	}
	if c.RBAC.CacheSize <= 0 {
		return fmt.Errorf("permission cache size must be positive")
	}
	if c.Redis.URL != "" && c.Redis.UserContextTTL <= 0 {
		return fmt.Errorf("user context TTL must be positive")
	}
	if c.RLS.WatchPolicy && c.RLS.PolicyFile == "" {
		return fmt.Errorf("policy file is required when watching the policy")
	}

	if !compliance.Level(c.Compliance.Level).Valid() {
		return fmt.Errorf("invalid compliance level: %s (must be full, partial, or minimal)", c.Compliance.Level)
	}
	if c.Compliance.RetentionDays <= 0 {
		return fmt.Errorf("retention days must be positive")
	}
	if _, err := cron.ParseStandard(c.Compliance.RetentionSchedule); err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", c.Compliance.RetentionSchedule, err)
	}
	if c.Compliance.SweepConcurrency <= 0 {
		return fmt.Errorf("sweep concurrency must be positive")
	}

	if c.Export.Bucket != "" && c.Export.Region == "" {
		return fmt.Errorf("S3 region is required when an export bucket is set")
	}
	if (c.Export.AccessKey == "") != (c.Export.SecretKey == "") {
		return fmt.Errorf("S3 access key and secret key must be set together")
	}

	if _, err := logrus.ParseLevel(c.Observability.LogLevel); err != nil {
		return fmt.Errorf("invalid log level: %s", c.Observability.LogLevel)
	}
	switch strings.ToLower(c.Observability.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log format: %s (must be json or text)", c.Observability.LogFormat)
	}
	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all gatehoused configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Authority     AuthorityConfig     `yaml:"authority"`
	Access        AccessConfig        `yaml:"access"`
	Context       ContextConfig       `yaml:"context"`
	RateLimit     RateLimitConfig     `yaml:"ratelimit"`
	RBAC          RBACConfig          `yaml:"rbac"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Health/metrics server runs on a separate port for k8s probes.
	HealthPort string `yaml:"health_port"`
}

// DatabaseConfig holds the local relational cache configuration.
// Driver is "postgres" for production or "sqlite3" for single-node and
// development deployments.
type DatabaseConfig struct {
	Driver       string        `yaml:"driver"`
	DSN          string        `yaml:"dsn"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	ConnLifetime time.Duration `yaml:"conn_lifetime"`
}

// RedisConfig holds the cache/counter store configuration.
type RedisConfig struct {
	Addr       string        `yaml:"addr"`
	Password   string        `yaml:"password"`
	DB         int           `yaml:"db"`
	PoolSize   int           `yaml:"pool_size"`
	SessionTTL time.Duration `yaml:"session_ttl"`
}

// AuthorityConfig holds the upstream identity service configuration.
type AuthorityConfig struct {
	BaseURL       string        `yaml:"base_url"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxRetries    int           `yaml:"max_retries"`
	ServiceSlug   string        `yaml:"service_slug"`
	ServiceSecret string        `yaml:"service_secret"`

	// OAuth client used for the SSO endpoints.
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURL  string `yaml:"redirect_url"`

	// OIDC issuer for bearer-token verification.
	IssuerURL string `yaml:"issuer_url"`
}

// AccessConfig controls the access-grant cache.
type AccessConfig struct {
	GrantTTL      time.Duration `yaml:"grant_ttl"`
	HotOrgEntries int           `yaml:"hot_org_entries"`
	HotOrgTTL     time.Duration `yaml:"hot_org_ttl"`
}

// ContextConfig controls context resolution per deployment.
type ContextConfig struct {
	RequireOrganization bool `yaml:"require_organization"`
	HQFallback          bool `yaml:"hq_fallback"`
}

// RateLimitConfig holds per-tier window capacities.
type RateLimitConfig struct {
	Window     time.Duration `yaml:"window"`
	IPMax      int           `yaml:"ip_max"`
	UserMax    int           `yaml:"user_max"`
	OrgMax     int           `yaml:"org_max"`
	ServiceMax int           `yaml:"service_max"`

	SSOWindow           time.Duration `yaml:"sso_window"`
	SSOAuthorizeAuthMax int           `yaml:"sso_authorize_auth_max"`
	SSOAuthorizeAnonMax int           `yaml:"sso_authorize_anon_max"`
	SSOTokenMax         int           `yaml:"sso_token_max"`
	SSORefreshMax       int           `yaml:"sso_refresh_max"`

	// ServiceSecrets maps service keys to webhook signing secrets,
	// comma-separated key:secret pairs in the environment form.
	ServiceSecrets map[string]string `yaml:"service_secrets"`
}

// RBACConfig controls the permission registry.
type RBACConfig struct {
	// RefreshSchedule is a cron expression, e.g. "@every 5m". Empty
	// disables scheduled refresh.
	RefreshSchedule string `yaml:"refresh_schedule"`
}

// ObservabilityConfig holds logging, metrics and tracing settings.
type ObservabilityConfig struct {
	LogLevel       string `yaml:"log_level"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`

	OTelEnabled        bool   `yaml:"otel_enabled"`
	OTelEndpoint       string `yaml:"otel_endpoint"`
	OTelServiceName    string `yaml:"otel_service_name"`
	OTelServiceVersion string `yaml:"otel_service_version"`
	OTelInsecure       bool   `yaml:"otel_insecure"`
}

// LoadConfig builds the configuration from the optional YAML file plus
// environment overrides, and validates it.
func LoadConfig() (*Config, error) {
	cfg := defaultConfig()

	if path := getEnv("GATEHOUSE_CONFIG_FILE", ""); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			HealthPort:      "9090",
		},
		Database: DatabaseConfig{
			Driver:       "postgres",
			MaxOpenConns: 25,
			MaxIdleConns: 5,
			ConnLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   10,
			SessionTTL: 24 * time.Hour,
		},
		Authority: AuthorityConfig{
			Timeout:    10 * time.Second,
			MaxRetries: 2,
		},
		Access: AccessConfig{
			GrantTTL:      5 * time.Minute,
			HotOrgEntries: 1024,
			HotOrgTTL:     time.Minute,
		},
		Context: ContextConfig{
			RequireOrganization: true,
			HQFallback:          true,
		},
		RateLimit: RateLimitConfig{
			Window:              time.Minute,
			IPMax:               120,
			UserMax:             300,
			OrgMax:              1000,
			ServiceMax:          3000,
			SSOWindow:           time.Minute,
			SSOAuthorizeAuthMax: 30,
			SSOAuthorizeAnonMax: 10,
			SSOTokenMax:         20,
			SSORefreshMax:       20,
		},
		RBAC: RBACConfig{
			RefreshSchedule: "@every 5m",
		},
		Observability: ObservabilityConfig{
			LogLevel:           "info",
			MetricsEnabled:     true,
			OTelEndpoint:       "localhost:4317",
			OTelServiceName:    "gatehoused",
			OTelServiceVersion: "1.0.0",
			OTelInsecure:       true,
		},
	}
}

func applyEnv(cfg *Config) {
	cfg.Server.Host = getEnv("GATEHOUSE_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnv("GATEHOUSE_PORT", cfg.Server.Port)
	cfg.Server.ReadTimeout = getEnvDuration("GATEHOUSE_READ_TIMEOUT", cfg.Server.ReadTimeout)
	cfg.Server.WriteTimeout = getEnvDuration("GATEHOUSE_WRITE_TIMEOUT", cfg.Server.WriteTimeout)
	cfg.Server.IdleTimeout = getEnvDuration("GATEHOUSE_IDLE_TIMEOUT", cfg.Server.IdleTimeout)
	cfg.Server.ShutdownTimeout = getEnvDuration("GATEHOUSE_SHUTDOWN_TIMEOUT", cfg.Server.ShutdownTimeout)
	cfg.Server.HealthPort = getEnv("GATEHOUSE_HEALTH_PORT", cfg.Server.HealthPort)

	cfg.Database.Driver = getEnv("GATEHOUSE_DB_DRIVER", cfg.Database.Driver)
	cfg.Database.DSN = getEnv("GATEHOUSE_DB_DSN", cfg.Database.DSN)
	cfg.Database.MaxOpenConns = getEnvInt("GATEHOUSE_DB_MAX_OPEN_CONNS", cfg.Database.MaxOpenConns)
	cfg.Database.MaxIdleConns = getEnvInt("GATEHOUSE_DB_MAX_IDLE_CONNS", cfg.Database.MaxIdleConns)
	cfg.Database.ConnLifetime = getEnvDuration("GATEHOUSE_DB_CONN_LIFETIME", cfg.Database.ConnLifetime)

	cfg.Redis.Addr = getEnv("GATEHOUSE_REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnv("GATEHOUSE_REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvInt("GATEHOUSE_REDIS_DB", cfg.Redis.DB)
	cfg.Redis.PoolSize = getEnvInt("GATEHOUSE_REDIS_POOL_SIZE", cfg.Redis.PoolSize)
	cfg.Redis.SessionTTL = getEnvDuration("GATEHOUSE_SESSION_TTL", cfg.Redis.SessionTTL)

	cfg.Authority.BaseURL = getEnv("GATEHOUSE_AUTHORITY_URL", cfg.Authority.BaseURL)
	cfg.Authority.Timeout = getEnvDuration("GATEHOUSE_AUTHORITY_TIMEOUT", cfg.Authority.Timeout)
	cfg.Authority.MaxRetries = getEnvInt("GATEHOUSE_AUTHORITY_MAX_RETRIES", cfg.Authority.MaxRetries)
	cfg.Authority.ServiceSlug = getEnv("GATEHOUSE_AUTHORITY_SERVICE_SLUG", cfg.Authority.ServiceSlug)
	cfg.Authority.ServiceSecret = getEnv("GATEHOUSE_AUTHORITY_SERVICE_SECRET", cfg.Authority.ServiceSecret)
	cfg.Authority.ClientID = getEnv("GATEHOUSE_AUTHORITY_CLIENT_ID", cfg.Authority.ClientID)
	cfg.Authority.ClientSecret = getEnv("GATEHOUSE_AUTHORITY_CLIENT_SECRET", cfg.Authority.ClientSecret)
	cfg.Authority.RedirectURL = getEnv("GATEHOUSE_AUTHORITY_REDIRECT_URL", cfg.Authority.RedirectURL)
	cfg.Authority.IssuerURL = getEnv("GATEHOUSE_AUTHORITY_ISSUER_URL", cfg.Authority.IssuerURL)

	cfg.Access.GrantTTL = getEnvDuration("GATEHOUSE_GRANT_TTL", cfg.Access.GrantTTL)
	cfg.Access.HotOrgEntries = getEnvInt("GATEHOUSE_HOT_ORG_ENTRIES", cfg.Access.HotOrgEntries)
	cfg.Access.HotOrgTTL = getEnvDuration("GATEHOUSE_HOT_ORG_TTL", cfg.Access.HotOrgTTL)

	cfg.Context.RequireOrganization = getEnvBool("GATEHOUSE_REQUIRE_ORGANIZATION", cfg.Context.RequireOrganization)
	cfg.Context.HQFallback = getEnvBool("GATEHOUSE_HQ_FALLBACK", cfg.Context.HQFallback)

	cfg.RateLimit.Window = getEnvDuration("GATEHOUSE_RATELIMIT_WINDOW", cfg.RateLimit.Window)
	cfg.RateLimit.IPMax = getEnvInt("GATEHOUSE_RATELIMIT_IP_MAX", cfg.RateLimit.IPMax)
	cfg.RateLimit.UserMax = getEnvInt("GATEHOUSE_RATELIMIT_USER_MAX", cfg.RateLimit.UserMax)
	cfg.RateLimit.OrgMax = getEnvInt("GATEHOUSE_RATELIMIT_ORG_MAX", cfg.RateLimit.OrgMax)
	cfg.RateLimit.ServiceMax = getEnvInt("GATEHOUSE_RATELIMIT_SERVICE_MAX", cfg.RateLimit.ServiceMax)
	cfg.RateLimit.SSOWindow = getEnvDuration("GATEHOUSE_RATELIMIT_SSO_WINDOW", cfg.RateLimit.SSOWindow)
	cfg.RateLimit.SSOAuthorizeAuthMax = getEnvInt("GATEHOUSE_RATELIMIT_SSO_AUTHORIZE_AUTH_MAX", cfg.RateLimit.SSOAuthorizeAuthMax)
	cfg.RateLimit.SSOAuthorizeAnonMax = getEnvInt("GATEHOUSE_RATELIMIT_SSO_AUTHORIZE_ANON_MAX", cfg.RateLimit.SSOAuthorizeAnonMax)
	cfg.RateLimit.SSOTokenMax = getEnvInt("GATEHOUSE_RATELIMIT_SSO_TOKEN_MAX", cfg.RateLimit.SSOTokenMax)
	cfg.RateLimit.SSORefreshMax = getEnvInt("GATEHOUSE_RATELIMIT_SSO_REFRESH_MAX", cfg.RateLimit.SSORefreshMax)
	if pairs := getEnv("GATEHOUSE_SERVICE_SECRETS", ""); pairs != "" {
		cfg.RateLimit.ServiceSecrets = parseServiceSecrets(pairs)
	}

	cfg.RBAC.RefreshSchedule = getEnv("GATEHOUSE_RBAC_REFRESH_SCHEDULE", cfg.RBAC.RefreshSchedule)

	cfg.Observability.LogLevel = getEnv("GATEHOUSE_LOG_LEVEL", cfg.Observability.LogLevel)
	cfg.Observability.MetricsEnabled = getEnvBool("GATEHOUSE_METRICS_ENABLED", cfg.Observability.MetricsEnabled)
	cfg.Observability.OTelEnabled = getEnvBool("GATEHOUSE_OTEL_ENABLED", cfg.Observability.OTelEnabled)
	cfg.Observability.OTelEndpoint = getEnv("GATEHOUSE_OTEL_ENDPOINT", cfg.Observability.OTelEndpoint)
	cfg.Observability.OTelServiceName = getEnv("GATEHOUSE_OTEL_SERVICE_NAME", cfg.Observability.OTelServiceName)
	cfg.Observability.OTelServiceVersion = getEnv("GATEHOUSE_OTEL_SERVICE_VERSION", cfg.Observability.OTelServiceVersion)
	cfg.Observability.OTelInsecure = getEnvBool("GATEHOUSE_OTEL_INSECURE", cfg.Observability.OTelInsecure)
}

// parseServiceSecrets parses "key1:secret1,key2:secret2".
func parseServiceSecrets(pairs string) map[string]string {
	secrets := make(map[string]string)
	for _, pair := range strings.Split(pairs, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), ":", 2)
		if len(parts) == 2 && parts[0] != "" {
			secrets[parts[0]] = parts[1]
		}
	}
	return secrets
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	switch c.Database.Driver {
	case "postgres", "sqlite3":
	default:
		return fmt.Errorf("invalid database driver: %s (must be postgres or sqlite3)", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database DSN is required")
	}

	if c.Redis.Addr == "" {
		return fmt.Errorf("redis address is required")
	}
	if c.Authority.BaseURL == "" {
		return fmt.Errorf("authority base URL is required")
	}
	if c.Access.GrantTTL <= 0 {
		return fmt.Errorf("grant TTL must be positive")
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate-limit window must be positive")
	}

	if c.Observability.OTelEnabled && c.Observability.OTelEndpoint == "" {
		return fmt.Errorf("OpenTelemetry endpoint is required when tracing is enabled")
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		return strings.ToLower(v) == "true"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

// Package config loads and validates the service configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the USIO_ prefix (e.g., USIO_DATABASE_HOST
// overrides database.host in the YAML), so the same binary runs from a
// config.yaml locally and from pure environment variables in containers.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Auth          AuthConfig          `mapstructure:"auth"`
	Session       SessionConfig       `mapstructure:"session"`
	Payments      PaymentsConfig      `mapstructure:"payments"`
	Quota         QuotaConfig         `mapstructure:"quota"`
	Security      SecurityConfig      `mapstructure:"security"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Telemetry     TelemetryConfig     `mapstructure:"telemetry"`
	Audit         AuditConfig         `mapstructure:"audit"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	BaseURL      string        `mapstructure:"base_url"`
	FrontendURL  string        `mapstructure:"frontend_url"`
	Environment  string        `mapstructure:"environment"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// IsDevelopment reports whether error responses may carry internal detail.
func (s *ServerConfig) IsDevelopment() bool {
	return s.Environment == "development"
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Name               string `mapstructure:"name"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	SSLMode            string `mapstructure:"ssl_mode"`
	MaxConnections     int    `mapstructure:"max_connections"`
	MinIdleConnections int    `mapstructure:"min_idle_connections"`
}

// RedisConfig holds the optional Redis connection used for OAuth state and
// the redis rate limiting backend. Entitlement state never lives here.
type RedisConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Addr        string        `mapstructure:"addr"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	MaxRetries  int           `mapstructure:"max_retries"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	APIKeys APIKeyConfig `mapstructure:"api_keys"`
	OIDC    OIDCConfig   `mapstructure:"oidc"`
}

// APIKeyConfig holds API key configuration
type APIKeyConfig struct {
	Prefix string `mapstructure:"prefix"`
}

// OIDCConfig holds generic OIDC provider configuration.
// ProviderName becomes the first half of the stable user id ("google:1234").
type OIDCConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	ProviderName string   `mapstructure:"provider_name"`
	IssuerURL    string   `mapstructure:"issuer_url"`
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	RedirectURL  string   `mapstructure:"redirect_url"`
	Scopes       []string `mapstructure:"scopes"`
}

// SessionConfig controls the signed session token
type SessionConfig struct {
	TTL                 time.Duration `mapstructure:"ttl"`
	PlanRefreshInterval time.Duration `mapstructure:"plan_refresh_interval"`
}

// PaymentsConfig holds payment gateway settings and the credit grant per order
type PaymentsConfig struct {
	GatewayURL       string        `mapstructure:"gateway_url"`
	APIKey           string        `mapstructure:"api_key"`
	IPNSecret        string        `mapstructure:"ipn_secret"`
	GatewayTimeout   time.Duration `mapstructure:"gateway_timeout"`
	PriceAmount      float64       `mapstructure:"price_amount"`
	PriceCurrency    string        `mapstructure:"price_currency"`
	CreditsPerOrder  int64         `mapstructure:"credits_per_order"`
	OrderDescription string        `mapstructure:"order_description"`
	CallbackURL      string        `mapstructure:"callback_url"`
	SuccessURL       string        `mapstructure:"success_url"`
	CancelURL        string        `mapstructure:"cancel_url"`
}

// QuotaConfig holds the free-tier daily quota
type QuotaConfig struct {
	FreeDailyLimit int `mapstructure:"free_daily_limit"`
	RetentionDays  int `mapstructure:"retention_days"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	CORS         CORSConfig         `mapstructure:"cors"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
	TLS          TLSConfig          `mapstructure:"tls"`
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
}

// RateLimitingConfig holds rate limiting configuration.
// Backend is "store" (PostgreSQL, authoritative) or "redis".
type RateLimitingConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Backend       string        `mapstructure:"backend"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	Orders        RateLimitRule `mapstructure:"orders"`
	Verify        RateLimitRule `mapstructure:"verify"`
	Auth          RateLimitRule `mapstructure:"auth"`
}

// RateLimitRule is a fixed-window limit for one endpoint family
type RateLimitRule struct {
	Limit  int           `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
}

// TLSConfig holds TLS/HTTPS configuration
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// StorageConfig selects the backend that archives raw webhook receipts
type StorageConfig struct {
	DefaultBackend       string             `mapstructure:"default_backend"`
	EncryptionPassphrase string             `mapstructure:"encryption_passphrase"`
	EncryptionSalt       string             `mapstructure:"encryption_salt"`
	Azure                AzureStorageConfig `mapstructure:"azure"`
	S3                   S3StorageConfig    `mapstructure:"s3"`
	GCS                  GCSStorageConfig   `mapstructure:"gcs"`
	Local                LocalStorageConfig `mapstructure:"local"`
}

// AzureStorageConfig holds Azure Blob Storage configuration
type AzureStorageConfig struct {
	AccountName   string `mapstructure:"account_name"`
	AccountKey    string `mapstructure:"account_key"`
	ContainerName string `mapstructure:"container_name"`
}

// S3StorageConfig holds S3-compatible storage configuration.
//
// AuthMethod is one of:
//   - "default": AWS default credential chain
//   - "static": AccessKeyID / SecretAccessKey
//   - "assume_role": assume RoleARN (optionally with ExternalID)
type S3StorageConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	AuthMethod      string `mapstructure:"auth_method"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	RoleARN         string `mapstructure:"role_arn"`
	RoleSessionName string `mapstructure:"role_session_name"`
	ExternalID      string `mapstructure:"external_id"`
}

// GCSStorageConfig holds Google Cloud Storage configuration
type GCSStorageConfig struct {
	Bucket          string `mapstructure:"bucket"`
	CredentialsFile string `mapstructure:"credentials_file"`
	CredentialsJSON string `mapstructure:"credentials_json"`
	Endpoint        string `mapstructure:"endpoint"`
}

// LocalStorageConfig holds local filesystem storage configuration
type LocalStorageConfig struct {
	BasePath string `mapstructure:"base_path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	ServiceName string        `mapstructure:"service_name"`
	Metrics     MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// AuditConfig holds audit logging configuration
type AuditConfig struct {
	Enabled  bool                 `mapstructure:"enabled"`
	Shippers []AuditShipperConfig `mapstructure:"shippers"`
}

// AuditShipperConfig holds configuration for a single audit shipper
type AuditShipperConfig struct {
	Enabled bool                `mapstructure:"enabled"`
	Type    string              `mapstructure:"type"` // webhook, file
	Webhook *AuditWebhookConfig `mapstructure:"webhook"`
	File    *AuditFileConfig    `mapstructure:"file"`
}

// AuditWebhookConfig holds webhook shipper configuration
type AuditWebhookConfig struct {
	URL         string            `mapstructure:"url"`
	Headers     map[string]string `mapstructure:"headers"`
	TimeoutSecs int               `mapstructure:"timeout_secs"`
}

// AuditFileConfig holds file shipper configuration
type AuditFileConfig struct {
	Path string `mapstructure:"path"`
}

// NotificationsConfig holds settings for outbound notification emails
type NotificationsConfig struct {
	Enabled bool       `mapstructure:"enabled"`
	SMTP    SMTPConfig `mapstructure:"smtp"`
	// LowCreditThresholdPercent triggers one warning email when remaining/total drops below it
	LowCreditThresholdPercent int           `mapstructure:"low_credit_threshold_percent"`
	CheckInterval             time.Duration `mapstructure:"check_interval"`
}

// SMTPConfig holds outbound mail server configuration
type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
	UseTLS   bool   `mapstructure:"use_tls"`
}

// bindEnvVars explicitly binds environment variables to config keys.
// AutomaticEnv() alone does not reach nested keys during Unmarshal.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		// Server
		"server.host",
		"server.port",
		"server.base_url",
		"server.frontend_url",
		"server.environment",
		"server.read_timeout",
		"server.write_timeout",

		// Database
		"database.host",
		"database.port",
		"database.name",
		"database.user",
		"database.password",
		"database.ssl_mode",
		"database.max_connections",
		"database.min_idle_connections",

		// Redis
		"redis.enabled",
		"redis.addr",
		"redis.username",
		"redis.password",
		"redis.db",
		"redis.max_retries",
		"redis.dial_timeout",
		"redis.timeout",

		// Auth
		"auth.api_keys.prefix",
		"auth.oidc.enabled",
		"auth.oidc.provider_name",
		"auth.oidc.issuer_url",
		"auth.oidc.client_id",
		"auth.oidc.client_secret",
		"auth.oidc.redirect_url",
		"auth.oidc.scopes",

		// Session
		"session.ttl",
		"session.plan_refresh_interval",

		// Payments
		"payments.gateway_url",
		"payments.api_key",
		"payments.ipn_secret",
		"payments.gateway_timeout",
		"payments.price_amount",
		"payments.price_currency",
		"payments.credits_per_order",
		"payments.order_description",
		"payments.callback_url",
		"payments.success_url",
		"payments.cancel_url",

		// Quota
		"quota.free_daily_limit",
		"quota.retention_days",

		// Security
		"security.cors.allowed_origins",
		"security.cors.allowed_methods",
		"security.rate_limiting.enabled",
		"security.rate_limiting.backend",
		"security.rate_limiting.sweep_interval",
		"security.rate_limiting.orders.limit",
		"security.rate_limiting.orders.window",
		"security.rate_limiting.verify.limit",
		"security.rate_limiting.verify.window",
		"security.rate_limiting.auth.limit",
		"security.rate_limiting.auth.window",
		"security.tls.enabled",
		"security.tls.cert_file",
		"security.tls.key_file",

		// Storage
		"storage.default_backend",
		"storage.encryption_passphrase",
		"storage.encryption_salt",
		"storage.azure.account_name",
		"storage.azure.account_key",
		"storage.azure.container_name",
		"storage.s3.endpoint",
		"storage.s3.region",
		"storage.s3.bucket",
		"storage.s3.auth_method",
		"storage.s3.access_key_id",
		"storage.s3.secret_access_key",
		"storage.s3.role_arn",
		"storage.s3.role_session_name",
		"storage.s3.external_id",
		"storage.gcs.bucket",
		"storage.gcs.credentials_file",
		"storage.gcs.credentials_json",
		"storage.gcs.endpoint",
		"storage.local.base_path",

		// Logging
		"logging.level",
		"logging.format",

		// Telemetry
		"telemetry.service_name",
		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",

		// Audit
		"audit.enabled",

		// Notifications / SMTP
		"notifications.enabled",
		"notifications.smtp.host",
		"notifications.smtp.port",
		"notifications.smtp.username",
		"notifications.smtp.password",
		"notifications.smtp.from",
		"notifications.smtp.use_tls",
		"notifications.low_credit_threshold_percent",
		"notifications.check_interval",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/usernamesearch")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// No config file; defaults and environment only
	}

	v.SetEnvPrefix("USIO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Secrets may be written as ${VAR} in YAML
	cfg.Database.Password = expandEnv(cfg.Database.Password)
	cfg.Redis.Password = expandEnv(cfg.Redis.Password)
	cfg.Auth.OIDC.ClientSecret = expandEnv(cfg.Auth.OIDC.ClientSecret)
	cfg.Payments.APIKey = expandEnv(cfg.Payments.APIKey)
	cfg.Payments.IPNSecret = expandEnv(cfg.Payments.IPNSecret)
	cfg.Storage.EncryptionPassphrase = expandEnv(cfg.Storage.EncryptionPassphrase)
	cfg.Storage.Azure.AccountKey = expandEnv(cfg.Storage.Azure.AccountKey)
	cfg.Storage.S3.AccessKeyID = expandEnv(cfg.Storage.S3.AccessKeyID)
	cfg.Storage.S3.SecretAccessKey = expandEnv(cfg.Storage.S3.SecretAccessKey)
	cfg.Notifications.SMTP.Password = expandEnv(cfg.Notifications.SMTP.Password)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("server.frontend_url", "http://localhost:3000")
	v.SetDefault("server.environment", "production")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "usernamesearch")
	v.SetDefault("database.user", "usernamesearch")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_idle_connections", 5)

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.timeout", "3s")

	// Auth defaults
	v.SetDefault("auth.api_keys.prefix", "usio")
	v.SetDefault("auth.oidc.enabled", false)
	v.SetDefault("auth.oidc.provider_name", "google")
	v.SetDefault("auth.oidc.scopes", []string{"openid", "email", "profile"})

	// Session defaults
	v.SetDefault("session.ttl", "720h")
	v.SetDefault("session.plan_refresh_interval", "10m")

	// Payments defaults
	v.SetDefault("payments.gateway_url", "https://api.nowpayments.io/v1")
	v.SetDefault("payments.gateway_timeout", "15s")
	v.SetDefault("payments.price_amount", 5.0)
	v.SetDefault("payments.price_currency", "usd")
	v.SetDefault("payments.credits_per_order", 500)
	v.SetDefault("payments.order_description", "UsernameSearch.io API credits")

	// Quota defaults
	v.SetDefault("quota.free_daily_limit", 10)
	v.SetDefault("quota.retention_days", 90)

	// Security defaults
	v.SetDefault("security.cors.allowed_origins", []string{"*"})
	v.SetDefault("security.cors.allowed_methods", []string{"GET", "POST", "OPTIONS"})
	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.backend", "store")
	v.SetDefault("security.rate_limiting.sweep_interval", "5m")
	v.SetDefault("security.rate_limiting.orders.limit", 5)
	v.SetDefault("security.rate_limiting.orders.window", "1m")
	v.SetDefault("security.rate_limiting.verify.limit", 30)
	v.SetDefault("security.rate_limiting.verify.window", "1m")
	v.SetDefault("security.rate_limiting.auth.limit", 10)
	v.SetDefault("security.rate_limiting.auth.window", "1m")
	v.SetDefault("security.tls.enabled", false)

	// Storage defaults
	v.SetDefault("storage.default_backend", "local")
	v.SetDefault("storage.local.base_path", "./receipts")
	v.SetDefault("storage.s3.auth_method", "default")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Telemetry defaults
	v.SetDefault("telemetry.service_name", "usernamesearch-entitlements")
	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)

	// Audit defaults
	v.SetDefault("audit.enabled", true)

	// Notifications defaults
	v.SetDefault("notifications.enabled", false)
	v.SetDefault("notifications.smtp.port", 587)
	v.SetDefault("notifications.smtp.use_tls", true)
	v.SetDefault("notifications.low_credit_threshold_percent", 10)
	v.SetDefault("notifications.check_interval", "1h")
}

// expandEnv expands environment variables in the format ${VAR_NAME}
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}

	if c.Auth.APIKeys.Prefix == "" || strings.Contains(c.Auth.APIKeys.Prefix, "_") {
		return fmt.Errorf("auth.api_keys.prefix must be non-empty and must not contain '_'")
	}

	if c.Auth.OIDC.Enabled {
		if c.Auth.OIDC.IssuerURL == "" {
			return fmt.Errorf("auth.oidc.issuer_url is required when OIDC is enabled")
		}
		if c.Auth.OIDC.ClientID == "" {
			return fmt.Errorf("auth.oidc.client_id is required when OIDC is enabled")
		}
		if c.Auth.OIDC.ClientSecret == "" {
			return fmt.Errorf("auth.oidc.client_secret is required when OIDC is enabled")
		}
		if c.Auth.OIDC.ProviderName == "" {
			return fmt.Errorf("auth.oidc.provider_name is required when OIDC is enabled")
		}
	}

	if c.Session.PlanRefreshInterval <= 0 {
		return fmt.Errorf("session.plan_refresh_interval must be positive")
	}

	if c.Payments.CreditsPerOrder <= 0 {
		return fmt.Errorf("payments.credits_per_order must be positive")
	}
	if c.Payments.PriceAmount <= 0 {
		return fmt.Errorf("payments.price_amount must be positive")
	}
	if c.Payments.GatewayTimeout <= 0 {
		return fmt.Errorf("payments.gateway_timeout must be positive")
	}

	if c.Quota.FreeDailyLimit < 0 {
		return fmt.Errorf("quota.free_daily_limit must not be negative")
	}

	switch c.Security.RateLimiting.Backend {
	case "store":
	case "redis":
		if !c.Redis.Enabled {
			return fmt.Errorf("security.rate_limiting.backend=redis requires redis.enabled")
		}
	default:
		return fmt.Errorf("invalid rate limiting backend: %s (must be store or redis)", c.Security.RateLimiting.Backend)
	}

	validBackends := map[string]bool{"azure": true, "s3": true, "gcs": true, "local": true}
	if !validBackends[c.Storage.DefaultBackend] {
		return fmt.Errorf("invalid storage backend: %s (must be azure, s3, gcs, or local)", c.Storage.DefaultBackend)
	}
	switch c.Storage.DefaultBackend {
	case "azure":
		if c.Storage.Azure.AccountName == "" || c.Storage.Azure.AccountKey == "" || c.Storage.Azure.ContainerName == "" {
			return fmt.Errorf("storage.azure.account_name, account_key and container_name are required when using Azure backend")
		}
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when using S3 backend")
		}
		if c.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when using S3 backend")
		}
	case "gcs":
		if c.Storage.GCS.Bucket == "" {
			return fmt.Errorf("storage.gcs.bucket is required when using GCS backend")
		}
	case "local":
		if c.Storage.Local.BasePath == "" {
			return fmt.Errorf("storage.local.base_path is required when using local backend")
		}
	}
	if c.Storage.EncryptionPassphrase != "" && len(c.Storage.EncryptionSalt) < 16 {
		return fmt.Errorf("storage.encryption_salt must be at least 16 characters when encryption is enabled")
	}

	if c.Security.TLS.Enabled {
		if c.Security.TLS.CertFile == "" {
			return fmt.Errorf("security.tls.cert_file is required when TLS is enabled")
		}
		if c.Security.TLS.KeyFile == "" {
			return fmt.Errorf("security.tls.key_file is required when TLS is enabled")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// GetAddress returns the server address in host:port format
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// MaxWindow returns the longest configured rate limit window, used by the sweeper.
func (r *RateLimitingConfig) MaxWindow() time.Duration {
	longest := r.Orders.Window
	for _, w := range []time.Duration{r.Verify.Window, r.Auth.Window} {
		if w > longest {
			longest = w
		}
	}
	return longest
}

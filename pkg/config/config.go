package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/trackgate/pkg/observability"
)

// Config holds all application configuration.
type Config struct {
	Server        ServerConfig
	Upstream      UpstreamConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Auth          AuthConfig
	Audit         AuditConfig
	Observability ObservabilityConfig

	// PolicyPath points at the YAML policy file (resolution order,
	// fallback level, group source). Empty means built-in defaults.
	PolicyPath string
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes).
	HealthPort string
}

// UpstreamConfig points at the tracking service being fronted.
type UpstreamConfig struct {
	URL     string
	Timeout time.Duration
}

// DatabaseConfig holds the permission store connection settings.
type DatabaseConfig struct {
	PostgresURL     string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig holds the decision cache settings. An empty URL disables the
// shared cache; resolution then relies on the in-process caches only.
type RedisConfig struct {
	URL      string
	Password string
	DB       int
	TTL      time.Duration
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	// BootstrapAdminUsername/Password seed the first admin account at
	// startup when the users table is empty.
	BootstrapAdminUsername string
	BootstrapAdminPassword string

	// CredentialSweepSchedule is the cron spec for deactivating expired
	// service accounts.
	CredentialSweepSchedule string
}

// AuditConfig selects audit sinks.
type AuditConfig struct {
	Enabled  bool
	Sink     string // "db", "file", or "both"
	FilePath string
}

// ObservabilityConfig holds observability settings.
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("TRACKGATE_HOST", "0.0.0.0"),
			Port:            getEnv("TRACKGATE_PORT", "8080"),
			ReadTimeout:     getEnvDuration("TRACKGATE_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvDuration("TRACKGATE_WRITE_TIMEOUT", 60*time.Second),
			IdleTimeout:     getEnvDuration("TRACKGATE_IDLE_TIMEOUT", 120*time.Second),
			ShutdownTimeout: getEnvDuration("TRACKGATE_SHUTDOWN_TIMEOUT", 30*time.Second),
			HealthPort:      getEnv("TRACKGATE_HEALTH_PORT", "9090"),
		},
		Upstream: UpstreamConfig{
			URL:     getEnv("TRACKGATE_UPSTREAM_URL", ""),
			Timeout: getEnvDuration("TRACKGATE_UPSTREAM_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			PostgresURL:     getEnv("TRACKGATE_POSTGRES_URL", ""),
			MaxOpenConns:    getEnvInt("TRACKGATE_POSTGRES_MAX_CONNS", 25),
			MaxIdleConns:    getEnvInt("TRACKGATE_POSTGRES_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("TRACKGATE_POSTGRES_CONN_LIFETIME", 30*time.Minute),
		},
		Redis: RedisConfig{
			URL:      getEnv("TRACKGATE_REDIS_URL", ""),
			Password: getEnv("TRACKGATE_REDIS_PASSWORD", ""),
			DB:       getEnvInt("TRACKGATE_REDIS_DB", 0),
			TTL:      getEnvDuration("TRACKGATE_REDIS_TTL", 60*time.Second),
		},
		Auth: AuthConfig{
			BootstrapAdminUsername:  getEnv("TRACKGATE_BOOTSTRAP_ADMIN_USERNAME", "admin"),
			BootstrapAdminPassword:  getEnv("TRACKGATE_BOOTSTRAP_ADMIN_PASSWORD", ""),
			CredentialSweepSchedule: getEnv("TRACKGATE_CREDENTIAL_SWEEP_SCHEDULE", "0 * * * *"),
		},
		Audit: AuditConfig{
			Enabled:  getEnvBool("TRACKGATE_AUDIT_ENABLED", true),
			Sink:     getEnv("TRACKGATE_AUDIT_SINK", "db"),
			FilePath: getEnv("TRACKGATE_AUDIT_FILE", "trackgate-audit.log"),
		},
		Observability: ObservabilityConfig{
			LogLevel:           observability.ParseLogLevel(getEnv("TRACKGATE_LOG_LEVEL", "info")),
			MetricsEnabled:     getEnvBool("TRACKGATE_METRICS_ENABLED", true),
			OTelEnabled:        getEnvBool("TRACKGATE_OTEL_ENABLED", false),
			OTelEndpoint:       getEnv("TRACKGATE_OTEL_ENDPOINT", "localhost:4317"),
			OTelServiceName:    getEnv("TRACKGATE_OTEL_SERVICE_NAME", "trackgate"),
			OTelServiceVersion: getEnv("TRACKGATE_OTEL_SERVICE_VERSION", "1.0.0"),
			OTelInsecure:       getEnvBool("TRACKGATE_OTEL_INSECURE", true),
		},
		PolicyPath: getEnv("TRACKGATE_POLICY_FILE", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
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
	if c.Upstream.URL == "" {
		return fmt.Errorf("upstream URL is required (TRACKGATE_UPSTREAM_URL)")
	}
	if !strings.HasPrefix(c.Upstream.URL, "http://") && !strings.HasPrefix(c.Upstream.URL, "https://") {
		return fmt.Errorf("upstream URL must be http or https: %s", c.Upstream.URL)
	}
	if c.Database.PostgresURL == "" {
		return fmt.Errorf("postgres URL is required (TRACKGATE_POSTGRES_URL)")
	}
	switch c.Audit.Sink {
	case "db", "file", "both":
	default:
		return fmt.Errorf("invalid audit sink: %s (must be db, file, or both)", c.Audit.Sink)
	}
	if (c.Audit.Sink == "file" || c.Audit.Sink == "both") && c.Audit.FilePath == "" {
		return fmt.Errorf("audit file path is required for the file sink")
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

// Addr returns the main listen address.
func (c ServerConfig) Addr() string {
	return c.Host + ":" + c.Port
}

// HealthAddr returns the health/metrics listen address.
func (c ServerConfig) HealthAddr() string {
	return c.Host + ":" + c.HealthPort
}

// getEnv returns an environment variable value or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the configuration of the policy proxy.
type Config struct {
	// Server settings
	ListenAddr string
	AdminAddr  string
	Env        string // "development", "staging", "production"
	LogLevel   string
	LogFormat  string // "text" or "json"

	// Local endpoint
	PolicyFile       string
	PolicyReload     time.Duration // 0 disables polling; SIGHUP still reloads
	EndpointIP       string
	EndpointIdentity uint32 // 0 means take it from the policy file
	Ingress          bool
	UpstreamAddr     string // ingress only: the local workload

	// Filter
	AccessLogPath   string
	AccessLogBuffer int
	Denied403Body   string
	PolicyName      string // removed option, rejected when set
	IsIngress       *bool  // deprecated option, ignored

	// Observability
	OTLPEndpoint string
}

// CollectorConfig holds the configuration of the access log collector.
type CollectorConfig struct {
	SocketPath  string
	AdminAddr   string
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	AutoMigrate bool   // apply pending migrations at startup
	LogLevel    string
	LogFormat   string
	MemoryLimit int
}

const (
	DefaultListenAddr      = ":10000"
	DefaultAdminAddr       = ":9090"
	DefaultCollectorAdmin  = ":9091"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "text"
	DefaultAccessLogBuffer = 1024
	DefaultSocketPath      = "/var/run/cilium/access_log.sock"
	DefaultMemoryLimit     = 10000
	DefaultPolicyReload    = 10 * time.Second
)

// Load reads the proxy configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		ListenAddr:       getEnv("LISTEN_ADDR", DefaultListenAddr),
		AdminAddr:        getEnv("ADMIN_ADDR", DefaultAdminAddr),
		Env:              getEnv("ENV", DefaultEnv),
		LogLevel:         getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:        getEnv("LOG_FORMAT", DefaultLogFormat),
		PolicyFile:       os.Getenv("POLICY_FILE"),
		PolicyReload:     getEnvDuration("POLICY_RELOAD_INTERVAL", DefaultPolicyReload),
		EndpointIP:       os.Getenv("ENDPOINT_IP"),
		EndpointIdentity: uint32(getEnvInt64("ENDPOINT_IDENTITY", 0)),
		Ingress:          getEnvBool("INGRESS", false),
		UpstreamAddr:     os.Getenv("UPSTREAM_ADDR"),
		AccessLogPath:    os.Getenv("ACCESS_LOG_PATH"),
		AccessLogBuffer:  int(getEnvInt64("ACCESS_LOG_BUFFER", DefaultAccessLogBuffer)),
		Denied403Body:    os.Getenv("DENIED_403_BODY"),
		PolicyName:       os.Getenv("L7_POLICY_NAME"),
		IsIngress:        lookupEnvBool("L7_IS_INGRESS"),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.PolicyFile == "" {
		return fmt.Errorf("POLICY_FILE is required")
	}
	if c.EndpointIP == "" {
		return fmt.Errorf("ENDPOINT_IP is required")
	}
	if _, err := netip.ParseAddr(c.EndpointIP); err != nil {
		return fmt.Errorf("ENDPOINT_IP must be an IP address: %w", err)
	}
	if c.Ingress && c.UpstreamAddr == "" {
		return fmt.Errorf("UPSTREAM_ADDR is required for an ingress listener")
	}
	if c.PolicyReload < 0 {
		return fmt.Errorf("POLICY_RELOAD_INTERVAL must not be negative")
	}
	if c.AccessLogBuffer <= 0 {
		return fmt.Errorf("ACCESS_LOG_BUFFER must be positive")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// LoadCollector reads the collector configuration from environment variables.
func LoadCollector() (*CollectorConfig, error) {
	_ = godotenv.Load()

	cfg := &CollectorConfig{
		SocketPath:  getEnv("ACCESSLOG_SOCKET", DefaultSocketPath),
		AdminAddr:   getEnv("ADMIN_ADDR", DefaultCollectorAdmin),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		AutoMigrate: getEnvBool("AUTO_MIGRATE", true),
		LogLevel:    getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:   getEnv("LOG_FORMAT", DefaultLogFormat),
		MemoryLimit: int(getEnvInt64("MEMORY_LIMIT", DefaultMemoryLimit)),
	}
	if cfg.MemoryLimit <= 0 {
		return nil, fmt.Errorf("MEMORY_LIMIT must be positive")
	}
	return cfg, nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if b := lookupEnvBool(key); b != nil {
		return *b
	}
	return defaultValue
}

// lookupEnvBool distinguishes an unset (or unparsable) variable from false.
func lookupEnvBool(key string) *bool {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return nil
	}
	return &b
}

// Package config loads app-lease configuration from environment variables,
// with an optional YAML overlay file for deployment-managed settings.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all runtime configuration for the coordinator process.
type Config struct {
	// AppName is the logical application name. All redundant deployments
	// of the same application share this name, and therefore contend for
	// the same lease.
	AppName string `yaml:"app_name"`

	// UseAppLease enables lease coordination. When false the partition
	// manager is started unconditionally.
	UseAppLease bool `yaml:"use_app_lease"`

	// UseLegacyPartitionManagement enables the post-swap cooldown for
	// partition layers without their own mutual-exclusion fencing.
	UseLegacyPartitionManagement bool `yaml:"use_legacy_partition_management"`

	// AcquireInterval is the delay between lease acquisition attempts.
	AcquireInterval time.Duration `yaml:"acquire_interval"`

	// RenewInterval is the delay between lease renewals, and the
	// post-swap cooldown in legacy mode.
	RenewInterval time.Duration `yaml:"renew_interval"`

	// LeaseInterval is the duration granted per cold acquisition.
	LeaseInterval time.Duration `yaml:"lease_interval"`

	// MaxTransientRenewFailures bounds consecutive ambiguous renewal
	// errors before ownership is treated as lost. 0 keeps the
	// permanently-optimistic policy.
	MaxTransientRenewFailures int `yaml:"max_transient_renew_failures"`

	// LeaseBackend selects the lease store: "dynamodb" or "valkey".
	LeaseBackend string `yaml:"lease_backend"`

	AWSRegion      string `yaml:"aws_region"`
	LeaseTableName string `yaml:"lease_table_name"`

	ValkeyAddr     string `yaml:"valkey_addr"`
	ValkeyPassword string `yaml:"valkey_password"`
	ValkeyDB       int    `yaml:"valkey_db"`

	// QueueBackend selects the partition work feed: "sqs" or "valkey".
	// Empty disables the reference partition manager's feed.
	QueueBackend string `yaml:"queue_backend"`
	QueueURL     string `yaml:"queue_url"`
	ValkeyStream string `yaml:"valkey_stream"`

	// PartitionWorkers is the number of concurrent work pumps.
	PartitionWorkers int `yaml:"partition_workers"`

	// MetricsBackend selects metrics publishing: "prometheus",
	// "datadog", "cloudwatch", or "multi" for all of them.
	MetricsBackend string `yaml:"metrics_backend"`
	DatadogAddr    string `yaml:"datadog_addr"`

	ListenAddr string `yaml:"listen_addr"`
	LogLevel   string `yaml:"log_level"`
}

// Load builds configuration from environment variables, then applies the
// YAML overlay named by APP_LEASE_CONFIG_FILE when present.
func Load() (*Config, error) {
	cfg := &Config{
		AppName:                      getEnv("APP_LEASE_APP_NAME", ""),
		UseAppLease:                  getEnvBool("APP_LEASE_USE_APP_LEASE", true),
		UseLegacyPartitionManagement: getEnvBool("APP_LEASE_USE_LEGACY_PARTITION_MANAGEMENT", false),
		AcquireInterval:              getEnvDuration("APP_LEASE_ACQUIRE_INTERVAL", 15*time.Second),
		RenewInterval:                getEnvDuration("APP_LEASE_RENEW_INTERVAL", 20*time.Second),
		LeaseInterval:                getEnvDuration("APP_LEASE_LEASE_INTERVAL", 60*time.Second),
		MaxTransientRenewFailures:    getEnvInt("APP_LEASE_MAX_TRANSIENT_RENEW_FAILURES", 0),
		LeaseBackend:                 getEnv("APP_LEASE_LEASE_BACKEND", "dynamodb"),
		AWSRegion:                    getEnv("AWS_REGION", "ap-northeast-1"),
		LeaseTableName:               getEnv("APP_LEASE_LEASE_TABLE", "app-lease-coordination"),
		ValkeyAddr:                   getEnv("APP_LEASE_VALKEY_ADDR", ""),
		ValkeyPassword:               getEnv("APP_LEASE_VALKEY_PASSWORD", ""),
		ValkeyDB:                     getEnvInt("APP_LEASE_VALKEY_DB", 0),
		QueueBackend:                 getEnv("APP_LEASE_QUEUE_BACKEND", ""),
		QueueURL:                     getEnv("APP_LEASE_QUEUE_URL", ""),
		ValkeyStream:                 getEnv("APP_LEASE_VALKEY_STREAM", "app-lease:partitions"),
		PartitionWorkers:             getEnvInt("APP_LEASE_PARTITION_WORKERS", 4),
		MetricsBackend:               getEnv("APP_LEASE_METRICS_BACKEND", "prometheus"),
		DatadogAddr:                  getEnv("APP_LEASE_DATADOG_ADDR", "127.0.0.1:8125"),
		ListenAddr:                   getEnv("APP_LEASE_LISTEN_ADDR", ":8080"),
		LogLevel:                     getEnv("APP_LEASE_LOG_LEVEL", "info"),
	}

	if path := os.Getenv("APP_LEASE_CONFIG_FILE"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// applyFile overlays YAML settings onto the env-derived config.
func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks required settings and interval sanity.
func (c *Config) Validate() error {
	if c.AppName == "" {
		return fmt.Errorf("APP_LEASE_APP_NAME is required")
	}
	if c.AcquireInterval <= 0 {
		return fmt.Errorf("acquire interval must be positive")
	}
	if c.RenewInterval <= 0 {
		return fmt.Errorf("renew interval must be positive")
	}
	if c.LeaseInterval <= c.RenewInterval {
		return fmt.Errorf("lease interval must exceed renew interval")
	}
	switch c.LeaseBackend {
	case "dynamodb":
		if c.LeaseTableName == "" {
			return fmt.Errorf("APP_LEASE_LEASE_TABLE is required for the dynamodb backend")
		}
	case "valkey":
		if c.ValkeyAddr == "" {
			return fmt.Errorf("APP_LEASE_VALKEY_ADDR is required for the valkey backend")
		}
	default:
		return fmt.Errorf("unknown lease backend %q", c.LeaseBackend)
	}
	switch c.QueueBackend {
	case "":
	case "sqs":
		if c.QueueURL == "" {
			return fmt.Errorf("APP_LEASE_QUEUE_URL is required for the sqs backend")
		}
	case "valkey":
		if c.ValkeyAddr == "" {
			return fmt.Errorf("APP_LEASE_VALKEY_ADDR is required for the valkey queue backend")
		}
	default:
		return fmt.Errorf("unknown queue backend %q", c.QueueBackend)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var result int
		if _, err := fmt.Sscanf(value, "%d", &result); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true"
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

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/brojonat/dmtrace/service/sink"
)

// Config holds all application configuration loaded from environment variables.
// All fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Recorder configuration
	BatchFilesPath string
	Shard          int
	BatchSize      int
	LegacyLines    bool

	// Server configuration
	ServerAddr string
	LogLevel   string

	// Database configuration (optional; enables the batch catalog)
	DatabaseURL string

	// NATS configuration (optional; enables batch-ready events)
	NATSURL string

	// Solana configuration
	SolanaRPCURL     string
	SolanaRPCTimeout time.Duration
	SolanaMaxRetries int

	// Temporal configuration (scheduled address tracing)
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string
	TraceInterval     time.Duration
	TraceLimit        int
	MetricsAddr       string
}

// DefaultSolanaRPCURL is used when SOLANA_RPC_URL is unset.
const DefaultSolanaRPCURL = "https://api.mainnet-beta.solana.com"

// Load reads configuration from environment variables and validates it.
// Returns an error listing every invalid value.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	// Recorder configuration
	cfg.BatchFilesPath = getEnvOrDefault("DMLOG_BATCH_FILES_PATH", "/tmp/")

	shard, err := parseInt("DMLOG_SHARD", 0)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.Shard = shard
	}

	batchSize, err := parseInt("DMLOG_BATCH_SIZE", 100)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.BatchSize = batchSize
	}

	legacy, err := parseBool("DMLOG_LEGACY_LINES", false)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.LegacyLines = legacy
	}

	// Server configuration
	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.NATSURL = os.Getenv("NATS_URL")

	// Solana configuration
	cfg.SolanaRPCURL = getEnvOrDefault("SOLANA_RPC_URL", DefaultSolanaRPCURL)

	timeout, err := parseDuration("SOLANA_RPC_TIMEOUT", "30s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.SolanaRPCTimeout = timeout
	}

	retries, err := parseInt("SOLANA_RPC_MAX_RETRIES", 3)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.SolanaMaxRetries = retries
	}

	// Temporal configuration
	cfg.TemporalHost = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "dmtrace-address-tracing")
	cfg.MetricsAddr = getEnvOrDefault("METRICS_ADDR", ":9091")

	interval, err := parseDuration("TRACE_INTERVAL", "1m")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.TraceInterval = interval
	}

	limit, err := parseInt("TRACE_LIMIT", 100)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.TraceLimit = limit
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.BatchFilesPath == "" {
		errs = append(errs, fmt.Errorf("BatchFilesPath is required"))
	}

	if c.Shard < 0 {
		errs = append(errs, fmt.Errorf("Shard cannot be negative"))
	}

	if c.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("BatchSize must be at least 1"))
	}

	if c.SolanaRPCURL == "" {
		errs = append(errs, fmt.Errorf("SolanaRPCURL is required"))
	}

	if c.SolanaRPCTimeout < time.Second {
		errs = append(errs, fmt.Errorf("SolanaRPCTimeout must be at least 1 second"))
	}

	if c.SolanaMaxRetries < 0 {
		errs = append(errs, fmt.Errorf("SolanaMaxRetries cannot be negative"))
	}

	if c.TemporalHost == "" {
		errs = append(errs, fmt.Errorf("TemporalHost is required"))
	}

	if c.TemporalTaskQueue == "" {
		errs = append(errs, fmt.Errorf("TemporalTaskQueue is required"))
	}

	if c.TraceInterval < time.Second {
		errs = append(errs, fmt.Errorf("TraceInterval must be at least 1 second"))
	}

	if c.TraceLimit < 1 || c.TraceLimit > 1000 {
		errs = append(errs, fmt.Errorf("TraceLimit must be between 1 and 1000"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// BatchFilePath is where the batch file for batchNumber is written for this shard.
func (c *Config) BatchFilePath(batchNumber uint64) string {
	return sink.BatchPath(c.BatchFilesPath, c.Shard, batchNumber)
}

// BatchOpener returns the sink opener for this shard's batch files.
func (c *Config) BatchOpener() sink.Opener {
	return sink.FileOpener(filepath.Clean(c.BatchFilesPath), c.Shard)
}

// ExclusiveBatchOpener is like BatchOpener but refuses to replace an existing batch file.
func (c *Config) ExclusiveBatchOpener() sink.Opener {
	return sink.ExclusiveFileOpener(filepath.Clean(c.BatchFilesPath), c.Shard)
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}

// parseBool parses a boolean from an environment variable or uses a default.
// Accepts the strconv forms plus "yes"/"no" and "on"/"off".
func parseBool(key string, defaultValue bool) (bool, error) {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch value {
	case "":
		return defaultValue, nil
	case "yes", "on":
		return true, nil
	case "no", "off":
		return false, nil
	}
	result, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s: invalid boolean %q: %w", key, value, err)
	}
	return result, nil
}

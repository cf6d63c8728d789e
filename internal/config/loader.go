package config

import (
	"fmt"
	"net"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables that override values from the config file. Secrets
// are expected to come from here (or a .env file) rather than from YAML.
const (
	EnvDatabaseDSN    = "GOLUBRELAY_DATABASE_DSN"
	EnvRedisAddr      = "GOLUBRELAY_REDIS_ADDR"
	EnvRedisPassword  = "GOLUBRELAY_REDIS_PASSWORD"
	EnvDKIMPrivateKey = "GOLUBRELAY_DKIM_PRIVATE_KEY"
)

func Load(configPath string) (*Config, error) {
	config := DefaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(config)

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// LoadWithEnv reads a .env file from the working directory, if present,
// before loading the configuration.
func LoadWithEnv(configPath string) (*Config, error) {
	_ = godotenv.Load()
	return Load(configPath)
}

func applyEnv(config *Config) {
	if v := os.Getenv(EnvDatabaseDSN); v != "" {
		config.Database.DSN = v
	}
	if v := os.Getenv(EnvRedisAddr); v != "" {
		config.Redis.Addr = v
	}
	if v := os.Getenv(EnvRedisPassword); v != "" {
		config.Redis.Password = v
	}
	if v := os.Getenv(EnvDKIMPrivateKey); v != "" {
		config.DKIM.PrivateKey = v
	}
}

func validateConfig(config *Config) error {
	if config.Relay.Hostname == "" {
		return fmt.Errorf("relay hostname cannot be empty")
	}

	if config.Relay.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative: %d", config.Relay.MaxRetries)
	}

	if config.Relay.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive: %d", config.Relay.BatchSize)
	}

	if config.Relay.PollInterval <= 0 || config.Relay.Lease <= 0 {
		return fmt.Errorf("poll_interval and lease must be positive")
	}

	if config.Relay.RetryBaseDelay <= 0 || config.Relay.RetryMaxDelay < config.Relay.RetryBaseDelay {
		return fmt.Errorf("invalid retry delays: base %s, max %s", config.Relay.RetryBaseDelay, config.Relay.RetryMaxDelay)
	}

	if config.Transport.Port <= 0 || config.Transport.Port > 65535 {
		return fmt.Errorf("invalid transport port: %d", config.Transport.Port)
	}

	if config.Database.DSN == "" {
		return fmt.Errorf("database dsn cannot be empty")
	}

	if config.Spool.Dir == "" {
		return fmt.Errorf("spool dir cannot be empty")
	}

	for _, ip := range config.SourceAddresses.IPv4 {
		parsed := net.ParseIP(ip)
		if parsed == nil || parsed.To4() == nil {
			return fmt.Errorf("invalid ipv4 source address: %q", ip)
		}
	}
	for _, ip := range config.SourceAddresses.IPv6 {
		parsed := net.ParseIP(ip)
		if parsed == nil || parsed.To4() != nil {
			return fmt.Errorf("invalid ipv6 source address: %q", ip)
		}
	}

	if config.SourceAddresses.Shared && config.Redis.Addr == "" {
		return fmt.Errorf("shared source addresses require redis addr")
	}

	if config.DKIM.Enabled() && config.DKIM.Selector == "" {
		return fmt.Errorf("dkim selector is required when enabling DKIM")
	}

	if config.Queue.BufferSize <= 0 || config.Queue.MaxConsumers <= 0 {
		return fmt.Errorf("queue buffer_size and max_consumers must be positive")
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[config.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", config.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"text": true, "json": true,
	}
	if !validLogFormats[config.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", config.Logging.Format)
	}

	return nil
}

package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from the specified file path.
// It supports YAML files and performs environment variable substitution.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return LoadFromViper(v)
}

// LoadFromViper creates a Config from an existing Viper instance.
// Useful for testing or when Viper is configured externally.
func LoadFromViper(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	for name, store := range cfg.Stores {
		cfg.Stores[name] = store.applyStoreDefaults()
	}

	if err := substituteEnvVars(cfg); err != nil {
		return nil, fmt.Errorf("failed to substitute environment variables: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR_NAME} or $VAR_NAME patterns
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment variable values.
func substituteEnvVars(cfg *Config) error {
	for name, store := range cfg.Stores {
		store.Host = expandEnvVar(store.Host)
		store.User = expandEnvVar(store.User)
		store.Password = expandEnvVar(store.Password)
		store.Database = expandEnvVar(store.Database)
		cfg.Stores[name] = store
	}

	cfg.Erasure.PseudonymSalt = expandEnvVar(cfg.Erasure.PseudonymSalt)
	cfg.Locking.RedisURL = expandEnvVar(cfg.Locking.RedisURL)
	cfg.HTTP.JWTSigningKey = expandEnvVar(cfg.HTTP.JWTSigningKey)
	for i, broker := range cfg.ThirdParty.Kafka.Brokers {
		cfg.ThirdParty.Kafka.Brokers[i] = expandEnvVar(broker)
	}
	cfg.Logging.Output = expandEnvVar(cfg.Logging.Output)

	return nil
}

// expandEnvVar expands environment variables in the format ${VAR} or $VAR.
func expandEnvVar(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		var varName string
		if strings.HasPrefix(match, "${") {
			varName = match[2 : len(match)-1]
		} else {
			varName = match[1:]
		}

		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// Return original if env var not found
		return match
	})
}

// ApplyOverrides applies CLI flag overrides to the configuration.
// Only non-zero/non-empty values are applied.
func (c *Config) ApplyOverrides(logLevel, logFormat string, concurrency, lookbackHours int) {
	if logLevel != "" {
		c.Logging.Level = logLevel
	}
	if logFormat != "" {
		c.Logging.Format = logFormat
	}
	if concurrency > 0 {
		c.Discovery.Concurrency = concurrency
		c.Erasure.ExecutionConcurrency = concurrency
	}
	if lookbackHours > 0 {
		c.Verification.LookbackHours = lookbackHours
	}
}

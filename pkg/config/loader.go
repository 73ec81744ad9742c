package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Env vars that override file values, so secrets stay out of config
// files.
const (
	EnvAPIPassword   = "MAS_API_PASSWORD"
	EnvRedisPassword = "MAS_REDIS_PASSWORD"
	EnvLogLevel      = "MAS_LOG_LEVEL"
)

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads and validates configuration from a YAML file with
// environment variable substitution. An empty path yields the
// defaults.
func Load(path string) (Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}

		// Replace ${VAR} placeholders before parsing.
		dataStr := envVarRegex.ReplaceAllStringFunc(string(data), func(match string) string {
			envVar := match[2 : len(match)-1]
			if value := os.Getenv(envVar); value != "" {
				return value
			}
			return match // Leave unresolved placeholders alone.
		})

		if err := yaml.Unmarshal([]byte(dataStr), &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvAPIPassword); v != "" {
		cfg.HTTP.Password = v
	}
	if v := os.Getenv(EnvRedisPassword); v != "" {
		cfg.Storage.Password = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Log.Level = v
	}
}

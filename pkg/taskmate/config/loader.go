// Package config – loader.go reads the YAML configuration file, loads .env
// files, expands ${VAR} references, and resolves secrets from the OS keyring.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"

	"github.com/joho/godotenv"
	"github.com/zalando/go-keyring"
	"gopkg.in/yaml.v3"
)

const (
	// keyringService is the service name used in the OS keyring.
	keyringService = "taskmate"

	keyringAPIKey       = "api_key"
	keyringClientSecret = "atlassian_client_secret"
	keyringBotToken     = "telegram_token"
)

// envVarPattern matches ${VAR_NAME} and ${VAR_NAME:-default} references.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// Load reads and parses the YAML configuration file at path.
// .env files are loaded first, then ${VAR} references in the YAML are
// expanded, then missing secrets are resolved from the OS keyring.
func Load(path string, logger *slog.Logger) (*Config, error) {
	loadEnvFiles(logger)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	resolveSecrets(cfg, logger)
	return cfg, nil
}

// Parse parses YAML bytes into a Config, overlaying defaults.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

// loadEnvFiles loads .env from the working directory if present.
func loadEnvFiles(logger *slog.Logger) {
	if err := godotenv.Load(); err == nil {
		logger.Debug("loaded .env file")
	}
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} references with values
// from the process environment. Unset variables without a default expand
// to the empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if val, ok := os.LookupEnv(groups[1]); ok {
			return val
		}
		return groups[2]
	})
}

// resolveSecrets fills empty secret fields from the environment and the
// OS keyring. Priority: config value (already env-expanded) → env var →
// OS keyring.
func resolveSecrets(cfg *Config, logger *slog.Logger) {
	resolve := func(current *string, envName, keyringKey string) {
		if *current != "" {
			return
		}
		if val := os.Getenv(envName); val != "" {
			*current = val
			logger.Debug("secret loaded from environment", "var", envName)
			return
		}
		if val := getKeyring(keyringKey); val != "" {
			*current = val
			logger.Debug("secret loaded from OS keyring", "key", keyringKey)
		}
	}

	resolve(&cfg.API.APIKey, "TASKMATE_API_KEY", keyringAPIKey)
	resolve(&cfg.Atlassian.ClientSecret, "ATLASSIAN_CLIENT_SECRET", keyringClientSecret)
	resolve(&cfg.Telegram.Token, "TELEGRAM_BOT_TOKEN", keyringBotToken)
	if cfg.Atlassian.ClientID == "" {
		cfg.Atlassian.ClientID = os.Getenv("ATLASSIAN_CLIENT_ID")
	}
}

// StoreSecret saves a secret to the OS keyring under the taskmate service.
func StoreSecret(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// getKeyring retrieves a secret from the OS keyring.
// Returns empty string if the keyring is unavailable or the key is missing.
func getKeyring(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// Package config loads the gateway configuration: defaults, then an
// optional YAML file, then FORMBRIDGE_* environment variables, then
// validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"formbridge/internal/models"
)

// EnvPrefix prefixes every environment override, e.g. FORMBRIDGE_SERVER_PORT.
const EnvPrefix = "FORMBRIDGE_"

// Load loads configuration from file and environment variables
func Load(configPath string) (*models.Config, error) {
	config := models.NewDefaultConfig()

	if configPath != "" {
		if err := loadFromFile(config, configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := loadFromEnvironment(config); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// deprecatedConfig mirrors keys that earlier releases accepted.
type deprecatedConfig struct {
	Storage struct {
		Path     string `yaml:"path"`
		Database any    `yaml:"database"`
	} `yaml:"storage"`
	Security struct {
		EnableAuth any `yaml:"enable_auth"`
		JWTSecret  any `yaml:"jwt_secret"`
		RateLimit  any `yaml:"rate_limit"`
	} `yaml:"security"`
	Cache any `yaml:"cache"`
}

// warnDeprecatedKeys logs one warning per removed key found in data and
// returns the keys. The main decoder ignores them.
func warnDeprecatedKeys(data []byte) []string {
	var dep deprecatedConfig
	if err := yaml.Unmarshal(data, &dep); err != nil {
		return nil
	}

	var found []string
	warn := func(key, msg string) {
		found = append(found, key)
		slog.Warn(msg, "config_key", key)
	}
	if dep.Storage.Path != "" {
		warn("storage.path", "Config key is no longer supported; set storage.dsn instead.")
	}
	if dep.Storage.Database != nil {
		warn("storage.database", "Config key is no longer supported; set storage.dsn and storage.max_conns instead.")
	}
	if dep.Security.EnableAuth != nil {
		warn("security.enable_auth", "Config key is no longer used; tenant routes always authenticate.")
	}
	if dep.Security.JWTSecret != nil {
		warn("security.jwt_secret", "Config key is no longer used; download tokens are derived from security.signing_secret.")
	}
	if dep.Security.RateLimit != nil {
		warn("security.rate_limit", "Config key has moved to security.edge_rate_limit; quotas are set under limits.")
	}
	if dep.Cache != nil {
		warn("cache", "Config section is no longer supported; rate limit counters are configured under counters.")
	}
	return found
}

func loadFromFile(config *models.Config, filePath string) error {
	data, err := os.ReadFile(filePath)
	if os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s", filePath)
	}
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	warnDeprecatedKeys(data)
	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}
	return nil
}

// loadFromEnvironment applies FORMBRIDGE_* variables over config. Unset
// variables leave the loaded value in place.
func loadFromEnvironment(config *models.Config) error {
	return env.ParseWithOptions(config, env.Options{Prefix: EnvPrefix})
}

// SaveExample writes an example config with placeholder secrets.
func SaveExample(filePath string) error {
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	config := models.NewDefaultConfig()
	config.Security.SigningSecret = "replace-with-at-least-32-random-characters"
	config.Security.APIKeySalt = "replace-with-a-random-salt"
	config.Security.BootstrapKey = "fb_admin_replace-me"
	config.Server.PublicBaseURL = "https://api.example.com"
	config.Server.TLSCertFile = "/path/to/cert.pem"
	config.Server.TLSKeyFile = "/path/to/key.pem"
	config.Updates.Releases = []models.PluginRelease{{
		Version:     "1.0.0",
		RequiresWP:  models.DefaultRequiresWP,
		RequiresPHP: models.DefaultRequiresPHP,
		DownloadURL: "https://downloads.example.com/form-bridge-1.0.0.zip",
	}}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	if err := os.WriteFile(filePath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

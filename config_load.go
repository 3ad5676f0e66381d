package plantchat

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadConfig reads and parses a config file from the given path.
// Supported formats: JSON (.json), YAML (.yaml, .yml).
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file extension %q: use .json, .yaml, or .yml", ext)
	}

	return &cfg, nil
}

// ValidateConfig validates a Config for correctness.
func ValidateConfig(cfg Config) error {
	if cfg.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	u, err := url.Parse(cfg.API.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("api.base_url %q is not an absolute URL", cfg.API.BaseURL)
	}

	for name, ms := range map[string]int{
		"api.catalog_timeout_ms":      cfg.API.CatalogTimeoutMS,
		"api.classify_timeout_ms":     cfg.API.ClassifyTimeoutMS,
		"api.qa_timeout_ms":           cfg.API.QATimeoutMS,
		"api.breaker.open_timeout_ms": cfg.API.Breaker.OpenTimeoutMS,
	} {
		if ms < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}

	// Default to none when the driver is omitted to match runtime behavior.
	switch cfg.Cache.Driver {
	case DriverSQLite, DriverPostgres, DriverMemory, DriverNone, "":
	default:
		return fmt.Errorf("unknown cache driver: %q", cfg.Cache.Driver)
	}
	if cfg.Cache.Driver == DriverPostgres && cfg.Cache.DSN == "" {
		return fmt.Errorf("cache driver postgres requires a dsn")
	}

	for _, cmd := range cfg.Chat.ResetCommands {
		if strings.TrimSpace(cmd) == "" {
			return fmt.Errorf("chat.reset_commands must not contain blank entries")
		}
	}

	return nil
}

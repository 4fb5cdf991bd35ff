package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"blast/internal/model"
)

// Config is the server-level configuration. Defaults seed the settings
// row of accounts that have none yet.
type Config struct {
	Port      string         `yaml:"port"`
	DBDSN     string         `yaml:"db_dsn"`
	LogLevel  string         `yaml:"log_level"`
	LogPretty bool           `yaml:"log_pretty"`
	Defaults  model.Settings `yaml:"defaults"`
}

// Load reads the YAML config at path (missing file is fine, defaults
// apply) and applies PORT / DB_DSN env overrides.
func Load(path string) (Config, error) {
	cfg := Config{
		Port:     "9724",
		DBDSN:    "file:blast.db?_foreign_keys=on",
		LogLevel: "info",
		Defaults: model.DefaultSettings(),
	}
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return cfg, fmt.Errorf("parse %s: %w", path, err)
			}
		case !os.IsNotExist(err):
			return cfg, err
		}
	}
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.DBDSN = v
	}
	if err := cfg.Defaults.Validate(); err != nil {
		return cfg, fmt.Errorf("default settings: %w", err)
	}
	return cfg, nil
}

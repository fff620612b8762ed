// Package config loads the fleet service configuration from a YAML or
// JSON file with optional K_ environment overrides.
package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/kilianp07/dronefleet/core/dispatch"
	"github.com/kilianp07/dronefleet/core/metrics"
	"github.com/kilianp07/dronefleet/core/tracking"
	"github.com/kilianp07/dronefleet/infra/cache"
	"github.com/kilianp07/dronefleet/infra/mqtt"
)

type Config struct {
	Dispatch dispatch.Config `json:"dispatch"`
	Tracking tracking.Config `json:"tracking"`
	MQTT     mqtt.Config     `json:"mqtt"`
	Metrics  metrics.Config  `json:"metrics"`
	Cache    CacheConfig     `json:"cache"`
	Storage  StorageConfig   `json:"storage"`
	Logging  LoggingConfig   `json:"logging"`
}

// CacheConfig selects the tracking cache backend.
type CacheConfig struct {
	// RedisEnabled switches from the in-process cache to Redis.
	RedisEnabled bool         `json:"redis_enabled"`
	Redis        cache.Config `json:"redis"`
}

// StorageConfig locates the persistent stores.
type StorageConfig struct {
	// EventsPath is the SQLite file for the delivery event log. Empty
	// keeps events in memory.
	EventsPath string `json:"events_path"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	// Level is the minimum level: trace, debug, info, warn or error.
	Level string `json:"level"`
}

// SetDefaults applies sane defaults.
func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
}

// Load reads the file at path, applies K_ environment overrides (double
// underscore as the section separator) and validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	ext := strings.ToLower(filepath.Ext(path))
	var parser koanf.Parser
	switch ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return nil, fmt.Errorf("unsupported config format: %s", ext)
	}
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, err
	}
	// Optional environment overrides. The callback maps K_MQTT__BROKER to
	// mqtt.broker, so the provider delimiter must be the dot for the key
	// to land inside the nested section rather than beside it.
	if err := k.Load(env.Provider("K_", ".", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), "k_")
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, err
	}
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	cfg.Dispatch.SetDefaults()
	cfg.Tracking.SetDefaults()
	cfg.MQTT.SetDefaults()
	cfg.Metrics.SetDefaults()
	cfg.Cache.Redis.SetDefaults()
	cfg.Logging.SetDefaults()
	if err := cfg.Dispatch.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Tracking.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

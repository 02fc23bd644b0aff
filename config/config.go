// Package config loads the service configuration from a YAML or JSON file
// with MCPD_ environment overrides.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/nzrlabs/mcpd/core/backend"
	"github.com/nzrlabs/mcpd/core/ratelimit"
	"github.com/nzrlabs/mcpd/infra/mqtt"
)

type Config struct {
	Server       ServerConfig         `json:"server"`
	Models       []backend.Descriptor `json:"models"`
	RateLimit    ratelimit.Config     `json:"rate_limit"`
	ContextStore ContextStoreConfig   `json:"context_store"`
	Metrics      MetricsConfig        `json:"metrics"`
	Events       EventsConfig         `json:"events"`
}

// ServerConfig configures the public HTTP API.
type ServerConfig struct {
	Addr string `json:"addr"`
	// InvokeTimeout bounds a single backend invocation.
	InvokeTimeout time.Duration `json:"invoke_timeout"`
}

func (c *ServerConfig) SetDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.InvokeTimeout <= 0 {
		c.InvokeTimeout = 30 * time.Second
	}
}

// ContextStoreConfig selects and tunes the conversation store.
type ContextStoreConfig struct {
	// Backend selects the store type: "memory" or "sqlite".
	Backend string `json:"backend"`
	// Path is the database location for the sqlite backend.
	Path string `json:"path"`
	// TTL evicts contexts untouched for longer than this duration.
	TTL time.Duration `json:"ttl"`
	// SweepInterval is how often eviction runs.
	SweepInterval time.Duration `json:"sweep_interval"`
}

func (c *ContextStoreConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = "memory"
	}
	if c.Backend == "sqlite" && c.Path == "" {
		c.Path = "contexts.db"
	}
	if c.TTL <= 0 {
		c.TTL = time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Minute
	}
}

// Validate checks mandatory fields.
func (c ContextStoreConfig) Validate() error {
	if c.Backend != "memory" && c.Backend != "sqlite" {
		return fmt.Errorf("unknown context store backend %s", c.Backend)
	}
	if c.Backend == "sqlite" && c.Path == "" {
		return fmt.Errorf("sqlite context store requires a path")
	}
	return nil
}

// MetricsConfig configures the usage sinks.
type MetricsConfig struct {
	PrometheusEnabled bool         `json:"prometheus_enabled"`
	PrometheusAddr    string       `json:"prometheus_addr"`
	Influx            InfluxConfig `json:"influx"`
}

type InfluxConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
	Token   string `json:"token"`
	Org     string `json:"org"`
	Bucket  string `json:"bucket"`
}

func (c *MetricsConfig) SetDefaults() {
	if c.PrometheusAddr == "" {
		c.PrometheusAddr = ":9090"
	}
}

// Validate checks mandatory fields.
func (c MetricsConfig) Validate() error {
	if c.Influx.Enabled && c.Influx.URL == "" {
		return fmt.Errorf("influx sink requires a url")
	}
	return nil
}

// EventsConfig configures the outbound event bridge.
type EventsConfig struct {
	MQTTEnabled bool        `json:"mqtt_enabled"`
	MQTT        mqtt.Config `json:"mqtt"`
}

// Validate checks mandatory fields.
func (c EventsConfig) Validate() error {
	if c.MQTTEnabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt bridge requires a broker")
	}
	return nil
}

// Validate checks the model descriptors for duplicates and missing fields.
func validateModels(models []backend.Descriptor) error {
	seen := make(map[string]struct{}, len(models))
	for _, m := range models {
		if m.Name == "" {
			return fmt.Errorf("model descriptor is missing a name")
		}
		if m.Type == "" {
			return fmt.Errorf("model %q is missing a type", m.Name)
		}
		if _, dup := seen[m.Name]; dup {
			return fmt.Errorf("duplicate model name %q", m.Name)
		}
		seen[m.Name] = struct{}{}
	}
	return nil
}

// Load reads the config file at path, applies MCPD_ environment overrides
// (MCPD_SERVER__ADDR maps to server.addr), fills defaults and validates.
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
	// Optional environment overrides
	if err := k.Load(env.Provider("MCPD_", "__", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), "mcpd_")
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, err
	}
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	cfg.Server.SetDefaults()
	cfg.RateLimit.SetDefaults()
	cfg.ContextStore.SetDefaults()
	cfg.Metrics.SetDefaults()
	if err := cfg.ContextStore.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Metrics.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Events.Validate(); err != nil {
		return nil, err
	}
	if err := validateModels(cfg.Models); err != nil {
		return nil, err
	}
	return &cfg, nil
}

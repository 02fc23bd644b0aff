package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `server:
  addr: ":8181"
  invoke_timeout: "10s"
models:
  - name: "echo"
    type: "mock"
    auto_load: true
    config:
      responses:
        ping: "pong"
  - name: "gpt"
    type: "openai"
    config:
      model: "gpt-4o-mini"
rate_limit:
  per_minute: 30
  per_hour: 500
context_store:
  backend: "sqlite"
  path: "state/contexts.db"
  ttl: "2h"
metrics:
  prometheus_enabled: true
  prometheus_addr: ":9100"
events:
  mqtt_enabled: true
  mqtt:
    broker: "tcp://localhost:1883"
    client_id: "mcpd"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	checks := []struct {
		name string
		got  any
		want any
	}{
		{"server.addr", cfg.Server.Addr, ":8181"},
		{"server.invoke_timeout", cfg.Server.InvokeTimeout, 10 * time.Second},
		{"models", len(cfg.Models), 2},
		{"model.name", cfg.Models[0].Name, "echo"},
		{"model.type", cfg.Models[1].Type, "openai"},
		{"model.auto_load", cfg.Models[0].AutoLoad, true},
		{"rate_limit.per_minute", cfg.RateLimit.PerMinute, 30},
		{"rate_limit.per_hour", cfg.RateLimit.PerHour, 500},
		{"context_store.backend", cfg.ContextStore.Backend, "sqlite"},
		{"context_store.path", cfg.ContextStore.Path, "state/contexts.db"},
		{"context_store.ttl", cfg.ContextStore.TTL, 2 * time.Hour},
		{"context_store.sweep_default", cfg.ContextStore.SweepInterval, 5 * time.Minute},
		{"metrics.prometheus_addr", cfg.Metrics.PrometheusAddr, ":9100"},
		{"events.mqtt.broker", cfg.Events.MQTT.Broker, "tcp://localhost:1883"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s: got %v want %v", c.name, c.got, c.want)
		}
	}
	if resp := cfg.Models[0].Config["responses"]; resp == nil {
		t.Error("nested model config lost")
	}
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `models:
  - name: "echo"
    type: "mock"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("default addr: %s", cfg.Server.Addr)
	}
	if cfg.Server.InvokeTimeout != 30*time.Second {
		t.Errorf("default invoke timeout: %s", cfg.Server.InvokeTimeout)
	}
	if cfg.RateLimit.PerMinute != 60 || cfg.RateLimit.PerHour != 1000 {
		t.Errorf("default rate limits: %+v", cfg.RateLimit)
	}
	if cfg.ContextStore.Backend != "memory" {
		t.Errorf("default store backend: %s", cfg.ContextStore.Backend)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, `server:
  addr: ":8080"
`)
	t.Setenv("MCPD_SERVER__ADDR", ":9999")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	if cfg.Server.Addr != ":9999" {
		t.Errorf("env override ignored: %s", cfg.Server.Addr)
	}
}

func TestLoadRejectsDuplicateModels(t *testing.T) {
	path := writeConfig(t, `models:
  - name: "echo"
    type: "mock"
  - name: "echo"
    type: "mock"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("duplicate model names must be rejected")
	}
}

func TestLoadRejectsUnknownStore(t *testing.T) {
	path := writeConfig(t, `context_store:
  backend: "redis"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("unknown store backend must be rejected")
	}
}

func TestLoadUnsupportedFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("x = 1"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("unsupported format must be rejected")
	}
}

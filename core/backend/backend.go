// Package backend defines the contract every model backend implements.
// Concrete kinds (mock, remote API, locally hosted) live under infra/backend;
// the registry and dispatcher only ever see this interface.
package backend

import (
	"context"
	"time"

	"github.com/nzrlabs/mcpd/core/mcp"
)

// Backend is a pluggable unit of computation. Load must complete before
// Predict is invoked; Unload releases whatever Load acquired. All methods
// honor context cancellation.
type Backend interface {
	Load(ctx context.Context) error
	Predict(ctx context.Context, payload map[string]any, conv *mcp.Context) (map[string]any, error)
	Health(ctx context.Context) Health
	Unload(ctx context.Context) error
}

// Descriptor declares a backend to the registry.
type Descriptor struct {
	Name     string         `json:"name"`
	Type     string         `json:"type"`
	Config   map[string]any `json:"config"`
	AutoLoad bool           `json:"auto_load"`
}

// HealthStatus is the outcome of a health probe.
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
	StatusOffline   HealthStatus = "offline"
)

// Health is a point-in-time health snapshot for a backend.
type Health struct {
	Status       HealthStatus  `json:"status"`
	CheckedAt    time.Time     `json:"checked_at"`
	ResponseTime time.Duration `json:"response_time"`
	Detail       string        `json:"detail,omitempty"`
}

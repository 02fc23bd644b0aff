// Package events defines the lifecycle events published on the internal bus
// while requests move through the dispatcher. Consumers (the MQTT bridge,
// tests) subscribe via the eventbus.
package events

import (
	"time"

	"github.com/nzrlabs/mcpd/core/mcp"
)

// RequestEvent is published when a request enters the dispatcher.
type RequestEvent struct {
	RequestID string    `json:"request_id"`
	ModelName string    `json:"model_name"`
	CallerKey string    `json:"caller_key"`
	Time      time.Time `json:"time"`
}

// ResultEvent is published when a request reaches a terminal state.
type ResultEvent struct {
	RequestID string        `json:"request_id"`
	ContextID string        `json:"context_id,omitempty"`
	ModelName string        `json:"model_name"`
	Success   bool          `json:"success"`
	ErrorKind mcp.Kind      `json:"error_kind,omitempty"`
	Latency   time.Duration `json:"latency"`
	Time      time.Time     `json:"time"`
}

// ModelEvent is published on model lifecycle transitions.
type ModelEvent struct {
	Name   string    `json:"name"`
	Action string    `json:"action"` // "added", "loaded", "removed"
	Error  string    `json:"error,omitempty"`
	Time   time.Time `json:"time"`
}

// Package mcp defines the Model Context Protocol envelope: the request and
// response exchanged with callers and the conversation state threaded
// between independent calls via a context identifier.
package mcp

import (
	"time"

	"github.com/google/uuid"
)

// Request is the inbound MCP envelope. It is immutable once parsed; the
// dispatcher fills RequestID when the caller did not supply one.
type Request struct {
	RequestID string         `json:"request_id,omitempty"`
	ContextID string         `json:"context_id,omitempty"`
	Payload   map[string]any `json:"payload"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Response is the outbound MCP envelope. ContextID is always set on output,
// including on failures where a context was resolved or supplied.
// ExecutionTime covers backend invocation only, in seconds.
type Response struct {
	RequestID     string         `json:"request_id"`
	ContextID     string         `json:"context_id"`
	ModelName     string         `json:"model_name"`
	Result        map[string]any `json:"result,omitempty"`
	ExecutionTime float64        `json:"execution_time"`
	Error         string         `json:"error,omitempty"`
	ErrorKind     Kind           `json:"error_kind,omitempty"`
	// RetryAfter tells the caller when to retry after a rate limit denial,
	// in seconds.
	RetryAfter float64 `json:"retry_after,omitempty"`
}

// Turn records one request/response pair in a conversation.
type Turn struct {
	Input     map[string]any `json:"input"`
	Output    map[string]any `json:"output"`
	Timestamp time.Time      `json:"timestamp"`
	Success   bool           `json:"success"`
}

// Context is the durable state of one conversation. History is append-only;
// ordering is decided by arrival at the store.
type Context struct {
	ID        string    `json:"context_id"`
	History   []Turn    `json:"history"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep enough copy that callers cannot mutate store state.
// Turn payloads are shared; they are treated as immutable once recorded.
func (c *Context) Clone() *Context {
	if c == nil {
		return nil
	}
	cp := *c
	cp.History = append([]Turn(nil), c.History...)
	return &cp
}

// NewRequestID generates a caller-unique request identifier.
func NewRequestID() string { return uuid.NewString() }

// NewContextID generates a context identifier. The uuid space makes
// collisions under concurrent creation negligible.
func NewContextID() string { return uuid.NewString() }

// BatchRequest groups several requests against one model.
type BatchRequest struct {
	BatchID  string    `json:"batch_id,omitempty"`
	Requests []Request `json:"requests"`
	Parallel bool      `json:"parallel"`
}

// BatchResponse carries per-item responses plus summary counts.
type BatchResponse struct {
	BatchID      string     `json:"batch_id"`
	Responses    []Response `json:"responses"`
	TotalTime    float64    `json:"total_execution_time"`
	SuccessCount int        `json:"success_count"`
	ErrorCount   int        `json:"error_count"`
}

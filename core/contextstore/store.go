// Package contextstore owns conversation state. All mutation goes through
// the store so that concurrent requests against the same context observe a
// serialized sequence of appends.
package contextstore

import (
	"context"
	"errors"
	"time"

	"github.com/nzrlabs/mcpd/core/mcp"
)

// ErrNotFound signals the context id is unknown. At the dispatcher level
// this means "new conversation", not a failure.
var ErrNotFound = errors.New("context not found")

// ErrUnavailable signals the backing storage failed. It must never be
// conflated with ErrNotFound: a storage outage does not start a new
// conversation.
var ErrUnavailable = errors.New("context store unavailable")

// Store is the conversation state contract. AppendTurn is linearizable per
// context id: concurrent appends on the same id all survive, ordered by
// arrival at the store.
type Store interface {
	Get(ctx context.Context, id string) (*mcp.Context, error)
	Create(ctx context.Context) (*mcp.Context, error)
	// CreateWithID allocates a context under a caller-chosen id.
	CreateWithID(ctx context.Context, id string) (*mcp.Context, error)
	AppendTurn(ctx context.Context, id string, turn mcp.Turn) (*mcp.Context, error)
	Delete(ctx context.Context, id string) error
	// EvictOlderThan removes contexts untouched for longer than ttl and
	// returns how many were removed.
	EvictOlderThan(ctx context.Context, ttl time.Duration) (int, error)
	Close() error
}

// Stats counts store activity for the admin surface.
type Stats struct {
	Created  int64 `json:"contexts_created"`
	Accessed int64 `json:"contexts_accessed"`
	Evicted  int64 `json:"contexts_evicted"`
	Active   int64 `json:"contexts_active"`
}

// StatsProvider is implemented by stores that track activity counters.
type StatsProvider interface {
	Stats() Stats
}

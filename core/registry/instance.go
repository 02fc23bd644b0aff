package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nzrlabs/mcpd/core/backend"
)

// State is the lifecycle state of a registered model instance.
type State int

const (
	// StateRegistered means the backend is constructed but not loaded.
	StateRegistered State = iota
	// StateLoading means the load sequence is in progress.
	StateLoading
	// StateReady means the instance is eligible for invocation.
	StateReady
	// StateFailed means the last load attempt returned an error.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateRegistered:
		return "registered"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Instance wraps a live backend with its lifecycle state and cached health.
// It is owned by the Registry; all mutation funnels through registry calls.
type Instance struct {
	name     string
	typeName string

	mu       sync.Mutex
	b        backend.Backend
	state    State
	loadErr  error
	health   backend.Health
	healthAt time.Time
}

func newInstance(desc backend.Descriptor, b backend.Backend) *Instance {
	return &Instance{name: desc.Name, typeName: desc.Type, b: b, state: StateRegistered}
}

// Name returns the unique model name.
func (i *Instance) Name() string { return i.name }

// TypeName returns the backend type the instance was built from.
func (i *Instance) TypeName() string { return i.typeName }

// Backend returns the wrapped backend. Callers obtain instances only through
// Resolve, which guarantees the load completed.
func (i *Instance) Backend() backend.Backend { return i.b }

// State returns the current lifecycle state.
func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// LoadError returns the error of the last failed load, if any.
func (i *Instance) LoadError() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.loadErr
}

// load runs the backend load sequence. The instance is marked Loading for
// its duration, so Resolve never observes a half-loaded backend.
func (i *Instance) load(ctx context.Context) error {
	i.mu.Lock()
	switch i.state {
	case StateReady:
		i.mu.Unlock()
		return nil
	case StateLoading:
		i.mu.Unlock()
		return fmt.Errorf("instance %q: load already in progress", i.name)
	}
	i.state = StateLoading
	i.mu.Unlock()

	err := i.b.Load(ctx)

	i.mu.Lock()
	defer i.mu.Unlock()
	if err != nil {
		i.state = StateFailed
		i.loadErr = err
		return err
	}
	i.state = StateReady
	i.loadErr = nil
	return nil
}

func (i *Instance) unload(ctx context.Context) error {
	i.mu.Lock()
	loaded := i.state == StateReady
	i.state = StateRegistered
	i.mu.Unlock()
	if !loaded {
		return nil
	}
	return i.b.Unload(ctx)
}

func (i *Instance) cachedHealth(ttl time.Duration) (backend.Health, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.healthAt.IsZero() || time.Since(i.healthAt) >= ttl {
		return backend.Health{}, false
	}
	return i.health, true
}

func (i *Instance) setHealth(h backend.Health) {
	i.mu.Lock()
	i.health = h
	i.healthAt = time.Now()
	i.mu.Unlock()
}

// InstanceInfo is the externally visible summary of an instance.
type InstanceInfo struct {
	Name       string         `json:"name"`
	Type       string         `json:"type"`
	State      string         `json:"state"`
	LoadError  string         `json:"load_error,omitempty"`
	LastHealth backend.Health `json:"last_health,omitempty"`
}

// Info snapshots the instance for listings.
func (i *Instance) Info() InstanceInfo {
	i.mu.Lock()
	defer i.mu.Unlock()
	info := InstanceInfo{Name: i.name, Type: i.typeName, State: i.state.String()}
	if i.loadErr != nil {
		info.LoadError = i.loadErr.Error()
	}
	if !i.healthAt.IsZero() {
		info.LastHealth = i.health
	}
	return info
}

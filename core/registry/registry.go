// Package registry holds named backend instances and the factories used to
// construct them. It is the dispatcher's sole access point to backends.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nzrlabs/mcpd/core/backend"
	"github.com/nzrlabs/mcpd/core/mcp"
	"github.com/nzrlabs/mcpd/infra/logger"
)

// Factory constructs a backend from its raw configuration map.
type Factory func(conf map[string]any) (backend.Backend, error)

const (
	defaultHealthTTL     = time.Minute
	defaultHealthTimeout = 5 * time.Second
)

// Registry maps type names to factories and model names to live instances.
// Instance state transitions happen under per-instance locks so that a slow
// backend load never blocks Resolve calls for other models.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	instances map[string]*Instance

	healthTTL     time.Duration
	healthTimeout time.Duration
	log           logger.Logger
}

// Option adjusts registry construction.
type Option func(*Registry)

// WithHealthCache overrides the health result cache TTL and probe timeout.
func WithHealthCache(ttl, timeout time.Duration) Option {
	return func(r *Registry) {
		if ttl > 0 {
			r.healthTTL = ttl
		}
		if timeout > 0 {
			r.healthTimeout = timeout
		}
	}
}

// New creates an empty registry.
func New(log logger.Logger, opts ...Option) *Registry {
	if log == nil {
		log = logger.NopLogger{}
	}
	r := &Registry{
		factories:     make(map[string]Factory),
		instances:     make(map[string]*Instance),
		healthTTL:     defaultHealthTTL,
		healthTimeout: defaultHealthTimeout,
		log:           log,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RegisterType associates a type name with a factory. Re-registration under a
// different factory is rejected; use RegisterTypeOverride for deliberate
// replacement.
func (r *Registry) RegisterType(name string, f Factory) error {
	if f == nil {
		return fmt.Errorf("registry: nil factory for type %q", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[name]; ok {
		return fmt.Errorf("registry: type %q already registered", name)
	}
	r.factories[name] = f
	r.log.Infof("registered backend type %q", name)
	return nil
}

// RegisterTypeOverride replaces any existing factory for the type name.
func (r *Registry) RegisterTypeOverride(name string, f Factory) error {
	if f == nil {
		return fmt.Errorf("registry: nil factory for type %q", name)
	}
	r.mu.Lock()
	r.factories[name] = f
	r.mu.Unlock()
	r.log.Warnf("backend type %q overridden", name)
	return nil
}

// Types returns the registered type names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Add constructs a backend from its descriptor and stores it. With AutoLoad
// set the load sequence runs before Add returns; a load failure leaves the
// instance stored in state Failed so operators can distinguish "registered
// but broken" from "never registered".
func (r *Registry) Add(ctx context.Context, desc backend.Descriptor) (*Instance, error) {
	if desc.Name == "" {
		return nil, fmt.Errorf("registry: descriptor name is empty")
	}
	r.mu.Lock()
	if _, ok := r.instances[desc.Name]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("registry: model %q already exists", desc.Name)
	}
	f, ok := r.factories[desc.Type]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("registry: unknown backend type %q (available: %v)", desc.Type, r.typesLocked())
	}
	b, err := f(desc.Config)
	if err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("registry: construct %q: %w", desc.Name, err)
	}
	inst := newInstance(desc, b)
	r.instances[desc.Name] = inst
	r.mu.Unlock()

	r.log.Infof("added model %q of type %q", desc.Name, desc.Type)
	if desc.AutoLoad {
		if err := inst.load(ctx); err != nil {
			r.log.Errorf("auto-load of model %q failed: %v", desc.Name, err)
			return inst, fmt.Errorf("registry: load %q: %w", desc.Name, err)
		}
	}
	return inst, nil
}

func (r *Registry) typesLocked() []string {
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Load runs the load sequence of a registered model that is not yet ready.
func (r *Registry) Load(ctx context.Context, name string) error {
	inst, err := r.instance(name)
	if err != nil {
		return err
	}
	return inst.load(ctx)
}

// Resolve returns the instance for name if and only if its load completed.
// A missing model yields KindModelNotFound; a registered but unloaded or
// failed model yields KindModelNotLoaded.
func (r *Registry) Resolve(name string) (*Instance, error) {
	inst, err := r.instance(name)
	if err != nil {
		return nil, err
	}
	if inst.State() != StateReady {
		return nil, mcp.E(mcp.KindModelNotLoaded, "model %q is not loaded (state %s)", name, inst.State())
	}
	return inst, nil
}

func (r *Registry) instance(name string) (*Instance, error) {
	r.mu.RLock()
	inst, ok := r.instances[name]
	r.mu.RUnlock()
	if !ok {
		return nil, mcp.E(mcp.KindModelNotFound, "model %q not found", name)
	}
	return inst, nil
}

// HealthCheck probes the backend with a bounded timeout, caching the result.
// Concurrent Resolve calls are never held up: the probe runs outside the
// registry lock.
func (r *Registry) HealthCheck(ctx context.Context, name string) (backend.Health, error) {
	inst, err := r.instance(name)
	if err != nil {
		return backend.Health{}, err
	}
	if h, ok := inst.cachedHealth(r.healthTTL); ok {
		return h, nil
	}
	pctx, cancel := context.WithTimeout(ctx, r.healthTimeout)
	defer cancel()
	start := time.Now()
	h := inst.Backend().Health(pctx)
	if h.CheckedAt.IsZero() {
		h.CheckedAt = time.Now()
	}
	if h.ResponseTime == 0 {
		h.ResponseTime = time.Since(start)
	}
	inst.setHealth(h)
	return h, nil
}

// Remove unloads and deregisters the model. In-flight invocations that
// already resolved the instance complete; no new Resolve returns it.
func (r *Registry) Remove(ctx context.Context, name string) error {
	r.mu.Lock()
	inst, ok := r.instances[name]
	if !ok {
		r.mu.Unlock()
		return mcp.E(mcp.KindModelNotFound, "model %q not found", name)
	}
	delete(r.instances, name)
	r.mu.Unlock()

	if err := inst.unload(ctx); err != nil {
		r.log.Errorf("unload of model %q failed: %v", name, err)
		return fmt.Errorf("registry: unload %q: %w", name, err)
	}
	r.log.Infof("removed model %q", name)
	return nil
}

// List returns a snapshot of all instances for the admin surface.
func (r *Registry) List() []InstanceInfo {
	r.mu.RLock()
	infos := make([]InstanceInfo, 0, len(r.instances))
	for _, inst := range r.instances {
		infos = append(infos, inst.Info())
	}
	r.mu.RUnlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Close unloads every instance. Used at shutdown.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	insts := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		insts = append(insts, inst)
	}
	r.instances = make(map[string]*Instance)
	r.mu.Unlock()

	var firstErr error
	for _, inst := range insts {
		if err := inst.unload(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

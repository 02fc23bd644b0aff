// Package app assembles the dispatch engine from configuration: store,
// registry, limiter, recorder, event bridge and HTTP servers.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/nzrlabs/mcpd/api"
	"github.com/nzrlabs/mcpd/config"
	"github.com/nzrlabs/mcpd/core/contextstore"
	"github.com/nzrlabs/mcpd/core/dispatch"
	"github.com/nzrlabs/mcpd/core/events"
	"github.com/nzrlabs/mcpd/core/ratelimit"
	"github.com/nzrlabs/mcpd/core/registry"
	"github.com/nzrlabs/mcpd/core/usage"
	infrabackend "github.com/nzrlabs/mcpd/infra/backend"
	"github.com/nzrlabs/mcpd/infra/logger"
	"github.com/nzrlabs/mcpd/infra/metrics"
	"github.com/nzrlabs/mcpd/infra/mqtt"
	"github.com/nzrlabs/mcpd/infra/sqlitestore"
	"github.com/nzrlabs/mcpd/internal/eventbus"
)

// Service owns the wired components and their lifecycles.
type Service struct {
	Dispatcher *dispatch.Dispatcher
	Registry   *registry.Registry
	Store      contextstore.Store

	cfg      *config.Config
	recorder *usage.Recorder
	limiter  *ratelimit.Limiter
	bus      *eventbus.Bus
	bridge   *mqtt.Bridge
	server   *api.Server
	log      logger.Logger
}

// New creates a Service from the configuration.
func New(cfg *config.Config) (*Service, error) {
	logg := logger.New("service")

	store, err := newStore(cfg.ContextStore)
	if err != nil {
		return nil, fmt.Errorf("context store: %w", err)
	}

	reg := registry.New(logger.New("registry"))
	if err := infrabackend.RegisterBuiltins(reg); err != nil {
		return nil, fmt.Errorf("register backends: %w", err)
	}

	bus := eventbus.New()
	ctx := context.Background()
	for _, desc := range cfg.Models {
		if _, err := reg.Add(ctx, desc); err != nil {
			// A failed auto-load keeps the model registered; startup
			// continues so the rest of the fleet stays usable.
			logg.Warnf("model %q: %v", desc.Name, err)
		}
		bus.Publish(events.ModelEvent{Name: desc.Name, Action: "added", Time: time.Now()})
	}

	var sinks []usage.Sink
	if cfg.Metrics.PrometheusEnabled {
		sink, err := metrics.NewPromSink()
		if err != nil {
			return nil, fmt.Errorf("prom sink: %w", err)
		}
		sinks = append(sinks, sink)
	}
	if cfg.Metrics.Influx.Enabled {
		in := cfg.Metrics.Influx
		sinks = append(sinks, metrics.NewInfluxSinkWithFallback(in.URL, in.Token, in.Org, in.Bucket))
	}
	recorder := usage.NewRecorder(logger.New("usage"), sinks...)

	limiter := ratelimit.New(cfg.RateLimit)

	var bridge *mqtt.Bridge
	if cfg.Events.MQTTEnabled {
		bridge, err = mqtt.NewBridge(cfg.Events.MQTT, bus)
		if err != nil {
			return nil, fmt.Errorf("mqtt bridge: %w", err)
		}
	}

	d, err := dispatch.New(reg, store, limiter, recorder, bus, logger.New("dispatch"), cfg.Server.InvokeTimeout)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: %w", err)
	}

	return &Service{
		Dispatcher: d,
		Registry:   reg,
		Store:      store,
		cfg:        cfg,
		recorder:   recorder,
		limiter:    limiter,
		bus:        bus,
		bridge:     bridge,
		server:     api.NewServer(d, reg, store, recorder, bus, logger.New("api")),
		log:        logg,
	}, nil
}

func newStore(cfg config.ContextStoreConfig) (contextstore.Store, error) {
	switch cfg.Backend {
	case "sqlite":
		return sqlitestore.New(cfg.Path)
	default:
		return contextstore.NewMemoryStore(), nil
	}
}

// Run starts the HTTP servers and background sweepers and blocks until the
// context is cancelled or the API server fails.
func (s *Service) Run(ctx context.Context) error {
	sweeper := contextstore.NewSweeper(s.Store, s.cfg.ContextStore.TTL, s.cfg.ContextStore.SweepInterval, logger.New("sweeper"))
	go sweeper.Run(ctx)
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.limiter.Sweep()
			}
		}
	}()
	if s.cfg.Metrics.PrometheusEnabled {
		go func() {
			if err := metrics.StartPromServer(ctx, s.cfg.Metrics.PrometheusAddr, s.log); err != nil {
				s.log.Errorf("prom server: %v", err)
			}
		}()
	}

	srv := &http.Server{Addr: s.cfg.Server.Addr, Handler: s.server.Routes()}
	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("listening on %s", s.cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Close releases resources held by the service.
func (s *Service) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if s.bridge != nil {
		s.bridge.Close()
	}
	s.bus.Close()
	s.recorder.Close()
	err := s.Registry.Close(ctx)
	if cerr := s.Store.Close(); err == nil {
		err = cerr
	}
	return err
}

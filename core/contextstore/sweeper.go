package contextstore

import (
	"context"
	"time"

	"github.com/nzrlabs/mcpd/infra/logger"
)

// Sweeper periodically evicts contexts untouched past the TTL. It runs
// independently of request handling; reads and writes proceed while a sweep
// is in progress.
type Sweeper struct {
	store    Store
	ttl      time.Duration
	interval time.Duration
	log      logger.Logger
}

// NewSweeper creates a sweeper. A zero interval defaults to five minutes.
func NewSweeper(store Store, ttl, interval time.Duration, log logger.Logger) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if log == nil {
		log = logger.NopLogger{}
	}
	return &Sweeper{store: store, ttl: ttl, interval: interval, log: log}
}

// Run blocks until the context is canceled, sweeping on every tick.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n, err := s.store.EvictOlderThan(ctx, s.ttl)
			if err != nil {
				s.log.Errorf("context eviction sweep failed: %v", err)
				continue
			}
			if n > 0 {
				s.log.Infof("evicted %d expired contexts", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

package contextstore

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nzrlabs/mcpd/core/mcp"
)

// MemoryStore is a volatile Store keeping contexts in a process-local map.
// Returned contexts are clones so callers never mutate shared state.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]*mcp.Context

	created  atomic.Int64
	accessed atomic.Int64
	evicted  atomic.Int64

	now func() time.Time
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]*mcp.Context), now: time.Now}
}

func (s *MemoryStore) Get(_ context.Context, id string) (*mcp.Context, error) {
	s.mu.RLock()
	c, ok := s.data[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	s.accessed.Add(1)
	return c.Clone(), nil
}

func (s *MemoryStore) Create(ctx context.Context) (*mcp.Context, error) {
	return s.CreateWithID(ctx, mcp.NewContextID())
}

func (s *MemoryStore) CreateWithID(_ context.Context, id string) (*mcp.Context, error) {
	now := s.now()
	c := &mcp.Context{ID: id, CreatedAt: now, UpdatedAt: now}
	s.mu.Lock()
	if existing, ok := s.data[id]; ok {
		s.mu.Unlock()
		return existing.Clone(), nil
	}
	s.data[id] = c
	s.mu.Unlock()
	s.created.Add(1)
	return c.Clone(), nil
}

// AppendTurn appends under the store lock, which linearizes appends per id:
// both of two concurrent turns survive, in arrival order.
func (s *MemoryStore) AppendTurn(_ context.Context, id string, turn mcp.Turn) (*mcp.Context, error) {
	s.mu.Lock()
	c, ok := s.data[id]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	c.History = append(c.History, turn)
	c.UpdatedAt = s.now()
	out := c.Clone()
	s.mu.Unlock()
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[id]; !ok {
		return ErrNotFound
	}
	delete(s.data, id)
	return nil
}

func (s *MemoryStore) EvictOlderThan(_ context.Context, ttl time.Duration) (int, error) {
	cutoff := s.now().Add(-ttl)
	s.mu.Lock()
	var n int
	for id, c := range s.data {
		if c.UpdatedAt.Before(cutoff) {
			delete(s.data, id)
			n++
		}
	}
	s.mu.Unlock()
	s.evicted.Add(int64(n))
	return n, nil
}

func (s *MemoryStore) Close() error { return nil }

// Stats returns activity counters.
func (s *MemoryStore) Stats() Stats {
	s.mu.RLock()
	active := int64(len(s.data))
	s.mu.RUnlock()
	return Stats{
		Created:  s.created.Load(),
		Accessed: s.accessed.Load(),
		Evicted:  s.evicted.Load(),
		Active:   active,
	}
}

package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nzrlabs/mcpd/core/contextstore"
	"github.com/nzrlabs/mcpd/core/mcp"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "contexts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateAndGet(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	conv, err := s.Create(ctx)
	require.NoError(t, err)
	got, err := s.Get(ctx, conv.ID)
	require.NoError(t, err)
	require.Equal(t, conv.ID, got.ID)
	require.Empty(t, got.History)
}

func TestGetUnknown(t *testing.T) {
	s := newStore(t)
	_, err := s.Get(context.Background(), "missing")
	require.ErrorIs(t, err, contextstore.ErrNotFound)
}

func TestCreateWithIDIdempotent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	first, err := s.CreateWithID(ctx, "conv-1")
	require.NoError(t, err)
	_, err = s.AppendTurn(ctx, "conv-1", mcp.Turn{
		Input:     map[string]any{"prompt": "hi"},
		Output:    map[string]any{"text": "hello"},
		Timestamp: time.Now(),
		Success:   true,
	})
	require.NoError(t, err)

	again, err := s.CreateWithID(ctx, "conv-1")
	require.NoError(t, err)
	require.Equal(t, first.ID, again.ID)
	require.Len(t, again.History, 1, "re-create must not reset the context")
}

func TestAppendTurnRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	conv, err := s.Create(ctx)
	require.NoError(t, err)
	turn := mcp.Turn{
		Input:     map[string]any{"prompt": "what time is it", "n": float64(3)},
		Output:    map[string]any{"text": "late", "nested": map[string]any{"a": true}},
		Timestamp: time.Now(),
		Success:   true,
	}
	got, err := s.AppendTurn(ctx, conv.ID, turn)
	require.NoError(t, err)
	require.Len(t, got.History, 1)
	h := got.History[0]
	require.Equal(t, "what time is it", h.Input["prompt"])
	require.Equal(t, float64(3), h.Input["n"])
	require.Equal(t, map[string]any{"a": true}, h.Output["nested"])
	require.True(t, h.Success)
}

func TestAppendTurnUnknownContext(t *testing.T) {
	s := newStore(t)
	_, err := s.AppendTurn(context.Background(), "missing", mcp.Turn{
		Input:  map[string]any{},
		Output: map[string]any{},
	})
	require.ErrorIs(t, err, contextstore.ErrNotFound)
}

func TestAppendOrdering(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	conv, err := s.Create(ctx)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		_, err := s.AppendTurn(ctx, conv.ID, mcp.Turn{
			Input:     map[string]any{"i": float64(i)},
			Output:    map[string]any{},
			Timestamp: time.Now(),
			Success:   true,
		})
		require.NoError(t, err)
	}
	got, err := s.Get(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, got.History, 20)
	for i, turn := range got.History {
		require.Equal(t, float64(i), turn.Input["i"], "turn %d out of order", i)
	}
}

func TestDelete(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	conv, err := s.Create(ctx)
	require.NoError(t, err)
	_, err = s.AppendTurn(ctx, conv.ID, mcp.Turn{
		Input:     map[string]any{"prompt": "hi"},
		Output:    map[string]any{"text": "hello"},
		Timestamp: time.Now(),
		Success:   true,
	})
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, conv.ID))
	_, err = s.Get(ctx, conv.ID)
	require.ErrorIs(t, err, contextstore.ErrNotFound)
	require.ErrorIs(t, s.Delete(ctx, conv.ID), contextstore.ErrNotFound)

	var orphans int
	require.NoError(t, s.db.QueryRow(
		`SELECT COUNT(1) FROM turns WHERE context_id = ?`, conv.ID).Scan(&orphans))
	require.Zero(t, orphans, "turn rows left behind after delete")
}

func TestEvictOlderThan(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	base := time.Now()
	s.now = func() time.Time { return base.Add(-2 * time.Hour) }
	stale, err := s.Create(ctx)
	require.NoError(t, err)
	s.now = func() time.Time { return base }
	fresh, err := s.Create(ctx)
	require.NoError(t, err)

	n, err := s.EvictOlderThan(ctx, time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	_, err = s.Get(ctx, stale.ID)
	require.ErrorIs(t, err, contextstore.ErrNotFound)
	_, err = s.Get(ctx, fresh.ID)
	require.NoError(t, err)
}

func TestSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "contexts.db")
	ctx := context.Background()

	s, err := New(path)
	require.NoError(t, err)
	conv, err := s.CreateWithID(ctx, "persisted")
	require.NoError(t, err)
	_, err = s.AppendTurn(ctx, conv.ID, mcp.Turn{
		Input:     map[string]any{"prompt": "hi"},
		Output:    map[string]any{"text": "hello"},
		Timestamp: time.Now(),
		Success:   true,
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := New(path)
	require.NoError(t, err)
	defer func() { _ = s2.Close() }()
	got, err := s2.Get(ctx, "persisted")
	require.NoError(t, err)
	require.Len(t, got.History, 1)
	require.Equal(t, "hello", got.History[0].Output["text"])
}

func TestStats(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	conv, err := s.Create(ctx)
	require.NoError(t, err)
	_, err = s.Get(ctx, conv.ID)
	require.NoError(t, err)

	st := s.Stats()
	require.Equal(t, int64(1), st.Created)
	require.Equal(t, int64(1), st.Accessed)
	require.Equal(t, int64(1), st.Active)
}

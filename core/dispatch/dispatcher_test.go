package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/nzrlabs/mcpd/core/backend"
	"github.com/nzrlabs/mcpd/core/contextstore"
	"github.com/nzrlabs/mcpd/core/mcp"
	"github.com/nzrlabs/mcpd/core/ratelimit"
	"github.com/nzrlabs/mcpd/core/registry"
	"github.com/nzrlabs/mcpd/core/usage"
	"github.com/nzrlabs/mcpd/infra/logger"
)

type echoBackend struct {
	delay time.Duration
	err   error
}

func (b *echoBackend) Load(context.Context) error { return nil }

func (b *echoBackend) Predict(ctx context.Context, payload map[string]any, conv *mcp.Context) (map[string]any, error) {
	if b.delay > 0 {
		select {
		case <-time.After(b.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if b.err != nil {
		return nil, b.err
	}
	return map[string]any{"echo": payload["prompt"], "turns_seen": len(conv.History)}, nil
}

func (b *echoBackend) Health(context.Context) backend.Health {
	return backend.Health{Status: backend.StatusHealthy, CheckedAt: time.Now()}
}

func (b *echoBackend) Unload(context.Context) error { return nil }

func newTestDispatcher(t *testing.T, b backend.Backend, store contextstore.Store, cfg ratelimit.Config, timeout time.Duration) (*Dispatcher, *usage.Recorder) {
	t.Helper()
	reg := registry.New(logger.NopLogger{})
	if err := reg.RegisterType("stub", func(map[string]any) (backend.Backend, error) { return b, nil }); err != nil {
		t.Fatalf("register type: %v", err)
	}
	if _, err := reg.Add(context.Background(), backend.Descriptor{Name: "echo", Type: "stub", AutoLoad: true}); err != nil {
		t.Fatalf("add backend: %v", err)
	}
	rec := usage.NewRecorder(logger.NopLogger{})
	t.Cleanup(rec.Close)
	d, err := New(reg, store, ratelimit.New(cfg), rec, nil, logger.NopLogger{}, timeout)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	return d, rec
}

func TestDispatchCreatesContext(t *testing.T) {
	store := contextstore.NewMemoryStore()
	d, _ := newTestDispatcher(t, &echoBackend{}, store, ratelimit.Config{}, time.Second)

	resp := d.Dispatch(context.Background(), "caller", "echo", mcp.Request{Payload: map[string]any{"prompt": "hi"}})
	if resp.Error != "" {
		t.Fatalf("unexpected error: %s", resp.Error)
	}
	if resp.ContextID == "" {
		t.Fatal("expected a generated context id")
	}
	conv, err := store.Get(context.Background(), resp.ContextID)
	if err != nil {
		t.Fatalf("get context: %v", err)
	}
	if len(conv.History) != 1 {
		t.Fatalf("expected 1 turn, got %d", len(conv.History))
	}
	if !conv.History[0].Success {
		t.Fatal("turn should be marked successful")
	}
}

func TestDispatchReusesContext(t *testing.T) {
	store := contextstore.NewMemoryStore()
	d, _ := newTestDispatcher(t, &echoBackend{}, store, ratelimit.Config{}, time.Second)

	first := d.Dispatch(context.Background(), "caller", "echo", mcp.Request{Payload: map[string]any{"prompt": "one"}})
	second := d.Dispatch(context.Background(), "caller", "echo", mcp.Request{
		ContextID: first.ContextID,
		Payload:   map[string]any{"prompt": "two"},
	})
	if second.Error != "" {
		t.Fatalf("unexpected error: %s", second.Error)
	}
	if second.ContextID != first.ContextID {
		t.Fatalf("context id changed: %s vs %s", first.ContextID, second.ContextID)
	}
	conv, err := store.Get(context.Background(), first.ContextID)
	if err != nil {
		t.Fatalf("get context: %v", err)
	}
	if len(conv.History) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(conv.History))
	}
	// The second invocation must have seen the first turn.
	if got := second.Result["turns_seen"]; got != 1 {
		t.Fatalf("expected backend to see 1 prior turn, got %v", got)
	}
}

func TestDispatchUnknownContextIDAdopted(t *testing.T) {
	store := contextstore.NewMemoryStore()
	d, _ := newTestDispatcher(t, &echoBackend{}, store, ratelimit.Config{}, time.Second)

	resp := d.Dispatch(context.Background(), "caller", "echo", mcp.Request{
		ContextID: "client-chosen",
		Payload:   map[string]any{"prompt": "hi"},
	})
	if resp.Error != "" {
		t.Fatalf("unexpected error: %s", resp.Error)
	}
	if resp.ContextID != "client-chosen" {
		t.Fatalf("expected caller-supplied id to be kept, got %s", resp.ContextID)
	}
	if _, err := store.Get(context.Background(), "client-chosen"); err != nil {
		t.Fatalf("context should exist under the supplied id: %v", err)
	}
}

func TestDispatchModelNotFound(t *testing.T) {
	d, rec := newTestDispatcher(t, &echoBackend{}, contextstore.NewMemoryStore(), ratelimit.Config{}, time.Second)

	resp := d.Dispatch(context.Background(), "caller", "nope", mcp.Request{Payload: map[string]any{"prompt": "hi"}})
	if resp.Error == "" {
		t.Fatal("expected an error for unknown model")
	}
	snap := rec.Snapshot()
	if snap.Failures != 1 {
		t.Fatalf("expected 1 recorded failure, got %d", snap.Failures)
	}
	if snap.ByErrorKind[string(mcp.KindModelNotFound)] != 1 {
		t.Fatalf("expected model_not_found failure kind, got %v", snap.ByErrorKind)
	}
}

func TestDispatchModelNotLoaded(t *testing.T) {
	reg := registry.New(logger.NopLogger{})
	if err := reg.RegisterType("stub", func(map[string]any) (backend.Backend, error) { return &echoBackend{}, nil }); err != nil {
		t.Fatalf("register type: %v", err)
	}
	if _, err := reg.Add(context.Background(), backend.Descriptor{Name: "cold", Type: "stub"}); err != nil {
		t.Fatalf("add backend: %v", err)
	}
	rec := usage.NewRecorder(logger.NopLogger{})
	t.Cleanup(rec.Close)
	d, err := New(reg, contextstore.NewMemoryStore(), ratelimit.New(ratelimit.Config{}), rec, nil, logger.NopLogger{}, time.Second)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	resp := d.Dispatch(context.Background(), "caller", "cold", mcp.Request{Payload: map[string]any{"prompt": "hi"}})
	if !strings.Contains(resp.Error, "not loaded") {
		t.Fatalf("expected a not-loaded error, got %q", resp.Error)
	}
}

func TestDispatchTimeout(t *testing.T) {
	store := contextstore.NewMemoryStore()
	d, rec := newTestDispatcher(t, &echoBackend{delay: 500 * time.Millisecond}, store, ratelimit.Config{}, 50*time.Millisecond)

	resp := d.Dispatch(context.Background(), "caller", "echo", mcp.Request{Payload: map[string]any{"prompt": "slow"}})
	if resp.Error == "" {
		t.Fatal("expected a timeout error")
	}
	if resp.ContextID == "" {
		t.Fatal("envelope should still carry the context id")
	}
	// The failed invocation must not leave a turn behind.
	conv, err := store.Get(context.Background(), resp.ContextID)
	if err != nil {
		t.Fatalf("get context: %v", err)
	}
	if len(conv.History) != 0 {
		t.Fatalf("timed-out request appended %d turns", len(conv.History))
	}
	snap := rec.Snapshot()
	if snap.ByErrorKind[string(mcp.KindTimeout)] != 1 {
		t.Fatalf("expected a recorded timeout, got %v", snap.ByErrorKind)
	}
}

func TestDispatchRateLimited(t *testing.T) {
	d, rec := newTestDispatcher(t, &echoBackend{}, contextstore.NewMemoryStore(),
		ratelimit.Config{PerMinute: 2, PerHour: 100}, time.Second)

	for i := 0; i < 2; i++ {
		if resp := d.Dispatch(context.Background(), "busy", "echo", mcp.Request{Payload: map[string]any{"prompt": "hi"}}); resp.Error != "" {
			t.Fatalf("request %d unexpectedly denied: %s", i, resp.Error)
		}
	}
	resp := d.Dispatch(context.Background(), "busy", "echo", mcp.Request{Payload: map[string]any{"prompt": "hi"}})
	if !strings.Contains(resp.Error, "rate limit") {
		t.Fatalf("expected rate limit denial, got %q", resp.Error)
	}
	snap := rec.Snapshot()
	if snap.ByErrorKind[string(mcp.KindRateLimit)] != 1 {
		t.Fatalf("denial should be recorded as usage, got %v", snap.ByErrorKind)
	}
}

type brokenStore struct{ contextstore.Store }

func (brokenStore) Get(context.Context, string) (*mcp.Context, error) {
	return nil, fmt.Errorf("dial storage: %w", contextstore.ErrUnavailable)
}

func (brokenStore) Create(context.Context) (*mcp.Context, error) {
	return nil, fmt.Errorf("dial storage: %w", contextstore.ErrUnavailable)
}

func TestDispatchStoreUnavailable(t *testing.T) {
	d, rec := newTestDispatcher(t, &echoBackend{}, brokenStore{}, ratelimit.Config{}, time.Second)

	resp := d.Dispatch(context.Background(), "caller", "echo", mcp.Request{
		ContextID: "existing",
		Payload:   map[string]any{"prompt": "hi"},
	})
	if resp.Error == "" {
		t.Fatal("expected a store error")
	}
	snap := rec.Snapshot()
	if snap.ByErrorKind[string(mcp.KindStoreUnavailable)] != 1 {
		t.Fatalf("outage must not look like a fresh conversation, got %v", snap.ByErrorKind)
	}
}

func TestDispatchBackendFailureRecorded(t *testing.T) {
	store := contextstore.NewMemoryStore()
	d, rec := newTestDispatcher(t, &echoBackend{err: errors.New("boom")}, store, ratelimit.Config{}, time.Second)

	resp := d.Dispatch(context.Background(), "caller", "echo", mcp.Request{Payload: map[string]any{"prompt": "hi"}})
	if !strings.Contains(resp.Error, "boom") {
		t.Fatalf("expected backend error to surface, got %q", resp.Error)
	}
	snap := rec.Snapshot()
	if snap.ByErrorKind[string(mcp.KindInternalModel)] != 1 {
		t.Fatalf("expected internal_model failure, got %v", snap.ByErrorKind)
	}
	conv, err := store.Get(context.Background(), resp.ContextID)
	if err != nil {
		t.Fatalf("get context: %v", err)
	}
	if len(conv.History) != 0 {
		t.Fatalf("failed invocation appended %d turns", len(conv.History))
	}
}

func TestDispatchValidation(t *testing.T) {
	d, _ := newTestDispatcher(t, &echoBackend{}, contextstore.NewMemoryStore(), ratelimit.Config{}, time.Second)

	if resp := d.Dispatch(context.Background(), "caller", "", mcp.Request{Payload: map[string]any{}}); resp.Error == "" {
		t.Fatal("empty model name must be rejected")
	}
	if resp := d.Dispatch(context.Background(), "caller", "echo", mcp.Request{}); resp.Error == "" {
		t.Fatal("missing payload must be rejected")
	}
}

func TestDispatchBatch(t *testing.T) {
	store := contextstore.NewMemoryStore()
	d, _ := newTestDispatcher(t, &echoBackend{}, store, ratelimit.Config{}, time.Second)

	batch := mcp.BatchRequest{Parallel: true}
	for i := 0; i < 5; i++ {
		batch.Requests = append(batch.Requests, mcp.Request{Payload: map[string]any{"prompt": fmt.Sprintf("p%d", i)}})
	}
	out := d.DispatchBatch(context.Background(), "caller", "echo", batch)
	if out.BatchID == "" {
		t.Fatal("expected a generated batch id")
	}
	if out.SuccessCount != 5 || out.ErrorCount != 0 {
		t.Fatalf("expected 5 successes, got %d/%d", out.SuccessCount, out.ErrorCount)
	}
	for i, resp := range out.Responses {
		if want := fmt.Sprintf("p%d", i); resp.Result["echo"] != want {
			t.Fatalf("response %d out of order: got %v want %s", i, resp.Result["echo"], want)
		}
	}
}

package backend

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/nzrlabs/mcpd/core/backend"
	"github.com/nzrlabs/mcpd/core/mcp"
)

func TestMockPredictBeforeLoad(t *testing.T) {
	b, err := NewMock(nil)
	if err != nil {
		t.Fatalf("new mock: %v", err)
	}
	if _, err := b.Predict(context.Background(), map[string]any{"prompt": "hi"}, &mcp.Context{}); err == nil {
		t.Fatal("predict before load should fail")
	}
}

func TestMockEchoAndCanned(t *testing.T) {
	b, err := NewMock(map[string]any{
		"responses": map[string]string{"ping": "pong"},
	})
	if err != nil {
		t.Fatalf("new mock: %v", err)
	}
	if err := b.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}

	out, err := b.Predict(context.Background(), map[string]any{"prompt": "ping"}, &mcp.Context{})
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if out["text"] != "pong" {
		t.Fatalf("canned response not used: %v", out["text"])
	}

	out, err = b.Predict(context.Background(), map[string]any{"prompt": "other"}, &mcp.Context{})
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if out["text"] != "echo: other" {
		t.Fatalf("expected echo, got %v", out["text"])
	}
	if out["call"] != int64(2) {
		t.Fatalf("expected call counter 2, got %v", out["call"])
	}
}

func TestMockEchoesPayloadWithoutPrompt(t *testing.T) {
	b, err := NewMock(nil)
	if err != nil {
		t.Fatalf("new mock: %v", err)
	}
	if err := b.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	out, err := b.Predict(context.Background(), map[string]any{"message": "hi"}, &mcp.Context{})
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	text, _ := out["text"].(string)
	if !strings.Contains(text, "hi") {
		t.Fatalf("payload content lost in echo: %q", text)
	}
}

func TestMockDelayRespectsContext(t *testing.T) {
	b, err := NewMock(map[string]any{"delay": "1s"})
	if err != nil {
		t.Fatalf("new mock: %v", err)
	}
	if err := b.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := b.Predict(ctx, map[string]any{"prompt": "slow"}, &mcp.Context{}); err == nil {
		t.Fatal("expected context deadline error")
	}
}

func TestMockHealthReflectsLoad(t *testing.T) {
	b, _ := NewMock(nil)
	if h := b.Health(context.Background()); h.Status != backend.StatusOffline {
		t.Fatalf("unloaded mock should be offline, got %s", h.Status)
	}
	if err := b.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	if h := b.Health(context.Background()); h.Status != backend.StatusHealthy {
		t.Fatalf("loaded mock should be healthy, got %s", h.Status)
	}
	if err := b.Unload(context.Background()); err != nil {
		t.Fatalf("unload: %v", err)
	}
	if h := b.Health(context.Background()); h.Status != backend.StatusOffline {
		t.Fatalf("unloaded mock should be offline again, got %s", h.Status)
	}
}

func TestMockFailLoad(t *testing.T) {
	b, err := NewMock(map[string]any{"fail_load": true})
	if err != nil {
		t.Fatalf("new mock: %v", err)
	}
	if err := b.Load(context.Background()); err == nil {
		t.Fatal("expected load failure")
	}
}

package backend

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nzrlabs/mcpd/core/backend"
	"github.com/nzrlabs/mcpd/core/mcp"
)

// MockConfig configures the mock backend. Responses maps a prompt to a
// canned reply; prompts without a canned reply are echoed back, and
// payloads without a prompt key are echoed whole.
type MockConfig struct {
	Responses map[string]string `mapstructure:"responses"`
	Delay     time.Duration     `mapstructure:"delay"`
	FailLoad  bool              `mapstructure:"fail_load"`
}

// Mock is a deterministic in-process backend used in tests and local
// development. It keeps a call counter so responses are traceable.
type Mock struct {
	cfg    MockConfig
	loaded atomic.Bool
	calls  atomic.Int64
}

// NewMock builds a mock backend from a raw descriptor config.
func NewMock(conf map[string]any) (backend.Backend, error) {
	var cfg MockConfig
	if err := decodeConfig(conf, &cfg); err != nil {
		return nil, fmt.Errorf("mock backend config: %w", err)
	}
	return &Mock{cfg: cfg}, nil
}

func (m *Mock) Load(context.Context) error {
	if m.cfg.FailLoad {
		return fmt.Errorf("mock backend configured to fail load")
	}
	m.loaded.Store(true)
	return nil
}

func (m *Mock) Predict(ctx context.Context, payload map[string]any, conv *mcp.Context) (map[string]any, error) {
	if !m.loaded.Load() {
		return nil, fmt.Errorf("mock backend is not loaded")
	}
	if m.cfg.Delay > 0 {
		select {
		case <-time.After(m.cfg.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	prompt, hasPrompt := payload["prompt"].(string)
	text, canned := m.cfg.Responses[prompt]
	if !canned {
		if hasPrompt {
			text = fmt.Sprintf("echo: %s", prompt)
		} else {
			// No prompt key; echo the whole payload so nothing is lost.
			text = fmt.Sprintf("echo: %v", payload)
		}
	}
	call := m.calls.Add(1)
	return map[string]any{
		"text":       text,
		"call":       call,
		"turns_seen": len(conv.History),
	}, nil
}

func (m *Mock) Health(context.Context) backend.Health {
	h := backend.Health{CheckedAt: time.Now(), Status: backend.StatusHealthy}
	if !m.loaded.Load() {
		h.Status = backend.StatusOffline
		h.Detail = "not loaded"
	}
	return h
}

func (m *Mock) Unload(context.Context) error {
	m.loaded.Store(false)
	return nil
}

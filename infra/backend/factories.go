// Package backend provides the concrete model backends: a deterministic
// mock for tests and local runs, and remote adapters for the OpenAI and
// Anthropic APIs.
package backend

import (
	"github.com/nzrlabs/mcpd/core/registry"
)

// Type names accepted in model descriptors.
const (
	TypeMock      = "mock"
	TypeOpenAI    = "openai"
	TypeAnthropic = "anthropic"
)

// RegisterBuiltins registers every built-in backend factory on the registry.
func RegisterBuiltins(reg *registry.Registry) error {
	factories := map[string]registry.Factory{
		TypeMock:      NewMock,
		TypeOpenAI:    NewOpenAI,
		TypeAnthropic: NewAnthropic,
	}
	for name, f := range factories {
		if err := reg.RegisterType(name, f); err != nil {
			return err
		}
	}
	return nil
}

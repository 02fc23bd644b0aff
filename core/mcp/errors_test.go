package mcp

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestKindOfClassified(t *testing.T) {
	err := E(KindModelNotFound, "model %q not found", "gpt")
	if KindOf(err) != KindModelNotFound {
		t.Fatalf("kind mismatch: %v", KindOf(err))
	}
	wrapped := fmt.Errorf("dispatch: %w", err)
	if KindOf(wrapped) != KindModelNotFound {
		t.Fatalf("kind lost through wrapping")
	}
}

func TestKindOfUnclassified(t *testing.T) {
	if KindOf(errors.New("boom")) != KindInternalModel {
		t.Fatalf("unclassified errors must map to internal_model")
	}
}

func TestRetryAfterOf(t *testing.T) {
	err := &Error{Kind: KindRateLimit, Msg: "ceiling", RetryAfter: 12 * time.Second}
	if RetryAfterOf(err) != 12*time.Second {
		t.Fatalf("retry hint lost")
	}
	if RetryAfterOf(errors.New("boom")) != 0 {
		t.Fatalf("expected zero hint")
	}
}

func TestKindHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		KindValidation:       http.StatusUnprocessableEntity,
		KindRateLimit:        http.StatusTooManyRequests,
		KindModelNotFound:    http.StatusNotFound,
		KindModelNotLoaded:   http.StatusConflict,
		KindStoreUnavailable: http.StatusServiceUnavailable,
		KindTimeout:          http.StatusGatewayTimeout,
		KindInternalModel:    http.StatusInternalServerError,
	}
	for k, want := range cases {
		if got := k.HTTPStatus(); got != want {
			t.Fatalf("%s: got %d want %d", k, got, want)
		}
	}
}

func TestContextClone(t *testing.T) {
	c := &Context{ID: "ctx", History: []Turn{{Success: true}}}
	cp := c.Clone()
	cp.History = append(cp.History, Turn{})
	if len(c.History) != 1 {
		t.Fatalf("clone mutated original history")
	}
}

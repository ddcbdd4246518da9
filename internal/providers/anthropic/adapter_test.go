package anthropic

import (
	"errors"
	"testing"

	"parley/internal/providers"
)

func TestNoDiscoveryEndpoint(t *testing.T) {
	if _, err := New().ModelsRequest(providers.Profile{Key: providers.KeyClaude, APIKey: "k"}); !errors.Is(err, providers.ErrNoDiscovery) {
		t.Fatalf("expected ErrNoDiscovery, got %v", err)
	}
}

func TestStaticModelsIsACopy(t *testing.T) {
	models := New().StaticModels(providers.Profile{})
	if len(models) == 0 {
		t.Fatal("expected a non-empty static list")
	}
	models[0] = "mutated"
	if again := New().StaticModels(providers.Profile{}); again[0] == "mutated" {
		t.Fatal("static list must not share backing storage with callers")
	}
}

func TestCompletionUsesCompatEndpoint(t *testing.T) {
	p := providers.Profile{Key: providers.KeyClaude, APIKey: "k"}
	req, err := New().CompletionRequest(p, "claude-sonnet-4-0", nil, providers.Params{})
	if err != nil {
		t.Fatalf("completion request: %v", err)
	}
	if req.URL != "https://api.anthropic.com/v1/chat/completions" {
		t.Fatalf("unexpected url %q", req.URL)
	}
}

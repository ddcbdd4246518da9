package ollama

import (
	"testing"

	"parley/internal/providers"
)

func TestModelsRequestUsesTagsEndpoint(t *testing.T) {
	req, err := New().ModelsRequest(providers.Profile{Key: providers.KeyOllama, BaseURL: "http://box:11434/v1"})
	if err != nil {
		t.Fatalf("models request: %v", err)
	}
	if req.URL != "http://box:11434/api/tags" {
		t.Fatalf("unexpected url %q", req.URL)
	}

	req, err = New().ModelsRequest(providers.Profile{Key: providers.KeyOllama})
	if err != nil {
		t.Fatalf("models request with defaults: %v", err)
	}
	if req.URL != "http://localhost:11434/api/tags" {
		t.Fatalf("unexpected default url %q", req.URL)
	}
}

func TestParseModels(t *testing.T) {
	models, err := New().ParseModels([]byte(`{"models":[{"name":"llama3:8b"},{"name":"qwen2.5"},{"name":""}]}`))
	if err != nil {
		t.Fatalf("parse models: %v", err)
	}
	if len(models) != 2 || models[0] != "llama3:8b" || models[1] != "qwen2.5" {
		t.Fatalf("unexpected models %v", models)
	}
}

func TestCompletionWorksWithoutCredential(t *testing.T) {
	p := providers.Profile{Key: providers.KeyOllama, BaseURL: "http://box:11434/v1"}
	if !p.Configured() {
		t.Fatal("local profile with base url must count as configured")
	}

	req, err := New().CompletionRequest(p, "llama3:8b", nil, providers.Params{})
	if err != nil {
		t.Fatalf("completion request: %v", err)
	}
	if req.URL != "http://box:11434/v1/chat/completions" {
		t.Fatalf("unexpected url %q", req.URL)
	}
	if _, ok := req.Headers["Authorization"]; ok {
		t.Fatal("no bearer header expected without credential")
	}
}

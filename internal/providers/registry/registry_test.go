package registry

import (
	"testing"

	"parley/internal/providers"
)

func TestResolveCoversEveryKey(t *testing.T) {
	keys := []providers.Key{
		providers.KeyOpenAI, providers.KeyGroq, providers.KeyMistral,
		providers.KeyPerplexity, providers.KeyXAI, providers.KeyDeepSeek,
		providers.KeySiliconFlow, providers.KeyOpenRouter, providers.KeyGemini,
		providers.KeyOllama, providers.KeyClaude, providers.KeyAzure,
		providers.KeyCustom,
	}
	for _, key := range keys {
		if Resolve(key) == nil {
			t.Fatalf("no adapter for key %q", key)
		}
	}
}

func TestStaticFamiliesImplementStaticModels(t *testing.T) {
	for _, key := range []providers.Key{providers.KeyClaude, providers.KeyAzure} {
		if _, ok := Resolve(key).(providers.StaticModels); !ok {
			t.Fatalf("adapter for %q must provide a static model list", key)
		}
	}
	if _, ok := Resolve(providers.KeyOpenAI).(providers.StaticModels); ok {
		t.Fatal("openai adapter must rely on discovery, not a static list")
	}
}

func TestUnknownKeyFallsBackToCompat(t *testing.T) {
	if Resolve(providers.ParseKey("some-new-backend")) == nil {
		t.Fatal("unknown keys must resolve to the compatible adapter")
	}
}

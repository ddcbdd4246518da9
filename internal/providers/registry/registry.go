package registry

import (
	"parley/internal/providers"
	"parley/internal/providers/anthropic"
	"parley/internal/providers/azure"
	"parley/internal/providers/gemini"
	"parley/internal/providers/ollama"
	"parley/internal/providers/openai_compat"
)

// Resolve returns the adapter for a provider key. The switch is exhaustive
// over the closed key set; unknown keys were already folded into KeyCustom
// by providers.ParseKey and get the OpenAI-compatible fallback.
func Resolve(key providers.Key) providers.Adapter {
	switch key {
	case providers.KeyGemini:
		return gemini.New()
	case providers.KeyOllama:
		return ollama.New()
	case providers.KeyClaude:
		return anthropic.New()
	case providers.KeyAzure:
		return azure.New()
	case providers.KeyOpenAI, providers.KeyGroq, providers.KeyMistral,
		providers.KeyPerplexity, providers.KeyXAI, providers.KeyDeepSeek,
		providers.KeySiliconFlow, providers.KeyOpenRouter, providers.KeyCustom:
		return openai_compat.New()
	default:
		return openai_compat.New()
	}
}

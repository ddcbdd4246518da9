package anthropic

import (
	"parley/internal/providers"
	"parley/internal/providers/openai_compat"
)

// Anthropic exposes no model discovery endpoint, so the catalog falls back
// to this fixed list of known identifiers.
var knownModels = []string{
	"claude-opus-4-1",
	"claude-opus-4-0",
	"claude-sonnet-4-0",
	"claude-3-7-sonnet-latest",
	"claude-3-5-sonnet-latest",
	"claude-3-5-haiku-latest",
	"claude-3-haiku-20240307",
}

// Adapter serves Claude through Anthropic's OpenAI-compatible endpoint.
type Adapter struct {
	openai_compat.Adapter
}

func New() Adapter { return Adapter{Adapter: openai_compat.New()} }

var _ providers.Adapter = Adapter{}
var _ providers.StaticModels = Adapter{}

func (Adapter) ModelsRequest(p providers.Profile) (providers.Request, error) {
	return providers.Request{}, providers.ErrNoDiscovery
}

func (Adapter) StaticModels(providers.Profile) []string {
	out := make([]string, len(knownModels))
	copy(out, knownModels)
	return out
}

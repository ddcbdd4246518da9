package ollama

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"parley/internal/providers"
	"parley/internal/providers/openai_compat"
)

// Adapter serves a local Ollama server. Completions go through Ollama's
// OpenAI-compatible endpoint; discovery uses the native /api/tags listing.
type Adapter struct {
	openai_compat.Adapter
}

func New() Adapter { return Adapter{Adapter: openai_compat.New()} }

var _ providers.Adapter = Adapter{}

func (Adapter) ModelsRequest(p providers.Profile) (providers.Request, error) {
	base := strings.TrimRight(strings.TrimSpace(p.ResolvedBaseURL()), "/")
	if base == "" {
		base = "http://localhost:11434"
	}
	// The compat default carries a /v1 suffix for completions; tags live at
	// the server root.
	base = strings.TrimSuffix(base, "/v1")
	return providers.Request{
		Method: http.MethodGet,
		URL:    base + "/api/tags",
	}, nil
}

func (Adapter) ParseModels(body []byte) ([]string, error) {
	var resp struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode ollama tags response: %w", err)
	}

	out := make([]string, 0, len(resp.Models))
	for _, m := range resp.Models {
		if m.Name != "" {
			out = append(out, m.Name)
		}
	}
	return out, nil
}

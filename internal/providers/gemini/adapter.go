package gemini

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"parley/internal/providers"
	"parley/internal/providers/openai_compat"
)

const discoveryURL = "https://generativelanguage.googleapis.com/v1beta/models"

// Adapter serves Gemini. Completions go through the OpenAI-compatible
// endpoint; only model discovery uses the native v1beta listing, which
// authenticates via query parameter and prefixes ids with "models/".
type Adapter struct {
	openai_compat.Adapter
}

func New() Adapter { return Adapter{Adapter: openai_compat.New()} }

var _ providers.Adapter = Adapter{}

func (Adapter) ModelsRequest(p providers.Profile) (providers.Request, error) {
	key := strings.TrimSpace(p.APIKey)
	if key == "" {
		return providers.Request{}, fmt.Errorf("gemini api key is empty")
	}
	return providers.Request{
		Method: http.MethodGet,
		URL:    discoveryURL + "?key=" + url.QueryEscape(key),
	}, nil
}

func (Adapter) ParseModels(body []byte) ([]string, error) {
	var resp struct {
		Models []struct {
			Name                       string   `json:"name"`
			SupportedGenerationMethods []string `json:"supportedGenerationMethods"`
		} `json:"models"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode gemini models response: %w", err)
	}

	out := make([]string, 0, len(resp.Models))
	for _, m := range resp.Models {
		if m.Name == "" {
			continue
		}
		if m.SupportedGenerationMethods != nil && !supportsGenerate(m.SupportedGenerationMethods) {
			continue
		}
		out = append(out, strings.TrimPrefix(m.Name, "models/"))
	}
	return out, nil
}

func supportsGenerate(methods []string) bool {
	for _, m := range methods {
		if m == "generateContent" {
			return true
		}
	}
	return false
}

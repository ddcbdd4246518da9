package openai_compat

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"parley/internal/providers"
)

const (
	openRouterHost      = "openrouter.ai"
	openRouterModelsURL = "https://openrouter.ai/api/v1/models"
	openRouterReferer   = "https://github.com/parley-chat/parley"
	openRouterTitle     = "Parley"
)

// Adapter speaks the OpenAI-compatible wire format shared by OpenAI, Groq,
// Mistral, Perplexity, xAI, DeepSeek, SiliconFlow, OpenRouter, Claude's
// compat endpoint, local Ollama and unknown custom backends.
type Adapter struct{}

func New() Adapter { return Adapter{} }

var _ providers.Adapter = Adapter{}

func (Adapter) CompletionRequest(p providers.Profile, model string, msgs []providers.Message, params providers.Params) (providers.Request, error) {
	endpoint, err := completionURL(p)
	if err != nil {
		return providers.Request{}, err
	}

	var body []byte
	if p.Mode == providers.ModeResponses {
		body, err = responsesPayload(model, msgs, params)
	} else {
		body, err = chatPayload(model, msgs, params)
	}
	if err != nil {
		return providers.Request{}, err
	}

	return providers.Request{
		Method:  http.MethodPost,
		URL:     endpoint,
		Headers: buildHeaders(p, endpoint),
		Body:    body,
	}, nil
}

func (Adapter) ModelsRequest(p providers.Profile) (providers.Request, error) {
	endpoint, err := modelsURL(p)
	if err != nil {
		return providers.Request{}, err
	}
	return providers.Request{
		Method:  http.MethodGet,
		URL:     endpoint,
		Headers: buildHeaders(p, endpoint),
	}, nil
}

func (Adapter) ParseModels(body []byte) ([]string, error) {
	var resp struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
		Models []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode models response: %w", err)
	}

	out := make([]string, 0, len(resp.Data)+len(resp.Models))
	for _, m := range resp.Data {
		if m.ID != "" {
			out = append(out, m.ID)
		}
	}
	for _, m := range resp.Models {
		switch {
		case m.ID != "":
			out = append(out, m.ID)
		case m.Name != "":
			out = append(out, m.Name)
		}
	}
	return out, nil
}

func (Adapter) ParseChunk(data []byte) (providers.Chunk, error) {
	var raw struct {
		Type    string `json:"type"`
		Delta   string `json:"delta"`
		Choices []struct {
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage *wireUsage `json:"usage"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return providers.Chunk{}, fmt.Errorf("decode stream chunk: %w", err)
	}

	var c providers.Chunk
	if len(raw.Choices) > 0 {
		c.Delta = raw.Choices[0].Delta.Content
		c.FinishReason = raw.Choices[0].FinishReason
	}
	// Responses-style deltas arrive as typed events instead of choices.
	if c.Delta == "" && strings.HasSuffix(raw.Type, "output_text.delta") {
		c.Delta = raw.Delta
	}
	if c.FinishReason == "" && raw.Type == "response.completed" {
		c.FinishReason = "stop"
	}
	if raw.Usage != nil {
		c.Usage = raw.Usage.toUsage()
	}
	return c, nil
}

func (Adapter) ParseCompletion(body []byte) (providers.Completion, error) {
	var resp struct {
		Choices []struct {
			Message struct {
				Content any `json:"content"`
			} `json:"message"`
			Text         string `json:"text"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		OutputText string `json:"output_text"`
		Output     []struct {
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
		} `json:"output"`
		Usage *wireUsage `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return providers.Completion{}, fmt.Errorf("decode completion response: %w", err)
	}

	out := providers.Completion{}
	if resp.Usage != nil {
		out.Usage = resp.Usage.toUsage()
	}

	if len(resp.Choices) > 0 {
		out.FinishReason = resp.Choices[0].FinishReason
		if resp.Choices[0].Text != "" {
			out.Text = resp.Choices[0].Text
			return out, nil
		}
		if text := contentToText(resp.Choices[0].Message.Content); strings.TrimSpace(text) != "" {
			out.Text = text
			return out, nil
		}
		return providers.Completion{}, fmt.Errorf("%w: missing message content", providers.ErrInvalidResponse)
	}

	if strings.TrimSpace(resp.OutputText) != "" {
		out.Text = resp.OutputText
		return out, nil
	}
	if len(resp.Output) > 0 && len(resp.Output[0].Content) > 0 && resp.Output[0].Content[0].Text != "" {
		out.Text = resp.Output[0].Content[0].Text
		return out, nil
	}
	return providers.Completion{}, fmt.Errorf("%w: missing top-level choice", providers.ErrInvalidResponse)
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u *wireUsage) toUsage() *providers.Usage {
	return &providers.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}

func chatPayload(model string, msgs []providers.Message, params providers.Params) ([]byte, error) {
	messages := make([]map[string]string, 0, len(msgs))
	for _, m := range msgs {
		messages = append(messages, map[string]string{"role": m.Role, "content": m.Content})
	}

	payload := map[string]any{
		"model":    model,
		"messages": messages,
	}
	if params.Temperature != nil {
		payload["temperature"] = *params.Temperature
	}
	if params.TopP != nil {
		payload["top_p"] = *params.TopP
	}
	if params.MaxTokens > 0 {
		payload["max_tokens"] = params.MaxTokens
	}
	if params.Stream {
		payload["stream"] = true
		payload["stream_options"] = map[string]any{"include_usage": true}
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal chat completion payload: %w", err)
	}
	return b, nil
}

func responsesPayload(model string, msgs []providers.Message, params providers.Params) ([]byte, error) {
	input := make([]map[string]string, 0, len(msgs))
	for _, m := range msgs {
		input = append(input, map[string]string{"role": m.Role, "content": m.Content})
	}

	payload := map[string]any{
		"model": model,
		"input": input,
	}
	if params.Temperature != nil {
		payload["temperature"] = *params.Temperature
	}
	if params.TopP != nil {
		payload["top_p"] = *params.TopP
	}
	if params.MaxTokens > 0 {
		payload["max_output_tokens"] = params.MaxTokens
	}
	if params.Stream {
		payload["stream"] = true
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal responses payload: %w", err)
	}
	return b, nil
}

// completionURL normalizes the base URL into a completion endpoint. The rule
// is idempotent over trailing slashes and an already-present version segment:
// a base containing "/v1" gets the bare suffix, anything else gets "/v1"
// prepended to it.
func completionURL(p providers.Profile) (string, error) {
	base := strings.TrimRight(strings.TrimSpace(p.ResolvedBaseURL()), "/")
	if base == "" {
		return "", fmt.Errorf("base url is empty")
	}
	if strings.HasSuffix(base, "/chat/completions") || strings.HasSuffix(base, "/responses") {
		return base, nil
	}
	if override := strings.TrimSpace(p.PathOverride); override != "" {
		if !strings.HasPrefix(override, "/") {
			override = "/" + override
		}
		return base + override, nil
	}

	suffix := "/chat/completions"
	if p.Mode == providers.ModeResponses {
		suffix = "/responses"
	}
	if strings.Contains(base, "/v1") {
		return base + suffix, nil
	}
	return base + "/v1" + suffix, nil
}

func modelsURL(p providers.Profile) (string, error) {
	if p.Key == providers.KeyOpenRouter {
		return openRouterModelsURL, nil
	}
	base := strings.TrimRight(strings.TrimSpace(p.ResolvedBaseURL()), "/")
	if base == "" {
		return "", fmt.Errorf("base url is empty")
	}
	if strings.Contains(base, "/v1") {
		return base + "/models", nil
	}
	return base + "/v1/models", nil
}

func buildHeaders(p providers.Profile, endpoint string) map[string]string {
	headers := map[string]string{"Content-Type": "application/json"}
	if key := strings.TrimSpace(p.APIKey); key != "" {
		headers["Authorization"] = "Bearer " + key
	}
	if u, err := url.Parse(endpoint); err == nil && u.Hostname() == openRouterHost {
		headers["HTTP-Referer"] = openRouterReferer
		headers["X-Title"] = openRouterTitle
	}
	return headers
}

func contentToText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if m, ok := item.(map[string]any); ok {
				if txt, ok := m["text"].(string); ok {
					parts = append(parts, txt)
				}
			}
		}
		return strings.Join(parts, "\n")
	default:
		return ""
	}
}

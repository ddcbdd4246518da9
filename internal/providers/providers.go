package providers

import "strings"

// Key identifies a provider family. The set is closed: adapters are resolved
// through an exhaustive switch in the registry, and KeyCustom covers any
// backend that speaks the OpenAI-compatible wire format.
type Key string

const (
	KeyOpenAI      Key = "openai"
	KeyGroq        Key = "groq"
	KeyMistral     Key = "mistral"
	KeyPerplexity  Key = "perplexity"
	KeyXAI         Key = "xai"
	KeyDeepSeek    Key = "deepseek"
	KeySiliconFlow Key = "siliconflow"
	KeyOpenRouter  Key = "openrouter"
	KeyGemini      Key = "gemini"
	KeyOllama      Key = "ollama"
	KeyClaude      Key = "claude"
	KeyAzure       Key = "azure"
	KeyCustom      Key = "custom"
)

// Mode selects the request/response envelope for OpenAI-compatible backends.
type Mode string

const (
	ModeChat      Mode = "chat"
	ModeResponses Mode = "responses"
)

// ParseKey maps a stored provider id to a Key. Unknown ids become KeyCustom
// so that arbitrary OpenAI-compatible endpoints keep working.
func ParseKey(id string) Key {
	switch Key(strings.ToLower(strings.TrimSpace(id))) {
	case KeyOpenAI, KeyGroq, KeyMistral, KeyPerplexity, KeyXAI, KeyDeepSeek,
		KeySiliconFlow, KeyOpenRouter, KeyGemini, KeyOllama, KeyClaude, KeyAzure:
		return Key(strings.ToLower(strings.TrimSpace(id)))
	default:
		return KeyCustom
	}
}

// Profile is one backend's connection record. It is read-shared across
// concurrent sends and must be treated as an immutable snapshot for the
// duration of one call.
type Profile struct {
	Key          Key
	APIKey       string
	BaseURL      string
	PathOverride string
	Mode         Mode

	// Azure deployments address models through a deployment name instead of
	// a model field, and version the API via query parameter.
	AzureEndpoint   string
	AzureDeployment string
	AzureAPIVersion string

	Local bool
}

// ResolvedBaseURL returns the configured base URL or the family default.
func (p Profile) ResolvedBaseURL() string {
	if u := strings.TrimSpace(p.BaseURL); u != "" {
		return u
	}
	return Defaults(p.Key).BaseURL
}

// Configured reports whether the profile can carry a completion call.
// Local backends need a reachable base URL only; Azure needs endpoint,
// deployment and credential; everything else needs credential and base URL.
func (p Profile) Configured() bool {
	if p.Key == KeyAzure {
		return strings.TrimSpace(p.AzureEndpoint) != "" &&
			strings.TrimSpace(p.AzureDeployment) != "" &&
			strings.TrimSpace(p.APIKey) != ""
	}
	if p.Local || p.Key == KeyOllama {
		return p.ResolvedBaseURL() != ""
	}
	return strings.TrimSpace(p.APIKey) != "" && p.ResolvedBaseURL() != ""
}

type ProviderDefaults struct {
	DisplayName string
	BaseURL     string
}

var defaultsTable = map[Key]ProviderDefaults{
	KeyOpenAI:      {DisplayName: "OpenAI", BaseURL: "https://api.openai.com/v1"},
	KeyGroq:        {DisplayName: "Groq", BaseURL: "https://api.groq.com/openai/v1"},
	KeyMistral:     {DisplayName: "Mistral", BaseURL: "https://api.mistral.ai/v1"},
	KeyPerplexity:  {DisplayName: "Perplexity", BaseURL: "https://api.perplexity.ai"},
	KeyXAI:         {DisplayName: "xAI", BaseURL: "https://api.x.ai/v1"},
	KeyDeepSeek:    {DisplayName: "DeepSeek", BaseURL: "https://api.deepseek.com/v1"},
	KeySiliconFlow: {DisplayName: "SiliconFlow", BaseURL: "https://api.siliconflow.cn/v1"},
	KeyOpenRouter:  {DisplayName: "OpenRouter", BaseURL: "https://openrouter.ai/api/v1"},
	KeyGemini:      {DisplayName: "Google Gemini", BaseURL: "https://generativelanguage.googleapis.com/v1beta/openai"},
	KeyOllama:      {DisplayName: "Ollama", BaseURL: "http://localhost:11434/v1"},
	KeyClaude:      {DisplayName: "Anthropic Claude", BaseURL: "https://api.anthropic.com/v1"},
	KeyAzure:       {DisplayName: "Azure OpenAI"},
	KeyCustom:      {DisplayName: "Custom"},
}

// Defaults returns the display name and default base URL for a provider key.
func Defaults(k Key) ProviderDefaults {
	if d, ok := defaultsTable[k]; ok {
		return d
	}
	return defaultsTable[KeyCustom]
}

// Message is one entry of the outbound context window, oldest first.
type Message struct {
	Role    string
	Content string
}

// Params are the sampling knobs copied from the conversation at send time.
// Nil temperature and top-p mean "not set" and are omitted from the request
// body, so an explicit zero still reaches the provider.
type Params struct {
	Temperature *float64
	TopP        *float64
	MaxTokens   int
	Stream      bool
}

// Request is a fully built provider call: the adapter resolves URL, headers
// and body; the transport layer only executes it.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Chunk is the decoded payload of one streamed data line. All fields are
// independently optional; a chunk may carry only usage, only a finish
// reason, or only delta text.
type Chunk struct {
	Delta        string
	FinishReason string
	Usage        *Usage
}

// Completion is a parsed non-streaming response.
type Completion struct {
	Text         string
	FinishReason string
	Usage        *Usage
}

// Adapter translates between the uniform request model and one provider
// family's wire format. Adapters are stateless and safe for concurrent use.
type Adapter interface {
	// CompletionRequest builds the chat completion call for the given
	// context window. The profile must already be configured.
	CompletionRequest(p Profile, model string, msgs []Message, params Params) (Request, error)

	// ModelsRequest builds the model discovery call, or ErrNoDiscovery when
	// the family has no discovery endpoint.
	ModelsRequest(p Profile) (Request, error)

	// ParseModels flattens a discovery response body to model ids. An
	// unrecognized shape yields an empty list, not an error.
	ParseModels(body []byte) ([]string, error)

	// ParseChunk decodes one SSE data payload (the [DONE] sentinel is
	// handled by the stream layer and never reaches this method).
	ParseChunk(data []byte) (Chunk, error)

	// ParseCompletion decodes a buffered non-streaming response.
	ParseCompletion(body []byte) (Completion, error)
}

// StaticModels is implemented by adapters whose family has no discovery
// endpoint but a known model set (Claude) or a deterministic fallback
// derived from the profile (Azure deployments).
type StaticModels interface {
	StaticModels(p Profile) []string
}

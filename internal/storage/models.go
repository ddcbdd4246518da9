package storage

import "time"

// Conversation holds one chat session's settings. Temperature and TopP are
// nil when never set, which is distinct from an explicit zero.
type Conversation struct {
	ID                 string
	Name               string
	ProviderKey        string
	Model              string
	SystemPrompt       string
	Temperature        *float64
	TopP               *float64
	MaxTokens          int
	MaxContextMessages int
	Stream             bool
	Starred            bool
	Hidden             bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Turn is one message of a conversation. Content is mutable while the
// generating flag is set; usage, finish reason and error stay null until
// the turn is finalized exactly once.
type Turn struct {
	ID               string
	ConversationID   string
	Role             string
	Content          string
	Generating       bool
	ErrorText        *string
	ErrorCode        *string
	PromptTokens     *int
	CompletionTokens *int
	TotalTokens      *int
	FinishReason     *string
	ProviderKey      string
	Model            string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ProviderProfile is one backend's stored connection record. The credential
// is encrypted at rest; the crypto keyring owns the envelope format.
type ProviderProfile struct {
	Key             string
	EncAPIKey       *string
	BaseURL         string
	PathOverride    string
	Mode            string
	AzureEndpoint   string
	AzureDeployment string
	AzureAPIVersion string
	Local           bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

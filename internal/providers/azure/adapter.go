package azure

import (
	"fmt"
	"net/url"
	"strings"

	"parley/internal/providers"
	"parley/internal/providers/openai_compat"
)

// Adapter serves Azure-hosted OpenAI deployments. The wire format is the
// OpenAI-compatible one, but the URL addresses a deployment instead of a
// model and carries the API version as a query parameter. A deployment
// serves exactly one model, so discovery resolves to the deployment name
// without a network call.
type Adapter struct {
	openai_compat.Adapter
}

func New() Adapter { return Adapter{Adapter: openai_compat.New()} }

var _ providers.Adapter = Adapter{}
var _ providers.StaticModels = Adapter{}

func (a Adapter) CompletionRequest(p providers.Profile, model string, msgs []providers.Message, params providers.Params) (providers.Request, error) {
	req, err := a.Adapter.CompletionRequest(compatProfile(p), model, msgs, params)
	if err != nil {
		return providers.Request{}, err
	}
	endpoint, err := deploymentURL(p)
	if err != nil {
		return providers.Request{}, err
	}
	req.URL = endpoint
	return req, nil
}

func (Adapter) ModelsRequest(p providers.Profile) (providers.Request, error) {
	return providers.Request{}, providers.ErrNoDiscovery
}

func (Adapter) StaticModels(p providers.Profile) []string {
	if d := strings.TrimSpace(p.AzureDeployment); d != "" {
		return []string{d}
	}
	return []string{}
}

func deploymentURL(p providers.Profile) (string, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(p.AzureEndpoint), "/")
	deployment := strings.TrimSpace(p.AzureDeployment)
	if endpoint == "" || deployment == "" {
		return "", fmt.Errorf("azure endpoint or deployment is empty")
	}
	version := strings.TrimSpace(p.AzureAPIVersion)
	if version == "" {
		version = "2024-06-01"
	}
	return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
		endpoint, url.PathEscape(deployment), url.QueryEscape(version)), nil
}

// compatProfile feeds the embedded adapter a base URL that survives its
// normalization; the resulting URL is replaced with the deployment URL.
func compatProfile(p providers.Profile) providers.Profile {
	p.BaseURL = strings.TrimRight(strings.TrimSpace(p.AzureEndpoint), "/")
	p.Mode = providers.ModeChat
	return p
}

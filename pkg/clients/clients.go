package clients

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/mikeboe/deep-research/pkg/config"
)

const (
	// AppTitle is sent to OpenRouter for attribution.
	AppTitle   = "Deep Research AI Agent"
	AppReferer = "https://github.com/mikeboe/deep-research"
)

// NewModel builds the chat model for the configured provider. Individual
// calls choose the concrete model through llms.WithModel.
func NewModel(ctx context.Context, cfg *config.Config) (llms.Model, error) {
	switch cfg.LLMProvider {
	case config.ProviderOpenRouter:
		return OpenRouter(cfg.OpenRouterAPIKey, cfg.OpenRouterBaseURL, cfg.PlanningModel, cfg.CallTimeout)
	case config.ProviderGoogle:
		llm, err := GoogleAi(ctx, cfg.GoogleAPIKey, googleModelName(cfg.PlanningModel))
		if err != nil {
			return nil, err
		}
		return renamedModel{Model: llm, rename: googleModelName}, nil
	default:
		return nil, fmt.Errorf("invalid model provider: %s", cfg.LLMProvider)
	}
}

// OpenRouter talks to any OpenAI-compatible chat completions endpoint.
// headerTimeout bounds the wait for response headers only, so streamed
// bodies are limited by the caller's context instead.
func OpenRouter(apiKey, baseURL, defaultModel string, headerTimeout time.Duration) (*openai.LLM, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("missing API key for OpenRouter")
	}

	httpClient := newHTTPClient(headerTimeout, map[string]string{
		"HTTP-Referer": AppReferer,
		"X-Title":      AppTitle,
	})

	llm, err := openai.New(
		openai.WithToken(apiKey),
		openai.WithBaseURL(strings.TrimRight(baseURL, "/")),
		openai.WithModel(defaultModel),
		openai.WithHTTPClient(httpClient),
	)
	if err != nil {
		return nil, fmt.Errorf("init openrouter client: %w", err)
	}
	return llm, nil
}

func GoogleAi(ctx context.Context, apiKey, defaultModel string) (*googleai.GoogleAI, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("missing API key for Google AI")
	}

	// See https://ai.google.dev/gemini-api/docs/models/gemini for possible models
	llm, err := googleai.New(ctx, googleai.WithAPIKey(apiKey), googleai.WithDefaultModel(defaultModel))
	if err != nil {
		return nil, fmt.Errorf("init google ai client: %w", err)
	}
	return llm, nil
}

// googleModelName drops the OpenRouter vendor prefix and variant suffix,
// "google/gemini-2.0-flash:free" becomes "gemini-2.0-flash".
func googleModelName(model string) string {
	model = strings.TrimPrefix(model, "google/")
	if i := strings.Index(model, ":"); i >= 0 {
		model = model[:i]
	}
	return model
}

// renamedModel rewrites the per-call model name before delegating, so the
// same model settings work against providers with different naming.
type renamedModel struct {
	llms.Model
	rename func(string) string
}

func (m renamedModel) GenerateContent(ctx context.Context, msgs []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	var opts llms.CallOptions
	for _, o := range options {
		o(&opts)
	}
	if opts.Model != "" {
		options = append(options, llms.WithModel(m.rename(opts.Model)))
	}
	return m.Model.GenerateContent(ctx, msgs, options...)
}

func (m renamedModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

// newHTTPClient has no overall timeout: http.Client.Timeout would also cut
// off a streamed response body that is still arriving.
func newHTTPClient(headerTimeout time.Duration, headers map[string]string) *http.Client {
	base := http.DefaultTransport.(*http.Transport).Clone()
	base.ResponseHeaderTimeout = headerTimeout
	return &http.Client{Transport: &headerTransport{base: base, headers: headers}}
}

type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	return t.base.RoundTrip(req)
}

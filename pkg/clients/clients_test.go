package clients

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/mikeboe/deep-research/pkg/config"
)

func TestGoogleModelName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"google/gemini-2.0-flash-lite-preview-02-05:free", "gemini-2.0-flash-lite-preview-02-05"},
		{"gemini-2.5-pro", "gemini-2.5-pro"},
		{"google/gemini-2.0-flash", "gemini-2.0-flash"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := googleModelName(tt.in); got != tt.want {
				t.Errorf("googleModelName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestHeaderTransport(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	}))
	defer srv.Close()

	client := &http.Client{Transport: &headerTransport{
		base:    http.DefaultTransport,
		headers: map[string]string{"X-Title": AppTitle},
	}}
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	req.Header.Set("Authorization", "Bearer k")

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	resp.Body.Close()

	if got.Get("X-Title") != AppTitle || got.Get("Authorization") != "Bearer k" {
		t.Errorf("headers = %v", got)
	}
	if req.Header.Get("X-Title") != "" {
		t.Error("transport mutated the caller's request")
	}
}

func TestHTTPClientBoundsHeadersNotBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/slow-headers" {
			time.Sleep(200 * time.Millisecond)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		for i := 0; i < 3; i++ {
			fmt.Fprintf(w, "data: %d\n\n", i)
			w.(http.Flusher).Flush()
			time.Sleep(40 * time.Millisecond)
		}
	}))
	defer srv.Close()

	client := newHTTPClient(50*time.Millisecond, nil)

	_, err := client.Get(srv.URL + "/slow-headers")
	require.Error(t, err)

	resp, err := client.Get(srv.URL + "/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "data: 0\n\ndata: 1\n\ndata: 2\n\n", string(body))
}

type recordingModel struct {
	model string
}

func (m *recordingModel) GenerateContent(_ context.Context, _ []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	var opts llms.CallOptions
	for _, o := range options {
		o(&opts)
	}
	m.model = opts.Model
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: "ok"}}}, nil
}

func (m *recordingModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

func TestRenamedModel(t *testing.T) {
	inner := &recordingModel{}
	m := renamedModel{Model: inner, rename: googleModelName}

	out, err := m.Call(context.Background(), "hi", llms.WithModel("google/gemini-2.0-flash:free"))
	if err != nil || out != "ok" {
		t.Fatalf("Call() = %q, %v", out, err)
	}
	if inner.model != "gemini-2.0-flash" {
		t.Errorf("model = %q", inner.model)
	}
}

func TestNewModelRequiresKey(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.Config
	}{
		{"openrouter", config.Config{LLMProvider: config.ProviderOpenRouter}},
		{"google", config.Config{LLMProvider: config.ProviderGoogle}},
		{"unknown", config.Config{LLMProvider: "acme", OpenRouterAPIKey: "k"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewModel(context.Background(), &tt.cfg); err == nil {
				t.Error("NewModel() error = nil")
			}
		})
	}
}

func TestNewModelOpenRouter(t *testing.T) {
	cfg := &config.Config{
		LLMProvider:       config.ProviderOpenRouter,
		OpenRouterAPIKey:  "sk-test",
		OpenRouterBaseURL: "https://openrouter.example/api/v1/",
		PlanningModel:     "google/gemini-2.0-flash-thinking-exp:free",
	}
	m, err := NewModel(context.Background(), cfg)
	if err != nil || m == nil {
		t.Fatalf("NewModel() = %v, %v", m, err)
	}
}

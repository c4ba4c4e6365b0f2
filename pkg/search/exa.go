package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// ExaClient searches through the Exa API.
type ExaClient struct {
	apiKey  string
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
	now     func() time.Time
}

func NewExaClient(apiKey, baseURL string, timeout time.Duration, perSecond float64) *ExaClient {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return &ExaClient{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, 1),
		logger:  slog.Default(),
		now:     time.Now,
	}
}

type exaSearchRequest struct {
	Query              string      `json:"query"`
	NumResults         int         `json:"numResults"`
	Type               string      `json:"type"`
	StartPublishedDate string      `json:"startPublishedDate,omitempty"`
	EndPublishedDate   string      `json:"endPublishedDate,omitempty"`
	IncludeDomains     []string    `json:"includeDomains,omitempty"`
	ExcludeDomains     []string    `json:"excludeDomains,omitempty"`
	Contents           exaContents `json:"contents"`
}

type exaContents struct {
	Text       bool `json:"text"`
	Highlights bool `json:"highlights,omitempty"`
}

// exaResult accepts both the current camelCase fields and the older
// snake_case ones.
type exaResult struct {
	ID                 string   `json:"id"`
	Title              string   `json:"title"`
	URL                string   `json:"url"`
	Text               string   `json:"text"`
	Content            string   `json:"content"`
	Extract            string   `json:"extract"`
	Score              *float64 `json:"score"`
	RelevanceScore     *float64 `json:"relevance_score"`
	PublishedDate      string   `json:"publishedDate"`
	PublishedDateSnake string   `json:"published_date"`
	Author             string   `json:"author"`
	Source             string   `json:"source"`
}

func (r exaResult) document() Document {
	d := Document{
		ID:            r.ID,
		Title:         r.Title,
		URL:           r.URL,
		Text:          firstNonEmpty(r.Text, r.Content, r.Extract),
		PublishedDate: firstNonEmpty(r.PublishedDate, r.PublishedDateSnake),
		Author:        r.Author,
		Source:        r.Source,
	}
	switch {
	case r.Score != nil:
		d.Score = *r.Score
	case r.RelevanceScore != nil:
		d.Score = *r.RelevanceScore
	}
	return d
}

type exaResponse struct {
	Results []exaResult `json:"results"`
	Extract string      `json:"extract"`
}

func (c *ExaClient) Search(ctx context.Context, query string, opts Options) ([]Document, error) {
	opts = opts.withDefaults()

	var resp exaResponse
	err := c.post(ctx, "/search", exaSearchRequest{
		Query:              query,
		NumResults:         opts.NumResults,
		Type:               string(opts.Ranking),
		StartPublishedDate: opts.StartPublishedDate,
		EndPublishedDate:   opts.EndPublishedDate,
		IncludeDomains:     opts.IncludeDomains,
		ExcludeDomains:     opts.ExcludeDomains,
		Contents:           exaContents{Text: true, Highlights: opts.Highlights},
	}, &resp)
	if err != nil {
		return nil, err
	}

	docs := make([]Document, 0, len(resp.Results))
	for _, r := range resp.Results {
		docs = append(docs, normalize(r.document(), "exa", c.now))
	}
	c.logger.Info("Exa search finished", "query", query, "results", len(docs))
	return docs, nil
}

// FetchContent returns the extracted page text for rawURL.
func (c *ExaClient) FetchContent(ctx context.Context, rawURL string) (string, error) {
	var resp exaResponse
	err := c.post(ctx, "/contents", map[string]any{
		"urls": []string{rawURL},
		"text": true,
	}, &resp)
	if err != nil {
		return "", err
	}
	if len(resp.Results) > 0 {
		if text := resp.Results[0].document().Text; text != "" {
			return text, nil
		}
	}
	return resp.Extract, nil
}

func (c *ExaClient) post(ctx context.Context, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("exa rate limit: %w", err)
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make API request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Error("Exa returned non-2xx status code", "path", path, "status", resp.StatusCode)
		return &StatusError{Provider: "exa", Status: resp.StatusCode, Body: string(data)}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to unmarshal exa response: %w", err)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

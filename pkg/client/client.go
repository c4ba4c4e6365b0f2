package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/mikeboe/deep-research/pkg/research"
)

var ErrStatus = errors.New("unexpected response status")

// Client talks to a deep-research server.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// New returns a client without an overall timeout since research streams
// stay open for minutes.
func New(baseURL string) *Client {
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), HTTP: &http.Client{}}
}

// GenerateQuestions accepts both {"questions": [...]} and a bare array,
// with items that are strings or {id, text} objects.
func (c *Client) GenerateQuestions(ctx context.Context, topic string) ([]research.Question, error) {
	resp, err := c.post(ctx, "/generate-questions", map[string]string{"topic": topic}, "application/json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return decodeQuestions(body)
}

func decodeQuestions(body []byte) ([]research.Question, error) {
	var raw json.RawMessage = bytes.TrimSpace(body)
	if len(raw) > 0 && raw[0] == '{' {
		var wrapped struct {
			Questions json.RawMessage `json:"questions"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return nil, fmt.Errorf("failed to decode questions: %w", err)
		}
		raw = wrapped.Questions
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("failed to decode questions: %w", err)
	}

	questions := make([]research.Question, 0, len(items))
	for _, item := range items {
		var q research.Question
		var text string
		if err := json.Unmarshal(item, &text); err == nil {
			q.Text = text
		} else if err := json.Unmarshal(item, &q); err != nil {
			return nil, fmt.Errorf("failed to decode question: %w", err)
		}
		if q.Text = strings.TrimSpace(q.Text); q.Text == "" {
			continue
		}
		if q.ID == "" {
			q.ID = uuid.NewString()
		}
		questions = append(questions, q)
	}
	return questions, nil
}

// Research opens a research stream and feeds it into session until the
// stream ends.
func (c *Client) Research(ctx context.Context, topic string, clarifications []research.Clarification, session *Session) (State, error) {
	if clarifications == nil {
		clarifications = []research.Clarification{}
	}
	resp, err := c.post(ctx, "/deep-research", map[string]any{
		"topic":          topic,
		"clarifications": clarifications,
	}, "text/event-stream")
	if err != nil {
		return session.State(), err
	}
	defer resp.Body.Close()

	return session.Consume(ctx, resp.Body)
}

func (c *Client) post(ctx context.Context, path string, body any, accept string) (*http.Response, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make API request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w %d: %s", ErrStatus, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}

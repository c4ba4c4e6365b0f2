package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/tmc/langchaingo/llms"

	"github.com/mikeboe/deep-research/pkg/jsonrepair"
	"github.com/mikeboe/deep-research/pkg/retry"
)

var (
	ErrEmptyPrompt = errors.New("llm: prompt must not be empty")
	ErrNoChoices   = errors.New("llm: model returned no choices")
)

// Request is one logical model call. Attempts made under the retry policy
// all send the same request.
type Request struct {
	Model  string
	System string
	Prompt string
	// Schema, when set, is appended to the system prompt and the parsed
	// response must validate against it.
	Schema *jsonschema.Schema
	// JSON asks for JSON output and parses it without validation.
	JSON bool

	Usage   *Usage
	OnRetry func(attempt, maxAttempts int, err error)
}

type Result struct {
	Text   string
	Object map[string]any
	Tokens int
}

// Decode copies the parsed object into v.
func (r Result) Decode(v any) error {
	raw, err := json.Marshal(r.Object)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}

type StreamKind string

const (
	StreamContent  StreamKind = "content"
	StreamComplete StreamKind = "complete"
)

// StreamEvent is either a decoded text fragment or the final accumulated
// text.
type StreamEvent struct {
	Kind StreamKind
	Text string
}

type Gateway struct {
	model       llms.Model
	policy      retry.Policy
	callTimeout time.Duration
	// streamTimeout bounds a streamed attempt, which can legitimately run
	// far longer than a buffered call.
	streamTimeout time.Duration
	logger        *slog.Logger
}

type Option func(*Gateway)

func WithPolicy(p retry.Policy) Option {
	return func(g *Gateway) { g.policy = p }
}

// WithCallTimeout bounds each attempt of Call, not the whole call.
func WithCallTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.callTimeout = d }
}

// WithStreamTimeout bounds each attempt of Stream, including the time spent
// reading the body. Zero leaves streams bounded by the caller's context only.
func WithStreamTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.streamTimeout = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

func NewGateway(model llms.Model, opts ...Option) *Gateway {
	g := &Gateway{
		model:  model,
		policy: retry.Default(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gateway) MaxAttempts() int {
	if g.policy.MaxAttempts < 1 {
		return 1
	}
	return g.policy.MaxAttempts
}

// Call sends req and retries on transport errors and on schema validation
// failures.
func (g *Gateway) Call(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return Result{}, ErrEmptyPrompt
	}

	var resolved *jsonschema.Resolved
	if req.Schema != nil {
		r, err := req.Schema.Resolve(nil)
		if err != nil {
			return Result{}, fmt.Errorf("resolve schema: %w", err)
		}
		resolved = r
	}

	msgs, err := g.messages(req)
	if err != nil {
		return Result{}, err
	}
	opts := g.options(req)

	var result Result
	attempts := 0
	err = g.policy.Do(ctx, func(attempt int) error {
		attempts = attempt
		callCtx, cancel := attemptContext(ctx, g.callTimeout)
		defer cancel()

		resp, err := g.model.GenerateContent(callCtx, msgs, opts...)
		if err != nil {
			return fmt.Errorf("generate: %w", err)
		}
		if len(resp.Choices) == 0 || resp.Choices[0] == nil {
			return ErrNoChoices
		}

		choice := resp.Choices[0]
		result = Result{Text: choice.Content, Tokens: totalTokens(choice.GenerationInfo)}

		if resolved != nil || req.JSON {
			result.Object = jsonrepair.ExtractAndParse(choice.Content)
		}
		if resolved != nil {
			if err := resolved.Validate(result.Object); err != nil {
				return fmt.Errorf("validation failed: %w", err)
			}
		}
		return nil
	}, g.notify(req))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, ctxErr
		}
		return Result{}, fmt.Errorf("model call failed after %d attempts: %w", attempts, err)
	}

	req.Usage.record(result.Tokens)
	return result, nil
}

// Stream yields text fragments as the model produces them and then one
// StreamComplete event with the full text. Only attempts that fail before
// the first fragment are retried; a failure after that ends the stream.
func (g *Gateway) Stream(ctx context.Context, req Request) iter.Seq2[StreamEvent, error] {
	return func(yield func(StreamEvent, error) bool) {
		if strings.TrimSpace(req.Prompt) == "" {
			yield(StreamEvent{}, ErrEmptyPrompt)
			return
		}

		msgs, err := g.messages(req)
		if err != nil {
			yield(StreamEvent{}, err)
			return
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		var full strings.Builder
		started, stopped := false, false
		tokens := 0
		attempts := 0

		err = g.policy.Do(ctx, func(attempt int) error {
			attempts = attempt
			callCtx, cancelCall := attemptContext(ctx, g.streamTimeout)
			defer cancelCall()

			opts := append(g.options(req), llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
				// yield must not run again once the consumer has stopped,
				// even if the provider ignores errStopped.
				if stopped {
					return errStopped
				}
				if len(chunk) == 0 {
					return nil
				}
				started = true
				full.Write(chunk)
				if !yield(StreamEvent{Kind: StreamContent, Text: string(chunk)}, nil) {
					stopped = true
					return errStopped
				}
				return nil
			}))

			resp, err := g.model.GenerateContent(callCtx, msgs, opts...)
			if err != nil {
				if started {
					return retry.Permanent(fmt.Errorf("stream interrupted: %w", err))
				}
				return fmt.Errorf("generate: %w", err)
			}
			if resp != nil && len(resp.Choices) > 0 && resp.Choices[0] != nil {
				tokens = totalTokens(resp.Choices[0].GenerationInfo)
				// Providers that ignore the streaming callback still return
				// the full text.
				if !started && resp.Choices[0].Content != "" {
					full.WriteString(resp.Choices[0].Content)
					started = true
					if !yield(StreamEvent{Kind: StreamContent, Text: resp.Choices[0].Content}, nil) {
						stopped = true
						return retry.Permanent(errStopped)
					}
				}
			}
			return nil
		}, g.notify(req))

		if stopped {
			return
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = ctxErr
			} else if !started {
				err = fmt.Errorf("model call failed after %d attempts: %w", attempts, err)
			}
			yield(StreamEvent{}, err)
			return
		}

		req.Usage.record(tokens)
		yield(StreamEvent{Kind: StreamComplete, Text: full.String()}, nil)
	}
}

var errStopped = errors.New("llm: stream consumer stopped")

func attemptContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}

func (g *Gateway) notify(req Request) retry.NotifyFunc {
	return func(attempt int, err error, wait time.Duration) {
		g.logger.Warn("Retrying model call", "model", req.Model, "attempt", attempt, "max", g.MaxAttempts(), "wait", wait, "error", err)
		if req.OnRetry != nil {
			req.OnRetry(attempt, g.MaxAttempts(), err)
		}
	}
}

func (g *Gateway) messages(req Request) ([]llms.MessageContent, error) {
	system := req.System
	if req.Schema != nil {
		format, err := schemaInstruction(req.Schema)
		if err != nil {
			return nil, err
		}
		system = strings.TrimSpace(system + "\n\n# Response Format:\n" + format)
	}

	var msgs []llms.MessageContent
	if system != "" {
		msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeSystem, system))
	}
	return append(msgs, llms.TextParts(llms.ChatMessageTypeHuman, req.Prompt)), nil
}

func (g *Gateway) options(req Request) []llms.CallOption {
	p := ProfileFor(req.Model)
	opts := []llms.CallOption{
		llms.WithTemperature(p.Temperature),
		llms.WithTopP(p.TopP),
		llms.WithMaxTokens(p.MaxTokens),
	}
	if req.Model != "" {
		opts = append(opts, llms.WithModel(req.Model))
	}
	if req.JSON || req.Schema != nil {
		opts = append(opts, llms.WithJSONMode())
	}
	return opts
}

func schemaInstruction(s *jsonschema.Schema) (string, error) {
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode schema: %w", err)
	}
	return "Return the JSON object directly without any formatting or additional text. " +
		"It must follow this JSON schema and include every required property:\n" + string(raw), nil
}

// totalTokens reads the usage figure providers put in GenerationInfo.
func totalTokens(info map[string]any) int {
	for _, key := range []string{"TotalTokens", "total_tokens", "totalTokens"} {
		if n, ok := asInt(info[key]); ok {
			return n
		}
	}
	prompt, _ := asInt(info["PromptTokens"])
	completion, _ := asInt(info["CompletionTokens"])
	return prompt + completion
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

package server

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mikeboe/deep-research/pkg/events"
	"github.com/mikeboe/deep-research/pkg/research"
	"github.com/mikeboe/deep-research/pkg/tracker"
)

const (
	mcpServerName    = "deep-research-mcp"
	mcpServerVersion = "1.0.0"
)

type QuestionsArgs struct {
	Topic string `json:"topic" jsonschema:"the research topic, 2 to 200 characters"`
}

type QuestionsResult struct {
	Questions []research.Question `json:"questions"`
}

type ClarificationArgs struct {
	Text   string `json:"text" jsonschema:"a clarifying question"`
	Answer string `json:"answer,omitempty" jsonschema:"the answer to the question, empty to skip it"`
}

type ResearchArgs struct {
	Topic     string              `json:"topic" jsonschema:"the research topic, 2 to 200 characters"`
	Questions []ClarificationArgs `json:"questions,omitempty" jsonschema:"clarifying questions to research, usually from generate_questions"`
}

type ResearchResult struct {
	Title   string `json:"title"`
	Status  string `json:"status"`
	Content string `json:"content"`
	Sources int    `json:"sources"`
}

// NewMCPServer exposes question generation and research as MCP tools.
func (h *Handler) NewMCPServer() *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: mcpServerName, Version: mcpServerVersion}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "generate_questions",
		Description: "Generate clarifying questions for a research topic.",
	}, h.questionsTool)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "deep_research",
		Description: "Research a topic on the web and return a markdown report. This can take several minutes.",
	}, h.researchTool)

	return server
}

// MCPHandler serves the MCP tools over streamable HTTP.
func (h *Handler) MCPHandler() http.Handler {
	server := h.NewMCPServer()
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return server }, nil)
}

func (h *Handler) questionsTool(ctx context.Context, _ *mcp.CallToolRequest, args QuestionsArgs) (*mcp.CallToolResult, QuestionsResult, error) {
	topic, err := cleanTopic(args.Topic)
	if err != nil {
		return toolError(err), QuestionsResult{}, nil
	}
	return nil, QuestionsResult{Questions: h.questions(ctx, topic)}, nil
}

func (h *Handler) researchTool(ctx context.Context, _ *mcp.CallToolRequest, args ResearchArgs) (*mcp.CallToolResult, ResearchResult, error) {
	topic, err := cleanTopic(args.Topic)
	if err != nil {
		return toolError(err), ResearchResult{}, nil
	}
	engine, err := h.Service.Ready()
	if err != nil {
		return toolError(err), ResearchResult{}, nil
	}

	questions := make([]research.Clarification, 0, len(args.Questions))
	for _, q := range args.Questions {
		questions = append(questions, research.Clarification{ID: uuid.NewString(), Text: q.Text, Answer: q.Answer})
	}

	logger := h.Service.Logger.With("topic", topic, "transport", "mcp")
	sink := tracker.SinkFunc(func(e events.Event) error {
		if a, ok := e.(events.Activity); ok {
			logger.Debug("Research activity", "type", a.Type, "status", a.Status, "message", a.Message)
		}
		return nil
	})
	tr := tracker.New(sink, tracker.WithLogger(logger))

	report, err := engine.Run(ctx, topic, clarifications(questions), tr)
	if err != nil {
		return nil, ResearchResult{}, err
	}

	result := ResearchResult{
		Title:   report.Title,
		Status:  report.Status,
		Content: report.Content,
		Sources: len(tr.Sources()),
	}
	if result.Content == "" {
		result.Content = tr.ReportText()
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: result.Content}},
	}, result, nil
}

func toolError(err error) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
	}
}

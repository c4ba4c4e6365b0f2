package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mikeboe/deep-research/pkg/events"
	"github.com/mikeboe/deep-research/pkg/research"
	"github.com/mikeboe/deep-research/pkg/stream"
	"github.com/mikeboe/deep-research/pkg/tracker"
)

const (
	minTopicLength = 2
	maxTopicLength = 200

	messageInvalidRequest = "无效的请求格式"
	messageResearchFailed = "研究过程出错"
)

var errTopicLength = errors.New("topic must be between 2 and 200 characters")

type questionsRequest struct {
	Topic string `json:"topic" binding:"required,min=2,max=200"`
}

type researchRequest struct {
	Topic          string                   `json:"topic" binding:"required,min=2,max=200"`
	Clarifications []research.Clarification `json:"clarifications" binding:"required,dive"`
}

type Handler struct {
	Service *Service
	// Heartbeat is the interval between keep-alive comments on research
	// streams. Zero disables them.
	Heartbeat time.Duration
}

func NewHandler(s *Service) *Handler {
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	h := &Handler{Service: s}
	if s.Cfg != nil {
		h.Heartbeat = s.Cfg.HeartbeatInterval
	}
	return h
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.health)
	r.POST("/generate-questions", h.generateQuestions)
	r.POST("/deep-research", h.deepResearch)
	r.Any("/mcp", gin.WrapH(h.MCPHandler()))

	api := r.Group("/api")
	{
		api.POST("/generate-questions", h.generateQuestions)
		api.POST("/deep-research", h.deepResearch)
	}
}

func (h *Handler) health(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if cfg := h.Service.Cfg; cfg != nil {
		body["llmProvider"] = cfg.LLMProvider
		body["searchProvider"] = cfg.SearchProvider
	}
	if h.Service.Err != nil {
		body["configError"] = h.Service.Err.Error()
	}
	c.JSON(http.StatusOK, body)
}

// generateQuestions never fails once the request is valid. Without a
// working model the templated questions are returned.
func (h *Handler) generateQuestions(c *gin.Context) {
	var req questionsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	topic, err := cleanTopic(req.Topic)
	if err != nil {
		badRequest(c, err)
		return
	}

	questions := h.questions(c.Request.Context(), topic)
	c.JSON(http.StatusOK, gin.H{"questions": questions})
}

func (h *Handler) questions(ctx context.Context, topic string) []research.Question {
	logger := h.Service.Logger
	engine, err := h.Service.Ready()
	if err != nil {
		logger.Warn("Serving templated questions", "topic", topic, "error", err)
		return research.FallbackQuestions(topic)
	}

	questions, fallback := engine.GenerateQuestions(ctx, topic)
	logger.Info("Generated questions", "topic", topic, "count", len(questions), "fallback", fallback)
	return questions
}

func (h *Handler) deepResearch(c *gin.Context) {
	var req researchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	topic, err := cleanTopic(req.Topic)
	if err != nil {
		badRequest(c, err)
		return
	}

	engine, err := h.Service.Ready()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	logger := h.Service.Logger.With("topic", topic)
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	stream.SetHeaders(c.Writer.Header())
	c.Status(http.StatusOK)
	writer := stream.NewWriter(c.Writer)
	go writer.Heartbeat(ctx, h.Heartbeat)

	tr := tracker.New(writer, tracker.WithLogger(logger))
	if _, err := engine.Run(ctx, topic, clarifications(req.Clarifications), tr); err != nil {
		// A client that went away gets nothing more. Any other abort is
		// reported while the stream still works.
		if ctx.Err() == nil && tr.Err() == nil {
			tr.AddDetailed(events.TypeGenerate, events.StatusError, messageResearchFailed, err.Error())
			tr.SendError(err.Error())
		}
	}

	cancel()
	if err := writer.End(); err != nil {
		logger.Debug("Failed to end research stream", "error", err)
	}
}

func clarifications(in []research.Clarification) []research.Clarification {
	out := make([]research.Clarification, 0, len(in))
	for _, c := range in {
		c.Text = strings.TrimSpace(c.Text)
		if c.Text == "" {
			continue
		}
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		c.Answer = strings.TrimSpace(c.Answer)
		out = append(out, c)
	}
	return out
}

func cleanTopic(topic string) (string, error) {
	topic = strings.TrimSpace(topic)
	if n := utf8.RuneCountInString(topic); n < minTopicLength || n > maxTopicLength {
		return "", errTopicLength
	}
	return topic, nil
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": messageInvalidRequest, "details": err.Error()})
}

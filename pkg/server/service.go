package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mikeboe/deep-research/pkg/clients"
	"github.com/mikeboe/deep-research/pkg/config"
	"github.com/mikeboe/deep-research/pkg/llm"
	"github.com/mikeboe/deep-research/pkg/research"
	"github.com/mikeboe/deep-research/pkg/retry"
	"github.com/mikeboe/deep-research/pkg/search"
)

var ErrNotConfigured = errors.New("research engine is not configured")

// Service owns the research engine. When the configuration is incomplete
// Engine is nil and Err holds the diagnostic, so the server can still start
// and answer health checks.
type Service struct {
	Cfg    *config.Config
	Engine *research.ResearchEngine
	Err    error
	Logger *slog.Logger
}

func NewService(ctx context.Context, cfg *config.Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{Cfg: cfg, Logger: logger}

	if err := cfg.Validate(); err != nil {
		s.Err = err
		return s
	}
	engine, err := NewEngine(ctx, cfg, logger)
	if err != nil {
		s.Err = err
		return s
	}
	s.Engine = engine
	return s
}

// NewEngine builds the model gateway and search provider selected by cfg.
func NewEngine(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*research.ResearchEngine, error) {
	model, err := clients.NewModel(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create model client: %w", err)
	}

	gateway := llm.NewGateway(model,
		llm.WithPolicy(retry.Policy{
			MaxAttempts: cfg.RetryAttempts,
			BaseDelay:   cfg.RetryDelay,
			Backoff:     retry.Linear,
		}),
		llm.WithCallTimeout(cfg.CallTimeout),
		llm.WithStreamTimeout(cfg.StreamTimeout),
		llm.WithLogger(logger),
	)

	searcher, err := NewSearcher(cfg)
	if err != nil {
		return nil, err
	}

	engine := research.NewEngine(gateway, searcher, research.ConfigFrom(cfg))
	engine.Pages = search.NewPageFetcher(cfg.SearchTimeout)
	engine.Logger = logger
	return engine, nil
}

func NewSearcher(cfg *config.Config) (search.Searcher, error) {
	switch cfg.SearchProvider {
	case config.SearchExa:
		return search.NewExaClient(cfg.ExaAPIKey, cfg.ExaBaseURL, cfg.SearchTimeout, cfg.SearchRateLimit), nil
	case config.SearchArxiv:
		return search.NewArxivClient(cfg.SearchTimeout), nil
	default:
		return nil, fmt.Errorf("unsupported search provider %q", cfg.SearchProvider)
	}
}

// Ready returns the engine or the reason there is none.
func (s *Service) Ready() (*research.ResearchEngine, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	if s.Engine == nil {
		return nil, ErrNotConfigured
	}
	return s.Engine, nil
}

package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	ProviderOpenRouter = "openrouter"
	ProviderGoogle     = "google"

	SearchExa   = "exa"
	SearchArxiv = "arxiv"
)

const (
	defaultThinkingModel = "google/gemini-2.0-flash-thinking-exp:free"
	defaultLiteModel     = "google/gemini-2.0-flash-lite-preview-02-05:free"
)

type Config struct {
	LLMProvider       string
	OpenRouterAPIKey  string
	OpenRouterBaseURL string
	GoogleAPIKey      string

	PlanningModel   string
	ExtractionModel string
	AnalysisModel   string
	ReportModel     string
	QuestionModel   string

	SearchProvider  string
	ExaAPIKey       string
	ExaBaseURL      string
	SearchRateLimit float64

	Port           string
	AllowedOrigins []string
	LogLevel       string

	MaxIterations      int
	MaxSearchResults   int
	MaxDocsPerQuestion int
	MaxTextLength      int

	RetryAttempts     int
	RetryDelay        time.Duration
	CallTimeout       time.Duration
	StreamTimeout     time.Duration
	SearchTimeout     time.Duration
	HeartbeatInterval time.Duration
	FallbackDelay     time.Duration
}

// Load reads the configuration from the environment. Callers that want
// .env support should run godotenv.Load first.
func Load() *Config {
	planning := getEnv("PLANNING_MODEL", defaultThinkingModel)

	return &Config{
		LLMProvider:       strings.ToLower(getEnv("LLM_PROVIDER", ProviderOpenRouter)),
		OpenRouterAPIKey:  getEnv("OPENROUTER_API_KEY", ""),
		OpenRouterBaseURL: getEnv("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1"),
		GoogleAPIKey:      getEnv("GOOGLE_API_KEY", ""),

		PlanningModel:   planning,
		ExtractionModel: getEnv("EXTRACTION_MODEL", defaultLiteModel),
		AnalysisModel:   getEnv("ANALYSIS_MODEL", defaultLiteModel),
		ReportModel:     getEnv("REPORT_MODEL", defaultLiteModel),
		QuestionModel:   getEnv("QUESTION_MODEL", planning),

		SearchProvider:  strings.ToLower(getEnv("SEARCH_PROVIDER", SearchExa)),
		ExaAPIKey:       getEnv("EXA_SEARCH_API_KEY", ""),
		ExaBaseURL:      getEnv("EXA_BASE_URL", "https://api.exa.ai"),
		SearchRateLimit: getEnvAsFloat("SEARCH_RATE_LIMIT", 5),

		Port:           getEnv("PORT", "8081"),
		AllowedOrigins: getEnvAsList("ALLOWED_ORIGINS", []string{"*"}),
		LogLevel:       getEnv("LOG_LEVEL", "info"),

		MaxIterations:      getEnvAsInt("MAX_ITERATIONS", 3),
		MaxSearchResults:   getEnvAsInt("MAX_SEARCH_RESULTS", 5),
		MaxDocsPerQuestion: getEnvAsInt("MAX_DOCS_PER_QUESTION", 5),
		MaxTextLength:      getEnvAsInt("MAX_TEXT_LENGTH", 8000),

		RetryAttempts:     getEnvAsInt("RETRY_ATTEMPTS", 3),
		RetryDelay:        getEnvAsDuration("RETRY_DELAY", time.Second),
		CallTimeout:       getEnvAsDuration("CALL_TIMEOUT", 60*time.Second),
		StreamTimeout:     getEnvAsDuration("STREAM_TIMEOUT", 10*time.Minute),
		SearchTimeout:     getEnvAsDuration("SEARCH_TIMEOUT", 30*time.Second),
		HeartbeatInterval: getEnvAsDuration("HEARTBEAT_INTERVAL", 15*time.Second),
		FallbackDelay:     getEnvAsDuration("FALLBACK_DELAY", time.Second),
	}
}

// MissingEnvError lists required environment variables that were not set.
type MissingEnvError struct {
	Vars []string
}

func (e *MissingEnvError) Error() string {
	return fmt.Sprintf("missing required environment variables: %s", strings.Join(e.Vars, ", "))
}

// Validate reports the API keys the selected providers need but do not have.
func (c *Config) Validate() error {
	var missing []string

	switch c.LLMProvider {
	case ProviderOpenRouter:
		if c.OpenRouterAPIKey == "" {
			missing = append(missing, "OPENROUTER_API_KEY")
		}
	case ProviderGoogle:
		if c.GoogleAPIKey == "" {
			missing = append(missing, "GOOGLE_API_KEY")
		}
	default:
		return fmt.Errorf("unsupported LLM_PROVIDER %q", c.LLMProvider)
	}

	switch c.SearchProvider {
	case SearchExa:
		if c.ExaAPIKey == "" {
			missing = append(missing, "EXA_SEARCH_API_KEY")
		}
	case SearchArxiv:
	default:
		return fmt.Errorf("unsupported SEARCH_PROVIDER %q", c.SearchProvider)
	}

	if len(missing) > 0 {
		return &MissingEnvError{Vars: missing}
	}
	return nil
}

// SlogLevel maps LogLevel onto a slog.Level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration accepts Go duration strings ("1500ms") or plain
// integers, which are read as milliseconds.
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if ms, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

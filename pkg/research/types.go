package research

import (
	"time"

	"github.com/mikeboe/deep-research/pkg/config"
	"github.com/mikeboe/deep-research/pkg/search"
)

// Config holds runtime configuration
type Config struct {
	PlanningModel   string
	ExtractionModel string
	AnalysisModel   string
	ReportModel     string
	QuestionModel   string

	// MaxIterations bounds the refine loop per question. The first pass
	// counts as one.
	MaxIterations      int
	MaxSearchResults   int
	MaxDocsPerQuestion int
	MaxTextLength      int
	// FallbackDelay paces the degraded run.
	FallbackDelay time.Duration
}

func ConfigFrom(cfg *config.Config) Config {
	return Config{
		PlanningModel:      cfg.PlanningModel,
		ExtractionModel:    cfg.ExtractionModel,
		AnalysisModel:      cfg.AnalysisModel,
		ReportModel:        cfg.ReportModel,
		QuestionModel:      cfg.QuestionModel,
		MaxIterations:      cfg.MaxIterations,
		MaxSearchResults:   cfg.MaxSearchResults,
		MaxDocsPerQuestion: cfg.MaxDocsPerQuestion,
		MaxTextLength:      cfg.MaxTextLength,
		FallbackDelay:      cfg.FallbackDelay,
	}
}

// Question is a clarifying question offered to the user before research.
type Question struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Clarification is a question with the user's answer, if any.
type Clarification struct {
	ID     string `json:"id"`
	Text   string `json:"text"`
	Answer string `json:"answer,omitempty"`
}

type Finding struct {
	Fact   string `json:"fact"`
	Source string `json:"source"`
}

type Analysis struct {
	IsComplete        bool     `json:"isComplete"`
	Gaps              []string `json:"gaps"`
	AdditionalQueries []string `json:"additionalQueries"`
}

// QuestionResult is everything learned about one research question.
type QuestionResult struct {
	Question   string    `json:"question"`
	Findings   []Finding `json:"findings"`
	Analysis   Analysis  `json:"analysis"`
	Iterations int       `json:"iterations"`
}

// ResearchState is owned by a single run and discarded with it.
type ResearchState struct {
	Topic     string
	Questions []Clarification
	Queries   []string
	Documents []search.Document
	Results   []QuestionResult

	docIndex map[string]int
}

func newState(topic string, questions []Clarification) *ResearchState {
	if len(questions) == 0 {
		questions = []Clarification{{ID: "topic", Text: topic}}
	}
	return &ResearchState{
		Topic:     topic,
		Questions: questions,
		docIndex:  make(map[string]int),
	}
}

// addDocuments merges docs keyed by URL. A later document replaces an
// earlier one with the same URL but keeps its position. It returns the
// documents that were not known before.
func (s *ResearchState) addDocuments(docs []search.Document) []search.Document {
	var added []search.Document
	for _, d := range docs {
		key := documentKey(d)
		if i, ok := s.docIndex[key]; ok {
			s.Documents[i] = d
			continue
		}
		s.docIndex[key] = len(s.Documents)
		s.Documents = append(s.Documents, d)
		added = append(added, d)
	}
	return added
}

func documentKey(d search.Document) string {
	if d.URL != "" {
		return d.URL
	}
	return "id:" + d.ID
}

// Package search queries web search providers and normalizes their results
// into Documents.
package search

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// UnknownTitle replaces missing result titles.
const UnknownTitle = "未知标题"

type Document struct {
	ID            string  `json:"id"`
	Title         string  `json:"title"`
	URL           string  `json:"url"`
	Text          string  `json:"text"`
	Score         float64 `json:"score"`
	PublishedDate string  `json:"publishedDate,omitempty"`
	Author        string  `json:"author,omitempty"`
	Source        string  `json:"source,omitempty"`
}

type RankingMode string

const (
	RankNeural  RankingMode = "neural"
	RankKeyword RankingMode = "keyword"
)

type Options struct {
	NumResults         int
	StartPublishedDate string
	EndPublishedDate   string
	IncludeDomains     []string
	ExcludeDomains     []string
	Ranking            RankingMode
	Highlights         bool
}

// DefaultOptions mirrors the provider defaults used when a caller passes a
// zero Options.
func DefaultOptions() Options {
	return Options{NumResults: 10, Ranking: RankNeural, Highlights: true}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.NumResults <= 0 {
		o.NumResults = d.NumResults
	}
	if o.Ranking == "" {
		o.Ranking = d.Ranking
	}
	return o
}

// Searcher is a web search capability. Any non-2xx response is an error
// for that call.
type Searcher interface {
	Search(ctx context.Context, query string, opts Options) ([]Document, error)
	FetchContent(ctx context.Context, rawURL string) (string, error)
}

// StatusError is returned when a provider answers outside the 2xx range.
type StatusError struct {
	Provider string
	Status   int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Provider, e.Status, e.Body)
}

// normalize fills the fields every Document must carry.
func normalize(d Document, prefix string, now func() time.Time) Document {
	if d.ID == "" {
		d.ID = fmt.Sprintf("%s-%d-%s", prefix, now().UnixMilli(), strings.ReplaceAll(uuid.NewString(), "-", "")[:7])
	}
	d.Title = strings.TrimSpace(d.Title)
	if d.Title == "" {
		d.Title = UnknownTitle
	}
	if d.Source == "" {
		d.Source = hostname(d.URL)
	}
	return d
}

func hostname(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// Snippet returns the first n runes of text followed by "...".
func Snippet(text string, n int) string {
	runes := []rune(text)
	if len(runes) > n {
		runes = runes[:n]
	}
	return string(runes) + "..."
}

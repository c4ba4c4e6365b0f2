package search

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// ArxivEntry struct to hold arXiv entry data
type ArxivEntry struct {
	ID        string        `xml:"id"`
	Title     string        `xml:"title"`
	Summary   string        `xml:"summary"`
	Published string        `xml:"published"`
	Authors   []ArxivAuthor `xml:"author"`
	Link      []ArxivLink   `xml:"link"`
}

type ArxivAuthor struct {
	Name string `xml:"name"`
}

// ArxivLink struct to hold arXiv link data
type ArxivLink struct {
	Href  string `xml:"href,attr"`
	Type  string `xml:"type,attr"`
	Title string `xml:"title,attr"`
}

// ArxivFeed struct to hold the entire arXiv feed
type ArxivFeed struct {
	XMLName xml.Name     `xml:"feed"`
	Entry   []ArxivEntry `xml:"entry"`
}

// ArxivClient searches the arXiv export API. It needs no API key. Pages
// are fetched through the HTML fetcher since arXiv has no contents
// endpoint.
type ArxivClient struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	pages   *PageFetcher
	logger  *slog.Logger
	now     func() time.Time
}

// NewArxivClient uses arXiv's requested pace of one call every three
// seconds.
func NewArxivClient(timeout time.Duration) *ArxivClient {
	return &ArxivClient{
		baseURL: "https://export.arxiv.org/api/query",
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Every(3*time.Second), 1),
		pages:   NewPageFetcher(timeout),
		logger:  slog.Default(),
		now:     time.Now,
	}
}

func (c *ArxivClient) Search(ctx context.Context, query string, opts Options) ([]Document, error) {
	opts = opts.withDefaults()

	params := url.Values{}
	params.Add("search_query", arxivQuery(query, opts.Ranking))
	params.Add("max_results", strconv.Itoa(opts.NumResults))
	params.Add("start", "0")
	if opts.Ranking == RankNeural {
		params.Add("sortBy", "relevance")
	}
	apiURL := c.baseURL + "?" + params.Encode()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("arxiv rate limit: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make API request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		c.logger.Error("arXiv returned non-200 status code", "status", resp.StatusCode)
		return nil, &StatusError{Provider: "arxiv", Status: resp.StatusCode, Body: string(body)}
	}

	var feed ArxivFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal XML: %w", err)
	}

	docs := make([]Document, 0, len(feed.Entry))
	for _, entry := range feed.Entry {
		if !withinDates(entry.Published, opts) {
			continue
		}
		docs = append(docs, normalize(entry.document(), "arxiv", c.now))
	}
	c.logger.Info("arXiv search finished", "query", query, "results", len(docs))
	return docs, nil
}

func (c *ArxivClient) FetchContent(ctx context.Context, rawURL string) (string, error) {
	return c.pages.Fetch(ctx, rawURL)
}

func (e ArxivEntry) document() Document {
	d := Document{
		ID:            strings.TrimSpace(e.ID),
		Title:         collapse(e.Title),
		Text:          collapse(e.Summary),
		PublishedDate: e.Published,
		Source:        "arxiv.org",
	}
	if len(e.Authors) > 0 {
		d.Author = e.Authors[0].Name
	}
	for _, link := range e.Link {
		if link.Type == "text/html" && d.URL == "" {
			d.URL = link.Href
		}
	}
	if d.URL == "" {
		d.URL = d.ID
	}
	return d
}

// arxivQuery searches all fields; keyword mode requires every term.
func arxivQuery(query string, mode RankingMode) string {
	terms := strings.Fields(query)
	if mode != RankKeyword || len(terms) < 2 {
		return "all:" + query
	}
	for i, t := range terms {
		terms[i] = "all:" + t
	}
	return strings.Join(terms, " AND ")
}

func withinDates(published string, opts Options) bool {
	if published == "" {
		return true
	}
	day := published
	if len(day) > 10 {
		day = day[:10]
	}
	if opts.StartPublishedDate != "" && day < opts.StartPublishedDate[:min(10, len(opts.StartPublishedDate))] {
		return false
	}
	if opts.EndPublishedDate != "" && day > opts.EndPublishedDate[:min(10, len(opts.EndPublishedDate))] {
		return false
	}
	return true
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

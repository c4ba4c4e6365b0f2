package research

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mikeboe/deep-research/pkg/events"
	"github.com/mikeboe/deep-research/pkg/llm"
	"github.com/mikeboe/deep-research/pkg/search"
	"github.com/mikeboe/deep-research/pkg/tracker"
)

const (
	maxQueries           = 5
	maxAdditionalQueries = 3
	searchConcurrency    = 4
	snippetLength        = 200
	defaultRelevance     = 0.7
)

// PageFetcher loads a page as text when the search provider has none.
type PageFetcher interface {
	Fetch(ctx context.Context, rawURL string) (string, error)
}

type ResearchEngine struct {
	Gateway *llm.Gateway
	Search  search.Searcher
	Pages   PageFetcher
	Config  Config
	Logger  *slog.Logger
	// Sleep paces the degraded run.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

func NewEngine(gateway *llm.Gateway, searcher search.Searcher, cfg Config) *ResearchEngine {
	return &ResearchEngine{
		Gateway: gateway,
		Search:  searcher,
		Config:  cfg,
		Logger:  slog.Default(),
		Sleep:   sleep,
		Now:     time.Now,
	}
}

// stageError is a failure that ends the normal stage sequence and starts
// the degraded run.
type stageError struct {
	stage    events.ActivityType
	activity string
	err      error
}

func (e *stageError) Error() string { return fmt.Sprintf("%s stage: %v", e.stage, e.err) }

func (e *stageError) Unwrap() error { return e.err }

type run struct {
	*ResearchEngine
	state *ResearchState
	tr    *tracker.Tracker
	usage *llm.Usage
}

// Run researches topic and streams progress through tr. Stage failures
// are reported on the stream and answered with a degraded report, so Run
// only returns an error when the context ends or the stream breaks.
func (e *ResearchEngine) Run(ctx context.Context, topic string, clarifications []Clarification, tr *tracker.Tracker) (*events.Report, error) {
	r := &run{
		ResearchEngine: e.withDefaults(),
		state:          newState(topic, clarifications),
		tr:             tr,
		usage:          &llm.Usage{},
	}
	r.Logger.Info("Starting research", "topic", topic, "questions", len(r.state.Questions))

	report, err := r.execute(ctx)
	if err != nil {
		r.Logger.Warn("Research aborted", "topic", topic, "error", err)
	} else {
		r.Logger.Info("Research finished", "topic", topic, "status", report.Status, "tokens", r.usage.Tokens(), "steps", r.usage.Steps())
	}
	return report, err
}

func (e *ResearchEngine) withDefaults() *ResearchEngine {
	c := *e
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Sleep == nil {
		c.Sleep = sleep
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Config.MaxIterations < 1 {
		c.Config.MaxIterations = 1
	}
	return &c
}

func (r *run) execute(ctx context.Context) (*events.Report, error) {
	r.state.Queries = r.plan(ctx)
	if err := r.aborted(ctx); err != nil {
		return nil, err
	}

	r.search(ctx)
	if err := r.aborted(ctx); err != nil {
		return nil, err
	}

	if err := r.investigate(ctx); err != nil {
		return r.fail(ctx, err)
	}

	report, err := r.generate(ctx)
	if err != nil {
		return r.fail(ctx, err)
	}
	return report, nil
}

func (r *run) aborted(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.tr.Err(); err != nil {
		return fmt.Errorf("stream write failed: %w", err)
	}
	return nil
}

func (r *run) fail(ctx context.Context, err error) (*events.Report, error) {
	if abort := r.aborted(ctx); abort != nil {
		return nil, abort
	}

	r.Logger.Error("Research stage failed", "topic", r.state.Topic, "error", err)
	var se *stageError
	if errors.As(err, &se) && se.activity != "" {
		r.tr.Update(se.activity, events.StatusError, "")
	}
	r.tr.SendError(err.Error())
	return r.degrade(ctx)
}

// warn records a retry as a warning activity of the calling stage.
func (r *run) warn(stage events.ActivityType) func(attempt, maxAttempts int, err error) {
	return func(attempt, maxAttempts int, err error) {
		r.tr.AddDetailed(stage, events.StatusWarning,
			fmt.Sprintf("模型调用失败，尝试 %d/%d. 重试中...", attempt, maxAttempts), err.Error())
	}
}

func (r *run) plan(ctx context.Context) []string {
	id := r.tr.Add(events.TypePlanning, events.StatusPending, "开始研究主题: "+r.state.Topic)

	var resp struct {
		Queries []string `json:"queries"`
	}
	res, err := r.Gateway.Call(ctx, llm.Request{
		Model:   r.Config.PlanningModel,
		System:  planningSystem,
		Prompt:  planningPrompt(r.state.Topic, r.state.Questions),
		Schema:  QueriesSchema(),
		Usage:   r.usage,
		OnRetry: r.warn(events.TypePlanning),
	})
	if err == nil {
		err = res.Decode(&resp)
	}

	queries := cleanQueries(resp.Queries, maxQueries)
	if err != nil || len(queries) == 0 {
		r.Logger.Warn("Planning failed, using templated queries", "topic", r.state.Topic, "error", err)
		queries = FallbackQueries(r.state.Topic)
	}

	r.Logger.Info("Generated queries", "queries", queries)
	r.tr.Update(id, events.StatusComplete, "已生成搜索查询: "+strings.Join(queries, ", "))
	return queries
}

func cleanQueries(queries []string, limit int) []string {
	seen := make(map[string]bool)
	var out []string
	for _, q := range queries {
		q = strings.TrimSpace(q)
		if q == "" || seen[q] {
			continue
		}
		seen[q] = true
		out = append(out, q)
		if len(out) == limit {
			break
		}
	}
	return out
}

func (r *run) search(ctx context.Context) {
	id := r.tr.Add(events.TypeSearch, events.StatusPending, "正在搜索相关信息...")

	r.state.addDocuments(r.searchAll(ctx, r.state.Queries))
	for _, d := range r.state.Documents {
		r.tr.AddSource(sourceOf(d))
	}

	r.tr.Update(id, events.StatusComplete, fmt.Sprintf("已完成信息搜索，找到 %d 个结果", len(r.state.Documents)))
}

// searchAll runs queries concurrently and returns their documents in
// query order. A failed query contributes nothing.
func (r *run) searchAll(ctx context.Context, queries []string) []search.Document {
	opts := search.DefaultOptions()
	if r.Config.MaxSearchResults > 0 {
		opts.NumResults = r.Config.MaxSearchResults
	}

	results := make([][]search.Document, len(queries))
	var g errgroup.Group
	g.SetLimit(searchConcurrency)
	for i, query := range queries {
		g.Go(func() error {
			docs, err := r.Search.Search(ctx, query, opts)
			if err != nil {
				r.Logger.Warn("Search failed", "query", query, "error", err)
				return nil
			}
			results[i] = docs
			return nil
		})
	}
	_ = g.Wait()

	var all []search.Document
	for _, docs := range results {
		all = append(all, docs...)
	}
	return all
}

func sourceOf(d search.Document) events.Source {
	relevance := d.Score
	if relevance <= 0 {
		relevance = defaultRelevance
	}
	return events.Source{
		URL:       d.URL,
		Title:     d.Title,
		Snippet:   search.Snippet(d.Text, snippetLength),
		Relevance: relevance,
	}
}

func (r *run) investigate(ctx context.Context) error {
	id := r.tr.Add(events.TypeExtract, events.StatusPending, "正在从搜索结果中提取信息...")

	for _, q := range r.state.Questions {
		result, err := r.research(ctx, q.Text)
		if err != nil {
			return &stageError{stage: events.TypeExtract, activity: id, err: err}
		}
		r.state.Results = append(r.state.Results, result)
	}

	r.tr.Update(id, events.StatusComplete, "已完成信息提取和分析")
	return nil
}

// research extracts and analyzes findings for one question. While the
// analysis reports gaps with follow-up queries, it searches again and
// extracts from documents this question has not used yet.
func (r *run) research(ctx context.Context, question string) (QuestionResult, error) {
	docs := r.state.Documents
	if limit := r.Config.MaxDocsPerQuestion; limit > 0 && len(docs) > limit {
		docs = docs[:limit]
	}
	used := make(map[string]bool, len(docs))
	for _, d := range docs {
		used[documentKey(d)] = true
	}

	findings, err := r.extract(ctx, question, docs)
	if err != nil {
		return QuestionResult{}, err
	}
	analysis, err := r.analyze(ctx, question, findings)
	if err != nil {
		return QuestionResult{}, err
	}

	iteration := 1
	for !analysis.IsComplete && len(analysis.AdditionalQueries) > 0 && iteration < r.Config.MaxIterations {
		iteration++
		fresh := r.refine(ctx, analysis.AdditionalQueries, used)
		if len(fresh) == 0 {
			break
		}
		more, err := r.extract(ctx, question, fresh)
		if err != nil {
			return QuestionResult{}, err
		}
		findings = append(findings, more...)
		if analysis, err = r.analyze(ctx, question, findings); err != nil {
			return QuestionResult{}, err
		}
	}

	return QuestionResult{Question: question, Findings: findings, Analysis: analysis, Iterations: iteration}, nil
}

func (r *run) refine(ctx context.Context, additional []string, used map[string]bool) []search.Document {
	queries := cleanQueries(additional, maxAdditionalQueries)
	id := r.tr.Add(events.TypeSearch, events.StatusPending, "正在补充搜索: "+strings.Join(queries, ", "))

	docs := r.searchAll(ctx, queries)
	for _, d := range r.state.addDocuments(docs) {
		r.tr.AddSource(sourceOf(d))
	}

	var fresh []search.Document
	for _, d := range docs {
		key := documentKey(d)
		if used[key] {
			continue
		}
		used[key] = true
		fresh = append(fresh, d)
		if limit := r.Config.MaxDocsPerQuestion; limit > 0 && len(fresh) == limit {
			break
		}
	}

	r.tr.Update(id, events.StatusComplete, fmt.Sprintf("补充搜索找到 %d 个新结果", len(fresh)))
	return fresh
}

func (r *run) extract(ctx context.Context, question string, docs []search.Document) ([]Finding, error) {
	id := r.tr.Add(events.TypeExtract, events.StatusPending, "正在提取信息: "+question)

	docs = r.withContent(ctx, docs)
	var resp struct {
		Findings []Finding `json:"findings"`
	}
	res, err := r.Gateway.Call(ctx, llm.Request{
		Model:   r.Config.ExtractionModel,
		System:  extractionSystem,
		Prompt:  extractionPrompt(r.state.Topic, question, sourceBlocks(docs, r.Config.MaxTextLength)),
		Schema:  FindingsSchema(),
		Usage:   r.usage,
		OnRetry: r.warn(events.TypeExtract),
	})
	if err == nil {
		err = res.Decode(&resp)
	}
	if err != nil {
		r.tr.Update(id, events.StatusError, "信息提取失败: "+question)
		return nil, fmt.Errorf("extract %q: %w", question, err)
	}

	findings := make([]Finding, 0, len(resp.Findings))
	for _, f := range resp.Findings {
		if strings.TrimSpace(f.Fact) != "" {
			findings = append(findings, f)
		}
	}
	r.tr.Update(id, events.StatusComplete, fmt.Sprintf("已提取 %d 条发现", len(findings)))
	return findings, nil
}

// withContent fills missing document text from the provider, then from
// the page itself. The input slice is not modified.
func (r *run) withContent(ctx context.Context, docs []search.Document) []search.Document {
	out := make([]search.Document, len(docs))
	copy(out, docs)
	for i, d := range out {
		if strings.TrimSpace(d.Text) != "" || d.URL == "" {
			continue
		}
		text, err := r.Search.FetchContent(ctx, d.URL)
		if (err != nil || strings.TrimSpace(text) == "") && r.Pages != nil {
			text, err = r.Pages.Fetch(ctx, d.URL)
		}
		if err != nil {
			r.Logger.Warn("Failed to fetch content", "url", d.URL, "error", err)
			continue
		}
		out[i].Text = text
	}
	return out
}

func (r *run) analyze(ctx context.Context, question string, findings []Finding) (Analysis, error) {
	id := r.tr.Add(events.TypeAnalyze, events.StatusPending, "正在分析问题: "+question)

	var analysis Analysis
	res, err := r.Gateway.Call(ctx, llm.Request{
		Model:   r.Config.AnalysisModel,
		System:  analysisSystem,
		Prompt:  analysisPrompt(r.state.Topic, question, findings),
		Schema:  AnalysisSchema(),
		Usage:   r.usage,
		OnRetry: r.warn(events.TypeAnalyze),
	})
	if err == nil {
		err = res.Decode(&analysis)
	}
	if err != nil {
		r.tr.Update(id, events.StatusError, "分析失败: "+question)
		return Analysis{}, fmt.Errorf("analyze %q: %w", question, err)
	}

	message := "分析完成: 信息充分"
	if !analysis.IsComplete {
		message = fmt.Sprintf("分析完成: 发现 %d 个信息缺口", len(analysis.Gaps))
	}
	r.tr.Update(id, events.StatusComplete, message)
	return analysis, nil
}

func (r *run) generate(ctx context.Context) (*events.Report, error) {
	id := r.tr.Add(events.TypeGenerate, events.StatusPending, "正在生成研究报告...")

	req := llm.Request{
		Model:   r.Config.ReportModel,
		System:  reportSystem,
		Prompt:  reportPrompt(r.state.Topic, r.state.Results, r.tr.Sources()),
		Usage:   r.usage,
		OnRetry: r.warn(events.TypeGenerate),
	}
	var text string
	for ev, err := range r.Gateway.Stream(ctx, req) {
		if err != nil {
			return nil, &stageError{stage: events.TypeGenerate, activity: id, err: err}
		}
		switch ev.Kind {
		case llm.StreamContent:
			r.tr.SendReportUpdate(ev.Text, false)
		case llm.StreamComplete:
			text = ev.Text
		}
		if err := r.tr.Err(); err != nil {
			return nil, err
		}
	}

	if strings.TrimSpace(text) == "" {
		r.Logger.Warn("Model returned an empty report", "topic", r.state.Topic)
		text = EmptyReport(r.state.Topic)
		r.tr.SendReportUpdate(text, false)
	}
	r.tr.SendReportUpdate("", true)
	r.tr.Update(id, events.StatusComplete, "研究报告生成完成")

	report := &events.Report{
		Title:       r.state.Topic + "研究报告",
		Content:     text,
		IsPlainText: true,
		GeneratedAt: r.Now(),
		Status:      events.ReportSuccess,
	}
	r.tr.SendComplete(report)
	return report, r.aborted(ctx)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

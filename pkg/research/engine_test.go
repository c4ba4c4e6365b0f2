package research

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/mikeboe/deep-research/pkg/events"
	"github.com/mikeboe/deep-research/pkg/llm"
	"github.com/mikeboe/deep-research/pkg/retry"
	"github.com/mikeboe/deep-research/pkg/search"
	"github.com/mikeboe/deep-research/pkg/tracker"
)

const topic = "quantum computing"

// scriptedModel answers by pipeline stage, recognised from the system
// prompt. Streaming calls receive the answer line by line.
type scriptedModel struct {
	mu      sync.Mutex
	calls   map[string]int
	prompts map[string][]string
	respond func(stage string, call int, prompt string) (string, error)
}

func newModel(respond func(stage string, call int, prompt string) (string, error)) *scriptedModel {
	return &scriptedModel{calls: map[string]int{}, prompts: map[string][]string{}, respond: respond}
}

func stageOf(system string) string {
	switch {
	case strings.Contains(system, "研究规划专家"):
		return "plan"
	case strings.Contains(system, "信息提取专家"):
		return "extract"
	case strings.Contains(system, "研究分析师"):
		return "analyze"
	case strings.Contains(system, "研究报告撰写者"):
		return "report"
	case strings.Contains(system, "研究助理"):
		return "questions"
	}
	return "unknown"
}

func (m *scriptedModel) GenerateContent(ctx context.Context, msgs []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	var opts llms.CallOptions
	for _, o := range options {
		o(&opts)
	}
	var system, prompt string
	for _, msg := range msgs {
		var b strings.Builder
		for _, p := range msg.Parts {
			if tc, ok := p.(llms.TextContent); ok {
				b.WriteString(tc.Text)
			}
		}
		if msg.Role == llms.ChatMessageTypeSystem {
			system = b.String()
		} else {
			prompt = b.String()
		}
	}

	stage := stageOf(system)
	m.mu.Lock()
	m.calls[stage]++
	n := m.calls[stage]
	m.prompts[stage] = append(m.prompts[stage], prompt)
	m.mu.Unlock()

	text, err := m.respond(stage, n, prompt)
	var cut *cutStream
	if errors.As(err, &cut) && opts.StreamingFunc != nil {
		if err := opts.StreamingFunc(ctx, []byte(cut.sent)); err != nil {
			return nil, err
		}
		return nil, cut.err
	}
	if err != nil {
		return nil, err
	}
	if opts.StreamingFunc != nil {
		for _, part := range strings.SplitAfter(text, "\n") {
			if part == "" {
				continue
			}
			if err := opts.StreamingFunc(ctx, []byte(part)); err != nil {
				return nil, err
			}
		}
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: text}}}, nil
}

// cutStream makes a streaming call deliver sent and then fail with err.
type cutStream struct {
	sent string
	err  error
}

func (c *cutStream) Error() string { return c.err.Error() }

func (m *scriptedModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

func (m *scriptedModel) count(stage string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[stage]
}

func (m *scriptedModel) prompt(stage string, i int) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prompts[stage][i]
}

const sampleReport = "# 量子计算研究报告\n\n## 引言\n\n量子计算正在快速发展。\n\n## 结论\n\n前景广阔。\n"

func happy(stage string, call int, prompt string) (string, error) {
	switch stage {
	case "plan":
		return `{"queries": ["量子计算 进展", "量子纠错"]}`, nil
	case "extract":
		return "```json\n{\"findings\": [{\"fact\": \"量子比特数量持续增长\", \"source\": \"https://a.example/1\"},]}\n```", nil
	case "analyze":
		return `{"isComplete": true, "gaps": [], "additionalQueries": []}`, nil
	case "report":
		return sampleReport, nil
	case "questions":
		return `{"questions": ["问题一", {"text": "问题二"}, "问题三", "问题四", "问题五", "问题六"]}`, nil
	}
	return "", fmt.Errorf("unexpected stage %q", stage)
}

// override replaces the answer for one stage.
func override(stage string, fn func(call int, prompt string) (string, error)) func(string, int, string) (string, error) {
	return func(s string, call int, prompt string) (string, error) {
		if s == stage {
			return fn(call, prompt)
		}
		return happy(s, call, prompt)
	}
}

type fakeSearcher struct {
	mu      sync.Mutex
	queries []string
	results func(query string) ([]search.Document, error)
	content map[string]string
}

func (f *fakeSearcher) Search(_ context.Context, query string, _ search.Options) ([]search.Document, error) {
	f.mu.Lock()
	f.queries = append(f.queries, query)
	f.mu.Unlock()
	if f.results == nil {
		return twoDocs(), nil
	}
	return f.results(query)
}

func (f *fakeSearcher) FetchContent(_ context.Context, rawURL string) (string, error) {
	if text, ok := f.content[rawURL]; ok {
		return text, nil
	}
	return "", errors.New("no content")
}

func (f *fakeSearcher) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.queries...)
}

func twoDocs() []search.Document {
	return []search.Document{
		{ID: "1", Title: "量子计算综述", URL: "https://a.example/1", Text: "量子比特数量持续增长。", Score: 0.9},
		{ID: "2", Title: "量子纠错进展", URL: "https://b.example/2", Text: "表面码取得突破。"},
	}
}

type pageFunc func(ctx context.Context, rawURL string) (string, error)

func (f pageFunc) Fetch(ctx context.Context, rawURL string) (string, error) { return f(ctx, rawURL) }

type recorder struct {
	mu     sync.Mutex
	events []events.Event
	fail   error
}

func (r *recorder) Emit(e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) all() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

func (r *recorder) errors() []events.Error {
	var out []events.Error
	for _, e := range r.all() {
		if ev, ok := e.(events.Error); ok {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) warnings() []string {
	var out []string
	for _, e := range r.all() {
		if a, ok := e.(events.Activity); ok && a.Status == events.StatusWarning {
			out = append(out, a.Message)
		}
	}
	return out
}

type harness struct {
	engine   *ResearchEngine
	model    *scriptedModel
	searcher *fakeSearcher
	sink     *recorder
	tracker  *tracker.Tracker
	slept    []time.Duration
}

func newHarness(respond func(string, int, string) (string, error)) *harness {
	h := &harness{
		model:    newModel(respond),
		searcher: &fakeSearcher{content: map[string]string{}},
		sink:     &recorder{},
	}
	gw := llm.NewGateway(h.model, llm.WithPolicy(retry.Policy{MaxAttempts: 3, Backoff: retry.Linear}))
	h.engine = NewEngine(gw, h.searcher, Config{
		PlanningModel:      "planner",
		ExtractionModel:    "extractor",
		AnalysisModel:      "analyst",
		ReportModel:        "writer",
		QuestionModel:      "planner",
		MaxIterations:      3,
		MaxSearchResults:   5,
		MaxDocsPerQuestion: 5,
		MaxTextLength:      100,
		FallbackDelay:      time.Second,
	})
	h.engine.Sleep = func(ctx context.Context, d time.Duration) error {
		h.slept = append(h.slept, d)
		return ctx.Err()
	}
	h.engine.Now = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	h.tracker = tracker.New(h.sink)
	return h
}

func (h *harness) run(t *testing.T, ctx context.Context, clarifications []Clarification) (*events.Report, error) {
	t.Helper()
	return h.engine.Run(ctx, topic, clarifications, h.tracker)
}

func oneClarification() []Clarification {
	return []Clarification{{ID: "c1", Text: "你最关注哪个方面？", Answer: "硬件"}}
}

func requireCompleted(t *testing.T, sink *recorder) events.Complete {
	t.Helper()
	all := sink.all()
	require.NotEmpty(t, all)
	done, ok := all[len(all)-1].(events.Complete)
	require.True(t, ok, "last event is %T", all[len(all)-1])
	require.NotNil(t, done.Report)
	return done
}

func TestRunCompletes(t *testing.T) {
	h := newHarness(happy)

	report, err := h.run(t, context.Background(), oneClarification())
	require.NoError(t, err)

	assert.Equal(t, events.ReportSuccess, report.Status)
	assert.Equal(t, topic+"研究报告", report.Title)
	assert.Equal(t, sampleReport, report.Content)
	assert.True(t, report.IsPlainText)

	done := requireCompleted(t, h.sink)
	assert.NotEmpty(t, done.Report.Content)

	assert.Equal(t, 1, h.model.count("plan"))
	assert.Equal(t, 1, h.model.count("extract"))
	assert.Equal(t, 1, h.model.count("analyze"))
	assert.Equal(t, 1, h.model.count("report"))
	assert.ElementsMatch(t, []string{"量子计算 进展", "量子纠错"}, h.searcher.seen())
	assert.Contains(t, h.model.prompt("plan", 0), "Q: 你最关注哪个方面？\nA: 硬件")

	sources := h.tracker.Sources()
	require.Len(t, sources, 2, "the same urls from both queries are deduplicated")
	assert.Equal(t, 0.9, sources[0].Relevance)
	assert.Equal(t, 0.7, sources[1].Relevance)
	assert.Equal(t, "表面码取得突破。...", sources[1].Snippet)

	for _, a := range h.tracker.Activities() {
		assert.NotEqual(t, events.StatusPending, a.Status, "activity %q left pending", a.Message)
	}
	assert.Empty(t, h.sink.errors())
}

func TestRunStreamsReport(t *testing.T) {
	h := newHarness(happy)
	_, err := h.run(t, context.Background(), oneClarification())
	require.NoError(t, err)

	var chunks []events.ReportChunk
	for _, e := range h.sink.all() {
		if c, ok := e.(events.ReportChunk); ok {
			chunks = append(chunks, c)
		}
	}
	require.Greater(t, len(chunks), 2)

	var text strings.Builder
	for i, c := range chunks {
		assert.Equal(t, i, c.ChunkIndex)
		assert.Equal(t, i == len(chunks)-1, c.IsFinal())
		text.WriteString(c.Content)
	}
	assert.Equal(t, sampleReport, text.String())
}

func TestRunStageMessages(t *testing.T) {
	h := newHarness(happy)
	_, err := h.run(t, context.Background(), oneClarification())
	require.NoError(t, err)

	byType := map[events.ActivityType]string{}
	for _, a := range h.tracker.Activities() {
		if _, ok := byType[a.Type]; !ok {
			byType[a.Type] = a.Message
		}
	}
	assert.Equal(t, "已生成搜索查询: 量子计算 进展, 量子纠错", byType[events.TypePlanning])
	assert.Equal(t, "已完成信息搜索，找到 2 个结果", byType[events.TypeSearch])
	assert.Equal(t, "已完成信息提取和分析", byType[events.TypeExtract])
	assert.Equal(t, "研究报告生成完成", byType[events.TypeGenerate])
}

func TestRunPlanningFallback(t *testing.T) {
	h := newHarness(override("plan", func(int, string) (string, error) {
		return "", errors.New("503 service unavailable")
	}))

	report, err := h.run(t, context.Background(), oneClarification())
	require.NoError(t, err)

	assert.Equal(t, 3, h.model.count("plan"))
	assert.ElementsMatch(t, FallbackQueries(topic), h.searcher.seen())
	assert.Equal(t, []string{"quantum computing 最新研究", "quantum computing 关键问题", "quantum computing 重要影响"}, FallbackQueries(topic))
	assert.Equal(t, []string{"模型调用失败，尝试 1/3. 重试中...", "模型调用失败，尝试 2/3. 重试中..."}, h.sink.warnings())

	assert.Equal(t, events.ReportSuccess, report.Status)
	requireCompleted(t, h.sink)
	assert.Empty(t, h.sink.errors(), "planning failure is not a stage failure")
}

func TestRunPlanningEmptyQueries(t *testing.T) {
	h := newHarness(override("plan", func(int, string) (string, error) {
		return `Sorry, I cannot help with "queries" today.`, nil
	}))

	_, err := h.run(t, context.Background(), oneClarification())
	require.NoError(t, err)
	assert.ElementsMatch(t, FallbackQueries(topic), h.searcher.seen())
}

func TestRunDegradesOnStageFailure(t *testing.T) {
	tests := []struct {
		name    string
		stage   string
		attempt int
	}{
		{"extraction", "extract", 3},
		{"analysis", "analyze", 3},
		{"report", "report", 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(override(tt.stage, func(int, string) (string, error) {
				return "", errors.New("upstream timeout")
			}))

			report, err := h.run(t, context.Background(), oneClarification())
			require.NoError(t, err)

			assert.Equal(t, tt.attempt, h.model.count(tt.stage))
			require.Len(t, h.sink.errors(), 1)
			assert.Contains(t, h.sink.errors()[0].Message, "upstream timeout")

			assert.Equal(t, events.ReportFallback, report.Status)
			assert.Equal(t, topic+"备选研究报告", report.Title)
			assert.Contains(t, report.Content, "## 参考资料")
			assert.Contains(t, report.Content, "[量子计算综述](https://a.example/1)")
			assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second, time.Second}, h.slept)

			done := requireCompleted(t, h.sink)
			assert.Equal(t, report.Content, done.Report.Content)

			var failed int
			for _, a := range h.tracker.Activities() {
				if a.Status == events.StatusError {
					failed++
				}
				assert.NotEqual(t, events.StatusPending, a.Status, "activity %q left pending", a.Message)
			}
			assert.GreaterOrEqual(t, failed, 1)
		})
	}
}

func TestFallbackReportKeepsFindings(t *testing.T) {
	h := newHarness(override("report", func(int, string) (string, error) {
		return "", errors.New("boom")
	}))

	report, err := h.run(t, context.Background(), oneClarification())
	require.NoError(t, err)
	assert.Contains(t, report.Content, "## 你最关注哪个方面？")
	assert.Contains(t, report.Content, "- 量子比特数量持续增长 (来源: https://a.example/1)")
	assert.Contains(t, report.Content, "## 结论")
}

func TestRunReportFailsMidStream(t *testing.T) {
	h := newHarness(override("report", func(int, string) (string, error) {
		return "", &cutStream{sent: "# 部分报告\n\n## 半截章节\n", err: errors.New("connection reset")}
	}))

	report, err := h.run(t, context.Background(), oneClarification())
	require.NoError(t, err)
	assert.Equal(t, 1, h.model.count("report"))
	assert.Equal(t, events.ReportFallback, report.Status)
	assert.Equal(t, report.Content, h.tracker.ReportText())
	assert.NotContains(t, h.tracker.ReportText(), "部分报告")

	// Rebuild the text a stream consumer would hold.
	var streamed string
	var sawPartial, sawReset bool
	for _, e := range h.sink.all() {
		chunk, ok := e.(events.ReportChunk)
		if !ok {
			continue
		}
		if chunk.Reset {
			require.True(t, sawPartial, "reset must follow the partial text")
			sawReset = true
			streamed = ""
		}
		if strings.Contains(chunk.Content, "部分报告") {
			sawPartial = true
		}
		streamed += chunk.Content
	}
	assert.True(t, sawReset)
	assert.Equal(t, report.Content, streamed)

	done := requireCompleted(t, h.sink)
	assert.Equal(t, report.Content, done.Report.Content)
}

func TestRunDegradeWithoutPartialReportSendsNoReset(t *testing.T) {
	h := newHarness(override("extract", func(int, string) (string, error) {
		return "", errors.New("upstream timeout")
	}))

	_, err := h.run(t, context.Background(), oneClarification())
	require.NoError(t, err)
	for _, e := range h.sink.all() {
		if chunk, ok := e.(events.ReportChunk); ok {
			assert.False(t, chunk.Reset)
		}
	}
}

func TestRunRefinesUntilComplete(t *testing.T) {
	h := newHarness(override("analyze", func(call int, _ string) (string, error) {
		if call == 1 {
			return `{"isComplete": false, "gaps": ["缺少成本数据"], "additionalQueries": ["量子计算 成本"]}`, nil
		}
		return `{"isComplete": true, "gaps": [], "additionalQueries": []}`, nil
	}))
	h.searcher.results = func(query string) ([]search.Document, error) {
		if query == "量子计算 成本" {
			return []search.Document{{ID: "3", Title: "成本分析", URL: "https://c.example/3", Text: "成本正在下降。"}}, nil
		}
		return twoDocs(), nil
	}

	_, err := h.run(t, context.Background(), oneClarification())
	require.NoError(t, err)

	assert.Equal(t, 2, h.model.count("extract"))
	assert.Equal(t, 2, h.model.count("analyze"))
	assert.Contains(t, h.searcher.seen(), "量子计算 成本")
	assert.Len(t, h.tracker.Sources(), 3)

	second := h.model.prompt("extract", 1)
	assert.Contains(t, second, "来源: https://c.example/3\n标题: 成本分析\n\n成本正在下降。")
	assert.NotContains(t, second, "https://a.example/1")
	assert.Contains(t, h.model.prompt("analyze", 1), "2. 量子比特数量持续增长")
}

func TestRunRefineIsBounded(t *testing.T) {
	h := newHarness(override("analyze", func(call int, _ string) (string, error) {
		return fmt.Sprintf(`{"isComplete": false, "gaps": ["g"], "additionalQueries": ["more %d"]}`, call), nil
	}))
	h.searcher.results = func(query string) ([]search.Document, error) {
		if strings.HasPrefix(query, "more") {
			url := "https://more.example/" + strings.ReplaceAll(query, " ", "-")
			return []search.Document{{Title: query, URL: url, Text: "text"}}, nil
		}
		return twoDocs(), nil
	}

	_, err := h.run(t, context.Background(), oneClarification())
	require.NoError(t, err)

	assert.Equal(t, 3, h.model.count("extract"))
	assert.Equal(t, 3, h.model.count("analyze"))
	assert.Equal(t, 1, h.model.count("report"))
}

func TestRunRefineStopsWithoutNewDocuments(t *testing.T) {
	h := newHarness(override("analyze", func(int, string) (string, error) {
		return `{"isComplete": false, "gaps": ["g"], "additionalQueries": ["again"]}`, nil
	}))

	_, err := h.run(t, context.Background(), oneClarification())
	require.NoError(t, err)
	assert.Equal(t, 1, h.model.count("extract"))
	assert.Equal(t, 1, h.model.count("analyze"))
}

func TestRunEmptyReport(t *testing.T) {
	h := newHarness(override("report", func(int, string) (string, error) { return "", nil }))

	report, err := h.run(t, context.Background(), oneClarification())
	require.NoError(t, err)
	assert.Equal(t, EmptyReport(topic), report.Content)
	assert.Equal(t, "# quantum computing研究报告\n\n由于技术原因，无法生成完整报告。请稍后再试。\n\n", report.Content)
	assert.Equal(t, events.ReportSuccess, report.Status)
}

func TestRunWithoutClarifications(t *testing.T) {
	h := newHarness(happy)

	_, err := h.run(t, context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, h.model.count("extract"))
	assert.Contains(t, h.model.prompt("extract", 0), "研究问题: "+topic)
}

func TestRunOneExtractionPerQuestion(t *testing.T) {
	h := newHarness(happy)
	questions := []Clarification{{ID: "1", Text: "问题一", Answer: "a"}, {ID: "2", Text: "问题二"}, {ID: "3", Text: "问题三"}}

	_, err := h.run(t, context.Background(), questions)
	require.NoError(t, err)
	assert.Equal(t, 3, h.model.count("extract"))
	assert.Equal(t, 3, h.model.count("analyze"))
	assert.NotContains(t, h.model.prompt("plan", 0), "问题二", "unanswered questions stay out of the planning prompt")
}

func TestRunAbsorbsSearchFailures(t *testing.T) {
	h := newHarness(happy)
	h.searcher.results = func(query string) ([]search.Document, error) {
		if query == "量子纠错" {
			return nil, &search.StatusError{Provider: "exa", Status: 500}
		}
		return twoDocs()[:1], nil
	}

	report, err := h.run(t, context.Background(), oneClarification())
	require.NoError(t, err)
	assert.Equal(t, events.ReportSuccess, report.Status)
	assert.Len(t, h.tracker.Sources(), 1)
	assert.Empty(t, h.sink.errors())
}

func TestRunFetchesMissingContent(t *testing.T) {
	h := newHarness(happy)
	h.searcher.results = func(string) ([]search.Document, error) {
		return []search.Document{
			{ID: "1", Title: "A", URL: "https://a.example/1"},
			{ID: "2", Title: "B", URL: "https://b.example/2"},
			{ID: "3", Title: "C", URL: "https://c.example/3", Text: strings.Repeat("长", 150)},
		}, nil
	}
	h.searcher.content["https://a.example/1"] = "provider text"
	h.engine.Pages = pageFunc(func(_ context.Context, rawURL string) (string, error) {
		return "page text for " + rawURL, nil
	})

	_, err := h.run(t, context.Background(), oneClarification())
	require.NoError(t, err)

	prompt := h.model.prompt("extract", 0)
	assert.Contains(t, prompt, "provider text")
	assert.Contains(t, prompt, "page text for https://b.example/2")
	assert.Contains(t, prompt, strings.Repeat("长", 100)+"...")
	assert.NotContains(t, prompt, strings.Repeat("长", 101))
	assert.Contains(t, prompt, "\n\n---\n\n")
}

func TestRunAbortsOnCancel(t *testing.T) {
	h := newHarness(happy)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := h.run(t, ctx, oneClarification())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, report)
	assert.Equal(t, 0, h.model.count("extract"))
	for _, e := range h.sink.all() {
		_, isComplete := e.(events.Complete)
		assert.False(t, isComplete)
	}
}

func TestRunAbortsOnBrokenStream(t *testing.T) {
	h := newHarness(happy)
	h.sink.fail = errors.New("broken pipe")

	report, err := h.run(t, context.Background(), oneClarification())
	assert.Error(t, err)
	assert.Nil(t, report)
	assert.Equal(t, 0, h.model.count("extract"))
	assert.Empty(t, h.slept, "a broken stream does not start the degraded run")
}

func TestGenerateQuestions(t *testing.T) {
	h := newHarness(happy)

	questions, fallback := h.engine.GenerateQuestions(context.Background(), topic)
	assert.False(t, fallback)
	require.Len(t, questions, QuestionCount)
	assert.Equal(t, "问题一", questions[0].Text)
	assert.Equal(t, "问题二", questions[1].Text)
	for _, q := range questions {
		assert.NotEmpty(t, q.ID)
	}
}

func TestGenerateQuestionsFallback(t *testing.T) {
	h := newHarness(override("questions", func(int, string) (string, error) {
		return "", errors.New("rate limited")
	}))

	questions, fallback := h.engine.GenerateQuestions(context.Background(), topic)
	assert.True(t, fallback)
	require.Len(t, questions, QuestionCount)
	assert.Equal(t, `"quantum computing"的主要发展历史是什么？`, questions[0].Text)
	assert.Equal(t, `如何评价"quantum computing"的社会价值？`, questions[4].Text)
	assert.Equal(t, 3, h.model.count("questions"))
}

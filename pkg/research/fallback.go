package research

import (
	"context"
	"fmt"
	"strings"

	"github.com/mikeboe/deep-research/pkg/events"
)

// FallbackQueries are used when planning yields nothing.
func FallbackQueries(topic string) []string {
	return []string{
		topic + " 最新研究",
		topic + " 关键问题",
		topic + " 重要影响",
	}
}

// EmptyReport stands in for a report the model returned empty.
func EmptyReport(topic string) string {
	return fmt.Sprintf("# %s研究报告\n\n由于技术原因，无法生成完整报告。请稍后再试。\n\n", topic)
}

// degrade finishes a run whose stages failed. It replays the planning,
// search and generate steps at a fixed pace and completes with a report
// built from whatever was collected.
func (r *run) degrade(ctx context.Context) (*events.Report, error) {
	delay := r.Config.FallbackDelay

	id := r.tr.Add(events.TypePlanning, events.StatusPending, "正在使用备选方案继续研究...")
	if err := r.Sleep(ctx, delay/2); err != nil {
		return nil, err
	}
	r.tr.Update(id, events.StatusComplete, "已切换到备选研究方案")

	id = r.tr.Add(events.TypeSearch, events.StatusPending, "正在整理已收集的信息...")
	if err := r.Sleep(ctx, delay); err != nil {
		return nil, err
	}
	sources := r.tr.Sources()
	r.tr.Update(id, events.StatusComplete, fmt.Sprintf("已整理 %d 个来源", len(sources)))

	id = r.tr.Add(events.TypeGenerate, events.StatusPending, "正在生成备选研究报告...")
	if err := r.Sleep(ctx, delay); err != nil {
		return nil, err
	}
	content := fallbackReport(r.state, sources)
	if r.tr.ReportText() != "" {
		r.tr.ResetReport()
	}
	r.tr.SendReportUpdate(content, false)
	r.tr.SendReportUpdate("", true)
	r.tr.Update(id, events.StatusComplete, "备选研究报告生成完成")

	report := &events.Report{
		Title:       r.state.Topic + "备选研究报告",
		Content:     content,
		IsPlainText: true,
		GeneratedAt: r.Now(),
		Status:      events.ReportFallback,
	}
	r.tr.SendComplete(report)
	return report, r.aborted(ctx)
}

func fallbackReport(state *ResearchState, sources []events.Source) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s备选研究报告\n\n", state.Topic)

	b.WriteString("## 引言\n\n")
	fmt.Fprintf(&b, "研究过程中出现技术问题，本报告基于已收集的部分信息生成，内容可能不完整。研究主题: %s。\n\n", state.Topic)

	answered := make(map[string]bool, len(state.Results))
	for _, res := range state.Results {
		answered[res.Question] = true
		fmt.Fprintf(&b, "## %s\n\n", res.Question)
		if len(res.Findings) == 0 {
			b.WriteString("- 暂无可用发现\n")
		}
		for _, f := range res.Findings {
			if f.Source != "" {
				fmt.Fprintf(&b, "- %s (来源: %s)\n", f.Fact, f.Source)
			} else {
				fmt.Fprintf(&b, "- %s\n", f.Fact)
			}
		}
		b.WriteString("\n")
	}
	for _, q := range state.Questions {
		if answered[q.Text] {
			continue
		}
		fmt.Fprintf(&b, "## %s\n\n- 该问题尚未完成研究\n\n", q.Text)
	}

	b.WriteString("## 结论\n\n")
	b.WriteString("由于技术原因，本次研究未能完整完成。请稍后重试以获取完整的研究报告。\n\n")

	if len(sources) > 0 {
		b.WriteString("## 参考资料\n\n")
		for i, s := range sources {
			fmt.Fprintf(&b, "%d. [%s](%s)\n", i+1, s.Title, s.URL)
		}
		b.WriteString("\n")
	}
	return b.String()
}

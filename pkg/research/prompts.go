package research

import (
	"fmt"
	"strings"

	"github.com/mikeboe/deep-research/pkg/events"
	"github.com/mikeboe/deep-research/pkg/search"
	"github.com/mikeboe/deep-research/pkg/splitter"
)

const (
	planningSystem = `你是一名研究规划专家。
根据研究主题和用户对澄清问题的回答，生成 3 到 5 个具体、互不重复的网络搜索查询。
查询应覆盖主题的不同方面，并尽量使用能检索到权威资料的关键词。`

	extractionSystem = `你是一名信息提取专家。
阅读提供的资料，只提取与研究问题直接相关、可被资料支持的事实。
每条事实必须注明其来源 URL。不要编造资料中没有的内容。`

	analysisSystem = `你是一名研究分析师。
评估已提取的发现是否足以全面回答研究问题。
如果不足，列出信息缺口，并给出最多 3 个用于填补缺口的补充搜索查询。`

	reportSystem = `你是一名专业的研究报告撰写者。
使用 Markdown 撰写结构清晰、内容详实的中文研究报告，结构如下：
# 报告标题
## 引言
## <各研究问题对应的章节>，章节中用 "- " 列出关键发现
## 结论
## 参考资料
参考资料使用 "1. [标题](URL)" 的编号列表格式。`

	questionsSystem = `你是一名研究助理。
针对用户给出的研究主题，提出 5 个有助于明确研究范围和重点的澄清问题。`
)

func planningPrompt(topic string, questions []Clarification) string {
	var b strings.Builder
	fmt.Fprintf(&b, "研究主题: %s\n", topic)
	if answered := answeredQuestions(questions); len(answered) > 0 {
		b.WriteString("\n澄清问题与回答:\n")
		for _, q := range answered {
			fmt.Fprintf(&b, "Q: %s\nA: %s\n", q.Text, q.Answer)
		}
	}
	return b.String()
}

func answeredQuestions(questions []Clarification) []Clarification {
	var out []Clarification
	for _, q := range questions {
		if strings.TrimSpace(q.Answer) != "" {
			out = append(out, q)
		}
	}
	return out
}

// sourceBlocks formats documents for the extraction prompt. Each text is
// bounded to limit characters.
func sourceBlocks(docs []search.Document, limit int) string {
	blocks := make([]string, 0, len(docs))
	for _, d := range docs {
		blocks = append(blocks, fmt.Sprintf("来源: %s\n标题: %s\n\n%s", d.URL, d.Title, splitter.Head(d.Text, limit)))
	}
	return strings.Join(blocks, "\n\n---\n\n")
}

func extractionPrompt(topic, question, blocks string) string {
	if blocks == "" {
		blocks = "(没有找到相关资料)"
	}
	return fmt.Sprintf("研究主题: %s\n研究问题: %s\n\n资料:\n\n%s", topic, question, blocks)
}

func analysisPrompt(topic, question string, findings []Finding) string {
	var b strings.Builder
	fmt.Fprintf(&b, "研究主题: %s\n研究问题: %s\n\n已提取的发现:\n", topic, question)
	if len(findings) == 0 {
		b.WriteString("(暂无发现)\n")
	}
	for i, f := range findings {
		fmt.Fprintf(&b, "%d. %s (来源: %s)\n", i+1, f.Fact, f.Source)
	}
	return b.String()
}

func reportPrompt(topic string, results []QuestionResult, sources []events.Source) string {
	var b strings.Builder
	fmt.Fprintf(&b, "研究主题: %s\n\n", topic)
	for _, r := range results {
		fmt.Fprintf(&b, "## 研究问题: %s\n", r.Question)
		if len(r.Findings) == 0 {
			b.WriteString("- (暂无发现)\n")
		}
		for _, f := range r.Findings {
			fmt.Fprintf(&b, "- %s (来源: %s)\n", f.Fact, f.Source)
		}
		if len(r.Analysis.Gaps) > 0 {
			fmt.Fprintf(&b, "信息缺口: %s\n", strings.Join(r.Analysis.Gaps, "; "))
		}
		b.WriteString("\n")
	}
	if len(sources) > 0 {
		b.WriteString("可引用的资料:\n")
		for i, s := range sources {
			fmt.Fprintf(&b, "%d. [%s](%s)\n", i+1, s.Title, s.URL)
		}
	}
	b.WriteString("\n请基于以上发现撰写完整的研究报告。")
	return b.String()
}

func questionsPrompt(topic string) string {
	return fmt.Sprintf("研究主题: %s\n\n请生成 5 个澄清问题，以 {\"questions\": [...]} 的 JSON 格式返回。", topic)
}

package client

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/mikeboe/deep-research/pkg/events"
)

const (
	headingIntroduction = "引言"
	headingConclusion   = "结论"
	headingReferences   = "参考资料"
)

var markdown = goldmark.New()

// section is the body under one level-2 heading.
type section struct {
	heading    string
	start, end int
	nodes      []ast.Node
}

// ParseMarkdownReport derives a structured report from markdown report
// text. Missing parts are left empty; the original text is kept as the
// plain-text content.
func ParseMarkdownReport(topic, md string) *events.Report {
	report := &events.Report{
		Title:       topic + "研究报告",
		Content:     md,
		IsPlainText: true,
		Sections:    []events.ReportSection{},
		References:  []events.Source{},
	}

	src := []byte(md)
	doc := markdown.Parser().Parse(text.NewReader(src))

	var (
		sections []*section
		cur      *section
		titleSet bool
	)
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		if h, ok := n.(*ast.Heading); ok && headingText(h, src) != "" {
			switch {
			case h.Level == 1 && !titleSet:
				report.Title = headingText(h, src)
				titleSet = true
				continue
			case h.Level == 2:
				if cur != nil {
					cur.end = lineStart(src, h.Lines().At(0).Start)
				}
				cur = &section{heading: headingText(h, src), start: headingEnd(src, h)}
				cur.end = len(src)
				sections = append(sections, cur)
				continue
			}
		}
		if cur != nil {
			cur.nodes = append(cur.nodes, n)
		}
	}

	for _, s := range sections {
		body := ""
		if s.start < s.end {
			body = strings.TrimSpace(string(src[s.start:s.end]))
		}
		switch s.heading {
		case headingIntroduction:
			report.Introduction = body
		case headingConclusion:
			report.Conclusion = body
		case headingReferences:
			report.References = append(report.References, references(s.nodes, src)...)
		default:
			n := len(report.Sections) + 1
			report.Sections = append(report.Sections, events.ReportSection{
				ID:       fmt.Sprintf("section-%d", n),
				Title:    s.heading,
				Content:  body,
				Findings: bullets(s.nodes, src, n),
			})
		}
	}
	return report
}

func headingText(h *ast.Heading, src []byte) string {
	parts := make([]string, 0, h.Lines().Len())
	for i := 0; i < h.Lines().Len(); i++ {
		seg := h.Lines().At(i)
		parts = append(parts, strings.TrimSpace(string(seg.Value(src))))
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

// lineStart returns the offset of the line containing pos.
func lineStart(src []byte, pos int) int {
	return bytes.LastIndexByte(src[:pos], '\n') + 1
}

// lineEnd returns the offset just past the line containing pos.
func lineEnd(src []byte, pos int) int {
	if i := bytes.IndexByte(src[pos:], '\n'); i >= 0 {
		return pos + i + 1
	}
	return len(src)
}

// headingEnd returns the offset just past h, including a setext underline.
func headingEnd(src []byte, h *ast.Heading) int {
	first := h.Lines().At(0)
	last := h.Lines().At(h.Lines().Len() - 1)
	end := lineEnd(src, last.Stop)
	if last.Stop > 0 && src[last.Stop-1] == '\n' {
		end = last.Stop
	}
	if !bytes.HasPrefix(bytes.TrimLeft(src[lineStart(src, first.Start):], " "), []byte("#")) {
		end = lineEnd(src, end)
	}
	return end
}

// bullets turns the items of unordered lists into findings.
func bullets(nodes []ast.Node, src []byte, section int) []events.Finding {
	findings := []events.Finding{}
	for _, n := range nodes {
		_ = ast.Walk(n, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
			item, ok := n.(*ast.ListItem)
			if !entering || !ok {
				return ast.WalkContinue, nil
			}
			if list, ok := item.Parent().(*ast.List); !ok || list.IsOrdered() {
				return ast.WalkContinue, nil
			}
			if summary := itemText(item, src); summary != "" {
				findings = append(findings, events.Finding{
					ID:      fmt.Sprintf("finding-%d-%d", section, len(findings)+1),
					Summary: summary,
				})
			}
			return ast.WalkContinue, nil
		})
	}
	return findings
}

// itemText is the raw text of the first block in a list item.
func itemText(item *ast.ListItem, src []byte) string {
	first := item.FirstChild()
	if first == nil {
		return ""
	}
	lines := first.Lines()
	parts := make([]string, 0, lines.Len())
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		if p := strings.TrimSpace(string(seg.Value(src))); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}

// references reads the first link of every list item.
func references(nodes []ast.Node, src []byte) []events.Source {
	var refs []events.Source
	for _, n := range nodes {
		_ = ast.Walk(n, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
			item, ok := n.(*ast.ListItem)
			if !entering || !ok {
				return ast.WalkContinue, nil
			}
			if link := firstLink(item); link != nil {
				refs = append(refs, events.Source{
					Title: inlineText(link, src),
					URL:   string(link.Destination),
				})
			}
			return ast.WalkSkipChildren, nil
		})
	}
	return refs
}

func firstLink(n ast.Node) *ast.Link {
	var found *ast.Link
	_ = ast.Walk(n, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if link, ok := n.(*ast.Link); ok && entering {
			found = link
			return ast.WalkStop, nil
		}
		return ast.WalkContinue, nil
	})
	return found
}

func inlineText(n ast.Node, src []byte) string {
	var b strings.Builder
	_ = ast.Walk(n, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch t := n.(type) {
		case *ast.Text:
			b.Write(t.Segment.Value(src))
			if t.SoftLineBreak() || t.HardLineBreak() {
				b.WriteByte(' ')
			}
		case *ast.String:
			b.Write(t.Value)
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(b.String())
}

package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/mikeboe/deep-research/pkg/client"
	"github.com/mikeboe/deep-research/pkg/events"
)

var (
	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	doneStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	sourceStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	titleStyle   = lipgloss.NewStyle().Bold(true).Underline(true)
	typeStyle    = lipgloss.NewStyle().Width(10).Faint(true)
)

// renderer prints what changed between successive session states as a
// linear log.
type renderer struct {
	mu      sync.Mutex
	out     io.Writer
	seen    map[string]events.Activity
	sources int
}

func newRenderer(out io.Writer) *renderer {
	return &renderer{out: out, seen: map[string]events.Activity{}}
}

func (r *renderer) OnChange(s client.State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, a := range s.Activities {
		if prev, ok := r.seen[a.ID]; ok && prev.Status == a.Status && prev.Message == a.Message {
			continue
		}
		r.seen[a.ID] = a
		fmt.Fprintln(r.out, activityLine(a))
	}
	for _, src := range s.Sources[min(r.sources, len(s.Sources)):] {
		fmt.Fprintln(r.out, sourceStyle.Render(fmt.Sprintf("  ↳ %s (%s)", src.Title, src.URL)))
	}
	r.sources = len(s.Sources)
}

func activityLine(a events.Activity) string {
	var mark string
	var style lipgloss.Style
	switch a.Status {
	case events.StatusComplete:
		mark, style = "✓", doneStyle
	case events.StatusWarning:
		mark, style = "!", warnStyle
	case events.StatusError:
		mark, style = "✗", errorStyle
	default:
		mark, style = "…", pendingStyle
	}

	line := fmt.Sprintf("%s %s %s", style.Render(mark), typeStyle.Render(string(a.Type)), a.Message)
	if a.Details != "" && a.Status != events.StatusComplete {
		line += sourceStyle.Render(" (" + a.Details + ")")
	}
	return line
}

// printReport writes the final report, or the reason there is none.
func printReport(out io.Writer, s client.State) {
	fmt.Fprintln(out)
	if s.Report == nil {
		if s.Phase == client.PhaseError {
			fmt.Fprintln(out, errorStyle.Render("研究未能完成"))
		} else {
			fmt.Fprintln(out, warnStyle.Render("没有生成报告"))
		}
		return
	}

	fmt.Fprintln(out, titleStyle.Render(s.Report.Title))
	if s.Report.Status == events.ReportFallback {
		fmt.Fprintln(out, warnStyle.Render("(备选报告)"))
	}
	fmt.Fprintln(out)

	content := s.Report.Content
	if content == "" {
		content = s.StreamingContent
	}
	fmt.Fprintln(out, strings.TrimSpace(content))
}

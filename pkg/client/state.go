// Package client consumes a research event stream and folds it into a
// view of the run.
package client

import (
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/mikeboe/deep-research/pkg/events"
)

type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseResearching Phase = "researching"
	PhaseCompleted   Phase = "completed"
	PhaseError       Phase = "error"
)

// Terminal reports whether p is completed or error.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseError
}

const (
	messageFailed      = "研究过程出错"
	messageInterrupted = "连接中断"
)

// State is the client's copy of a run, rebuilt only from events.
type State struct {
	Topic            string
	Phase            Phase
	Activities       []events.Activity
	Sources          []events.Source
	StreamingContent string
	Report           *events.Report
	// NextChunk is the index expected for the next numbered report chunk.
	NextChunk int
}

// Reducer applies events to a State. It never mutates its input.
type Reducer struct {
	NewID func() string
	Now   func() time.Time
}

func DefaultReducer() Reducer {
	return Reducer{NewID: uuid.NewString, Now: time.Now}
}

// Apply returns the state after e.
func (r Reducer) Apply(s State, e events.Event) State {
	if s.Phase == PhaseIdle || s.Phase == "" {
		s.Phase = PhaseResearching
	}

	switch ev := e.(type) {
	case events.Activity:
		s.Activities = upsert(s.Activities, ev)
	case events.Source:
		if !slices.ContainsFunc(s.Sources, func(x events.Source) bool { return x.URL == ev.URL }) {
			s.Sources = append(slices.Clip(s.Sources), ev)
		}
	case events.ReportChunk:
		s = r.applyChunk(s, ev)
	case events.Complete:
		s.Report = r.finalReport(s, ev.Report)
		s.Phase = PhaseCompleted
	case events.Error:
		s.Activities = append(slices.Clip(s.Activities), events.Activity{
			ID:        r.NewID(),
			Type:      events.TypeError,
			Status:    events.StatusError,
			Message:   messageFailed,
			Details:   ev.Message,
			Timestamp: r.Now().UnixMilli(),
		})
		s.Phase = PhaseError
	}
	return s
}

func upsert(list []events.Activity, a events.Activity) []events.Activity {
	if i := slices.IndexFunc(list, func(x events.Activity) bool { return x.ID == a.ID }); i >= 0 {
		out := slices.Clone(list)
		out[i] = a
		return out
	}
	return append(slices.Clip(list), a)
}

// applyChunk appends chunk text. Numbered chunks already seen are skipped
// so a replayed stream does not duplicate the report.
func (r Reducer) applyChunk(s State, c events.ReportChunk) State {
	if c.IsChunk {
		if c.ChunkIndex < s.NextChunk {
			return s
		}
		s.NextChunk = c.ChunkIndex + 1
	}
	if c.Reset {
		s.StreamingContent = ""
	}
	s.StreamingContent += c.Content
	if c.IsFinal() && s.StreamingContent != "" {
		s.Report = r.derive(s.Topic, s.StreamingContent)
	}
	return s
}

// finalReport prefers a complete payload over the streamed text.
func (r Reducer) finalReport(s State, payload *events.Report) *events.Report {
	if !payload.Empty() {
		report := *payload
		if len(report.Sections) == 0 && report.Content != "" {
			derived := ParseMarkdownReport(s.Topic, report.Content)
			report.Sections = derived.Sections
			if report.Introduction == "" {
				report.Introduction = derived.Introduction
			}
			if report.Conclusion == "" {
				report.Conclusion = derived.Conclusion
			}
			if len(report.References) == 0 {
				report.References = derived.References
			}
			if report.Title == "" {
				report.Title = derived.Title
			}
		}
		if report.GeneratedAt.IsZero() {
			report.GeneratedAt = r.Now()
		}
		return &report
	}
	if s.StreamingContent != "" {
		return r.derive(s.Topic, s.StreamingContent)
	}
	return s.Report
}

func (r Reducer) derive(topic, text string) *events.Report {
	report := ParseMarkdownReport(topic, text)
	report.GeneratedAt = r.Now()
	return report
}

// Finalize handles the end of the stream. A run that reached no terminal
// phase is completed with whatever report text arrived.
func (r Reducer) Finalize(s State) State {
	if s.Phase.Terminal() {
		return s
	}
	if s.Report == nil && s.StreamingContent != "" {
		s.Report = r.derive(s.Topic, s.StreamingContent)
	}
	s.Phase = PhaseCompleted
	return s
}

// Interrupt handles a broken read before the stream ended.
func (r Reducer) Interrupt(s State, err error) State {
	if s.Phase.Terminal() {
		return s
	}
	details := ""
	if err != nil {
		details = err.Error()
	}
	s.Activities = append(slices.Clip(s.Activities), events.Activity{
		ID:        r.NewID(),
		Type:      events.TypeError,
		Status:    events.StatusError,
		Message:   messageInterrupted,
		Details:   details,
		Timestamp: r.Now().UnixMilli(),
	})
	s.Phase = PhaseError
	return s
}

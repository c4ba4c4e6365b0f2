// Package events defines the records streamed from a research run to its
// client and their wire encoding.
package events

import (
	"time"
)

type Kind string

const (
	KindActivity Kind = "activity"
	KindSource   Kind = "source"
	KindReport   Kind = "report"
	KindComplete Kind = "complete"
	KindError    Kind = "error"
)

// Event is one of Activity, Source, ReportChunk, Complete or Error.
type Event interface {
	Kind() Kind
	event()
}

type ActivityType string

const (
	TypePlanning ActivityType = "planning"
	TypeSearch   ActivityType = "search"
	TypeExtract  ActivityType = "extract"
	TypeAnalyze  ActivityType = "analyze"
	TypeGenerate ActivityType = "generate"
	TypeQuestion ActivityType = "question"
	TypeClarify  ActivityType = "clarify"
	TypeError    ActivityType = "error"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusComplete Status = "complete"
	StatusWarning  Status = "warning"
	StatusError    Status = "error"
)

// Activity is a progress record. Timestamp is in unix milliseconds.
type Activity struct {
	ID        string       `json:"id"`
	Type      ActivityType `json:"type"`
	Status    Status       `json:"status"`
	Message   string       `json:"message"`
	Timestamp int64        `json:"timestamp"`
	Details   string       `json:"details,omitempty"`
}

type Source struct {
	URL       string  `json:"url"`
	Title     string  `json:"title"`
	Snippet   string  `json:"snippet,omitempty"`
	Relevance float64 `json:"relevance,omitempty"`
}

// ReportChunk carries a piece of report text.
type ReportChunk struct {
	Content     string `json:"content"`
	ChunkIndex  int    `json:"chunkIndex"`
	IsChunk     bool   `json:"isChunk"`
	TotalChunks *int   `json:"totalChunks,omitempty"`
	Final       *bool  `json:"final,omitempty"`
	// Reset discards the report text received so far. Content, if any,
	// starts the replacement.
	Reset bool `json:"reset,omitempty"`
}

// IsFinal reports whether c closes the report. An explicit Final flag
// wins; otherwise a chunk is final unless it belongs to a numbered series
// and is not the last of it.
func (c ReportChunk) IsFinal() bool {
	if c.Final != nil {
		return *c.Final
	}
	if c.IsChunk && c.TotalChunks != nil {
		return c.ChunkIndex == *c.TotalChunks-1
	}
	return true
}

type Complete struct {
	Report *Report `json:"report,omitempty"`
}

type Error struct {
	Message string `json:"message"`
}

func (Activity) Kind() Kind    { return KindActivity }
func (Source) Kind() Kind      { return KindSource }
func (ReportChunk) Kind() Kind { return KindReport }
func (Complete) Kind() Kind    { return KindComplete }
func (Error) Kind() Kind       { return KindError }

func (Activity) event()    {}
func (Source) event()      {}
func (ReportChunk) event() {}
func (Complete) event()    {}
func (Error) event()       {}

// Report statuses.
const (
	ReportSuccess  = "success"
	ReportFallback = "fallback"
)

type Finding struct {
	ID         string   `json:"id,omitempty"`
	Summary    string   `json:"summary"`
	Details    string   `json:"details,omitempty"`
	Sources    []string `json:"sources,omitempty"`
	Confidence float64  `json:"confidence,omitempty"`
}

type ReportSection struct {
	ID       string    `json:"id,omitempty"`
	Title    string    `json:"title"`
	Content  string    `json:"content"`
	Findings []Finding `json:"findings"`
}

// Report is either structured (sections filled) or plain text, in which
// case IsPlainText is set and Content holds the prose.
type Report struct {
	Title        string          `json:"title"`
	Introduction string          `json:"introduction,omitempty"`
	Sections     []ReportSection `json:"sections,omitempty"`
	Conclusion   string          `json:"conclusion,omitempty"`
	References   []Source        `json:"references,omitempty"`
	GeneratedAt  time.Time       `json:"generatedAt"`
	IsPlainText  bool            `json:"isPlainText,omitempty"`
	Content      string          `json:"content,omitempty"`
	Status       string          `json:"status,omitempty"`
}

// Empty reports whether r carries no usable content.
func (r *Report) Empty() bool {
	if r == nil {
		return true
	}
	return r.Content == "" && r.Introduction == "" && len(r.Sections) == 0 && r.Conclusion == ""
}

func Bool(v bool) *bool { return &v }

func Int(v int) *int { return &v }

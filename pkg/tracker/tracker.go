// Package tracker keeps the activity and source log of one research run
// and forwards every change to a Sink.
package tracker

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mikeboe/deep-research/pkg/events"
)

// Sink receives every event the tracker produces, in order.
type Sink interface {
	Emit(events.Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(events.Event) error

func (f SinkFunc) Emit(e events.Event) error { return f(e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(events.Event) error { return nil })

type Option func(*Tracker)

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func WithIDs(newID func() string) Option {
	return func(t *Tracker) { t.newID = newID }
}

func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// Tracker is safe for concurrent use. Emission happens under the lock so
// the sink sees events in the order their mutations were applied.
type Tracker struct {
	mu         sync.Mutex
	sink       Sink
	activities []events.Activity
	index      map[string]int
	sources    []events.Source
	seen       map[string]bool
	report     strings.Builder
	chunks     int
	err        error

	now    func() time.Time
	newID  func() string
	logger *slog.Logger
}

func New(sink Sink, opts ...Option) *Tracker {
	if sink == nil {
		sink = Discard
	}
	t := &Tracker{
		sink:   sink,
		index:  make(map[string]int),
		seen:   make(map[string]bool),
		now:    time.Now,
		newID:  uuid.NewString,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Add records a new activity and returns its id.
func (t *Tracker) Add(typ events.ActivityType, status events.Status, message string) string {
	return t.AddDetailed(typ, status, message, "")
}

func (t *Tracker) AddDetailed(typ events.ActivityType, status events.Status, message, details string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	a := events.Activity{
		ID:        t.newID(),
		Type:      typ,
		Status:    status,
		Message:   message,
		Timestamp: t.now().UnixMilli(),
		Details:   details,
	}
	t.index[a.ID] = len(t.activities)
	t.activities = append(t.activities, a)
	t.emit(a)
	return a.ID
}

// Update changes the status of an activity and, when message is not
// empty, its message. Unknown ids are ignored.
func (t *Tracker) Update(id string, status events.Status, message string) (events.Activity, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	i, ok := t.index[id]
	if !ok {
		t.logger.Warn("Update for unknown activity", "id", id)
		return events.Activity{}, false
	}
	a := &t.activities[i]
	a.Status = status
	if message != "" {
		a.Message = message
	}
	a.Timestamp = t.now().UnixMilli()
	t.emit(*a)
	return *a, true
}

// AddSource records s unless a source with the same URL was already seen.
func (t *Tracker) AddSource(s events.Source) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.seen[s.URL] {
		return false
	}
	t.seen[s.URL] = true
	t.sources = append(t.sources, s)
	t.emit(s)
	return true
}

// SendReportUpdate forwards a piece of report text. The text is also kept
// so SendComplete can fill a report that has no content of its own.
func (t *Tracker) SendReportUpdate(content string, final bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.report.WriteString(content)
	t.emit(events.ReportChunk{
		Content:    content,
		ChunkIndex: t.chunks,
		IsChunk:    true,
		Final:      events.Bool(final),
	})
	t.chunks++
}

// ResetReport discards the streamed report text and tells the sink to do
// the same. The chunk numbering continues.
func (t *Tracker) ResetReport() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.report.Reset()
	t.emit(events.ReportChunk{
		ChunkIndex: t.chunks,
		IsChunk:    true,
		Final:      events.Bool(false),
		Reset:      true,
	})
	t.chunks++
}

func (t *Tracker) SendComplete(report *events.Report) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if report != nil && report.Content == "" && len(report.Sections) == 0 && t.report.Len() > 0 {
		report.Content = t.report.String()
		report.IsPlainText = true
	}
	t.emit(events.Complete{Report: report})
}

func (t *Tracker) SendError(message string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.emit(events.Error{Message: message})
}

// Activities returns a copy of the log.
func (t *Tracker) Activities() []events.Activity {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]events.Activity(nil), t.activities...)
}

func (t *Tracker) Sources() []events.Source {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]events.Source(nil), t.sources...)
}

// ReportText returns the report text sent so far.
func (t *Tracker) ReportText() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.report.String()
}

// Reset clears the log. The sticky sink error is kept.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.activities = nil
	t.index = make(map[string]int)
	t.sources = nil
	t.seen = make(map[string]bool)
	t.report.Reset()
	t.chunks = 0
}

// Err returns the first error returned by the sink.
func (t *Tracker) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Tracker) emit(e events.Event) {
	if t.err != nil {
		return
	}
	if err := t.sink.Emit(e); err != nil {
		t.err = err
		t.logger.Error("Failed to emit event", "kind", e.Kind(), "error", err)
	}
}

// Package stream writes research events to a long-lived HTTP response as
// Server-Sent Events.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/mikeboe/deep-research/pkg/events"
)

var ErrClosed = errors.New("stream closed")

// SetHeaders prepares h for an event stream.
func SetHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// Writer frames events onto w and flushes after each one. Heartbeats may
// run concurrently with Emit; records never interleave.
type Writer struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	closed  bool
	err     error
}

func NewWriter(w io.Writer) *Writer {
	sw := &Writer{w: w}
	if f, ok := w.(http.Flusher); ok {
		sw.flusher = f
	}
	return sw
}

// Emit writes one event record.
func (s *Writer) Emit(e events.Event) error {
	frame, err := events.Frame(e)
	if err != nil {
		return err
	}
	return s.write(frame)
}

// End writes the terminal record. Later writes fail with ErrClosed.
func (s *Writer) End() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	err := s.writeLocked(events.DoneFrame())
	s.closed = true
	return err
}

// Heartbeat writes a comment record every interval until ctx is done or
// the writer is closed. A zero interval disables it.
func (s *Writer) Heartbeat(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.write([]byte(": ping\n\n")); err != nil {
				return
			}
		}
	}
}

func (s *Writer) write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.writeLocked(p)
}

func (s *Writer) writeLocked(p []byte) error {
	if s.err != nil {
		return s.err
	}
	if _, err := s.w.Write(p); err != nil {
		s.err = fmt.Errorf("write event: %w", err)
		return s.err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	sse "github.com/tmaxmax/go-sse"

	"github.com/mikeboe/deep-research/pkg/events"
)

// MaxRecordSize bounds one stream record. A complete report payload is the
// largest record a server sends.
const MaxRecordSize = 4 << 20

// Session owns the state of one research run on the client side.
type Session struct {
	mu      sync.Mutex
	state   State
	reducer Reducer
	logger  *slog.Logger

	// OnChange, if set, is called with every new state.
	OnChange func(State)
}

func NewSession(topic string) *Session {
	return &Session{
		state:   State{Topic: topic, Phase: PhaseIdle},
		reducer: DefaultReducer(),
		logger:  slog.Default(),
	}
}

// WithReducer replaces the reducer, mainly to fix ids and clocks.
func (s *Session) WithReducer(r Reducer) *Session {
	s.reducer = r
	return s
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Apply(e events.Event) State {
	return s.update(func(st State) State { return s.reducer.Apply(st, e) })
}

func (s *Session) update(fn func(State) State) State {
	s.mu.Lock()
	s.state = fn(s.state)
	st := s.state
	s.mu.Unlock()

	if s.OnChange != nil {
		s.OnChange(st)
	}
	return st
}

// Consume reads the stream until its terminal record or EOF and returns
// the final state. Records that do not parse are logged and skipped. A
// read error leaves the session in the error phase and is returned.
func (s *Session) Consume(ctx context.Context, r io.Reader) (State, error) {
	if err := ctx.Err(); err != nil {
		return s.State(), err
	}

	for ev, err := range sse.Read(r, &sse.ReadConfig{MaxEventSize: MaxRecordSize}) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return s.State(), ctxErr
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			s.logger.Warn("Stream read failed", "error", err)
			return s.update(func(st State) State { return s.reducer.Interrupt(st, err) }), err
		}
		if ev.Data == "" {
			continue
		}

		e, done, err := events.ParseData(ev.Data)
		if err != nil {
			s.logger.Warn("Skipping malformed stream record", "error", err)
			continue
		}
		if done {
			break
		}
		s.Apply(e)
	}
	return s.update(s.reducer.Finalize), nil
}

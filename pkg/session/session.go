package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/lunabot/pkg/chat"
)

// TurnSink receives every turn appended to any session. It is used for
// the optional turn log and must not block for long.
type TurnSink interface {
	SaveTurn(ctx context.Context, sessionID string, seq int, t chat.Turn) error
}

// Session is one ordered transcript plus the bookkeeping the store needs
// to decide whether it may be evicted.
type Session struct {
	ID string

	mu           sync.Mutex
	turns        []chat.Turn
	lastActivity time.Time
	conns        int
	pending      int

	sink TurnSink
}

func newSession(id string, sink TurnSink) *Session {
	return &Session{ID: id, lastActivity: time.Now(), sink: sink}
}

// Append adds t at the end of the transcript and returns its index.
func (s *Session) Append(t chat.Turn) int {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	s.mu.Lock()
	s.turns = append(s.turns, t)
	seq := len(s.turns) - 1
	s.lastActivity = time.Now()
	sink := s.sink
	s.mu.Unlock()

	if sink != nil {
		if err := sink.SaveTurn(context.Background(), s.ID, seq, t); err != nil {
			log.Warn().Err(err).
				Str("component", "session").
				Str("session_id", s.ID).
				Int("seq", seq).
				Msg("turn sink save failed")
		}
	}
	return seq
}

// Snapshot returns a copy of the full transcript.
func (s *Session) Snapshot() []chat.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return chat.CloneTurns(s.turns)
}

// Context returns a copy of the transcript trimmed by w.
func (s *Session) Context(w Window) []chat.Turn {
	return w.Apply(s.Snapshot())
}

func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns)
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Attach records a connection joining the session.
func (s *Session) Attach() {
	s.mu.Lock()
	s.conns++
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// Detach records a connection leaving the session.
func (s *Session) Detach() {
	s.mu.Lock()
	if s.conns > 0 {
		s.conns--
	}
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}

// Begin marks one prompt as queued or running on the session.
func (s *Session) Begin() {
	s.mu.Lock()
	s.pending++
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// End marks one prompt as finished.
func (s *Session) End() {
	s.mu.Lock()
	if s.pending > 0 {
		s.pending--
	}
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

func (s *Session) idleSince(now time.Time) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns > 0 || s.pending > 0 || s.lastActivity.IsZero() {
		return 0, false
	}
	return now.Sub(s.lastActivity), true
}

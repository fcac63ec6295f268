// Package session keeps the conversation transcripts, keyed by session id,
// for the lifetime of the process.
package session

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// SharedID is the session every connection joins in shared mode.
const SharedID = "global"

var ErrSessionNotFound = errors.New("session not found")

type StoreOptions struct {
	Sink TurnSink
	// Pinned sessions are never evicted.
	Pinned []string
}

// Store maps session ids to sessions.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
	sink     TurnSink
	pinned   map[string]struct{}

	evictIdle     time.Duration
	evictInterval time.Duration
	evictRunning  bool
}

func NewStore(opts StoreOptions) *Store {
	pinned := map[string]struct{}{}
	for _, id := range opts.Pinned {
		if id = strings.TrimSpace(id); id != "" {
			pinned[id] = struct{}{}
		}
	}
	return &Store{
		sessions: map[string]*Session{},
		sink:     opts.Sink,
		pinned:   pinned,
	}
}

// NewID returns a fresh session id.
func NewID() string { return uuid.NewString() }

// GetOrCreate returns the session for id, creating an empty one if needed.
func (st *Store) GetOrCreate(id string) (*Session, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.New("session id is empty")
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok := st.sessions[id]; ok {
		return s, nil
	}
	s := newSession(id, st.sink)
	st.sessions[id] = s
	return s, nil
}

// Attach returns the session for id and records one more attached
// connection, atomically with respect to eviction.
func (st *Store) Attach(id string) (*Session, error) {
	return st.withSession(id, (*Session).Attach)
}

// Begin returns the session for id and records one more pending prompt,
// atomically with respect to eviction.
func (st *Store) Begin(id string) (*Session, error) {
	return st.withSession(id, (*Session).Begin)
}

func (st *Store) withSession(id string, mark func(*Session)) (*Session, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.New("session id is empty")
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	if !ok {
		s = newSession(id, st.sink)
		st.sessions[id] = s
	}
	mark(s)
	return s, nil
}

func (st *Store) Get(id string) (*Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[strings.TrimSpace(id)]
	if !ok {
		return nil, errors.Wrapf(ErrSessionNotFound, "session %q", id)
	}
	return s, nil
}

// IDs lists the live session ids in sorted order.
func (st *Store) IDs() []string {
	st.mu.Lock()
	ids := make([]string, 0, len(st.sessions))
	for id := range st.sessions {
		ids = append(ids, id)
	}
	st.mu.Unlock()
	sort.Strings(ids)
	return ids
}

func (st *Store) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

package session

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

func (st *Store) SetEvictionConfig(idle, interval time.Duration) {
	if st == nil {
		return
	}
	st.mu.Lock()
	st.evictIdle = idle
	st.evictInterval = interval
	st.mu.Unlock()
}

// StartEvictionLoop drops idle sessions every interval until ctx is done.
// It is a no-op when eviction is not configured or already running.
func (st *Store) StartEvictionLoop(ctx context.Context) {
	if st == nil {
		return
	}
	if ctx == nil {
		panic("session: StartEvictionLoop requires non-nil ctx")
	}
	st.mu.Lock()
	if st.evictRunning {
		st.mu.Unlock()
		return
	}
	idle := st.evictIdle
	interval := st.evictInterval
	if idle <= 0 || interval <= 0 {
		st.mu.Unlock()
		return
	}
	st.evictRunning = true
	st.mu.Unlock()

	go st.runEvictionLoop(ctx, interval)
}

func (st *Store) runEvictionLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			st.mu.Lock()
			st.evictRunning = false
			st.mu.Unlock()
			return
		case now := <-ticker.C:
			if n := st.evictIdleOnce(now); n > 0 {
				log.Info().Str("component", "session").Int("evicted", n).Msg("evicted idle sessions")
			}
		}
	}
}

func (st *Store) evictIdleOnce(now time.Time) int {
	if st == nil {
		return 0
	}
	if now.IsZero() {
		now = time.Now()
	}

	st.mu.Lock()
	idle := st.evictIdle
	if idle <= 0 {
		st.mu.Unlock()
		return 0
	}
	candidates := make([]*Session, 0, len(st.sessions))
	for id, s := range st.sessions {
		if _, ok := st.pinned[id]; ok {
			continue
		}
		candidates = append(candidates, s)
	}
	st.mu.Unlock()

	evicted := 0
	for _, s := range candidates {
		d, ok := s.idleSince(now)
		if !ok || d < idle {
			continue
		}
		st.mu.Lock()
		current, ok := st.sessions[s.ID]
		if !ok || current != s {
			st.mu.Unlock()
			continue
		}
		if d, ok := s.idleSince(now); !ok || d < idle {
			st.mu.Unlock()
			continue
		}
		delete(st.sessions, s.ID)
		st.mu.Unlock()
		evicted++
	}
	return evicted
}

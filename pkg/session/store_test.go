package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/lunabot/pkg/chat"
)

type recordingSink struct {
	mu    sync.Mutex
	saved []string
	err   error
}

func (r *recordingSink) SaveTurn(_ context.Context, sessionID string, seq int, t chat.Turn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved = append(r.saved, sessionID+":"+string(t.Role)+":"+t.Content)
	_ = seq
	return r.err
}

func TestStore_SessionsAreIsolated(t *testing.T) {
	st := NewStore(StoreOptions{})
	a, err := st.GetOrCreate("a")
	require.NoError(t, err)
	b, err := st.GetOrCreate("b")
	require.NoError(t, err)

	a.Append(chat.NewUserTurn("hello"))
	require.Equal(t, 1, a.Len())
	require.Equal(t, 0, b.Len())

	again, err := st.GetOrCreate("a")
	require.NoError(t, err)
	require.Same(t, a, again)
	require.Equal(t, []string{"a", "b"}, st.IDs())
}

func TestStore_GetMissing(t *testing.T) {
	st := NewStore(StoreOptions{})
	_, err := st.Get("nope")
	require.True(t, errors.Is(err, ErrSessionNotFound))

	_, err = st.GetOrCreate("  ")
	require.Error(t, err)
}

func TestSession_AppendKeepsOrderAndSnapshotIsCopy(t *testing.T) {
	sink := &recordingSink{}
	st := NewStore(StoreOptions{Sink: sink})
	s, err := st.GetOrCreate("s1")
	require.NoError(t, err)

	require.Equal(t, 0, s.Append(chat.NewUserTurn("q")))
	require.Equal(t, 1, s.Append(chat.Turn{Role: chat.RoleModel, Content: "a"}))

	snap := s.Snapshot()
	require.Len(t, snap, 2)
	require.False(t, snap[1].CreatedAt.IsZero())
	snap[0].Content = "mutated"
	require.Equal(t, "q", s.Snapshot()[0].Content)

	require.Equal(t, []string{"s1:user:q", "s1:model:a"}, sink.saved)
}

func TestSession_SinkErrorDoesNotDropTurn(t *testing.T) {
	sink := &recordingSink{err: errors.New("disk full")}
	st := NewStore(StoreOptions{Sink: sink})
	s, err := st.GetOrCreate("s1")
	require.NoError(t, err)
	s.Append(chat.NewUserTurn("q"))
	require.Equal(t, 1, s.Len())
}

func TestSession_ConcurrentAppends(t *testing.T) {
	st := NewStore(StoreOptions{})
	s, err := st.GetOrCreate("s1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Append(chat.NewUserTurn("x"))
		}()
	}
	wg.Wait()
	require.Equal(t, 50, s.Len())
}

func TestStore_EvictIdleOnce(t *testing.T) {
	st := NewStore(StoreOptions{Pinned: []string{SharedID}})
	st.SetEvictionConfig(10*time.Second, time.Second)

	old, err := st.GetOrCreate("old")
	require.NoError(t, err)
	old.lastActivity = time.Now().Add(-time.Hour)

	pinned, err := st.GetOrCreate(SharedID)
	require.NoError(t, err)
	pinned.lastActivity = time.Now().Add(-time.Hour)

	_, err = st.GetOrCreate("fresh")
	require.NoError(t, err)

	require.Equal(t, 1, st.evictIdleOnce(time.Now()))
	_, err = st.Get("old")
	require.ErrorIs(t, err, ErrSessionNotFound)
	require.Equal(t, []string{"fresh", SharedID}, st.IDs())
}

func TestStore_EvictIdleOnce_SkipsAttachedAndBusy(t *testing.T) {
	st := NewStore(StoreOptions{})
	st.SetEvictionConfig(10*time.Second, time.Second)

	attached, err := st.Attach("attached")
	require.NoError(t, err)
	busy, err := st.Begin("busy")
	require.NoError(t, err)

	attached.lastActivity = time.Now().Add(-time.Hour)
	busy.lastActivity = time.Now().Add(-time.Hour)

	require.Equal(t, 0, st.evictIdleOnce(time.Now()))

	attached.Detach()
	busy.End()
	require.Equal(t, 0, st.evictIdleOnce(time.Now()))
	require.Equal(t, 2, st.evictIdleOnce(time.Now().Add(time.Minute)))
	require.Equal(t, 0, st.Len())
}

func TestStore_EvictionDisabledByDefault(t *testing.T) {
	st := NewStore(StoreOptions{})
	s, err := st.GetOrCreate("s")
	require.NoError(t, err)
	s.lastActivity = time.Now().Add(-24 * time.Hour)
	require.Equal(t, 0, st.evictIdleOnce(time.Now()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st.StartEvictionLoop(ctx)
	st.mu.Lock()
	running := st.evictRunning
	st.mu.Unlock()
	require.False(t, running)
}

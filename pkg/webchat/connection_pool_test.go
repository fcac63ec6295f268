package webchat

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stubConn struct {
	mu       sync.Mutex
	writes   [][]byte
	blockCh  chan struct{}
	closedCh chan struct{}
	failErr  error
}

func newStubConn(blockWrites bool) *stubConn {
	blockCh := make(chan struct{})
	if !blockWrites {
		close(blockCh)
	}
	return &stubConn{blockCh: blockCh, closedCh: make(chan struct{})}
}

func (s *stubConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-s.closedCh:
		return errors.New("closed")
	case <-s.blockCh:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	s.writes = append(s.writes, append([]byte(nil), data...))
	return nil
}

func (s *stubConn) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.closedCh:
	default:
		close(s.closedCh)
	}
	return nil
}

func (s *stubConn) SetWriteDeadline(_ time.Time) error {
	return nil
}

func (s *stubConn) written() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.writes))
	for _, w := range s.writes {
		out = append(out, string(w))
	}
	return out
}

func (s *stubConn) isClosed() bool {
	select {
	case <-s.closedCh:
		return true
	default:
		return false
	}
}

func TestConnectionPoolDropsOnFullBuffer(t *testing.T) {
	pool := NewConnectionPool("s1")
	pool.sendBuffer = 1
	pool.writeTimeout = 0

	conn := newStubConn(true)
	pool.Add("c1", conn)

	pool.Broadcast([]byte("one"))
	pool.Broadcast([]byte("two"))
	pool.Broadcast([]byte("three"))

	require.Eventually(t, func() bool {
		return pool.Count() == 0
	}, time.Second, 10*time.Millisecond)
	require.Eventually(t, conn.isClosed, time.Second, 10*time.Millisecond)
}

func TestConnectionPoolSendToRoutesByConnID(t *testing.T) {
	pool := NewConnectionPool("s1")
	a := newStubConn(false)
	b := newStubConn(false)
	pool.Add("a", a)
	pool.Add("b", b)
	t.Cleanup(pool.CloseAll)

	require.NoError(t, pool.SendTo("a", []byte("first")))
	require.NoError(t, pool.SendTo("a", []byte("second")))
	require.NoError(t, pool.SendTo("b", []byte("other")))

	require.Eventually(t, func() bool {
		return len(a.written()) == 2 && len(b.written()) == 1
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"first", "second"}, a.written())
	require.Equal(t, []string{"other"}, b.written())

	err := pool.SendTo("gone", []byte("x"))
	require.ErrorIs(t, err, ErrConnectionNotFound)
}

func TestConnectionPoolDropsOnWriteError(t *testing.T) {
	pool := NewConnectionPool("s1")
	conn := newStubConn(false)
	conn.failErr = errors.New("broken pipe")
	pool.Add("c1", conn)

	require.NoError(t, pool.SendTo("c1", []byte("x")))
	require.Eventually(t, func() bool {
		return !pool.Has("c1")
	}, time.Second, 10*time.Millisecond)
	require.Eventually(t, conn.isClosed, time.Second, 10*time.Millisecond)
}

func TestConnectionPoolPendingState(t *testing.T) {
	pool := NewConnectionPool("s1")
	pool.Add("c1", newStubConn(false))
	t.Cleanup(pool.CloseAll)

	require.Equal(t, "connected", pool.State("c1"))
	require.Equal(t, 1, pool.MarkAwaiting("c1"))
	require.Equal(t, 2, pool.MarkAwaiting("c1"))
	require.Equal(t, "awaiting_response", pool.State("c1"))
	require.Equal(t, 1, pool.MarkAnswered("c1"))
	require.Equal(t, 0, pool.MarkAnswered("c1"))
	require.Equal(t, 0, pool.MarkAnswered("c1"))
	require.Equal(t, "connected", pool.State("c1"))

	pool.Remove("c1")
	require.Equal(t, "closed", pool.State("c1"))
	require.True(t, pool.IsEmpty())
}

func TestConnectionPoolCloseAll(t *testing.T) {
	pool := NewConnectionPool("s1")
	a := newStubConn(false)
	b := newStubConn(false)
	pool.Add("a", a)
	pool.Add("b", b)

	pool.CloseAll()
	require.Equal(t, 0, pool.Count())
	require.True(t, a.isClosed())
	require.True(t, b.isClosed())

	var nilPool *ConnectionPool
	require.Equal(t, 0, nilPool.Count())
	require.ErrorIs(t, nilPool.SendTo("a", []byte("x")), ErrConnectionNotFound)
}

package webchat

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var ErrConnectionNotFound = errors.New("connection not found")

const (
	defaultSendBuffer   = 64
	defaultWriteTimeout = 10 * time.Second
)

// wsConn is the part of *websocket.Conn the pool writes through.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

type poolConn struct {
	id      string
	conn    wsConn
	send    chan []byte
	pending int
	done    chan struct{}
	once    sync.Once
}

func (pc *poolConn) shutdown() {
	pc.once.Do(func() {
		close(pc.done)
		_ = pc.conn.Close()
	})
}

// ConnectionPool holds the websocket connections attached to one session.
// Every connection gets its own send queue and writer goroutine; a slow or
// broken client is dropped instead of stalling the others.
type ConnectionPool struct {
	sessionID    string
	mu           sync.Mutex
	conns        map[string]*poolConn
	sendBuffer   int
	writeTimeout time.Duration
}

func NewConnectionPool(sessionID string) *ConnectionPool {
	return &ConnectionPool{
		sessionID:    sessionID,
		conns:        map[string]*poolConn{},
		sendBuffer:   defaultSendBuffer,
		writeTimeout: defaultWriteTimeout,
	}
}

func (cp *ConnectionPool) Add(connID string, conn wsConn) {
	if cp == nil || conn == nil || connID == "" {
		return
	}
	buf := cp.sendBuffer
	if buf <= 0 {
		buf = 1
	}
	pc := &poolConn{
		id:   connID,
		conn: conn,
		send: make(chan []byte, buf),
		done: make(chan struct{}),
	}
	cp.mu.Lock()
	old := cp.conns[connID]
	cp.conns[connID] = pc
	cp.mu.Unlock()
	if old != nil {
		old.shutdown()
	}
	go cp.writeLoop(pc)
}

func (cp *ConnectionPool) Remove(connID string) {
	if cp == nil {
		return
	}
	cp.mu.Lock()
	pc := cp.conns[connID]
	delete(cp.conns, connID)
	cp.mu.Unlock()
	if pc != nil {
		pc.shutdown()
	}
}

// SendTo queues data for one connection.
func (cp *ConnectionPool) SendTo(connID string, data []byte) error {
	if cp == nil {
		return ErrConnectionNotFound
	}
	if len(data) == 0 {
		return nil
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	pc, ok := cp.conns[connID]
	if !ok {
		return errors.Wrapf(ErrConnectionNotFound, "conn %s", connID)
	}
	cp.enqueueLocked(pc, data)
	return nil
}

// Broadcast queues data for every connection of the session.
func (cp *ConnectionPool) Broadcast(data []byte) {
	if cp == nil || len(data) == 0 {
		return
	}
	cp.mu.Lock()
	for _, pc := range cp.conns {
		cp.enqueueLocked(pc, data)
	}
	cp.mu.Unlock()
}

func (cp *ConnectionPool) enqueueLocked(pc *poolConn, data []byte) {
	select {
	case pc.send <- data:
	default:
		log.Warn().
			Str("component", "webchat").
			Str("session_id", cp.sessionID).
			Str("conn_id", pc.id).
			Msg("ws send buffer full, dropping connection")
		delete(cp.conns, pc.id)
		go pc.shutdown()
	}
}

func (cp *ConnectionPool) writeLoop(pc *poolConn) {
	for {
		select {
		case <-pc.done:
			return
		case data := <-pc.send:
			if cp.writeTimeout > 0 {
				_ = pc.conn.SetWriteDeadline(time.Now().Add(cp.writeTimeout))
			}
			if err := pc.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).
					Str("component", "webchat").
					Str("session_id", cp.sessionID).
					Str("conn_id", pc.id).
					Msg("ws write failed, dropping connection")
				cp.mu.Lock()
				if cur, ok := cp.conns[pc.id]; ok && cur == pc {
					delete(cp.conns, pc.id)
				}
				cp.mu.Unlock()
				pc.shutdown()
				return
			}
		}
	}
}

// MarkAwaiting records one more prompt waiting for an answer on connID and
// returns the new count.
func (cp *ConnectionPool) MarkAwaiting(connID string) int {
	return cp.adjustPending(connID, 1)
}

// MarkAnswered records one answer delivered to connID.
func (cp *ConnectionPool) MarkAnswered(connID string) int {
	return cp.adjustPending(connID, -1)
}

func (cp *ConnectionPool) adjustPending(connID string, delta int) int {
	if cp == nil {
		return 0
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	pc, ok := cp.conns[connID]
	if !ok {
		return 0
	}
	pc.pending += delta
	if pc.pending < 0 {
		pc.pending = 0
	}
	return pc.pending
}

// State reports the connection state: connected, awaiting_response, or
// closed once the connection left the pool.
func (cp *ConnectionPool) State(connID string) string {
	if cp == nil {
		return "closed"
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	pc, ok := cp.conns[connID]
	switch {
	case !ok:
		return "closed"
	case pc.pending > 0:
		return "awaiting_response"
	default:
		return "connected"
	}
}

func (cp *ConnectionPool) Has(connID string) bool {
	if cp == nil {
		return false
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	_, ok := cp.conns[connID]
	return ok
}

func (cp *ConnectionPool) Count() int {
	if cp == nil {
		return 0
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.conns)
}

func (cp *ConnectionPool) IsEmpty() bool {
	return cp.Count() == 0
}

func (cp *ConnectionPool) CloseAll() {
	if cp == nil {
		return
	}
	cp.mu.Lock()
	conns := make([]*poolConn, 0, len(cp.conns))
	for id, pc := range cp.conns {
		conns = append(conns, pc)
		delete(cp.conns, id)
	}
	cp.mu.Unlock()
	for _, pc := range conns {
		pc.shutdown()
	}
}

package webchat

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/lunabot/pkg/chat"
	"github.com/go-go-golems/lunabot/pkg/redisstream"
	"github.com/go-go-golems/lunabot/pkg/relay"
	"github.com/go-go-golems/lunabot/pkg/session"
)

// PromptSubmitter is the part of the relay the hub feeds prompts into.
type PromptSubmitter interface {
	Submit(ctx context.Context, p relay.Prompt) (int, error)
}

type StreamHubConfig struct {
	BaseCtx context.Context
	Store   *session.Store
	Bus     *redisstream.Bus
	Relay   PromptSubmitter
	// SharedSession joins every connection to session.SharedID.
	SharedSession bool
	SendBuffer    int
	WriteTimeout  time.Duration
}

type sessionStream struct {
	pool      *ConnectionPool
	forwarder *Forwarder
}

// StreamHub attaches websocket connections to sessions and runs their read
// loops. It keeps one pool and one forwarder per session with at least one
// attached connection.
type StreamHub struct {
	baseCtx      context.Context
	store        *session.Store
	bus          *redisstream.Bus
	relay        PromptSubmitter
	shared       bool
	sendBuffer   int
	writeTimeout time.Duration

	// subscribe opens the bus subscription for a session topic. In Redis
	// mode it does network I/O, so it is never called under mu.
	subscribe func(ctx context.Context, topic string) (message.Subscriber, bool, error)

	mu      sync.Mutex
	streams map[string]*sessionStream
	closed  bool
	wg      sync.WaitGroup
}

func NewStreamHub(cfg StreamHubConfig) (*StreamHub, error) {
	if cfg.BaseCtx == nil {
		return nil, errors.New("stream hub base context is nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("stream hub session store is nil")
	}
	if cfg.Bus == nil {
		return nil, errors.New("stream hub bus is nil")
	}
	if cfg.Relay == nil {
		return nil, errors.New("stream hub relay is nil")
	}
	return &StreamHub{
		subscribe:    cfg.Bus.Subscriber,
		baseCtx:      cfg.BaseCtx,
		store:        cfg.Store,
		bus:          cfg.Bus,
		relay:        cfg.Relay,
		shared:       cfg.SharedSession,
		sendBuffer:   cfg.SendBuffer,
		writeTimeout: cfg.WriteTimeout,
		streams:      map[string]*sessionStream{},
	}, nil
}

// ResolveSessionID picks the session a new connection joins.
func (h *StreamHub) ResolveSessionID(requested string) string {
	if h != nil && h.shared {
		return session.SharedID
	}
	if id := strings.TrimSpace(requested); id != "" {
		return id
	}
	return session.NewID()
}

// AttachWebSocket registers conn on sessionID, sends the connected event
// and starts the read loop. It returns the assigned connection id.
func (h *StreamHub) AttachWebSocket(sessionID string, conn *websocket.Conn) (string, error) {
	if h == nil {
		return "", errors.New("stream hub is not initialized")
	}
	if conn == nil {
		return "", errors.New("websocket connection is nil")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return "", errors.New("missing session id")
	}
	connID := uuid.NewString()

	sess, err := h.store.Attach(sessionID)
	if err != nil {
		return "", err
	}
	pool, err := h.addConn(sessionID, connID, conn)
	if err != nil {
		sess.Detach()
		return "", err
	}

	wsLog := log.With().
		Str("component", "webchat").
		Str("remote", conn.RemoteAddr().String()).
		Str("session_id", sessionID).
		Str("conn_id", connID).
		Logger()
	wsLog.Info().Int("connections", pool.Count()).Msg("ws connected")

	hello, err := chat.EncodeEvent(chat.EventConnected, chat.ConnectedPayload{
		SessionID:  sessionID,
		ConnID:     connID,
		ServerTime: time.Now().UnixMilli(),
	}, "")
	if err == nil {
		_ = pool.SendTo(connID, hello)
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer wsLog.Info().Msg("ws disconnected")
		defer sess.Detach()
		defer h.removeConn(sessionID, connID)
		h.readLoop(conn, sessionID, connID, pool, wsLog)
	}()
	return connID, nil
}

func (h *StreamHub) readLoop(conn *websocket.Conn, sessionID, connID string, pool *ConnectionPool, wsLog zerolog.Logger) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			wsLog.Debug().Err(err).Msg("ws read loop end")
			return
		}
		if msgType != websocket.TextMessage || len(data) == 0 {
			continue
		}
		env, err := chat.DecodeEnvelope(data)
		if err != nil {
			wsLog.Warn().Err(err).Msg("ws ignoring malformed frame")
			continue
		}
		switch env.Event {
		case chat.EventPing:
			pong, err := chat.EncodeEvent(chat.EventPong, chat.PongPayload{ServerTime: time.Now().UnixMilli()}, env.ID)
			if err == nil {
				_ = pool.SendTo(connID, pong)
			}
		case chat.EventPrompt:
			text, err := env.PromptText()
			if err != nil {
				wsLog.Warn().Err(err).Msg("ws ignoring prompt with non-text data")
				continue
			}
			pending := pool.MarkAwaiting(connID)
			pos, err := h.relay.Submit(h.baseCtx, relay.Prompt{
				SessionID: sessionID,
				ConnID:    connID,
				ID:        env.ID,
				Text:      text,
			})
			if err != nil {
				pool.MarkAnswered(connID)
				wsLog.Error().Err(err).Msg("ws prompt rejected")
				continue
			}
			wsLog.Debug().
				Int("position", pos).
				Int("pending", pending).
				Str("state", pool.State(connID)).
				Msg("ws prompt submitted")
		default:
			wsLog.Debug().Str("event", env.Event).Msg("ws ignoring unknown event")
		}
	}
}

var errHubClosed = errors.New("stream hub is closed")

func (h *StreamHub) addConn(sessionID, connID string, conn wsConn) (*ConnectionPool, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, errHubClosed
	}
	if st, ok := h.streams[sessionID]; ok {
		st.pool.Add(connID, conn)
		h.mu.Unlock()
		return st.pool, nil
	}
	h.mu.Unlock()

	fresh, err := h.openStream(sessionID)
	if err != nil {
		return nil, err
	}

	// another attach may have opened the session while we subscribed
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		fresh.forwarder.Close()
		return nil, errHubClosed
	}
	st, ok := h.streams[sessionID]
	if !ok {
		st = fresh
		h.streams[sessionID] = st
	}
	st.pool.Add(connID, conn)
	h.mu.Unlock()

	if st != fresh {
		fresh.forwarder.Close()
	}
	return st.pool, nil
}

func (h *StreamHub) openStream(sessionID string) (*sessionStream, error) {
	pool := NewConnectionPool(sessionID)
	if h.sendBuffer > 0 {
		pool.sendBuffer = h.sendBuffer
	}
	if h.writeTimeout > 0 {
		pool.writeTimeout = h.writeTimeout
	}
	sub, owned, err := h.subscribe(h.baseCtx, relay.TopicForSession(sessionID))
	if err != nil {
		return nil, err
	}
	fwd := NewForwarder(sessionID, sub, owned, pool)
	if err := fwd.Start(h.baseCtx); err != nil {
		fwd.Close()
		return nil, err
	}
	return &sessionStream{pool: pool, forwarder: fwd}, nil
}

func (h *StreamHub) removeConn(sessionID, connID string) {
	h.mu.Lock()
	st, ok := h.streams[sessionID]
	if !ok {
		h.mu.Unlock()
		return
	}
	st.pool.Remove(connID)
	if !st.pool.IsEmpty() {
		h.mu.Unlock()
		return
	}
	delete(h.streams, sessionID)
	h.mu.Unlock()
	st.forwarder.Close()
}

// DropSession closes every connection and the forwarder of sessionID.
func (h *StreamHub) DropSession(sessionID string) {
	if h == nil {
		return
	}
	h.mu.Lock()
	st, ok := h.streams[sessionID]
	delete(h.streams, sessionID)
	h.mu.Unlock()
	if !ok {
		return
	}
	st.pool.CloseAll()
	st.forwarder.Close()
}

// ConnectionCount reports the connections attached to sessionID.
func (h *StreamHub) ConnectionCount(sessionID string) int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if st, ok := h.streams[sessionID]; ok {
		return st.pool.Count()
	}
	return 0
}

// Close drops every session and waits for the read loops to end.
func (h *StreamHub) Close() {
	if h == nil {
		return
	}
	h.mu.Lock()
	h.closed = true
	ids := make([]string, 0, len(h.streams))
	for id := range h.streams {
		ids = append(ids, id)
	}
	h.mu.Unlock()
	for _, id := range ids {
		h.DropSession(id)
	}
	h.wg.Wait()
}

package webchat

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/lunabot/pkg/chat"
	"github.com/go-go-golems/lunabot/pkg/session"
)

// DefaultAllowedOrigin is the dev server origin of the web client.
const DefaultAllowedOrigin = "http://localhost:5173"

// CheckOriginFunc builds a websocket origin check. An empty list or a "*"
// entry accepts every origin; requests without an Origin header are
// always accepted.
func CheckOriginFunc(allowed []string) func(*http.Request) bool {
	set := map[string]struct{}{}
	for _, o := range allowed {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "" {
			continue
		}
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.ToLower(o)] = struct{}{}
	}
	if len(set) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil || u.Host == "" {
			return false
		}
		_, ok := set[strings.ToLower(u.Scheme+"://"+u.Host)]
		return ok
	}
}

// NewWSHTTPHandler upgrades GET /ws?session_id=<id> and attaches the
// connection to the hub.
func NewWSHTTPHandler(hub *StreamHub, upgrader websocket.Upgrader) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if hub == nil {
			http.Error(w, "stream hub not initialized", http.StatusServiceUnavailable)
			return
		}
		if req.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		sessionID := hub.ResolveSessionID(req.URL.Query().Get("session_id"))

		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			log.Warn().Err(err).Str("component", "webchat").Str("remote", req.RemoteAddr).Msg("ws upgrade failed")
			return
		}
		if _, err := hub.AttachWebSocket(sessionID, conn); err != nil {
			log.Error().Err(err).Str("component", "webchat").Str("session_id", sessionID).Msg("ws attach failed")
			_ = conn.Close()
		}
	}
}

// TranscriptResponse is the body of GET /api/sessions/{id}/turns.
type TranscriptResponse struct {
	SessionID string      `json:"session_id"`
	Turns     []chat.Turn `json:"turns"`
}

func NewTranscriptHandler(store *session.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if store == nil {
			http.Error(w, "session store not initialized", http.StatusServiceUnavailable)
			return
		}
		if req.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		id := strings.TrimSpace(req.PathValue("id"))
		if id == "" {
			http.Error(w, "missing session id", http.StatusBadRequest)
			return
		}
		sess, err := store.Get(id)
		if err != nil {
			if errors.Is(err, session.ErrSessionNotFound) {
				http.Error(w, "session not found", http.StatusNotFound)
				return
			}
			http.Error(w, "failed to load session", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(TranscriptResponse{SessionID: sess.ID, Turns: sess.Snapshot()})
	}
}

func healthzHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

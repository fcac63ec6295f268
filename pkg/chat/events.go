package chat

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// Event names on the wire. The names match the socket.io events the web
// client already speaks.
const (
	EventPrompt    = "ai-prompt"
	EventResponse  = "AI-Response"
	EventError     = "ai-error"
	EventConnected = "connected"
	EventPing      = "ping"
	EventPong      = "pong"
)

// GenerationFailedMessage is the static marker sent in every error event.
const GenerationFailedMessage = "Failed to generate content"

// Envelope is a single websocket frame.
type Envelope struct {
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data,omitempty"`
	ID      string          `json:"id,omitempty"`
	ReplyTo string          `json:"reply_to,omitempty"`
}

type ErrorPayload struct {
	Error string `json:"error"`
}

type ConnectedPayload struct {
	SessionID  string `json:"session_id"`
	ConnID     string `json:"conn_id"`
	ServerTime int64  `json:"server_time"`
}

type PongPayload struct {
	ServerTime int64 `json:"server_time"`
}

// DecodeEnvelope parses an inbound frame. A bare "ping" text frame is
// accepted as a ping event.
func DecodeEnvelope(b []byte) (Envelope, error) {
	if strings.EqualFold(strings.TrimSpace(string(b)), EventPing) {
		return Envelope{Event: EventPing}, nil
	}
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, errors.Wrap(err, "decode envelope")
	}
	if strings.TrimSpace(env.Event) == "" {
		return Envelope{}, errors.New("envelope has no event name")
	}
	return env, nil
}

// PromptText extracts the raw prompt text of an ai-prompt envelope.
// Missing data yields an empty prompt, which is still a valid prompt.
func (e Envelope) PromptText() (string, error) {
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return "", nil
	}
	var text string
	if err := json.Unmarshal(e.Data, &text); err != nil {
		return "", errors.Wrap(err, "prompt data is not a string")
	}
	return text, nil
}

// EncodeEvent builds an outbound frame.
func EncodeEvent(event string, data any, replyTo string) ([]byte, error) {
	env := Envelope{Event: event, ReplyTo: replyTo}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, errors.Wrapf(err, "marshal %s payload", event)
		}
		env.Data = raw
	}
	return json.Marshal(env)
}

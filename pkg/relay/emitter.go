package relay

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/go-go-golems/lunabot/pkg/chat"
)

// Metadata keys set on bus messages.
const (
	MetadataConnID = "conn_id"
	MetadataEvent  = "event"
)

// Outbound is one event addressed to a single connection.
type Outbound struct {
	SessionID string
	ConnID    string
	Event     string
	Data      any
	ReplyTo   string
}

// Emitter delivers outbound events towards the channel layer.
type Emitter interface {
	Emit(ctx context.Context, out Outbound) error
}

type EmitterFunc func(ctx context.Context, out Outbound) error

func (f EmitterFunc) Emit(ctx context.Context, out Outbound) error { return f(ctx, out) }

// TopicForSession is the bus topic carrying a session's outbound events.
func TopicForSession(sessionID string) string { return "chat:" + sessionID }

// PublisherEmitter publishes encoded frames on the per-session topic.
type PublisherEmitter struct {
	pub message.Publisher
}

func NewPublisherEmitter(pub message.Publisher) *PublisherEmitter {
	return &PublisherEmitter{pub: pub}
}

func (e *PublisherEmitter) Emit(ctx context.Context, out Outbound) error {
	if e == nil || e.pub == nil {
		return errors.New("publisher emitter is not initialized")
	}
	if strings.TrimSpace(out.SessionID) == "" {
		return errors.New("outbound event has no session id")
	}
	frame, err := chat.EncodeEvent(out.Event, out.Data, out.ReplyTo)
	if err != nil {
		return err
	}
	msg := message.NewMessage(uuid.NewString(), frame)
	msg.Metadata.Set(MetadataConnID, out.ConnID)
	msg.Metadata.Set(MetadataEvent, out.Event)
	if ctx != nil {
		msg.SetContext(ctx)
	}
	if err := e.pub.Publish(TopicForSession(out.SessionID), msg); err != nil {
		return errors.Wrapf(err, "publish %s", out.Event)
	}
	return nil
}

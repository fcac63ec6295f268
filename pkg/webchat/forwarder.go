package webchat

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/lunabot/pkg/chat"
	"github.com/go-go-golems/lunabot/pkg/relay"
)

// Forwarder consumes a session's bus topic and hands every frame to the
// connection named in its metadata.
type Forwarder struct {
	sessionID  string
	subscriber message.Subscriber
	owned      bool
	pool       *ConnectionPool

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	done    chan struct{}
}

func NewForwarder(sessionID string, subscriber message.Subscriber, owned bool, pool *ConnectionPool) *Forwarder {
	return &Forwarder{
		sessionID:  sessionID,
		subscriber: subscriber,
		owned:      owned,
		pool:       pool,
	}
}

// Start subscribes before returning, so frames published afterwards are
// not missed.
func (f *Forwarder) Start(ctx context.Context) error {
	if f == nil || f.subscriber == nil {
		return errors.New("forwarder has no subscriber")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithCancel(ctx)
	ch, err := f.subscriber.Subscribe(runCtx, relay.TopicForSession(f.sessionID))
	if err != nil {
		cancel()
		return errors.Wrapf(err, "subscribe session %s", f.sessionID)
	}
	f.cancel = cancel
	f.running = true
	f.done = make(chan struct{})
	go f.consume(ch, f.done)
	log.Debug().Str("component", "webchat").Str("session_id", f.sessionID).Msg("forwarder: started")
	return nil
}

func (f *Forwarder) consume(ch <-chan *message.Message, done chan struct{}) {
	defer close(done)
	for msg := range ch {
		f.deliver(msg)
		msg.Ack()
	}
	log.Debug().Str("component", "webchat").Str("session_id", f.sessionID).Msg("forwarder: stopped")
}

func (f *Forwarder) deliver(msg *message.Message) {
	connID := msg.Metadata.Get(relay.MetadataConnID)
	event := msg.Metadata.Get(relay.MetadataEvent)
	logger := log.With().
		Str("component", "webchat").
		Str("session_id", f.sessionID).
		Str("conn_id", connID).
		Str("event", event).
		Logger()

	if connID == "" {
		f.pool.Broadcast(msg.Payload)
		return
	}
	if err := f.pool.SendTo(connID, msg.Payload); err != nil {
		// In Redis mode the group is per instance, so the connection may
		// simply live in another process.
		logger.Debug().Err(err).Msg("forwarder: target connection not attached, dropping")
		return
	}
	if event == chat.EventResponse || event == chat.EventError {
		pending := f.pool.MarkAnswered(connID)
		logger.Debug().Int("pending", pending).Str("state", f.pool.State(connID)).Msg("forwarder: answer delivered")
	}
}

// Stop cancels the subscription and waits for the consume loop.
func (f *Forwarder) Stop() {
	if f == nil {
		return
	}
	f.mu.Lock()
	cancel, done := f.cancel, f.done
	f.cancel = nil
	f.done = nil
	f.running = false
	f.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Close stops the forwarder and closes its subscriber when it owns it.
func (f *Forwarder) Close() {
	if f == nil {
		return
	}
	f.Stop()
	if f.owned && f.subscriber != nil {
		if err := f.subscriber.Close(); err != nil {
			log.Warn().Err(err).Str("component", "webchat").Str("session_id", f.sessionID).Msg("forwarder: subscriber close failed")
		}
	}
}

func (f *Forwarder) IsRunning() bool {
	if f == nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

// Package relay turns prompt events into generation calls. Prompts of one
// session run one at a time in arrival order; sessions run in parallel.
package relay

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/go-go-golems/lunabot/pkg/chat"
	"github.com/go-go-golems/lunabot/pkg/generation"
	"github.com/go-go-golems/lunabot/pkg/session"
)

var ErrClosed = errors.New("relay is closed")

// Prompt is one inbound prompt event.
type Prompt struct {
	SessionID string
	ConnID    string
	// ID is the optional client correlation id, echoed as reply_to.
	ID   string
	Text string
}

type Options struct {
	// BaseCtx parents every generation call. Connection contexts are not
	// used, so a client going away does not cancel its prompt.
	BaseCtx   context.Context
	Store     *session.Store
	Generator generation.Generator
	Emitter   Emitter
	Window    session.Window
}

type queuedPrompt struct {
	prompt Prompt
	sess   *session.Session
}

type sessionQueue struct {
	items   []queuedPrompt
	running bool
}

type Relay struct {
	baseCtx context.Context
	store   *session.Store
	gen     generation.Generator
	emitter Emitter
	window  session.Window

	mu     sync.Mutex
	queues map[string]*sessionQueue
	closed bool
	wg     sync.WaitGroup
}

func New(opts Options) (*Relay, error) {
	if opts.BaseCtx == nil {
		return nil, errors.New("relay base context is nil")
	}
	if opts.Store == nil {
		return nil, errors.New("relay session store is nil")
	}
	if opts.Generator == nil {
		return nil, errors.New("relay generator is nil")
	}
	if opts.Emitter == nil {
		return nil, errors.New("relay emitter is nil")
	}
	return &Relay{
		baseCtx: opts.BaseCtx,
		store:   opts.Store,
		gen:     opts.Generator,
		emitter: opts.Emitter,
		window:  opts.Window,
		queues:  map[string]*sessionQueue{},
	}, nil
}

// Submit queues p on its session and returns its 1-based queue position.
// The prompt text is not validated; empty prompts are processed too.
func (r *Relay) Submit(ctx context.Context, p Prompt) (int, error) {
	if strings.TrimSpace(p.SessionID) == "" {
		return 0, errors.New("prompt has no session id")
	}
	if ctx != nil && ctx.Err() != nil {
		return 0, ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, ErrClosed
	}
	sess, err := r.store.Begin(p.SessionID)
	if err != nil {
		return 0, err
	}
	q, ok := r.queues[p.SessionID]
	if !ok {
		q = &sessionQueue{}
		r.queues[p.SessionID] = q
	}
	q.items = append(q.items, queuedPrompt{prompt: p, sess: sess})
	pos := len(q.items)
	if !q.running {
		q.running = true
		r.wg.Add(1)
		go r.drain(p.SessionID)
	}
	log.Debug().
		Str("component", "relay").
		Str("session_id", p.SessionID).
		Str("conn_id", p.ConnID).
		Int("position", pos).
		Msg("prompt queued")
	return pos, nil
}

// QueueLen reports how many prompts wait on a session, excluding the one
// currently running.
func (r *Relay) QueueLen(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if q, ok := r.queues[sessionID]; ok {
		return len(q.items)
	}
	return 0
}

func (r *Relay) drain(sessionID string) {
	defer r.wg.Done()
	for {
		r.mu.Lock()
		q := r.queues[sessionID]
		if q == nil || len(q.items) == 0 {
			delete(r.queues, sessionID)
			r.mu.Unlock()
			return
		}
		next := q.items[0]
		q.items = q.items[1:]
		r.mu.Unlock()

		r.process(next.sess, next.prompt)
		next.sess.End()
	}
}

func (r *Relay) process(sess *session.Session, p Prompt) {
	ctx, span := tracer.Start(r.baseCtx, "relay.prompt")
	defer span.End()
	span.SetAttributes(
		attribute.String("session.id", p.SessionID),
		attribute.String("conn.id", p.ConnID),
		attribute.Int("prompt.length", len(p.Text)),
	)
	logger := log.With().
		Str("component", "relay").
		Str("session_id", p.SessionID).
		Str("conn_id", p.ConnID).
		Logger()

	logger.Info().Int("length", len(p.Text)).Msg("prompt received")
	sess.Append(chat.NewUserTurn(p.Text))
	history := sess.Context(r.window)
	span.SetAttributes(attribute.Int("context.turns", len(history)))

	text, err := r.gen.Generate(ctx, history)
	if err != nil {
		err = generation.Fail("", 0, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "generation failed")
		logger.Error().Err(err).Msg("error generating content")
		r.emit(ctx, logger, Outbound{
			SessionID: p.SessionID,
			ConnID:    p.ConnID,
			Event:     chat.EventError,
			Data:      chat.ErrorPayload{Error: chat.GenerationFailedMessage},
			ReplyTo:   p.ID,
		})
		return
	}

	sess.Append(chat.NewModelTurn(text))
	r.emit(ctx, logger, Outbound{
		SessionID: p.SessionID,
		ConnID:    p.ConnID,
		Event:     chat.EventResponse,
		Data:      text,
		ReplyTo:   p.ID,
	})
}

func (r *Relay) emit(ctx context.Context, logger zerolog.Logger, out Outbound) {
	if err := r.emitter.Emit(ctx, out); err != nil {
		logger.Warn().Err(err).Str("event", out.Event).Msg("emit failed")
	}
}

// Close rejects new prompts and waits for queued ones to finish. Cancel
// BaseCtx first to abort in-flight generation calls.
func (r *Relay) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.wg.Wait()
}

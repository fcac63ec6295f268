package relay

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/lunabot/pkg/chat"
	"github.com/go-go-golems/lunabot/pkg/generation"
	"github.com/go-go-golems/lunabot/pkg/session"
)

type captureEmitter struct {
	mu  sync.Mutex
	out []Outbound
}

func (c *captureEmitter) Emit(_ context.Context, out Outbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out = append(c.out, out)
	return nil
}

func (c *captureEmitter) events() []Outbound {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Outbound(nil), c.out...)
}

// echoGenerator answers with the last prompt and records the context size
// it was called with.
type echoGenerator struct {
	mu       sync.Mutex
	seen     []int
	failOn   string
	delay    time.Duration
	inFlight int
	maxInFly int
}

func (g *echoGenerator) Generate(ctx context.Context, turns []chat.Turn) (string, error) {
	g.mu.Lock()
	g.seen = append(g.seen, len(turns))
	g.inFlight++
	if g.inFlight > g.maxInFly {
		g.maxInFly = g.inFlight
	}
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.inFlight--
		g.mu.Unlock()
	}()

	if g.delay > 0 {
		select {
		case <-time.After(g.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	last := turns[len(turns)-1].Content
	if g.failOn != "" && last == g.failOn {
		return "", errors.New("upstream exploded")
	}
	return "echo:" + last, nil
}

func newTestRelay(t *testing.T, gen generation.Generator, w session.Window) (*Relay, *session.Store, *captureEmitter) {
	t.Helper()
	st := session.NewStore(session.StoreOptions{})
	em := &captureEmitter{}
	r, err := New(Options{
		BaseCtx:   context.Background(),
		Store:     st,
		Generator: gen,
		Emitter:   em,
		Window:    w,
	})
	require.NoError(t, err)
	return r, st, em
}

func TestNew_Validates(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	_, err = New(Options{BaseCtx: context.Background(), Store: session.NewStore(session.StoreOptions{})})
	require.Error(t, err)
}

func TestRelay_SingleSuccessfulPrompt(t *testing.T) {
	r, st, em := newTestRelay(t, &echoGenerator{}, session.Window{})

	_, err := r.Submit(context.Background(), Prompt{SessionID: "s", ConnID: "c1", ID: "p1", Text: "hello"})
	require.NoError(t, err)
	r.Close()

	sess, err := st.Get("s")
	require.NoError(t, err)
	turns := sess.Snapshot()
	require.Len(t, turns, 2)
	require.Equal(t, chat.RoleUser, turns[0].Role)
	require.Equal(t, "hello", turns[0].Content)
	require.Equal(t, chat.RoleModel, turns[1].Role)
	require.Equal(t, "echo:hello", turns[1].Content)

	events := em.events()
	require.Len(t, events, 1)
	require.Equal(t, chat.EventResponse, events[0].Event)
	require.Equal(t, "echo:hello", events[0].Data)
	require.Equal(t, "c1", events[0].ConnID)
	require.Equal(t, "p1", events[0].ReplyTo)
	require.Equal(t, 0, sess.Pending())
}

func TestRelay_GenerationFailureKeepsOnlyUserTurn(t *testing.T) {
	r, st, em := newTestRelay(t, &echoGenerator{failOn: "hello"}, session.Window{})

	_, err := r.Submit(context.Background(), Prompt{SessionID: "s", ConnID: "c1", Text: "hello"})
	require.NoError(t, err)
	r.Close()

	sess, err := st.Get("s")
	require.NoError(t, err)
	turns := sess.Snapshot()
	require.Len(t, turns, 1)
	require.Equal(t, chat.RoleUser, turns[0].Role)

	events := em.events()
	require.Len(t, events, 1)
	require.Equal(t, chat.EventError, events[0].Event)
	require.Equal(t, chat.ErrorPayload{Error: "Failed to generate content"}, events[0].Data)
	require.Equal(t, "c1", events[0].ConnID)
}

func TestRelay_EmptyPromptIsStillSent(t *testing.T) {
	r, st, em := newTestRelay(t, &echoGenerator{}, session.Window{})
	_, err := r.Submit(context.Background(), Prompt{SessionID: "s", ConnID: "c1"})
	require.NoError(t, err)
	r.Close()

	sess, err := st.Get("s")
	require.NoError(t, err)
	require.Equal(t, 2, sess.Len())
	require.Equal(t, "echo:", em.events()[0].Data)
}

func TestRelay_NPromptsGrowTranscriptBy2NInOrder(t *testing.T) {
	gen := &echoGenerator{delay: 5 * time.Millisecond}
	r, st, em := newTestRelay(t, gen, session.Window{})

	const n = 6
	for i := 0; i < n; i++ {
		_, err := r.Submit(context.Background(), Prompt{SessionID: "s", ConnID: "c1", Text: fmt.Sprintf("q%d", i)})
		require.NoError(t, err)
	}
	r.Close()

	sess, err := st.Get("s")
	require.NoError(t, err)
	turns := sess.Snapshot()
	require.Len(t, turns, 2*n)
	for i := 0; i < n; i++ {
		require.Equal(t, chat.RoleUser, turns[2*i].Role)
		require.Equal(t, fmt.Sprintf("q%d", i), turns[2*i].Content)
		require.Equal(t, chat.RoleModel, turns[2*i+1].Role)
		require.Equal(t, fmt.Sprintf("echo:q%d", i), turns[2*i+1].Content)
	}

	events := em.events()
	require.Len(t, events, n)
	for i, ev := range events {
		require.Equal(t, fmt.Sprintf("echo:q%d", i), ev.Data)
	}

	// each call saw a consistent snapshot: its own prompt plus all prior pairs
	require.Equal(t, []int{1, 3, 5, 7, 9, 11}, gen.seen)
	require.Equal(t, 1, gen.maxInFly)
}

func TestRelay_SessionsRunInParallelAndStayIsolated(t *testing.T) {
	gen := &echoGenerator{delay: 50 * time.Millisecond}
	r, st, _ := newTestRelay(t, gen, session.Window{})

	_, err := r.Submit(context.Background(), Prompt{SessionID: "a", ConnID: "c1", Text: "from a"})
	require.NoError(t, err)
	_, err = r.Submit(context.Background(), Prompt{SessionID: "b", ConnID: "c2", Text: "from b"})
	require.NoError(t, err)
	r.Close()

	for _, id := range []string{"a", "b"} {
		sess, err := st.Get(id)
		require.NoError(t, err)
		turns := sess.Snapshot()
		require.Len(t, turns, 2)
		require.True(t, strings.HasSuffix(turns[0].Content, id))
	}
	require.Equal(t, []int{1, 1}, gen.seen)
	require.Equal(t, 2, gen.maxInFly)
}

func TestRelay_SharedSessionSerializesAcrossConnections(t *testing.T) {
	gen := &echoGenerator{delay: 10 * time.Millisecond}
	r, st, em := newTestRelay(t, gen, session.Window{})

	var wg sync.WaitGroup
	for _, conn := range []string{"c1", "c2"} {
		wg.Add(1)
		go func(conn string) {
			defer wg.Done()
			_, err := r.Submit(context.Background(), Prompt{SessionID: session.SharedID, ConnID: conn, Text: conn})
			require.NoError(t, err)
		}(conn)
	}
	wg.Wait()
	r.Close()

	sess, err := st.Get(session.SharedID)
	require.NoError(t, err)
	turns := sess.Snapshot()
	require.Len(t, turns, 4)
	// pairs never interleave
	require.Equal(t, "echo:"+turns[0].Content, turns[1].Content)
	require.Equal(t, "echo:"+turns[2].Content, turns[3].Content)

	byConn := map[string]string{}
	for _, ev := range em.events() {
		byConn[ev.ConnID] = ev.Data.(string)
	}
	require.Equal(t, map[string]string{"c1": "echo:c1", "c2": "echo:c2"}, byConn)
}

func TestRelay_WindowBoundsContext(t *testing.T) {
	gen := &echoGenerator{}
	r, _, _ := newTestRelay(t, gen, session.Window{MaxTurns: 3})
	for i := 0; i < 4; i++ {
		_, err := r.Submit(context.Background(), Prompt{SessionID: "s", Text: fmt.Sprintf("q%d", i)})
		require.NoError(t, err)
	}
	r.Close()
	require.Equal(t, []int{1, 3, 3, 3}, gen.seen)
}

func TestRelay_SubmitAfterClose(t *testing.T) {
	r, _, _ := newTestRelay(t, &echoGenerator{}, session.Window{})
	r.Close()
	_, err := r.Submit(context.Background(), Prompt{SessionID: "s", Text: "x"})
	require.ErrorIs(t, err, ErrClosed)

	r2, _, _ := newTestRelay(t, &echoGenerator{}, session.Window{})
	_, err = r2.Submit(context.Background(), Prompt{Text: "x"})
	require.Error(t, err)
}

func TestRelay_CancelledBaseContextFailsInFlight(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	st := session.NewStore(session.StoreOptions{})
	em := &captureEmitter{}
	r, err := New(Options{BaseCtx: ctx, Store: st, Generator: &echoGenerator{delay: time.Minute}, Emitter: em})
	require.NoError(t, err)

	_, err = r.Submit(context.Background(), Prompt{SessionID: "s", ConnID: "c", Text: "x"})
	require.NoError(t, err)
	cancel()
	r.Close()

	events := em.events()
	require.Len(t, events, 1)
	require.Equal(t, chat.EventError, events[0].Event)
}

package session

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/lunabot/pkg/chat"
)

type wordCounter struct{}

func (wordCounter) Count(text string) int { return len(strings.Fields(text)) }

func transcript(contents ...string) []chat.Turn {
	out := make([]chat.Turn, 0, len(contents))
	for i, c := range contents {
		if i%2 == 0 {
			out = append(out, chat.NewUserTurn(c))
		} else {
			out = append(out, chat.NewModelTurn(c))
		}
	}
	return out
}

func contents(ts []chat.Turn) []string {
	out := make([]string, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.Content)
	}
	return out
}

func TestWindow_UnboundedKeepsEverything(t *testing.T) {
	ts := transcript("u1", "m1", "u2", "m2", "u3")
	require.Equal(t, ts, Window{}.Apply(ts))
	require.True(t, Window{MaxTokens: 10}.Unbounded())
}

func TestWindow_MaxTurnsEvictsOldestAndSkipsLeadingModel(t *testing.T) {
	ts := transcript("u1", "m1", "u2", "m2", "u3")

	require.Equal(t, []string{"u2", "m2", "u3"}, contents(Window{MaxTurns: 3}.Apply(ts)))
	// last 4 would start with m1
	require.Equal(t, []string{"u2", "m2", "u3"}, contents(Window{MaxTurns: 4}.Apply(ts)))
	require.Equal(t, []string{"u3"}, contents(Window{MaxTurns: 1}.Apply(ts)))
}

func TestWindow_MaxTokens(t *testing.T) {
	ts := transcript("a a a", "b b", "c c c c", "d", "e e")
	w := Window{MaxTokens: 4, Counter: wordCounter{}}
	require.Equal(t, []string{"e e"}, contents(w.Apply(ts)))

	w = Window{MaxTokens: 7, Counter: wordCounter{}}
	require.Equal(t, []string{"c c c c", "d", "e e"}, contents(w.Apply(ts)))
}

func TestWindow_NewestTurnAlwaysKept(t *testing.T) {
	ts := transcript("u1", "m1", "a very long final prompt")
	w := Window{MaxTokens: 1, Counter: wordCounter{}}
	require.Equal(t, []string{"a very long final prompt"}, contents(w.Apply(ts)))
}

func TestSession_ContextUsesWindow(t *testing.T) {
	st := NewStore(StoreOptions{})
	s, err := st.GetOrCreate("s")
	require.NoError(t, err)
	for _, turn := range transcript("u1", "m1", "u2") {
		s.Append(turn)
	}
	require.Equal(t, []string{"u2"}, contents(s.Context(Window{MaxTurns: 2})))
	require.Len(t, s.Context(Window{}), 3)
}

func TestDefaultTokenCounter_EmbeddedEncoding(t *testing.T) {
	counter, err := DefaultTokenCounter()
	require.NoError(t, err)
	require.Zero(t, counter.Count(""))
	short := counter.Count("hello")
	long := counter.Count("hello there, how is the weather on the moon today?")
	require.Positive(t, short)
	require.Greater(t, long, short)
}

package session

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/tiktoken-go/tokenizer"

	"github.com/go-go-golems/lunabot/pkg/chat"
)

// TokenCounter estimates how many tokens a piece of text costs.
type TokenCounter interface {
	Count(text string) int
}

// Window bounds the context sent with each generation call. Zero values
// mean unbounded.
type Window struct {
	MaxTurns  int
	MaxTokens int
	Counter   TokenCounter
}

func (w Window) Unbounded() bool {
	return w.MaxTurns <= 0 && (w.MaxTokens <= 0 || w.Counter == nil)
}

// Apply trims turns oldest first until both limits hold. The result never
// starts with a model turn, and the newest turn is always kept even when
// it alone exceeds the token budget.
func (w Window) Apply(turns []chat.Turn) []chat.Turn {
	if w.Unbounded() || len(turns) == 0 {
		return turns
	}
	start := 0
	if w.MaxTurns > 0 && len(turns) > w.MaxTurns {
		start = len(turns) - w.MaxTurns
	}
	if w.MaxTokens > 0 && w.Counter != nil {
		total := 0
		for i := start; i < len(turns); i++ {
			total += w.Counter.Count(turns[i].Content)
		}
		for total > w.MaxTokens && start < len(turns)-1 {
			total -= w.Counter.Count(turns[start].Content)
			start++
		}
	}
	for start < len(turns)-1 && turns[start].Role == chat.RoleModel {
		start++
	}
	return turns[start:]
}

type codecCounter struct {
	codec tokenizer.Codec
}

var (
	defaultCounterOnce sync.Once
	defaultCounter     TokenCounter
	defaultCounterErr  error
)

// NewTokenCounter returns a counter for the given encoding, e.g.
// tokenizer.Cl100kBase. Encodings are embedded, so no network is needed.
// Gemini uses its own tokenizer; cl100k is a close enough estimate for a
// budget.
func NewTokenCounter(encoding tokenizer.Encoding) (TokenCounter, error) {
	codec, err := tokenizer.Get(encoding)
	if err != nil {
		return nil, errors.Wrapf(err, "load tokenizer encoding %s", encoding)
	}
	return &codecCounter{codec: codec}, nil
}

// DefaultTokenCounter lazily builds the cl100k_base counter.
func DefaultTokenCounter() (TokenCounter, error) {
	defaultCounterOnce.Do(func() {
		defaultCounter, defaultCounterErr = NewTokenCounter(tokenizer.Cl100kBase)
	})
	return defaultCounter, defaultCounterErr
}

func (c *codecCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	ids, _, err := c.codec.Encode(text)
	if err != nil {
		// fall back to a rough bytes-per-token estimate
		return len(text)/4 + 1
	}
	return len(ids)
}

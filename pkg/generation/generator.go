package generation

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/go-go-golems/lunabot/pkg/chat"
)

// Generator produces the next model reply for an ordered conversation.
// Implementations make a single attempt and buffer the whole reply.
type Generator interface {
	Generate(ctx context.Context, turns []chat.Turn) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, turns []chat.Turn) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, turns []chat.Turn) (string, error) {
	return f(ctx, turns)
}

// GenerationFailure is the only error kind the relay distinguishes. It
// covers transport errors, quota and service errors, and bodies that
// could not be decoded.
type GenerationFailure struct {
	Model      string
	StatusCode int
	Err        error
}

func (e *GenerationFailure) Error() string {
	if e == nil {
		return "generation failed"
	}
	msg := "generation failed"
	if e.Model != "" {
		msg += fmt.Sprintf(" (model %s", e.Model)
		if e.StatusCode > 0 {
			msg += fmt.Sprintf(", status %d", e.StatusCode)
		}
		msg += ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *GenerationFailure) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Fail wraps err as a GenerationFailure unless its chain already holds
// one, in which case err is returned unchanged.
func Fail(model string, status int, err error) error {
	var gf *GenerationFailure
	if errors.As(err, &gf) {
		return err
	}
	return &GenerationFailure{Model: model, StatusCode: status, Err: err}
}

package llm

import (
	"context"
	"errors"
	"fmt"
)

// ErrTimeout is returned when an external model call exceeds its bound.
var ErrTimeout = errors.New("model call timed out")

// EmbeddingProvider maps texts to fixed-dimension vectors. For a fixed model
// the mapping is deterministic: same text, same model, same vector.
type EmbeddingProvider interface {
	// EmbedBatch returns one vector per input text, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// CompletionOptions tune a single completion call.
type CompletionOptions struct {
	MaxTokens   int
	Temperature float64
}

// CompletionProvider produces free-form text for a prompt. Provider failures
// (unreachable backend, bad status) are surfaced as errors distinct from any
// later structural validation of the returned text.
type CompletionProvider interface {
	Complete(ctx context.Context, prompt string, opts CompletionOptions) (string, error)
}

// timeoutErr rewraps context deadline errors so callers can distinguish a
// bounded model call timing out from other provider failures.
func timeoutErr(ctx context.Context, op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, ErrTimeout)
	}
	return fmt.Errorf("%s: %w", op, err)
}

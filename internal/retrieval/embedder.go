package retrieval

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/testbrain/testbrain/internal/llm"
)

// ErrEmbedding is returned when the embedding provider fails after the
// reduced-batch retry.
var ErrEmbedding = errors.New("embedding failed")

// DefaultBatchSize bounds how many texts are sent to the provider per call.
const DefaultBatchSize = 32

// Embedder wraps an embedding provider with batching. Oversized inputs are
// split into batches which embed concurrently; a failed batch is retried
// once at half size before the error surfaces.
type Embedder struct {
	provider  llm.EmbeddingProvider
	batchSize int
}

// NewEmbedder creates an Embedder with the given batch size.
// If batchSize <= 0, DefaultBatchSize is used.
func NewEmbedder(provider llm.EmbeddingProvider, batchSize int) *Embedder {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Embedder{provider: provider, batchSize: batchSize}
}

// Embed returns the embedding vector for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedAll(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedAll returns embedding vectors for all texts, in input order.
// Returns nil (not an error) for empty input.
func (e *Embedder) EmbedAll(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4) // Bound concurrency to avoid overwhelming the provider.

	for start := 0; start < len(texts); start += e.batchSize {
		end := start + e.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		start, end := start, end
		g.Go(func() error {
			vecs, err := e.embedBatch(gCtx, texts[start:end])
			if err != nil {
				return err
			}
			copy(results[start:end], vecs)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// embedBatch embeds one batch, retrying once in two half-sized calls if the
// provider fails outright. Timeouts are not retried: a slow provider will
// only get slower under doubled call volume.
func (e *Embedder) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, err := e.provider.EmbedBatch(ctx, texts)
	if err == nil {
		return vecs, nil
	}
	if errors.Is(err, llm.ErrTimeout) || len(texts) == 1 {
		return nil, fmt.Errorf("%w: %v", ErrEmbedding, err)
	}

	mid := len(texts) / 2
	first, err1 := e.provider.EmbedBatch(ctx, texts[:mid])
	if err1 != nil {
		return nil, fmt.Errorf("%w: retry at batch size %d: %v", ErrEmbedding, mid, err1)
	}
	second, err2 := e.provider.EmbedBatch(ctx, texts[mid:])
	if err2 != nil {
		return nil, fmt.Errorf("%w: retry at batch size %d: %v", ErrEmbedding, len(texts)-mid, err2)
	}
	return append(first, second...), nil
}

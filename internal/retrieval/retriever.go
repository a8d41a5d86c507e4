package retrieval

import (
	"context"
	"errors"
	"fmt"

	"github.com/testbrain/testbrain/internal/index"
)

// ErrInvalidTopK is returned when a caller requests a non-positive top_k.
var ErrInvalidTopK = errors.New("top_k must be positive")

// ContextChunk is a retrieved context fragment with its similarity score.
type ContextChunk struct {
	ID      string  `json:"id"`
	Source  string  `json:"source"`
	Format  string  `json:"format"`
	Ordinal int     `json:"ordinal"`
	Text    string  `json:"text"`
	Score   float32 `json:"score"`
}

// Searcher is the slice of the vector index the retriever needs.
type Searcher interface {
	Search(vector []float32, topK int) ([]index.ScoredRecord, error)
}

// Retriever combines query embedding and vector search to find the most
// relevant indexed chunks.
type Retriever struct {
	embedder *Embedder
	idx      Searcher
}

// NewRetriever creates a Retriever backed by the given Embedder and index.
func NewRetriever(embedder *Embedder, idx Searcher) *Retriever {
	return &Retriever{embedder: embedder, idx: idx}
}

// Retrieve embeds the query and returns the top-K most similar chunks in
// descending score order. An empty knowledge base yields an empty result.
func (r *Retriever) Retrieve(ctx context.Context, query string, topK int) ([]ContextChunk, error) {
	if topK <= 0 {
		return nil, fmt.Errorf("top_k %d: %w", topK, ErrInvalidTopK)
	}

	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	scored, err := r.idx.Search(vec, topK)
	if err != nil {
		return nil, err
	}

	chunks := make([]ContextChunk, len(scored))
	for i, s := range scored {
		chunks[i] = ContextChunk{
			ID:      s.ID,
			Source:  s.Source,
			Format:  s.Format,
			Ordinal: s.Ordinal,
			Text:    s.Text,
			Score:   s.Score,
		}
	}
	return chunks, nil
}

package index

import (
	"errors"
	"time"
)

// ErrDimensionMismatch is returned when the embedding model or vector
// dimension of incoming data does not match what the persisted index was
// built with. Mixing dimensions would silently corrupt similarity scores,
// so the index fails fast instead.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// ErrMarkupMissing is returned when the checkout markup asset is requested
// but none has been ingested since the last reset.
var ErrMarkupMissing = errors.New("checkout markup not ingested")

// Record is one persisted index entry: a chunk, its embedding vector, and
// source metadata.
type Record struct {
	ID        string
	Source    string
	Format    string
	Ordinal   int
	Text      string
	Start     int
	End       int
	Embedding []float32
	CreatedAt time.Time
}

// ScoredRecord is a Record with a similarity score attached.
type ScoredRecord struct {
	Record
	Score float32
}

// Markup is the stored checkout page asset. At most one exists at a time;
// each new ingest that supplies one replaces it wholesale.
type Markup struct {
	Name      string
	Content   []byte
	UpdatedAt time.Time
}

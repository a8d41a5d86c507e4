package kb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/testbrain/testbrain/internal/chunker"
	"github.com/testbrain/testbrain/internal/index"
	"github.com/testbrain/testbrain/internal/retrieval"
	"github.com/testbrain/testbrain/internal/storage"
)

// ErrNoInput is returned when an ingest call supplies neither documents nor
// checkout markup.
var ErrNoInput = errors.New("nothing to ingest")

// DocReport describes the outcome for a single document in an ingest batch.
type DocReport struct {
	Source string `json:"source"`
	Format string `json:"format"`
	Chunks int    `json:"chunks"`
	Error  string `json:"error,omitempty"`
}

// Report summarizes one ingest call. A batch where some documents failed is
// surfaced distinctly from full success via Status.
type Report struct {
	Docs         []DocReport `json:"docs"`
	DocsIngested int         `json:"docs_ingested"`
	DocsFailed   int         `json:"docs_failed"`
	ChunksAdded  int         `json:"chunks_added"`
	MarkupSaved  bool        `json:"markup_saved"`
	Reset        bool        `json:"reset"`
}

// Status is "ok" for full success, "partial" when some documents failed, and
// "failed" when every document failed.
func (r Report) Status() string {
	switch {
	case r.DocsFailed == 0:
		return "ok"
	case r.DocsIngested > 0 || r.MarkupSaved:
		return "partial"
	default:
		return "failed"
	}
}

// Manager orchestrates ingestion: chunk, embed, and index each document,
// plus lifecycle of the single checkout markup asset. A manager-level mutex
// makes reset-then-upsert one critical section per ingest call, so a reset
// from one request can never silently discard entries written by another.
type Manager struct {
	mu         sync.Mutex
	chunker    *chunker.Chunker
	embedder   *retrieval.Embedder
	idx        *index.SQLiteIndex
	store      *storage.Store
	embedModel string
	logger     *slog.Logger
}

// NewManager wires the ingestion pipeline. embedModel identifies the
// embedding configuration; the index pins it on first insert.
func NewManager(c *chunker.Chunker, e *retrieval.Embedder, idx *index.SQLiteIndex, store *storage.Store, embedModel string) *Manager {
	return &Manager{
		chunker:    c,
		embedder:   e,
		idx:        idx,
		store:      store,
		embedModel: embedModel,
		logger:     slog.Default(),
	}
}

// Ingest builds the knowledge base from the given documents and optional
// checkout markup. When reset is true, the index (and markup asset) is
// cleared first. Document failures are best-effort: a document that cannot
// be decoded or embedded is reported and skipped without aborting its
// siblings. Infrastructure failures (index corruption, dimension mismatch)
// abort the call.
func (m *Manager) Ingest(ctx context.Context, docs []chunker.Document, markup *chunker.Document, reset bool) (Report, error) {
	if len(docs) == 0 && markup == nil {
		return Report{}, ErrNoInput
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	report := Report{Reset: reset}

	if reset {
		if err := m.idx.Reset(); err != nil {
			return report, fmt.Errorf("resetting index: %w", err)
		}
		if err := m.store.ClearSources(); err != nil {
			return report, fmt.Errorf("clearing source inventory: %w", err)
		}
	}

	for _, doc := range docs {
		dr := DocReport{Source: doc.Source, Format: string(doc.Format)}

		added, err := m.ingestOne(ctx, doc)
		if err != nil {
			if !recoverable(err) {
				return report, err
			}
			m.logger.Warn("document skipped", "source", doc.Source, "error", err)
			dr.Error = err.Error()
			report.DocsFailed++
			report.Docs = append(report.Docs, dr)
			continue
		}

		dr.Chunks = added
		report.DocsIngested++
		report.ChunksAdded += added
		report.Docs = append(report.Docs, dr)
		m.logger.Info("document indexed", "source", doc.Source, "chunks", added)
	}

	if markup != nil {
		if err := m.idx.SaveMarkup(markup.Source, markup.Content); err != nil {
			return report, fmt.Errorf("storing checkout markup: %w", err)
		}
		report.MarkupSaved = true
		m.logger.Info("checkout markup stored", "source", markup.Source, "bytes", len(markup.Content))
	}

	return report, nil
}

// ingestOne runs chunk -> embed -> index for a single document and returns
// the number of chunks added.
func (m *Manager) ingestOne(ctx context.Context, doc chunker.Document) (int, error) {
	chunks, err := m.chunker.Split(doc)
	if err != nil {
		return 0, err
	}
	if len(chunks) == 0 {
		return 0, nil
	}

	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Text
	}
	vecs, err := m.embedder.EmbedAll(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embedding %q: %w", doc.Source, err)
	}

	now := time.Now().UTC()
	records := make([]index.Record, len(chunks))
	for i, ch := range chunks {
		records[i] = index.Record{
			ID:        uuid.New().String(),
			Source:    ch.Source,
			Format:    string(doc.Format),
			Ordinal:   ch.Ordinal,
			Text:      ch.Text,
			Start:     ch.Start,
			End:       ch.End,
			Embedding: vecs[i],
			CreatedAt: now,
		}
	}

	if err := m.idx.Insert(m.embedModel, records); err != nil {
		return 0, fmt.Errorf("indexing %q: %w", doc.Source, err)
	}

	if err := m.store.UpsertSource(storage.Source{
		Name:       doc.Source,
		Format:     string(doc.Format),
		ChunkCount: len(records),
		IngestedAt: now,
	}); err != nil {
		return 0, fmt.Errorf("recording source %q: %w", doc.Source, err)
	}

	return len(records), nil
}

// recoverable reports whether a per-document error should be captured in the
// report rather than abort the batch. Decode and embedding failures affect
// only the offending document; anything else is infrastructure.
func recoverable(err error) bool {
	return errors.Is(err, chunker.ErrDecode) || errors.Is(err, retrieval.ErrEmbedding)
}

// Reset clears the knowledge base: all index entries, the markup asset, and
// the source inventory. Idempotent.
func (m *Manager) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.idx.Reset(); err != nil {
		return fmt.Errorf("resetting index: %w", err)
	}
	if err := m.store.ClearSources(); err != nil {
		return fmt.Errorf("clearing source inventory: %w", err)
	}
	return nil
}

// Count returns the number of indexed entries.
func (m *Manager) Count() (int, error) {
	return m.idx.Count()
}

package kb

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/testbrain/testbrain/internal/chunker"
	"github.com/testbrain/testbrain/internal/index"
	"github.com/testbrain/testbrain/internal/retrieval"
	"github.com/testbrain/testbrain/internal/storage"
)

const testModel = "nomic-embed-text"

// keywordProvider embeds text as keyword-presence dimensions, so tests can
// control which chunks rank closest to a query.
type keywordProvider struct {
	keywords []string
	fail     bool
	calls    int
}

func (p *keywordProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	p.calls++
	if p.fail {
		return nil, errors.New("provider down")
	}
	vecs := make([][]float32, len(texts))
	for i, text := range texts {
		v := make([]float32, len(p.keywords)+1)
		for j, kw := range p.keywords {
			if strings.Contains(strings.ToLower(text), kw) {
				v[j] = 1
			}
		}
		v[len(p.keywords)] = 0.1 // keeps the vector non-zero
		vecs[i] = v
	}
	return vecs, nil
}

type fixture struct {
	manager   *Manager
	idx       *index.SQLiteIndex
	store     *storage.Store
	retriever *retrieval.Retriever
	provider  *keywordProvider
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:): %v", err)
	}
	t.Cleanup(func() { store.Close() })

	provider := &keywordProvider{keywords: []string{"save15", "shipping", "checkout"}}
	idx := index.NewSQLiteIndex(store.DB())
	embedder := retrieval.NewEmbedder(provider, 0)
	manager := NewManager(chunker.New(200, 40), embedder, idx, store, testModel)

	return &fixture{
		manager:   manager,
		idx:       idx,
		store:     store,
		retriever: retrieval.NewRetriever(embedder, idx),
		provider:  provider,
	}
}

func doc(name, content string) chunker.Document {
	return chunker.Document{Source: name, Format: chunker.FormatForFile(name), Content: []byte(content)}
}

func TestIngestBuildsIndex(t *testing.T) {
	f := newFixture(t)

	report, err := f.manager.Ingest(context.Background(), []chunker.Document{
		doc("promotions.md", "The SAVE15 promo code grants 15% off the cart subtotal."),
		doc("shipping.txt", "Standard shipping is free for orders above $50."),
	}, nil, false)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	if report.Status() != "ok" {
		t.Errorf("expected full success, got %q", report.Status())
	}
	if report.DocsIngested != 2 || report.DocsFailed != 0 {
		t.Errorf("report counts wrong: %+v", report)
	}
	if report.ChunksAdded < 2 {
		t.Errorf("expected at least 2 chunks, got %d", report.ChunksAdded)
	}

	count, err := f.manager.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != report.ChunksAdded {
		t.Errorf("index has %d entries, report says %d", count, report.ChunksAdded)
	}

	sources, err := f.store.ListSources()
	if err != nil {
		t.Fatalf("ListSources: %v", err)
	}
	if len(sources) != 2 {
		t.Errorf("expected 2 inventory entries, got %d", len(sources))
	}
}

func TestIngestRetrieveRoundTrip(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.Ingest(context.Background(), []chunker.Document{
		doc("promotions.md", "Apply the SAVE15 code at checkout for 15% off."),
		doc("shipping.txt", "Shipping costs $4.99 below the free threshold."),
	}, nil, false)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	chunks, err := f.retriever.Retrieve(context.Background(), "how does SAVE15 work", 1)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if chunks[0].Source != "promotions.md" {
		t.Errorf("top chunk should come from promotions.md, got %s", chunks[0].Source)
	}
}

// TestIngestPartialFailure checks that one undecodable document is reported
// and skipped without aborting its siblings.
func TestIngestPartialFailure(t *testing.T) {
	f := newFixture(t)

	report, err := f.manager.Ingest(context.Background(), []chunker.Document{
		doc("good.md", "Checkout accepts credit cards and gift cards."),
		doc("broken.json", "{this is not json"),
	}, nil, false)
	if err != nil {
		t.Fatalf("Ingest should not fail outright: %v", err)
	}

	if report.Status() != "partial" {
		t.Errorf("expected partial status, got %q", report.Status())
	}
	if report.DocsIngested != 1 || report.DocsFailed != 1 {
		t.Errorf("report counts wrong: %+v", report)
	}

	var failed *DocReport
	for i := range report.Docs {
		if report.Docs[i].Source == "broken.json" {
			failed = &report.Docs[i]
		}
	}
	if failed == nil || failed.Error == "" {
		t.Fatalf("failed document missing from report: %+v", report.Docs)
	}

	// The good document's chunks are indexed.
	count, _ := f.manager.Count()
	if count == 0 {
		t.Error("sibling document should have been indexed")
	}
}

func TestIngestAllFailed(t *testing.T) {
	f := newFixture(t)
	f.provider.fail = true

	report, err := f.manager.Ingest(context.Background(), []chunker.Document{
		doc("a.md", "some text"),
		doc("b.md", "more text"),
	}, nil, false)
	if err != nil {
		t.Fatalf("embedding failures are per-document: %v", err)
	}
	if report.Status() != "failed" {
		t.Errorf("expected failed status, got %q", report.Status())
	}
}

func TestIngestNoInput(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.Ingest(context.Background(), nil, nil, false)
	if !errors.Is(err, ErrNoInput) {
		t.Fatalf("expected ErrNoInput, got %v", err)
	}
}

func TestIngestStoresMarkupWithoutEmbedding(t *testing.T) {
	f := newFixture(t)

	markup := doc("checkout.html", "<html><body><input id='promo'></body></html>")
	report, err := f.manager.Ingest(context.Background(), nil, &markup, false)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if !report.MarkupSaved {
		t.Error("report should record the stored markup")
	}

	// The markup is stored verbatim and contributes no index entries.
	count, _ := f.manager.Count()
	if count != 0 {
		t.Errorf("markup must not be embedded, index has %d entries", count)
	}
	m, err := f.idx.Markup()
	if err != nil {
		t.Fatalf("Markup: %v", err)
	}
	if string(m.Content) != string(markup.Content) {
		t.Errorf("markup content altered: %q", m.Content)
	}
}

func TestIngestWithReset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.manager.Ingest(ctx, []chunker.Document{doc("old.md", "stale checkout docs")}, nil, false); err != nil {
		t.Fatalf("first Ingest: %v", err)
	}

	report, err := f.manager.Ingest(ctx, []chunker.Document{doc("new.md", "fresh checkout docs")}, nil, true)
	if err != nil {
		t.Fatalf("reset Ingest: %v", err)
	}
	if !report.Reset {
		t.Error("report should record the reset")
	}

	sources, err := f.store.ListSources()
	if err != nil {
		t.Fatalf("ListSources: %v", err)
	}
	if len(sources) != 1 || sources[0].Name != "new.md" {
		t.Errorf("reset should clear the old inventory: %+v", sources)
	}

	count, _ := f.manager.Count()
	if count != report.ChunksAdded {
		t.Errorf("index should hold only the new ingest: %d entries, %d added", count, report.ChunksAdded)
	}
}

func TestResetClearsInventoryAndMarkup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	markup := doc("checkout.html", "<html></html>")
	if _, err := f.manager.Ingest(ctx, []chunker.Document{doc("a.md", "content")}, &markup, false); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	if err := f.manager.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	count, _ := f.manager.Count()
	if count != 0 {
		t.Errorf("index not cleared: %d entries", count)
	}
	if sources, _ := f.store.ListSources(); len(sources) != 0 {
		t.Errorf("inventory not cleared: %+v", sources)
	}
	if _, err := f.idx.Markup(); !errors.Is(err, index.ErrMarkupMissing) {
		t.Errorf("markup not cleared: %v", err)
	}
}

// TestKnowledgeBaseSurvivesReopen ingests into a file-backed store, closes
// it, reopens the same directory, and checks that retrieval, the markup
// asset, and the model pin all work without re-embedding any document.
func TestKnowledgeBaseSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	provider := &keywordProvider{keywords: []string{"save15", "shipping", "checkout"}}

	store, err := storage.Open(dir)
	if err != nil {
		t.Fatalf("Open(%s): %v", dir, err)
	}
	idx := index.NewSQLiteIndex(store.DB())
	manager := NewManager(chunker.New(200, 40), retrieval.NewEmbedder(provider, 0), idx, store, testModel)

	markup := doc("checkout.html", "<html><body><input id='promo'></body></html>")
	report, err := manager.Ingest(ctx, []chunker.Document{
		doc("promotions.md", "Apply the SAVE15 code at checkout for 15% off."),
		doc("shipping.txt", "Shipping costs $4.99 below the free threshold."),
	}, &markup, false)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	store2, err := storage.Open(dir)
	if err != nil {
		t.Fatalf("reopening %s: %v", dir, err)
	}
	t.Cleanup(func() { store2.Close() })
	idx2 := index.NewSQLiteIndex(store2.DB())

	// Everything indexed before the restart is still there.
	count, err := idx2.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != report.ChunksAdded {
		t.Errorf("index has %d entries after reopen, ingest added %d", count, report.ChunksAdded)
	}

	// The model pin persisted: the right model passes, another fails fast.
	if err := idx2.VerifyModel(testModel); err != nil {
		t.Errorf("VerifyModel(%s): %v", testModel, err)
	}
	if err := idx2.VerifyModel("all-minilm"); !errors.Is(err, index.ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch for a different model, got %v", err)
	}

	// Retrieval works against the persisted vectors: only the query is
	// embedded, never the documents again.
	provider.calls = 0
	retriever := retrieval.NewRetriever(retrieval.NewEmbedder(provider, 0), idx2)
	chunks, err := retriever.Retrieve(ctx, "how does SAVE15 work", 1)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(chunks) != 1 || chunks[0].Source != "promotions.md" {
		t.Fatalf("expected the promotions chunk, got %+v", chunks)
	}
	if provider.calls != 1 {
		t.Errorf("expected 1 provider call for the query, got %d", provider.calls)
	}

	m, err := idx2.Markup()
	if err != nil {
		t.Fatalf("Markup after reopen: %v", err)
	}
	if string(m.Content) != string(markup.Content) {
		t.Errorf("markup content altered across reopen: %q", m.Content)
	}

	srcs, err := store2.ListSources()
	if err != nil {
		t.Fatalf("ListSources: %v", err)
	}
	if len(srcs) != 2 {
		t.Errorf("expected 2 inventory entries after reopen, got %d", len(srcs))
	}
}

func TestRepeatedIngestAccumulates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r1, err := f.manager.Ingest(ctx, []chunker.Document{doc("a.md", "first version of the doc")}, nil, false)
	if err != nil {
		t.Fatalf("first Ingest: %v", err)
	}
	r2, err := f.manager.Ingest(ctx, []chunker.Document{doc("a.md", "second version of the doc")}, nil, false)
	if err != nil {
		t.Fatalf("second Ingest: %v", err)
	}

	count, _ := f.manager.Count()
	if count != r1.ChunksAdded+r2.ChunksAdded {
		t.Errorf("ingest must be additive without reset: %d entries", count)
	}

	src, err := f.store.GetSource("a.md")
	if err != nil {
		t.Fatalf("GetSource: %v", err)
	}
	if src.ChunkCount != r1.ChunksAdded+r2.ChunksAdded {
		t.Errorf("inventory chunk count should accumulate: %d", src.ChunkCount)
	}
}

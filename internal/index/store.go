package index

import (
	"container/heap"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	metaEmbedModel = "embed_model"
	metaEmbedDim   = "embed_dim"
)

// SQLiteIndex stores (chunk, embedding, metadata) triples in SQLite and
// answers nearest-neighbor queries with exact brute-force cosine similarity.
// Appropriate for the small support-document corpora this system indexes;
// contents survive restarts without re-embedding.
//
// Concurrency: queries may run concurrently; Insert, Reset, and SaveMarkup
// take the write lock so a reset can never interleave with the upserts of
// another request once the knowledge base manager has begun one.
type SQLiteIndex struct {
	mu sync.RWMutex
	db *sql.DB
}

// NewSQLiteIndex wraps an existing *sql.DB for vector operations. The
// kb_chunks, kb_meta, and checkout_markup tables must already exist
// (created via storage migrations).
func NewSQLiteIndex(db *sql.DB) *SQLiteIndex {
	return &SQLiteIndex{db: db}
}

// VerifyModel checks the persisted index metadata against the configured
// embedding model. Call on startup: a stale index built with a different
// model fails fast with ErrDimensionMismatch instead of silently returning
// wrong-dimension results.
func (s *SQLiteIndex) VerifyModel(model string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok, err := s.getMeta(metaEmbedModel)
	if err != nil {
		return err
	}
	if ok && stored != model {
		return fmt.Errorf("index built with model %q, configured model is %q: %w", stored, model, ErrDimensionMismatch)
	}
	return nil
}

// Insert appends entries to the index. Entries are never deduplicated:
// re-ingesting a source is additive unless the caller resets first. The
// first insert pins the embedding model and dimension; later inserts with a
// different dimension fail with ErrDimensionMismatch.
func (s *SQLiteIndex) Insert(model string, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dim := len(records[0].Embedding)
	for _, r := range records {
		if len(r.Embedding) != dim {
			return fmt.Errorf("record %s has dimension %d, batch started with %d: %w",
				r.ID, len(r.Embedding), dim, ErrDimensionMismatch)
		}
	}
	if err := s.checkOrPinDimension(model, dim); err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning insert transaction: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO kb_chunks (id, source, format, ordinal, text_chunk, start_off, end_off, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		blob := encodeFloat32s(r.Embedding)
		createdAt := r.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		if _, err := stmt.Exec(r.ID, r.Source, r.Format, r.Ordinal, r.Text, r.Start, r.End, blob, createdAt.Format(time.RFC3339)); err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting record %s: %w", r.ID, err)
		}
	}

	return tx.Commit()
}

// candidate holds the id, insertion order, and score during the scan phase.
// Full record details are fetched only for top-K winners.
type candidate struct {
	ID    string
	Row   int64
	Score float32
}

// Search returns the top-K entries most similar to the query vector, sorted
// by descending score with ties broken by insertion order. An empty index
// yields an empty result, never an error.
func (s *SQLiteIndex) Search(vector []float32, topK int) ([]ScoredRecord, error) {
	if topK <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	// Phase 1: scan only rowid + id + embedding to find top-K candidates.
	rows, err := s.db.Query(`SELECT rowid, id, embedding FROM kb_chunks`)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	h := &candidateHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var row int64
		var id string
		var blob []byte
		if err := rows.Scan(&row, &id, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}
		if len(buf) != len(vector) {
			return nil, fmt.Errorf("stored vector for %s has dimension %d, query has %d: %w",
				id, len(buf), len(vector), ErrDimensionMismatch)
		}

		c := candidate{ID: id, Row: row, Score: cosine(vector, buf, queryNorm)}
		if h.Len() < topK {
			heap.Push(h, c)
		} else if better(c, (*h)[0]) {
			(*h)[0] = c
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	if h.Len() == 0 {
		return nil, nil
	}

	// Phase 2: fetch full records only for the top-K IDs.
	winners := make([]candidate, h.Len())
	for i := len(winners) - 1; i >= 0; i-- {
		winners[i] = heap.Pop(h).(candidate)
	}

	byID := make(map[string]int, len(winners))
	args := make([]interface{}, len(winners))
	for i, c := range winners {
		byID[c.ID] = i
		args[i] = c.ID
	}
	fullQuery := `SELECT id, source, format, ordinal, text_chunk, start_off, end_off, embedding, created_at
		FROM kb_chunks WHERE id IN (?` + strings.Repeat(",?", len(winners)-1) + `)`

	fullRows, err := s.db.Query(fullQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K records: %w", err)
	}
	defer fullRows.Close()

	results := make([]ScoredRecord, len(winners))
	for fullRows.Next() {
		var r Record
		var blob []byte
		var createdAt string
		if err := fullRows.Scan(&r.ID, &r.Source, &r.Format, &r.Ordinal, &r.Text, &r.Start, &r.End, &blob, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning full record: %w", err)
		}
		embedding, err := decodeFloat32s(blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", r.ID, err)
		}
		r.Embedding = embedding
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		r.CreatedAt = t

		// winners is already ordered best-first; place the record back at
		// its rank (the IN query does not preserve order).
		i := byID[r.ID]
		results[i] = ScoredRecord{Record: r, Score: winners[i].Score}
	}
	if err := fullRows.Err(); err != nil {
		return nil, fmt.Errorf("iterating full records: %w", err)
	}

	return results, nil
}

// Reset discards all index entries, the pinned embedding metadata, and the
// stored markup asset, returning the knowledge base to empty. Idempotent.
func (s *SQLiteIndex) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning reset transaction: %w", err)
	}
	for _, stmt := range []string{
		"DELETE FROM kb_chunks",
		"DELETE FROM kb_meta",
		"DELETE FROM checkout_markup",
	} {
		if _, err := tx.Exec(stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("resetting index: %w", err)
		}
	}
	return tx.Commit()
}

// Count returns the number of entries in the index.
func (s *SQLiteIndex) Count() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM kb_chunks").Scan(&count)
	return count, err
}

// Dimension returns the pinned embedding dimension, or ok=false if the index
// is empty and no dimension has been pinned yet.
func (s *SQLiteIndex) Dimension() (dim int, ok bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dimension()
}

func (s *SQLiteIndex) dimension() (int, bool, error) {
	v, ok, err := s.getMeta(metaEmbedDim)
	if err != nil || !ok {
		return 0, false, err
	}
	dim, err := strconv.Atoi(v)
	if err != nil {
		return 0, false, fmt.Errorf("parsing stored dimension %q: %w", v, err)
	}
	return dim, true, nil
}

// SaveMarkup stores the checkout markup asset, replacing any prior one.
func (s *SQLiteIndex) SaveMarkup(name string, content []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO checkout_markup (id, name, content, updated_at) VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			content = excluded.content,
			updated_at = excluded.updated_at`,
		name, content, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// Markup returns the current checkout markup asset, or ErrMarkupMissing if
// none has been ingested since the last reset.
func (s *SQLiteIndex) Markup() (Markup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var m Markup
	var updatedAt string
	err := s.db.QueryRow(`SELECT name, content, updated_at FROM checkout_markup WHERE id = 1`).
		Scan(&m.Name, &m.Content, &updatedAt)
	if err == sql.ErrNoRows {
		return Markup{}, ErrMarkupMissing
	}
	if err != nil {
		return Markup{}, err
	}
	t, err := time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return Markup{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	m.UpdatedAt = t
	return m, nil
}

// checkOrPinDimension verifies incoming vectors against the pinned model and
// dimension, pinning them on first use. Caller holds the write lock.
func (s *SQLiteIndex) checkOrPinDimension(model string, dim int) error {
	storedModel, haveModel, err := s.getMeta(metaEmbedModel)
	if err != nil {
		return err
	}
	storedDim, haveDim, err := s.dimension()
	if err != nil {
		return err
	}

	if haveModel && storedModel != model {
		return fmt.Errorf("index pinned to model %q, insert uses %q: %w", storedModel, model, ErrDimensionMismatch)
	}
	if haveDim && storedDim != dim {
		return fmt.Errorf("index pinned to dimension %d, insert has %d: %w", storedDim, dim, ErrDimensionMismatch)
	}
	if !haveModel {
		if err := s.setMeta(metaEmbedModel, model); err != nil {
			return err
		}
	}
	if !haveDim {
		if err := s.setMeta(metaEmbedDim, strconv.Itoa(dim)); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) getMeta(key string) (string, bool, error) {
	var v string
	err := s.db.QueryRow("SELECT value FROM kb_meta WHERE key = ?", key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading meta %s: %w", key, err)
	}
	return v, true, nil
}

func (s *SQLiteIndex) setMeta(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO kb_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a new float32 slice.
func decodeFloat32s(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	v := make([]float32, n)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

// decodeFloat32sInto decodes little-endian bytes into the provided buffer,
// reusing it to avoid per-row allocations during search scans.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// cosine computes dot(a,b) / (aNorm * bNorm). aNorm is precomputed.
func cosine(a, b []float32, aNorm float32) float32 {
	var dot float64
	var bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}

// better reports whether a should outrank b: higher score wins, equal scores
// fall back to insertion order (earlier rowid wins) so results are stable.
func better(a, b candidate) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.Row < b.Row
}

// candidateHeap is a min-heap ordered worst-first, so the root is the entry
// to evict when a better candidate arrives.
type candidateHeap []candidate

func (h candidateHeap) Len() int           { return len(h) }
func (h candidateHeap) Less(i, j int) bool { return better(h[j], h[i]) }
func (h candidateHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *candidateHeap) Push(x interface{}) { *h = append(*h, x.(candidate)) }
func (h *candidateHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

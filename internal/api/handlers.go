package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"

	"github.com/testbrain/testbrain/internal/chunker"
	"github.com/testbrain/testbrain/internal/generate"
	"github.com/testbrain/testbrain/internal/index"
	"github.com/testbrain/testbrain/internal/kb"
	"github.com/testbrain/testbrain/internal/llm"
	"github.com/testbrain/testbrain/internal/retrieval"
	"github.com/testbrain/testbrain/internal/storage"
)

const maxIngestBodySize = 32 << 20 // 32MB
const maxRequestBodySize = 1 << 20 // 1MB
const excerptLimit = 600

// Deps carries the wired pipeline components the HTTP layer dispatches to.
type Deps struct {
	Manager      *kb.Manager
	Orchestrator *generate.Orchestrator
	Index        *index.SQLiteIndex
	Store        *storage.Store
	DefaultTopK  int
	BaseURL      string // default target substituted for the script placeholder
}

// NewHandler returns the HTTP API: knowledge-base lifecycle plus the two
// generation operations.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps))
	r.Post("/ingest", handleIngest(deps))
	r.Post("/reset", handleReset(deps))
	r.Post("/generate-testcases", handleGenerateTestCases(deps))
	r.Post("/generate-script", handleGenerateScript(deps))
	r.Get("/checkout-html", handleCheckoutHTML(deps))
	r.Get("/sources", handleSources(deps))
	r.Get("/sources/{name}", handleGetSource(deps))

	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		count, err := deps.Manager.Count()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "counting index entries: %v", err)
			return
		}
		writeJSON(w, map[string]any{
			"status":  "ok",
			"indexed": count,
		})
	}
}

func handleIngest(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxIngestBodySize)
		defer r.Body.Close()

		if err := r.ParseMultipartForm(maxIngestBodySize); err != nil {
			httpError(w, http.StatusBadRequest, "validation_error", "invalid multipart body: %v", err)
			return
		}

		var docs []chunker.Document
		for _, fh := range r.MultipartForm.File["docs"] {
			doc, err := readUpload(fh)
			if err != nil {
				httpError(w, http.StatusBadRequest, "validation_error", "reading %s: %v", fh.Filename, err)
				return
			}
			docs = append(docs, doc)
		}

		var markup *chunker.Document
		if files := r.MultipartForm.File["checkout"]; len(files) > 0 {
			doc, err := readUpload(files[0])
			if err != nil {
				httpError(w, http.StatusBadRequest, "validation_error", "reading %s: %v", files[0].Filename, err)
				return
			}
			markup = &doc
		}

		reset := false
		if v := r.FormValue("reset"); v != "" {
			parsed, err := strconv.ParseBool(v)
			if err != nil {
				httpError(w, http.StatusBadRequest, "validation_error", "invalid reset flag %q", v)
				return
			}
			reset = parsed
		}

		report, err := deps.Manager.Ingest(r.Context(), docs, markup, reset)
		if err != nil {
			writeDomainError(w, err)
			return
		}

		writeJSON(w, map[string]any{
			"status": report.Status(),
			"report": report,
		})
	}
}

func handleReset(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Manager.Reset(r.Context()); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "reset"})
	}
}

type testCasesRequest struct {
	Query string `json:"query"`
	TopK  *int   `json:"top_k"`
}

func handleGenerateTestCases(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req testCasesRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "validation_error", "invalid request body: %v", err)
			return
		}
		if strings.TrimSpace(req.Query) == "" {
			httpError(w, http.StatusBadRequest, "validation_error", "query is required")
			return
		}

		result, err := deps.Orchestrator.TestCases(r.Context(), req.Query, topKOrDefault(req.TopK, deps.DefaultTopK))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, result)
	}
}

type scriptRequest struct {
	TestCase string `json:"test_case"`
	TopK     *int   `json:"top_k"`
	BaseURL  string `json:"base_url"`
}

type scriptResponse struct {
	generate.ScriptResult
	BaseURL string `json:"base_url"`
}

func handleGenerateScript(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req scriptRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "validation_error", "invalid request body: %v", err)
			return
		}
		if strings.TrimSpace(req.TestCase) == "" {
			httpError(w, http.StatusBadRequest, "validation_error", "test_case is required")
			return
		}

		result, err := deps.Orchestrator.Script(r.Context(), req.TestCase, topKOrDefault(req.TopK, deps.DefaultTopK))
		if err != nil {
			writeDomainError(w, err)
			return
		}

		baseURL := req.BaseURL
		if baseURL == "" {
			baseURL = deps.BaseURL
		}
		result.Script = strings.ReplaceAll(result.Script, generate.BaseURLPlaceholder, baseURL)

		writeJSON(w, scriptResponse{ScriptResult: result, BaseURL: baseURL})
	}
}

func handleCheckoutHTML(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		markup, err := deps.Index.Markup()
		if err != nil {
			writeDomainError(w, err)
			return
		}

		excerpt, err := chunker.FlattenHTML(markup.Content)
		if err != nil {
			excerpt = ""
		}
		if len(excerpt) > excerptLimit {
			cut := excerptLimit
			for cut > 0 && !utf8.RuneStart(excerpt[cut]) {
				cut--
			}
			excerpt = excerpt[:cut] + "..."
		}

		writeJSON(w, map[string]any{
			"name":       markup.Name,
			"updated_at": markup.UpdatedAt,
			"html":       string(markup.Content),
			"excerpt":    excerpt,
		})
	}
}

func handleSources(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sources, err := deps.Store.ListSources()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing sources: %v", err)
			return
		}
		if sources == nil {
			sources = []storage.Source{}
		}
		writeJSON(w, sources)
	}
}

func handleGetSource(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")

		src, err := deps.Store.GetSource(name)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "source %q not ingested", name)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "fetching source: %v", err)
			return
		}
		writeJSON(w, src)
	}
}

func readUpload(fh *multipart.FileHeader) (chunker.Document, error) {
	f, err := fh.Open()
	if err != nil {
		return chunker.Document{}, err
	}
	defer f.Close()

	content, err := io.ReadAll(f)
	if err != nil {
		return chunker.Document{}, err
	}

	return chunker.Document{
		Source:  fh.Filename,
		Format:  chunker.FormatForFile(fh.Filename),
		Content: content,
	}, nil
}

func topKOrDefault(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

// writeDomainError maps pipeline sentinel errors onto kind-labeled HTTP
// responses, so callers can tell "fix your input" from "ingest first" from
// "the model misbehaved".
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, kb.ErrNoInput), errors.Is(err, retrieval.ErrInvalidTopK):
		httpError(w, http.StatusBadRequest, "validation_error", "%v", err)
	case errors.Is(err, chunker.ErrDecode):
		httpError(w, http.StatusBadRequest, "content_decode_error", "%v", err)
	case errors.Is(err, index.ErrMarkupMissing):
		httpError(w, http.StatusNotFound, "asset_missing_error", "%v", err)
	case errors.Is(err, index.ErrDimensionMismatch):
		httpError(w, http.StatusConflict, "config_mismatch_error", "%v", err)
	case errors.Is(err, generate.ErrBadFormat):
		httpError(w, http.StatusBadGateway, "generation_format_error", "%v", err)
	case errors.Is(err, llm.ErrTimeout):
		httpError(w, http.StatusGatewayTimeout, "timeout_error", "%v", err)
	case errors.Is(err, retrieval.ErrEmbedding):
		httpError(w, http.StatusBadGateway, "embedding_error", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

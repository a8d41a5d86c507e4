package generate

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/testbrain/testbrain/internal/index"
	"github.com/testbrain/testbrain/internal/llm"
	"github.com/testbrain/testbrain/internal/retrieval"
)

const (
	// DefaultMaxTokens bounds generated output length.
	DefaultMaxTokens = 4096
	// tableTemperature keeps structured output deterministic-ish.
	tableTemperature = 0.2
	// scriptTemperature leaves a little room for code synthesis.
	scriptTemperature = 0.3
)

// automationStmt matches at least one statement that indicates the response
// is actually a browser automation script rather than prose.
var automationStmt = regexp.MustCompile(`(?i)webdriver|WebDriverWait|find_element|driver\.|page\.|browser\.|cy\.`)

// MarkupSource yields the stored checkout page markup. Satisfied by
// index.SQLiteIndex.
type MarkupSource interface {
	Markup() (index.Markup, error)
}

// TestCaseResult is the artifact of TestCases: the parsed table plus the
// context chunks that grounded it.
type TestCaseResult struct {
	Cases   []TestCase               `json:"cases"`
	Context []retrieval.ContextChunk `json:"context"`
	Table   string                   `json:"table"`
}

// ScriptResult is the artifact of Script: opaque script text plus grounding.
type ScriptResult struct {
	Script     string                   `json:"script"`
	MarkupName string                   `json:"markup_name"`
	Context    []retrieval.ContextChunk `json:"context"`
}

// Orchestrator assembles grounded prompts and turns raw model output into
// validated artifacts. Both operations tolerate an empty knowledge base;
// grounding just degrades.
type Orchestrator struct {
	retriever *retrieval.Retriever
	completer llm.CompletionProvider
	markup    MarkupSource
	maxTokens int
	logger    *slog.Logger
}

// NewOrchestrator wires the generation path. If maxTokens <= 0 the default
// is used.
func NewOrchestrator(r *retrieval.Retriever, c llm.CompletionProvider, m MarkupSource, maxTokens int) *Orchestrator {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &Orchestrator{
		retriever: r,
		completer: c,
		markup:    m,
		maxTokens: maxTokens,
		logger:    slog.Default(),
	}
}

// TestCases retrieves context for the query, asks the model for a test-case
// table, and parses it strictly. An unparseable response fails with
// ErrBadFormat; nothing is persisted either way.
func (o *Orchestrator) TestCases(ctx context.Context, query string, topK int) (TestCaseResult, error) {
	chunks, err := o.retriever.Retrieve(ctx, query, topK)
	if err != nil {
		return TestCaseResult{}, err
	}

	prompt := BuildTestCasePrompt(query, chunks)
	raw, err := o.completer.Complete(ctx, prompt, llm.CompletionOptions{
		MaxTokens:   o.maxTokens,
		Temperature: tableTemperature,
	})
	if err != nil {
		return TestCaseResult{}, fmt.Errorf("generating test cases: %w", err)
	}

	cases, err := ParseTestCaseTable(raw)
	if err != nil {
		o.logger.Warn("test-case response rejected", "error", err, "response_bytes", len(raw))
		return TestCaseResult{}, err
	}

	o.logger.Info("test cases generated", "query", query, "cases", len(cases), "context_chunks", len(chunks))
	return TestCaseResult{Cases: cases, Context: chunks, Table: StripFence(raw)}, nil
}

// Script retrieves context for the test case, fetches the stored checkout
// markup (ErrMarkupMissing aborts before any model call), and asks the model
// for an automation script targeting BaseURLPlaceholder. The response is
// opaque text but must be non-empty and contain at least one automation
// statement.
func (o *Orchestrator) Script(ctx context.Context, testCase string, topK int) (ScriptResult, error) {
	markup, err := o.markup.Markup()
	if err != nil {
		return ScriptResult{}, err
	}

	chunks, err := o.retriever.Retrieve(ctx, testCase, topK)
	if err != nil {
		return ScriptResult{}, err
	}

	prompt := BuildScriptPrompt(testCase, chunks, markup.Content)
	raw, err := o.completer.Complete(ctx, prompt, llm.CompletionOptions{
		MaxTokens:   o.maxTokens,
		Temperature: scriptTemperature,
	})
	if err != nil {
		return ScriptResult{}, fmt.Errorf("generating script: %w", err)
	}

	script := StripFence(raw)
	if err := validateScript(script); err != nil {
		o.logger.Warn("script response rejected", "error", err, "response_bytes", len(raw))
		return ScriptResult{}, err
	}

	o.logger.Info("script generated", "markup", markup.Name, "context_chunks", len(chunks), "script_bytes", len(script))
	return ScriptResult{Script: script, MarkupName: markup.Name, Context: chunks}, nil
}

func validateScript(script string) error {
	if strings.TrimSpace(script) == "" {
		return fmt.Errorf("%w: empty script response", ErrBadFormat)
	}
	if !automationStmt.MatchString(script) {
		return fmt.Errorf("%w: response contains no automation statements", ErrBadFormat)
	}
	return nil
}

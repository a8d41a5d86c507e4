package generate

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/testbrain/testbrain/internal/index"
	"github.com/testbrain/testbrain/internal/llm"
	"github.com/testbrain/testbrain/internal/retrieval"
)

// staticProvider returns a fixed embedding for any text.
type staticProvider struct{}

func (staticProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vecs := make([][]float32, len(texts))
	for i := range vecs {
		vecs[i] = []float32{1, 0}
	}
	return vecs, nil
}

// cannedSearcher returns fixed context chunks for any query vector.
type cannedSearcher struct {
	records []index.ScoredRecord
}

func (s *cannedSearcher) Search(vector []float32, topK int) ([]index.ScoredRecord, error) {
	if topK < len(s.records) {
		return s.records[:topK], nil
	}
	return s.records, nil
}

// scriptedCompleter returns a canned response and records the prompt.
type scriptedCompleter struct {
	response string
	err      error
	prompts  []string
}

func (c *scriptedCompleter) Complete(ctx context.Context, prompt string, opts llm.CompletionOptions) (string, error) {
	c.prompts = append(c.prompts, prompt)
	if c.err != nil {
		return "", c.err
	}
	return c.response, nil
}

// markupStore holds an optional markup asset.
type markupStore struct {
	markup *index.Markup
}

func (m *markupStore) Markup() (index.Markup, error) {
	if m.markup == nil {
		return index.Markup{}, index.ErrMarkupMissing
	}
	return *m.markup, nil
}

func newTestRetriever(records ...index.ScoredRecord) *retrieval.Retriever {
	return retrieval.NewRetriever(
		retrieval.NewEmbedder(staticProvider{}, 0),
		&cannedSearcher{records: records},
	)
}

func promoChunk() index.ScoredRecord {
	return index.ScoredRecord{
		Record: index.Record{
			ID:     "c1",
			Source: "promotions.md",
			Text:   "The SAVE15 code grants 15% off the cart subtotal.",
		},
		Score: 0.9,
	}
}

func TestTestCasesParsesTable(t *testing.T) {
	completer := &scriptedCompleter{response: validTable}
	o := NewOrchestrator(newTestRetriever(promoChunk()), completer, &markupStore{}, 0)

	result, err := o.TestCases(context.Background(), "promo code discounts", 5)
	if err != nil {
		t.Fatalf("TestCases: %v", err)
	}
	if len(result.Cases) != 2 {
		t.Errorf("expected 2 cases, got %d", len(result.Cases))
	}
	if len(result.Context) != 1 {
		t.Errorf("expected 1 context chunk, got %d", len(result.Context))
	}
	if result.Table == "" {
		t.Error("raw table should be preserved")
	}

	// The prompt grounds the model: retrieved text, the query, and the
	// required column header all appear.
	prompt := completer.prompts[0]
	for _, want := range []string{
		"SAVE15 code grants 15% off",
		"promo code discounts",
		strings.Join(TableColumns, " | "),
		"promotions.md",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestTestCasesUnparseableOutput(t *testing.T) {
	completer := &scriptedCompleter{response: "I could not find enough information to make a table."}
	o := NewOrchestrator(newTestRetriever(promoChunk()), completer, &markupStore{}, 0)

	_, err := o.TestCases(context.Background(), "promo code", 5)
	if !errors.Is(err, ErrBadFormat) {
		t.Fatalf("expected ErrBadFormat, got %v", err)
	}
}

func TestTestCasesEmptyKnowledgeBase(t *testing.T) {
	completer := &scriptedCompleter{response: validTable}
	o := NewOrchestrator(newTestRetriever(), completer, &markupStore{}, 0)

	result, err := o.TestCases(context.Background(), "promo code", 5)
	if err != nil {
		t.Fatalf("TestCases must tolerate an empty knowledge base: %v", err)
	}
	if len(result.Context) != 0 {
		t.Errorf("expected no context, got %d chunks", len(result.Context))
	}
	if !strings.Contains(completer.prompts[0], "no documentation indexed") {
		t.Error("prompt should state that no documentation is available")
	}
}

func TestTestCasesProviderError(t *testing.T) {
	completer := &scriptedCompleter{err: llm.ErrTimeout}
	o := NewOrchestrator(newTestRetriever(promoChunk()), completer, &markupStore{}, 0)

	_, err := o.TestCases(context.Background(), "promo code", 5)
	if !errors.Is(err, llm.ErrTimeout) {
		t.Fatalf("provider errors must propagate distinctly, got %v", err)
	}
	if errors.Is(err, ErrBadFormat) {
		t.Error("a provider failure is not a format failure")
	}
}

const checkoutHTML = `<html><body>
<input id="promo-code" name="promo"><button id="apply-promo">Apply</button>
<span id="cart-total">$60.00</span>
</body></html>`

const seleniumScript = "```python\n" +
	"from selenium import webdriver\n" +
	"from selenium.webdriver.support.ui import WebDriverWait\n" +
	"driver = webdriver.Chrome()\n" +
	"driver.get(\"{{BASE_URL}}\")\n" +
	"driver.find_element(\"id\", \"promo-code\").send_keys(\"SAVE15\")\n" +
	"print(\"PASS\")\n" +
	"```"

func TestScriptRequiresMarkup(t *testing.T) {
	completer := &scriptedCompleter{response: seleniumScript}
	o := NewOrchestrator(newTestRetriever(promoChunk()), completer, &markupStore{}, 0)

	_, err := o.Script(context.Background(), "apply SAVE15 to a $60 cart", 5)
	if !errors.Is(err, index.ErrMarkupMissing) {
		t.Fatalf("expected ErrMarkupMissing, got %v", err)
	}
	if len(completer.prompts) != 0 {
		t.Error("no model call should happen without markup")
	}
}

func TestScriptGeneration(t *testing.T) {
	completer := &scriptedCompleter{response: seleniumScript}
	store := &markupStore{markup: &index.Markup{Name: "checkout.html", Content: []byte(checkoutHTML)}}
	o := NewOrchestrator(newTestRetriever(promoChunk()), completer, store, 0)

	result, err := o.Script(context.Background(), "apply SAVE15 to a $60 cart", 5)
	if err != nil {
		t.Fatalf("Script: %v", err)
	}
	if result.Script == "" {
		t.Fatal("script must be non-empty")
	}
	if !strings.Contains(result.Script, BaseURLPlaceholder) {
		t.Error("script should reference the base URL placeholder")
	}
	if !automationStmt.MatchString(result.Script) {
		t.Error("script should contain an automation statement")
	}
	if strings.HasPrefix(result.Script, "```") {
		t.Error("code fence should be stripped")
	}
	if result.MarkupName != "checkout.html" {
		t.Errorf("markup name not carried: %q", result.MarkupName)
	}

	// Prompt contains the test case, the literal markup, and the placeholder.
	prompt := completer.prompts[0]
	for _, want := range []string{
		"apply SAVE15 to a $60 cart",
		`id="promo-code"`,
		BaseURLPlaceholder,
		"SAVE15 code grants 15% off",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestScriptRejectsProse(t *testing.T) {
	completer := &scriptedCompleter{response: "To test this, open the page and click around manually."}
	store := &markupStore{markup: &index.Markup{Name: "checkout.html", Content: []byte(checkoutHTML)}}
	o := NewOrchestrator(newTestRetriever(promoChunk()), completer, store, 0)

	_, err := o.Script(context.Background(), "apply SAVE15", 5)
	if !errors.Is(err, ErrBadFormat) {
		t.Fatalf("expected ErrBadFormat for prose response, got %v", err)
	}
}

func TestScriptRejectsEmpty(t *testing.T) {
	completer := &scriptedCompleter{response: "   \n  "}
	store := &markupStore{markup: &index.Markup{Name: "checkout.html", Content: []byte(checkoutHTML)}}
	o := NewOrchestrator(newTestRetriever(promoChunk()), completer, store, 0)

	_, err := o.Script(context.Background(), "apply SAVE15", 5)
	if !errors.Is(err, ErrBadFormat) {
		t.Fatalf("expected ErrBadFormat for empty response, got %v", err)
	}
}

func TestScriptInvalidTopK(t *testing.T) {
	store := &markupStore{markup: &index.Markup{Name: "checkout.html", Content: []byte(checkoutHTML)}}
	o := NewOrchestrator(newTestRetriever(promoChunk()), &scriptedCompleter{response: seleniumScript}, store, 0)

	_, err := o.Script(context.Background(), "apply SAVE15", -1)
	if !errors.Is(err, retrieval.ErrInvalidTopK) {
		t.Fatalf("expected ErrInvalidTopK, got %v", err)
	}
}

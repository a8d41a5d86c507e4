package generate

import (
	"fmt"
	"strings"

	"github.com/testbrain/testbrain/internal/retrieval"
)

// BaseURLPlaceholder is the token generated scripts use in place of the
// deployment address. Callers substitute their environment's URL before
// running a script.
const BaseURLPlaceholder = "{{BASE_URL}}"

// TableColumns is the required header of a generated test-case table, in
// order. The parser rejects any response whose header deviates from it.
var TableColumns = []string{
	"Test_ID", "Title", "Preconditions", "Steps", "Expected_Result", "Type", "Grounded_In",
}

// BuildTestCasePrompt assembles the grounding prompt for test-case
// generation: retrieved context verbatim, then strict formatting
// instructions demanding a single markdown table.
func BuildTestCasePrompt(query string, chunks []retrieval.ContextChunk) string {
	var sb strings.Builder

	sb.WriteString("You are a senior QA engineer. Using ONLY the project documentation below, ")
	sb.WriteString("write test cases for the requested feature.\n\n")

	writeContext(&sb, chunks)

	sb.WriteString("[Feature Under Test]\n")
	sb.WriteString(query)
	sb.WriteString("\n\n[Instructions]\n")
	sb.WriteString("Respond with a single markdown table and nothing else. The table must have exactly these columns:\n\n")
	sb.WriteString("| ")
	sb.WriteString(strings.Join(TableColumns, " | "))
	sb.WriteString(" |\n\n")
	sb.WriteString("Rules:\n")
	sb.WriteString("- Test_ID: sequential identifiers like TC-001, TC-002.\n")
	sb.WriteString("- Type: exactly \"positive\" or \"negative\".\n")
	sb.WriteString("- Grounded_In: the source document name(s) from the context that justify the row.\n")
	sb.WriteString("- Steps: numbered actions separated by \"; \" within the cell.\n")
	sb.WriteString("- Cover both positive and negative cases. Do not invent behavior absent from the context.\n")
	sb.WriteString("- No prose before or after the table.\n")

	return sb.String()
}

// BuildScriptPrompt assembles the grounding prompt for script generation:
// the test case description, retrieved context, and the literal checkout
// page markup, with instructions to target the base URL placeholder.
func BuildScriptPrompt(testCase string, chunks []retrieval.ContextChunk, markup []byte) string {
	var sb strings.Builder

	sb.WriteString("You are a test automation engineer. Write a single runnable Selenium (Python) script ")
	sb.WriteString("that automates the test case below against the provided page.\n\n")

	sb.WriteString("[Test Case]\n")
	sb.WriteString(testCase)
	sb.WriteString("\n\n")

	writeContext(&sb, chunks)

	sb.WriteString("[Page HTML]\n")
	sb.Write(markup)
	sb.WriteString("\n\n[Instructions]\n")
	sb.WriteString("- Target the page at " + BaseURLPlaceholder + ". Use that literal placeholder, never a real URL.\n")
	sb.WriteString("- Locate elements by the ids and names present in the HTML above.\n")
	sb.WriteString("- Use explicit waits (WebDriverWait) rather than sleeps.\n")
	sb.WriteString("- Assert the expected result and print PASS or FAIL.\n")
	sb.WriteString("- Respond with only the script, no explanation. A markdown code fence is acceptable.\n")

	return sb.String()
}

func writeContext(sb *strings.Builder, chunks []retrieval.ContextChunk) {
	sb.WriteString("[Project Documentation]\n")
	if len(chunks) == 0 {
		sb.WriteString("(no documentation indexed)\n")
	}
	for _, ch := range chunks {
		fmt.Fprintf(sb, "--- %s (part %d) ---\n%s\n", ch.Source, ch.Ordinal+1, ch.Text)
	}
	sb.WriteString("\n")
}

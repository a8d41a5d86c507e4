package generate

import (
	"errors"
	"fmt"
	"strings"
)

// ErrBadFormat is returned when model output does not satisfy the required
// structural contract: a test-case response that is not a single well-formed
// table, or a script response with no recognizable automation statement.
var ErrBadFormat = errors.New("model output does not match required format")

// TestCase is one parsed row of a generated test-case table.
type TestCase struct {
	ID             string `json:"test_id"`
	Title          string `json:"title"`
	Preconditions  string `json:"preconditions"`
	Steps          string `json:"steps"`
	ExpectedResult string `json:"expected_result"`
	Type           string `json:"type"`
	GroundedIn     string `json:"grounded_in"`
}

// ParseTestCaseTable parses raw model output into test-case rows. The output
// must be exactly one markdown table with the TableColumns header; any
// structural deviation fails the whole parse. Either every row parses or
// none do.
func ParseTestCaseTable(raw string) ([]TestCase, error) {
	lines := tableLines(raw)
	if len(lines) < 3 {
		return nil, fmt.Errorf("%w: expected a markdown table with a header and at least one row", ErrBadFormat)
	}

	header, err := splitRow(lines[0])
	if err != nil {
		return nil, err
	}
	if len(header) != len(TableColumns) {
		return nil, fmt.Errorf("%w: expected %d columns, got %d", ErrBadFormat, len(TableColumns), len(header))
	}
	for i, want := range TableColumns {
		if !strings.EqualFold(header[i], want) {
			return nil, fmt.Errorf("%w: column %d is %q, want %q", ErrBadFormat, i+1, header[i], want)
		}
	}

	if !isSeparatorRow(lines[1]) {
		return nil, fmt.Errorf("%w: missing header separator row", ErrBadFormat)
	}

	var cases []TestCase
	for _, line := range lines[2:] {
		cells, err := splitRow(line)
		if err != nil {
			return nil, err
		}
		if len(cells) != len(TableColumns) {
			return nil, fmt.Errorf("%w: row has %d cells, want %d", ErrBadFormat, len(cells), len(TableColumns))
		}

		tc := TestCase{
			ID:             cells[0],
			Title:          cells[1],
			Preconditions:  cells[2],
			Steps:          cells[3],
			ExpectedResult: cells[4],
			Type:           strings.ToLower(cells[5]),
			GroundedIn:     cells[6],
		}
		if tc.ID == "" || tc.Title == "" {
			return nil, fmt.Errorf("%w: row missing Test_ID or Title", ErrBadFormat)
		}
		if tc.Type != "positive" && tc.Type != "negative" {
			return nil, fmt.Errorf("%w: Type must be positive or negative, got %q", ErrBadFormat, cells[5])
		}
		cases = append(cases, tc)
	}

	if len(cases) == 0 {
		return nil, fmt.Errorf("%w: table has no data rows", ErrBadFormat)
	}
	return cases, nil
}

// tableLines strips an optional code fence and surrounding blank lines and
// returns the remaining non-blank lines. Non-table content is left in place
// for splitRow to reject.
func tableLines(raw string) []string {
	raw = StripFence(raw)

	var lines []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

// splitRow splits one markdown table row into trimmed cells.
func splitRow(line string) ([]string, error) {
	if !strings.HasPrefix(line, "|") || !strings.HasSuffix(line, "|") {
		return nil, fmt.Errorf("%w: line is not a table row: %q", ErrBadFormat, truncate(line, 60))
	}
	inner := strings.TrimSuffix(strings.TrimPrefix(line, "|"), "|")
	parts := strings.Split(inner, "|")
	cells := make([]string, len(parts))
	for i, p := range parts {
		cells[i] = strings.TrimSpace(p)
	}
	return cells, nil
}

// isSeparatorRow reports whether a row is the dashed line under the header,
// e.g. |---|:---|---:|.
func isSeparatorRow(line string) bool {
	cells, err := splitRow(line)
	if err != nil {
		return false
	}
	for _, c := range cells {
		c = strings.Trim(c, ":")
		if c == "" || strings.Count(c, "-") != len(c) {
			return false
		}
	}
	return true
}

// StripFence removes a single surrounding markdown code fence, with or
// without a language tag, leaving other content untouched.
func StripFence(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	rest := s[3:]
	if i := strings.Index(rest, "\n"); i >= 0 {
		rest = rest[i+1:]
	} else {
		return s
	}
	rest = strings.TrimSpace(rest)
	if !strings.HasSuffix(rest, "```") {
		return s
	}
	return strings.TrimSpace(strings.TrimSuffix(rest, "```"))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

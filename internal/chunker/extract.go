package chunker

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

// ErrDecode is returned when a document's content cannot be decoded in its
// declared format. Other documents in the same ingestion batch are unaffected.
var ErrDecode = errors.New("content decode failed")

// Format identifies how a document's raw bytes should be decoded.
type Format string

const (
	FormatMarkdown Format = "markdown"
	FormatText     Format = "text"
	FormatJSON     Format = "json"
	FormatHTML     Format = "html"
	FormatPDF      Format = "pdf"
)

// FormatForFile maps a file name to a Format based on its extension.
// Unknown extensions are treated as plain text, matching best-effort ingestion.
func FormatForFile(name string) Format {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".md", ".markdown":
		return FormatMarkdown
	case ".json":
		return FormatJSON
	case ".html", ".htm":
		return FormatHTML
	case ".pdf":
		return FormatPDF
	default:
		return FormatText
	}
}

// ExtractText decodes a document's raw content into plain text according to
// its declared format.
func ExtractText(doc Document) (string, error) {
	switch doc.Format {
	case FormatMarkdown, FormatText, "":
		if !utf8.Valid(doc.Content) {
			return "", fmt.Errorf("%w: not valid UTF-8", ErrDecode)
		}
		return string(doc.Content), nil
	case FormatJSON:
		return flattenJSON(doc.Content)
	case FormatHTML:
		return FlattenHTML(doc.Content)
	case FormatPDF:
		return extractPDF(doc.Content)
	default:
		return "", fmt.Errorf("%w: unknown format %q", ErrDecode, doc.Format)
	}
}

// flattenJSON renders a JSON document as "path: value" lines so key/value
// pairs survive chunking and remain searchable.
func flattenJSON(content []byte) (string, error) {
	var data any
	if err := json.Unmarshal(content, &data); err != nil {
		return "", fmt.Errorf("%w: invalid JSON: %v", ErrDecode, err)
	}
	var lines []string
	flattenValue("", data, &lines)
	return strings.Join(lines, "\n"), nil
}

func flattenValue(path string, v any, lines *[]string) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			flattenValue(joinPath(path, k), val[k], lines)
		}
	case []any:
		for i, item := range val {
			flattenValue(fmt.Sprintf("%s[%d]", path, i), item, lines)
		}
	default:
		*lines = append(*lines, fmt.Sprintf("%s: %v", path, val))
	}
}

func joinPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

// FlattenHTML strips markup from an HTML document, returning the visible
// text content. Script and style elements are skipped. Also used by the API
// layer to build the checkout markup excerpt.
func FlattenHTML(content []byte) (string, error) {
	if !utf8.Valid(content) {
		return "", fmt.Errorf("%w: not valid UTF-8", ErrDecode)
	}
	root, err := html.Parse(bytes.NewReader(content))
	if err != nil {
		return "", fmt.Errorf("%w: invalid HTML: %v", ErrDecode, err)
	}

	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		if n.Type == html.TextNode {
			if text := strings.TrimSpace(n.Data); text != "" {
				if sb.Len() > 0 {
					sb.WriteByte('\n')
				}
				sb.WriteString(text)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return sb.String(), nil
}

// extractPDF pulls plain text from each page in order.
func extractPDF(content []byte) (text string, err error) {
	// The pdf package panics on some malformed inputs; convert to ErrDecode.
	defer func() {
		if r := recover(); r != nil {
			text = ""
			err = fmt.Errorf("%w: malformed PDF: %v", ErrDecode, r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("%w: invalid PDF: %v", ErrDecode, err)
	}

	var pages []string
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("%w: extracting page %d: %v", ErrDecode, i, err)
		}
		pages = append(pages, pageText)
	}
	return strings.Join(pages, "\n"), nil
}

package chunker

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	// DefaultChunkSize is the target chunk length in characters.
	DefaultChunkSize = 800
	// DefaultOverlap is the number of characters shared between consecutive
	// window-split chunks. Always strictly less than the chunk size.
	DefaultOverlap = 150
)

// Document is an uploaded support document awaiting ingestion.
type Document struct {
	Source  string // file name or other caller-supplied identity
	Format  Format
	Content []byte
}

// Chunk is a bounded slice of a document's extracted text. Start and End are
// byte offsets into the normalized extracted text, so consecutive chunks can
// be stitched back together without duplicating overlap regions.
type Chunk struct {
	Source  string
	Ordinal int
	Text    string
	Start   int
	End     int
}

// Chunker splits documents into bounded, overlapping chunks sized for
// embedding. Paragraph boundaries are preferred over hard character cuts;
// the character window (with overlap) is the fallback for long paragraphs.
type Chunker struct {
	size    int
	overlap int
}

// New creates a Chunker with the given target size and overlap.
// Values <= 0 or an overlap that does not leave room for forward progress
// fall back to the defaults.
func New(size, overlap int) *Chunker {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = DefaultOverlap
		if overlap >= size {
			overlap = size / 4
		}
	}
	return &Chunker{size: size, overlap: overlap}
}

// Size returns the target chunk length.
func (c *Chunker) Size() int { return c.size }

// Overlap returns the overlap between consecutive window-split chunks.
func (c *Chunker) Overlap() int { return c.overlap }

// Split decodes the document according to its format and splits the text
// into ordered chunks covering the whole document. A document shorter than
// the chunk size yields exactly one chunk. Decode failures are reported as
// ErrDecode wrapped with the source name.
func (c *Chunker) Split(doc Document) ([]Chunk, error) {
	text, err := ExtractText(doc)
	if err != nil {
		return nil, fmt.Errorf("source %q: %w", doc.Source, err)
	}

	text = normalize(text)
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	var chunks []Chunk
	pos := 0
	for pos < len(text) {
		end := pos + c.size
		next := end
		if end >= len(text) {
			end = len(text)
			next = end
		} else if brk := lastParagraphBreak(text, pos, end); brk > pos {
			// Cut at the last paragraph boundary inside the window so chunks
			// stay semantically coherent. No overlap across paragraph cuts.
			end = brk
			next = brk
		} else {
			// No paragraph boundary fits: slide a character window. Both
			// cuts back off to a rune boundary so a multi-byte sequence is
			// never split across chunks.
			end = runeBoundary(text, end)
			if end <= pos {
				_, n := utf8.DecodeRuneInString(text[pos:])
				end = pos + n
			}
			next = end - c.overlap
			if next > pos {
				next = runeBoundary(text, next)
			}
			if next <= pos {
				next = end
			}
		}

		chunks = append(chunks, Chunk{
			Source:  doc.Source,
			Ordinal: len(chunks),
			Text:    text[pos:end],
			Start:   pos,
			End:     end,
		})

		if end == len(text) {
			break
		}
		pos = next
	}

	return chunks, nil
}

// normalize unifies line endings so offsets are stable across platforms.
func normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(text, "\r", "\n")
}

// runeBoundary walks i back to the first byte of the rune containing it.
func runeBoundary(text string, i int) int {
	for i > 0 && !utf8.RuneStart(text[i]) {
		i--
	}
	return i
}

// lastParagraphBreak returns the largest index i in (pos, end] such that the
// text immediately before i ends a paragraph ("\n\n"), or pos if none exists.
func lastParagraphBreak(text string, pos, end int) int {
	idx := strings.LastIndex(text[pos:end], "\n\n")
	if idx < 0 {
		return pos
	}
	// Cut after the separator so the break belongs to the earlier chunk.
	return pos + idx + 2
}

package chunker

import (
	"fmt"
	"iter"
	"strings"
	"unicode/utf8"

	"github.com/tmc/langchaingo/textsplitter"

	"document-qa/internal/models"
)

// Recursive splits on paragraph, line, and word boundaries before falling back to characters.
// Chunks respect the size limit, but the overlap is a target rather than an exact count,
// so Reconstruct does not apply to its output.
type Recursive struct {
	splitter textsplitter.TextSplitter
	overlap  int
}

func NewRecursive(size, overlap int) (*Recursive, error) {
	if err := validate(size, overlap); err != nil {
		return nil, err
	}
	return &Recursive{
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(size),
			textsplitter.WithChunkOverlap(overlap),
			textsplitter.WithLenFunc(utf8.RuneCountInString),
		),
		overlap: overlap,
	}, nil
}

// Split runs the splitter over the whole text up front, so a failure is reported here
// rather than as a short sequence.
func (r *Recursive) Split(doc *models.Document) (iter.Seq[models.Chunk], error) {
	text := doc.Text()
	var parts []string
	if text != "" {
		var err error
		if parts, err = r.splitter.SplitText(text); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", models.ErrChunking, doc.Source, err)
		}
	}

	return func(yield func(models.Chunk) bool) {
		pages := pageStarts(doc)
		loc := locator{text: text}
		start, end := 0, 0
		for i, part := range parts {
			// a part shares at most overlap runes with the one before it
			from := 0
			if i > 0 {
				from = max(end-r.overlap, start+1)
			}
			if pos, ok := loc.find(part, from); ok {
				start, end = pos, pos+utf8.RuneCountInString(part)
			}
			chunk := models.Chunk{
				Content:    part,
				Source:     doc.Source,
				PageNumber: pageAt(pages, start),
				Offset:     start,
				ChunkID:    i + 1,
			}
			if !yield(chunk) {
				return
			}
		}
	}, nil
}

// locator finds substrings at or after a rune position. Positions must not decrease
// between calls.
type locator struct {
	text  string
	runes int // rune position of the cursor
	bytes int // byte position of the cursor
}

func (l *locator) find(part string, from int) (int, bool) {
	for l.runes < from && l.bytes < len(l.text) {
		_, size := utf8.DecodeRuneInString(l.text[l.bytes:])
		l.bytes += size
		l.runes++
	}
	idx := strings.Index(l.text[l.bytes:], part)
	if idx < 0 {
		return 0, false
	}
	return l.runes + utf8.RuneCountInString(l.text[l.bytes:l.bytes+idx]), true
}

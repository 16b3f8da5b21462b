// Package chunker splits document text into overlapping windows for embedding.
//
// All sizes and offsets are counted in runes, so a window never cuts a UTF-8 sequence.
package chunker

import (
	"fmt"
	"iter"
	"sort"
	"strings"
	"unicode/utf8"

	"document-qa/internal/config"
	"document-qa/internal/models"
)

// Splitter turns a document into a lazy sequence of chunks in document order.
// The sequence can be ranged over more than once.
type Splitter interface {
	Split(doc *models.Document) (iter.Seq[models.Chunk], error)
}

// New returns the splitter selected by cfg.Splitter.
func New(cfg config.RAGConfig) (Splitter, error) {
	switch cfg.Splitter {
	case "", "window":
		return NewWindow(cfg.ChunkSize, cfg.ChunkOverlap)
	case "recursive":
		return NewRecursive(cfg.ChunkSize, cfg.ChunkOverlap)
	default:
		return nil, fmt.Errorf("%w: unknown splitter %q", models.ErrChunking, cfg.Splitter)
	}
}

func validate(size, overlap int) error {
	if size <= 0 {
		return fmt.Errorf("%w: chunk size must be positive, got %d", models.ErrChunking, size)
	}
	if overlap < 0 || overlap >= size {
		return fmt.Errorf("%w: overlap must be in [0, %d), got %d", models.ErrChunking, size, overlap)
	}
	return nil
}

// Window is a fixed-size sliding window. Every chunk is at most size runes long and
// consecutive chunks share exactly overlap runes; only the last chunk may be shorter.
type Window struct {
	size    int
	overlap int
}

func NewWindow(size, overlap int) (*Window, error) {
	if err := validate(size, overlap); err != nil {
		return nil, err
	}
	return &Window{size: size, overlap: overlap}, nil
}

func (w *Window) Size() int    { return w.size }
func (w *Window) Overlap() int { return w.overlap }

// Split never fails; the size and overlap were checked by NewWindow.
func (w *Window) Split(doc *models.Document) (iter.Seq[models.Chunk], error) {
	return func(yield func(models.Chunk) bool) {
		text := []rune(doc.Text())
		pages := pageStarts(doc)
		step := w.size - w.overlap
		for start, id := 0, 1; start < len(text); start, id = start+step, id+1 {
			end := min(start+w.size, len(text))
			chunk := models.Chunk{
				Content:    string(text[start:end]),
				Source:     doc.Source,
				PageNumber: pageAt(pages, start),
				Offset:     start,
				ChunkID:    id,
			}
			if !yield(chunk) || end == len(text) {
				return
			}
		}
	}, nil
}

// Chunk splits text with a sliding window of chunkSize runes advancing by chunkSize-overlap.
func Chunk(text string, chunkSize, overlap int) ([]models.Chunk, error) {
	w, err := NewWindow(chunkSize, overlap)
	if err != nil {
		return nil, err
	}
	seq, _ := w.Split(&models.Document{Pages: []string{text}})
	return Collect(seq), nil
}

// Collect drains a chunk sequence into a slice.
func Collect(seq iter.Seq[models.Chunk]) []models.Chunk {
	var chunks []models.Chunk
	for c := range seq {
		chunks = append(chunks, c)
	}
	return chunks
}

// Reconstruct rebuilds the original text from window chunks by dropping the overlapping
// prefix of every chunk after the first.
func Reconstruct(chunks []models.Chunk, overlap int) string {
	var content strings.Builder
	for i, chunk := range chunks {
		if i == 0 {
			content.WriteString(chunk.Content)
			continue
		}
		runes := []rune(chunk.Content)
		content.WriteString(string(runes[min(overlap, len(runes)):]))
	}
	return content.String()
}

// pageStarts returns the rune offset in doc.Text() at which each page begins.
func pageStarts(doc *models.Document) []int {
	starts := make([]int, len(doc.Pages))
	sepLen := utf8.RuneCountInString(models.PageSeparator)
	offset := 0
	for i, page := range doc.Pages {
		starts[i] = offset
		offset += utf8.RuneCountInString(page) + sepLen
	}
	return starts
}

// pageAt maps a rune offset to a 1-based page number.
func pageAt(starts []int, offset int) int {
	if len(starts) == 0 {
		return 0
	}
	return sort.Search(len(starts), func(i int) bool { return starts[i] > offset })
}

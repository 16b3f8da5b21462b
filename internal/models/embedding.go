package models

import (
	"io"
	"strings"
	"time"
)

// Upload is a raw document handed to the ingestion boundary.
type Upload struct {
	Name      string
	MediaType string
	Body      io.Reader
}

// Document is the page-ordered text of one source document
type Document struct {
	Source string
	Pages  []string
}

// PageCount returns the number of extracted pages
func (d *Document) PageCount() int { return len(d.Pages) }

// Text returns the concatenated document text, pages joined by a newline.
func (d *Document) Text() string { return strings.Join(d.Pages, PageSeparator) }

// Chunk is a contiguous window of a document's text.
// Offset counts runes from the start of Document.Text; ChunkID is 1-based.
type Chunk struct {
	Content    string `json:"content"`
	Source     string `json:"source"`
	PageNumber int    `json:"page_number"`
	Offset     int    `json:"offset"`
	ChunkID    int    `json:"chunk_id"`
}

// Result is a chunk returned by a nearest-neighbour query with its cosine similarity.
type Result struct {
	Chunk Chunk   `json:"chunk"`
	Score float32 `json:"score"`
}

type PromptResponse struct {
	IndexID  string        `json:"index_id,omitempty"`
	Query    string        `json:"query"`
	Source   string        `json:"source"`
	Content  string        `json:"content"`
	Results  []Result      `json:"results,omitempty"`
	Duration time.Duration `json:"duration"`
}

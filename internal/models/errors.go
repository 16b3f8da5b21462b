package models

import (
	"errors"
	"fmt"
)

var (
	// ErrChunking is returned for an invalid chunk size / overlap pair.
	ErrChunking = errors.New("invalid chunking configuration")
	// ErrEmbeddingUnavailable means the embedding backend failed or could not be reached.
	// Callers may retry the whole build or query.
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")
	// ErrExtractionFailed means the source document could not be turned into text.
	ErrExtractionFailed = errors.New("extraction failed")
	ErrIndexNotFound    = errors.New("index not found")
	ErrIndexCorrupt     = errors.New("index corrupt")
	// ErrSynthesisUnavailable means the language model backend failed or could not be reached.
	ErrSynthesisUnavailable = errors.New("synthesis unavailable")
	// ErrModelMismatch is returned when a query vector does not come from the model the index was built with.
	ErrModelMismatch = errors.New("embedding model mismatch")
)

// ExtractionError reports a failed extraction, with the 1-based page when it is known.
type ExtractionError struct {
	Page int
	Err  error
}

func (e *ExtractionError) Error() string {
	if e.Page > 0 {
		return fmt.Sprintf("%v: page %d: %v", ErrExtractionFailed, e.Page, e.Err)
	}
	return fmt.Sprintf("%v: %v", ErrExtractionFailed, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrExtractionFailed) hold for every ExtractionError.
func (e *ExtractionError) Is(target error) bool { return target == ErrExtractionFailed }

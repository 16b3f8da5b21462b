package parser

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"document-qa/internal/helper"
	"document-qa/internal/models"
)

// extractFunc turns a staged file into page-ordered text.
type extractFunc func(ctx context.Context, path string) ([]string, error)

// Parser is the ingestion boundary: raw upload bytes in, page-ordered text out.
type Parser struct {
	stagingDir string
	extractors map[string]extractFunc
}

var extensions = map[string]string{
	".pdf":      models.MediaTypePDF,
	".txt":      models.MediaTypeText,
	".text":     models.MediaTypeText,
	".md":       models.MediaTypeMarkdown,
	".markdown": models.MediaTypeMarkdown,
	".docx":     models.MediaTypeDOCX,
	".pptx":     models.MediaTypePPTX,
	".xlsx":     models.MediaTypeXLSX,
}

// New returns a parser that stages uploads under stagingDir (os.TempDir when empty).
func New(stagingDir string) *Parser {
	return &Parser{
		stagingDir: stagingDir,
		extractors: map[string]extractFunc{
			models.MediaTypePDF:      parsePDF,
			models.MediaTypeText:     parseText,
			models.MediaTypeMarkdown: parseMarkdown,
			models.MediaTypeDOCX:     parseDOCX,
			models.MediaTypePPTX:     parsePPTX,
			models.MediaTypeXLSX:     parseXLSX,
		},
	}
}

// Supports reports whether mediaType has an extractor.
func (p *Parser) Supports(mediaType string) bool {
	_, ok := p.extractors[mediaType]
	return ok
}

// DetectMediaType resolves the media type of an upload. A recognised declared type wins,
// otherwise the file extension decides.
func DetectMediaType(name, declared string) string {
	if declared != "" {
		if mt, _, err := mime.ParseMediaType(declared); err == nil {
			mt = strings.ToLower(mt)
			if mt == "text/x-markdown" {
				return models.MediaTypeMarkdown
			}
			for _, known := range extensions {
				if mt == known {
					return mt
				}
			}
		}
	}
	return extensions[strings.ToLower(filepath.Ext(name))]
}

// Parse stages the upload body in a temporary file, extracts its pages, and removes the file
// again whatever the outcome.
func (p *Parser) Parse(ctx context.Context, upload models.Upload) (*models.Document, error) {
	mediaType := DetectMediaType(upload.Name, upload.MediaType)
	extract, ok := p.extractors[mediaType]
	if !ok {
		return nil, &models.ExtractionError{Err: fmt.Errorf("unsupported media type %q for %q", upload.MediaType, upload.Name)}
	}
	if upload.Body == nil {
		return nil, &models.ExtractionError{Err: errors.New("empty upload")}
	}

	var pages []string
	pattern := "upload-*" + filepath.Ext(upload.Name)
	err := helper.WithTempFile(p.stagingDir, pattern, upload.Body, func(path string) error {
		var err error
		pages, err = extract(ctx, path)
		return err
	})
	if err != nil {
		var extractionErr *models.ExtractionError
		if errors.As(err, &extractionErr) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, &models.ExtractionError{Err: err}
	}

	log.Debug().Str("source", upload.Name).Str("media_type", mediaType).Int("pages", len(pages)).Msg("Parsed document")
	return &models.Document{Source: upload.Name, Pages: pages}, nil
}

// OpenUpload wraps a file on disk as an upload. The caller closes the returned file.
func OpenUpload(filePath string) (models.Upload, *os.File, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return models.Upload{}, nil, &models.ExtractionError{Err: err}
	}
	return models.Upload{Name: filepath.Base(filePath), Body: f}, f, nil
}

func parseText(_ context.Context, filePath string) ([]string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	if text == "" {
		return nil, nil
	}
	// form feeds separate pages in text dumped from paged formats
	return strings.Split(text, models.FormFeed), nil
}

package parser

import (
	"context"
	"fmt"
	"os"

	"github.com/ledongthuc/pdf"

	"document-qa/internal/models"
)

func parsePDF(ctx context.Context, filePath string) ([]string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, &models.ExtractionError{Err: err}
	}
	defer f.Close()

	// Get file size for reader initialization
	stat, err := f.Stat()
	if err != nil {
		return nil, &models.ExtractionError{Err: err}
	}
	reader, err := newPDFReader(f, stat.Size())
	if err != nil {
		return nil, &models.ExtractionError{Err: err}
	}

	numPages := reader.NumPage()
	pages := make([]string, 0, numPages)
	for i := 1; i <= numPages; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pageText, err := plainText(reader, i)
		if err != nil {
			return nil, &models.ExtractionError{Page: i, Err: err}
		}
		pages = append(pages, pageText)
	}
	return pages, nil
}

// the pdf package panics on some malformed inputs
func newPDFReader(f *os.File, size int64) (r *pdf.Reader, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("malformed pdf: %v", rec)
		}
	}()
	return pdf.NewReader(f, size)
}

func plainText(reader *pdf.Reader, pageNum int) (text string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("malformed page: %v", rec)
		}
	}()
	page := reader.Page(pageNum)
	if page.V.IsNull() {
		return "", nil
	}
	return page.GetPlainText(nil)
}

// Package server exposes the pipeline over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"document-qa/internal/config"
	"document-qa/internal/models"
	"document-qa/internal/rag"
)

const maxMemory = 8 << 20

type Server struct {
	pipeline *rag.Pipeline
	cfg      config.ServerConfig
}

func New(p *rag.Pipeline, cfg config.ServerConfig) *Server {
	return &Server{pipeline: p, cfg: cfg}
}

type indexResponse struct {
	IndexID string `json:"index_id"`
}

type askRequest struct {
	Question string `json:"question"`
}

type askResponse struct {
	IndexID  string          `json:"index_id,omitempty"`
	Answer   string          `json:"answer"`
	Sources  string          `json:"sources"`
	Results  []models.Result `json:"results"`
	Duration string          `json:"duration"`
}

type apiError struct {
	Error string `json:"error"`
}

func (s *Server) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("POST /indexes", s.handleCreateIndex)
	mux.HandleFunc("GET /indexes", s.handleListIndexes)
	mux.HandleFunc("DELETE /indexes/{id}", s.handleDeleteIndex)
	mux.HandleFunc("POST /indexes/{id}/ask", s.handleAsk)
	mux.HandleFunc("POST /ask", s.handleAskOnce)
	return mux
}

// Handler returns the routes wrapped in logging and CORS.
func (s *Server) Handler() http.Handler {
	return logMiddleware(corsMiddleware(s.cfg.AllowOrigin, s.mux()))
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.cfg.Addr).Msg("Listening")
		errs <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		timeout := time.Duration(s.cfg.ShutdownTimeoutSecs) * time.Second
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		log.Info().Msg("Shutting down")
		return srv.Shutdown(shutdownCtx)
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleCreateIndex(w http.ResponseWriter, r *http.Request) {
	upload, cleanup, err := s.readUpload(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	defer cleanup()

	id, err := s.pipeline.Ingest(r.Context(), upload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, indexResponse{IndexID: id})
}

func (s *Server) handleListIndexes(w http.ResponseWriter, r *http.Request) {
	manifests, err := s.pipeline.Store().List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, manifests)
}

func (s *Server) handleDeleteIndex(w http.ResponseWriter, r *http.Request) {
	if err := s.pipeline.Store().Delete(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, badRequest(fmt.Errorf("invalid json body: %w", err)))
		return
	}
	resp, err := s.pipeline.Ask(r.Context(), r.PathValue("id"), req.Question)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAskResponse(resp))
}

func (s *Server) handleAskOnce(w http.ResponseWriter, r *http.Request) {
	upload, cleanup, err := s.readUpload(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	defer cleanup()

	resp, err := s.pipeline.AnswerOnce(r.Context(), upload, r.FormValue("question"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAskResponse(resp))
}

// readUpload pulls the "file" part out of a size-limited multipart form.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) (models.Upload, func(), error) {
	limit := int64(s.cfg.MaxUploadMB) << 20
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(maxMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return models.Upload{}, nil, &httpError{status: http.StatusRequestEntityTooLarge, err: fmt.Errorf("upload exceeds %d MB", s.cfg.MaxUploadMB)}
		}
		return models.Upload{}, nil, badRequest(fmt.Errorf("invalid multipart form: %w", err))
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		r.MultipartForm.RemoveAll()
		return models.Upload{}, nil, badRequest(errors.New("missing file field"))
	}
	cleanup := func() {
		file.Close()
		r.MultipartForm.RemoveAll()
	}
	return models.Upload{
		Name:      header.Filename,
		MediaType: header.Header.Get("Content-Type"),
		Body:      file,
	}, cleanup, nil
}

func toAskResponse(resp *models.PromptResponse) askResponse {
	results := resp.Results
	if results == nil {
		results = []models.Result{}
	}
	return askResponse{
		IndexID:  resp.IndexID,
		Answer:   resp.Content,
		Sources:  resp.Source,
		Results:  results,
		Duration: resp.Duration.Round(time.Millisecond).String(),
	}
}

type httpError struct {
	status int
	err    error
}

func (e *httpError) Error() string { return e.err.Error() }
func (e *httpError) Unwrap() error { return e.err }

func badRequest(err error) error { return &httpError{status: http.StatusBadRequest, err: err} }

// statusFor maps pipeline errors onto HTTP status codes.
func statusFor(err error) int {
	var he *httpError
	switch {
	case errors.As(err, &he):
		return he.status
	case errors.Is(err, rag.ErrEmptyQuestion):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrExtractionFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrIndexNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrModelMismatch):
		return http.StatusConflict
	case errors.Is(err, models.ErrEmbeddingUnavailable), errors.Is(err, models.ErrSynthesisUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		// ErrChunking, ErrIndexCorrupt and storage failures
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		log.Error().Err(err).Int("status", code).Msg("Request failed")
	}
	writeJSON(w, code, apiError{Error: err.Error()})
}

func corsMiddleware(origin string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", strings.Join([]string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}, ", "))
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Debug().Str("method", r.Method).Str("path", r.URL.Path).Int("status", rec.status).
			Dur("took", time.Since(start)).Msg("Handled request")
	})
}

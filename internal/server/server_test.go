package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"document-qa/internal/chromemdb"
	"document-qa/internal/chunker"
	"document-qa/internal/config"
	"document-qa/internal/embedding"
	"document-qa/internal/index"
	"document-qa/internal/llmservice"
	"document-qa/internal/models"
	"document-qa/internal/parser"
	"document-qa/internal/rag"
)

type stubSynth struct{ err error }

func (s stubSynth) Complete(_ context.Context, prompt string, _ llmservice.Options) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	if strings.Contains(prompt, "bicycles") {
		return "Parking is free for bicycles.", nil
	}
	return "No information is available in the document.", nil
}

func newTestServer(t *testing.T, synth llmservice.Synthesizer) (*Server, http.Handler) {
	t.Helper()
	cfg := config.Default()
	cfg.RAG.ChunkSize, cfg.RAG.ChunkOverlap = 80, 10
	cfg.RAG.StagingDir = t.TempDir()
	cfg.Server.MaxUploadMB = 1
	cfg.Server.AllowOrigin = "http://localhost:3000"

	store, err := chromemdb.NewStore(t.TempDir(), false, "")
	if err != nil {
		t.Fatal(err)
	}
	splitter, err := chunker.New(cfg.RAG)
	if err != nil {
		t.Fatal(err)
	}
	p := rag.NewPipeline(cfg, parser.New(cfg.RAG.StagingDir), splitter, embedding.NewHashEmbedder(64), synth, store)
	s := New(p, cfg.Server)
	return s, s.Handler()
}

func multipartBody(t *testing.T, filename, content string, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if filename != "" {
		fw, err := mw.CreateFormFile("file", filename)
		if err != nil {
			t.Fatal(err)
		}
		fw.Write([]byte(content))
	}
	for k, v := range fields {
		mw.WriteField(k, v)
	}
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func do(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

const notes = "The library opens at nine.\fParking is free for bicycles.\fPrinting costs ten cents a page."

func TestIndexLifecycle(t *testing.T) {
	_, h := newTestServer(t, stubSynth{})

	rr := do(h, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("healthz code=%d", rr.Code)
	}

	body, ctype := multipartBody(t, "notes.txt", notes, nil)
	req := httptest.NewRequest(http.MethodPost, "/indexes", body)
	req.Header.Set("Content-Type", ctype)
	rr = do(h, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create code=%d body=%s", rr.Code, rr.Body)
	}
	var created indexResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil || created.IndexID == "" {
		t.Fatalf("create body=%s", rr.Body)
	}

	rr = do(h, httptest.NewRequest(http.MethodGet, "/indexes", nil))
	var manifests []index.Manifest
	if err := json.Unmarshal(rr.Body.Bytes(), &manifests); err != nil || len(manifests) != 1 || manifests[0].ID != created.IndexID {
		t.Fatalf("list code=%d body=%s", rr.Code, rr.Body)
	}

	req = httptest.NewRequest(http.MethodPost, "/indexes/"+created.IndexID+"/ask", strings.NewReader(`{"question":"Is parking free for bicycles?"}`))
	rr = do(h, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("ask code=%d body=%s", rr.Code, rr.Body)
	}
	var answer askResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &answer); err != nil {
		t.Fatal(err)
	}
	if answer.IndexID != created.IndexID || answer.Answer != "Parking is free for bicycles." || !strings.HasPrefix(answer.Sources, "notes.txt p. ") {
		t.Fatalf("answer = %+v", answer)
	}

	rr = do(h, httptest.NewRequest(http.MethodDelete, "/indexes/"+created.IndexID, nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("delete code=%d body=%s", rr.Code, rr.Body)
	}
	rr = do(h, httptest.NewRequest(http.MethodDelete, "/indexes/"+created.IndexID, nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("second delete code=%d", rr.Code)
	}
	rr = do(h, httptest.NewRequest(http.MethodPost, "/indexes/"+created.IndexID+"/ask", strings.NewReader(`{"question":"hello?"}`)))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("ask deleted code=%d", rr.Code)
	}
}

func TestAskOnce(t *testing.T) {
	s, h := newTestServer(t, stubSynth{})
	body, ctype := multipartBody(t, "notes.txt", notes, map[string]string{"question": "Where can I park my bike?"})
	req := httptest.NewRequest(http.MethodPost, "/ask", body)
	req.Header.Set("Content-Type", ctype)
	rr := do(h, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("ask once code=%d body=%s", rr.Code, rr.Body)
	}
	var answer askResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &answer); err != nil || answer.Answer == "" || answer.IndexID != "" {
		t.Fatalf("answer = %s", rr.Body)
	}

	manifests, err := s.pipeline.Store().List(context.Background())
	if err != nil || len(manifests) != 0 {
		t.Fatalf("single-shot answer stored %d indexes (%v)", len(manifests), err)
	}
}

func TestErrorResponses(t *testing.T) {
	_, h := newTestServer(t, stubSynth{})
	tests := []struct {
		name string
		req  func() *http.Request
		code int
	}{
		{"missing file", func() *http.Request {
			body, ctype := multipartBody(t, "", "", map[string]string{"question": "q"})
			req := httptest.NewRequest(http.MethodPost, "/ask", body)
			req.Header.Set("Content-Type", ctype)
			return req
		}, http.StatusBadRequest},
		{"not multipart", func() *http.Request {
			return httptest.NewRequest(http.MethodPost, "/indexes", strings.NewReader("plain"))
		}, http.StatusBadRequest},
		{"unsupported type", func() *http.Request {
			body, ctype := multipartBody(t, "photo.png", "\x89PNG", nil)
			req := httptest.NewRequest(http.MethodPost, "/indexes", body)
			req.Header.Set("Content-Type", ctype)
			return req
		}, http.StatusUnprocessableEntity},
		{"empty question", func() *http.Request {
			body, ctype := multipartBody(t, "notes.txt", notes, map[string]string{"question": " "})
			req := httptest.NewRequest(http.MethodPost, "/ask", body)
			req.Header.Set("Content-Type", ctype)
			return req
		}, http.StatusBadRequest},
		{"bad json", func() *http.Request {
			return httptest.NewRequest(http.MethodPost, "/indexes/abc/ask", strings.NewReader("{"))
		}, http.StatusBadRequest},
		{"unknown index", func() *http.Request {
			return httptest.NewRequest(http.MethodPost, "/indexes/abc/ask", strings.NewReader(`{"question":"q"}`))
		}, http.StatusNotFound},
		{"wrong method", func() *http.Request {
			return httptest.NewRequest(http.MethodPut, "/indexes", nil)
		}, http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(h, tt.req())
			if rr.Code != tt.code {
				t.Fatalf("code=%d want %d body=%s", rr.Code, tt.code, rr.Body)
			}
			if tt.code != http.StatusMethodNotAllowed {
				var e apiError
				if err := json.Unmarshal(rr.Body.Bytes(), &e); err != nil || e.Error == "" {
					t.Fatalf("error body=%s", rr.Body)
				}
			}
		})
	}
}

func TestUploadLimit(t *testing.T) {
	_, h := newTestServer(t, stubSynth{})
	body, ctype := multipartBody(t, "big.txt", strings.Repeat("a", 2<<20), nil)
	req := httptest.NewRequest(http.MethodPost, "/indexes", body)
	req.Header.Set("Content-Type", ctype)
	rr := do(h, req)
	if rr.Code != http.StatusRequestEntityTooLarge && rr.Code != http.StatusBadRequest {
		t.Fatalf("oversized upload code=%d", rr.Code)
	}
}

func TestSynthesisUnavailable(t *testing.T) {
	_, h := newTestServer(t, stubSynth{err: fmt.Errorf("%w: connection refused", models.ErrSynthesisUnavailable)})
	body, ctype := multipartBody(t, "notes.txt", notes, map[string]string{"question": "Is parking free?"})
	req := httptest.NewRequest(http.MethodPost, "/ask", body)
	req.Header.Set("Content-Type", ctype)
	if rr := do(h, req); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("code=%d body=%s", rr.Code, rr.Body)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("%w: size 0", models.ErrChunking), http.StatusInternalServerError},
		{&models.ExtractionError{Page: 3, Err: errors.New("bad xref")}, http.StatusUnprocessableEntity},
		{&rag.StageError{Stage: rag.StageLoad, Err: models.ErrIndexNotFound}, http.StatusNotFound},
		{&rag.StageError{Stage: rag.StageLoad, Err: models.ErrIndexCorrupt}, http.StatusInternalServerError},
		{&rag.StageError{Stage: rag.StageRetrieve, Err: models.ErrModelMismatch}, http.StatusConflict},
		{&rag.StageError{Stage: rag.StageEmbed, Err: models.ErrEmbeddingUnavailable}, http.StatusServiceUnavailable},
		{models.ErrSynthesisUnavailable, http.StatusServiceUnavailable},
		{rag.ErrEmptyQuestion, http.StatusBadRequest},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.code {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.code)
		}
	}
}

func TestCORS(t *testing.T) {
	_, h := newTestServer(t, stubSynth{})
	rr := do(h, httptest.NewRequest(http.MethodOptions, "/indexes", nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("preflight code=%d", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Fatalf("allow origin = %q", got)
	}
}

package rag

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"document-qa/internal/chunker"
	"document-qa/internal/config"
	"document-qa/internal/embedding"
	"document-qa/internal/index"
	"document-qa/internal/llmservice"
	"document-qa/internal/models"
	"document-qa/internal/parser"
)

// Pipeline stages, reported in StageError and in the "stage" log field.
const (
	StageExtract    = "extract"
	StageChunk      = "chunk"
	StageIndex      = "index"
	StageEmbed      = "embed"
	StagePersist    = "persist"
	StageLoad       = "load"
	StageRetrieve   = "retrieve"
	StageSynthesize = "synthesize"
)

var ErrEmptyQuestion = errors.New("question must not be empty")

// StageError records the pipeline stage a build or query failed in.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return e.Stage + ": " + e.Err.Error() }

func (e *StageError) Unwrap() error { return e.Err }

func fail(stage string, err error) error {
	log.Error().Err(err).Str("stage", stage).Msg("Pipeline failed")
	return &StageError{Stage: stage, Err: err}
}

// Retrieval is the context assembled for one question.
type Retrieval struct {
	Results []models.Result
	Context string
	Sources string
}

// Retriever embeds a question and collects the most relevant chunks of an index.
type Retriever struct {
	emb       embedding.Embedder
	topK      int
	separator string
}

func NewRetriever(emb embedding.Embedder, topK int, separator string) *Retriever {
	return &Retriever{emb: emb, topK: topK, separator: separator}
}

// Retrieve returns up to topK chunks best first. An index built with another embedding model
// fails with models.ErrModelMismatch before the question is embedded.
func (r *Retriever) Retrieve(ctx context.Context, idx *index.Index, question string) (*Retrieval, error) {
	model := r.emb.Model()
	if want := idx.Manifest().EmbeddingModel; model != want {
		return nil, fmt.Errorf("%w: index %s was built with %q, embedder is %q", models.ErrModelMismatch, idx.ID(), want, model)
	}
	if idx.Len() == 0 || r.topK <= 0 {
		return &Retrieval{Results: []models.Result{}}, nil
	}

	vec, err := r.emb.EmbedQuery(ctx, question)
	if err != nil {
		return nil, err
	}
	results, err := idx.Query(ctx, model, vec, r.topK)
	if err != nil {
		return nil, err
	}
	return &Retrieval{
		Results: results,
		Context: FormatContext(results, r.separator),
		Sources: Sources(results),
	}, nil
}

// FormatContext joins the chunk texts in the order given.
func FormatContext(results []models.Result, sep string) string {
	parts := make([]string, len(results))
	for i, r := range results {
		parts[i] = r.Chunk.Content
	}
	return strings.Join(parts, sep)
}

// Sources lists the cited pages per source document, e.g. "guide.pdf p. 2, 5".
func Sources(results []models.Result) string {
	var order []string
	pages := map[string][]int{}
	for _, r := range results {
		src := r.Chunk.Source
		if _, ok := pages[src]; !ok {
			order = append(order, src)
		}
		if !slices.Contains(pages[src], r.Chunk.PageNumber) {
			pages[src] = append(pages[src], r.Chunk.PageNumber)
		}
	}

	cites := make([]string, 0, len(order))
	for _, src := range order {
		ps := pages[src]
		slices.Sort(ps)
		nums := make([]string, len(ps))
		for i, p := range ps {
			nums[i] = strconv.Itoa(p)
		}
		cites = append(cites, src+" p. "+strings.Join(nums, ", "))
	}
	return strings.Join(cites, "; ")
}

// Pipeline runs document ingestion and question answering end to end.
// It keeps no state between requests beyond what the store holds.
type Pipeline struct {
	parser      *parser.Parser
	splitter    chunker.Splitter
	embedder    embedding.Embedder
	retriever   *Retriever
	synthesizer llmservice.Synthesizer
	store       index.Store
	cfg         config.RAGConfig
	llm         llmservice.Options
}

func NewPipeline(cfg *config.Config, p *parser.Parser, splitter chunker.Splitter, emb embedding.Embedder, synth llmservice.Synthesizer, store index.Store) *Pipeline {
	return &Pipeline{
		parser:      p,
		splitter:    splitter,
		embedder:    emb,
		retriever:   NewRetriever(emb, cfg.RAG.TopK, cfg.RAG.Separator),
		synthesizer: synth,
		store:       store,
		cfg:         cfg.RAG,
		llm:         llmservice.Options{Temperature: cfg.LLM.Temperature, MaxTokens: cfg.LLM.MaxTokens},
	}
}

// Store returns the backing index store.
func (p *Pipeline) Store() index.Store { return p.store }

// Build extracts, chunks and embeds an upload into a fresh in-memory index. Nothing is saved.
func (p *Pipeline) Build(ctx context.Context, upload models.Upload) (*index.Index, error) {
	doc, err := p.parser.Parse(ctx, upload)
	if err != nil {
		return nil, fail(StageExtract, err)
	}

	chunks, err := p.splitter.Split(doc)
	if err != nil {
		return nil, fail(StageChunk, err)
	}
	opts := index.BuildOptions{
		Source:       doc.Source,
		ChunkSize:    p.cfg.ChunkSize,
		ChunkOverlap: p.cfg.ChunkOverlap,
		Concurrency:  p.cfg.EmbedConcurrency,
	}
	idx, err := index.Build(ctx, opts, chunks, p.embedder)
	if err != nil {
		stage := StageIndex
		if errors.Is(err, models.ErrEmbeddingUnavailable) {
			stage = StageEmbed
		}
		return nil, fail(stage, err)
	}
	log.Info().Str("index_id", idx.ID()).Str("source", doc.Source).Int("pages", doc.PageCount()).
		Int("chunks", idx.Len()).Msg("Built index")
	return idx, nil
}

// Ingest builds an index from the upload and saves it. The returned ID is only valid once
// the index is stored in full.
func (p *Pipeline) Ingest(ctx context.Context, upload models.Upload) (string, error) {
	idx, err := p.Build(ctx, upload)
	if err != nil {
		return "", err
	}
	if err := p.store.Save(ctx, idx); err != nil {
		return "", fail(StagePersist, err)
	}
	return idx.ID(), nil
}

// Ask answers a question against a stored index.
func (p *Pipeline) Ask(ctx context.Context, id, question string) (*models.PromptResponse, error) {
	start := time.Now()
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, ErrEmptyQuestion
	}
	idx, err := p.store.Load(ctx, id)
	if err != nil {
		return nil, fail(StageLoad, err)
	}
	resp, err := p.answer(ctx, idx, question)
	if err != nil {
		return nil, err
	}
	resp.IndexID = id
	resp.Duration = time.Since(start)
	return resp, nil
}

// AnswerOnce builds a throwaway index for the upload and answers one question against it.
func (p *Pipeline) AnswerOnce(ctx context.Context, upload models.Upload, question string) (*models.PromptResponse, error) {
	start := time.Now()
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, ErrEmptyQuestion
	}
	idx, err := p.Build(ctx, upload)
	if err != nil {
		return nil, err
	}
	resp, err := p.answer(ctx, idx, question)
	if err != nil {
		return nil, err
	}
	resp.Duration = time.Since(start)
	return resp, nil
}

func (p *Pipeline) answer(ctx context.Context, idx *index.Index, question string) (*models.PromptResponse, error) {
	retrieval, err := p.retriever.Retrieve(ctx, idx, question)
	if err != nil {
		return nil, fail(StageRetrieve, err)
	}
	log.Debug().Str("index_id", idx.ID()).Int("chunks", len(retrieval.Results)).Msg("Retrieved context")

	answer, err := p.synthesizer.Complete(ctx, llmservice.Prompt(retrieval.Context, question), p.llm)
	if err != nil {
		return nil, fail(StageSynthesize, err)
	}
	return &models.PromptResponse{
		Query:   question,
		Source:  retrieval.Sources,
		Content: answer,
		Results: retrieval.Results,
	}, nil
}

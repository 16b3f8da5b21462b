package index

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"runtime"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"document-qa/internal/embedding"
	"document-qa/internal/helper"
	"document-qa/internal/models"
)

type BuildOptions struct {
	// ID names the index. A fresh UUID is generated when empty.
	ID           string
	Source       string
	ChunkSize    int
	ChunkOverlap int
	// Concurrency bounds the number of embedding calls in flight; runtime.NumCPU() when zero.
	Concurrency int
}

// Build embeds every chunk and returns the finished index. It is all-or-nothing: the first
// embedding failure cancels the remaining calls and no index is returned.
func Build(ctx context.Context, opts BuildOptions, chunks iter.Seq[models.Chunk], emb embedding.Embedder) (*Index, error) {
	id := opts.ID
	if id == "" {
		var err error
		if id, err = helper.GenerateUUID(); err != nil {
			return nil, err
		}
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
	}

	var pending []models.Chunk
	for c := range chunks {
		if c.ChunkID != len(pending)+1 {
			return nil, fmt.Errorf("chunk id %d out of sequence at position %d", c.ChunkID, len(pending)+1)
		}
		pending = append(pending, c)
	}

	start := time.Now()
	vectors := make([][]float32, len(pending))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i := range pending {
		g.Go(func() error {
			vec, err := emb.EmbedQuery(gctx, pending[i].Content)
			if err != nil {
				return fmt.Errorf("chunk %d: %w", pending[i].ChunkID, err)
			}
			vectors[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if !errors.Is(err, models.ErrEmbeddingUnavailable) {
			err = fmt.Errorf("%w: %w", models.ErrEmbeddingUnavailable, err)
		}
		return nil, err
	}

	dim := 0
	entries := make([]Entry, len(pending))
	for i, vec := range vectors {
		if i == 0 {
			dim = len(vec)
		}
		if len(vec) != dim {
			return nil, fmt.Errorf("%w: chunk %d has dimension %d, want %d",
				models.ErrEmbeddingUnavailable, pending[i].ChunkID, len(vec), dim)
		}
		norm, ok := normalize(vec)
		if !ok {
			return nil, fmt.Errorf("%w: chunk %d has a zero embedding", models.ErrEmbeddingUnavailable, pending[i].ChunkID)
		}
		entries[i] = Entry{Chunk: pending[i], Embedding: norm}
	}

	manifest := Manifest{
		ID:             id,
		Source:         opts.Source,
		EmbeddingModel: emb.Model(),
		Dimension:      dim,
		Metric:         MetricCosine,
		ChunkSize:      opts.ChunkSize,
		ChunkOverlap:   opts.ChunkOverlap,
		Entries:        len(entries),
		CreatedAt:      time.Now().UTC(),
	}
	idx, err := assemble(manifest, entries)
	if err != nil {
		return nil, fmt.Errorf("failed to build index %s: %w", id, err)
	}

	log.Debug().Str("index_id", id).Int("chunks", len(entries)).Int("dimension", dim).
		Dur("took", time.Since(start)).Msg("Built index")
	return idx, nil
}

// Package index holds the nearest-neighbour index built over one document's chunks.
//
// An Index is built whole from a chunk sequence, persisted under its ID by a Store and loaded
// whole again. It is never mutated after construction, so concurrent queries need no locking.
package index

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"time"

	"github.com/philippgille/chromem-go"

	"document-qa/internal/models"
)

const (
	// MetricCosine is the only supported metric. Vectors are L2-normalised, so the dot
	// product equals the cosine similarity.
	MetricCosine = "cosine"
	// CollectionName is the chromem collection holding an index's entries.
	CollectionName = "chunks"

	metaSource = "source"
	metaPage   = "page"
	metaOffset = "offset"

	unitTolerance = 1e-6
)

// Manifest describes a persisted index. EmbeddingModel must equal the model of every query vector.
type Manifest struct {
	ID             string    `yaml:"id" json:"id"`
	Source         string    `yaml:"source" json:"source"`
	EmbeddingModel string    `yaml:"embedding_model" json:"embedding_model"`
	Dimension      int       `yaml:"dimension" json:"dimension"`
	Metric         string    `yaml:"metric" json:"metric"`
	ChunkSize      int       `yaml:"chunk_size" json:"chunk_size"`
	ChunkOverlap   int       `yaml:"chunk_overlap" json:"chunk_overlap"`
	Entries        int       `yaml:"entries" json:"entries"`
	CreatedAt      time.Time `yaml:"created_at" json:"created_at"`
}

// Entry pairs a chunk with its normalised embedding.
type Entry struct {
	Chunk     models.Chunk
	Embedding []float32
}

type Index struct {
	manifest   Manifest
	entries    []Entry
	db         *chromem.DB
	collection *chromem.Collection
}

// New reconstructs an index from a manifest and its entries, as read back by a Store.
// Inconsistent input yields ErrIndexCorrupt.
func New(manifest Manifest, entries []Entry) (*Index, error) {
	if manifest.EmbeddingModel == "" {
		return nil, fmt.Errorf("%w: %s: embedding model identifier is missing", models.ErrIndexCorrupt, manifest.ID)
	}
	if manifest.Metric != "" && manifest.Metric != MetricCosine {
		return nil, fmt.Errorf("%w: %s: unsupported metric %q", models.ErrIndexCorrupt, manifest.ID, manifest.Metric)
	}
	if len(entries) != manifest.Entries {
		return nil, fmt.Errorf("%w: %s: manifest lists %d entries, found %d", models.ErrIndexCorrupt, manifest.ID, manifest.Entries, len(entries))
	}

	entries = slices.Clone(entries)
	slices.SortFunc(entries, func(a, b Entry) int { return a.Chunk.ChunkID - b.Chunk.ChunkID })
	for i := range entries {
		if entries[i].Chunk.ChunkID != i+1 {
			return nil, fmt.Errorf("%w: %s: chunk ids are not a 1-based sequence", models.ErrIndexCorrupt, manifest.ID)
		}
		if len(entries[i].Embedding) != manifest.Dimension {
			return nil, fmt.Errorf("%w: %s: chunk %d has dimension %d, want %d",
				models.ErrIndexCorrupt, manifest.ID, i+1, len(entries[i].Embedding), manifest.Dimension)
		}
		vec, ok := normalize(entries[i].Embedding)
		if !ok {
			return nil, fmt.Errorf("%w: %s: chunk %d has a zero embedding", models.ErrIndexCorrupt, manifest.ID, i+1)
		}
		entries[i].Embedding = vec
	}

	manifest.Metric = MetricCosine
	idx, err := assemble(manifest, entries)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", models.ErrIndexCorrupt, manifest.ID, err)
	}
	return idx, nil
}

// FromChromem reconstructs an index from a chromem database that holds its collection,
// typically one restored with ImportFromFile.
func FromChromem(ctx context.Context, manifest Manifest, db *chromem.DB) (*Index, error) {
	collection := db.GetCollection(CollectionName, noEmbed)
	if collection == nil {
		return nil, fmt.Errorf("%w: %s: collection %q is missing", models.ErrIndexCorrupt, manifest.ID, CollectionName)
	}
	if n := collection.Count(); n != manifest.Entries {
		return nil, fmt.Errorf("%w: %s: manifest lists %d entries, found %d", models.ErrIndexCorrupt, manifest.ID, manifest.Entries, n)
	}

	entries := make([]Entry, 0, manifest.Entries)
	for id := 1; id <= manifest.Entries; id++ {
		doc, err := collection.GetByID(ctx, docID(id))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", models.ErrIndexCorrupt, manifest.ID, err)
		}
		chunk, err := chunkFromDocument(doc.ID, doc.Content, doc.Metadata)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", models.ErrIndexCorrupt, manifest.ID, err)
		}
		entries = append(entries, Entry{Chunk: chunk, Embedding: doc.Embedding})
	}
	return New(manifest, entries)
}

// assemble loads already validated, normalised entries into a fresh in-memory chromem collection.
func assemble(manifest Manifest, entries []Entry) (*Index, error) {
	db := chromem.NewDB()
	collection, err := db.CreateCollection(CollectionName, map[string]string{
		"index_id":        manifest.ID,
		"embedding_model": manifest.EmbeddingModel,
	}, noEmbed)
	if err != nil {
		return nil, err
	}

	if len(entries) > 0 {
		docs := make([]chromem.Document, len(entries))
		for i, e := range entries {
			docs[i] = chromem.Document{
				ID:        docID(e.Chunk.ChunkID),
				Content:   e.Chunk.Content,
				Embedding: e.Embedding,
				Metadata: map[string]string{
					metaSource: e.Chunk.Source,
					metaPage:   strconv.Itoa(e.Chunk.PageNumber),
					metaOffset: strconv.Itoa(e.Chunk.Offset),
				},
			}
		}
		if err := collection.AddDocuments(context.Background(), docs, 1); err != nil {
			return nil, fmt.Errorf("failed to add documents: %w", err)
		}
	}

	return &Index{manifest: manifest, entries: entries, db: db, collection: collection}, nil
}

func (idx *Index) ID() string         { return idx.manifest.ID }
func (idx *Index) Manifest() Manifest { return idx.manifest }
func (idx *Index) Len() int           { return len(idx.entries) }

// Entries returns the entries in ChunkID order. The slice must not be modified.
func (idx *Index) Entries() []Entry { return idx.entries }

// DB exposes the underlying chromem database for export.
func (idx *Index) DB() *chromem.DB { return idx.db }

// Query returns up to k entries nearest to vector by cosine similarity, best first, ties broken
// by ascending ChunkID. The search is exhaustive and deterministic. model must be the embedding
// model the index was built with.
func (idx *Index) Query(ctx context.Context, model string, vector []float32, k int) ([]models.Result, error) {
	if model != idx.manifest.EmbeddingModel {
		return nil, fmt.Errorf("%w: index %s was built with %q, query uses %q",
			models.ErrModelMismatch, idx.manifest.ID, idx.manifest.EmbeddingModel, model)
	}
	if k <= 0 || len(idx.entries) == 0 {
		return []models.Result{}, nil
	}
	if len(vector) != idx.manifest.Dimension {
		return nil, fmt.Errorf("%w: index %s has dimension %d, query vector has %d",
			models.ErrModelMismatch, idx.manifest.ID, idx.manifest.Dimension, len(vector))
	}
	query, ok := normalize(vector)
	if !ok {
		return nil, fmt.Errorf("%w: query vector for index %s has zero or non-finite length",
			models.ErrEmbeddingUnavailable, idx.manifest.ID)
	}

	// rank every entry so that ties at the k boundary resolve the same way on every call
	found, err := idx.collection.QueryEmbedding(ctx, query, len(idx.entries), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to query index %s: %w", idx.manifest.ID, err)
	}

	results := make([]models.Result, 0, len(found))
	for _, r := range found {
		id, err := strconv.Atoi(r.ID)
		if err != nil || id < 1 || id > len(idx.entries) {
			return nil, fmt.Errorf("%w: %s: unexpected document id %q", models.ErrIndexCorrupt, idx.manifest.ID, r.ID)
		}
		results = append(results, models.Result{Chunk: idx.entries[id-1].Chunk, Score: r.Similarity})
	}
	slices.SortStableFunc(results, func(a, b models.Result) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return a.Chunk.ChunkID - b.Chunk.ChunkID
	})
	return results[:min(k, len(results))], nil
}

func docID(chunkID int) string { return strconv.Itoa(chunkID) }

func chunkFromDocument(id, content string, meta map[string]string) (models.Chunk, error) {
	chunkID, err := strconv.Atoi(id)
	if err != nil {
		return models.Chunk{}, fmt.Errorf("bad document id %q", id)
	}
	page, err := strconv.Atoi(meta[metaPage])
	if err != nil {
		return models.Chunk{}, fmt.Errorf("document %s: bad page %q", id, meta[metaPage])
	}
	offset, err := strconv.Atoi(meta[metaOffset])
	if err != nil {
		return models.Chunk{}, fmt.Errorf("document %s: bad offset %q", id, meta[metaOffset])
	}
	return models.Chunk{
		Content:    content,
		Source:     meta[metaSource],
		PageNumber: page,
		Offset:     offset,
		ChunkID:    chunkID,
	}, nil
}

// noEmbed is installed as the collection's embedding function. Every document arrives with a
// precomputed vector, so reaching it is a bug.
func noEmbed(context.Context, string) ([]float32, error) {
	return nil, errors.New("index embeds through its own embedder, not the collection")
}

// normalize returns v scaled to unit length. ok is false for a zero vector.
// Vectors already of unit length are returned unchanged, so a stored index reloads bit for bit.
func normalize(v []float32) ([]float32, bool) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		return nil, false
	}
	if math.Abs(math.Sqrt(sum)-1) < unitTolerance {
		return slices.Clone(v), true
	}
	inv := 1 / math.Sqrt(sum)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) * inv)
	}
	return out, true
}

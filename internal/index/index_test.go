package index

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math"
	"math/rand/v2"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"document-qa/internal/embedding"
	"document-qa/internal/models"
)

// oneHot embeds "chunk-<n>" as the n-th unit vector of a dim-dimensional space.
type oneHot struct {
	dim   int
	model string
	calls atomic.Int32
	fail  string
	delay bool
}

func (e *oneHot) Model() string { return e.model }

func (e *oneHot) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	e.calls.Add(1)
	if e.delay {
		time.Sleep(time.Duration(rand.IntN(3)) * time.Millisecond)
	}
	if text == e.fail {
		return nil, fmt.Errorf("%w: backend down", models.ErrEmbeddingUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n, err := strconv.Atoi(strings.TrimPrefix(text, "chunk-"))
	if err != nil {
		return nil, err
	}
	vec := make([]float32, e.dim)
	vec[n%e.dim] = 1
	return vec, nil
}

func chunkSeq(n int) iter.Seq[models.Chunk] {
	return func(yield func(models.Chunk) bool) {
		for i := 1; i <= n; i++ {
			c := models.Chunk{Content: fmt.Sprintf("chunk-%d", i), Source: "doc.pdf", PageNumber: (i + 1) / 2, Offset: i * 10, ChunkID: i}
			if !yield(c) {
				return
			}
		}
	}
}

func buildOneHot(t *testing.T, n int) (*Index, *oneHot) {
	t.Helper()
	emb := &oneHot{dim: n + 1, model: "one-hot"}
	idx, err := Build(context.Background(), BuildOptions{Source: "doc.pdf", ChunkSize: 100, ChunkOverlap: 20, Concurrency: 4}, chunkSeq(n), emb)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return idx, emb
}

func TestBuildManifest(t *testing.T) {
	idx, emb := buildOneHot(t, 5)
	m := idx.Manifest()
	if m.ID == "" || m.EmbeddingModel != "one-hot" || m.Dimension != 6 || m.Metric != MetricCosine {
		t.Fatalf("manifest = %+v", m)
	}
	if m.Entries != 5 || idx.Len() != 5 || m.ChunkSize != 100 || m.ChunkOverlap != 20 || m.Source != "doc.pdf" {
		t.Fatalf("manifest = %+v", m)
	}
	if emb.calls.Load() != 5 {
		t.Fatalf("embedder called %d times, want 5", emb.calls.Load())
	}

	other, _ := buildOneHot(t, 5)
	if other.ID() == idx.ID() {
		t.Fatal("two builds share an id")
	}
}

func TestQuerySelfRetrieval(t *testing.T) {
	idx, emb := buildOneHot(t, 8)
	ctx := context.Background()
	for _, e := range idx.Entries() {
		results, err := idx.Query(ctx, emb.Model(), e.Embedding, 3)
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if len(results) != 3 {
			t.Fatalf("got %d results, want 3", len(results))
		}
		if results[0].Chunk != e.Chunk {
			t.Fatalf("top result for chunk %d is chunk %d", e.Chunk.ChunkID, results[0].Chunk.ChunkID)
		}
		if results[0].Score < 0.999 {
			t.Fatalf("self similarity = %f", results[0].Score)
		}
	}
}

func TestQueryKLargerThanIndex(t *testing.T) {
	idx, emb := buildOneHot(t, 4)
	vec, _ := emb.EmbedQuery(context.Background(), "chunk-2")

	results, err := idx.Query(context.Background(), emb.Model(), vec, 50)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 4 {
		t.Fatalf("got %d results, want 4", len(results))
	}
	seen := map[int]bool{}
	for i, r := range results {
		if seen[r.Chunk.ChunkID] {
			t.Fatalf("chunk %d returned twice", r.Chunk.ChunkID)
		}
		seen[r.Chunk.ChunkID] = true
		if i > 0 && r.Score > results[i-1].Score {
			t.Fatalf("results not ordered by descending score: %v", results)
		}
	}
	// the orthogonal rest tie at zero and fall back to ChunkID order
	ids := []int{results[1].Chunk.ChunkID, results[2].Chunk.ChunkID, results[3].Chunk.ChunkID}
	if !slices.Equal(ids, []int{1, 3, 4}) {
		t.Fatalf("tied results in order %v, want [1 3 4]", ids)
	}

	if results, _ := idx.Query(context.Background(), emb.Model(), vec, 0); len(results) != 0 {
		t.Fatalf("k=0 returned %d results", len(results))
	}
}

func TestQueryModelMismatch(t *testing.T) {
	idx, emb := buildOneHot(t, 3)
	vec, _ := emb.EmbedQuery(context.Background(), "chunk-1")

	if _, err := idx.Query(context.Background(), "other-model", vec, 2); !errors.Is(err, models.ErrModelMismatch) {
		t.Fatalf("err = %v, want ErrModelMismatch", err)
	}
	if _, err := idx.Query(context.Background(), emb.Model(), vec[:2], 2); !errors.Is(err, models.ErrModelMismatch) {
		t.Fatalf("short vector err = %v, want ErrModelMismatch", err)
	}
}

func TestQueryDegenerateVector(t *testing.T) {
	idx, emb := buildOneHot(t, 3)
	nan := make([]float32, emb.dim)
	nan[0] = float32(math.NaN())

	for name, vec := range map[string][]float32{"zero": make([]float32, emb.dim), "nan": nan} {
		if _, err := idx.Query(context.Background(), emb.Model(), vec, 2); !errors.Is(err, models.ErrEmbeddingUnavailable) {
			t.Fatalf("%s vector err = %v, want ErrEmbeddingUnavailable", name, err)
		}
	}
}

func TestEmptyIndex(t *testing.T) {
	emb := embedding.NewHashEmbedder(16)
	idx, err := Build(context.Background(), BuildOptions{}, chunkSeq(0), emb)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if idx.Len() != 0 {
		t.Fatalf("Len = %d, want 0", idx.Len())
	}
	vec, _ := emb.EmbedQuery(context.Background(), "anything at all")
	results, err := idx.Query(context.Background(), emb.Model(), vec, 3)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("empty index returned %d results", len(results))
	}
}

func TestBuildIsAllOrNothing(t *testing.T) {
	emb := &oneHot{dim: 20, model: "one-hot", fail: "chunk-7"}
	idx, err := Build(context.Background(), BuildOptions{Concurrency: 3}, chunkSeq(15), emb)
	if !errors.Is(err, models.ErrEmbeddingUnavailable) {
		t.Fatalf("err = %v, want ErrEmbeddingUnavailable", err)
	}
	if idx != nil {
		t.Fatal("a failed build returned an index")
	}

	plain := &failing{}
	if _, err := Build(context.Background(), BuildOptions{}, chunkSeq(2), plain); !errors.Is(err, models.ErrEmbeddingUnavailable) {
		t.Fatalf("unwrapped backend error = %v, want ErrEmbeddingUnavailable", err)
	}
}

func TestBuildPreservesAssociationUnderConcurrency(t *testing.T) {
	emb := &oneHot{dim: 64, model: "one-hot", delay: true}
	idx, err := Build(context.Background(), BuildOptions{Concurrency: 16}, chunkSeq(60), emb)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	for _, e := range idx.Entries() {
		want, _ := emb.EmbedQuery(context.Background(), e.Chunk.Content)
		if !slices.Equal(e.Embedding, want) {
			t.Fatalf("chunk %d carries another chunk's vector", e.Chunk.ChunkID)
		}
	}
}

func TestBuildRejectsOutOfSequenceChunks(t *testing.T) {
	seq := func(yield func(models.Chunk) bool) {
		yield(models.Chunk{Content: "chunk-2", ChunkID: 2})
	}
	if _, err := Build(context.Background(), BuildOptions{}, seq, &oneHot{dim: 4, model: "m"}); err == nil {
		t.Fatal("expected an error for a sequence starting at chunk 2")
	}
}

func TestNewRoundTrip(t *testing.T) {
	idx, emb := buildOneHot(t, 6)
	ctx := context.Background()

	restored, err := New(idx.Manifest(), idx.Entries())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	fromDB, err := FromChromem(ctx, idx.Manifest(), idx.DB())
	if err != nil {
		t.Fatalf("FromChromem: %v", err)
	}

	query := []float32{0.3, 0.1, 0.9, 0, 0.2, 0.5, 0.4}
	want, err := idx.Query(ctx, emb.Model(), query, 4)
	if err != nil {
		t.Fatal(err)
	}
	for name, other := range map[string]*Index{"New": restored, "FromChromem": fromDB} {
		got, err := other.Query(ctx, emb.Model(), query, 4)
		if err != nil {
			t.Fatalf("%s: Query: %v", name, err)
		}
		if !slices.Equal(got, want) {
			t.Fatalf("%s: results differ\n got %v\nwant %v", name, got, want)
		}
	}
}

func TestNewRejectsCorruptInput(t *testing.T) {
	idx, _ := buildOneHot(t, 3)
	entries := idx.Entries()

	tests := []struct {
		name    string
		mutate  func(*Manifest) []Entry
		corrupt bool
	}{
		{"missing model", func(m *Manifest) []Entry { m.EmbeddingModel = ""; return entries }, true},
		{"entry count", func(m *Manifest) []Entry { m.Entries = 5; return entries }, true},
		{"dimension", func(m *Manifest) []Entry { m.Dimension = 2; return entries }, true},
		{"metric", func(m *Manifest) []Entry { m.Metric = "l2"; return entries }, true},
		{"gap in ids", func(m *Manifest) []Entry {
			e := slices.Clone(entries)
			e[1].Chunk.ChunkID = 9
			return e
		}, true},
		{"unsorted ids", func(m *Manifest) []Entry {
			e := slices.Clone(entries)
			slices.Reverse(e)
			return e
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := idx.Manifest()
			input := tt.mutate(&m)
			_, err := New(m, input)
			if tt.corrupt && !errors.Is(err, models.ErrIndexCorrupt) {
				t.Fatalf("err = %v, want ErrIndexCorrupt", err)
			}
			if !tt.corrupt && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

type failing struct{}

func (failing) Model() string { return "failing" }
func (failing) EmbedQuery(context.Context, string) ([]float32, error) {
	return nil, errors.New("connection refused")
}

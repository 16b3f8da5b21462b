package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"

	"document-qa/internal/config"
	"document-qa/internal/index"
	"document-qa/internal/models"
)

const insertBatch = 500

type IndexRecord struct {
	bun.BaseModel  `bun:"table:rag_indexes,alias:i"`
	ID             string    `bun:"id,pk"`
	Source         string    `bun:"source,notnull"`
	EmbeddingModel string    `bun:"embedding_model,notnull"`
	Dimension      int       `bun:"dimension,notnull"`
	Metric         string    `bun:"metric,notnull"`
	ChunkSize      int       `bun:"chunk_size,notnull"`
	ChunkOverlap   int       `bun:"chunk_overlap,notnull"`
	Entries        int       `bun:"entries,notnull"`
	CreatedAt      time.Time `bun:"created_at,notnull"`
}

type EntryRecord struct {
	bun.BaseModel `bun:"table:rag_entries,alias:e"`
	IndexID       string          `bun:"index_id,pk"`
	ChunkID       int             `bun:"chunk_id,pk"`
	Content       string          `bun:"content,notnull"`
	Source        string          `bun:"source,notnull"`
	PageNumber    int             `bun:"page_number,notnull"`
	CharOffset    int             `bun:"char_offset,notnull"`
	Embedding     pgvector.Vector `bun:"embedding,notnull,type:vector"`
}

func NewDB(sqldb *sql.DB, debug bool) *bun.DB {
	db := bun.NewDB(sqldb, pgdialect.New())
	if debug {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}
	return db
}

// ConnectDB opens a connection pool with the configured driver: pgdriver (default) or pq.
func ConnectDB(cfg config.DatabaseConfig) (*sql.DB, error) {
	switch cfg.Driver {
	case "", "pgdriver":
		opts := []pgdriver.Option{pgdriver.WithDSN(cfg.URL)}
		if cfg.Password != "" {
			opts = append(opts, pgdriver.WithPassword(cfg.Password))
		}
		return sql.OpenDB(pgdriver.NewConnector(opts...)), nil
	case "pq":
		return sql.Open("postgres", cfg.URL)
	default:
		return nil, fmt.Errorf("unknown database driver: %s", cfg.Driver)
	}
}

// InitDB enables pgvector and creates the index tables.
func InitDB(ctx context.Context, db *bun.DB) error {
	if _, err := db.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("failed to enable pgvector: %w", err)
	}
	if _, err := db.NewCreateTable().Model((*IndexRecord)(nil)).IfNotExists().Exec(ctx); err != nil {
		return fmt.Errorf("failed to create rag_indexes: %w", err)
	}
	_, err := db.NewCreateTable().Model((*EntryRecord)(nil)).IfNotExists().
		ForeignKey(`("index_id") REFERENCES "rag_indexes" ("id") ON DELETE CASCADE`).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create rag_entries: %w", err)
	}
	return nil
}

// DropTables removes both index tables.
func DropTables(ctx context.Context, db *bun.DB) error {
	if _, err := db.NewDropTable().Model((*EntryRecord)(nil)).IfExists().Exec(ctx); err != nil {
		return err
	}
	_, err := db.NewDropTable().Model((*IndexRecord)(nil)).IfExists().Exec(ctx)
	return err
}

// Store persists indexes in Postgres, one row per index and one row per entry.
type Store struct {
	db *bun.DB
}

func NewStore(db *bun.DB) *Store {
	return &Store{db: db}
}

// Open connects with cfg, creates the schema if needed and returns a ready store.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	sqldb, err := ConnectDB(cfg)
	if err != nil {
		return nil, err
	}
	db := NewDB(sqldb, cfg.Debug)
	if err := InitDB(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return NewStore(db), nil
}

// Save writes the index and all of its entries in one transaction.
func (s *Store) Save(ctx context.Context, idx *index.Index) error {
	rec, entries := toRecords(idx)
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		exists, err := tx.NewSelect().Model((*IndexRecord)(nil)).Where("id = ?", rec.ID).Exists(ctx)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("index %s already exists", rec.ID)
		}
		if _, err := tx.NewInsert().Model(rec).Exec(ctx); err != nil {
			return err
		}
		for start := 0; start < len(entries); start += insertBatch {
			batch := entries[start:min(start+insertBatch, len(entries))]
			if _, err := tx.NewInsert().Model(&batch).Exec(ctx); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save index %s: %w", rec.ID, err)
	}
	log.Info().Str("index_id", rec.ID).Int("entries", len(entries)).Msg("Saved index")
	return nil
}

func (s *Store) Load(ctx context.Context, id string) (*index.Index, error) {
	rec := new(IndexRecord)
	err := s.db.NewSelect().Model(rec).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrIndexNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load index %s: %w", id, err)
	}

	var entries []EntryRecord
	err = s.db.NewSelect().Model(&entries).Where("index_id = ?", id).Order("chunk_id ASC").Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load entries of %s: %w", id, err)
	}
	return fromRecords(rec, entries)
}

func (s *Store) Delete(ctx context.Context, id string) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().Model((*EntryRecord)(nil)).Where("index_id = ?", id).Exec(ctx); err != nil {
			return err
		}
		res, err := tx.NewDelete().Model((*IndexRecord)(nil)).Where("id = ?", id).Exec(ctx)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", models.ErrIndexNotFound, id)
		}
		log.Info().Str("index_id", id).Msg("Deleted index")
		return nil
	})
}

func (s *Store) List(ctx context.Context) ([]index.Manifest, error) {
	var recs []IndexRecord
	if err := s.db.NewSelect().Model(&recs).Order("created_at ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("failed to list indexes: %w", err)
	}
	manifests := make([]index.Manifest, 0, len(recs))
	for i := range recs {
		manifests = append(manifests, recs[i].manifest())
	}
	return manifests, nil
}

func (s *Store) Close() error { return s.db.Close() }

func toRecords(idx *index.Index) (*IndexRecord, []EntryRecord) {
	m := idx.Manifest()
	rec := &IndexRecord{
		ID:             m.ID,
		Source:         m.Source,
		EmbeddingModel: m.EmbeddingModel,
		Dimension:      m.Dimension,
		Metric:         m.Metric,
		ChunkSize:      m.ChunkSize,
		ChunkOverlap:   m.ChunkOverlap,
		Entries:        m.Entries,
		CreatedAt:      m.CreatedAt,
	}
	entries := make([]EntryRecord, 0, idx.Len())
	for _, e := range idx.Entries() {
		entries = append(entries, EntryRecord{
			IndexID:    m.ID,
			ChunkID:    e.Chunk.ChunkID,
			Content:    e.Chunk.Content,
			Source:     e.Chunk.Source,
			PageNumber: e.Chunk.PageNumber,
			CharOffset: e.Chunk.Offset,
			Embedding:  pgvector.NewVector(e.Embedding),
		})
	}
	return rec, entries
}

func fromRecords(rec *IndexRecord, recs []EntryRecord) (*index.Index, error) {
	entries := make([]index.Entry, 0, len(recs))
	for _, r := range recs {
		entries = append(entries, index.Entry{
			Chunk: models.Chunk{
				Content:    r.Content,
				Source:     r.Source,
				PageNumber: r.PageNumber,
				Offset:     r.CharOffset,
				ChunkID:    r.ChunkID,
			},
			Embedding: r.Embedding.Slice(),
		})
	}
	return index.New(rec.manifest(), entries)
}

func (r *IndexRecord) manifest() index.Manifest {
	return index.Manifest{
		ID:             r.ID,
		Source:         r.Source,
		EmbeddingModel: r.EmbeddingModel,
		Dimension:      r.Dimension,
		Metric:         r.Metric,
		ChunkSize:      r.ChunkSize,
		ChunkOverlap:   r.ChunkOverlap,
		Entries:        r.Entries,
		CreatedAt:      r.CreatedAt,
	}
}

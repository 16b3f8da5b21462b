// Package sqlitedb stores indexes in a single SQLite file.
package sqlitedb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"document-qa/internal/helper"
	"document-qa/internal/index"
	"document-qa/internal/models"
)

// timeLayout is fixed-width so created_at sorts chronologically as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS rag_indexes (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		embedding_model TEXT NOT NULL,
		dimension INTEGER NOT NULL,
		metric TEXT NOT NULL,
		chunk_size INTEGER NOT NULL,
		chunk_overlap INTEGER NOT NULL,
		entries INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS rag_entries (
		index_id TEXT NOT NULL,
		chunk_id INTEGER NOT NULL,
		content TEXT NOT NULL,
		source TEXT NOT NULL,
		page_number INTEGER NOT NULL,
		char_offset INTEGER NOT NULL,
		embedding TEXT NOT NULL,
		PRIMARY KEY(index_id, chunk_id),
		FOREIGN KEY(index_id) REFERENCES rag_indexes(id) ON DELETE CASCADE
	);`,
}

type Store struct {
	db *sql.DB
}

func NewStore(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlite path required")
	}
	if err := helper.CreateFolder(filepath.Dir(path)); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	stmts := append([]string{`PRAGMA foreign_keys = ON;`}, schema...)
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to migrate %s: %w", path, err)
		}
	}
	return &Store{db: db}, nil
}

// withTx commits when fn returns nil and rolls back otherwise.
func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) Save(ctx context.Context, idx *index.Index) error {
	m := idx.Manifest()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO rag_indexes(id,source,embedding_model,dimension,metric,chunk_size,chunk_overlap,entries,created_at) VALUES(?,?,?,?,?,?,?,?,?)`,
			m.ID, m.Source, m.EmbeddingModel, m.Dimension, m.Metric, m.ChunkSize, m.ChunkOverlap, m.Entries, m.CreatedAt.UTC().Format(timeLayout))
		if err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO rag_entries(index_id,chunk_id,content,source,page_number,char_offset,embedding) VALUES(?,?,?,?,?,?,?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, e := range idx.Entries() {
			vec, err := json.Marshal(e.Embedding)
			if err != nil {
				return err
			}
			c := e.Chunk
			if _, err := stmt.ExecContext(ctx, m.ID, c.ChunkID, c.Content, c.Source, c.PageNumber, c.Offset, string(vec)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save index %s: %w", m.ID, err)
	}
	log.Info().Str("index_id", m.ID).Int("entries", idx.Len()).Msg("Saved index")
	return nil
}

func (s *Store) Load(ctx context.Context, id string) (*index.Index, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id,source,embedding_model,dimension,metric,chunk_size,chunk_overlap,entries,created_at FROM rag_indexes WHERE id=?`, id)
	m, err := scanManifest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrIndexNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", models.ErrIndexCorrupt, id, err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT chunk_id,content,source,page_number,char_offset,embedding FROM rag_entries WHERE index_id=? ORDER BY chunk_id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load entries of %s: %w", id, err)
	}
	defer rows.Close()

	var entries []index.Entry
	for rows.Next() {
		var (
			e   index.Entry
			vec string
		)
		if err := rows.Scan(&e.Chunk.ChunkID, &e.Chunk.Content, &e.Chunk.Source, &e.Chunk.PageNumber, &e.Chunk.Offset, &vec); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", models.ErrIndexCorrupt, id, err)
		}
		if err := json.Unmarshal([]byte(vec), &e.Embedding); err != nil {
			return nil, fmt.Errorf("%w: %s: chunk %d: %w", models.ErrIndexCorrupt, id, e.Chunk.ChunkID, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load entries of %s: %w", id, err)
	}
	return index.New(m, entries)
}

func (s *Store) Delete(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM rag_entries WHERE index_id=?`, id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM rag_indexes WHERE id=?`, id)
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
	rows, err := s.db.QueryContext(ctx, `SELECT id,source,embedding_model,dimension,metric,chunk_size,chunk_overlap,entries,created_at FROM rag_indexes ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list indexes: %w", err)
	}
	defer rows.Close()

	manifests := []index.Manifest{}
	for rows.Next() {
		m, err := scanManifest(rows)
		if err != nil {
			log.Warn().Err(err).Msg("Skipping unreadable index")
			continue
		}
		manifests = append(manifests, m)
	}
	return manifests, rows.Err()
}

func (s *Store) Close() error { return s.db.Close() }

type scanner interface {
	Scan(dest ...any) error
}

func scanManifest(row scanner) (index.Manifest, error) {
	var (
		m       index.Manifest
		created string
	)
	err := row.Scan(&m.ID, &m.Source, &m.EmbeddingModel, &m.Dimension, &m.Metric, &m.ChunkSize, &m.ChunkOverlap, &m.Entries, &created)
	if err != nil {
		return m, err
	}
	if m.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
		return m, fmt.Errorf("bad created_at %q: %w", created, err)
	}
	return m, nil
}

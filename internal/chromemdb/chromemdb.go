package chromemdb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/philippgille/chromem-go"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"document-qa/internal/helper"
	"document-qa/internal/index"
	"document-qa/internal/models"
)

const (
	manifestFile = "manifest.yaml"
	entriesFile  = "entries.gob"
	tmpPrefix    = ".tmp-"
)

// Store keeps one directory per index under root, holding the manifest and a chromem export
// of the index's collection.
type Store struct {
	root          string
	compress      bool
	encryptionKey string
}

// NewStore opens (creating if needed) a file store. encryptionKey is optional and must be
// 32 bytes long when set.
func NewStore(root string, compress bool, encryptionKey string) (*Store, error) {
	if n := len(encryptionKey); n != 0 && n != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes long, got %d", n)
	}
	if err := helper.CreateFolder(root); err != nil {
		return nil, err
	}
	return &Store{root: root, compress: compress, encryptionKey: encryptionKey}, nil
}

// Save writes the index into a temporary directory and renames it into place, so a crash
// never leaves a half-written index under its ID.
func (s *Store) Save(ctx context.Context, idx *index.Index) error {
	id := idx.ID()
	if !validID(id) {
		return fmt.Errorf("invalid index id %q", id)
	}
	final := filepath.Join(s.root, id)
	if _, err := os.Stat(final); err == nil {
		return fmt.Errorf("index %s already exists", id)
	}

	tmp, err := os.MkdirTemp(s.root, tmpPrefix+id+"-")
	if err != nil {
		return fmt.Errorf("failed to create staging dir: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if err := os.RemoveAll(tmp); err != nil {
				log.Warn().Err(err).Str("path", tmp).Msg("Error removing staging dir")
			}
		}
	}()

	data, err := yaml.Marshal(idx.Manifest())
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(tmp, manifestFile), data, 0o644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	filePath := filepath.Join(tmp, entriesFile)
	log.Debug().Str("index_id", id).Str("file", filePath).Bool("compress", s.compress).Msg("Exporting collection")
	if err := idx.DB().ExportToFile(filePath, s.compress, s.encryptionKey, index.CollectionName); err != nil {
		return fmt.Errorf("failed to export index %s: %w", id, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("failed to commit index %s: %w", id, err)
	}
	committed = true
	log.Info().Str("index_id", id).Int("entries", idx.Len()).Str("path", final).Msg("Saved index")
	return nil
}

func (s *Store) Load(ctx context.Context, id string) (*index.Index, error) {
	dir, err := s.dir(id)
	if err != nil {
		return nil, err
	}

	manifest, err := readManifest(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", models.ErrIndexCorrupt, id, err)
	}
	if manifest.ID != id {
		return nil, fmt.Errorf("%w: %s: manifest belongs to %q", models.ErrIndexCorrupt, id, manifest.ID)
	}
	if manifest.EmbeddingModel == "" {
		return nil, fmt.Errorf("%w: %s: embedding model identifier is missing", models.ErrIndexCorrupt, id)
	}

	db := chromem.NewDB()
	if err := db.ImportFromFile(filepath.Join(dir, entriesFile), s.encryptionKey, index.CollectionName); err != nil {
		return nil, fmt.Errorf("%w: %s: failed to import database: %w", models.ErrIndexCorrupt, id, err)
	}
	return index.FromChromem(ctx, manifest, db)
}

func (s *Store) Delete(_ context.Context, id string) error {
	dir, err := s.dir(id)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to delete index %s: %w", id, err)
	}
	log.Info().Str("index_id", id).Msg("Deleted index")
	return nil
}

// List returns the manifests of all committed indexes, oldest first. Unreadable entries are
// skipped with a warning.
func (s *Store) List(_ context.Context) ([]index.Manifest, error) {
	dirEntries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", s.root, err)
	}
	manifests := []index.Manifest{}
	for _, e := range dirEntries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		m, err := readManifest(filepath.Join(s.root, e.Name()))
		if err != nil {
			log.Warn().Err(err).Str("index_id", e.Name()).Msg("Skipping unreadable index")
			continue
		}
		manifests = append(manifests, m)
	}
	sort.SliceStable(manifests, func(i, j int) bool { return manifests[i].CreatedAt.Before(manifests[j].CreatedAt) })
	return manifests, nil
}

func (s *Store) Close() error { return nil }

// dir resolves the directory of an existing index.
func (s *Store) dir(id string) (string, error) {
	if !validID(id) {
		return "", fmt.Errorf("%w: %q", models.ErrIndexNotFound, id)
	}
	dir := filepath.Join(s.root, id)
	fi, err := os.Stat(dir)
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", models.ErrIndexNotFound, id)
	}
	if err != nil {
		return "", err
	}
	if !fi.IsDir() {
		return "", fmt.Errorf("%w: %s is not a directory", models.ErrIndexCorrupt, id)
	}
	return dir, nil
}

func readManifest(dir string) (index.Manifest, error) {
	var m index.Manifest
	data, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return m, err
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return m, nil
}

// validID keeps ids to a single, visible path element.
func validID(id string) bool {
	return id != "" && !strings.HasPrefix(id, ".") && !strings.ContainsAny(id, `/\`) && filepath.Base(id) == id
}

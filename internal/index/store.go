package index

import "context"

// Store persists whole indexes under their ID.
//
// Load returns models.ErrIndexNotFound for an unknown ID and models.ErrIndexCorrupt when the
// stored data cannot be read back or the embedding model identifier is missing. Save never
// leaves a partially written index visible to Load or List.
type Store interface {
	Save(ctx context.Context, idx *Index) error
	Load(ctx context.Context, id string) (*Index, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]Manifest, error)
	Close() error
}

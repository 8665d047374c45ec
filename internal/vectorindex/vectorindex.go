// Package vectorindex is the client facade over the vector database. Engines
// implement Backend; Store adds embedding and dimension checks on top.
package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/DeafMist/sigma-rag/internal/embedding"
	"github.com/DeafMist/sigma-rag/internal/logger"
	"github.com/DeafMist/sigma-rag/internal/models"
)

var (
	// ErrDimensionMismatch is returned when a vector does not fit the collection.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	// ErrCollectionNotFound is returned by backends for unknown collections.
	ErrCollectionNotFound = errors.New("collection not found")
)

// Backend is a vector database engine.
type Backend interface {
	Ping(ctx context.Context) error
	CollectionExists(ctx context.Context, name string) (bool, error)
	// CreateCollection creates the collection. Backends may fail if it exists.
	CreateCollection(ctx context.Context, name string, dim int, metric models.Metric) error
	DescribeCollection(ctx context.Context, name string) (*models.CollectionInfo, error)
	// DeleteCollection removes the collection; a missing one is not an error.
	DeleteCollection(ctx context.Context, name string) error
	// Upsert writes all entries in one request; every entry carries a vector.
	Upsert(ctx context.Context, name string, entries []models.IndexEntry) error
	Query(ctx context.Context, name string, vector []float32, k int) ([]models.SearchHit, error)
}

// Store combines a Backend with the embedding provider used for its texts.
type Store struct {
	backend  Backend
	embedder embedding.Provider
	log      *slog.Logger
}

// NewStore wraps a backend.
func NewStore(backend Backend, embedder embedding.Provider, log *slog.Logger) *Store {
	return &Store{backend: backend, embedder: embedder, log: logger.OrDiscard(log)}
}

// Ping checks the backend connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.backend.Ping(ctx)
}

// Exists reports whether the collection is present.
func (s *Store) Exists(ctx context.Context, name string) (bool, error) {
	ok, err := s.backend.CollectionExists(ctx, name)
	if err != nil {
		return false, fmt.Errorf("check collection %s: %w", name, err)
	}
	return ok, nil
}

// Describe returns the vector schema of an existing collection.
func (s *Store) Describe(ctx context.Context, name string) (*models.CollectionInfo, error) {
	info, err := s.backend.DescribeCollection(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("describe collection %s: %w", name, err)
	}
	return info, nil
}

// CreateCollection creates the collection if absent. An existing collection is
// left untouched whatever its dimension or metric; it reports whether it
// created one.
func (s *Store) CreateCollection(ctx context.Context, name string, dim int, metric models.Metric) (bool, error) {
	if dim <= 0 {
		return false, fmt.Errorf("create collection %s: dimension must be positive", name)
	}
	if !metric.Valid() {
		return false, fmt.Errorf("create collection %s: unsupported metric %q", name, metric)
	}

	exists, err := s.Exists(ctx, name)
	if err != nil {
		return false, err
	}
	if exists {
		s.log.Debug("collection already exists", slog.String("collection", name))
		return false, nil
	}
	if err := s.backend.CreateCollection(ctx, name, dim, metric); err != nil {
		return false, fmt.Errorf("create collection %s: %w", name, err)
	}
	s.log.Info("collection created",
		slog.String("collection", name),
		slog.Int("dim", dim),
		slog.String("metric", string(metric)),
	)
	return true, nil
}

// DropCollection removes the collection and its entries.
func (s *Store) DropCollection(ctx context.Context, name string) error {
	if err := s.backend.DeleteCollection(ctx, name); err != nil {
		return fmt.Errorf("drop collection %s: %w", name, err)
	}
	s.log.Info("collection dropped", slog.String("collection", name))
	return nil
}

// Embed returns a copy of entries where every entry without a vector has one,
// computed in a single provider call.
func (s *Store) Embed(ctx context.Context, entries []models.IndexEntry) ([]models.IndexEntry, error) {
	batch := make([]models.IndexEntry, len(entries))
	copy(batch, entries)

	var (
		pending []int
		texts   []string
	)
	for i, e := range batch {
		if e.Vector == nil {
			pending = append(pending, i)
			texts = append(texts, e.Text)
		}
	}
	if len(pending) == 0 {
		return batch, nil
	}

	vecs, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed entries: %w", err)
	}
	if len(vecs) != len(pending) {
		return nil, fmt.Errorf("embed entries: got %d vectors for %d texts", len(vecs), len(pending))
	}
	for j, i := range pending {
		batch[i].Vector = vecs[j]
	}
	return batch, nil
}

// Upsert embeds entries that have no vector yet and writes them all at once.
// Nothing is written if embedding or validation fails.
func (s *Store) Upsert(ctx context.Context, name string, entries []models.IndexEntry) error {
	if len(entries) == 0 {
		return nil
	}

	info, err := s.Describe(ctx, name)
	if err != nil {
		return err
	}

	batch, err := s.Embed(ctx, entries)
	if err != nil {
		return err
	}
	for _, e := range batch {
		if len(e.Vector) != info.Dimension {
			return fmt.Errorf("%w: entry %s has %d, collection %s has %d",
				ErrDimensionMismatch, e.ID, len(e.Vector), name, info.Dimension)
		}
	}

	if err := s.backend.Upsert(ctx, name, batch); err != nil {
		return fmt.Errorf("upsert into %s: %w", name, err)
	}
	s.log.Info("entries upserted", slog.String("collection", name), slog.Int("count", len(batch)))
	return nil
}

// Query returns the k entries closest to vector, best first.
func (s *Store) Query(ctx context.Context, name string, vector []float32, k int) ([]models.SearchHit, error) {
	if k <= 0 {
		return nil, nil
	}
	hits, err := s.backend.Query(ctx, name, vector, k)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", name, err)
	}
	return hits, nil
}

// Search embeds text and queries with the result.
func (s *Store) Search(ctx context.Context, name, text string, k int) ([]models.SearchHit, error) {
	vec, err := embedding.EmbedOne(ctx, s.embedder, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return s.Query(ctx, name, vec, k)
}

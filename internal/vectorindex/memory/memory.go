// Package memory is an in-process vector backend using brute-force scoring.
package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/DeafMist/sigma-rag/internal/models"
	"github.com/DeafMist/sigma-rag/internal/vectorindex"
)

var _ vectorindex.Backend = (*Backend)(nil)

type collection struct {
	info    models.CollectionInfo
	order   []string
	entries map[string]models.IndexEntry
}

// Backend keeps collections in memory. Safe for concurrent use.
type Backend struct {
	mu          sync.RWMutex
	collections map[string]*collection
}

func New() *Backend {
	return &Backend{collections: make(map[string]*collection)}
}

func (b *Backend) Ping(context.Context) error { return nil }

func (b *Backend) CollectionExists(_ context.Context, name string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.collections[name]
	return ok, nil
}

func (b *Backend) CreateCollection(_ context.Context, name string, dim int, metric models.Metric) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.collections[name]; ok {
		return fmt.Errorf("collection %s already exists", name)
	}
	b.collections[name] = &collection{
		info:    models.CollectionInfo{Name: name, Dimension: dim, Metric: metric},
		entries: make(map[string]models.IndexEntry),
	}
	return nil
}

func (b *Backend) DeleteCollection(_ context.Context, name string) error {
	b.mu.Lock()
	delete(b.collections, name)
	b.mu.Unlock()
	return nil
}

func (b *Backend) DescribeCollection(_ context.Context, name string) (*models.CollectionInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.collections[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", vectorindex.ErrCollectionNotFound, name)
	}
	info := c.info
	return &info, nil
}

// Upsert replaces entries with the same ID and keeps insertion order otherwise.
func (b *Backend) Upsert(_ context.Context, name string, entries []models.IndexEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.collections[name]
	if !ok {
		return fmt.Errorf("%w: %s", vectorindex.ErrCollectionNotFound, name)
	}
	for _, e := range entries {
		if len(e.Vector) != c.info.Dimension {
			return fmt.Errorf("%w: entry %s", vectorindex.ErrDimensionMismatch, e.ID)
		}
	}
	for _, e := range entries {
		if _, seen := c.entries[e.ID]; !seen {
			c.order = append(c.order, e.ID)
		}
		c.entries[e.ID] = cloneEntry(e)
	}
	return nil
}

// Query ranks every entry; ties keep insertion order.
func (b *Backend) Query(_ context.Context, name string, vector []float32, k int) ([]models.SearchHit, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.collections[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", vectorindex.ErrCollectionNotFound, name)
	}
	if len(vector) != c.info.Dimension {
		return nil, fmt.Errorf("%w: query has %d, collection has %d",
			vectorindex.ErrDimensionMismatch, len(vector), c.info.Dimension)
	}

	hits := make([]models.SearchHit, 0, len(c.order))
	for _, id := range c.order {
		e := c.entries[id]
		hits = append(hits, models.SearchHit{Entry: cloneEntry(e), Score: score(c.info.Metric, vector, e.Vector)})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if k < len(hits) {
		hits = hits[:k]
	}
	return hits, nil
}

// Len returns the number of entries in a collection.
func (b *Backend) Len(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if c, ok := b.collections[name]; ok {
		return len(c.entries)
	}
	return 0
}

func score(metric models.Metric, a, b []float32) float64 {
	var dot, na, nb, dist float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
		dist += (x - y) * (x - y)
	}
	switch metric {
	case models.MetricDot:
		return dot
	case models.MetricEuclidean:
		// higher is better everywhere
		return -math.Sqrt(dist)
	default:
		if na == 0 || nb == 0 {
			return 0
		}
		return dot / (math.Sqrt(na) * math.Sqrt(nb))
	}
}

func cloneEntry(e models.IndexEntry) models.IndexEntry {
	out := e
	out.Vector = append([]float32(nil), e.Vector...)
	if e.Metadata != nil {
		out.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

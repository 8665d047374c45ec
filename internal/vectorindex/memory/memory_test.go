package memory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/DeafMist/sigma-rag/internal/models"
	"github.com/DeafMist/sigma-rag/internal/vectorindex"
	"github.com/DeafMist/sigma-rag/internal/vectorindex/memory"
)

func TestQueryRanksByCosine(t *testing.T) {
	ctx := context.Background()
	b := memory.New()
	require.NoError(t, b.CreateCollection(ctx, "c", 2, models.MetricCosine))
	require.NoError(t, b.Upsert(ctx, "c", []models.IndexEntry{
		{ID: "a", Vector: []float32{1, 0}, Text: "a"},
		{ID: "b", Vector: []float32{0, 1}, Text: "b"},
		{ID: "c", Vector: []float32{1, 1}, Text: "c"},
	}))

	hits, err := b.Query(ctx, "c", []float32{1, 0.1}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	require.Equal(t, "a", hits[0].Entry.ID)
	require.Equal(t, "c", hits[1].Entry.ID)
	require.Greater(t, hits[0].Score, hits[1].Score)
}

func TestUpsertReplacesByID(t *testing.T) {
	ctx := context.Background()
	b := memory.New()
	require.NoError(t, b.CreateCollection(ctx, "c", 2, models.MetricCosine))
	require.NoError(t, b.Upsert(ctx, "c", []models.IndexEntry{{ID: "a", Vector: []float32{1, 0}, Text: "old"}}))
	require.NoError(t, b.Upsert(ctx, "c", []models.IndexEntry{{ID: "a", Vector: []float32{0, 1}, Text: "new"}}))
	require.Equal(t, 1, b.Len("c"))

	hits, err := b.Query(ctx, "c", []float32{0, 1}, 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "new", hits[0].Entry.Text)
}

func TestUpsertIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	b := memory.New()
	require.NoError(t, b.CreateCollection(ctx, "c", 2, models.MetricCosine))
	err := b.Upsert(ctx, "c", []models.IndexEntry{
		{ID: "a", Vector: []float32{1, 0}},
		{ID: "b", Vector: []float32{1, 0, 0}},
	})
	require.ErrorIs(t, err, vectorindex.ErrDimensionMismatch)
	require.Zero(t, b.Len("c"))
}

func TestUnknownCollection(t *testing.T) {
	ctx := context.Background()
	b := memory.New()
	ok, err := b.CollectionExists(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = b.DescribeCollection(ctx, "missing")
	require.ErrorIs(t, err, vectorindex.ErrCollectionNotFound)
	_, err = b.Query(ctx, "missing", []float32{1}, 1)
	require.ErrorIs(t, err, vectorindex.ErrCollectionNotFound)
}

func TestCreateTwiceFails(t *testing.T) {
	ctx := context.Background()
	b := memory.New()
	require.NoError(t, b.CreateCollection(ctx, "c", 2, models.MetricCosine))
	require.Error(t, b.CreateCollection(ctx, "c", 2, models.MetricCosine))
}

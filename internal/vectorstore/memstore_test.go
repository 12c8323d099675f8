package vectorstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemStoreUpsertSearchRoundtrip(t *testing.T) {
	ctx := context.Background()
	store := NewMem()
	require.NoError(t, store.EnsureCollection(ctx, "memories", 3, "cosine"))

	require.NoError(t, store.Upsert(ctx, "memories", "turn-1", []float32{1, 0, 0}, map[string]any{"user_id": "u1"}))
	require.NoError(t, store.Upsert(ctx, "memories", "turn-2", []float32{0, 1, 0}, map[string]any{"user_id": "u1"}))
	require.NoError(t, store.Upsert(ctx, "memories", "turn-3", []float32{0.9, 0.1, 0}, map[string]any{"user_id": "u2"}))

	results, err := store.Search(ctx, "memories", []float32{1, 0, 0}, 5, map[string]string{"user_id": "u1"}, 0)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, "turn-1", results[0].ID)
	require.Greater(t, results[0].Score, results[1].Score)
}

func TestMemStoreSearchRespectsMinScore(t *testing.T) {
	ctx := context.Background()
	store := NewMem()
	require.NoError(t, store.EnsureCollection(ctx, "memories", 3, "cosine"))
	require.NoError(t, store.Upsert(ctx, "memories", "turn-1", []float32{1, 0, 0}, nil))
	require.NoError(t, store.Upsert(ctx, "memories", "turn-2", []float32{0, 1, 0}, nil))

	results, err := store.Search(ctx, "memories", []float32{1, 0, 0}, 5, nil, 0.5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "turn-1", results[0].ID)
}

func TestMemStoreDelete(t *testing.T) {
	ctx := context.Background()
	store := NewMem()
	require.NoError(t, store.EnsureCollection(ctx, "memories", 2, "cosine"))
	require.NoError(t, store.Upsert(ctx, "memories", "turn-1", []float32{1, 0}, nil))
	require.NoError(t, store.Delete(ctx, "memories", "turn-1"))

	results, err := store.Search(ctx, "memories", []float32{1, 0}, 5, nil, 0)
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestCosineSimilarityBounds(t *testing.T) {
	require.InDelta(t, 1.0, cosineSimilarity([]float32{1, 2, 3}, []float32{1, 2, 3}), 1e-9)
	require.InDelta(t, 0.0, cosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	require.Equal(t, 0.0, cosineSimilarity([]float32{1}, []float32{1, 2}))
}

package longterm

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"memoryd/internal/importance"
	"memoryd/internal/vectorstore"
)

type fakeEmbedder struct {
	vec []float32
	err error
}

func (f *fakeEmbedder) EmbedText(ctx context.Context, input string) ([]float32, error) {
	return f.vec, f.err
}

type fakeProfiles struct {
	calls int
}

func (f *fakeProfiles) Extract(ctx context.Context, user, message string) (bool, error) {
	f.calls++
	return true, nil
}

func TestProcessForStorageBelowThresholdSkipped(t *testing.T) {
	store := New(vectorstore.NewMem(), &fakeEmbedder{vec: []float32{1, 0, 0}}, &fakeProfiles{}, Config{Dimensions: 3})
	require.NoError(t, store.EnsureCollection(t.Context()))

	res, err := store.ProcessForStorage(t.Context(), "u", "c", "你好", "你好呀", "normal", nil, importance.Input{Intent: "normal"})
	require.NoError(t, err)
	require.False(t, res.Stored)
}

func TestProcessForStorageAboveThresholdStoredAndTriggersProfile(t *testing.T) {
	profiles := &fakeProfiles{}
	store := New(vectorstore.NewMem(), &fakeEmbedder{vec: []float32{1, 0, 0}}, profiles, Config{Dimensions: 3, MinImportanceScore: 0.1})
	require.NoError(t, store.EnsureCollection(t.Context()))

	res, err := store.ProcessForStorage(t.Context(), "u", "c", "我叫张三，重要的是咖啡偏好", "好的", "search", []string{"src"}, importance.Input{Intent: "search", TurnCount: 20})
	require.NoError(t, err)
	require.True(t, res.Stored)
	require.NotEmpty(t, res.MemoryID)
	require.Equal(t, 1, profiles.calls)
}

func TestProcessForStorageEmptyEmbeddingSkipped(t *testing.T) {
	store := New(vectorstore.NewMem(), &fakeEmbedder{vec: nil}, &fakeProfiles{}, Config{Dimensions: 3, MinImportanceScore: 0.1})
	res, err := store.ProcessForStorage(t.Context(), "u", "c", "重要决定", "ok", "search", nil, importance.Input{Intent: "search"})
	require.NoError(t, err)
	require.False(t, res.Stored)
	require.Equal(t, "embedding_empty", res.Reason)
}

func TestSearchRelevantFiltersByUser(t *testing.T) {
	vecs := vectorstore.NewMem()
	require.NoError(t, vecs.EnsureCollection(t.Context(), collectionName, 3, "cosine"))
	require.NoError(t, vecs.Upsert(t.Context(), collectionName, "mem1", []float32{1, 0, 0}, map[string]any{
		"user_id": "u1", "content": "咖啡偏好", "importance_score": 0.82, "created_at": time.Now().UTC().Format(time.RFC3339),
	}))
	require.NoError(t, vecs.Upsert(t.Context(), collectionName, "mem2", []float32{1, 0, 0}, map[string]any{
		"user_id": "u2", "content": "咖啡偏好", "importance_score": 0.82, "created_at": time.Now().UTC().Format(time.RFC3339),
	}))

	store := New(vecs, &fakeEmbedder{vec: []float32{1, 0, 0}}, &fakeProfiles{}, Config{Dimensions: 3})
	results, err := store.SearchRelevant(t.Context(), "u1", "推荐饮品", 5, 0, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Contains(t, results[0].Content, "咖啡")

	results2, err := store.SearchRelevant(t.Context(), "u3", "推荐饮品", 5, 0, nil)
	require.NoError(t, err)
	require.Empty(t, results2)
}

func TestFormatLineTruncatesAt100Runes(t *testing.T) {
	line := FormatLine(Memory{ImportanceScore: 0.72, Content: "abc"})
	require.Equal(t, "[重要性: 0.72] abc", line)

	long := FormatLine(Memory{ImportanceScore: 0.5, Content: strings.Repeat("字", 120)})
	require.Equal(t, "[重要性: 0.50] "+strings.Repeat("字", 100)+"…", long)
}

func TestCompositeScoreWeighting(t *testing.T) {
	now := time.Now()
	fresh := Memory{Similarity: 1, ImportanceScore: 1, CreatedAt: now}
	old := Memory{Similarity: 1, ImportanceScore: 1, CreatedAt: now.AddDate(-2, 0, 0)}
	require.Greater(t, compositeScore(fresh, now), compositeScore(old, now))
}

// Package longterm implements C10: importance-gated semantic storage of
// turns and similarity-based recall, built on the vectorstore and
// embedclient adapters. Recall ranking blends similarity, importance and
// recency the way the teacher's internal/agent/memory.EvolvingMemory scores
// recall candidates.
package longterm

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"memoryd/internal/embedclient"
	"memoryd/internal/importance"
	"memoryd/internal/vectorstore"
)

const collectionName = "semantic_memory"

// Embedder is the narrow embedding surface C10 needs.
type Embedder interface {
	EmbedText(ctx context.Context, input string) ([]float32, error)
}

// ProfileExtractor lets C10 trigger C9's best-effort extraction after a
// storage write, per spec.md section 4.8 step 4.
type ProfileExtractor interface {
	Extract(ctx context.Context, user, message string) (bool, error)
}

// Config tunes C10 (spec.md section 6).
type Config struct {
	MinImportanceScore float64
	Dimensions         int
	Metric             string
}

// Store is the C10 long-term memory component.
type Store struct {
	vectors  vectorstore.Store
	embed    Embedder
	profiles ProfileExtractor
	cfg      Config
}

// New builds a Store. Threshold/dimensions/metric default to spec.md's
// values (0.6, 1536, cosine) when zero.
func New(vectors vectorstore.Store, embed Embedder, profiles ProfileExtractor, cfg Config) *Store {
	if cfg.MinImportanceScore <= 0 {
		cfg.MinImportanceScore = 0.6
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = 1536
	}
	if cfg.Metric == "" {
		cfg.Metric = "cosine"
	}
	return &Store{vectors: vectors, embed: embed, profiles: profiles, cfg: cfg}
}

// EnsureCollection creates the semantic_memory collection if absent.
func (s *Store) EnsureCollection(ctx context.Context) error {
	return s.vectors.EnsureCollection(ctx, collectionName, s.cfg.Dimensions, s.cfg.Metric)
}

// StorageResult is the outcome of ProcessForStorage.
type StorageResult struct {
	Stored          bool
	MemoryID        string
	ImportanceScore float64
	Reason          string
}

// ProcessForStorage implements spec.md section 4.8's process_for_storage.
func (s *Store) ProcessForStorage(ctx context.Context, user, conv, msg, resp, intent string, sources []string, scoreInput importance.Input) (StorageResult, error) {
	score := importance.Score(scoreInput)
	if score < s.cfg.MinImportanceScore {
		return StorageResult{Stored: false, ImportanceScore: score, Reason: "below_importance_threshold"}, nil
	}

	vec, err := s.embed.EmbedText(ctx, fmt.Sprintf("问题：%s\n回答：%s", msg, resp))
	if err != nil || len(vec) == 0 {
		return StorageResult{Stored: false, ImportanceScore: score, Reason: "embedding_empty"}, nil
	}

	id := uuid.NewString()
	payload := map[string]any{
		"user_id":          user,
		"conversation_id":  conv,
		"content":          msg,
		"importance_score": score,
		"intent":           intent,
		"sources":          sources,
		"created_at":       time.Now().UTC().Format(time.RFC3339),
		"memory_type":      "semantic",
	}
	if err := s.vectors.Upsert(ctx, collectionName, id, vec, payload); err != nil {
		return StorageResult{Stored: false, ImportanceScore: score, Reason: "vector_unavailable"}, nil
	}

	if s.profiles != nil {
		_, _ = s.profiles.Extract(ctx, user, msg)
	}

	return StorageResult{Stored: true, MemoryID: id, ImportanceScore: score, Reason: "stored"}, nil
}

// Memory is one recalled semantic memory entry.
type Memory struct {
	ID              string
	Content         string
	ImportanceScore float64
	Intent          string
	Similarity      float64
	CreatedAt       time.Time
	AccessCount     int
}

const minSearchScore = 0.7

// SearchRelevant implements spec.md section 4.8's search_relevant.
func (s *Store) SearchRelevant(ctx context.Context, user, query string, limit int, minImportance float64, timeRange *TimeRange) ([]Memory, error) {
	if limit <= 0 {
		limit = 5
	}
	vec, err := s.embed.EmbedText(ctx, query)
	if err != nil || len(vec) == 0 {
		return nil, nil
	}

	primary, err := s.vectors.Search(ctx, collectionName, vec, 2*limit, map[string]string{"user_id": user}, minSearchScore)
	if err != nil {
		return nil, nil
	}

	intentHits, _ := s.vectors.Search(ctx, collectionName, vec, maxInt(limit/2, 1), map[string]string{"user_id": user}, 0)

	merged := mergeByContent(primary, intentHits)

	now := time.Now()
	out := make([]Memory, 0, len(merged))
	for _, r := range merged {
		m := toMemory(r)
		if m.ImportanceScore < minImportance {
			continue
		}
		if timeRange != nil && !timeRange.Contains(m.CreatedAt) {
			continue
		}
		out = append(out, m)
	}

	sort.Slice(out, func(i, j int) bool {
		return compositeScore(out[i], now) > compositeScore(out[j], now)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// TimeRange bounds a recall query by wall-clock time.
type TimeRange struct {
	From, To time.Time
}

// Contains reports whether t falls within the range (zero bounds are open).
func (r TimeRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && t.After(r.To) {
		return false
	}
	return true
}

func mergeByContent(a, b []vectorstore.Result) []vectorstore.Result {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]vectorstore.Result, 0, len(a)+len(b))
	for _, r := range append(append([]vectorstore.Result{}, a...), b...) {
		content, _ := r.Payload["content"].(string)
		key := content
		if key == "" {
			key = r.ID
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, r)
	}
	return out
}

func toMemory(r vectorstore.Result) Memory {
	content, _ := r.Payload["content"].(string)
	intent, _ := r.Payload["intent"].(string)
	importanceScore := asFloat(r.Payload["importance_score"])
	createdAt := asTime(r.Payload["created_at"])
	accessCount := int(asFloat(r.Payload["access_count"]))
	return Memory{
		ID:              r.ID,
		Content:         content,
		ImportanceScore: importanceScore,
		Intent:          intent,
		Similarity:      r.Score,
		CreatedAt:       createdAt,
		AccessCount:     accessCount,
	}
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case string:
		f, _ := strconv.ParseFloat(n, 64)
		return f
	default:
		return 0
	}
}

func asTime(v any) time.Time {
	s, ok := v.(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// compositeScore implements spec.md section 4.8 step 5's ranking formula.
func compositeScore(m Memory, now time.Time) float64 {
	recency := 0.0
	if !m.CreatedAt.IsZero() {
		ageDays := now.Sub(m.CreatedAt).Hours() / 24
		recency = 1 - ageDays/365
		if recency < 0 {
			recency = 0
		}
	}
	bonus := 0.01 * float64(m.AccessCount)
	if bonus > 0.1 {
		bonus = 0.1
	}
	return 0.3*m.Similarity + 0.4*m.ImportanceScore + 0.3*recency + bonus
}

// FormatLine renders a memory as the "[重要性: 0.72] <first 100 chars>…"
// line the façade embeds into full_context (spec.md section 4.9).
func FormatLine(m Memory) string {
	content := m.Content
	runes := []rune(content)
	if len(runes) > 100 {
		content = string(runes[:100]) + "…"
	}
	return fmt.Sprintf("[重要性: %.2f] %s", m.ImportanceScore, content)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Package shortterm implements C7, the per-conversation working set: a
// Redis-backed turn log plus its three layered summaries. Read-side
// fallback to a persistent store and write-back into Redis follows the
// "Redis-first with lazy hydration" resolution of spec.md's Open Question
// on store precedence (section 9).
package shortterm

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"memoryd/internal/compression"
	"memoryd/internal/kvstore"
	"memoryd/internal/memtypes"
	"memoryd/internal/summarizer"
)

const (
	maxTurnListLen = 100
	keepTurns      = 10
)

// PersistentStore is the external, out-of-scope relational conversation
// store (spec.md section 1's "Conversation/message CRUD persistence").
// Short-term memory hydrates from it when the working set is empty, and
// compression jobs treat it as the authoritative source.
type PersistentStore interface {
	RecentTurns(ctx context.Context, userID, convID string, limit int) ([]memtypes.Turn, error)
}

// CompressionQueue is the narrow surface of C8 that C7 needs.
type CompressionQueue interface {
	Enqueue(ctx context.Context, user, conv string, priority compression.Priority) *compression.Job
}

// Config tunes C7's triggers (spec.md section 6).
type Config struct {
	MaxTokens      int
	WarningTokens  int
	ConversationTTL time.Duration
	SummaryTTL     time.Duration
}

// Store is the C7 short-term memory component.
type Store struct {
	kv         kvstore.Store
	persistent PersistentStore
	queue      CompressionQueue
	cfg        Config
}

// New builds a Store.
func New(kv kvstore.Store, persistent PersistentStore, queue CompressionQueue, cfg Config) *Store {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 3000
	}
	if cfg.WarningTokens <= 0 {
		cfg.WarningTokens = 2500
	}
	if cfg.ConversationTTL <= 0 {
		cfg.ConversationTTL = 7 * 24 * time.Hour
	}
	if cfg.SummaryTTL <= 0 {
		cfg.SummaryTTL = 30 * 24 * time.Hour
	}
	return &Store{kv: kv, persistent: persistent, queue: queue, cfg: cfg}
}

func turnListKey(user, conv string) string { return fmt.Sprintf("conversation:%s:%s", user, conv) }

func summaryKey(user, conv string, level summarizer.Level) string {
	return fmt.Sprintf("conversation_summary:%s:%s:%s", user, conv, level)
}

// EstimateTokens implements spec.md section 4.5.1's structural estimator:
// 1.5 per CJK codepoint, plus one per whitespace-separated alphabetic token.
func EstimateTokens(text string) int {
	cjk := 0
	for _, r := range text {
		if unicode.Is(unicode.Han, r) {
			cjk++
		}
	}
	words := 0
	for _, tok := range strings.Fields(text) {
		if hasAlpha(tok) {
			words++
		}
	}
	return int(1.5*float64(cjk)) + words
}

func hasAlpha(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) && !unicode.Is(unicode.Han, r) {
			return true
		}
	}
	return false
}

func estimateTurnsTokens(turns []memtypes.Turn) int {
	total := 0
	for _, t := range turns {
		total += EstimateTokens(t.UserMessage) + EstimateTokens(t.AIResponse)
	}
	return total
}

// Context is the result of GetRecentContext.
type Context struct {
	ContextText string
	Source      string // redis | database->redis | redis_compressed | empty
	RecentTurns int
	Compressed  bool
	Turns       []memtypes.Turn
}

// GetRecentContext implements the C7 read surface (spec.md section 4.5).
func (s *Store) GetRecentContext(ctx context.Context, user, conv string, limit int) (Context, error) {
	if limit <= 0 {
		limit = 10
	}
	key := turnListKey(user, conv)

	raw, err := s.kv.LRange(ctx, key, 0, int64(limit-1))
	if err != nil {
		return Context{Source: "empty"}, err
	}

	turns := decodeTurns(raw)
	reverseTurns(turns) // LRANGE returns newest-first; chronological order is oldest-first.

	source := "redis"
	if len(turns) == 0 {
		hydrated, hydrateErr := s.hydrate(ctx, user, conv, key, limit)
		if hydrateErr != nil || len(hydrated) == 0 {
			return Context{Source: "empty"}, nil
		}
		turns = hydrated
		source = "database->redis"
	}

	l1 := s.readSummary(ctx, user, conv, summarizer.L1)
	l2 := s.readSummary(ctx, user, conv, summarizer.L2)
	l3 := s.readSummary(ctx, user, conv, summarizer.L3)
	compressed := l1 != "" || l2 != "" || l3 != ""
	if compressed && source == "redis" {
		source = "redis_compressed"
	}

	text := composeContext(l3, l2, l1, turns)

	return Context{
		ContextText: text,
		Source:      source,
		RecentTurns: len(turns),
		Compressed:  compressed,
		Turns:       turns,
	}, nil
}

// hydrate falls back to the persistent store, formats its turns, and writes
// them back into Redis for next time.
func (s *Store) hydrate(ctx context.Context, user, conv, key string, limit int) ([]memtypes.Turn, error) {
	if s.persistent == nil {
		return nil, nil
	}
	turns, err := s.persistent.RecentTurns(ctx, user, conv, limit)
	if err != nil || len(turns) == 0 {
		return nil, err
	}
	for i := 0; i < len(turns); i++ {
		entry, marshalErr := json.Marshal(turns[i])
		if marshalErr != nil {
			continue
		}
		_ = s.kv.LPush(ctx, key, string(entry))
	}
	_ = s.kv.LTrim(ctx, key, 0, maxTurnListLen-1)
	_ = s.kv.Expire(ctx, key, s.cfg.ConversationTTL)
	return turns, nil
}

func (s *Store) readSummary(ctx context.Context, user, conv string, level summarizer.Level) string {
	val, ok, err := s.kv.Get(ctx, summaryKey(user, conv, level))
	if err != nil || !ok {
		return ""
	}
	return val
}

// composeContext builds the context string per spec.md section 4.5, step 3,
// deduplicating turns by (message, response) while preserving first
// occurrence order (section 4.5.2).
func composeContext(l3, l2, l1 string, turns []memtypes.Turn) string {
	var b strings.Builder
	if l3 != "" {
		fmt.Fprintf(&b, "[L3摘要] %s\n", l3)
	}
	if l2 != "" {
		fmt.Fprintf(&b, "[L2摘要] %s\n", l2)
	}
	if l1 != "" {
		fmt.Fprintf(&b, "[L1摘要] %s\n", l1)
	}
	if b.Len() > 0 {
		b.WriteString("\n")
	}
	b.WriteString("最近对话:\n")
	for _, t := range dedupTurns(turns) {
		fmt.Fprintf(&b, "用户: %s\n助手: %s\n", t.UserMessage, t.AIResponse)
	}
	return b.String()
}

func dedupTurns(turns []memtypes.Turn) []memtypes.Turn {
	seen := make(map[string]bool, len(turns))
	out := make([]memtypes.Turn, 0, len(turns))
	for _, t := range turns {
		k := t.UserMessage + "\x00" + t.AIResponse
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, t)
	}
	return out
}

func decodeTurns(raw []string) []memtypes.Turn {
	turns := make([]memtypes.Turn, 0, len(raw))
	for _, r := range raw {
		var t memtypes.Turn
		if err := json.Unmarshal([]byte(r), &t); err != nil {
			continue
		}
		turns = append(turns, t)
	}
	return turns
}

func reverseTurns(turns []memtypes.Turn) {
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
}

// SmartStore implements the C7 write surface (spec.md section 4.5):
// append the turn, then evaluate the token budget and enqueue compression
// if needed. It always returns success for the write itself; compression
// is asynchronous and best-effort.
func (s *Store) SmartStore(ctx context.Context, user, conv string, userMsg, aiResp string, meta map[string]string) error {
	key := turnListKey(user, conv)
	turn := memtypes.Turn{UserMessage: userMsg, AIResponse: aiResp, Timestamp: time.Now(), Metadata: meta}

	entry, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("marshal turn: %w", err)
	}
	if err := s.kv.LPush(ctx, key, string(entry)); err != nil {
		return err
	}
	_ = s.kv.LTrim(ctx, key, 0, maxTurnListLen-1)
	_ = s.kv.Expire(ctx, key, s.cfg.ConversationTTL)

	raw, err := s.kv.LRange(ctx, key, 0, maxTurnListLen-1)
	if err != nil {
		return nil
	}
	turns := decodeTurns(raw)
	estimate := estimateTurnsTokens(turns)

	if s.queue == nil {
		return nil
	}
	switch {
	case estimate >= s.cfg.MaxTokens:
		s.queue.Enqueue(ctx, user, conv, compression.High)
	case estimate >= s.cfg.WarningTokens:
		s.queue.Enqueue(ctx, user, conv, compression.Normal)
	}
	return nil
}

// LoadTurns implements compression.ConversationRepo: it prefers the
// persistent store when one is wired and returns turns, and otherwise reads
// the Redis turn list.
func (s *Store) LoadTurns(ctx context.Context, user, conv string) ([]memtypes.Turn, error) {
	if s.persistent != nil {
		turns, err := s.persistent.RecentTurns(ctx, user, conv, maxTurnListLen)
		if err == nil && len(turns) > 0 {
			return turns, nil
		}
	}
	raw, err := s.kv.LRange(ctx, turnListKey(user, conv), 0, maxTurnListLen-1)
	if err != nil {
		return nil, err
	}
	turns := decodeTurns(raw)
	reverseTurns(turns)
	return turns, nil
}

// SaveSummary implements compression.ConversationRepo.
func (s *Store) SaveSummary(ctx context.Context, user, conv string, level summarizer.Level, text string) error {
	return s.kv.SetEX(ctx, summaryKey(user, conv, level), text, s.cfg.SummaryTTL)
}

// TrimTurns implements compression.ConversationRepo: rewrites the working
// list to contain exactly the keep set, newest-first (LPUSH order).
func (s *Store) TrimTurns(ctx context.Context, user, conv string, keep []memtypes.Turn) error {
	key := turnListKey(user, conv)
	if err := s.kv.Del(ctx, key); err != nil {
		return err
	}
	ordered := append([]memtypes.Turn(nil), keep...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Timestamp.Before(ordered[j].Timestamp) })
	for i := 0; i < len(ordered); i++ {
		entry, err := json.Marshal(ordered[i])
		if err != nil {
			continue
		}
		if err := s.kv.LPush(ctx, key, string(entry)); err != nil {
			return err
		}
	}
	return s.kv.Expire(ctx, key, s.cfg.ConversationTTL)
}

// Command memoryd wires every memoryd component into a runnable process:
// explicit constructor-based dependency injection (spec.md section 9's
// "DI via constructor graph" design note), no singletons, no service
// locator. HTTP routing beyond a minimal SSE demo endpoint is out of scope
// (spec.md section 1); this binary exists to prove the wiring compiles and
// the pieces talk to each other, not to be a production gateway.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"memoryd/internal/chatpipeline"
	"memoryd/internal/compression"
	"memoryd/internal/config"
	"memoryd/internal/embedclient"
	"memoryd/internal/importance"
	"memoryd/internal/intent"
	"memoryd/internal/kvstore"
	"memoryd/internal/llmclient"
	"memoryd/internal/longterm"
	"memoryd/internal/memoryfacade"
	"memoryd/internal/memtypes"
	"memoryd/internal/observability"
	"memoryd/internal/profile"
	"memoryd/internal/shortterm"
	"memoryd/internal/summarizer"
	"memoryd/internal/urlfetch"
	"memoryd/internal/vectorstore"
)

func main() {
	observability.InitLogger(os.Getenv("LOG_PATH"), getenv("LOG_LEVEL", "info"))

	cfg := config.Load()

	kv := kvstore.New(cfg.Redis)
	vectors, err := vectorstore.New(cfg.Qdrant.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("memoryd: failed to construct vector store client")
	}
	embedder := embedclient.New(cfg.Embedding)
	llm := llmclient.New(cfg.LLM)

	// Startup health checks run concurrently but fail fast as a group: an
	// unreachable dependency here means the process should not start,
	// unlike the façade's tolerant per-tier fan-out at request time.
	if err := checkDependencies(context.Background(), kv, vectors, embedder); err != nil {
		log.Fatal().Err(err).Msg("memoryd: startup dependency check failed")
	}

	compressionGen := summarizer.New(llm)
	repoHandle := &lazyConversationRepo{}
	compressionPool := compression.New(repoHandle, compressionGen, cfg.Memory.CompressionQueueSize, cfg.Memory.CompressionMaxConcurrent)

	shortTermStore := shortterm.New(kv, nil, compressionPool, shortterm.Config{
		MaxTokens:       cfg.Memory.MemoryMaxTokens,
		WarningTokens:   cfg.Memory.MemoryWarningTokens,
		ConversationTTL: cfg.Memory.ConversationTTL,
		SummaryTTL:      cfg.Memory.SummaryTTL,
	})
	repoHandle.store = shortTermStore

	profileService := profile.New(kv, llm, cfg.Memory.ConversationTTL)

	if err := vectors.EnsureCollection(context.Background(), cfg.Qdrant.Collection, cfg.Qdrant.Dimensions, cfg.Qdrant.Metric); err != nil {
		log.Warn().Err(err).Msg("memoryd: ensure collection failed, long-term writes fail until the collection exists")
	}
	longTermStore := longterm.New(vectors, embedder, profileService, longterm.Config{
		MinImportanceScore: cfg.Memory.LTMMinImportanceScore,
		Dimensions:         cfg.Qdrant.Dimensions,
		Metric:             cfg.Qdrant.Metric,
	})

	facade := buildFacade(shortTermStore, longTermStore, profileService, cfg)

	classifier := intent.New(urlfetch.New(), nil, llm)

	orchestrator := chatpipeline.New(
		facade, facade,
		classifier,
		&turnsAdapter{store: shortTermStore},
		llm,
		&kvMessageStore{kv: kv},
		nil,
		chatpipeline.Config{
			Persona:        getenv("PERSONA_PROMPT", "你是一个乐于助人的智能助手。"),
			Specialization: getenv("SPECIALIZATION_PROMPT", ""),
			ContextLimit:   10,
		},
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/chat", chatHandler(orchestrator))

	addr := getenv("HTTP_ADDR", ":8089")
	log.Info().Str("addr", addr).Msg("memoryd: listening")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatal().Err(err).Msg("memoryd: http server exited")
	}
}

func buildFacade(s *shortterm.Store, l *longterm.Store, p *profile.Service, cfg config.Config) *memoryfacade.Facade {
	return memoryfacade.New(s, l, p, cfg.Memory.ShortTermEnabled, cfg.Memory.LongTermEnabled)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// checkDependencies pings every upstream concurrently and fails on the
// first error, grounded on the teacher's internal/tools/web fetch helper's
// use of golang.org/x/sync/errgroup for fan-out-with-fail-fast semantics
// (the inverse of the façade's tolerant fan-out at request time).
func checkDependencies(ctx context.Context, kv *kvstore.RedisStore, vectors *vectorstore.QdrantStore, embedder *embedclient.Client) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return kv.Ping(gctx) })
	g.Go(func() error { return vectors.Health(gctx) })
	g.Go(func() error { return embedder.CheckReachability(gctx) })
	return g.Wait()
}

// lazyConversationRepo breaks the shortterm<->compression constructor
// cycle: compression.New needs a ConversationRepo before shortterm.New has
// produced one, so the pool is built against this forwarding handle and the
// real store is patched in once constructed.
type lazyConversationRepo struct {
	store *shortterm.Store
}

func (r *lazyConversationRepo) LoadTurns(ctx context.Context, user, conv string) ([]memtypes.Turn, error) {
	return r.store.LoadTurns(ctx, user, conv)
}

func (r *lazyConversationRepo) SaveSummary(ctx context.Context, user, conv string, level summarizer.Level, summary string) error {
	return r.store.SaveSummary(ctx, user, conv, level, summary)
}

func (r *lazyConversationRepo) TrimTurns(ctx context.Context, user, conv string, keep []memtypes.Turn) error {
	return r.store.TrimTurns(ctx, user, conv, keep)
}

// turnsAdapter exposes C7's recent-turn window under the narrow shape
// chatpipeline's classifier-context step needs.
type turnsAdapter struct {
	store *shortterm.Store
}

func (a *turnsAdapter) RecentTurns(ctx context.Context, user, conv string, limit int) ([]memtypes.Turn, error) {
	result, err := a.store.GetRecentContext(ctx, user, conv, limit)
	if err != nil {
		return nil, err
	}
	return result.Turns, nil
}

// kvMessageStore is a minimal MessageStore: it durably records each message
// in the Redis-protocol store memoryd already has wired, standing in for
// the relational conversation store spec.md section 1 places out of scope.
type kvMessageStore struct {
	kv kvstore.Store
}

func (m *kvMessageStore) SaveMessage(ctx context.Context, user, conv, role, content string) (string, error) {
	id := fmt.Sprintf("%s:%s:%d", user, conv, time.Now().UnixNano())
	key := fmt.Sprintf("message:%s", id)
	payload, err := json.Marshal(map[string]string{"role": role, "content": content, "user": user, "conv": conv})
	if err != nil {
		return "", err
	}
	if err := m.kv.SetEX(ctx, key, string(payload), 30*24*time.Hour); err != nil {
		return "", err
	}
	return id, nil
}

// sseEventSink writes chatpipeline.Event frames as Server-Sent Events,
// mirroring the teacher's agentStreamTracer in internal/agentd/handlers_chat.go.
type sseEventSink struct {
	w  http.ResponseWriter
	fl http.Flusher
}

func (s *sseEventSink) Emit(ctx context.Context, ev chatpipeline.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", b); err != nil {
		return err
	}
	s.fl.Flush()
	return nil
}

type chatRequest struct {
	User        string              `json:"user"`
	Conv        string              `json:"conversation_id"`
	Message     string              `json:"message"`
	Attachments []intent.Attachment `json:"attachments"`
}

func chatHandler(o *chatpipeline.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		sink := &sseEventSink{w: w, fl: flusher}
		o.Handle(r.Context(), req.User, req.Conv, req.Message, req.Attachments, sink)
	}
}

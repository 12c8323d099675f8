package chatpipeline_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"memoryd/internal/chatpipeline"
	"memoryd/internal/importance"
	"memoryd/internal/intent"
	"memoryd/internal/kvstore"
	"memoryd/internal/llmclient"
	"memoryd/internal/longterm"
	"memoryd/internal/memoryfacade"
	"memoryd/internal/memtypes"
	"memoryd/internal/profile"
	"memoryd/internal/shortterm"
	"memoryd/internal/urlfetch"
	"memoryd/internal/vectorstore"
)

// keywordEmbedder is a deterministic stand-in Embedder: it buckets each text
// onto one of a few fixed axes by keyword so unrelated texts are orthogonal
// and related texts cluster, without needing a real embedding upstream.
type keywordEmbedder struct{}

// embedAxes maps each semantic bucket to the substrings that activate it;
// "推荐饮品" (recommend a drink) is grouped with "咖啡" (coffee) the way a
// real embedding model would place them near each other in vector space.
var embedAxes = [][]string{
	{"咖啡", "饮品", "推荐"},
	{"天气"},
	{"北京"},
	{"张三"},
}

func (keywordEmbedder) EmbedText(ctx context.Context, input string) ([]float32, error) {
	vec := make([]float32, len(embedAxes)+1)
	for i, triggers := range embedAxes {
		for _, t := range triggers {
			if strings.Contains(input, t) {
				vec[i] = 1
				break
			}
		}
	}
	vec[len(embedAxes)] = 0.1 // keeps an all-zero bucket non-degenerate
	return vec, nil
}

// scriptedCompleter answers Generate calls from a fixed response queue,
// standing in for the LLM across arbitration, summarization and profile
// extraction calls in these end-to-end wiring tests.
type scriptedCompleter struct {
	responses []string
	i         int
}

func (s *scriptedCompleter) Generate(ctx context.Context, messages []llmclient.Message, params llmclient.Params) (string, error) {
	if s.i >= len(s.responses) {
		return "", nil
	}
	r := s.responses[s.i]
	s.i++
	return r, nil
}

type scriptedStreamer struct {
	*scriptedCompleter
	chunks []string
}

func (s *scriptedStreamer) Stream(ctx context.Context, messages []llmclient.Message, params llmclient.Params, handler llmclient.StreamHandler) error {
	for _, c := range s.chunks {
		if err := handler(c); err != nil {
			return err
		}
	}
	return nil
}

type stubMessageStore struct{ saved []string }

func (m *stubMessageStore) SaveMessage(ctx context.Context, user, conv, role, content string) (string, error) {
	m.saved = append(m.saved, role+":"+content)
	return role + "-id", nil
}

type turnsFromShortterm struct{ store *shortterm.Store }

func (t turnsFromShortterm) RecentTurns(ctx context.Context, user, conv string, limit int) ([]memtypes.Turn, error) {
	res, err := t.store.GetRecentContext(ctx, user, conv, limit)
	if err != nil {
		return nil, err
	}
	return res.Turns, nil
}

type eventRecorder struct{ events []chatpipeline.Event }

func (r *eventRecorder) Emit(ctx context.Context, ev chatpipeline.Event) error {
	r.events = append(r.events, ev)
	return nil
}

func (r *eventRecorder) kinds() []string {
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

// newStack wires C7/C9/C10/C11 against in-memory kv/vector test doubles, the
// same shape cmd/memoryd's constructor graph wires in production.
func newStack(t *testing.T, llm *scriptedCompleter) (*shortterm.Store, *longterm.Store, *memoryfacade.Facade) {
	t.Helper()
	kv := kvstore.NewMem()
	vectors := vectorstore.NewMem()
	require.NoError(t, vectors.EnsureCollection(t.Context(), "semantic_memory", 5, "cosine"))

	profiles := profile.New(kv, llm, 0)
	longTerm := longterm.New(vectors, keywordEmbedder{}, profiles, longterm.Config{MinImportanceScore: 0.6, Dimensions: 5})
	shortTerm := shortterm.New(kv, nil, nil, shortterm.Config{})
	facade := memoryfacade.New(shortTerm, longTerm, profiles, true, true)
	return shortTerm, longTerm, facade
}

// Scenario 1 (spec.md section 8): baseline normal chat with empty memory
// produces exactly one content stream, message_created, then end, and never
// reaches C10 (the score stays below the storage threshold).
func TestScenarioBaselineNormalChat(t *testing.T) {
	llm := &scriptedCompleter{responses: []string{`{"intent":"normal","reasoning":"greeting","confidence":0.9}`}}
	shortTerm, longTerm, facade := newStack(t, llm)

	classifier := intent.New(nil, nil, llm)
	msgStore := &stubMessageStore{}
	o := chatpipeline.New(facade, facade, classifier, turnsFromShortterm{shortTerm}, &scriptedStreamer{scriptedCompleter: llm, chunks: []string{"你好呀"}}, msgStore, nil, chatpipeline.Config{})

	rec := &eventRecorder{}
	o.Handle(t.Context(), "u1", "c1", "你好", nil, rec)

	kinds := rec.kinds()
	require.Equal(t, []string{"content", "message_created", "end"}, kinds)
	require.Len(t, msgStore.saved, 2)

	_, err := shortTerm.GetRecentContext(t.Context(), "u1", "c1", 10)
	require.NoError(t, err)

	res, err := longTerm.SearchRelevant(t.Context(), "u1", "你好", 5, 0, nil)
	require.NoError(t, err)
	require.Empty(t, res, "low-importance baseline turn must not reach long-term storage")
}

// Scenario 4: an inline URL that the page fetcher reports as anti-scrape
// produces an explanatory intent=web message, never raw HTML, and no
// sources are attached.
func TestScenarioURLIntentAntiScrape(t *testing.T) {
	llm := &scriptedCompleter{}
	shortTerm, _, facade := newStack(t, llm)

	classifier := intent.New(antiScrapeFetcher{}, nil, llm)
	msgStore := &stubMessageStore{}
	o := chatpipeline.New(facade, facade, classifier, turnsFromShortterm{shortTerm}, &scriptedStreamer{scriptedCompleter: llm, chunks: []string{"这个网页启用了反爬虫保护，我无法获取其内容。"}}, msgStore, nil, chatpipeline.Config{})

	rec := &eventRecorder{}
	o.Handle(t.Context(), "u1", "c1", "分析 https://example-antibot.test 的内容", nil, rec)

	for _, e := range rec.events {
		require.NotContains(t, e.Content, "<html", "no raw HTML may reach the client")
	}
	require.Equal(t, "message_created", rec.events[len(rec.events)-2].Type)
	require.Empty(t, rec.events[len(rec.events)-2].Sources)
}

type antiScrapeFetcher struct{}

func (antiScrapeFetcher) Fetch(ctx context.Context, url string) (string, error) {
	return "", urlfetch.ErrAntiScrape
}

// Scenario 6: a historical high-importance turn about coffee preference is
// recalled for the same user but not for a different user.
func TestScenarioLongTermRecallIsUserScoped(t *testing.T) {
	llm := &scriptedCompleter{}
	_, _, facade := newStack(t, llm)

	// Built to clear the 0.6 storage threshold on every importance
	// component: search intent, repeated high-value keywords, a personal
	// claim token and a multi-turn context signal.
	userMsg := "我喜欢喝咖啡。" + strings.Repeat("这对我来说非常重要，是我生活中的重要决定，也是关键的重要习惯。", 3)
	aiResp := "好的，记下了你的这个重要偏好。"
	scoreInput := importance.Input{UserMessage: userMsg, AIResponse: aiResp, Intent: "search", TurnCount: 6}

	res := facade.ProcessConversation(t.Context(), "owner", "c1", userMsg, aiResp, "search", nil, scoreInput)
	require.True(t, res.LongTerm.OK)

	ownerCtx := facade.GetConversationContext(t.Context(), "owner", "c2", "推荐饮品", 10)
	require.Contains(t, ownerCtx.FullContext, "咖啡")

	otherCtx := facade.GetConversationContext(t.Context(), "someone-else", "c2", "推荐饮品", 10)
	require.NotContains(t, otherCtx.FullContext, "咖啡")
}

package chatpipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"memoryd/internal/importance"
	"memoryd/internal/intent"
	"memoryd/internal/llmclient"
	"memoryd/internal/memoryfacade"
	"memoryd/internal/memtypes"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Emit(ctx context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) kinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, e := range s.events {
		out[i] = e.Type
	}
	return out
}

type fakeMemoryReader struct{ context string }

func (f fakeMemoryReader) GetConversationContext(ctx context.Context, user, conv, currentMessage string, limit int) memoryfacade.ContextResult {
	return memoryfacade.ContextResult{FullContext: f.context}
}

type fakeMemoryWriter struct {
	mu      sync.Mutex
	called  bool
	scoreIn importance.Input
}

func (f *fakeMemoryWriter) ProcessConversation(ctx context.Context, user, conv, msg, resp, intentName string, sources []string, scoreInput importance.Input) memoryfacade.ProcessResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.called = true
	f.scoreIn = scoreInput
	return memoryfacade.ProcessResult{Success: true}
}

func (f *fakeMemoryWriter) wasCalled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.called
}

type fakeClassifier struct{ result intent.Result }

func (f fakeClassifier) Classify(ctx context.Context, message string, attachments []intent.Attachment, user string, recentTurns []memtypes.Turn) intent.Result {
	return f.result
}

type fakeTurnsReader struct{ turns []memtypes.Turn }

func (f fakeTurnsReader) RecentTurns(ctx context.Context, user, conv string, limit int) ([]memtypes.Turn, error) {
	return f.turns, nil
}

type fakeStreamer struct {
	chunks   []string
	streamErr error
	generateResponse string
	generateErr error
}

func (f fakeStreamer) Generate(ctx context.Context, messages []llmclient.Message, params llmclient.Params) (string, error) {
	return f.generateResponse, f.generateErr
}

func (f fakeStreamer) Stream(ctx context.Context, messages []llmclient.Message, params llmclient.Params, handler llmclient.StreamHandler) error {
	for _, c := range f.chunks {
		if err := handler(c); err != nil {
			return err
		}
	}
	return f.streamErr
}

type fakeMessageStore struct {
	mu    sync.Mutex
	saved []string
}

func (f *fakeMessageStore) SaveMessage(ctx context.Context, user, conv, role, content string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, role+":"+content)
	return "msg-" + role, nil
}

type fakeSandbox struct {
	result SandboxResult
	err    error
}

func (f fakeSandbox) Execute(ctx context.Context, code string) (SandboxResult, error) {
	return f.result, f.err
}

func TestHandleNormalIntentStreamsContentAndEnds(t *testing.T) {
	sink := &recordingSink{}
	msgStore := &fakeMessageStore{}
	writer := &fakeMemoryWriter{}

	o := New(
		fakeMemoryReader{context: "最近对话:\n用户: 你好\n助手: 你好呀"},
		writer,
		fakeClassifier{result: intent.Result{Intent: "normal", Content: "今天天气怎么样"}},
		fakeTurnsReader{},
		fakeStreamer{chunks: []string{"今天", "天气晴朗"}},
		msgStore,
		nil,
		Config{Persona: "你是一个助手"},
	)

	o.Handle(t.Context(), "u1", "c1", "今天天气怎么样", nil, sink)

	kinds := sink.kinds()
	require.Contains(t, kinds, "content")
	require.Contains(t, kinds, "message_created")
	require.Equal(t, "end", kinds[len(kinds)-1])
	require.Len(t, msgStore.saved, 2)
}

func TestHandleCodeIntentTwoPhase(t *testing.T) {
	sink := &recordingSink{}
	msgStore := &fakeMessageStore{}

	streamer := &phaseAwareStreamer{
		generateResponse: "```python\nimport matplotlib.pyplot as plt\nplt.plot([1,2,3])\n```",
		finalChunks:      []string{"这是", "生成的图表"},
	}

	o := New(
		fakeMemoryReader{},
		&fakeMemoryWriter{},
		fakeClassifier{result: intent.Result{Intent: "code", Content: "画一个折线图"}},
		fakeTurnsReader{},
		streamer,
		msgStore,
		fakeSandbox{result: SandboxResult{Output: "图表已生成", Images: []string{"plot.png"}}},
		Config{},
	)

	o.Handle(t.Context(), "u1", "c1", "画一个折线图", nil, sink)

	kinds := sink.kinds()
	require.Contains(t, kinds, "content")
	require.Contains(t, kinds, "image")
	require.Equal(t, "end", kinds[len(kinds)-1])
	require.Len(t, msgStore.saved, 2)
	require.Contains(t, msgStore.saved[1], "plot.png")
}

// phaseAwareStreamer returns generateResponse for Generate (phase 1 code
// generation) and streams finalChunks for Stream (phase 2 final answer).
type phaseAwareStreamer struct {
	generateResponse string
	finalChunks      []string
}

func (s *phaseAwareStreamer) Generate(ctx context.Context, messages []llmclient.Message, params llmclient.Params) (string, error) {
	return s.generateResponse, nil
}

func (s *phaseAwareStreamer) Stream(ctx context.Context, messages []llmclient.Message, params llmclient.Params, handler llmclient.StreamHandler) error {
	for _, c := range s.finalChunks {
		if err := handler(c); err != nil {
			return err
		}
	}
	return nil
}

func TestHandleCodeIntentNoCodeBlockEmitsError(t *testing.T) {
	sink := &recordingSink{}
	o := New(
		fakeMemoryReader{},
		&fakeMemoryWriter{},
		fakeClassifier{result: intent.Result{Intent: "code", Content: "画个图"}},
		fakeTurnsReader{},
		fakeStreamer{generateResponse: "抱歉，我不会写代码"},
		&fakeMessageStore{},
		fakeSandbox{},
		Config{},
	)

	o.Handle(t.Context(), "u1", "c1", "画个图", nil, sink)

	kinds := sink.kinds()
	require.Equal(t, []string{"error"}, kinds)
}

func TestHandleStreamErrorEmitsErrorEventNoPersist(t *testing.T) {
	sink := &recordingSink{}
	msgStore := &fakeMessageStore{}
	o := New(
		fakeMemoryReader{},
		&fakeMemoryWriter{},
		fakeClassifier{result: intent.Result{Intent: "normal", Content: "x"}},
		fakeTurnsReader{},
		fakeStreamer{streamErr: fmt.Errorf("upstream unavailable")},
		msgStore,
		nil,
		Config{},
	)

	o.Handle(t.Context(), "u1", "c1", "x", nil, sink)

	kinds := sink.kinds()
	require.Equal(t, []string{"error"}, kinds)
	require.Empty(t, msgStore.saved)
}

func TestExtractCodePrefersFence(t *testing.T) {
	code := extractCode("这是代码：\n```python\nprint(1)\n```\n完成")
	require.Equal(t, "print(1)", code)
}

func TestExtractCodeHeuristicFallback(t *testing.T) {
	code := extractCode("好的\nimport os\nprint(os.getcwd())")
	require.Contains(t, code, "import os")
}

func TestExtractCodeEmptyWhenNoCode(t *testing.T) {
	require.Empty(t, extractCode("这里没有代码"))
}

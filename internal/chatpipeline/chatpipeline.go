// Package chatpipeline is C13, the chat orchestrator. It assembles the
// system prompt from persona, specialization and composed memory context,
// streams the model's answer as SSE events, persists the turn, and kicks
// off the background memory update — mirroring the shape of the teacher's
// internal/agentd request handlers (classify, stream via a tracer, persist,
// return) but with memoryd's own three-tier context and no tool-calling
// protocol.
package chatpipeline

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"memoryd/internal/importance"
	"memoryd/internal/intent"
	"memoryd/internal/llmclient"
	"memoryd/internal/memoryfacade"
	"memoryd/internal/memtypes"
)

// Event is one SSE frame emitted to the client (spec.md section 4.11's
// event table). Only the fields relevant to Type are populated.
type Event struct {
	Type string `json:"type"` // content | image | message_created | message_creation_error | end | error

	Content string `json:"content,omitempty"` // content and error events

	URL      string `json:"url,omitempty"` // image event
	Filename string `json:"filename,omitempty"`

	UserMessageID string   `json:"user_message_id,omitempty"` // message_created event
	AIMessageID   string   `json:"ai_message_id,omitempty"`
	Intent        string   `json:"intent,omitempty"`
	Sources       []string `json:"sources,omitempty"`

	Error string `json:"error,omitempty"` // message_creation_error event
}

// EventSink receives events in emission order. Returning an error (e.g. the
// client disconnected) stops the in-flight stream; background work such as
// the memory update is never cancelled by a sink error.
type EventSink interface {
	Emit(ctx context.Context, ev Event) error
}

// MemoryReader is the narrow C11 read surface the orchestrator needs.
type MemoryReader interface {
	GetConversationContext(ctx context.Context, user, conv, currentMessage string, limit int) memoryfacade.ContextResult
}

// MemoryWriter is the narrow C11 write surface the orchestrator needs. It is
// always invoked in a goroutine after the response has been streamed, so its
// own completion is never observable within the same request.
type MemoryWriter interface {
	ProcessConversation(ctx context.Context, user, conv, msg, resp, intentName string, sources []string, scoreInput importance.Input) memoryfacade.ProcessResult
}

// IntentClassifier is the narrow C12 surface the orchestrator needs.
type IntentClassifier interface {
	Classify(ctx context.Context, message string, attachments []intent.Attachment, user string, recentTurns []memtypes.Turn) intent.Result
}

// RecentTurnsReader supplies the prior-turn window the classifier uses for
// arbitration context, independent of the façade's composed text block.
type RecentTurnsReader interface {
	RecentTurns(ctx context.Context, user, conv string, limit int) ([]memtypes.Turn, error)
}

// Streamer is the narrow LLM surface the orchestrator needs.
type Streamer interface {
	Generate(ctx context.Context, messages []llmclient.Message, params llmclient.Params) (string, error)
	Stream(ctx context.Context, messages []llmclient.Message, params llmclient.Params, handler llmclient.StreamHandler) error
}

// MessageStore is the external persistence collaborator (out of spec.md
// section 1's scope) that durably records each user/assistant message.
type MessageStore interface {
	SaveMessage(ctx context.Context, user, conv, role, content string) (messageID string, err error)
}

// SandboxResult is one code-execution outcome.
type SandboxResult struct {
	Output string
	Images []string // rendered artifact references (URLs or data URIs)
}

// Sandbox is the external code-execution collaborator for intent=code.
type Sandbox interface {
	Execute(ctx context.Context, code string) (SandboxResult, error)
}

// Config carries the orchestrator's fixed prompt scaffolding.
type Config struct {
	Persona        string
	Specialization string
	ContextLimit   int
}

// Orchestrator is the C13 component.
type Orchestrator struct {
	memory     MemoryReader
	memWriter  MemoryWriter
	classifier IntentClassifier
	turns      RecentTurnsReader
	llm        Streamer
	messages   MessageStore
	sandbox    Sandbox
	cfg        Config
}

// New builds an Orchestrator.
func New(memory MemoryReader, memWriter MemoryWriter, classifier IntentClassifier, turns RecentTurnsReader, llm Streamer, messages MessageStore, sandbox Sandbox, cfg Config) *Orchestrator {
	if cfg.ContextLimit <= 0 {
		cfg.ContextLimit = 10
	}
	return &Orchestrator{
		memory:     memory,
		memWriter:  memWriter,
		classifier: classifier,
		turns:      turns,
		llm:        llm,
		messages:   messages,
		sandbox:    sandbox,
		cfg:        cfg,
	}
}

// Handle runs one chat request end to end: classify -> context -> stream ->
// persist -> enqueue_memory_update -> end (spec.md section 4.12's chat
// request state machine). No error escapes Handle: failures are reported as
// error events on the sink, per spec.md section 7's "no exception escapes
// the orchestrator" rule.
func (o *Orchestrator) Handle(ctx context.Context, user, conv, message string, attachments []intent.Attachment, sink EventSink) {
	recentTurns := o.recentTurns(ctx, user, conv)

	classification := intent.Result{Intent: "normal", Content: message}
	if o.classifier != nil {
		classification = o.classifier.Classify(ctx, message, attachments, user, recentTurns)
	}

	fullContext := o.composedContext(ctx, user, conv, message)

	var (
		aiResponse string
		err        error
	)
	if classification.Intent == "code" {
		aiResponse, err = o.handleCodeIntent(ctx, fullContext, classification, sink)
	} else {
		aiResponse, err = o.handleNormalIntent(ctx, fullContext, classification, sink)
	}
	if err != nil {
		_ = sink.Emit(ctx, Event{Type: "error", Content: err.Error()})
		return
	}

	o.persist(ctx, user, conv, message, aiResponse, classification, sink)
	_ = sink.Emit(ctx, Event{Type: "end"})

	go o.updateMemory(context.Background(), user, conv, message, aiResponse, classification, recentTurns)
}

func (o *Orchestrator) recentTurns(ctx context.Context, user, conv string) []memtypes.Turn {
	if o.turns == nil {
		return nil
	}
	turns, err := o.turns.RecentTurns(ctx, user, conv, 3)
	if err != nil {
		log.Warn().Err(err).Msg("chatpipeline: recent turns lookup failed")
		return nil
	}
	return turns
}

func (o *Orchestrator) composedContext(ctx context.Context, user, conv, message string) string {
	if o.memory == nil {
		return ""
	}
	res := o.memory.GetConversationContext(ctx, user, conv, message, o.cfg.ContextLimit)
	return res.FullContext
}

func (o *Orchestrator) systemPrompt(fullContext string) string {
	parts := make([]string, 0, 3)
	if o.cfg.Persona != "" {
		parts = append(parts, o.cfg.Persona)
	}
	if o.cfg.Specialization != "" {
		parts = append(parts, o.cfg.Specialization)
	}
	if fullContext != "" {
		parts = append(parts, fullContext)
	}
	return strings.Join(parts, "\n\n")
}

func (o *Orchestrator) handleNormalIntent(ctx context.Context, fullContext string, classification intent.Result, sink EventSink) (string, error) {
	messages := []llmclient.Message{
		{Role: "system", Content: o.systemPrompt(fullContext)},
		{Role: "user", Content: classification.Content},
	}

	var b strings.Builder
	err := o.llm.Stream(ctx, messages, llmclient.DefaultParams(), func(chunk string) error {
		b.WriteString(chunk)
		return sink.Emit(ctx, Event{Type: "content", Content: chunk})
	})
	if err != nil {
		return b.String(), err
	}
	return b.String(), nil
}

const codeGenSystemPrompt = "你是一个 Python 编程助手。请只输出一个 ```python 代码块来完成用户的请求，不要输出除代码块以外的任何解释文字。"

var pythonFence = regexp.MustCompile("(?s)```python\\s*\\n(.*?)```")

// handleCodeIntent implements spec.md section 4.11's two-phase code path:
// generate code without streaming it to the client, execute it, then stream
// a final natural-language answer that references the execution output.
func (o *Orchestrator) handleCodeIntent(ctx context.Context, fullContext string, classification intent.Result, sink EventSink) (string, error) {
	genMessages := []llmclient.Message{
		{Role: "system", Content: codeGenSystemPrompt},
		{Role: "user", Content: classification.Content},
	}
	raw, err := o.llm.Generate(ctx, genMessages, llmclient.DefaultParams())
	if err != nil {
		return "", fmt.Errorf("code generation failed: %w", err)
	}

	code := extractCode(raw)
	if code == "" {
		return "", fmt.Errorf("no code block produced for code intent")
	}

	if o.sandbox == nil {
		return "", fmt.Errorf("code intent requires a sandbox, none configured")
	}
	result, err := o.sandbox.Execute(ctx, code)
	if err != nil {
		return "", fmt.Errorf("code execution failed: %w", err)
	}

	finalPrompt := fmt.Sprintf(
		"以下是代码执行结果:\n%s\n\n生成的图片数量: %d\n\n请根据以上执行结果，用自然语言回答用户最初的问题：%s",
		result.Output, len(result.Images), classification.Content,
	)
	finalMessages := []llmclient.Message{
		{Role: "system", Content: o.systemPrompt(fullContext)},
		{Role: "user", Content: finalPrompt},
	}

	var b strings.Builder
	err = o.llm.Stream(ctx, finalMessages, llmclient.DefaultParams(), func(chunk string) error {
		b.WriteString(chunk)
		return sink.Emit(ctx, Event{Type: "content", Content: chunk})
	})
	if err != nil {
		return b.String(), err
	}

	for _, img := range result.Images {
		filename := img
		if idx := strings.LastIndex(img, "/"); idx >= 0 && idx+1 < len(img) {
			filename = img[idx+1:]
		}
		if emitErr := sink.Emit(ctx, Event{Type: "image", URL: img, Filename: filename}); emitErr != nil {
			break
		}
		fmt.Fprintf(&b, "\n\n![%s](%s)", filename, img)
	}

	return b.String(), nil
}

func extractCode(text string) string {
	if m := pythonFence.FindStringSubmatch(text); len(m) == 2 {
		return strings.TrimSpace(m[1])
	}
	// Heuristic fallback: anchor on the first import line and take the rest.
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "import ") {
			return strings.TrimSpace(strings.Join(lines[i:], "\n"))
		}
	}
	return ""
}

func (o *Orchestrator) persist(ctx context.Context, user, conv, message, aiResponse string, classification intent.Result, sink EventSink) {
	if o.messages == nil {
		return
	}
	userMsgID, err := o.messages.SaveMessage(ctx, user, conv, "user", message)
	if err != nil {
		_ = sink.Emit(ctx, Event{Type: "message_creation_error", Error: err.Error()})
		return
	}
	aiMsgID, err := o.messages.SaveMessage(ctx, user, conv, "assistant", aiResponse)
	if err != nil {
		_ = sink.Emit(ctx, Event{Type: "message_creation_error", Error: err.Error()})
		return
	}
	_ = sink.Emit(ctx, Event{
		Type:          "message_created",
		UserMessageID: userMsgID,
		AIMessageID:   aiMsgID,
		Intent:        classification.Intent,
		Sources:       sourcesFor(classification),
	})
}

func (o *Orchestrator) updateMemory(ctx context.Context, user, conv, message, aiResponse string, classification intent.Result, recentTurns []memtypes.Turn) {
	if o.memWriter == nil {
		return
	}
	scoreInput := importance.Input{
		UserMessage:       message,
		AIResponse:        aiResponse,
		Intent:            classification.Intent,
		TurnCount:         len(recentTurns),
		WithinWorkHours:   importance.WithinWorkHours(time.Now()),
		UserActivityScore: 0,
	}
	sources := sourcesFor(classification)
	o.memWriter.ProcessConversation(ctx, user, conv, message, aiResponse, classification.Intent, sources, scoreInput)
}

func sourcesFor(classification intent.Result) []string {
	if classification.Intent != "search" {
		return nil
	}
	sources := make([]string, 0, len(classification.SearchResults))
	for _, r := range classification.SearchResults {
		sources = append(sources, r.URL)
	}
	return sources
}

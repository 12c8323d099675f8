// Package summarizer builds bounded natural-language summaries of recent
// turns via the LLM client. Its prompt-construction idiom — name the level,
// cap the output length, and instruct integration rather than restatement
// when a prior summary exists — is adapted from the teacher's
// internal/agent/memory.Manager.summarizeChunk/plainSummarize.
package summarizer

import (
	"context"
	"fmt"
	"strings"

	"memoryd/internal/llmclient"
)

// Level identifies a hierarchical summary tier.
type Level string

const (
	L1 Level = "L1"
	L2 Level = "L2"
	L3 Level = "L3"
)

// LayerCap is the most-recent-turns window each level covers (spec.md
// section 3.3).
func LayerCap(level Level) int {
	switch level {
	case L1:
		return 2
	case L2:
		return 5
	case L3:
		return 10
	default:
		return 0
	}
}

// Turn is the minimal shape the summarizer needs from a conversation turn.
type Turn struct {
	UserMessage string
	AIResponse  string
}

// Completer is the narrow LLM surface the summarizer needs; llmclient.Client
// satisfies it. Expressed as an interface so tests can substitute a fake
// without a network round-trip.
type Completer interface {
	Generate(ctx context.Context, messages []llmclient.Message, params llmclient.Params) (string, error)
}

// Generator produces layered and flat summaries via an LLM client.
type Generator struct {
	llm Completer
}

// New builds a Generator.
func New(llm Completer) *Generator {
	return &Generator{llm: llm}
}

const maxLayerChars = 150
const maxFlatChars = 100

// GenerateLayer builds a bounded summary for level, from the most recent
// LayerCap(level) turns, optionally conditioned on priorSummary. It returns
// an empty string on any failure rather than propagating the error, per
// spec.md section 4.4 ("empty on any failure").
func (g *Generator) GenerateLayer(ctx context.Context, level Level, turns []Turn, priorSummary string) string {
	cap := LayerCap(level)
	window := turns
	if len(window) > cap {
		window = window[len(window)-cap:]
	}
	if len(window) == 0 {
		return ""
	}

	prompt := layerPrompt(level, window, priorSummary)
	params := llmclient.DefaultParams()
	params.Temperature = 0.3

	out, err := g.llm.Generate(ctx, []llmclient.Message{
		{Role: "system", Content: "你是一个对话摘要助手，只输出摘要正文，不要添加解释。"},
		{Role: "user", Content: prompt},
	}, params)
	if err != nil {
		return ""
	}
	return truncateRunes(strings.TrimSpace(out), maxLayerChars)
}

func layerPrompt(level Level, turns []Turn, priorSummary string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "请为对话生成 %s 级摘要，用简体中文自然语言表达，长度不超过 %d 个字符。\n", level, maxLayerChars)
	if strings.TrimSpace(priorSummary) != "" {
		fmt.Fprintf(&b, "已有摘要如下，请在其基础上融合新内容，而不是重复已有内容：\n%s\n\n", priorSummary)
	}
	b.WriteString("最近对话:\n")
	for _, t := range turns {
		fmt.Fprintf(&b, "用户: %s\n助手: %s\n", t.UserMessage, t.AIResponse)
	}
	return b.String()
}

// GenerateFlat builds the unleveled, shorter summary variant (<=100 chars)
// used by legacy read paths.
func (g *Generator) GenerateFlat(ctx context.Context, turns []Turn) string {
	if len(turns) == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "请将以下对话总结为不超过 %d 个字符的简体中文摘要：\n", maxFlatChars)
	for _, t := range turns {
		fmt.Fprintf(&b, "用户: %s\n助手: %s\n", t.UserMessage, t.AIResponse)
	}

	params := llmclient.DefaultParams()
	params.Temperature = 0.3

	out, err := g.llm.Generate(ctx, []llmclient.Message{
		{Role: "system", Content: "你是一个对话摘要助手，只输出摘要正文，不要添加解释。"},
		{Role: "user", Content: b.String()},
	}, params)
	if err != nil {
		return ""
	}
	return truncateRunes(strings.TrimSpace(out), maxFlatChars)
}

func truncateRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}

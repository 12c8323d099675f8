// Package intent implements C12: deterministic attachment/URL checks,
// falling back to an LLM arbitration call, to pick one of
// {file, web, search, code, normal}.
package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"memoryd/internal/llmclient"
	"memoryd/internal/memtypes"
	"memoryd/internal/urlfetch"
)

// Attachment is a pre-resolved attachment handed to the classifier: its
// content has already been extracted by an out-of-scope external
// collaborator (file-format text extraction, or a prior URL fetch).
type Attachment struct {
	Kind    string `json:"kind"` // "url" or "file"
	Name    string `json:"name"`
	Content string `json:"content"`
}

// SearchResult is one hit from the external web-search collaborator.
type SearchResult struct {
	Title   string
	URL     string
	Snippet string
}

// SearchProvider is the external web-search collaborator used for
// intent=search (spec.md section 1's explicit-out-of-scope list).
type SearchProvider interface {
	Search(ctx context.Context, query string) ([]SearchResult, error)
}

// PageFetcher is the external page-fetch collaborator for inline URLs.
type PageFetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// Completer is the narrow LLM surface the classifier needs.
type Completer interface {
	Generate(ctx context.Context, messages []llmclient.Message, params llmclient.Params) (string, error)
}

// Result is the classifier's output (spec.md section 4.10).
type Result struct {
	Intent        string
	Content       string
	SearchResults []SearchResult
	Confidence    float64
	Reasoning     string
}

// Classifier is the C12 component.
type Classifier struct {
	fetcher PageFetcher
	search  SearchProvider
	llm     Completer
}

// New builds a Classifier.
func New(fetcher PageFetcher, search SearchProvider, llm Completer) *Classifier {
	return &Classifier{fetcher: fetcher, search: search, llm: llm}
}

var urlPattern = regexp.MustCompile(`https?://[^\s]+`)

// Classify implements spec.md section 4.10's priority-ordered checks.
func (c *Classifier) Classify(ctx context.Context, message string, attachments []Attachment, user string, recentTurns []memtypes.Turn) Result {
	if r, ok := classifyURLAttachments(attachments); ok {
		return r
	}
	if r, ok := classifyFileAttachments(attachments); ok {
		return r
	}
	if r, ok := c.classifyInlineURL(ctx, message); ok {
		return r
	}
	return c.classifyViaLLM(ctx, message, recentTurns)
}

func classifyURLAttachments(attachments []Attachment) (Result, bool) {
	var contents []string
	for _, a := range attachments {
		if a.Kind == "url" {
			contents = append(contents, a.Content)
		}
	}
	if len(contents) == 0 {
		return Result{}, false
	}
	return Result{
		Intent:     "web",
		Content:    strings.Join(contents, ""),
		Confidence: 1.0,
		Reasoning:  "url attachment present",
	}, true
}

func classifyFileAttachments(attachments []Attachment) (Result, bool) {
	var b strings.Builder
	found := false
	for _, a := range attachments {
		if a.Kind != "file" {
			continue
		}
		found = true
		fmt.Fprintf(&b, "\n\nfile %s:\n%s", a.Name, a.Content)
	}
	if !found {
		return Result{}, false
	}
	return Result{
		Intent:     "file",
		Content:    b.String(),
		Confidence: 1.0,
		Reasoning:  "file attachment present",
	}, true
}

func (c *Classifier) classifyInlineURL(ctx context.Context, message string) (Result, bool) {
	url := urlPattern.FindString(message)
	if url == "" {
		return Result{}, false
	}
	if c.fetcher == nil {
		return Result{
			Intent:     "normal",
			Content:    fmt.Sprintf("%s\n\n[获取网页失败: 未配置网页抓取服务]", message),
			Confidence: 0.5,
			Reasoning:  "url present but no fetcher configured",
		}, true
	}

	body, err := c.fetcher.Fetch(ctx, url)
	switch {
	case err == nil:
		return Result{
			Intent:     "web",
			Content:    body,
			Confidence: 1.0,
			Reasoning:  "inline url fetched",
		}, true
	case isAntiScrapeErr(err):
		return Result{
			Intent:     "web",
			Content:    fmt.Sprintf("错误：该网页启用了反爬虫验证，无法提取内容（%s）。", url),
			Confidence: 1.0,
			Reasoning:  "anti-scrape detected",
		}, true
	default:
		return Result{
			Intent:     "normal",
			Content:    fmt.Sprintf("%s\n\n[获取网页失败: %v]", message, err),
			Confidence: 0.5,
			Reasoning:  "url fetch failed, demoted to normal",
		}, true
	}
}

func isAntiScrapeErr(err error) bool {
	return err == urlfetch.ErrAntiScrape
}

const arbitrationPromptTemplate = `请判断用户这句话的意图，只能从 search（需要联网搜索信息）、code（需要编写并执行代码）、normal（普通对话）三者中选择一个。
只输出一个 JSON 对象：{"intent": "...", "reasoning": "...", "confidence": 0到1之间的小数}，不要输出其他内容。

%s用户消息：%s`

func (c *Classifier) classifyViaLLM(ctx context.Context, message string, recentTurns []memtypes.Turn) Result {
	history := formatRecentTurns(recentTurns)
	prompt := fmt.Sprintf(arbitrationPromptTemplate, history, message)

	out, err := c.llm.Generate(ctx, []llmclient.Message{{Role: "user", Content: prompt}}, llmclient.DefaultParams())
	if err != nil {
		return Result{Intent: "normal", Content: message, Confidence: 0, Reasoning: "llm arbitration failed"}
	}

	result, ok := parseArbitration(out)
	if !ok {
		result = textMatchArbitration(out)
	}
	result.Content = message
	if result.Intent != "search" {
		return result
	}

	return c.attachSearch(ctx, message, result)
}

func formatRecentTurns(turns []memtypes.Turn) string {
	if len(turns) == 0 {
		return ""
	}
	window := turns
	if len(window) > 3 {
		window = window[len(window)-3:]
	}
	var b strings.Builder
	b.WriteString("最近对话:\n")
	for _, t := range window {
		fmt.Fprintf(&b, "用户: %s\n助手: %s\n", t.UserMessage, t.AIResponse)
	}
	b.WriteString("\n")
	return b.String()
}

type arbitrationResponse struct {
	Intent     string  `json:"intent"`
	Reasoning  string  `json:"reasoning"`
	Confidence float64 `json:"confidence"`
}

func parseArbitration(text string) (Result, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end < start {
		return Result{}, false
	}
	var resp arbitrationResponse
	if err := json.Unmarshal([]byte(text[start:end+1]), &resp); err != nil {
		return Result{}, false
	}
	if resp.Intent != "search" && resp.Intent != "code" && resp.Intent != "normal" {
		return Result{}, false
	}
	return Result{Intent: resp.Intent, Confidence: resp.Confidence, Reasoning: resp.Reasoning}, true
}

func textMatchArbitration(text string) Result {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "search"):
		return Result{Intent: "search", Confidence: 0.5, Reasoning: "text-match fallback"}
	case strings.Contains(lower, "code"):
		return Result{Intent: "code", Confidence: 0.5, Reasoning: "text-match fallback"}
	default:
		return Result{Intent: "normal", Confidence: 0.5, Reasoning: "text-match fallback default"}
	}
}

func (c *Classifier) attachSearch(ctx context.Context, query string, result Result) Result {
	if c.search == nil {
		result.Intent = "normal"
		result.Reasoning = "search intent but no search provider configured"
		return result
	}
	results, err := c.search.Search(ctx, query)
	if err != nil {
		result.Intent = "normal"
		result.Reasoning = "search failed, demoted to normal"
		return result
	}
	result.SearchResults = results
	return result
}
